package crypto

import (
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// KeyFileMode is the file permission for key files (owner read/write only)
	KeyFileMode = 0600

	// KeyDirMode is the directory permission for the key file's directory
	KeyDirMode = 0700

	pemBlockType = "REALM CURVE25519 PRIVATE KEY"
)

var (
	ErrKeyNotFound    = errors.New("key file not found")
	ErrKeyFileCorrupt = errors.New("key file is corrupt")
)

// ExpandPath expands a leading ~/ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// SaveKeyPair writes the private key as PEM to path.
func SaveKeyPair(path string, kp *KeyPair) error {
	path, err := ExpandPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), KeyDirMode); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	data := pem.EncodeToMemory(&pem.Block{Type: pemBlockType, Bytes: kp.PrivateKey[:]})

	// Write atomically by writing to temp file first
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, KeyFileMode); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save key file: %w", err)
	}
	return nil
}

// LoadKeyPair reads a PEM private key written by SaveKeyPair.
func LoadKeyPair(path string) (*KeyPair, error) {
	path, err := ExpandPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemBlockType {
		return nil, fmt.Errorf("%w: no %s block", ErrKeyFileCorrupt, pemBlockType)
	}
	if len(block.Bytes) != KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrKeyFileCorrupt, KeySize, len(block.Bytes))
	}
	return KeyPairFromPrivate(block.Bytes)
}

// LoadOrGenerateKeyPair loads the keypair at path, or generates and saves a new
// one when none exists. An empty path always generates an ephemeral keypair.
// The bool reports whether the keypair was newly generated.
func LoadOrGenerateKeyPair(path string) (*KeyPair, bool, error) {
	if path == "" {
		kp, err := GenerateKeyPair()
		return kp, true, err
	}

	kp, err := LoadKeyPair(path)
	if err == nil {
		return kp, false, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, false, err
	}

	kp, err = GenerateKeyPair()
	if err != nil {
		return nil, false, err
	}
	if err := SaveKeyPair(path, kp); err != nil {
		return nil, false, err
	}
	return kp, true, nil
}
