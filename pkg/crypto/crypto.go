// Package crypto provides the connection handshake primitives: a Curve25519
// keypair whose public half the server announces, anonymous sealed boxes that
// carry a client-chosen session key, and AES-256-GCM field encryption under
// that session key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const (
	// KeySize is the size of Curve25519 public and private keys
	KeySize = 32

	// SessionKeySize is the size of AES-256 session keys
	SessionKeySize = 32

	// NonceSize is the size of AES-GCM nonces
	NonceSize = 12

	// TagSize is the size of AES-GCM authentication tags
	TagSize = 16

	// SealedSessionKeySize is the size of a session key sealed with SealSessionKey
	SealedSessionKeySize = SessionKeySize + box.AnonymousOverhead
)

var (
	// ErrCrypto is the root of every key and field encryption error.
	ErrCrypto = errors.New("crypto error")

	ErrInvalidKeySize      = fmt.Errorf("%w: invalid key size", ErrCrypto)
	ErrInvalidCiphertext   = fmt.Errorf("%w: ciphertext too short", ErrCrypto)
	ErrDecryptionFailed    = fmt.Errorf("%w: decryption failed: authentication error", ErrCrypto)
	ErrKeyGenerationFailed = fmt.Errorf("%w: key generation failed", ErrCrypto)
	ErrInvalidPublicKey    = fmt.Errorf("%w: invalid public key", ErrCrypto)
	ErrOpenFailed          = fmt.Errorf("%w: sealed session key could not be opened", ErrCrypto)
)

// KeyPair is the asymmetric keypair of the accepting side of a connection.
type KeyPair struct {
	PublicKey  [KeySize]byte
	PrivateKey [KeySize]byte
}

// GenerateKeyPair generates a new keypair from crypto/rand.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}
	return &KeyPair{PublicKey: *pub, PrivateKey: *priv}, nil
}

// KeyPairFromPrivate rebuilds a keypair from its private half.
func KeyPairFromPrivate(privateKey []byte) (*KeyPair, error) {
	if len(privateKey) != KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKeySize, KeySize, len(privateKey))
	}
	pub, err := curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}
	kp := &KeyPair{}
	copy(kp.PrivateKey[:], privateKey)
	copy(kp.PublicKey[:], pub)
	return kp, nil
}

// SealSessionKey encrypts a session key to the peer's public key so only the
// holder of the matching private key can open it.
func SealSessionKey(peerPublicKey []byte, key *SessionKey) ([]byte, error) {
	if len(peerPublicKey) != KeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes", ErrInvalidKeySize, KeySize)
	}
	if isLowOrderPoint(peerPublicKey) {
		return nil, ErrInvalidPublicKey
	}
	var recipient [KeySize]byte
	copy(recipient[:], peerPublicKey)

	sealed, err := box.SealAnonymous(nil, key[:], &recipient, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return sealed, nil
}

// OpenSessionKey opens a session key sealed with SealSessionKey.
func (kp *KeyPair) OpenSessionKey(sealed []byte) (*SessionKey, error) {
	if len(sealed) != SealedSessionKeySize {
		return nil, fmt.Errorf("%w: sealed key must be %d bytes, got %d", ErrInvalidKeySize, SealedSessionKeySize, len(sealed))
	}
	plain, ok := box.OpenAnonymous(nil, sealed, &kp.PublicKey, &kp.PrivateKey)
	if !ok {
		return nil, ErrOpenFailed
	}
	return SessionKeyFromBytes(plain)
}

// SessionKey is the symmetric key both sides install after the handshake.
// It encrypts individual message fields.
type SessionKey [SessionKeySize]byte

// NewSessionKey generates a random session key.
func NewSessionKey() (*SessionKey, error) {
	var k SessionKey
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}
	return &k, nil
}

// SessionKeyFromBytes copies a raw key.
func SessionKeyFromBytes(b []byte) (*SessionKey, error) {
	if len(b) != SessionKeySize {
		return nil, fmt.Errorf("%w: session key must be %d bytes, got %d", ErrInvalidKeySize, SessionKeySize, len(b))
	}
	var k SessionKey
	copy(k[:], b)
	return &k, nil
}

// Encrypt seals plaintext with AES-256-GCM.
// Returns: nonce (12 bytes) || ciphertext || tag (16 bytes)
func (k *SessionKey) Encrypt(plaintext []byte) ([]byte, error) {
	gcm, err := k.gcm()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: failed to generate nonce: %v", ErrCrypto, err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (k *SessionKey) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize+TagSize {
		return nil, ErrInvalidCiphertext
	}
	gcm, err := k.gcm()
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, ciphertext[:NonceSize], ciphertext[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func (k *SessionKey) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(k[:])
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create AES cipher: %v", ErrCrypto, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create GCM: %v", ErrCrypto, err)
	}
	return gcm, nil
}

// Low-order points are weak public keys and are rejected.
var lowOrderPoints = [][32]byte{
	// Point at infinity (all zeros)
	{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
	// Order 2 point
	{1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
	// Order 4 points
	{0xe0, 0xeb, 0x7a, 0x7c, 0x3b, 0x41, 0xb8, 0xae, 0x16, 0x56, 0xe3, 0xfa, 0xf1, 0x9f, 0xc4, 0x6a, 0xda, 0x09, 0x8d, 0xeb, 0x9c, 0x32, 0xb1, 0xfd, 0x86, 0x62, 0x05, 0x16, 0x5f, 0x49, 0xb8, 0x00},
	{0x5f, 0x9c, 0x95, 0xbc, 0xa3, 0x50, 0x8c, 0x24, 0xb1, 0xd0, 0xb1, 0x55, 0x9c, 0x83, 0xef, 0x5b, 0x04, 0x44, 0x5c, 0xc4, 0x58, 0x1c, 0x8e, 0x86, 0xd8, 0x22, 0x4e, 0xdd, 0xd0, 0x9f, 0x11, 0x57},
	// Order 8 points
	{0xec, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f},
	{0xed, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f},
	{0xee, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f},
}

func isLowOrderPoint(key []byte) bool {
	if len(key) != KeySize {
		return true
	}
	var keyArray [KeySize]byte
	copy(keyArray[:], key)
	for _, lowOrder := range lowOrderPoints {
		if keyArray == lowOrder {
			return true
		}
	}
	return false
}
