package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// MaxStringLength is the maximum encoded length of a single string field (1 MB)
	MaxStringLength = 1024 * 1024

	// MaxArrayLength is the maximum element count of a single array field
	MaxArrayLength = 1 << 20
)

var (
	// ErrProtocol is the root of every connection-fatal wire error.
	ErrProtocol = errors.New("protocol error")

	ErrShortRead         = fmt.Errorf("%w: short read", ErrProtocol)
	ErrUnknownType       = fmt.Errorf("%w: unknown message type", ErrProtocol)
	ErrIncompleteMessage = fmt.Errorf("%w: incomplete message", ErrProtocol)
	ErrKindMismatch      = fmt.Errorf("%w: value does not match argument kind", ErrProtocol)
	ErrStringTooLong     = fmt.Errorf("%w: string exceeds maximum length", ErrProtocol)
	ErrArrayTooLong      = fmt.Errorf("%w: array exceeds maximum length", ErrProtocol)
	ErrInvalidBool       = fmt.Errorf("%w: invalid bool byte", ErrProtocol)
)

// readFull reads exactly len(buf) bytes. EOF in the middle of a value is a short read.
func readFull(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrShortRead
		}
		return err
	}
	return nil
}

func WriteUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func ReadUint8(r io.Reader) (uint8, error) {
	var buf [1]byte
	if err := readFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func WriteUint16(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func ReadUint16(r io.Reader) (uint16, error) {
	var buf [2]byte
	if err := readFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

func WriteUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func ReadUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if err := readFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func WriteUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func ReadUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if err := readFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func WriteBool(w io.Writer, v bool) error {
	if v {
		return WriteUint8(w, 1)
	}
	return WriteUint8(w, 0)
}

func ReadBool(r io.Reader) (bool, error) {
	b, err := ReadUint8(r)
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, ErrInvalidBool
	}
}

func WriteFloat32(w io.Writer, v float32) error {
	return WriteUint32(w, math.Float32bits(v))
}

func ReadFloat32(r io.Reader) (float32, error) {
	bits, err := ReadUint32(r)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(bits), nil
}

func WriteFloat64(w io.Writer, v float64) error {
	return WriteUint64(w, math.Float64bits(v))
}

func ReadFloat64(r io.Reader) (float64, error) {
	bits, err := ReadUint64(r)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(bits), nil
}

// WriteString writes a string field: [encrypted flag (1 byte)][length (4 bytes)][bytes].
// The caller is responsible for having already encrypted data when encrypted is true.
func WriteString(w io.Writer, data []byte, encrypted bool) error {
	if len(data) > MaxStringLength {
		return ErrStringTooLong
	}
	if err := WriteBool(w, encrypted); err != nil {
		return err
	}
	if err := WriteUint32(w, uint32(len(data))); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, err := w.Write(data)
	return err
}

// ReadString reads a string field and reports whether the sender marked it encrypted.
func ReadString(r io.Reader) ([]byte, bool, error) {
	encrypted, err := ReadBool(r)
	if err != nil {
		return nil, false, err
	}
	length, err := ReadUint32(r)
	if err != nil {
		return nil, false, err
	}
	if length > MaxStringLength {
		return nil, false, ErrStringTooLong
	}
	data := make([]byte, length)
	if length > 0 {
		if err := readFull(r, data); err != nil {
			return nil, false, err
		}
	}
	return data, encrypted, nil
}

// WriteArrayLength writes the 4-byte element count that prefixes every array field.
func WriteArrayLength(w io.Writer, n int) error {
	if n > MaxArrayLength {
		return ErrArrayTooLong
	}
	return WriteUint32(w, uint32(n))
}

// ReadArrayLength reads and validates an array element count.
func ReadArrayLength(r io.Reader) (int, error) {
	n, err := ReadUint32(r)
	if err != nil {
		return 0, err
	}
	if n > MaxArrayLength {
		return 0, ErrArrayTooLong
	}
	return int(n), nil
}
