package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// ErrNoSessionKey is returned when a sealed field is decrypted before a
// session key is installed.
var ErrNoSessionKey = errors.New("no session key installed")

// Codec encodes and decodes frames of the form [uint16 type id][arg0]...[argN],
// arguments in schema order. Frames carry no overall length; the registry
// schema decides every field boundary.
type Codec struct {
	registry *Registry
	logger   *slog.Logger
}

// NewCodec creates a codec bound to a registry.
func NewCodec(registry *Registry, logger *slog.Logger) *Codec {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Codec{registry: registry, logger: logger}
}

// Registry returns the registry the codec resolves type ids against.
func (c *Codec) Registry() *Registry {
	return c.registry
}

// Marshal encodes a message into a new byte slice.
func (c *Codec) Marshal(msg *Message, cipher FieldCipher) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Encode(&buf, msg, cipher); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes exactly one message from data.
func (c *Codec) Unmarshal(data []byte, cipher FieldCipher) (*Message, error) {
	r := bytes.NewReader(data)
	msg, err := c.Decode(r, cipher)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrShortRead
		}
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after %s", ErrProtocol, r.Len(), msg.Type.Name)
	}
	return msg, nil
}

// Encode writes msg to w. Fields flagged encrypt are sealed with cipher; when
// cipher is nil they go out in clear text with the flag unset and a warning.
func (c *Codec) Encode(w io.Writer, msg *Message, cipher FieldCipher) error {
	values, err := msg.Args()
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	if err := WriteUint16(bw, msg.Type.ID); err != nil {
		return err
	}
	for i, spec := range msg.Type.Args {
		if err := c.encodeValue(bw, msg.Type, spec, values[i], cipher); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func (c *Codec) encodeValue(w io.Writer, t *MessageType, spec ArgSpec, v any, cipher FieldCipher) error {
	if spec.Kind == KindString {
		if spec.Array {
			elems := v.([]string)
			if err := WriteArrayLength(w, len(elems)); err != nil {
				return err
			}
			for _, s := range elems {
				if err := c.encodeString(w, t, spec, s, cipher); err != nil {
					return err
				}
			}
			return nil
		}
		return c.encodeString(w, t, spec, v.(string), cipher)
	}

	if spec.Array {
		return writeArray(w, spec.Kind, v)
	}
	return writeScalar(w, spec.Kind, v)
}

func (c *Codec) encodeString(w io.Writer, t *MessageType, spec ArgSpec, s string, cipher FieldCipher) error {
	if !spec.Encrypt {
		return WriteString(w, []byte(s), false)
	}
	if cipher == nil {
		c.logger.Warn("sending encrypted field without session key", "message", t.Name, "field", spec.Name)
		return WriteString(w, []byte(s), false)
	}
	sealed, err := cipher.Encrypt([]byte(s))
	if err != nil {
		c.logger.Warn("field encryption failed, sending clear text", "message", t.Name, "field", spec.Name, "error", err)
		return WriteString(w, []byte(s), false)
	}
	return WriteString(w, sealed, true)
}

// Decode reads one message from r. A clean end of stream before the type id
// returns io.EOF; any truncation after that is ErrShortRead.
func (c *Codec) Decode(r io.Reader, cipher FieldCipher) (*Message, error) {
	var idBuf [2]byte
	n, err := io.ReadFull(r, idBuf[:])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortRead
		}
		return nil, err
	}
	id := uint16(idBuf[0])<<8 | uint16(idBuf[1])

	t, ok := c.registry.GetByID(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, id)
	}

	msg := NewMessage(t)
	for _, spec := range t.Args {
		v, sealed, err := c.decodeValue(r, t, spec, cipher)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", t.Name, spec.Name, err)
		}
		msg.values[spec.Name] = v
		if sealed {
			msg.markSealed(spec.Name)
		}
	}
	return msg, nil
}

func (c *Codec) decodeValue(r io.Reader, t *MessageType, spec ArgSpec, cipher FieldCipher) (any, bool, error) {
	if spec.Kind == KindString {
		if spec.Array {
			n, err := ReadArrayLength(r)
			if err != nil {
				return nil, false, err
			}
			raw := make([][]byte, n)
			encrypted := make([]bool, n)
			for i := range raw {
				if raw[i], encrypted[i], err = ReadString(r); err != nil {
					return nil, false, err
				}
			}
			// An array is opened whole or left entirely as received.
			out := make([]string, n)
			sealed := false
			for i, data := range raw {
				if !encrypted[i] {
					out[i] = string(data)
					continue
				}
				if out[i], sealed = c.openString(t, spec, data, cipher); sealed {
					break
				}
			}
			if sealed {
				for i, data := range raw {
					out[i] = string(data)
				}
			}
			return out, sealed, nil
		}
		s, sealed, err := c.decodeString(r, t, spec, cipher)
		return s, sealed, err
	}

	if spec.Array {
		v, err := readArray(r, spec.Kind)
		return v, false, err
	}
	v, err := readScalar(r, spec.Kind)
	return v, false, err
}

// decodeString returns the field value and whether it still holds ciphertext.
func (c *Codec) decodeString(r io.Reader, t *MessageType, spec ArgSpec, cipher FieldCipher) (string, bool, error) {
	data, encrypted, err := ReadString(r)
	if err != nil {
		return "", false, err
	}
	if !encrypted {
		return string(data), false, nil
	}
	s, sealed := c.openString(t, spec, data, cipher)
	return s, sealed, nil
}

// openString decrypts an encrypted field value. When it cannot, the
// ciphertext is returned with sealed set.
func (c *Codec) openString(t *MessageType, spec ArgSpec, data []byte, cipher FieldCipher) (string, bool) {
	if cipher == nil {
		c.logger.Warn("encrypted field received without session key", "message", t.Name, "field", spec.Name)
		return string(data), true
	}
	plain, err := cipher.Decrypt(data)
	if err != nil {
		c.logger.Warn("field decryption failed", "message", t.Name, "field", spec.Name, "error", err)
		return string(data), true
	}
	return string(plain), false
}

func writeScalar(w io.Writer, k Kind, v any) error {
	switch k {
	case KindBool:
		return WriteBool(w, v.(bool))
	case KindInt8:
		return WriteUint8(w, uint8(v.(int8)))
	case KindInt16:
		return WriteUint16(w, uint16(v.(int16)))
	case KindInt32:
		return WriteUint32(w, uint32(v.(int32)))
	case KindInt64:
		return WriteUint64(w, uint64(v.(int64)))
	case KindUint8:
		return WriteUint8(w, v.(uint8))
	case KindUint16:
		return WriteUint16(w, v.(uint16))
	case KindUint32:
		return WriteUint32(w, v.(uint32))
	case KindUint64:
		return WriteUint64(w, v.(uint64))
	case KindFloat32:
		return WriteFloat32(w, v.(float32))
	case KindFloat64:
		return WriteFloat64(w, v.(float64))
	}
	return fmt.Errorf("%w: cannot encode kind %s", ErrKindMismatch, k)
}

func readScalar(r io.Reader, k Kind) (any, error) {
	switch k {
	case KindBool:
		return ReadBool(r)
	case KindInt8:
		v, err := ReadUint8(r)
		return int8(v), err
	case KindInt16:
		v, err := ReadUint16(r)
		return int16(v), err
	case KindInt32:
		v, err := ReadUint32(r)
		return int32(v), err
	case KindInt64:
		v, err := ReadUint64(r)
		return int64(v), err
	case KindUint8:
		return ReadUint8(r)
	case KindUint16:
		return ReadUint16(r)
	case KindUint32:
		return ReadUint32(r)
	case KindUint64:
		return ReadUint64(r)
	case KindFloat32:
		return ReadFloat32(r)
	case KindFloat64:
		return ReadFloat64(r)
	}
	return nil, fmt.Errorf("%w: cannot decode kind %s", ErrKindMismatch, k)
}

func writeArray(w io.Writer, k Kind, v any) error {
	switch elems := v.(type) {
	case []uint8:
		// uint8[] is the common byte-blob case; write it in one call.
		if err := WriteArrayLength(w, len(elems)); err != nil {
			return err
		}
		_, err := w.Write(elems)
		return err
	case []bool:
		return writeElems(w, k, elems)
	case []int8:
		return writeElems(w, k, elems)
	case []int16:
		return writeElems(w, k, elems)
	case []int32:
		return writeElems(w, k, elems)
	case []int64:
		return writeElems(w, k, elems)
	case []uint16:
		return writeElems(w, k, elems)
	case []uint32:
		return writeElems(w, k, elems)
	case []uint64:
		return writeElems(w, k, elems)
	case []float32:
		return writeElems(w, k, elems)
	case []float64:
		return writeElems(w, k, elems)
	}
	return fmt.Errorf("%w: cannot encode %T as %s[]", ErrKindMismatch, v, k)
}

func writeElems[T any](w io.Writer, k Kind, elems []T) error {
	if err := WriteArrayLength(w, len(elems)); err != nil {
		return err
	}
	for _, e := range elems {
		if err := writeScalar(w, k, e); err != nil {
			return err
		}
	}
	return nil
}

func readArray(r io.Reader, k Kind) (any, error) {
	n, err := ReadArrayLength(r)
	if err != nil {
		return nil, err
	}
	switch k {
	case KindUint8:
		out := make([]uint8, n)
		if n > 0 {
			if err := readFull(r, out); err != nil {
				return nil, err
			}
		}
		return out, nil
	case KindBool:
		return readElems[bool](r, k, n)
	case KindInt8:
		return readElems[int8](r, k, n)
	case KindInt16:
		return readElems[int16](r, k, n)
	case KindInt32:
		return readElems[int32](r, k, n)
	case KindInt64:
		return readElems[int64](r, k, n)
	case KindUint16:
		return readElems[uint16](r, k, n)
	case KindUint32:
		return readElems[uint32](r, k, n)
	case KindUint64:
		return readElems[uint64](r, k, n)
	case KindFloat32:
		return readElems[float32](r, k, n)
	case KindFloat64:
		return readElems[float64](r, k, n)
	}
	return nil, fmt.Errorf("%w: cannot decode kind %s[]", ErrKindMismatch, k)
}

func readElems[T any](r io.Reader, k Kind, n int) ([]T, error) {
	out := make([]T, n)
	for i := range out {
		v, err := readScalar(r, k)
		if err != nil {
			return nil, err
		}
		out[i] = v.(T)
	}
	return out, nil
}
