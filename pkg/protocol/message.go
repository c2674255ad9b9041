package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownArgument = errors.New("unknown argument")
	ErrInvalidSchema   = errors.New("invalid message schema")
)

// FieldCipher encrypts and decrypts individual string fields.
// A nil FieldCipher means no session key is installed yet.
type FieldCipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// MessageType is the schema of one message: a unique id and name, the ordered
// argument list, and the handler identifiers declared by the schema.
type MessageType struct {
	ID       uint16
	Name     string
	Args     []ArgSpec
	Handlers []string
}

// Arg returns the argument spec with the given name.
func (t *MessageType) Arg(name string) (ArgSpec, bool) {
	for _, a := range t.Args {
		if a.Name == name {
			return a, true
		}
	}
	return ArgSpec{}, false
}

// Validate checks the schema rules a message type must satisfy before registration.
func (t *MessageType) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("%w: message type %d has no name", ErrInvalidSchema, t.ID)
	}
	seen := make(map[string]bool, len(t.Args))
	for _, a := range t.Args {
		if a.Name == "" {
			return fmt.Errorf("%w: %s has an unnamed argument", ErrInvalidSchema, t.Name)
		}
		if seen[a.Name] {
			return fmt.Errorf("%w: %s declares argument %q twice", ErrInvalidSchema, t.Name, a.Name)
		}
		seen[a.Name] = true
		if _, ok := kindNames[a.Kind]; !ok {
			return fmt.Errorf("%w: %s.%s has invalid kind", ErrInvalidSchema, t.Name, a.Name)
		}
		if a.Encrypt && a.Kind != KindString {
			return fmt.Errorf("%w: %s.%s: only string fields can be encrypted", ErrInvalidSchema, t.Name, a.Name)
		}
	}
	return nil
}

func (t *MessageType) clone() *MessageType {
	c := *t
	c.Args = append([]ArgSpec(nil), t.Args...)
	c.Handlers = append([]string(nil), t.Handlers...)
	return &c
}

// Message is one instance of a MessageType with its argument values.
type Message struct {
	Type   *MessageType
	values map[string]any
	// sealed marks string fields that still hold ciphertext because no key was
	// available when they were decoded.
	sealed map[string]bool
}

// NewMessage creates an empty message of the given type.
func NewMessage(t *MessageType) *Message {
	return &Message{
		Type:   t,
		values: make(map[string]any, len(t.Args)),
	}
}

// Set assigns an argument value. The Go type must match the argument kind.
func (m *Message) Set(name string, v any) error {
	spec, ok := m.Type.Arg(name)
	if !ok {
		return fmt.Errorf("%w: %s has no argument %q", ErrUnknownArgument, m.Type.Name, name)
	}
	if !spec.Accepts(v) {
		return fmt.Errorf("%w: %s.%s wants %s, got %T", ErrKindMismatch, m.Type.Name, name, spec, v)
	}
	m.values[name] = v
	if m.sealed != nil {
		delete(m.sealed, name)
	}
	return nil
}

// With is Set for message construction in code where the schema is known;
// it panics on a programming error.
func (m *Message) With(name string, v any) *Message {
	if err := m.Set(name, v); err != nil {
		panic(err)
	}
	return m
}

// Get returns the raw value of an argument.
func (m *Message) Get(name string) (any, bool) {
	v, ok := m.values[name]
	return v, ok
}

// Values returns a copy of the argument map.
func (m *Message) Values() map[string]any {
	out := make(map[string]any, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

// Sealed reports whether a string field still holds undecrypted ciphertext.
func (m *Message) Sealed(name string) bool {
	return m.sealed[name]
}

// HasSealedFields reports whether any field still awaits decryption.
func (m *Message) HasSealedFields() bool {
	return len(m.sealed) > 0
}

func (m *Message) markSealed(name string) {
	if m.sealed == nil {
		m.sealed = make(map[string]bool)
	}
	m.sealed[name] = true
}

// Complete returns ErrIncompleteMessage unless every argument has a value of
// the matching kind.
func (m *Message) Complete() error {
	for _, a := range m.Type.Args {
		v, ok := m.values[a.Name]
		if !ok {
			return fmt.Errorf("%w: %s is missing %q", ErrIncompleteMessage, m.Type.Name, a.Name)
		}
		if !a.Accepts(v) {
			return fmt.Errorf("%w: %s.%s holds %T", ErrKindMismatch, m.Type.Name, a.Name, v)
		}
	}
	return nil
}

// Args returns the values in schema order.
func (m *Message) Args() ([]any, error) {
	if err := m.Complete(); err != nil {
		return nil, err
	}
	out := make([]any, len(m.Type.Args))
	for i, a := range m.Type.Args {
		out[i] = m.values[a.Name]
	}
	return out, nil
}

// DecryptFields decrypts every sealed field with c. Fields that fail to decrypt
// stay sealed; the first failure is returned.
func (m *Message) DecryptFields(c FieldCipher) error {
	if len(m.sealed) == 0 {
		return nil
	}
	if c == nil {
		return ErrNoSessionKey
	}
	var firstErr error
	for name := range m.sealed {
		switch v := m.values[name].(type) {
		case string:
			plain, err := c.Decrypt([]byte(v))
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("%s.%s: %w", m.Type.Name, name, err)
				}
				continue
			}
			m.values[name] = string(plain)
		case []string:
			out := make([]string, len(v))
			failed := false
			for i, elem := range v {
				plain, err := c.Decrypt([]byte(elem))
				if err != nil {
					failed = true
					if firstErr == nil {
						firstErr = fmt.Errorf("%s.%s[%d]: %w", m.Type.Name, name, i, err)
					}
					break
				}
				out[i] = string(plain)
			}
			if failed {
				continue
			}
			m.values[name] = out
		}
		delete(m.sealed, name)
	}
	return firstErr
}

func (m *Message) String() string {
	return fmt.Sprintf("%s(%d)%v", m.Type.Name, m.Type.ID, m.values)
}

// Typed accessors return the zero value when the argument is absent or of another kind.

func (m *Message) Bool(name string) bool {
	v, _ := m.values[name].(bool)
	return v
}

func (m *Message) Int8(name string) int8 {
	v, _ := m.values[name].(int8)
	return v
}

func (m *Message) Int16(name string) int16 {
	v, _ := m.values[name].(int16)
	return v
}

func (m *Message) Int32(name string) int32 {
	v, _ := m.values[name].(int32)
	return v
}

func (m *Message) Int64(name string) int64 {
	v, _ := m.values[name].(int64)
	return v
}

func (m *Message) Uint8(name string) uint8 {
	v, _ := m.values[name].(uint8)
	return v
}

func (m *Message) Uint16(name string) uint16 {
	v, _ := m.values[name].(uint16)
	return v
}

func (m *Message) Uint32(name string) uint32 {
	v, _ := m.values[name].(uint32)
	return v
}

func (m *Message) Uint64(name string) uint64 {
	v, _ := m.values[name].(uint64)
	return v
}

func (m *Message) Float32(name string) float32 {
	v, _ := m.values[name].(float32)
	return v
}

func (m *Message) Float64(name string) float64 {
	v, _ := m.values[name].(float64)
	return v
}

func (m *Message) Text(name string) string {
	v, _ := m.values[name].(string)
	return v
}

func (m *Message) Bytes(name string) []byte {
	v, _ := m.values[name].([]uint8)
	return v
}
