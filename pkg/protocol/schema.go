package protocol

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Message type names of the default schema.
const (
	MsgHandshakePublicKey  = "HANDSHAKE_PUBLIC_KEY"
	MsgHandshakeSessionKey = "HANDSHAKE_SESSION_KEY"
	MsgLoginRequest        = "LOGIN_REQUEST"
	MsgLoginResponse       = "LOGIN_RESPONSE"
	MsgLogoutRequest       = "LOGOUT_REQUEST"
	MsgLogoutResponse      = "LOGOUT_RESPONSE"
	MsgPingRequest         = "PING_REQUEST"
	MsgPingResponse        = "PING_RESPONSE"
	MsgMoveIntent          = "MOVE_INTENT"
	MsgForcedState         = "FORCED_STATE"
	MsgObjectVisible       = "OBJECT_VISIBLE"
	MsgObjectInvisible     = "OBJECT_INVISIBLE"
	MsgActorState          = "ACTOR_STATE"
	MsgConfigureWorld      = "CONFIGURE_WORLD"
	MsgServerStatsRequest  = "SERVER_STATS_REQUEST"
	MsgServerStats         = "SERVER_STATS"
)

//go:embed schema/default.toml
var defaultSchema []byte

// SchemaLoader produces the message types a registry is built from.
type SchemaLoader interface {
	LoadMessageTypes() ([]*MessageType, error)
}

// SchemaLoaderFunc adapts a function to SchemaLoader.
type SchemaLoaderFunc func() ([]*MessageType, error)

func (f SchemaLoaderFunc) LoadMessageTypes() ([]*MessageType, error) {
	return f()
}

// StaticSchema serves a fixed list of message types.
type StaticSchema []*MessageType

func (s StaticSchema) LoadMessageTypes() ([]*MessageType, error) {
	return s, nil
}

// TOMLSchemaLoader reads [[message]] tables from a TOML document. Data wins
// over Path when both are set.
type TOMLSchemaLoader struct {
	Path string
	Data []byte
}

type schemaFile struct {
	Messages []schemaMessage `toml:"message"`
}

type schemaMessage struct {
	ID       int         `toml:"id"`
	Name     string      `toml:"name"`
	Handlers []string    `toml:"handlers"`
	Args     []schemaArg `toml:"arg"`
}

type schemaArg struct {
	Name    string `toml:"name"`
	Kind    string `toml:"kind"`
	Encrypt bool   `toml:"encrypt"`
}

// LoadMessageTypes parses the schema. Any malformed entry fails the whole load.
func (l TOMLSchemaLoader) LoadMessageTypes() ([]*MessageType, error) {
	data := l.Data
	if data == nil {
		raw, err := os.ReadFile(l.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read schema file: %w", err)
		}
		data = raw
	}
	return ParseSchema(data)
}

// ParseSchema parses a TOML schema document.
func ParseSchema(data []byte) ([]*MessageType, error) {
	var file schemaFile
	if _, err := toml.Decode(string(data), &file); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}

	types := make([]*MessageType, 0, len(file.Messages))
	for _, m := range file.Messages {
		if m.ID < 0 || m.ID > 0xFFFF {
			return nil, fmt.Errorf("%w: %s has id %d outside uint16", ErrInvalidSchema, m.Name, m.ID)
		}
		t := &MessageType{
			ID:       uint16(m.ID),
			Name:     m.Name,
			Handlers: m.Handlers,
		}
		for _, a := range m.Args {
			kind, array, err := ParseKind(a.Kind)
			if err != nil {
				return nil, fmt.Errorf("%w: %s.%s: %v", ErrInvalidSchema, m.Name, a.Name, err)
			}
			t.Args = append(t.Args, ArgSpec{
				Name:    a.Name,
				Kind:    kind,
				Array:   array,
				Encrypt: a.Encrypt,
			})
		}
		types = append(types, t)
	}
	return types, nil
}

// DefaultSchema returns the built-in schema covering the handshake, session
// lifecycle, movement, visibility and server statistics.
func DefaultSchema() SchemaLoader {
	return TOMLSchemaLoader{Data: defaultSchema}
}
