package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/realm/pkg/protocol"
)

func TestLoadConfigWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "server.toml")

	first, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), first)
	require.FileExists(t, path)

	second, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, first, second, "the generated file decodes to the defaults")
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
ups = 30
bind = "127.0.0.1"
tcp_port = 8000
websocket_port = -1

[world]
file = "arena.toml"
step_length = 0.2

[limits]
max_sessions = 8
handshake_timeout_seconds = 3

[[schema.override]]
message = "PING_REQUEST"
handlers = []
mode = "final"
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Server.UPS)
	assert.Equal(t, "arena.toml", cfg.World.File)
	assert.Equal(t, 0.2, cfg.World.StepLength)
	require.Len(t, cfg.Schema.Overrides, 1)
	assert.Equal(t, "final", cfg.Schema.Overrides[0].Mode)

	sc := cfg.ToServerConfig()
	assert.Equal(t, 30, sc.UPS)
	assert.Equal(t, "127.0.0.1:8000", sc.TCPAddr)
	assert.Empty(t, sc.WebSocketAddr, "negative port disables the listener")
	assert.Equal(t, DefaultConfig().MetricsAddr, sc.MetricsAddr)
	assert.Equal(t, 8, sc.MaxSessions)
	assert.Equal(t, 3*time.Second, sc.HandshakeTimeout)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	t.Setenv("REALM_SERVER_TCP_PORT", "9100")
	t.Setenv("REALM_LIMITS_MAX_INBOUND_PER_SECOND", "12.5")
	t.Setenv("REALM_LOGGING_FORMAT", "json")
	t.Setenv("REALM_SERVER_UPS", "not a number")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.TCPPort)
	assert.Equal(t, 12.5, cfg.Limits.MaxInboundPerSecond)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, DefaultUPS, cfg.Server.UPS, "unparsable values are ignored")
}

func TestLoadConfigDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("REALM_AUTH_DATABASE_PATH=/srv/realm/accounts.db\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("REALM_AUTH_DATABASE_PATH") })

	cfg, err := LoadConfig(filepath.Join(dir, "server.toml"))
	require.NoError(t, err)
	assert.Equal(t, "/srv/realm/accounts.db", cfg.Auth.DatabasePath)
}

func TestApplySchemaOverrides(t *testing.T) {
	reg, err := protocol.NewRegistryFrom(protocol.DefaultSchema(), nil)
	require.NoError(t, err)
	configure, ok := reg.GetByName(protocol.MsgConfigureWorld)
	require.True(t, ok)
	ping, ok := reg.GetByName(protocol.MsgPingRequest)
	require.True(t, ok)

	cfg := DefaultTOMLConfig()
	cfg.Schema.Overrides = append(cfg.Schema.Overrides,
		SchemaOverride{Message: protocol.MsgPingRequest, Handlers: []string{"ping"}, Mode: "final"},
		SchemaOverride{Message: protocol.MsgPingRequest, Handlers: []string{"other"}, Mode: "override"},
		SchemaOverride{Message: "NO_SUCH_MESSAGE", Mode: "override"},
		SchemaOverride{Message: protocol.MsgLoginRequest, Mode: "sideways"},
	)

	err = cfg.ApplySchemaOverrides(reg)
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrFinalOverride)
	assert.ErrorIs(t, err, protocol.ErrNoSuchType)
	assert.Contains(t, err.Error(), "sideways")

	assert.Empty(t, reg.Handlers(configure.ID))
	assert.Equal(t, []string{"ping"}, reg.Handlers(ping.ID))
	assert.True(t, reg.IsFinal(ping.ID))
}

func TestListenAddr(t *testing.T) {
	assert.Equal(t, ":7770", listenAddr("", 7770, ":1"))
	assert.Equal(t, "10.0.0.1:80", listenAddr("10.0.0.1", 80, ":1"))
	assert.Equal(t, ":1", listenAddr("10.0.0.1", 0, ":1"))
	assert.Empty(t, listenAddr("", -1, ":1"))
}

func TestConfigLoaders(t *testing.T) {
	cfg := DefaultTOMLConfig()
	assert.Equal(t, protocol.DefaultSchema(), cfg.SchemaLoader())

	cfg.Schema.File = "schema.toml"
	assert.Equal(t, protocol.TOMLSchemaLoader{Path: "schema.toml"}, cfg.SchemaLoader())

	w, err := cfg.WorldLoader().Load(nil)
	require.NoError(t, err)
	assert.NotEmpty(t, w.Actors(), "the built-in world has NPCs")
}
