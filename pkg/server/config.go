package server

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/aeolun/realm/pkg/crypto"
	"github.com/aeolun/realm/pkg/logging"
	"github.com/aeolun/realm/pkg/protocol"
	"github.com/aeolun/realm/pkg/world"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server  ServerSection  `toml:"server"`
	World   WorldSection   `toml:"world"`
	Limits  LimitsSection  `toml:"limits"`
	Logging LoggingSection `toml:"logging"`
	Auth    AuthSection    `toml:"auth"`
	Schema  SchemaSection  `toml:"schema"`
}

type ServerSection struct {
	UPS           int    `toml:"ups"`
	Bind          string `toml:"bind"`
	TCPPort       int    `toml:"tcp_port"`
	WebSocketPort int    `toml:"websocket_port"`
	MetricsPort   int    `toml:"metrics_port"`
	KeyPath       string `toml:"key_path"`
}

type WorldSection struct {
	File       string  `toml:"file"`
	StepLength float64 `toml:"step_length"`
}

type LimitsSection struct {
	MaxSessions             int     `toml:"max_sessions"`
	MaxInboundPerSecond     float64 `toml:"max_inbound_per_second"`
	MaxBacklogBytes         int     `toml:"max_backlog_bytes"`
	HandshakeTimeoutSeconds int     `toml:"handshake_timeout_seconds"`
	WriteTimeoutSeconds     int     `toml:"write_timeout_seconds"`
}

type LoggingSection struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type AuthSection struct {
	DatabasePath string `toml:"database_path"`
}

type SchemaSection struct {
	File      string           `toml:"file"`
	Overrides []SchemaOverride `toml:"override"`
}

// SchemaOverride changes the handler bindings of one message type at startup.
type SchemaOverride struct {
	Message  string   `toml:"message"`
	Handlers []string `toml:"handlers"`
	Mode     string   `toml:"mode"` // override, disable or final
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			UPS:           DefaultUPS,
			TCPPort:       7770,
			WebSocketPort: 7771,
			MetricsPort:   9090,
			KeyPath:       "~/.realm/server.key",
		},
		Limits: LimitsSection{
			MaxSessions:             256,
			MaxInboundPerSecond:     60,
			MaxBacklogBytes:         1 << 20,
			HandshakeTimeoutSeconds: 10,
			WriteTimeoutSeconds:     5,
		},
		Logging: LoggingSection{
			Level:  "info",
			Format: "text",
		},
		Auth: AuthSection{
			DatabasePath: "~/.realm/accounts.db",
		},
		Schema: SchemaSection{
			Overrides: []SchemaOverride{
				{Message: protocol.MsgConfigureWorld, Handlers: []string{"configure_world"}, Mode: "disable"},
			},
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies .env and environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := crypto.ExpandPath(path)
	if err != nil {
		return TOMLConfig{}, err
	}
	if err := loadDotEnv(filepath.Dir(path)); err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// A read-only location still runs on defaults.
		_ = writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return applyEnvOverrides(config), nil
}

// loadDotEnv reads .env from the working directory and the config directory.
// Variables already in the environment win.
func loadDotEnv(configDir string) error {
	paths := []string{".env"}
	if p := filepath.Join(configDir, ".env"); p != ".env" {
		paths = append(paths, p)
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: REALM_SECTION_KEY
// Example: REALM_SERVER_TCP_PORT=8080
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	// Server section
	if val := os.Getenv("REALM_SERVER_UPS"); val != "" {
		if ups, err := strconv.Atoi(val); err == nil {
			config.Server.UPS = ups
		}
	}
	if val := os.Getenv("REALM_SERVER_BIND"); val != "" {
		config.Server.Bind = val
	}
	if val := os.Getenv("REALM_SERVER_TCP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.TCPPort = port
		}
	}
	if val := os.Getenv("REALM_SERVER_WEBSOCKET_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.WebSocketPort = port
		}
	}
	if val := os.Getenv("REALM_SERVER_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.MetricsPort = port
		}
	}
	if val := os.Getenv("REALM_SERVER_KEY_PATH"); val != "" {
		config.Server.KeyPath = val
	}

	// World section
	if val := os.Getenv("REALM_WORLD_FILE"); val != "" {
		config.World.File = val
	}
	if val := os.Getenv("REALM_WORLD_STEP_LENGTH"); val != "" {
		if v, err := strconv.ParseFloat(val, 64); err == nil {
			config.World.StepLength = v
		}
	}

	// Limits section
	if val := os.Getenv("REALM_LIMITS_MAX_SESSIONS"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxSessions = limit
		}
	}
	if val := os.Getenv("REALM_LIMITS_MAX_INBOUND_PER_SECOND"); val != "" {
		if limit, err := strconv.ParseFloat(val, 64); err == nil {
			config.Limits.MaxInboundPerSecond = limit
		}
	}
	if val := os.Getenv("REALM_LIMITS_MAX_BACKLOG_BYTES"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxBacklogBytes = limit
		}
	}
	if val := os.Getenv("REALM_LIMITS_HANDSHAKE_TIMEOUT_SECONDS"); val != "" {
		if secs, err := strconv.Atoi(val); err == nil {
			config.Limits.HandshakeTimeoutSeconds = secs
		}
	}
	if val := os.Getenv("REALM_LIMITS_WRITE_TIMEOUT_SECONDS"); val != "" {
		if secs, err := strconv.Atoi(val); err == nil {
			config.Limits.WriteTimeoutSeconds = secs
		}
	}

	// Logging section
	if val := os.Getenv("REALM_LOGGING_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("REALM_LOGGING_FORMAT"); val != "" {
		config.Logging.Format = val
	}

	// Auth section
	if val := os.Getenv("REALM_AUTH_DATABASE_PATH"); val != "" {
		config.Auth.DatabasePath = val
	}

	// Schema section
	if val := os.Getenv("REALM_SCHEMA_FILE"); val != "" {
		config.Schema.File = val
	}

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := `# Realm Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables (and a .env file next to this one) can override these settings:
# REALM_SECTION_KEY (e.g., REALM_SERVER_TCP_PORT=8080)

[server]
# Simulation ticks per second
ups = 50

# Address to bind the listeners to (empty = all interfaces)
# bind = "127.0.0.1"

# Port for raw TCP clients (negative disables)
tcp_port = 7770

# Port for WebSocket clients on /ws (negative disables)
websocket_port = 7771

# Port for /metrics and /health - INTERNAL ONLY (negative disables)
metrics_port = 9090

# Handshake keypair, generated on first start
key_path = "~/.realm/server.key"

[world]
# World file (empty = built-in courtyard)
# file = "worlds/arena.toml"

# Distance an actor covers per step (0 = value from the world file)
# step_length = 0.1

[limits]
# Maximum concurrent sessions (0 = unlimited)
max_sessions = 256

# Inbound messages per second per connection (0 = unlimited)
max_inbound_per_second = 60

# Encoded bytes a connection may have waiting before it is dropped
max_backlog_bytes = 1048576

handshake_timeout_seconds = 10
write_timeout_seconds = 5

[logging]
# debug, info, warn or error
level = "info"

# text (console) or json
format = "text"

[auth]
# SQLite account database
database_path = "~/.realm/accounts.db"

[schema]
# Message schema file (empty = built-in schema)
# file = "schema.toml"

# Handler overrides applied at startup. Modes: override, disable, final
[[schema.override]]
message = "CONFIGURE_WORLD"
handlers = ["configure_world"]
mode = "disable"
`

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to Config
func (c *TOMLConfig) ToServerConfig() Config {
	cfg := DefaultConfig()

	if c.Server.UPS > 0 {
		cfg.UPS = c.Server.UPS
	}
	bind := strings.TrimSpace(c.Server.Bind)
	cfg.TCPAddr = listenAddr(bind, c.Server.TCPPort, cfg.TCPAddr)
	cfg.WebSocketAddr = listenAddr(bind, c.Server.WebSocketPort, cfg.WebSocketAddr)
	cfg.MetricsAddr = listenAddr(bind, c.Server.MetricsPort, cfg.MetricsAddr)

	if c.Limits.MaxSessions > 0 {
		cfg.MaxSessions = c.Limits.MaxSessions
	}
	if c.Limits.MaxInboundPerSecond > 0 {
		cfg.MaxInboundPerSecond = c.Limits.MaxInboundPerSecond
	}
	if c.Limits.MaxBacklogBytes > 0 {
		cfg.MaxBacklog = c.Limits.MaxBacklogBytes
	}
	if c.Limits.HandshakeTimeoutSeconds > 0 {
		cfg.HandshakeTimeout = time.Duration(c.Limits.HandshakeTimeoutSeconds) * time.Second
	}
	if c.Limits.WriteTimeoutSeconds > 0 {
		cfg.WriteTimeout = time.Duration(c.Limits.WriteTimeoutSeconds) * time.Second
	}
	return cfg
}

// listenAddr turns a configured port into a listen address. Zero keeps the
// default, a negative port disables the listener.
func listenAddr(bind string, port int, def string) string {
	switch {
	case port < 0:
		return ""
	case port == 0:
		return def
	}
	return fmt.Sprintf("%s:%d", bind, port)
}

// ApplySchemaOverrides applies the [[schema.override]] entries in order.
// Every entry is attempted; the failures are returned together.
func (c *TOMLConfig) ApplySchemaOverrides(reg *protocol.Registry) error {
	var errs []error
	for _, o := range c.Schema.Overrides {
		mode, err := protocol.ParseOverrideMode(o.Mode)
		if err != nil {
			errs = append(errs, fmt.Errorf("override of %s: %w", o.Message, err))
			continue
		}
		if err := reg.ApplyOverrideByName(o.Message, o.Handlers, mode); err != nil {
			errs = append(errs, fmt.Errorf("override of %s: %w", o.Message, err))
		}
	}
	return errors.Join(errs...)
}

// SchemaLoader returns the configured schema source.
func (c *TOMLConfig) SchemaLoader() protocol.SchemaLoader {
	if strings.TrimSpace(c.Schema.File) == "" {
		return protocol.DefaultSchema()
	}
	return protocol.TOMLSchemaLoader{Path: c.Schema.File}
}

// WorldLoader returns the configured world source.
func (c *TOMLConfig) WorldLoader() world.Loader {
	if strings.TrimSpace(c.World.File) == "" {
		return world.DefaultLoader()
	}
	return world.FileLoader{Path: c.World.File}
}

// LoggingOptions returns the logger settings.
func (c *TOMLConfig) LoggingOptions() logging.Options {
	return logging.Options{Level: c.Logging.Level, Format: c.Logging.Format}
}

// GetKeyPath returns the keypair path with ~ expanded
func (c *TOMLConfig) GetKeyPath() (string, error) {
	return crypto.ExpandPath(c.Server.KeyPath)
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return crypto.ExpandPath(c.Auth.DatabasePath)
}
