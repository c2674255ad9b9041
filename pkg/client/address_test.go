package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServerAddress(t *testing.T) {
	tests := []struct {
		name      string
		address   string
		display   string
		transport string
		wantErr   bool
	}{
		{name: "bare host", address: "example.com", display: "tcp://example.com:7770", transport: "tcp"},
		{name: "bare host and port", address: "example.com:9000", display: "tcp://example.com:9000", transport: "tcp"},
		{name: "tcp scheme", address: "tcp://10.0.0.5", display: "tcp://10.0.0.5:7770", transport: "tcp"},
		{name: "ipv6", address: "[::1]", display: "tcp://[::1]:7770", transport: "tcp"},
		{name: "surrounding space", address: "  localhost:1  ", display: "tcp://localhost:1", transport: "tcp"},
		{name: "websocket default port and path", address: "ws://example.com", display: "ws://example.com:7771/ws", transport: "websocket"},
		{name: "websocket custom path", address: "ws://example.com:80/game", display: "ws://example.com:80/game", transport: "websocket"},
		{name: "secure websocket", address: "WSS://example.com", display: "wss://example.com:7771/ws", transport: "websocket"},
		{name: "empty", address: "   ", wantErr: true},
		{name: "unknown scheme", address: "ssh://example.com", wantErr: true},
		{name: "missing host", address: "tcp://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := parseServerAddress(tt.address)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.display, cfg.display)
			assert.Equal(t, tt.transport, cfg.transport)
			assert.NotNil(t, cfg.dial)
		})
	}
}
