package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/aeolun/realm/pkg/connection"
)

const (
	defaultTCPPort       = "7770"
	defaultWebSocketPort = "7771"
	defaultWebSocketPath = "/ws"
)

type dialConfig struct {
	display   string // address with scheme, for logs
	transport string
	dial      func(ctx context.Context) (io.ReadWriteCloser, error)
}

// parseServerAddress accepts host[:port], tcp://host[:port], ws://host[:port][/path]
// and wss://host[:port][/path].
func parseServerAddress(raw string) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	hostPort := trimmed
	path := ""
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}
		hostPort = u.Host
		path = u.Path
	}

	switch scheme {
	case "tcp", "":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}
		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display:   "tcp://" + address,
			transport: "tcp",
			dial: func(ctx context.Context) (io.ReadWriteCloser, error) {
				var d net.Dialer
				conn, err := d.DialContext(ctx, "tcp", address)
				if err != nil {
					return nil, err
				}
				if tcpConn, ok := conn.(*net.TCPConn); ok {
					tcpConn.SetNoDelay(true)
				}
				return conn, nil
			},
		}, nil

	case "ws", "wss":
		host, port, err := splitHostPortWithDefault(hostPort, defaultWebSocketPort)
		if err != nil {
			return nil, err
		}
		if path == "" {
			path = defaultWebSocketPath
		}
		u := url.URL{Scheme: scheme, Host: net.JoinHostPort(host, port), Path: path}
		return &dialConfig{
			display:   u.String(),
			transport: "websocket",
			dial: func(ctx context.Context) (io.ReadWriteCloser, error) {
				ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
				if err != nil {
					return nil, err
				}
				return connection.NewWebSocketConn(ws), nil
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = hostPort
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
		}
		return host, defaultPort, nil
	}

	return "", "", err
}
