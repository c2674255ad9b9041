// Package client is the initiating side of the protocol: it dials a server,
// completes the key exchange, logs in and mirrors the state the server sends.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/realm/pkg/connection"
	"github.com/aeolun/realm/pkg/logging"
	"github.com/aeolun/realm/pkg/protocol"
)

var (
	ErrLoginRejected = errors.New("login rejected")
	ErrNotLoggedIn   = errors.New("not logged in")
	ErrDisconnected  = errors.New("disconnected")
)

// Options configure a client. Zero values select the defaults.
type Options struct {
	Logger           *slog.Logger
	HandshakeTimeout time.Duration
	// UPS is the server's tick rate, used to predict the step counter.
	UPS int
	// IncomingBuffer sizes the channel of messages nobody waited for.
	IncomingBuffer int
}

// LoginResult is a successful LOGIN_RESPONSE.
type LoginResult struct {
	SessionID       int32
	ObjectID        uint32
	ServerTimestamp time.Time
	X, Y            float64
}

// Client is one connection to a server.
type Client struct {
	addr      string
	transport string
	registry  *protocol.Registry
	conn      *connection.Connection
	logger    *slog.Logger
	mirror    *Mirror

	active   chan struct{}
	incoming chan *protocol.Message
	dropped  atomic.Uint64

	mu      sync.Mutex
	waiters map[string][]chan *protocol.Message
}

// Dial connects to addr and waits for the key exchange to finish.
func Dial(ctx context.Context, addr string, reg *protocol.Registry, opts Options) (*Client, error) {
	cfg, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}
	if opts.UPS <= 0 {
		opts.UPS = 50
	}
	if opts.IncomingBuffer <= 0 {
		opts.IncomingBuffer = 256
	}

	rwc, err := cfg.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.display, err)
	}

	c := &Client{
		addr:      cfg.display,
		transport: cfg.transport,
		registry:  reg,
		logger:    logging.OrDiscard(opts.Logger).With("server", cfg.display),
		mirror:    newMirror(opts.UPS),
		active:    make(chan struct{}),
		incoming:  make(chan *protocol.Message, opts.IncomingBuffer),
		waiters:   make(map[string][]chan *protocol.Message),
	}
	c.conn = connection.New(rwc, connection.Initiating, protocol.NewCodec(reg, c.logger), connection.Options{
		HandshakeTimeout: opts.HandshakeTimeout,
		Logger:           c.logger,
		OnMessage:        c.receive,
		OnActive:         func(*connection.Connection) { close(c.active) },
		OnClose: func(_ *connection.Connection, err error) {
			if err != nil {
				c.logger.Info("disconnected", "error", err)
			}
		},
	})
	if err := c.conn.Start(); err != nil {
		return nil, err
	}

	select {
	case <-c.active:
		c.logger.Debug("connected", "transport", c.transport)
		return c, nil
	case <-c.conn.Done():
		err := c.conn.Err()
		if err == nil {
			err = ErrDisconnected
		}
		return nil, fmt.Errorf("handshake with %s: %w", cfg.display, err)
	case <-ctx.Done():
		c.conn.Shutdown()
		return nil, ctx.Err()
	}
}

func (c *Client) Addr() string                       { return c.addr }
func (c *Client) Transport() string                  { return c.transport }
func (c *Client) Conn() *connection.Connection       { return c.conn }
func (c *Client) Mirror() *Mirror                    { return c.mirror }
func (c *Client) Done() <-chan struct{}              { return c.conn.Done() }
func (c *Client) Incoming() <-chan *protocol.Message { return c.incoming }

// Dropped counts unsolicited messages discarded because Incoming was full.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

func (c *Client) Close() {
	c.conn.Shutdown()
}

// Send queues msg and flushes it.
func (c *Client) Send(msg *protocol.Message) error {
	c.conn.QueueMessage(msg)
	return c.conn.SendAll()
}

// receive runs on the connection's reader goroutine.
func (c *Client) receive(_ *connection.Connection, msg *protocol.Message) {
	c.mirror.observe(msg)

	c.mu.Lock()
	if q := c.waiters[msg.Type.Name]; len(q) > 0 {
		ch := q[0]
		c.waiters[msg.Type.Name] = q[1:]
		c.mu.Unlock()
		ch <- msg
		return
	}
	c.mu.Unlock()

	select {
	case c.incoming <- msg:
	default:
		c.dropped.Add(1)
	}
}

// request sends msg and waits for the next message named reply.
func (c *Client) request(ctx context.Context, msg *protocol.Message, reply string) (*protocol.Message, error) {
	ch := make(chan *protocol.Message, 1)
	c.mu.Lock()
	c.waiters[reply] = append(c.waiters[reply], ch)
	c.mu.Unlock()

	if err := c.Send(msg); err != nil {
		c.cancelWait(reply, ch)
		return nil, err
	}
	select {
	case m := <-ch:
		return m, nil
	case <-c.conn.Done():
		c.cancelWait(reply, ch)
		return nil, ErrDisconnected
	case <-ctx.Done():
		c.cancelWait(reply, ch)
		return nil, ctx.Err()
	}
}

func (c *Client) cancelWait(reply string, ch chan *protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.waiters[reply]
	for i, w := range q {
		if w == ch {
			c.waiters[reply] = append(q[:i:i], q[i+1:]...)
			return
		}
	}
}

// Login authenticates. The password travels in an encrypted field.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	req := c.registry.MustCreate(protocol.MsgLoginRequest).
		With("username", username).
		With("password", password)
	resp, err := c.request(ctx, req, protocol.MsgLoginResponse)
	if err != nil {
		return nil, err
	}
	if !resp.Bool("success") {
		return nil, fmt.Errorf("%w: %s", ErrLoginRejected, resp.Text("reason"))
	}
	res := &LoginResult{
		SessionID:       resp.Int32("session_id"),
		ObjectID:        resp.Uint32("object_id"),
		ServerTimestamp: time.UnixMilli(resp.Int64("server_login_timestamp")),
		X:               resp.Float64("x"),
		Y:               resp.Float64("y"),
	}
	c.mirror.loggedIn(res)
	c.logger.Debug("logged in", "user", username, "session", res.SessionID, "object", res.ObjectID)
	return res, nil
}

// Logout ends the login but keeps the connection.
func (c *Client) Logout(ctx context.Context) error {
	resp, err := c.request(ctx, c.registry.MustCreate(protocol.MsgLogoutRequest), protocol.MsgLogoutResponse)
	if err != nil {
		return err
	}
	c.mirror.loggedOut()
	if !resp.Bool("success") {
		return ErrNotLoggedIn
	}
	return nil
}

// Ping measures one round trip.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	req := c.registry.MustCreate(protocol.MsgPingRequest).With("client_timestamp", start.UnixMilli())
	if _, err := c.request(ctx, req, protocol.MsgPingResponse); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Stats is a SERVER_STATS reply.
type Stats struct {
	UPS      float64
	Sessions int
	Tick     int64
}

func (c *Client) ServerStats(ctx context.Context) (Stats, error) {
	resp, err := c.request(ctx, c.registry.MustCreate(protocol.MsgServerStatsRequest), protocol.MsgServerStats)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		UPS:      resp.Float64("ups"),
		Sessions: int(resp.Int32("sessions")),
		Tick:     resp.Int64("tick"),
	}, nil
}

// Move asks the server to move at facing+relative from the predicted step.
func (c *Client) Move(facing, relative float64) error {
	return c.sendIntent(facing, relative, false)
}

// Stop asks the server to stand still.
func (c *Client) Stop() error {
	return c.sendIntent(c.mirror.Self().Facing, 0, true)
}

func (c *Client) sendIntent(facing, relative float64, idle bool) error {
	if !c.mirror.LoggedIn() {
		return ErrNotLoggedIn
	}
	step := c.mirror.startMove(facing, relative, idle)
	return c.Send(c.registry.MustCreate(protocol.MsgMoveIntent).
		With("facing", facing).
		With("relative", relative).
		With("idle", idle).
		With("issued_at_step", step))
}

// ConfigureWorld asks the server to change the step length. Servers usually
// disable this message.
func (c *Client) ConfigureWorld(stepLength float64) error {
	return c.Send(c.registry.MustCreate(protocol.MsgConfigureWorld).With("step_length", stepLength))
}
