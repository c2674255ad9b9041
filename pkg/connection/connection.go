// Package connection owns one peer's byte stream: the key exchange that
// bootstraps a session key, decoding inbound messages for dispatch and
// batching outbound messages to a background writer.
package connection

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/aeolun/realm/pkg/crypto"
	"github.com/aeolun/realm/pkg/logging"
	"github.com/aeolun/realm/pkg/protocol"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultMaxBacklog       = 1 << 20
	DefaultWriteQueue       = 64

	// MaxHandshakeBuffered bounds the messages held back until the key exchange completes.
	MaxHandshakeBuffered = 64
)

var (
	ErrHandshake    = errors.New("handshake failed")
	ErrClosed       = errors.New("connection closed")
	ErrSlowConsumer = errors.New("outbound backlog limit exceeded")
)

// State is the lifecycle state of a connection.
type State int32

const (
	StateHandshaking State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Role selects which side of the key exchange a connection plays.
type Role int

const (
	// Accepting sends its public key and receives the sealed session key.
	Accepting Role = iota
	// Initiating generates the session key and seals it to the peer's public key.
	Initiating
)

func (r Role) String() string {
	if r == Accepting {
		return "accepting"
	}
	return "initiating"
}

// Options configure a connection. Zero values select the defaults.
type Options struct {
	// KeyPair is the accepting side's keypair. A fresh one is generated when nil.
	KeyPair *crypto.KeyPair

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxBacklog       int // bytes of encoded output waiting for the writer
	WriteQueue       int // batches buffered between SendAll and the writer

	// MaxInboundPerSecond rate limits dispatched messages; 0 disables the limit.
	MaxInboundPerSecond float64

	Logger *slog.Logger

	// OnMessage receives every decoded message once the connection is active.
	// It runs on the connection's reader goroutine.
	OnMessage func(c *Connection, msg *protocol.Message)
	// OnActive fires once when the handshake completes.
	OnActive func(c *Connection)
	// OnClose fires exactly once with the reason the connection ended; nil
	// means the peer closed cleanly or Shutdown was called.
	OnClose func(c *Connection, err error)
}

func (o *Options) applyDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.MaxBacklog <= 0 {
		o.MaxBacklog = DefaultMaxBacklog
	}
	if o.WriteQueue <= 0 {
		o.WriteQueue = DefaultWriteQueue
	}
}

// Stats are traffic totals for one connection.
type Stats struct {
	BytesIn     uint64
	BytesOut    uint64
	MessagesIn  uint64
	MessagesOut uint64
	Dropped     uint64
}

var nextConnID atomic.Uint64

// Connection is one peer's stream. Reads happen on an internal goroutine,
// writes on another; QueueMessage and SendAll may be called from anywhere.
type Connection struct {
	id     uint64
	rwc    io.ReadWriteCloser
	role   Role
	codec  *protocol.Codec
	opts   Options
	logger *slog.Logger

	state   atomic.Int32
	key     atomic.Pointer[crypto.SessionKey]
	keyPair *crypto.KeyPair
	peerKey []byte

	outMu   sync.Mutex
	queue   []*protocol.Message
	backlog []byte
	writeCh chan []byte

	// buffered holds messages received before the handshake completed; only
	// the reader goroutine touches it.
	buffered []*protocol.Message
	limiter  *rate.Limiter

	startOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
	timer     *time.Timer

	bytesIn, bytesOut       atomic.Uint64
	messagesIn, messagesOut atomic.Uint64
	dropped                 atomic.Uint64
}

// New wraps rwc. Nothing is read or written until Start.
func New(rwc io.ReadWriteCloser, role Role, codec *protocol.Codec, opts Options) *Connection {
	opts.applyDefaults()
	c := &Connection{
		id:      nextConnID.Add(1),
		rwc:     rwc,
		role:    role,
		codec:   codec,
		opts:    opts,
		writeCh: make(chan []byte, opts.WriteQueue),
		closed:  make(chan struct{}),
	}
	c.logger = logging.OrDiscard(opts.Logger).With("conn", c.id, "role", role.String())
	if opts.MaxInboundPerSecond > 0 {
		burst := int(2 * opts.MaxInboundPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.MaxInboundPerSecond), burst)
	}
	return c
}

func (c *Connection) ID() uint64            { return c.id }
func (c *Connection) Role() Role            { return c.role }
func (c *Connection) State() State          { return State(c.state.Load()) }
func (c *Connection) Active() bool          { return c.State() == StateActive }
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Err returns why the connection closed, once Done is closed.
func (c *Connection) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

// RemoteAddr returns the peer address when the underlying stream has one.
func (c *Connection) RemoteAddr() string {
	if a, ok := c.rwc.(interface{ RemoteAddr() net.Addr }); ok && a.RemoteAddr() != nil {
		return a.RemoteAddr().String()
	}
	return ""
}

// PeerPublicKey returns the accepting peer's public key as seen by an initiating connection.
func (c *Connection) PeerPublicKey() []byte { return c.peerKey }

// SessionKey returns the installed session key, or nil while handshaking.
func (c *Connection) SessionKey() *crypto.SessionKey { return c.key.Load() }

// cipher returns the field cipher, or a nil interface when no key is installed.
func (c *Connection) cipher() protocol.FieldCipher {
	if k := c.key.Load(); k != nil {
		return k
	}
	return nil
}

func (c *Connection) Stats() Stats {
	return Stats{
		BytesIn:     c.bytesIn.Load(),
		BytesOut:    c.bytesOut.Load(),
		MessagesIn:  c.messagesIn.Load(),
		MessagesOut: c.messagesOut.Load(),
		Dropped:     c.dropped.Load(),
	}
}

// Start begins the handshake and launches the reader and writer goroutines.
func (c *Connection) Start() error {
	err := ErrClosed
	c.startOnce.Do(func() {
		err = c.start()
	})
	return err
}

func (c *Connection) start() error {
	if c.role == Accepting {
		kp := c.opts.KeyPair
		if kp == nil {
			var err error
			if kp, err = crypto.GenerateKeyPair(); err != nil {
				c.Shutdown()
				return err
			}
		}
		c.keyPair = kp
	}

	c.timer = time.AfterFunc(c.opts.HandshakeTimeout, func() {
		if c.State() == StateHandshaking {
			c.shutdown(fmt.Errorf("%w: timed out after %v", ErrHandshake, c.opts.HandshakeTimeout))
		}
	})

	go c.writeLoop()
	go c.readLoop()

	if c.role == Accepting {
		msg, err := c.codec.Registry().CreateEmpty(protocol.MsgHandshakePublicKey)
		if err != nil {
			c.shutdown(fmt.Errorf("%w: %v", ErrHandshake, err))
			return err
		}
		msg.With("public_key", c.keyPair.PublicKey[:])
		if err := c.sendDirect(msg); err != nil {
			c.shutdown(err)
			return err
		}
	}
	c.logger.Debug("connection started", "remote", c.RemoteAddr())
	return nil
}

// QueueMessage appends msg to the outbound queue. It never blocks on I/O.
func (c *Connection) QueueMessage(msg *protocol.Message) {
	c.outMu.Lock()
	c.queue = append(c.queue, msg)
	c.outMu.Unlock()
}

// Pending returns the number of queued messages not yet encoded.
func (c *Connection) Pending() int {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	return len(c.queue)
}

// SendAll drains the outbound queue and hands the encoded batch to the
// writer. It does not wait for the write. While handshaking the queue is kept
// so that encrypted fields are never sent before the key is installed.
// Messages that fail to encode are dropped and reported.
func (c *Connection) SendAll() error {
	if c.State() == StateClosed {
		return ErrClosed
	}
	c.outMu.Lock()
	if c.State() != StateActive {
		c.outMu.Unlock()
		return nil
	}
	batch := c.queue
	c.queue = nil

	var out []byte
	var errs []error
	cipher := c.cipher()
	sent := 0
	for _, msg := range batch {
		data, err := c.codec.Marshal(msg, cipher)
		if err != nil {
			errs = append(errs, fmt.Errorf("encode %s: %w", msg.Type.Name, err))
			continue
		}
		out = append(out, data...)
		sent++
	}
	c.messagesOut.Add(uint64(sent))
	overflow := c.pushLocked(out)
	c.outMu.Unlock()

	if overflow {
		c.shutdown(ErrSlowConsumer)
		errs = append(errs, ErrSlowConsumer)
	}
	for _, err := range errs {
		c.logger.Error("failed to send message", "error", err)
	}
	return errors.Join(errs...)
}

// sendDirect writes a handshake message ahead of the queue, bypassing the
// active-state check.
func (c *Connection) sendDirect(msg *protocol.Message) error {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	return c.sendDirectLocked(msg)
}

func (c *Connection) sendDirectLocked(msg *protocol.Message) error {
	data, err := c.codec.Marshal(msg, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	c.messagesOut.Add(1)
	if c.pushLocked(data) {
		return ErrSlowConsumer
	}
	return nil
}

// pushLocked appends data to the backlog and offers the backlog to the writer
// without blocking. It reports whether the backlog has grown past its limit.
func (c *Connection) pushLocked(data []byte) bool {
	c.backlog = append(c.backlog, data...)
	if len(c.backlog) == 0 {
		return false
	}
	select {
	case c.writeCh <- c.backlog:
		c.backlog = nil
		return false
	default:
		return len(c.backlog) > c.opts.MaxBacklog
	}
}

func (c *Connection) writeLoop() {
	dl, hasDeadline := c.rwc.(interface{ SetWriteDeadline(time.Time) error })
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.writeCh:
			if hasDeadline {
				_ = dl.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			}
			n, err := c.rwc.Write(data)
			c.bytesOut.Add(uint64(n))
			if err != nil {
				c.shutdown(fmt.Errorf("write: %w", err))
				return
			}
		}
	}
}

type countingReader struct {
	r io.Reader
	n *atomic.Uint64
}

func (cr countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n.Add(uint64(n))
	return n, err
}

func (c *Connection) readLoop() {
	r := bufio.NewReader(countingReader{r: c.rwc, n: &c.bytesIn})
	for {
		msg, err := c.codec.Decode(r, c.cipher())
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.shutdown(nil)
			} else {
				c.shutdown(err)
			}
			return
		}
		c.messagesIn.Add(1)
		if err := c.receive(msg); err != nil {
			c.shutdown(err)
			return
		}
	}
}

func (c *Connection) receive(msg *protocol.Message) error {
	name := msg.Type.Name
	handshake := name == protocol.MsgHandshakePublicKey || name == protocol.MsgHandshakeSessionKey

	switch c.State() {
	case StateClosed:
		return ErrClosed
	case StateActive:
		if handshake {
			return fmt.Errorf("%w: unexpected %s after handshake", ErrHandshake, name)
		}
		c.dispatch(msg)
		return nil
	}

	switch {
	case c.role == Accepting && name == protocol.MsgHandshakeSessionKey:
		return c.acceptSessionKey(msg)
	case c.role == Initiating && name == protocol.MsgHandshakePublicKey:
		return c.sendSessionKey(msg)
	case handshake:
		return fmt.Errorf("%w: unexpected %s for %s side", ErrHandshake, name, c.role)
	}
	if len(c.buffered) >= MaxHandshakeBuffered {
		return fmt.Errorf("%w: more than %d messages before key exchange", ErrHandshake, MaxHandshakeBuffered)
	}
	c.buffered = append(c.buffered, msg)
	c.logger.Debug("buffered message during handshake", "message", name)
	return nil
}

func (c *Connection) acceptSessionKey(msg *protocol.Message) error {
	key, err := c.keyPair.OpenSessionKey(msg.Bytes("sealed_key"))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	c.outMu.Lock()
	c.key.Store(key)
	c.state.Store(int32(StateActive))
	c.outMu.Unlock()
	c.activate()
	return nil
}

func (c *Connection) sendSessionKey(msg *protocol.Message) error {
	c.peerKey = append([]byte(nil), msg.Bytes("public_key")...)
	key, err := crypto.NewSessionKey()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	sealed, err := crypto.SealSessionKey(c.peerKey, key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	reply, err := c.codec.Registry().CreateEmpty(protocol.MsgHandshakeSessionKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	reply.With("sealed_key", sealed)

	// The sealed key must reach the writer before anything encrypted under it.
	c.outMu.Lock()
	err = c.sendDirectLocked(reply)
	if err == nil {
		c.key.Store(key)
		c.state.Store(int32(StateActive))
	}
	c.outMu.Unlock()
	if err != nil {
		return err
	}
	c.activate()
	return nil
}

// activate releases messages held during the handshake, in arrival order.
func (c *Connection) activate() {
	c.timer.Stop()
	c.logger.Debug("handshake complete", "buffered", len(c.buffered))
	if c.opts.OnActive != nil {
		c.opts.OnActive(c)
	}
	key := c.key.Load()
	for _, msg := range c.buffered {
		if err := msg.DecryptFields(key); err != nil {
			c.logger.Warn("buffered message left sealed", "message", msg.Type.Name, "error", err)
		}
		c.dispatch(msg)
	}
	c.buffered = nil
	if err := c.SendAll(); err != nil && !errors.Is(err, ErrClosed) {
		c.logger.Warn("flush after handshake failed", "error", err)
	}
}

func (c *Connection) dispatch(msg *protocol.Message) {
	if c.limiter != nil && !c.limiter.Allow() {
		n := c.dropped.Add(1)
		c.logger.Warn("inbound rate limit exceeded, message dropped", "message", msg.Type.Name, "dropped", n)
		return
	}
	if c.opts.OnMessage != nil {
		c.opts.OnMessage(c, msg)
	}
}

// Shutdown closes the connection. Calling it again is a no-op.
func (c *Connection) Shutdown() {
	c.shutdown(nil)
}

func (c *Connection) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.closeErr = reason
		if c.timer != nil {
			c.timer.Stop()
		}
		close(c.closed)
		_ = c.rwc.Close()
		if reason != nil {
			c.logger.Debug("connection closed", "reason", reason)
		} else {
			c.logger.Debug("connection closed")
		}
		if c.opts.OnClose != nil {
			c.opts.OnClose(c, reason)
		}
	})
}
