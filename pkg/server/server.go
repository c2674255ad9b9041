package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/aeolun/realm/pkg/auth"
	"github.com/aeolun/realm/pkg/connection"
	"github.com/aeolun/realm/pkg/crypto"
	"github.com/aeolun/realm/pkg/logging"
	"github.com/aeolun/realm/pkg/protocol"
	"github.com/aeolun/realm/pkg/world"
)

const DefaultUPS = 50

// Config holds the runtime settings of a server.
type Config struct {
	UPS int

	// Listen addresses; empty disables the listener.
	TCPAddr       string
	WebSocketAddr string
	WebSocketPath string
	MetricsAddr   string // /metrics and /health, internal only

	MaxSessions         int // 0 = unlimited
	MaxInboundPerSecond float64
	MaxBacklog          int
	HandshakeTimeout    time.Duration
	WriteTimeout        time.Duration
	AuthTimeout         time.Duration

	// ManualTick leaves ticking to the caller of Tick.
	ManualTick bool
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		UPS:                 DefaultUPS,
		TCPAddr:             ":7770",
		WebSocketAddr:       ":7771",
		WebSocketPath:       "/ws",
		MetricsAddr:         ":9090",
		MaxSessions:         256,
		MaxInboundPerSecond: 60,
		MaxBacklog:          connection.DefaultMaxBacklog,
		HandshakeTimeout:    connection.DefaultHandshakeTimeout,
		WriteTimeout:        connection.DefaultWriteTimeout,
		AuthTimeout:         5 * time.Second,
	}
}

// Deps are the collaborators a server is built from.
type Deps struct {
	Registry *protocol.Registry
	World    *world.World
	Auth     auth.Authenticator
	KeyPair  *crypto.KeyPair // generated when nil
	Handlers HandlerTable    // DefaultHandlers when nil
	Logger   *slog.Logger
}

type pendingConn struct {
	rwc       io.ReadWriteCloser
	transport string
}

// Server runs the fixed-rate tick loop. Only the tick goroutine touches the
// world; network goroutines hand work over through the queues below.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	registry *protocol.Registry
	codec    *protocol.Codec
	world    *world.World
	auth     auth.Authenticator
	keyPair  *crypto.KeyPair
	handlers HandlerTable
	sessions *SessionTable
	metrics  *Metrics
	ups      *UPSTracker
	tick     atomic.Uint64
	warned   sync.Map

	lastPhaseErr atomic.Pointer[TickPhaseError]

	// ctx bounds collaborator calls made on behalf of sessions.
	ctx    context.Context
	cancel context.CancelFunc

	newMu    sync.Mutex
	newConns []pendingConn

	closedMu sync.Mutex
	closed   []*Session

	taskMu sync.Mutex
	synced []func()

	hookMu   sync.Mutex
	repeated []func()
	hooks    []func()

	listenMu  sync.Mutex
	tcpLn     net.Listener
	wsLn      net.Listener
	metricsLn net.Listener
	upgrader  websocket.Upgrader
	stopped   atomic.Bool
}

// New creates a server. The world's Think runs as a repeated task and its
// Update as an update hook.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Registry == nil || deps.World == nil || deps.Auth == nil {
		return nil, errors.New("server needs a registry, a world and an authenticator")
	}
	if cfg.UPS <= 0 {
		cfg.UPS = DefaultUPS
	}
	if cfg.WebSocketPath == "" {
		cfg.WebSocketPath = "/ws"
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 5 * time.Second
	}
	if deps.KeyPair == nil {
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("failed to generate keypair: %w", err)
		}
		deps.KeyPair = kp
	}
	if deps.Handlers == nil {
		deps.Handlers = DefaultHandlers()
	}

	logger := logging.OrDiscard(deps.Logger)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: deps.Registry,
		codec:    protocol.NewCodec(deps.Registry, logger),
		world:    deps.World,
		auth:     deps.Auth,
		keyPair:  deps.KeyPair,
		handlers: deps.Handlers,
		sessions: NewSessionTable(),
		metrics:  NewMetrics(),
		ups:      NewUPSTracker(cfg.UPS),
		ctx:      ctx,
		cancel:   cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.checkBindings()
	s.AddRepeatedTask(s.world.Think)
	s.AddUpdateHook(s.world.Update)
	return s, nil
}

func (s *Server) Config() Config               { return s.cfg }
func (s *Server) Registry() *protocol.Registry { return s.registry }
func (s *Server) Codec() *protocol.Codec       { return s.codec }
func (s *Server) World() *world.World          { return s.world }
func (s *Server) Sessions() *SessionTable      { return s.sessions }
func (s *Server) Metrics() *Metrics            { return s.metrics }
func (s *Server) PublicKey() []byte            { return s.keyPair.PublicKey[:] }
func (s *Server) TickCount() uint64            { return s.tick.Load() }
func (s *Server) UPS() float64                 { return s.ups.UPS() }

// AddSyncedTask runs fn once on the tick goroutine in phase 2 of the next tick.
// Tasks added while phase 2 runs wait for the following tick.
func (s *Server) AddSyncedTask(fn func()) {
	s.taskMu.Lock()
	s.synced = append(s.synced, fn)
	s.taskMu.Unlock()
}

// AddRepeatedTask runs fn in phase 3 of every tick.
func (s *Server) AddRepeatedTask(fn func()) {
	s.hookMu.Lock()
	s.repeated = append(s.repeated, fn)
	s.hookMu.Unlock()
}

// AddUpdateHook runs fn in phase 5 of every tick.
func (s *Server) AddUpdateHook(fn func()) {
	s.hookMu.Lock()
	s.hooks = append(s.hooks, fn)
	s.hookMu.Unlock()
}

// Enqueue hands an accepted stream to the next tick's phase 1.
func (s *Server) Enqueue(rwc io.ReadWriteCloser, transport string) {
	if s.stopped.Load() {
		rwc.Close()
		return
	}
	s.newMu.Lock()
	s.newConns = append(s.newConns, pendingConn{rwc: rwc, transport: transport})
	s.newMu.Unlock()
}

// Listen binds the configured listeners. Run calls it when needed.
func (s *Server) Listen() error {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	bind := func(ln *net.Listener, addr string) error {
		if addr == "" || *ln != nil {
			return nil
		}
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		*ln = l
		return nil
	}
	for _, b := range []struct {
		ln   *net.Listener
		addr string
	}{
		{&s.tcpLn, s.cfg.TCPAddr},
		{&s.wsLn, s.cfg.WebSocketAddr},
		{&s.metricsLn, s.cfg.MetricsAddr},
	} {
		if err := bind(b.ln, b.addr); err != nil {
			s.closeListeners()
			return err
		}
	}
	return nil
}

func addrOf(ln net.Listener) net.Addr {
	if ln == nil {
		return nil
	}
	return ln.Addr()
}

// TCPAddr, WebSocketAddr and MetricsAddr return the bound addresses, or nil.
func (s *Server) TCPAddr() net.Addr {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	return addrOf(s.tcpLn)
}

func (s *Server) WebSocketAddr() net.Addr {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	return addrOf(s.wsLn)
}

func (s *Server) MetricsAddr() net.Addr {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	return addrOf(s.metricsLn)
}

func (s *Server) closeListeners() {
	for _, ln := range []*net.Listener{&s.tcpLn, &s.wsLn, &s.metricsLn} {
		if *ln != nil {
			(*ln).Close()
		}
	}
}

// Run serves until ctx is cancelled, then closes the listeners and every
// session. Clients are not notified.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.listenMu.Lock()
	tcpLn, wsLn, metricsLn := s.tcpLn, s.wsLn, s.metricsLn
	s.listenMu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	var servers []*http.Server

	if tcpLn != nil {
		s.logger.Info("accepting TCP clients", "addr", tcpLn.Addr().String())
		g.Go(func() error { return s.acceptLoop(ctx, tcpLn) })
	}
	if wsLn != nil {
		mux := http.NewServeMux()
		mux.HandleFunc(s.cfg.WebSocketPath, s.HandleWebSocket)
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		servers = append(servers, srv)
		s.logger.Info("accepting WebSocket clients", "addr", wsLn.Addr().String(), "path", s.cfg.WebSocketPath)
		g.Go(func() error { return serveHTTP(srv, wsLn) })
	}
	if metricsLn != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		mux.HandleFunc("/health", s.HealthHandler)
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		servers = append(servers, srv)
		s.logger.Info("metrics server listening (/metrics, /health) - INTERNAL ONLY", "addr", metricsLn.Addr().String())
		g.Go(func() error { return serveHTTP(srv, metricsLn) })
	}
	if !s.cfg.ManualTick {
		g.Go(func() error { return s.loop(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		s.stopped.Store(true)
		if tcpLn != nil {
			tcpLn.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range servers {
			srv.Shutdown(shutdownCtx)
		}
		return nil
	})

	err := g.Wait()
	s.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serveHTTP(srv *http.Server, ln net.Listener) error {
	err := srv.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Close stops accepting connections and shuts every session down.
func (s *Server) Close() {
	s.stopped.Store(true)
	s.cancel()
	s.listenMu.Lock()
	s.closeListeners()
	s.listenMu.Unlock()

	s.newMu.Lock()
	pending := s.newConns
	s.newConns = nil
	s.newMu.Unlock()
	for _, pc := range pending {
		pc.rwc.Close()
	}
	for _, sess := range s.sessions.All() {
		sess.Conn.Shutdown()
	}
	s.logger.Info("server stopped", "ticks", s.tick.Load())
}

func (s *Server) loop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.UPS))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick()
		}
	}
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept error", "error", err)
			continue
		}
		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}
		s.Enqueue(conn, "tcp")
	}
}

// HandleWebSocket upgrades the request and queues the stream like a TCP client.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.Enqueue(connection.NewWebSocketConn(ws), "websocket")
}

// Health is the /health document.
type Health struct {
	Status   string  `json:"status"`
	UPS      float64 `json:"ups"`
	Sessions int     `json:"sessions"`
	Tick     uint64  `json:"tick"`
}

func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	h := Health{
		Status:   "ok",
		UPS:      s.ups.UPS(),
		Sessions: s.sessions.Len(),
		Tick:     s.tick.Load(),
	}
	if s.stopped.Load() {
		h.Status = "stopping"
	}
	w.Header().Set("Content-Type", "application/json")
	if h.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(h)
}
