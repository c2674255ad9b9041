package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aeolun/realm/pkg/auth"
	"github.com/aeolun/realm/pkg/protocol"
	"github.com/aeolun/realm/pkg/world"
)

var (
	// ErrNotLoggedIn is returned by handlers that need an authenticated session.
	ErrNotLoggedIn = errors.New("session is not logged in")
	// ErrSealedField means an encrypted field arrived without a session key.
	ErrSealedField = errors.New("field is still encrypted")
)

// HandlerContext selects where a handler runs.
type HandlerContext int

const (
	// OnNetwork handlers run on the connection's reader goroutine right after
	// decode. They must not touch the world; use AddSyncedTask for that.
	OnNetwork HandlerContext = iota
	// OnTick handlers are queued on the session and run in phase 4 of the next tick.
	OnTick
)

func (c HandlerContext) String() string {
	if c == OnNetwork {
		return "network"
	}
	return "tick"
}

// HandlerFunc handles one decoded message for a session.
type HandlerFunc func(s *Server, sess *Session, msg *protocol.Message) error

// Handler is a handler implementation bound under an identifier in the schema.
type Handler struct {
	Context HandlerContext
	Func    HandlerFunc
}

// HandlerTable maps the handler identifiers used in schema bindings to code.
type HandlerTable map[string]Handler

// DefaultHandlers returns the built-in handlers.
func DefaultHandlers() HandlerTable {
	return HandlerTable{
		"login":           {OnNetwork, (*Server).handleLogin},
		"logout":          {OnTick, (*Server).handleLogout},
		"ping":            {OnNetwork, (*Server).handlePing},
		"move":            {OnTick, (*Server).handleMove},
		"configure_world": {OnTick, (*Server).handleConfigureWorld},
		"server_stats":    {OnTick, (*Server).handleServerStats},
	}
}

// Clone returns a copy that can be extended without touching t.
func (t HandlerTable) Clone() HandlerTable {
	out := make(HandlerTable, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// checkBindings logs every identifier the schema binds that has no
// implementation. Dispatch skips those identifiers.
func (s *Server) checkBindings() {
	for _, t := range s.registry.Types() {
		for _, name := range s.registry.Handlers(t.ID) {
			if _, ok := s.handlers[name]; !ok {
				s.warnUnknownHandler(t.Name, name)
			}
		}
	}
}

func (s *Server) warnUnknownHandler(message, handler string) {
	if _, seen := s.warned.LoadOrStore(handler, struct{}{}); !seen {
		s.logger.Warn("schema binds unknown handler", "message", message, "handler", handler)
	}
}

// dispatch resolves msg's handler bindings. It runs on the connection's
// reader goroutine.
func (s *Server) dispatch(sess *Session, msg *protocol.Message) {
	s.metrics.MessagesReceived.WithLabelValues(msg.Type.Name).Inc()
	names := s.registry.Handlers(msg.Type.ID)
	if len(names) == 0 {
		sess.logger.Debug("no handler bound", "message", msg.Type.Name)
		return
	}
	for _, name := range names {
		h, ok := s.handlers[name]
		if !ok {
			s.warnUnknownHandler(msg.Type.Name, name)
			continue
		}
		if h.Context == OnTick {
			sess.enqueue(queuedCall{name: name, handler: h, msg: msg})
			continue
		}
		if err := safeCall(func() error { return h.Func(s, sess, msg) }); err != nil {
			s.handlerFailed(sess, name, err)
		}
	}
}

// handlerFailed logs a handler error. Protocol errors end the connection.
func (s *Server) handlerFailed(sess *Session, name string, err error) {
	sess.logger.Warn("handler failed", "handler", name, "error", err)
	if errors.Is(err, protocol.ErrProtocol) {
		sess.Conn.Shutdown()
	}
}

// handleLogin checks credentials on the network goroutine and attaches the
// user on the tick goroutine.
func (s *Server) handleLogin(sess *Session, msg *protocol.Message) error {
	if sess.User() != nil || !sess.loggingIn.CompareAndSwap(false, true) {
		sess.Send(s.loginFailure(auth.ErrAlreadyLoggedIn))
		return nil
	}
	if msg.Sealed("password") {
		sess.loggingIn.Store(false)
		sess.Send(s.loginFailure(ErrSealedField))
		return fmt.Errorf("password: %w", ErrSealedField)
	}

	username := msg.Text("username")
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.AuthTimeout)
	defer cancel()
	user, err := s.auth.Authenticate(ctx, username, msg.Text("password"))
	if err != nil {
		sess.loggingIn.Store(false)
		sess.logger.Info("login rejected", "user", username, "error", err)
		sess.Send(s.loginFailure(err))
		return nil
	}

	s.AddSyncedTask(func() { s.completeLogin(sess, user) })
	return nil
}

// completeLogin spawns the player. Tick goroutine only.
func (s *Server) completeLogin(sess *Session, user *auth.User) {
	defer sess.loggingIn.Store(false)
	if sess.removed || sess.closed() {
		s.auth.Logout(s.ctx, user.Username)
		return
	}

	actor, err := s.world.NewActor(world.KindPlayer, user.Username, s.world.Spawn(), sess)
	if err != nil {
		s.auth.Logout(s.ctx, user.Username)
		sess.logger.Error("failed to spawn player", "user", user.Username, "error", err)
		sess.Send(s.loginFailure(err))
		return
	}
	sess.actor = actor
	sess.user.Store(user)

	pos := actor.Position()
	sess.Send(s.registry.MustCreate(protocol.MsgLoginResponse).
		With("success", true).
		With("reason", "").
		With("session_id", int32(sess.ID)).
		With("object_id", uint32(actor.ID())).
		With("server_login_timestamp", time.Now().UnixMilli()).
		With("x", pos.X).
		With("y", pos.Y))
	sess.logger.Info("user logged in", "user", user.Username, "object", actor.ID())
}

func (s *Server) loginFailure(reason error) *protocol.Message {
	return s.registry.MustCreate(protocol.MsgLoginResponse).
		With("success", false).
		With("reason", reason.Error()).
		With("session_id", int32(-1)).
		With("object_id", uint32(0)).
		With("server_login_timestamp", int64(0)).
		With("x", 0.0).
		With("y", 0.0)
}

// despawn removes the session's player and releases its login.
func (s *Server) despawn(sess *Session) bool {
	if sess.actor != nil {
		s.world.ScheduleRemove(sess.actor.ID())
		sess.actor = nil
	}
	user := sess.user.Swap(nil)
	if user == nil {
		return false
	}
	s.auth.Logout(s.ctx, user.Username)
	return true
}

func (s *Server) handleLogout(sess *Session, _ *protocol.Message) error {
	ok := s.despawn(sess)
	if ok {
		sess.logger.Info("user logged out")
	}
	sess.Send(s.registry.MustCreate(protocol.MsgLogoutResponse).With("success", ok))
	return nil
}

// handlePing answers immediately rather than at the next flush.
func (s *Server) handlePing(sess *Session, msg *protocol.Message) error {
	sess.Send(s.registry.MustCreate(protocol.MsgPingResponse).
		With("client_timestamp", msg.Int64("client_timestamp")).
		With("server_timestamp", time.Now().UnixMilli()))
	return sess.Conn.SendAll()
}

func (s *Server) handleMove(sess *Session, msg *protocol.Message) error {
	if sess.actor == nil {
		return ErrNotLoggedIn
	}
	in := world.MoveIntent{
		Facing:   msg.Float64("facing"),
		Relative: msg.Float64("relative"),
		IssuedAt: msg.Int32("issued_at_step"),
	}
	if msg.Bool("idle") {
		in.Relative = world.Idle
	}
	if !sess.actor.Submit(in) {
		sess.logger.Debug("move intent rejected", "issued_at", in.IssuedAt, "steps", sess.actor.Steps())
	}
	return nil
}

func (s *Server) handleConfigureWorld(sess *Session, msg *protocol.Message) error {
	v := msg.Float64("step_length")
	if err := s.world.SetStepLength(v); err != nil {
		return err
	}
	sess.logger.Info("world step length changed", "step_length", v)
	return nil
}

func (s *Server) handleServerStats(sess *Session, _ *protocol.Message) error {
	sess.Send(s.registry.MustCreate(protocol.MsgServerStats).
		With("ups", s.ups.UPS()).
		With("sessions", int32(s.sessions.Len())).
		With("tick", int64(s.tick.Load())))
	return nil
}

// stateMessage builds a FORCED_STATE or ACTOR_STATE message.
func (s *Server) stateMessage(name string, st world.ActorState) *protocol.Message {
	relative := st.Relative
	if st.Idle() {
		relative = 0
	}
	return s.registry.MustCreate(name).
		With("object_id", uint32(st.ID)).
		With("x", st.Position.X).
		With("y", st.Position.Y).
		With("facing", st.Facing).
		With("relative", relative).
		With("idle", st.Idle()).
		With("step", st.Step)
}

// HandlerNames returns the identifiers in t, sorted.
func (t HandlerTable) HandlerNames() []string {
	out := make([]string, 0, len(t))
	for k := range t {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
