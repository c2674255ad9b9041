package server

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/aeolun/realm/pkg/connection"
	"github.com/aeolun/realm/pkg/protocol"
)

// Phase identifies one step of a tick. Phases always run in this order.
type Phase int

const (
	PhaseAccept Phase = iota + 1
	PhaseSyncedTasks
	PhaseRepeatedTasks
	PhaseSessionMessages
	PhaseUpdate
	PhaseFlush
	PhaseCommit
)

func (p Phase) String() string {
	switch p {
	case PhaseAccept:
		return "accept"
	case PhaseSyncedTasks:
		return "synced_tasks"
	case PhaseRepeatedTasks:
		return "repeated_tasks"
	case PhaseSessionMessages:
		return "session_messages"
	case PhaseUpdate:
		return "update"
	case PhaseFlush:
		return "flush"
	case PhaseCommit:
		return "commit"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// TickPhaseError is an error or panic caught at a phase boundary. The tick
// carries on with the next phase.
type TickPhaseError struct {
	Phase Phase
	Tick  uint64
	Err   error
}

func (e *TickPhaseError) Error() string {
	return fmt.Sprintf("tick %d phase %s: %v", e.Tick, e.Phase, e.Err)
}

func (e *TickPhaseError) Unwrap() error { return e.Err }

// ErrPanic wraps a recovered panic.
var ErrPanic = errors.New("panic")

// safeCall runs fn and turns a panic into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrPanic, r, debug.Stack())
		}
	}()
	return fn()
}

// Tick runs one simulation step. It must not be called concurrently.
func (s *Server) Tick() {
	start := time.Now()
	s.ups.Record(start)
	n := s.tick.Add(1)

	s.runPhase(n, PhaseAccept, s.acceptPending)
	s.runPhase(n, PhaseSyncedTasks, s.runSyncedTasks)
	s.runPhase(n, PhaseRepeatedTasks, s.runRepeatedTasks)
	s.runPhase(n, PhaseSessionMessages, s.runSessionMessages)
	s.runPhase(n, PhaseUpdate, s.runUpdateHooks)
	s.runPhase(n, PhaseFlush, s.flushSessions)
	s.runPhase(n, PhaseCommit, s.commit)

	s.metrics.TickDuration.Observe(time.Since(start).Seconds())
	s.metrics.UPS.Set(s.ups.UPS())
	s.metrics.Sessions.Set(float64(s.sessions.Len()))
}

func (s *Server) runPhase(tick uint64, phase Phase, fn func() error) {
	if err := safeCall(fn); err != nil {
		perr := &TickPhaseError{Phase: phase, Tick: tick, Err: err}
		s.lastPhaseErr.Store(perr)
		s.metrics.PhaseErrors.WithLabelValues(phase.String()).Inc()
		s.logger.Error("tick phase failed", "phase", phase.String(), "tick", tick, "error", err)
	}
}

// LastPhaseError returns the most recent phase failure, or nil.
func (s *Server) LastPhaseError() *TickPhaseError {
	return s.lastPhaseErr.Load()
}

// acceptPending removes closed sessions, then registers new connections.
func (s *Server) acceptPending() error {
	s.closedMu.Lock()
	closed := s.closed
	s.closed = nil
	s.closedMu.Unlock()
	for _, sess := range closed {
		s.removeSession(sess)
	}

	s.newMu.Lock()
	pending := s.newConns
	s.newConns = nil
	s.newMu.Unlock()

	var errs []error
	for _, pc := range pending {
		if err := s.register(pc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Server) register(pc pendingConn) error {
	if s.cfg.MaxSessions > 0 && s.sessions.Len() >= s.cfg.MaxSessions {
		pc.rwc.Close()
		s.logger.Warn("session limit reached, connection refused", "transport", pc.transport, "limit", s.cfg.MaxSessions)
		return nil
	}

	sess := &Session{Transport: pc.transport, server: s}
	sess.Conn = connection.New(pc.rwc, connection.Accepting, s.codec, connection.Options{
		KeyPair:             s.keyPair,
		HandshakeTimeout:    s.cfg.HandshakeTimeout,
		WriteTimeout:        s.cfg.WriteTimeout,
		MaxBacklog:          s.cfg.MaxBacklog,
		MaxInboundPerSecond: s.cfg.MaxInboundPerSecond,
		Logger:              s.logger,
		OnMessage: func(_ *connection.Connection, msg *protocol.Message) {
			s.dispatch(sess, msg)
		},
		OnClose: func(_ *connection.Connection, err error) {
			s.sessionClosed(sess, err)
		},
	})
	id := s.sessions.Add(sess)
	sess.logger = s.logger.With("session", id)
	s.metrics.Connections.WithLabelValues(pc.transport).Inc()

	if err := sess.Conn.Start(); err != nil {
		return fmt.Errorf("session %d: failed to start connection: %w", id, err)
	}
	sess.logger.Debug("session registered", "transport", pc.transport, "remote", sess.Conn.RemoteAddr())
	return nil
}

// sessionClosed runs on whichever goroutine ended the connection.
func (s *Server) sessionClosed(sess *Session, err error) {
	if err != nil {
		sess.logger.Info("connection closed", "error", err)
	} else {
		sess.logger.Debug("connection closed")
	}
	s.closedMu.Lock()
	s.closed = append(s.closed, sess)
	s.closedMu.Unlock()
}

func (s *Server) removeSession(sess *Session) {
	if sess.removed {
		return
	}
	sess.removed = true
	if s.despawn(sess) {
		sess.logger.Info("user logged out on disconnect")
	}
	s.sessions.Remove(sess.ID)
}

// runSyncedTasks runs the tasks queued before the phase started, in order.
func (s *Server) runSyncedTasks() error {
	s.taskMu.Lock()
	tasks := s.synced
	s.synced = nil
	s.taskMu.Unlock()

	var errs []error
	for _, task := range tasks {
		if err := safeCall(func() error { task(); return nil }); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Server) runRepeatedTasks() error {
	s.hookMu.Lock()
	tasks := append([]func(){}, s.repeated...)
	s.hookMu.Unlock()

	var errs []error
	for _, task := range tasks {
		if err := safeCall(func() error { task(); return nil }); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// runSessionMessages runs each session's queued tick handlers. A failing
// handler only affects its own session.
func (s *Server) runSessionMessages() error {
	var errs []error
	for _, sess := range s.sessions.All() {
		calls := sess.drain()
		if sess.removed || sess.closed() {
			continue
		}
		for _, call := range calls {
			err := safeCall(func() error { return call.handler.Func(s, sess, call.msg) })
			if err == nil {
				continue
			}
			if errors.Is(err, ErrPanic) {
				errs = append(errs, fmt.Errorf("session %d handler %s: %w", sess.ID, call.name, err))
			}
			s.handlerFailed(sess, call.name, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Server) runUpdateHooks() error {
	s.hookMu.Lock()
	hooks := append([]func(){}, s.hooks...)
	s.hookMu.Unlock()

	var errs []error
	for _, hook := range hooks {
		if err := safeCall(func() error { hook(); return nil }); err != nil {
			errs = append(errs, err)
		}
	}
	s.metrics.observeWorld(s.world.Stats())
	return errors.Join(errs...)
}

// flushSessions hands every session's queued output to its writer. SendAll
// never blocks, and a failing connection shuts only itself down.
func (s *Server) flushSessions() error {
	for _, sess := range s.sessions.All() {
		if err := sess.Conn.SendAll(); err != nil && !errors.Is(err, connection.ErrClosed) {
			sess.logger.Warn("flush failed", "error", err)
		}
	}
	return nil
}

func (s *Server) commit() error {
	s.world.Commit()
	return nil
}
