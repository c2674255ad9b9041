package server

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/aeolun/realm/pkg/auth"
	"github.com/aeolun/realm/pkg/connection"
	"github.com/aeolun/realm/pkg/protocol"
	"github.com/aeolun/realm/pkg/world"
)

// Session is the server-side state of one connected client.
//
// The user may be read from any goroutine. The actor belongs to the tick
// goroutine.
type Session struct {
	ID        int
	Conn      *connection.Connection
	Transport string

	server *Server
	logger *slog.Logger

	user      atomic.Pointer[auth.User]
	loggingIn atomic.Bool
	actor     *world.Actor
	removed   bool

	inMu    sync.Mutex
	inbound []queuedCall
}

// queuedCall is a tick-context handler waiting for phase 4.
type queuedCall struct {
	name    string
	handler Handler
	msg     *protocol.Message
}

// User returns the authenticated user, or nil.
func (s *Session) User() *auth.User { return s.user.Load() }

// Actor returns the session's player actor, or nil. Tick goroutine only.
func (s *Session) Actor() *world.Actor { return s.actor }

// Send queues msg for the next flush.
func (s *Session) Send(msg *protocol.Message) {
	s.server.metrics.MessagesSent.WithLabelValues(msg.Type.Name).Inc()
	s.Conn.QueueMessage(msg)
}

func (s *Session) enqueue(call queuedCall) {
	s.inMu.Lock()
	s.inbound = append(s.inbound, call)
	s.inMu.Unlock()
}

func (s *Session) drain() []queuedCall {
	s.inMu.Lock()
	defer s.inMu.Unlock()
	calls := s.inbound
	s.inbound = nil
	return calls
}

func (s *Session) closed() bool {
	return s.Conn == nil || s.Conn.State() == connection.StateClosed
}

// OnForcedState tells the client its prediction was overridden.
func (s *Session) OnForcedState(_ *world.Actor, st world.ActorState) {
	s.Send(s.server.stateMessage(protocol.MsgForcedState, st))
}

func (s *Session) OnVisibilityChange(_ *world.Actor, visible, invisible []world.Snapshot) {
	srv := s.server
	for _, snap := range visible {
		s.Send(srv.registry.MustCreate(protocol.MsgObjectVisible).
			With("object_id", uint32(snap.ID)).
			With("kind", uint8(snap.Kind)).
			With("name", snap.Name).
			With("x", snap.Position.X).
			With("y", snap.Position.Y))
		if o, ok := srv.world.Object(snap.ID); ok && o.Actor() != nil {
			s.Send(srv.stateMessage(protocol.MsgActorState, o.Actor().State()))
		}
	}
	for _, snap := range invisible {
		s.Send(srv.registry.MustCreate(protocol.MsgObjectInvisible).With("object_id", uint32(snap.ID)))
	}
}

func (s *Session) OnActorState(_ *world.Actor, st world.ActorState) {
	s.Send(s.server.stateMessage(protocol.MsgActorState, st))
}

// SessionTable hands out the lowest free session id.
type SessionTable struct {
	mu       sync.Mutex
	sessions map[int]*Session
	free     []int // sorted ids below next that are not in use
	next     int
}

func NewSessionTable() *SessionTable {
	return &SessionTable{sessions: make(map[int]*Session)}
}

// Add assigns sess an id and registers it.
func (t *SessionTable) Add(sess *Session) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var id int
	if len(t.free) > 0 {
		id = t.free[0]
		t.free = t.free[1:]
	} else {
		id = t.next
		t.next++
	}
	sess.ID = id
	t.sessions[id] = sess
	return id
}

// Remove releases an id. It reports whether the id was registered.
func (t *SessionTable) Remove(id int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[id]; !ok {
		return false
	}
	delete(t.sessions, id)
	if i, found := slices.BinarySearch(t.free, id); !found {
		t.free = slices.Insert(t.free, i, id)
	}
	return true
}

func (t *SessionTable) Get(id int) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	return s, ok
}

func (t *SessionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// All returns the registered sessions ordered by id.
func (t *SessionTable) All() []*Session {
	t.mu.Lock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	t.mu.Unlock()
	slices.SortFunc(out, func(a, b *Session) int { return a.ID - b.ID })
	return out
}
