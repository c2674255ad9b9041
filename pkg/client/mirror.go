package client

import (
	"sort"
	"sync"
	"time"

	"github.com/aeolun/realm/pkg/protocol"
)

// ActorState is the movement state of an actor as last reported by the server.
type ActorState struct {
	X, Y     float64
	Facing   float64
	Relative float64
	Idle     bool
	Step     int32
}

// Object is a visible world object.
type Object struct {
	ID    uint32
	Kind  uint8
	Name  string
	X, Y  float64
	State *ActorState // nil for objects that do not move
}

// Self is the client's own actor: the prediction plus the last correction.
type Self struct {
	ObjectID uint32
	ActorState
	// Forced is set by a FORCED_STATE until the next intent is sent.
	Forced bool
	// Corrections counts FORCED_STATE messages received.
	Corrections int
}

// Mirror tracks what the server has said about the world. A FORCED_STATE
// replaces the client's prediction of its own actor.
type Mirror struct {
	mu        sync.Mutex
	ups       float64
	authed    bool
	self      Self
	moveStart time.Time
	objects   map[uint32]*Object
}

func newMirror(ups int) *Mirror {
	return &Mirror{ups: float64(ups), objects: make(map[uint32]*Object)}
}

func (m *Mirror) LoggedIn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authed
}

// Self returns the client's actor.
func (m *Mirror) Self() Self {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self
}

// Step predicts the server's step counter for the client's actor. Idle
// actors do not count steps.
func (m *Mirror) Step() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stepLocked(time.Now())
}

func (m *Mirror) stepLocked(now time.Time) int32 {
	if m.self.Idle || m.moveStart.IsZero() {
		return m.self.Step
	}
	return m.self.Step + int32(now.Sub(m.moveStart).Seconds()*m.ups)
}

// Objects returns the visible objects ordered by id.
func (m *Mirror) Objects() []Object {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Object, 0, len(m.objects))
	for _, o := range m.objects {
		out = append(out, o.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Object returns one visible object.
func (m *Mirror) Object(id uint32) (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[id]
	if !ok {
		return Object{}, false
	}
	return o.clone(), true
}

func (o *Object) clone() Object {
	cp := *o
	if o.State != nil {
		st := *o.State
		cp.State = &st
	}
	return cp
}

func (m *Mirror) loggedIn(res *LoginResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authed = true
	m.self = Self{ObjectID: res.ObjectID, ActorState: ActorState{X: res.X, Y: res.Y, Idle: true}}
	m.moveStart = time.Time{}
	clear(m.objects)
}

func (m *Mirror) loggedOut() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authed = false
	clear(m.objects)
}

// startMove records a new intent and returns the step it is issued at.
func (m *Mirror) startMove(facing, relative float64, idle bool) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	step := m.stepLocked(now)
	m.self.Step = step
	m.self.Facing = facing
	m.self.Relative = relative
	m.self.Idle = idle
	m.self.Forced = false
	m.moveStart = now
	return step
}

func stateOf(msg *protocol.Message) ActorState {
	return ActorState{
		X:        msg.Float64("x"),
		Y:        msg.Float64("y"),
		Facing:   msg.Float64("facing"),
		Relative: msg.Float64("relative"),
		Idle:     msg.Bool("idle"),
		Step:     msg.Int32("step"),
	}
}

func (m *Mirror) observe(msg *protocol.Message) {
	switch msg.Type.Name {
	case protocol.MsgForcedState, protocol.MsgActorState, protocol.MsgObjectVisible, protocol.MsgObjectInvisible:
	default:
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	id := msg.Uint32("object_id")
	switch msg.Type.Name {
	case protocol.MsgForcedState:
		st := stateOf(msg)
		if id == m.self.ObjectID {
			m.self.ActorState = st
			m.self.Forced = true
			m.self.Corrections++
			m.moveStart = time.Now()
		} else if o, ok := m.objects[id]; ok {
			o.X, o.Y, o.State = st.X, st.Y, &st
		}
	case protocol.MsgActorState:
		if o, ok := m.objects[id]; ok {
			st := stateOf(msg)
			o.X, o.Y, o.State = st.X, st.Y, &st
		}
	case protocol.MsgObjectVisible:
		m.objects[id] = &Object{
			ID:   id,
			Kind: msg.Uint8("kind"),
			Name: msg.Text("name"),
			X:    msg.Float64("x"),
			Y:    msg.Float64("y"),
		}
	case protocol.MsgObjectInvisible:
		delete(m.objects, id)
	}
}
