package world

import (
	"fmt"
	"math"
)

// State is the movement state of an actor.
type State int

const (
	StateIdle State = iota
	StateMoving
	// StateForced is entered when the server overrides the actor's movement.
	// The actor stands still until its next accepted intent.
	StateForced
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMoving:
		return "moving"
	case StateForced:
		return "forced"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MoveIntent asks an actor to move at Facing+Relative from step IssuedAt on.
// Relative is Idle to stop.
type MoveIntent struct {
	Facing   float64
	Relative float64
	IssuedAt int32
}

// ActorState is the authoritative movement state sent to clients.
type ActorState struct {
	ID       ObjectID
	Position Vec2
	Facing   float64
	Relative float64
	Step     int32
}

// Idle reports whether the state describes a stationary actor.
func (s ActorState) Idle() bool { return IsIdle(s.Relative) }

// Observer receives an actor's events during World.Update.
type Observer interface {
	// OnForcedState is called when the server overrides the actor's movement.
	OnForcedState(a *Actor, s ActorState)
	// OnVisibilityChange is called when objects enter or leave the actor's view.
	OnVisibilityChange(a *Actor, visible, invisible []Snapshot)
	// OnActorState is called when another actor the observer can see changes movement.
	OnActorState(a *Actor, s ActorState)
}

// Actor is a world object that moves by intents.
type Actor struct {
	obj      *Object
	world    *World
	observer Observer
	brain    Brain

	facing   float64
	relative float64
	state    State
	intents  []MoveIntent

	steps            int32
	stepsSinceChange int
	stepLength       float64 // 0 means the world's step length

	maxCorrectable int
	history        []Vec2 // position after each step, indexed by step modulo len
	historyBase    int32  // oldest step the history may rewind to

	viewRadius     int
	visible        map[ObjectID]Snapshot
	newlyVisible   []Snapshot
	newlyInvisible []Snapshot
}

func newActor(w *World, o *Object, observer Observer) *Actor {
	return &Actor{
		obj:            o,
		world:          w,
		observer:       observer,
		relative:       Idle,
		maxCorrectable: w.cfg.MaxCorrectableSteps,
		history:        make([]Vec2, w.cfg.MaxCorrectableSteps+1),
		viewRadius:     w.cfg.ViewRadius,
		visible:        make(map[ObjectID]Snapshot),
	}
}

func (a *Actor) ID() ObjectID          { return a.obj.ID }
func (a *Actor) Object() *Object       { return a.obj }
func (a *Actor) Position() Vec2        { return a.obj.pos }
func (a *Actor) Facing() float64       { return a.facing }
func (a *Actor) Relative() float64     { return a.relative }
func (a *Actor) MovementState() State  { return a.state }
func (a *Actor) Steps() int32          { return a.steps }
func (a *Actor) StepsSinceChange() int { return a.stepsSinceChange }
func (a *Actor) Moving() bool          { return !IsIdle(a.relative) }
func (a *Actor) PendingIntents() int   { return len(a.intents) }
func (a *Actor) ViewRadius() int       { return a.viewRadius }

// State returns the actor's current authoritative movement state.
func (a *Actor) State() ActorState {
	return ActorState{
		ID:       a.obj.ID,
		Position: a.obj.pos,
		Facing:   a.facing,
		Relative: a.relative,
		Step:     a.steps,
	}
}

// StepLength returns the distance the actor covers per step.
func (a *Actor) StepLength() float64 {
	if a.stepLength > 0 {
		return a.stepLength
	}
	return a.world.cfg.StepLength
}

// SetStepLength overrides the world step length for this actor; 0 restores it.
func (a *Actor) SetStepLength(v float64) error {
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: step length %v", ErrInvalidSetting, v)
	}
	a.stepLength = v
	return nil
}

// SetViewRadius sets how many cells away the actor can see.
func (a *Actor) SetViewRadius(r int) {
	if r < 0 {
		r = 0
	}
	a.viewRadius = r
}

func (a *Actor) SetObserver(o Observer) { a.observer = o }
func (a *Actor) SetBrain(b Brain)       { a.brain = b }

// Submit queues a move intent. Malformed intents and intents beyond
// MaxPendingIntents are dropped and false is returned.
func (a *Actor) Submit(in MoveIntent) bool {
	if in.IssuedAt < 0 || math.IsNaN(in.Facing) || math.IsInf(in.Facing, 0) || math.IsNaN(in.Relative) || math.IsInf(in.Relative, -1) {
		a.world.stats.DroppedIntents++
		return false
	}
	if len(a.intents) >= MaxPendingIntents {
		a.world.stats.DroppedIntents++
		a.world.logger.Debug("intent queue full", "object", a.obj.ID)
		return false
	}
	a.intents = append(a.intents, in)
	return true
}

func (a *Actor) update() {
	if a.obj.removed {
		return
	}
	a.applyIntents()
	if a.Moving() {
		a.step()
	}
}

// applyIntents consumes every intent whose step has been reached. An intent
// issued in the past is replayed from that step when the history still covers
// it, and forces the actor idle when it does not. An intent from the future
// waits while the actor moves. When the actor stands still it applies at once
// and resynchronises the step counter.
func (a *Actor) applyIntents() {
	for len(a.intents) > 0 {
		in := a.intents[0]

		// A forced actor only accepts intents issued from the forced step,
		// which is where a client resumes after applying the correction.
		if a.state == StateForced && in.IssuedAt != a.steps {
			a.intents = a.intents[1:]
			a.world.stats.DroppedIntents++
			continue
		}

		if in.IssuedAt > a.steps {
			if int64(in.IssuedAt)-int64(a.steps) > MaxIntentLead {
				a.intents = a.intents[1:]
				a.world.stats.DroppedIntents++
				a.world.logger.Debug("intent too far ahead", "object", a.obj.ID, "issued_at", in.IssuedAt, "steps", a.steps)
				continue
			}
			if a.Moving() {
				return
			}
			a.intents = a.intents[1:]
			a.steps = in.IssuedAt
			a.historyBase = a.steps
			a.recordHistory()
			a.setMovement(in)
			continue
		}

		a.intents = a.intents[1:]
		k := int(a.steps - in.IssuedAt)
		switch {
		case k == 0:
			a.setMovement(in)
		case k > a.maxCorrectable:
			a.world.stats.CorrectionOverflows++
			a.world.logger.Debug("correction overflow", "object", a.obj.ID, "overstep", k, "max", a.maxCorrectable)
			a.force()
			return
		case in.IssuedAt < a.historyBase:
			// Superseded by an authoritative correction the client has not seen yet.
			a.world.stats.DroppedIntents++
		default:
			a.replay(in, k)
			if a.state == StateForced {
				return
			}
		}
	}
}

// replay rewinds k steps to where the intent should have taken effect and
// walks them again under the intent's heading.
func (a *Actor) replay(in MoveIntent, k int) {
	a.world.stats.Corrections++
	a.steps = in.IssuedAt
	a.world.place(a.obj, a.historyAt(a.steps))
	a.setMovement(in)
	for i := 0; i < k && a.Moving(); i++ {
		a.step()
	}
}

func (a *Actor) setMovement(in MoveIntent) {
	a.facing = NormalizeAngle(in.Facing)
	if IsIdle(in.Relative) {
		a.relative = Idle
		a.state = StateIdle
	} else {
		a.relative = NormalizeAngle(in.Relative)
		a.state = StateMoving
	}
	a.stepsSinceChange = 0
	a.world.markChanged(a)
}

// step advances one step along the absolute heading. A blocked step leaves the
// actor at the edge of its last walkable cell and forces it idle, as does a
// step counter that cannot advance any further.
func (a *Actor) step() {
	if a.steps == math.MaxInt32 {
		a.force()
		return
	}
	dir := Direction(NormalizeAngle(a.facing + a.relative))
	dest, blocked := a.world.sweep(a.obj.zone, a.obj.pos, dir, a.StepLength())
	a.world.place(a.obj, dest)
	if blocked {
		a.force()
		return
	}
	a.steps++
	a.stepsSinceChange++
	a.recordHistory()
}

// force overrides the actor's movement with a stop and tells its observer.
func (a *Actor) force() {
	a.relative = Idle
	a.state = StateForced
	a.intents = a.intents[:0]
	a.stepsSinceChange = 0
	a.historyBase = a.steps
	a.recordHistory()
	a.world.stats.ForcedStates++
	a.world.markChanged(a)
	if a.observer != nil {
		a.observer.OnForcedState(a, a.State())
	}
}

// ForceIdle stops the actor where it stands, as a server-side correction.
func (a *Actor) ForceIdle() {
	a.force()
}

func (a *Actor) recordHistory() {
	a.history[a.slot(a.steps)] = a.obj.pos
}

func (a *Actor) historyAt(step int32) Vec2 {
	return a.history[a.slot(step)]
}

func (a *Actor) slot(step int32) int {
	n := len(a.history)
	return (int(step)%n + n) % n
}
