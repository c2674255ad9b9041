package world

import "math"

// Brain steers an NPC. Think runs once per tick, before movement, and submits
// intents like a client would.
type Brain interface {
	Think(a *Actor, tick uint64)
}

// BrainFunc adapts a function to Brain.
type BrainFunc func(a *Actor, tick uint64)

func (f BrainFunc) Think(a *Actor, tick uint64) { f(a, tick) }

// PatrolBrain walks back and forth: Steps steps along Heading, then Steps
// steps the opposite way. A patrol stopped by a wall turns around.
type PatrolBrain struct {
	Heading float64
	Steps   int

	leg int
}

func (p *PatrolBrain) Think(a *Actor, _ uint64) {
	if a.PendingIntents() > 0 {
		return
	}
	switch {
	case !a.Moving():
		if a.MovementState() == StateForced {
			p.leg ^= 1
		}
	case p.Steps > 0 && a.StepsSinceChange() >= p.Steps:
		p.leg ^= 1
	default:
		return
	}
	heading := p.Heading
	if p.leg == 1 {
		heading += math.Pi
	}
	a.Submit(MoveIntent{Facing: heading, Relative: 0, IssuedAt: a.Steps()})
}
