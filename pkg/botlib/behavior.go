package botlib

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/aeolun/realm/pkg/world"
)

// RandomWalk walks in a random direction for a random time, sometimes
// pausing in between. A correction from the server ends the current leg.
type RandomWalk struct {
	MinLeg      time.Duration // default 1s
	MaxLeg      time.Duration // default 4s
	PauseChance float64       // chance that a leg is spent standing still

	legEnds time.Time
	now     func() time.Time
}

// leg is one RandomWalk decision.
type leg struct {
	pause  bool
	facing float64
	until  time.Time
}

func (w *RandomWalk) plan(now time.Time, rng *rand.Rand, forced bool) (leg, bool) {
	if !forced && now.Before(w.legEnds) {
		return leg{}, false
	}
	minLeg, maxLeg := w.MinLeg, w.MaxLeg
	if minLeg <= 0 {
		minLeg = time.Second
	}
	if maxLeg < minLeg {
		maxLeg = max(minLeg, 4*time.Second)
	}
	d := minLeg
	if maxLeg > minLeg {
		d += time.Duration(rng.Int64N(int64(maxLeg - minLeg)))
	}
	w.legEnds = now.Add(d)
	return leg{
		pause:  rng.Float64() < w.PauseChance,
		facing: rng.Float64()*2*math.Pi - math.Pi,
		until:  w.legEnds,
	}, true
}

func (w *RandomWalk) Think(ctx *Context) {
	now := time.Now
	if w.now != nil {
		now = w.now
	}
	l, ok := w.plan(now(), ctx.Rand(), ctx.Forced())
	if !ok {
		return
	}
	var err error
	if l.pause {
		if ctx.Moving() {
			err = ctx.Stop()
		}
	} else {
		err = ctx.Move(l.facing, 0)
	}
	if err != nil {
		ctx.Log("move failed", "error", err)
	}
}

// Pace walks back and forth along one heading, turning around every Leg or
// whenever the server stops it.
type Pace struct {
	Facing float64
	Leg    time.Duration // default 2s

	turnAt time.Time
	now    func() time.Time
}

func (p *Pace) Think(ctx *Context) {
	now := time.Now
	if p.now != nil {
		now = p.now
	}
	t := now()
	d := p.Leg
	if d <= 0 {
		d = 2 * time.Second
	}
	switch {
	case p.turnAt.IsZero():
	case ctx.Forced() || !t.Before(p.turnAt):
		p.Facing = world.NormalizeAngle(p.Facing + math.Pi)
	default:
		return
	}
	p.turnAt = t.Add(d)
	if err := ctx.Move(p.Facing, 0); err != nil {
		ctx.Log("move failed", "error", err)
	}
}
