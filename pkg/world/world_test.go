package world

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is an Observer that keeps every event it receives.
type recorder struct {
	forced    []ActorState
	visible   [][]Snapshot
	invisible [][]Snapshot
	states    []ActorState
}

func (r *recorder) OnForcedState(_ *Actor, s ActorState) {
	r.forced = append(r.forced, s)
}

func (r *recorder) OnVisibilityChange(_ *Actor, visible, invisible []Snapshot) {
	r.visible = append(r.visible, visible)
	r.invisible = append(r.invisible, invisible)
}

func (r *recorder) OnActorState(_ *Actor, s ActorState) {
	r.states = append(r.states, s)
}

func openRows(w, h int) []string {
	rows := make([]string, h)
	for i := range rows {
		rows[i] = strings.Repeat(".", w)
	}
	return rows
}

func newTestWorld(t *testing.T, cfg Config, rows []string) *World {
	t.Helper()
	w, err := FromRows(cfg, "test", rows, nil)
	require.NoError(t, err)
	return w
}

func spawnActor(t *testing.T, w *World, kind ObjectKind, pos Vec2, obs Observer) *Actor {
	t.Helper()
	a, err := w.NewActor(kind, kind.String(), pos, obs)
	require.NoError(t, err)
	w.Commit()
	return a
}

// assertSingleParent checks every live object is a child of exactly its own cell.
func assertSingleParent(t *testing.T, w *World) {
	t.Helper()
	seen := make(map[ObjectID]int)
	for _, c := range w.cells {
		for id := range c.children {
			seen[id]++
			assert.Equal(t, c.ID, w.objects[id].cell, "object %d parent mismatch", id)
		}
	}
	for id := range w.objects {
		assert.Equal(t, 1, seen[id], "object %d must be in exactly one cell", id)
	}
}

func TestNormalizeAngle(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0, 0},
		{math.Pi / 2, math.Pi / 2},
		{3 * math.Pi / 2, -math.Pi / 2},
		{-3 * math.Pi / 2, math.Pi / 2},
		{2*math.Pi + 0.25, 0.25},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, NormalizeAngle(tt.in), 1e-9, "NormalizeAngle(%v)", tt.in)
	}
	assert.True(t, IsIdle(NormalizeAngle(Idle)))
	assert.False(t, IsIdle(0), "zero is a real heading")
}

func TestNeighborhoodAdjacency(t *testing.T) {
	tests := []struct {
		name string
		n    Neighborhood
		want int
	}{
		{"four", Four, 4},
		{"eight", Eight, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Neighborhood = tt.n
			w := newTestWorld(t, cfg, openRows(3, 3))
			centre, ok := w.CellAt(GridPoint{1, 1, 0})
			require.True(t, ok)
			assert.Len(t, centre.Neighbors(), tt.want)

			corner, _ := w.CellAt(GridPoint{0, 0, 0})
			for _, n := range corner.Neighbors() {
				back := w.Cell(n).Neighbors()
				assert.Contains(t, back, corner.ID, "adjacency is symmetric")
			}
		})
	}

	t.Run("twentysix", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Neighborhood = TwentySix
		w, err := New(cfg, nil)
		require.NoError(t, err)
		var specs []CellSpec
		for z := 0; z < 3; z++ {
			for y := 0; y < 3; y++ {
				for x := 0; x < 3; x++ {
					specs = append(specs, CellSpec{Point: GridPoint{x, y, z}, Walkable: true})
				}
			}
		}
		_, err = w.AddZone("cube", specs)
		require.NoError(t, err)
		centre, _ := w.CellAt(GridPoint{1, 1, 1})
		assert.Len(t, centre.Neighbors(), 26)
	})
}

func TestZonesDoNotConnect(t *testing.T) {
	w, err := New(DefaultConfig(), nil)
	require.NoError(t, err)
	_, err = w.AddZone("a", []CellSpec{{Point: GridPoint{0, 0, 0}, Walkable: true}})
	require.NoError(t, err)
	_, err = w.AddZone("b", []CellSpec{{Point: GridPoint{1, 0, 0}, Walkable: true}})
	require.NoError(t, err)

	a, _ := w.CellAt(GridPoint{0, 0, 0})
	assert.Empty(t, a.Neighbors())

	_, err = w.AddZone("dup", []CellSpec{{Point: GridPoint{0, 0, 0}}})
	assert.ErrorIs(t, err, ErrCellExists)
}

func TestScheduledAddRemove(t *testing.T) {
	w := newTestWorld(t, DefaultConfig(), openRows(4, 4))

	o, err := w.NewObject(KindItem, "coin", Vec2{1.5, 1.5})
	require.NoError(t, err)
	_, live := w.Object(o.ID)
	assert.False(t, live, "objects appear only at commit")

	w.Commit()
	_, live = w.Object(o.ID)
	assert.True(t, live)
	c, _ := w.CellAt(GridPoint{1, 1, 0})
	assert.Equal(t, []ObjectID{o.ID}, w.Children(c.ID))

	w.ScheduleRemove(o.ID)
	_, live = w.Object(o.ID)
	assert.True(t, live, "removal waits for commit")
	w.Commit()
	_, live = w.Object(o.ID)
	assert.False(t, live)
	assert.True(t, o.Removed())
	assert.Empty(t, w.Children(c.ID))

	_, err = w.NewObject(KindItem, "void", Vec2{-3, -3})
	assert.ErrorIs(t, err, ErrNotWalkable)
}

func TestActorMovesAndReparents(t *testing.T) {
	w := newTestWorld(t, DefaultConfig(), openRows(10, 3))
	a := spawnActor(t, w, KindPlayer, Vec2{0.5, 1.5}, nil)

	require.True(t, a.Submit(MoveIntent{Facing: 0, Relative: 0, IssuedAt: 0}))
	for i := 0; i < 30; i++ {
		w.Update()
		assertSingleParent(t, w)
	}
	assert.InDelta(t, 3.5, a.Position().X, 1e-9)
	assert.InDelta(t, 1.5, a.Position().Y, 1e-9)
	assert.Equal(t, int32(30), a.Steps())
	assert.Equal(t, StateMoving, a.MovementState())

	c, _ := w.CellAt(GridPoint{3, 1, 0})
	assert.Equal(t, c.ID, a.Object().CellID())
}

func TestBarrierStopsActorOneCellShort(t *testing.T) {
	rows := make([]string, 16)
	for y := range rows {
		if y >= 10 && y <= 14 {
			rows[y] = strings.Repeat("#", 20)
		} else {
			rows[y] = strings.Repeat(".", 20)
		}
	}
	w := newTestWorld(t, DefaultConfig(), rows)
	obs := &recorder{}
	a := spawnActor(t, w, KindPlayer, Vec2{15, 0}, obs)

	// Head for (15,15).
	require.True(t, a.Submit(MoveIntent{Facing: math.Pi / 2, Relative: 0, IssuedAt: 0}))
	for i := 0; i < 300; i++ {
		w.Update()
	}

	assert.InDelta(t, 15, a.Position().X, 1e-6)
	assert.InDelta(t, 10, a.Position().Y, 1e-3)
	assert.Less(t, a.Position().Y, 10.0, "actor stays in the last walkable cell")
	assert.Equal(t, StateForced, a.MovementState())
	assert.False(t, a.Moving())

	require.Len(t, obs.forced, 1)
	assert.True(t, obs.forced[0].Idle())
	assert.True(t, obs.forced[0].Position.ApproxEqual(a.Position()))
	assert.Equal(t, uint64(1), w.Stats().ForcedStates)
}

func TestOverstepReplay(t *testing.T) {
	w := newTestWorld(t, DefaultConfig(), openRows(20, 20))
	a := spawnActor(t, w, KindPlayer, Vec2{5.5, 5.5}, nil)

	require.True(t, a.Submit(MoveIntent{Facing: 0, Relative: 0, IssuedAt: 0}))
	for i := 0; i < 10; i++ {
		w.Update()
	}
	require.Equal(t, int32(10), a.Steps())
	require.InDelta(t, 6.5, a.Position().X, 1e-9)

	// The client turned at step 7; the server learns about it at step 10.
	require.True(t, a.Submit(MoveIntent{Facing: 0, Relative: math.Pi / 2, IssuedAt: 7}))
	w.Update()

	assert.InDelta(t, 6.2, a.Position().X, 1e-9, "rewound to the turning point")
	assert.InDelta(t, 5.9, a.Position().Y, 1e-9, "three replayed steps plus this tick's step")
	assert.Equal(t, int32(11), a.Steps())
	assert.Equal(t, uint64(1), w.Stats().Corrections)
	assert.Equal(t, StateMoving, a.MovementState())
}

func TestOverstepBeyondBoundForcesIdle(t *testing.T) {
	w := newTestWorld(t, DefaultConfig(), openRows(40, 5))
	obs := &recorder{}
	a := spawnActor(t, w, KindPlayer, Vec2{0.5, 2.5}, obs)

	require.True(t, a.Submit(MoveIntent{Facing: 0, Relative: 0, IssuedAt: 0}))
	for i := 0; i < 25; i++ {
		w.Update()
	}
	before := a.Position()

	require.True(t, a.Submit(MoveIntent{Facing: math.Pi, Relative: 0, IssuedAt: 25 - DefaultMaxCorrectableSteps - 1}))
	w.Update()

	assert.Equal(t, StateForced, a.MovementState())
	assert.True(t, before.ApproxEqual(a.Position()), "no rewind past the bound")
	assert.Equal(t, uint64(1), w.Stats().CorrectionOverflows)
	require.Len(t, obs.forced, 1)
	assert.Equal(t, int32(25), obs.forced[0].Step)

	// Only intents issued at the forced step are accepted afterwards.
	require.True(t, a.Submit(MoveIntent{Facing: 0, Relative: 0, IssuedAt: 30}))
	w.Update()
	assert.False(t, a.Moving())
	require.True(t, a.Submit(MoveIntent{Facing: 0, Relative: 0, IssuedAt: 25}))
	w.Update()
	assert.True(t, a.Moving())
	assert.Equal(t, int32(26), a.Steps())
}

func TestFutureIntentWaitsWhileMoving(t *testing.T) {
	w := newTestWorld(t, DefaultConfig(), openRows(20, 20))
	a := spawnActor(t, w, KindPlayer, Vec2{5.5, 5.5}, nil)

	require.True(t, a.Submit(MoveIntent{Facing: 0, Relative: 0, IssuedAt: 0}))
	require.True(t, a.Submit(MoveIntent{Facing: 0, Relative: Idle, IssuedAt: 4}))
	for i := 0; i < 10; i++ {
		w.Update()
	}
	assert.Equal(t, int32(4), a.Steps())
	assert.InDelta(t, 5.9, a.Position().X, 1e-9)
	assert.Equal(t, StateIdle, a.MovementState())
}

func TestIdleActorResyncsToFutureIntent(t *testing.T) {
	w := newTestWorld(t, DefaultConfig(), openRows(20, 20))
	a := spawnActor(t, w, KindPlayer, Vec2{5.5, 5.5}, nil)

	for i := 0; i < 5; i++ {
		w.Update()
	}
	assert.Equal(t, int32(0), a.Steps(), "idle actors do not count steps")

	require.True(t, a.Submit(MoveIntent{Facing: math.Pi / 2, Relative: 0, IssuedAt: 40}))
	w.Update()
	assert.Equal(t, int32(41), a.Steps())
	assert.InDelta(t, 5.6, a.Position().Y, 1e-9)
}

func TestSubmitRejectsMalformedIntents(t *testing.T) {
	w := newTestWorld(t, DefaultConfig(), openRows(3, 3))
	a := spawnActor(t, w, KindPlayer, Vec2{1.5, 1.5}, nil)

	assert.False(t, a.Submit(MoveIntent{IssuedAt: -1}))
	assert.False(t, a.Submit(MoveIntent{Facing: math.NaN()}))
	assert.False(t, a.Submit(MoveIntent{Relative: math.Inf(-1)}))
	assert.True(t, a.Submit(MoveIntent{Relative: Idle}))

	for i := 1; i < MaxPendingIntents; i++ {
		require.True(t, a.Submit(MoveIntent{IssuedAt: int32(1000 + i)}))
	}
	assert.False(t, a.Submit(MoveIntent{}), "queue is bounded")
	assert.Equal(t, uint64(4), w.Stats().DroppedIntents)
}

func TestIntentTooFarAheadIsDropped(t *testing.T) {
	w := newTestWorld(t, DefaultConfig(), openRows(20, 20))
	a := spawnActor(t, w, KindPlayer, Vec2{5.5, 5.5}, nil)
	b := spawnActor(t, w, KindPlayer, Vec2{10.5, 10.5}, nil)

	require.True(t, b.Submit(MoveIntent{Facing: 0, Relative: 0, IssuedAt: 0}))
	require.True(t, a.Submit(MoveIntent{Facing: 0, Relative: 0, IssuedAt: math.MaxInt32}))
	for range 3 {
		require.NotPanics(t, w.Update)
	}

	assert.False(t, a.Moving())
	assert.Equal(t, int32(0), a.Steps())
	assert.Equal(t, uint64(1), w.Stats().DroppedIntents)
	assert.Equal(t, int32(3), b.Steps())
	assert.InDelta(t, 10.8, b.Position().X, 1e-9)

	require.True(t, a.Submit(MoveIntent{Facing: 0, Relative: 0, IssuedAt: MaxIntentLead}))
	w.Update()
	assert.True(t, a.Moving(), "an intent inside the lead window still resyncs")
	assert.Equal(t, int32(MaxIntentLead+1), a.Steps())
}

func TestStepCounterStopsAtLimit(t *testing.T) {
	w := newTestWorld(t, DefaultConfig(), openRows(20, 20))
	rec := &recorder{}
	a := spawnActor(t, w, KindPlayer, Vec2{5.5, 5.5}, rec)
	a.steps = math.MaxInt32 - 1
	a.historyBase = a.steps

	require.True(t, a.Submit(MoveIntent{Facing: 0, Relative: 0, IssuedAt: math.MaxInt32 - 1}))
	for range 3 {
		require.NotPanics(t, w.Update)
	}

	assert.Equal(t, int32(math.MaxInt32), a.Steps())
	assert.Equal(t, StateForced, a.MovementState())
	assert.InDelta(t, 5.6, a.Position().X, 1e-9)
	assert.Len(t, rec.forced, 1)
}

func TestSetStepLength(t *testing.T) {
	w := newTestWorld(t, DefaultConfig(), openRows(20, 3))
	a := spawnActor(t, w, KindPlayer, Vec2{0.5, 1.5}, nil)

	assert.Error(t, w.SetStepLength(0))
	assert.Error(t, w.SetStepLength(math.NaN()))
	require.NoError(t, w.SetStepLength(0.5))
	assert.Equal(t, 0.5, a.StepLength())

	require.NoError(t, a.SetStepLength(0.25))
	assert.Equal(t, 0.25, a.StepLength())
	require.NoError(t, a.SetStepLength(0))
	assert.Equal(t, 0.5, a.StepLength())

	require.True(t, a.Submit(MoveIntent{IssuedAt: 0}))
	w.Update()
	assert.InDelta(t, 1.0, a.Position().X, 1e-9)
}

func TestActorStateBroadcastToViewers(t *testing.T) {
	w := newTestWorld(t, DefaultConfig(), openRows(10, 10))
	watcher := &recorder{}
	spawnActor(t, w, KindPlayer, Vec2{2.5, 2.5}, watcher)
	mover := spawnActor(t, w, KindPlayer, Vec2{4.5, 2.5}, nil)
	w.Update()

	require.True(t, mover.Submit(MoveIntent{Facing: math.Pi / 2, IssuedAt: 0}))
	w.Update()
	require.Len(t, watcher.states, 1)
	assert.Equal(t, mover.ID(), watcher.states[0].ID)

	w.Update()
	assert.Len(t, watcher.states, 1, "steady movement is not rebroadcast")
}
