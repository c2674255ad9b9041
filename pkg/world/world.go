// Package world holds the simulated space: a cell/zone graph, the objects in
// it, actor movement reconciliation and per-actor visibility.
//
// A World is not safe for concurrent use. The server's tick goroutine is its
// only writer.
package world

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/aeolun/realm/pkg/logging"
)

// DefaultMaxCorrectableSteps is how many steps into the past a late move
// intent may be replayed before the actor is forced idle instead.
const DefaultMaxCorrectableSteps = 10

// MaxPendingIntents bounds an actor's intent queue.
const MaxPendingIntents = 32

// MaxIntentLead is how far past the actor's step counter an intent may be
// issued. Intents further ahead are dropped.
const MaxIntentLead = 1024

var (
	ErrCellExists     = errors.New("cell already exists")
	ErrNotWalkable    = errors.New("position is not walkable")
	ErrUnknownObject  = errors.New("unknown object")
	ErrInvalidSetting = errors.New("invalid world setting")
)

type (
	CellID   int32
	ZoneID   int32
	ObjectID uint32
)

const noCell CellID = -1

// Cell is one unit of the spatial partition. Children are the objects whose
// position lies inside the cell.
type Cell struct {
	ID        CellID
	Point     GridPoint
	Zone      ZoneID
	Walkable  bool
	neighbors []CellID
	children  map[ObjectID]struct{}
}

// Neighbors returns the adjacent cells computed when the zone was built.
func (c *Cell) Neighbors() []CellID {
	return c.neighbors
}

// Zone is a connected graph of cells.
type Zone struct {
	ID    ZoneID
	Name  string
	cells []CellID
}

// Cells returns the ids of the cells in the zone.
func (z *Zone) Cells() []CellID {
	return z.cells
}

// CellSpec describes a cell when building a zone.
type CellSpec struct {
	Point    GridPoint
	Walkable bool
}

// Config holds the per-world settings.
type Config struct {
	CellSize            float64
	Neighborhood        Neighborhood
	StepLength          float64 // distance an actor covers per step
	ViewRadius          int     // in cells
	MaxCorrectableSteps int
}

// DefaultConfig returns the settings used when a world file leaves them out.
func DefaultConfig() Config {
	return Config{
		CellSize:            1.0,
		Neighborhood:        Eight,
		StepLength:          0.1,
		ViewRadius:          5,
		MaxCorrectableSteps: DefaultMaxCorrectableSteps,
	}
}

func (c Config) validate() error {
	if c.CellSize <= 0 {
		return fmt.Errorf("%w: cell size %v", ErrInvalidSetting, c.CellSize)
	}
	if c.StepLength <= 0 {
		return fmt.Errorf("%w: step length %v", ErrInvalidSetting, c.StepLength)
	}
	if c.ViewRadius < 0 {
		return fmt.Errorf("%w: view radius %d", ErrInvalidSetting, c.ViewRadius)
	}
	if c.MaxCorrectableSteps < 0 {
		return fmt.Errorf("%w: max correctable steps %d", ErrInvalidSetting, c.MaxCorrectableSteps)
	}
	return nil
}

// Stats are running totals of movement outcomes.
type Stats struct {
	Corrections         uint64
	CorrectionOverflows uint64
	ForcedStates        uint64
	DroppedIntents      uint64
}

type viewKey struct {
	cell   CellID
	radius int
}

// World is the arena of cells, zones and objects.
type World struct {
	cfg    Config
	logger *slog.Logger

	cells     []*Cell
	cellIndex map[GridPoint]CellID
	zones     []*Zone

	objects map[ObjectID]*Object
	actors  []*Actor // ordered by object id
	nextID  ObjectID

	pendingAdds    []*Object
	pendingRemoves []ObjectID

	spawn     Vec2
	viewCache map[viewKey][]CellID
	tick      uint64
	stats     Stats
	changed   map[ObjectID]*Actor
}

// New creates an empty world.
func New(cfg Config, logger *slog.Logger) (*World, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &World{
		cfg:       cfg,
		logger:    logging.OrDiscard(logger),
		cellIndex: make(map[GridPoint]CellID),
		objects:   make(map[ObjectID]*Object),
		nextID:    1,
		viewCache: make(map[viewKey][]CellID),
		changed:   make(map[ObjectID]*Actor),
	}, nil
}

func (w *World) Config() Config { return w.cfg }
func (w *World) Tick() uint64   { return w.tick }
func (w *World) Stats() Stats   { return w.stats }
func (w *World) Spawn() Vec2    { return w.spawn }

// SetSpawn sets the point new players appear at.
func (w *World) SetSpawn(p Vec2) error {
	if !w.walkableAt(p) {
		return fmt.Errorf("%w: spawn %v", ErrNotWalkable, p)
	}
	w.spawn = p
	return nil
}

// SetStepLength changes the distance actors cover per step. Actors with their
// own step length are unaffected.
func (w *World) SetStepLength(v float64) error {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: step length %v", ErrInvalidSetting, v)
	}
	w.cfg.StepLength = v
	w.logger.Info("step length changed", "step_length", v)
	return nil
}

// AddZone adds a zone made of the given cells and computes its adjacency.
// Cells only connect to cells of the same zone.
func (w *World) AddZone(name string, specs []CellSpec) (ZoneID, error) {
	seen := make(map[GridPoint]bool, len(specs))
	for _, s := range specs {
		if _, ok := w.cellIndex[s.Point]; ok || seen[s.Point] {
			return 0, fmt.Errorf("%w: %s", ErrCellExists, s.Point)
		}
		seen[s.Point] = true
	}

	zone := &Zone{ID: ZoneID(len(w.zones)), Name: name}
	w.zones = append(w.zones, zone)
	for _, s := range specs {
		id := CellID(len(w.cells))
		w.cells = append(w.cells, &Cell{
			ID:       id,
			Point:    s.Point,
			Zone:     zone.ID,
			Walkable: s.Walkable,
			children: make(map[ObjectID]struct{}),
		})
		w.cellIndex[s.Point] = id
		zone.cells = append(zone.cells, id)
	}

	offsets := w.cfg.Neighborhood.Offsets()
	for _, id := range zone.cells {
		c := w.cells[id]
		for _, off := range offsets {
			nid, ok := w.cellIndex[c.Point.Add(off)]
			if ok && w.cells[nid].Zone == zone.ID {
				c.neighbors = append(c.neighbors, nid)
			}
		}
	}
	return zone.ID, nil
}

// Cell returns a cell by id.
func (w *World) Cell(id CellID) *Cell {
	if id < 0 || int(id) >= len(w.cells) {
		return nil
	}
	return w.cells[id]
}

// CellAt returns the cell at a grid point.
func (w *World) CellAt(p GridPoint) (*Cell, bool) {
	id, ok := w.cellIndex[p]
	if !ok {
		return nil, false
	}
	return w.cells[id], true
}

// CellOf returns the cell containing a position.
func (w *World) CellOf(pos Vec2) (*Cell, bool) {
	return w.CellAt(pointOf(pos, w.cfg.CellSize))
}

// Zone returns a zone by id.
func (w *World) Zone(id ZoneID) *Zone {
	if id < 0 || int(id) >= len(w.zones) {
		return nil
	}
	return w.zones[id]
}

// Children returns the ids of the objects in a cell, sorted.
func (w *World) Children(id CellID) []ObjectID {
	c := w.Cell(id)
	if c == nil {
		return nil
	}
	out := make([]ObjectID, 0, len(c.children))
	for oid := range c.children {
		out = append(out, oid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (w *World) walkableAt(pos Vec2) bool {
	c, ok := w.CellOf(pos)
	return ok && c.Walkable
}

// Walkable reports whether pos lies in a walkable cell of zone.
func (w *World) Walkable(zone ZoneID, pos Vec2) bool {
	c, ok := w.CellOf(pos)
	return ok && c.Walkable && c.Zone == zone
}

// sweep moves from `from` along unit vector dir for dist, crossing cells until
// the next one is not walkable. A blocked sweep stops just inside the last
// walkable cell.
func (w *World) sweep(zone ZoneID, from, dir Vec2, dist float64) (Vec2, bool) {
	cs := w.cfg.CellSize
	cur := pointOf(from, cs)
	maxCrossings := int(dist/cs)*2 + 4

	for i := 0; i < maxCrossings; i++ {
		tx := exitDistance(from.X, dir.X, cur.X, cs)
		ty := exitDistance(from.Y, dir.Y, cur.Y, cs)
		tNext := math.Min(tx, ty)
		if tNext > dist {
			dest := from.Add(dir.Scale(dist))
			if pointOf(dest, cs) == cur {
				return dest, false
			}
			// Rounding put the destination on the far boundary; treat it as a crossing.
		}

		next := cur
		if tx <= ty {
			next.X += sign(dir.X)
		}
		if ty <= tx {
			next.Y += sign(dir.Y)
		}
		c, ok := w.CellAt(next)
		if !ok || !c.Walkable || c.Zone != zone {
			stop := from.Add(dir.Scale(math.Max(math.Min(tNext, dist)-Epsilon, 0)))
			return clampInto(stop, cur, cs), true
		}
		cur = next
	}
	return clampInto(from.Add(dir.Scale(dist)), cur, cs), false
}

// exitDistance returns how far along the ray the coordinate leaves cell index i.
func exitDistance(p, d float64, i int, cs float64) float64 {
	switch {
	case d > 0:
		return (float64(i+1)*cs - p) / d
	case d < 0:
		return (float64(i)*cs - p) / d
	default:
		return math.Inf(1)
	}
}

func sign(v float64) int {
	if v > 0 {
		return 1
	}
	if v < 0 {
		return -1
	}
	return 0
}

// clampInto keeps p inside the cell at g, Epsilon away from the far edges.
func clampInto(p Vec2, g GridPoint, cs float64) Vec2 {
	minX, minY := float64(g.X)*cs, float64(g.Y)*cs
	return Vec2{
		X: math.Min(math.Max(p.X, minX), minX+cs-Epsilon),
		Y: math.Min(math.Max(p.Y, minY), minY+cs-Epsilon),
	}
}

// place puts an object at pos, reparenting it between cells in one step.
func (w *World) place(o *Object, pos Vec2) {
	o.pos = pos
	newCell := noCell
	if c, ok := w.CellOf(pos); ok {
		newCell = c.ID
	}
	if newCell == o.cell {
		return
	}
	if old := w.Cell(o.cell); old != nil {
		delete(old.children, o.ID)
	}
	if c := w.Cell(newCell); c != nil {
		c.children[o.ID] = struct{}{}
		o.zone = c.Zone
	}
	o.cell = newCell
}

// Object returns a live object by id.
func (w *World) Object(id ObjectID) (*Object, bool) {
	o, ok := w.objects[id]
	return o, ok
}

// Actors returns the live actors ordered by id.
func (w *World) Actors() []*Actor {
	return append([]*Actor(nil), w.actors...)
}

// NewObject allocates an object id and schedules the object for insertion at
// the next Commit.
func (w *World) NewObject(kind ObjectKind, name string, pos Vec2) (*Object, error) {
	if !w.walkableAt(pos) {
		return nil, fmt.Errorf("%w: %v", ErrNotWalkable, pos)
	}
	o := &Object{ID: w.nextID, Kind: kind, Name: name, pos: pos, cell: noCell}
	w.nextID++
	w.pendingAdds = append(w.pendingAdds, o)
	return o, nil
}

// NewActor is NewObject for a moving object. The observer receives the
// actor's forced-state and visibility events and may be nil.
func (w *World) NewActor(kind ObjectKind, name string, pos Vec2, observer Observer) (*Actor, error) {
	o, err := w.NewObject(kind, name, pos)
	if err != nil {
		return nil, err
	}
	a := newActor(w, o, observer)
	o.actor = a
	return a, nil
}

// ScheduleRemove removes an object at the next Commit. Adds are applied
// before removes, so an object added and removed in the same tick never
// stays. Unknown ids are ignored.
func (w *World) ScheduleRemove(id ObjectID) {
	w.pendingRemoves = append(w.pendingRemoves, id)
}

// Commit applies scheduled adds then removes.
func (w *World) Commit() {
	for _, o := range w.pendingAdds {
		w.objects[o.ID] = o
		w.place(o, o.pos)
		if o.actor != nil {
			o.actor.recordHistory()
			idx := sort.Search(len(w.actors), func(i int) bool { return w.actors[i].ID() >= o.ID })
			w.actors = append(w.actors, nil)
			copy(w.actors[idx+1:], w.actors[idx:])
			w.actors[idx] = o.actor
		}
	}
	w.pendingAdds = w.pendingAdds[:0]

	for _, id := range w.pendingRemoves {
		o, ok := w.objects[id]
		if !ok {
			continue
		}
		if c := w.Cell(o.cell); c != nil {
			delete(c.children, id)
		}
		o.cell = noCell
		o.removed = true
		delete(w.objects, id)
		delete(w.changed, id)
		if o.actor != nil {
			for i, a := range w.actors {
				if a == o.actor {
					w.actors = append(w.actors[:i], w.actors[i+1:]...)
					break
				}
			}
		}
	}
	w.pendingRemoves = w.pendingRemoves[:0]
}

// Think runs every NPC brain once. The server registers it as a repeated task.
func (w *World) Think() {
	for _, a := range w.actors {
		if a.brain != nil {
			a.brain.Think(a, w.tick)
		}
	}
}

// Update advances every actor one tick, then recomputes visibility and
// delivers the resulting events. Movement always runs before visibility.
func (w *World) Update() {
	w.tick++
	for _, a := range w.actors {
		a.update()
	}
	for _, a := range w.actors {
		a.updateVisibility()
	}
	w.broadcastChanges()
}

// broadcastChanges tells every observing actor about movement changes of the
// actors it can see.
func (w *World) broadcastChanges() {
	if len(w.changed) == 0 {
		return
	}
	ids := make([]ObjectID, 0, len(w.changed))
	for id := range w.changed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, viewer := range w.actors {
		if viewer.observer == nil {
			continue
		}
		for _, id := range ids {
			if _, ok := viewer.visible[id]; ok {
				viewer.observer.OnActorState(viewer, w.changed[id].State())
			}
		}
	}
	clear(w.changed)
}

func (w *World) markChanged(a *Actor) {
	w.changed[a.ID()] = a
}

// viewCells returns the cells within radius graph steps of start. The graph
// is static, so results are cached.
func (w *World) viewCells(start CellID, radius int) []CellID {
	key := viewKey{start, radius}
	if cells, ok := w.viewCache[key]; ok {
		return cells
	}

	depth := map[CellID]int{start: 0}
	queue := []CellID{start}
	out := []CellID{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		d := depth[id]
		if d == radius {
			continue
		}
		for _, n := range w.cells[id].neighbors {
			if _, seen := depth[n]; seen {
				continue
			}
			depth[n] = d + 1
			queue = append(queue, n)
			out = append(out, n)
		}
	}
	w.viewCache[key] = out
	return out
}
