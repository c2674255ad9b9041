package world

import "fmt"

// ObjectKind tells clients how to present an object.
type ObjectKind uint8

const (
	KindPlayer ObjectKind = iota + 1
	KindNPC
	KindItem
)

func (k ObjectKind) String() string {
	switch k {
	case KindPlayer:
		return "player"
	case KindNPC:
		return "npc"
	case KindItem:
		return "item"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Object is anything placed in a cell. Its cell and zone are id references
// into the world's arena.
type Object struct {
	ID   ObjectID
	Kind ObjectKind
	Name string

	pos     Vec2
	cell    CellID
	zone    ZoneID
	actor   *Actor
	removed bool
}

func (o *Object) Position() Vec2 { return o.pos }
func (o *Object) CellID() CellID { return o.cell }
func (o *Object) ZoneID() ZoneID { return o.zone }
func (o *Object) Actor() *Actor  { return o.actor }

// Removed reports whether a Commit has taken the object out of the world.
func (o *Object) Removed() bool { return o.removed }

// Snapshot is the view of an object an observer receives.
type Snapshot struct {
	ID       ObjectID
	Kind     ObjectKind
	Name     string
	Position Vec2
}

func (o *Object) Snapshot() Snapshot {
	return Snapshot{ID: o.ID, Kind: o.Kind, Name: o.Name, Position: o.pos}
}
