package world

import "sort"

// ComputeVisible returns the ids of the objects the actor can see: the
// children of every cell within its view radius, excluding itself.
func (w *World) ComputeVisible(a *Actor) []ObjectID {
	set := a.computeVisible()
	out := make([]ObjectID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (a *Actor) computeVisible() map[ObjectID]Snapshot {
	out := make(map[ObjectID]Snapshot)
	if a.obj.cell == noCell || a.obj.removed {
		return out
	}
	for _, cid := range a.world.viewCells(a.obj.cell, a.viewRadius) {
		for oid := range a.world.cells[cid].children {
			if oid == a.obj.ID {
				continue
			}
			out[oid] = a.world.objects[oid].Snapshot()
		}
	}
	return out
}

// updateVisibility diffs the current view against the previous tick's and
// reports the difference to the observer.
func (a *Actor) updateVisibility() {
	cur := a.computeVisible()

	var appeared, gone []Snapshot
	for id, snap := range cur {
		if _, ok := a.visible[id]; !ok {
			appeared = append(appeared, snap)
		}
	}
	for id, snap := range a.visible {
		if _, ok := cur[id]; !ok {
			gone = append(gone, snap)
		}
	}
	sortSnapshots(appeared)
	sortSnapshots(gone)

	a.visible = cur
	a.newlyVisible = appeared
	a.newlyInvisible = gone

	if a.observer != nil && (len(appeared) > 0 || len(gone) > 0) {
		a.observer.OnVisibilityChange(a, appeared, gone)
	}
}

func sortSnapshots(s []Snapshot) {
	sort.Slice(s, func(i, j int) bool { return s[i].ID < s[j].ID })
}

// Visible returns the ids currently in view, sorted.
func (a *Actor) Visible() []ObjectID {
	out := make([]ObjectID, 0, len(a.visible))
	for id := range a.visible {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CanSee reports whether id was in view at the last update.
func (a *Actor) CanSee(id ObjectID) bool {
	_, ok := a.visible[id]
	return ok
}

// NewlyVisible and NewlyInvisible hold the last update's delta. They are
// replaced on every update.
func (a *Actor) NewlyVisible() []Snapshot   { return a.newlyVisible }
func (a *Actor) NewlyInvisible() []Snapshot { return a.newlyInvisible }
