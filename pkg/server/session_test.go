package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestSessionTableLowestFreeID(t *testing.T) {
	table := NewSessionTable()
	for want := range 4 {
		assert.Equal(t, want, table.Add(&Session{}))
	}

	assert.True(t, table.Remove(2))
	assert.True(t, table.Remove(0))
	assert.False(t, table.Remove(0), "already removed")
	assert.False(t, table.Remove(99))

	assert.Equal(t, 0, table.Add(&Session{}))
	assert.Equal(t, 2, table.Add(&Session{}))
	assert.Equal(t, 4, table.Add(&Session{}))

	ids := make([]int, 0)
	for _, s := range table.All() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, ids)
}

func TestSessionTableProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		table := NewSessionTable()
		live := make(map[int]bool)

		for range rapid.IntRange(1, 100).Draw(t, "ops") {
			if len(live) > 0 && rapid.Bool().Draw(t, "remove") {
				ids := make([]int, 0, len(live))
				for id := range live {
					ids = append(ids, id)
				}
				id := rapid.SampledFrom(ids).Draw(t, "id")
				if !table.Remove(id) {
					t.Fatalf("remove of live id %d failed", id)
				}
				delete(live, id)
				continue
			}

			lowest := 0
			for live[lowest] {
				lowest++
			}
			got := table.Add(&Session{})
			if got != lowest {
				t.Fatalf("Add returned %d, lowest free id is %d", got, lowest)
			}
			live[got] = true
		}

		if table.Len() != len(live) {
			t.Fatalf("table holds %d sessions, want %d", table.Len(), len(live))
		}
	})
}

func TestUPSTracker(t *testing.T) {
	tr := NewUPSTracker(4)
	now := time.Unix(1000, 0)

	assert.Zero(t, tr.UPS())
	tr.Record(now)
	assert.Zero(t, tr.UPS(), "one tick has no interval")

	for i := 1; i <= 4; i++ {
		tr.Record(now.Add(time.Duration(i) * 20 * time.Millisecond))
	}
	assert.InDelta(t, 50.0, tr.UPS(), 1e-9)

	// Older intervals fall out of the window.
	last := now.Add(80 * time.Millisecond)
	for i := 1; i <= 4; i++ {
		tr.Record(last.Add(time.Duration(i) * 100 * time.Millisecond))
	}
	assert.InDelta(t, 10.0, tr.UPS(), 1e-9)
}
