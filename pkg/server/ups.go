package server

import (
	"sync"
	"time"
)

// UPSTracker measures the achieved tick rate over the last N tick intervals.
type UPSTracker struct {
	mu        sync.Mutex
	intervals []time.Duration
	next      int
	filled    int
	sum       time.Duration
	last      time.Time
}

// NewUPSTracker keeps size intervals. size < 1 is treated as 1.
func NewUPSTracker(size int) *UPSTracker {
	if size < 1 {
		size = 1
	}
	return &UPSTracker{intervals: make([]time.Duration, size)}
}

// Record notes the start of a tick.
func (t *UPSTracker) Record(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last.IsZero() {
		t.last = now
		return
	}
	d := now.Sub(t.last)
	t.last = now

	t.sum -= t.intervals[t.next]
	t.intervals[t.next] = d
	t.sum += d
	t.next = (t.next + 1) % len(t.intervals)
	if t.filled < len(t.intervals) {
		t.filled++
	}
}

// UPS returns recorded intervals divided by their total duration, or 0
// before two ticks have been recorded.
func (t *UPSTracker) UPS() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.filled == 0 || t.sum <= 0 {
		return 0
	}
	return float64(t.filled) / t.sum.Seconds()
}
