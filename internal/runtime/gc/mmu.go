package gc

import (
	"sort"
	"sync"
	"time"
)

const mmuQueueLength = 64

type pauseRecord struct {
	start, end time.Time
}

// MMUTracker enforces minimum mutator utilization: within any window of
// timeSlice, pauses may take at most maxGCTime.
type MMUTracker struct {
	mu        sync.Mutex
	timeSlice time.Duration
	maxGCTime time.Duration
	pauses    []pauseRecord // oldest first
}

// NewMMUTracker creates a tracker for maxGCTime within each timeSlice
func NewMMUTracker(timeSlice, maxGCTime time.Duration) *MMUTracker {
	return &MMUTracker{timeSlice: timeSlice, maxGCTime: maxGCTime}
}

// SetGoal changes the goal, e.g. after a configuration reload
func (t *MMUTracker) SetGoal(timeSlice, maxGCTime time.Duration) {
	t.mu.Lock()
	t.timeSlice, t.maxGCTime = timeSlice, maxGCTime
	t.mu.Unlock()
}

// Add records a pause
func (t *MMUTracker) Add(start, end time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pauses = append(t.pauses, pauseRecord{start, end})
	if len(t.pauses) > mmuQueueLength {
		t.pauses = t.pauses[len(t.pauses)-mmuQueueLength:]
	}
}

// gcTimeIn returns the pause time overlapping [from, to)
func (t *MMUTracker) gcTimeIn(from, to time.Time) time.Duration {
	var total time.Duration
	for _, p := range t.pauses {
		s, e := p.start, p.end
		if s.Before(from) {
			s = from
		}
		if e.After(to) {
			e = to
		}
		if e.After(s) {
			total += e.Sub(s)
		}
	}
	return total
}

// When returns how long to wait from now before a pause of the given
// length can start without violating the goal
func (t *MMUTracker) When(now time.Time, pause time.Duration) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pause > t.maxGCTime {
		pause = t.maxGCTime
	}
	budget := t.maxGCTime - pause
	windowStart := now.Add(pause - t.timeSlice)
	if t.gcTimeIn(windowStart, now) <= budget {
		return 0
	}
	// The window slides forward with the delay; the pause time inside it
	// only changes at pause boundaries.
	var delays []time.Duration
	for _, p := range t.pauses {
		for _, b := range []time.Time{p.start, p.end} {
			if d := b.Sub(windowStart); d > 0 {
				delays = append(delays, d)
			}
		}
	}
	sort.Slice(delays, func(i, j int) bool { return delays[i] < delays[j] })
	for _, d := range delays {
		if t.gcTimeIn(windowStart.Add(d), now) <= budget {
			return d
		}
	}
	return t.timeSlice
}
