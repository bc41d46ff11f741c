package gc

import (
	"sync"
	"sync/atomic"
)

// satbBufferSize is the number of entries in a mutator's SATB buffer
const satbBufferSize = 256

// SATBQueueSet collects the pre-write values logged by mutators while
// marking is active. Every reference overwritten during marking reaches the
// marker this way, so everything reachable at the snapshot gets marked.
type SATBQueueSet struct {
	active    atomic.Bool
	mu        sync.Mutex
	completed [][]Address
	count     atomic.Int64
}

// Active reports whether the pre-write barrier is logging
func (qs *SATBQueueSet) Active() bool { return qs.active.Load() }

func (qs *SATBQueueSet) setActive(on bool) { qs.active.Store(on) }

// Enqueue publishes a completed buffer
func (qs *SATBQueueSet) Enqueue(b []Address) {
	if len(b) == 0 {
		return
	}
	qs.mu.Lock()
	qs.completed = append(qs.completed, b)
	qs.mu.Unlock()
	qs.count.Add(1)
}

// Dequeue takes a completed buffer
func (qs *SATBQueueSet) Dequeue() ([]Address, bool) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	n := len(qs.completed)
	if n == 0 {
		return nil, false
	}
	b := qs.completed[n-1]
	qs.completed = qs.completed[:n-1]
	qs.count.Add(-1)
	return b, true
}

// Completed returns the number of buffers waiting for the marker
func (qs *SATBQueueSet) Completed() int { return int(qs.count.Load()) }

// Discard drops every completed buffer
func (qs *SATBQueueSet) Discard() {
	qs.mu.Lock()
	qs.completed = nil
	qs.count.Store(0)
	qs.mu.Unlock()
}
