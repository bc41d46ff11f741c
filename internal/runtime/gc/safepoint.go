package gc

import (
	"sync"
	"sync/atomic"
)

// Safepoint stops every goroutine that works on the heap outside a pause.
// Such goroutines (mutator operations, refinement and concurrent marking
// workers) bracket their work with Enter and Leave and poll ShouldYield at
// convenient points. Begin returns once no participant is inside.
//
// Begin is only called with the heap lock held, so a participant must
// Leave before it takes the heap lock or blocks on anything a pause might
// be waiting for. Enter does not nest.
type Safepoint struct {
	rw      sync.RWMutex
	pending atomic.Bool
	active  atomic.Bool
	count   atomic.Uint64
}

// Begin stops all participants
func (s *Safepoint) Begin() {
	s.pending.Store(true)
	s.rw.Lock()
	s.active.Store(true)
	s.count.Add(1)
}

// End resumes the participants
func (s *Safepoint) End() {
	s.active.Store(false)
	s.pending.Store(false)
	s.rw.Unlock()
}

// Enter joins the participant set, waiting out a pause in progress
func (s *Safepoint) Enter() { s.rw.RLock() }

// Leave leaves the participant set
func (s *Safepoint) Leave() { s.rw.RUnlock() }

// ShouldYield reports whether a pause is waiting for participants
func (s *Safepoint) ShouldYield() bool { return s.pending.Load() }

// Yield lets a pending pause run and rejoins afterwards
func (s *Safepoint) Yield() {
	s.rw.RUnlock()
	s.rw.RLock()
}

// InProgress reports whether a pause is running
func (s *Safepoint) InProgress() bool { return s.active.Load() }

// Count returns the number of pauses begun so far
func (s *Safepoint) Count() uint64 { return s.count.Load() }
