package gc

import (
	"sync"
)

// GCLocker lets mutators enter critical sections during which no
// evacuating pause may run. A pause that finds the locker active records
// that a collection is needed and retries; new critical sections then wait
// until the last active one exits, which triggers the deferred collection.
type GCLocker struct {
	mu       sync.Mutex
	cond     *sync.Cond
	active   int
	needsGC  bool
	onUnlock func()
}

func newGCLocker(onUnlock func()) *GCLocker {
	l := &GCLocker{onUnlock: onUnlock}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// tryEnter starts a critical section unless a collection is waiting for
// the open ones to finish
func (l *GCLocker) tryEnter() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.needsGC {
		return false
	}
	l.active++
	return true
}

// Exit ends a critical section. The last exit after a pause was refused
// runs the deferred collection.
func (l *GCLocker) Exit() {
	l.mu.Lock()
	l.active--
	trigger := l.active == 0 && l.needsGC
	if trigger {
		l.needsGC = false
		l.cond.Broadcast()
	}
	l.mu.Unlock()
	if trigger && l.onUnlock != nil {
		l.onUnlock()
	}
}

// IsActive reports whether any critical section is open
func (l *GCLocker) IsActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active > 0
}

// NeedsGC reports whether a pause is waiting for the critical sections
func (l *GCLocker) NeedsGC() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.needsGC
}

// checkActiveBeforeGC is called by pauses before they start. It returns
// true, and records the need for a collection, when critical sections are
// open.
func (l *GCLocker) checkActiveBeforeGC() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active > 0 {
		l.needsGC = true
		return true
	}
	return false
}

// Stall waits until a deferred collection has been released
func (l *GCLocker) Stall() {
	l.mu.Lock()
	for l.needsGC {
		l.cond.Wait()
	}
	l.mu.Unlock()
}
