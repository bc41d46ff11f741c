package gc

import (
	"sync"
	"sync/atomic"
)

// markChunk is the unit of transfer between local queues and the global
// mark stack
const markChunk = 256

// MarkStack is the bounded global overflow area of concurrent marking.
// When a push does not fit, the overflow flag is raised and the entries are
// dropped; marking then restarts from the bitmap with a larger stack.
type MarkStack struct {
	mu       sync.Mutex
	chunks   [][]uint64
	size     int // entries held
	capacity int
	max      int
	overflow atomic.Bool
}

func newMarkStack(capacity, max int) *MarkStack {
	if max < capacity {
		max = capacity
	}
	return &MarkStack{capacity: capacity, max: max}
}

// PushChunk moves entries onto the stack. It returns false and sets the
// overflow flag when there is no room.
func (ms *MarkStack) PushChunk(entries []uint64) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.size+len(entries) > ms.capacity {
		ms.overflow.Store(true)
		return false
	}
	c := make([]uint64, len(entries))
	copy(c, entries)
	ms.chunks = append(ms.chunks, c)
	ms.size += len(c)
	return true
}

// PopChunk removes the most recently pushed chunk
func (ms *MarkStack) PopChunk() ([]uint64, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	n := len(ms.chunks)
	if n == 0 {
		return nil, false
	}
	c := ms.chunks[n-1]
	ms.chunks = ms.chunks[:n-1]
	ms.size -= len(c)
	return c, true
}

// Len returns the number of entries held
func (ms *MarkStack) Len() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.size
}

// Empty reports whether the stack holds nothing
func (ms *MarkStack) Empty() bool { return ms.Len() == 0 }

// Overflowed reports whether a push was dropped since the last reset
func (ms *MarkStack) Overflowed() bool { return ms.overflow.Load() }

// Capacity returns the current capacity in entries
func (ms *MarkStack) Capacity() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.capacity
}

// Expand doubles the capacity up to the maximum. It returns false when the
// stack is already at its maximum.
func (ms *MarkStack) Expand() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.capacity >= ms.max {
		return false
	}
	ms.capacity *= 2
	if ms.capacity > ms.max {
		ms.capacity = ms.max
	}
	return true
}

// Reset empties the stack and clears the overflow flag
func (ms *MarkStack) Reset() {
	ms.mu.Lock()
	ms.chunks = nil
	ms.size = 0
	ms.mu.Unlock()
	ms.overflow.Store(false)
}
