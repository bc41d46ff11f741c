package concurrency

import (
	"runtime"
	"sync/atomic"
)

// MPMCQueue is a bounded multi-producer multi-consumer lock-free ring buffer
// based on Dmitry Vyukov's algorithm using per-slot sequence numbers. The
// collector uses it to hand completed dirty-card buffers from mutators to
// the refinement goroutines.
type MPMCQueue[T any] struct {
	_pad0   [64]byte
	mask    uint64
	_pad1   [64]byte
	enqueue atomic.Uint64
	_pad2   [64]byte
	dequeue atomic.Uint64
	_pad3   [64]byte
	cells   []cell[T]
}

type cell[T any] struct {
	seq  atomic.Uint64
	_pad [56]byte
	val  T
}

// NewMPMCQueue creates a queue holding at least capacity elements; the
// capacity is rounded up to a power of two.
func NewMPMCQueue[T any](capacity uint64) *MPMCQueue[T] {
	if capacity < 2 {
		capacity = 2
	}
	capPow2 := uint64(1)
	for capPow2 < capacity {
		capPow2 <<= 1
	}
	q := &MPMCQueue[T]{
		mask:  capPow2 - 1,
		cells: make([]cell[T], capPow2),
	}
	for i := range q.cells {
		q.cells[i].seq.Store(uint64(i))
	}
	return q
}

// Enqueue tries to push v; returns false if the queue is full.
func (q *MPMCQueue[T]) Enqueue(v T) bool {
	for {
		pos := q.enqueue.Load()
		c := &q.cells[pos&q.mask]
		dif := int64(c.seq.Load()) - int64(pos)
		switch {
		case dif == 0:
			if q.enqueue.CompareAndSwap(pos, pos+1) {
				c.val = v
				c.seq.Store(pos + 1)
				return true
			}
		case dif < 0:
			return false
		default:
			runtime.Gosched()
		}
	}
}

// Dequeue tries to pop into out; returns false if the queue is empty.
func (q *MPMCQueue[T]) Dequeue(out *T) bool {
	var zero T
	for {
		pos := q.dequeue.Load()
		c := &q.cells[pos&q.mask]
		dif := int64(c.seq.Load()) - int64(pos+1)
		switch {
		case dif == 0:
			if q.dequeue.CompareAndSwap(pos, pos+1) {
				*out = c.val
				c.val = zero
				c.seq.Store(pos + q.mask + 1)
				return true
			}
		case dif < 0:
			return false
		default:
			runtime.Gosched()
		}
	}
}

// Len is the number of queued elements. It is exact only when no
// operation is in flight.
func (q *MPMCQueue[T]) Len() int {
	d := q.dequeue.Load()
	e := q.enqueue.Load()
	if e < d {
		return 0
	}
	return int(e - d)
}

// Cap returns the queue capacity
func (q *MPMCQueue[T]) Cap() int { return int(q.mask + 1) }

// Drain dequeues everything currently visible and passes it to fn
func (q *MPMCQueue[T]) Drain(fn func(T)) int {
	n := 0
	var v T
	for q.Dequeue(&v) {
		fn(v)
		n++
	}
	return n
}
