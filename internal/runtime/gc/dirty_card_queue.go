package gc

import (
	"sync"
	"sync/atomic"

	"github.com/orizon-lang/regiongc/internal/runtime/concurrency"
)

// DirtyCardQueueSet collects completed buffers of dirty cards from the
// mutators. The green zone is the number of buffers left for the next
// pause; above the red zone mutators refine their own buffers.
type DirtyCardQueueSet struct {
	completed  *concurrency.MPMCQueue[[]uint64]
	overflowMu sync.Mutex
	overflow   [][]uint64
	count      atomic.Int64

	bufferSize int
	green      int
	red        int
	notify     func(n int)

	pool sync.Pool
}

func newDirtyCardQueueSet(bufferSize, green, red int, notify func(n int)) *DirtyCardQueueSet {
	qs := &DirtyCardQueueSet{
		completed:  concurrency.NewMPMCQueue[[]uint64](1024),
		bufferSize: bufferSize,
		green:      green,
		red:        red,
		notify:     notify,
	}
	qs.pool.New = func() any {
		b := make([]uint64, 0, bufferSize)
		return &b
	}
	return qs
}

// NewBuffer returns an empty buffer of the configured capacity
func (qs *DirtyCardQueueSet) NewBuffer() []uint64 {
	return (*qs.pool.Get().(*[]uint64))[:0]
}

// Recycle hands a processed buffer back for reuse
func (qs *DirtyCardQueueSet) Recycle(b []uint64) {
	if cap(b) != qs.bufferSize {
		return
	}
	b = b[:0]
	qs.pool.Put(&b)
}

// Enqueue publishes a completed buffer
func (qs *DirtyCardQueueSet) Enqueue(b []uint64) {
	if len(b) == 0 {
		qs.Recycle(b)
		return
	}
	if !qs.completed.Enqueue(b) {
		qs.overflowMu.Lock()
		qs.overflow = append(qs.overflow, b)
		qs.overflowMu.Unlock()
	}
	n := qs.count.Add(1)
	if qs.notify != nil && int(n) > qs.green {
		qs.notify(int(n))
	}
}

// Dequeue takes a completed buffer
func (qs *DirtyCardQueueSet) Dequeue() ([]uint64, bool) {
	var b []uint64
	if qs.completed.Dequeue(&b) {
		qs.count.Add(-1)
		return b, true
	}
	qs.overflowMu.Lock()
	defer qs.overflowMu.Unlock()
	if n := len(qs.overflow); n > 0 {
		b = qs.overflow[n-1]
		qs.overflow = qs.overflow[:n-1]
		qs.count.Add(-1)
		return b, true
	}
	return nil, false
}

// Completed returns the number of buffers waiting for refinement
func (qs *DirtyCardQueueSet) Completed() int { return int(qs.count.Load()) }

// AboveRedZone reports whether mutators should refine their own buffers
func (qs *DirtyCardQueueSet) AboveRedZone() bool { return qs.Completed() > qs.red }

// Discard drops every completed buffer
func (qs *DirtyCardQueueSet) Discard() {
	for {
		b, ok := qs.Dequeue()
		if !ok {
			return
		}
		qs.Recycle(b)
	}
}
