package concurrency

import (
	"sync/atomic"
)

// TaskQueue is a Chase-Lev work-stealing deque of uint64 tasks. The owner
// pushes and pops at the bottom; thieves steal from the top. When the ring
// is full the owner spills into a private overflow stack, which refills the
// ring as it drains so the work becomes stealable again.
type TaskQueue struct {
	top    atomic.Int64
	_pad0  [56]byte
	bottom atomic.Int64
	_pad1  [56]byte
	ring   []atomic.Uint64
	mask   int64

	overflow    []uint64 // owner only
	overflowLen atomic.Int64
}

// NewTaskQueue creates a queue whose ring holds capacity tasks, rounded up
// to a power of two.
func NewTaskQueue(capacity int) *TaskQueue {
	if capacity < 2 {
		capacity = 2
	}
	n := 1
	for n < capacity {
		n <<= 1
	}
	return &TaskQueue{ring: make([]atomic.Uint64, n), mask: int64(n - 1)}
}

// Push adds a task. Owner only.
func (q *TaskQueue) Push(v uint64) {
	b := q.bottom.Load()
	t := q.top.Load()
	if b-t > q.mask {
		q.overflow = append(q.overflow, v)
		q.overflowLen.Store(int64(len(q.overflow)))
		return
	}
	q.ring[b&q.mask].Store(v)
	q.bottom.Store(b + 1)
}

// Pop removes the most recently pushed task. Owner only.
func (q *TaskQueue) Pop() (uint64, bool) {
	if v, ok := q.popRing(); ok {
		return v, true
	}
	if len(q.overflow) == 0 {
		return 0, false
	}
	q.refill()
	if v, ok := q.popRing(); ok {
		return v, true
	}
	return q.popOverflow()
}

func (q *TaskQueue) popRing() (uint64, bool) {
	b := q.bottom.Load() - 1
	q.bottom.Store(b)
	t := q.top.Load()
	if t > b {
		q.bottom.Store(b + 1)
		return 0, false
	}
	v := q.ring[b&q.mask].Load()
	if t == b {
		won := q.top.CompareAndSwap(t, t+1)
		q.bottom.Store(b + 1)
		if !won {
			return 0, false
		}
	}
	return v, true
}

func (q *TaskQueue) popOverflow() (uint64, bool) {
	n := len(q.overflow)
	if n == 0 {
		return 0, false
	}
	v := q.overflow[n-1]
	q.overflow = q.overflow[:n-1]
	q.overflowLen.Store(int64(n - 1))
	return v, true
}

// refill moves overflow tasks into the ring until it is half full
func (q *TaskQueue) refill() {
	limit := (q.mask + 1) / 2
	for len(q.overflow) > 0 && q.bottom.Load()-q.top.Load() < limit {
		v, _ := q.popOverflow()
		b := q.bottom.Load()
		q.ring[b&q.mask].Store(v)
		q.bottom.Store(b + 1)
	}
}

// Steal removes the oldest task. Safe for any goroutine. A false result
// may mean the queue is empty or that another thief won the race.
func (q *TaskQueue) Steal() (uint64, bool) {
	t := q.top.Load()
	b := q.bottom.Load()
	if t >= b {
		return 0, false
	}
	v := q.ring[t&q.mask].Load()
	if !q.top.CompareAndSwap(t, t+1) {
		return 0, false
	}
	return v, true
}

// Stealable reports whether thieves could currently take a task
func (q *TaskQueue) Stealable() bool {
	return q.bottom.Load()-q.top.Load() > 0
}

// Size is the approximate number of queued tasks including overflow
func (q *TaskQueue) Size() int {
	n := q.bottom.Load() - q.top.Load()
	if n < 0 {
		n = 0
	}
	return int(n + q.overflowLen.Load())
}

// Empty reports whether the queue holds no tasks at all
func (q *TaskQueue) Empty() bool { return q.Size() == 0 }

// QueueSet groups the per-worker queues of a gang so workers can steal from
// each other.
type QueueSet struct {
	queues []*TaskQueue
	seeds  []uint64
}

// NewQueueSet creates n queues of the given capacity
func NewQueueSet(n, capacity int) *QueueSet {
	s := &QueueSet{queues: make([]*TaskQueue, n), seeds: make([]uint64, n)}
	for i := range s.queues {
		s.queues[i] = NewTaskQueue(capacity)
		s.seeds[i] = uint64(i)*0x9E3779B97F4A7C15 + 1
	}
	return s
}

// Queue returns the queue owned by worker i
func (s *QueueSet) Queue(i int) *TaskQueue { return s.queues[i] }

// Len returns the number of queues
func (s *QueueSet) Len() int { return len(s.queues) }

// Steal tries 2*n random victims on behalf of worker self. Each worker
// must only call it with its own index.
func (s *QueueSet) Steal(self int) (uint64, bool) {
	n := len(s.queues)
	if n < 2 {
		return 0, false
	}
	for i := 0; i < 2*n; i++ {
		s.seeds[self] ^= s.seeds[self] << 13
		s.seeds[self] ^= s.seeds[self] >> 7
		s.seeds[self] ^= s.seeds[self] << 17
		victim := int(s.seeds[self] % uint64(n))
		if victim == self {
			continue
		}
		if v, ok := s.queues[victim].Steal(); ok {
			return v, true
		}
	}
	return 0, false
}

// AnyStealable reports whether any queue has stealable work
func (s *QueueSet) AnyStealable() bool {
	for _, q := range s.queues {
		if q.Stealable() {
			return true
		}
	}
	return false
}

// Empty reports whether every queue, overflow included, is empty
func (s *QueueSet) Empty() bool {
	for _, q := range s.queues {
		if !q.Empty() {
			return false
		}
	}
	return true
}
