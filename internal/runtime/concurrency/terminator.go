package concurrency

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Terminator implements two-phase termination for a gang of n workers. A
// worker that runs out of work offers termination and then waits. While
// waiting it polls for visible work; if some appears it withdraws its offer
// and goes back to stealing. Termination happens only once all n workers
// are offering at the same time, and then every waiter returns true.
type Terminator struct {
	n       int
	mu      sync.Mutex
	offered int
	peek    func() bool
	abort   atomic.Bool
}

// NewTerminator creates a terminator for n workers. peek reports whether
// there is work a waiting worker could take.
func NewTerminator(n int, peek func() bool) *Terminator {
	return &Terminator{n: n, peek: peek}
}

// Reset prepares the terminator for another round with n workers
func (t *Terminator) Reset(n int) {
	t.mu.Lock()
	t.n = n
	t.offered = 0
	t.mu.Unlock()
	t.abort.Store(false)
}

// Workers returns the gang size the terminator waits for
func (t *Terminator) Workers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

// Abort makes every current and future offer return true
func (t *Terminator) Abort() { t.abort.Store(true) }

// Aborted reports whether Abort was called since the last Reset
func (t *Terminator) Aborted() bool { return t.abort.Load() }

// Offered returns the number of workers currently offering
func (t *Terminator) Offered() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offered
}

// OfferTermination returns true when the gang is done and false when the
// caller should look for work again.
func (t *Terminator) OfferTermination() bool {
	t.mu.Lock()
	t.offered++
	if t.offered >= t.n {
		t.mu.Unlock()
		return true
	}
	t.mu.Unlock()

	for spin := 0; ; spin++ {
		if t.abort.Load() {
			return true
		}
		t.mu.Lock()
		if t.offered >= t.n {
			t.mu.Unlock()
			return true
		}
		t.mu.Unlock()

		if t.peek != nil && t.peek() {
			t.mu.Lock()
			if t.offered >= t.n {
				t.mu.Unlock()
				return true
			}
			t.offered--
			t.mu.Unlock()
			return false
		}

		switch {
		case spin < 64:
			runtime.Gosched()
		case spin < 256:
			time.Sleep(time.Microsecond)
		default:
			time.Sleep(50 * time.Microsecond)
		}
	}
}
