package concurrency

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// runGang drives n workers over a queue set. Each processed task may
// produce children, some of them after a delay, so work shows up while
// other workers are already offering termination.
func runGang(t *testing.T, n int, seed int64, roots int) {
	t.Helper()
	qs := NewQueueSet(n, 64)
	term := NewTerminator(n, qs.AnyStealable)

	var outstanding atomic.Int64
	var processed atomic.Int64
	var terminatedEarly atomic.Bool

	for i := 0; i < roots; i++ {
		outstanding.Add(1)
		qs.Queue(i % n).Push(uint64(4))
	}

	wg := sync.WaitGroup{}
	wg.Add(n)
	for w := 0; w < n; w++ {
		go func(id int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed + int64(id)))
			q := qs.Queue(id)
			for {
				for {
					v, ok := q.Pop()
					if !ok {
						v, ok = qs.Steal(id)
					}
					if !ok {
						break
					}
					if rng.Intn(8) == 0 {
						time.Sleep(time.Duration(rng.Intn(200)) * time.Microsecond)
					}
					if v > 0 {
						kids := rng.Intn(3)
						for k := 0; k < kids; k++ {
							outstanding.Add(1)
							q.Push(v - 1)
						}
					}
					processed.Add(1)
					outstanding.Add(-1)
				}
				if term.OfferTermination() {
					if outstanding.Load() != 0 {
						terminatedEarly.Store(true)
					}
					return
				}
			}
		}(w)
	}
	wg.Wait()

	if terminatedEarly.Load() {
		t.Fatalf("seed %d: a worker terminated with %d tasks outstanding", seed, outstanding.Load())
	}
	if !qs.Empty() {
		t.Fatalf("seed %d: queues not empty after termination", seed)
	}
	if processed.Load() < int64(roots) {
		t.Fatalf("seed %d: processed %d < roots %d", seed, processed.Load(), roots)
	}
}

func TestTerminator_NoEarlyTermination(t *testing.T) {
	for seed := int64(1); seed <= 40; seed++ {
		for _, n := range []int{1, 2, 3, 4} {
			runGang(t, n, seed*97, 1+int(seed%5))
		}
	}
}

func TestTerminator_AllOfferTogether(t *testing.T) {
	term := NewTerminator(3, func() bool { return false })
	var done atomic.Int32
	wg := sync.WaitGroup{}
	wg.Add(3)
	for i := 0; i < 3; i++ {
		go func() {
			defer wg.Done()
			if term.OfferTermination() {
				done.Add(1)
			}
		}()
	}
	wg.Wait()
	if done.Load() != 3 {
		t.Fatalf("terminated workers = %d", done.Load())
	}
}

func TestTerminator_WithdrawOnWork(t *testing.T) {
	var work atomic.Bool
	term := NewTerminator(2, work.Load)
	result := make(chan bool, 1)
	go func() { result <- term.OfferTermination() }()

	for term.Offered() != 1 {
		time.Sleep(time.Millisecond)
	}
	work.Store(true)
	if <-result {
		t.Fatal("worker terminated although work appeared")
	}
	if term.Offered() != 0 {
		t.Fatalf("offer not withdrawn: %d", term.Offered())
	}
}

func TestTerminator_Abort(t *testing.T) {
	term := NewTerminator(4, nil)
	go func() {
		time.Sleep(5 * time.Millisecond)
		term.Abort()
	}()
	if !term.OfferTermination() {
		t.Fatal("abort did not release waiter")
	}
	term.Reset(1)
	if term.Aborted() {
		t.Fatal("reset kept abort flag")
	}
	if !term.OfferTermination() {
		t.Fatal("single worker did not terminate")
	}
}
