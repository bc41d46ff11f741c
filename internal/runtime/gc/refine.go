package gc

import (
	"sync"

	"github.com/orizon-lang/regiongc/internal/cli"
)

// Refiner turns dirty cards into remembered-set entries
type Refiner struct {
	regions *RegionManager
	cards   *CardTable
	bot     *BlockOffsetTable
	mem     *heapMemory
	hot     *HotCardCache
}

// RefineCard scans a dirty card and records it in the remembered set of
// every other region it references. It returns the number of cross-region
// references found. Cards of young and free regions and cards that are no
// longer dirty are ignored.
func (rf *Refiner) RefineCard(card uint64) int {
	r := rf.regions.RegionForCard(card)
	if !r.isOldLike() || rf.cards.Value(card) != CardDirty {
		return 0
	}
	if !rf.cards.clean(card) {
		return 0
	}
	return rf.scanCard(r, card, r.Top(), func(_ Address, to *Region) {
		to.remSet.Add(card)
	})
}

// refineThroughCache is RefineCard behind the hot card cache
func (rf *Refiner) refineThroughCache(card uint64) int {
	if rf.regions.RegionForCard(card).isOldLike() && rf.hot.Enabled() {
		c, ok := rf.hot.Insert(card)
		if !ok {
			return 0
		}
		card = c
	}
	return rf.RefineCard(card)
}

// scanCard visits every reference slot of card below limit whose referent
// lies in another, non-free region. It returns the number visited.
func (rf *Refiner) scanCard(r *Region, card uint64, limit Address, visit func(slot Address, to *Region)) int {
	start := rf.cards.Start(card)
	end := start + CardSize
	if end > limit {
		end = limit
	}
	if start >= end {
		return 0
	}
	var obj Address
	if r.humongousStart != nil {
		obj = r.humongousStart.bottom
	} else {
		obj = rf.bot.BlockStart(r, start)
	}
	n := 0
	for obj < end {
		if rf.mem.load(obj) == markOneWordFill {
			obj += WordSize
			continue
		}
		k := rf.mem.klass(obj)
		if k == 0 {
			// Not yet initialized; the allocating mutator dirties the card
			// again once it stores references.
			break
		}
		size := klassSize(k)
		if refs := klassRefs(k); refs > 0 {
			first, last := refSlot(obj, 0), refSlot(obj, refs)
			if first < start {
				first = start
			}
			if last > end {
				last = end
			}
			for slot := first; slot < last; slot += WordSize {
				ref := rf.mem.loadRef(slot)
				if ref == 0 {
					continue
				}
				to := rf.regions.RegionFor(ref)
				if to == r || to.IsFree() {
					continue
				}
				if r.humongousStart != nil && to.humongousStart == r.humongousStart {
					continue
				}
				visit(slot, to)
				n++
			}
		}
		obj = obj.Words(size)
	}
	return n
}

// refineBuffer refines every card of a completed buffer
func (rf *Refiner) refineBuffer(buf []uint64) (cards int) {
	for _, c := range buf {
		rf.refineThroughCache(c)
	}
	return len(buf)
}

// ConcurrentRefine runs the refinement goroutines. Goroutine i is active
// while more than green + i*step buffers are pending, so the number of
// active refiners grows with the backlog.
type ConcurrentRefine struct {
	queues    *DirtyCardQueueSet
	refiner   *Refiner
	safepoint *Safepoint
	counters  *counters
	log       *cli.Logger
	n         int
	step      int

	mu       sync.Mutex
	cond     *sync.Cond
	sleeping int
	stopped  bool
	wg       sync.WaitGroup
}

func newConcurrentRefine(n int, qs *DirtyCardQueueSet, rf *Refiner, sp *Safepoint, c *counters, log *cli.Logger) *ConcurrentRefine {
	cr := &ConcurrentRefine{queues: qs, refiner: rf, safepoint: sp, counters: c, log: log, n: n}
	cr.step = (qs.red - qs.green) / n
	if cr.step < 1 {
		cr.step = 1
	}
	cr.cond = sync.NewCond(&cr.mu)
	return cr
}

func (cr *ConcurrentRefine) threshold(i int) int { return cr.queues.green + i*cr.step }

// Start launches the refinement goroutines
func (cr *ConcurrentRefine) Start() {
	for i := 0; i < cr.n; i++ {
		cr.wg.Add(1)
		go cr.run(i)
	}
}

// Notify wakes refiners after a buffer was enqueued
func (cr *ConcurrentRefine) Notify(pending int) {
	cr.mu.Lock()
	if cr.sleeping > 0 {
		cr.cond.Broadcast()
	}
	cr.mu.Unlock()
}

// Stop terminates the goroutines and waits for them
func (cr *ConcurrentRefine) Stop() {
	cr.mu.Lock()
	cr.stopped = true
	cr.cond.Broadcast()
	cr.mu.Unlock()
	cr.wg.Wait()
}

func (cr *ConcurrentRefine) run(i int) {
	defer cr.wg.Done()
	limit := cr.threshold(i)
	for {
		cr.mu.Lock()
		for !cr.stopped && cr.queues.Completed() <= limit {
			cr.sleeping++
			cr.cond.Wait()
			cr.sleeping--
		}
		stopped := cr.stopped
		cr.mu.Unlock()
		if stopped {
			return
		}

		cr.safepoint.Enter()
		refined := 0
		for cr.queues.Completed() > limit {
			buf, ok := cr.queues.Dequeue()
			if !ok {
				break
			}
			refined += cr.refiner.refineBuffer(buf)
			cr.queues.Recycle(buf)
			if cr.safepoint.ShouldYield() {
				cr.safepoint.Yield()
			}
		}
		cr.safepoint.Leave()
		cr.counters.refinedConcurrent.Add(uint64(refined))
		if refined > 0 && cr.log.Enabled(cli.LevelDebug) {
			cr.log.Debug("refiner %d processed %d cards, %d buffers pending", i, refined, cr.queues.Completed())
		}
	}
}
