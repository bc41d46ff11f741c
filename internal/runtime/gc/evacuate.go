package gc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orizon-lang/regiongc/internal/cli"
	"github.com/orizon-lang/regiongc/internal/runtime/concurrency"
)

const evacQueueCapacity = 1 << 14

// evacuation holds the shared state of one evacuation pause
type evacuation struct {
	h       *Heap
	queues  *concurrency.QueueSet
	term    *concurrency.Terminator
	workers []*evacWorker

	handleClaim atomic.Int64
	csetClaim   atomic.Int64
	csetRegions []uint32

	maxAge    uint
	plabWords uint64

	allocMu        sync.Mutex
	survivorAlloc  *Region
	oldAlloc       *Region
	survivorBudget int
	survivors      []*Region
	promoted       []*Region

	failedMu      sync.Mutex
	failedRegions []*Region
}

// evacWorker is the per-goroutine state of a pause worker
type evacWorker struct {
	id          int
	e           *evacuation
	h           *Heap
	q           *concurrency.TaskQueue
	survivorLAB lab
	oldLAB      lab
	failures    []failureRecord

	copiedBytes uint64
	cards       uint64

	rootMs, scanRSMs, copyMs, termMs float64
}

func newEvacuation(h *Heap) *evacuation {
	n := h.gang.Size()
	cfg := h.Config()
	e := &evacuation{
		h:              h,
		queues:         concurrency.NewQueueSet(n, evacQueueCapacity),
		csetRegions:    h.cset.Regions(),
		maxAge:         uint(cfg.MaxTenuringThreshold),
		survivorBudget: h.policy.maxSurvivorRegions(),
	}
	e.plabWords = h.regionSize / WordSize / 32
	if e.plabWords < 256 {
		e.plabWords = 256
	}
	e.term = concurrency.NewTerminator(n, e.queues.AnyStealable)
	for i := 0; i < n; i++ {
		e.workers = append(e.workers, &evacWorker{id: i, e: e, h: h, q: e.queues.Queue(i)})
	}
	return e
}

// run evacuates the collection set on the worker gang and folds the
// per-worker times into pt
func (e *evacuation) run(pt *PhaseTimes) {
	err := e.h.gang.Run(context.Background(), func(_ context.Context, w int) error {
		e.workers[w].work()
		return nil
	})
	e.h.check(err)
	for _, w := range e.workers {
		w.retireLABs()
		pt.RootScanMs = max(pt.RootScanMs, w.rootMs)
		pt.ScanRSMs = max(pt.ScanRSMs, w.scanRSMs)
		pt.ObjectCopyMs = max(pt.ObjectCopyMs, w.copyMs)
		pt.TerminationMs = max(pt.TerminationMs, w.termMs)
		pt.CopiedBytes += w.copiedBytes
		pt.ScannedCards += w.cards
	}
}

func (e *evacuation) failed() bool { return len(e.failedRegions) > 0 }

func (w *evacWorker) work() {
	var t phaseTimer
	t.begin(w.h.clock)
	w.h.handles.iterateClaimed(&w.e.handleClaim, func(slot *atomic.Uint64, v Address) {
		w.processRoot(slot, v)
	})
	w.rootMs = t.lap()
	w.scanRemSets()
	w.scanRSMs = t.lap()
	w.drain()
	w.copyMs = t.lap() - w.termMs
}

func (w *evacWorker) processRoot(slot *atomic.Uint64, v Address) {
	r := w.h.regions.RegionFor(v)
	if r.inCSet.Load() {
		slot.Store(uint64(w.copyObject(r, v)))
		return
	}
	if r.humongousCandidate.Load() {
		r.humongousCandidate.Store(false)
	}
}

// scanRemSets claims collection-set regions and scans the cards in their
// remembered sets. Each card is scanned once per pause, by whichever
// worker claims it first, and yields every slot pointing into the
// collection set.
func (w *evacWorker) scanRemSets() {
	h := w.h
	for {
		i := w.e.csetClaim.Add(1) - 1
		if i >= int64(len(w.e.csetRegions)) {
			return
		}
		r := h.regions.At(w.e.csetRegions[i])
		r.remSet.Iterate(func(card uint64) bool {
			if !h.cardClaims.Mark(Address(card << LogWordSize)) {
				return true
			}
			src := h.regions.RegionForCard(card)
			limit := Address(src.scanTop.Load())
			if limit <= src.bottom {
				return true
			}
			w.cards++
			h.refiner.scanCard(src, card, limit, func(slot Address, to *Region) {
				if to.inCSet.Load() {
					w.q.Push(uint64(slot))
				} else if to.humongousCandidate.Load() {
					to.humongousCandidate.Store(false)
				}
			})
			return true
		})
	}
}

func (w *evacWorker) drain() {
	for {
		for {
			s, ok := w.q.Pop()
			if !ok {
				break
			}
			w.processSlot(Address(s))
		}
		if s, ok := w.e.queues.Steal(w.id); ok {
			w.processSlot(Address(s))
			continue
		}
		start := time.Now()
		done := w.e.term.OfferTermination()
		w.termMs += float64(time.Since(start)) / float64(time.Millisecond)
		if done {
			return
		}
	}
}

// processSlot evacuates the referent of a heap slot if it is in the
// collection set, installs the new address and keeps the remembered set
// of the referent's region up to date
func (w *evacWorker) processSlot(slot Address) {
	h := w.h
	ref := h.mem.loadRef(slot)
	if ref == 0 {
		return
	}
	to := h.regions.RegionFor(ref)
	if to.inCSet.Load() {
		ref = w.copyObject(to, ref)
		h.mem.store(slot, uint64(ref))
		to = h.regions.RegionFor(ref)
	} else if to.humongousCandidate.Load() {
		to.humongousCandidate.Store(false)
	}
	w.updateRS(slot, to)
}

// updateRS records slot in the remembered set of to when the slot lives in
// a region that is scanned through cards: old-like regions, including the
// old regions being copied into, and regions that failed evacuation
func (w *evacWorker) updateRS(slot Address, to *Region) {
	h := w.h
	from := h.regions.RegionFor(slot)
	if from == to || to.IsFree() {
		return
	}
	if !from.isOldLike() && !from.evacFailed.Load() {
		return
	}
	if from.humongousStart != nil && from.humongousStart == to.humongousStart {
		return
	}
	to.remSet.Add(h.cards.Index(slot))
}

// scanObject pushes the slots of obj that point into the collection set
// and records the others in the remembered sets
func (w *evacWorker) scanObject(obj Address) {
	h := w.h
	refs := klassRefs(h.mem.klass(obj))
	for i := uint64(0); i < refs; i++ {
		slot := refSlot(obj, i)
		ref := h.mem.loadRef(slot)
		if ref == 0 {
			continue
		}
		to := h.regions.RegionFor(ref)
		if to.inCSet.Load() {
			w.q.Push(uint64(slot))
			continue
		}
		if to.humongousCandidate.Load() {
			to.humongousCandidate.Store(false)
		}
		w.updateRS(slot, to)
	}
}

// copyObject evacuates obj out of from and returns its new address. When
// no space is left the object is forwarded to itself and its region is
// retained.
func (w *evacWorker) copyObject(from *Region, obj Address) Address {
	h := w.h
	mark := h.mem.load(obj)
	if isForwarded(mark) {
		return forwardee(mark)
	}
	size := klassSize(h.mem.klass(obj))
	age := markAge(mark)

	toSurvivor := from.IsYoung() && age < w.e.maxAge
	var nw Address
	if toSurvivor {
		nw = w.allocate(RegionSurvivor, size)
	}
	if nw == 0 {
		toSurvivor = false
		nw = w.allocate(RegionOld, size)
	}
	if nw == 0 {
		return w.failEvacuation(from, obj, mark)
	}

	h.mem.copyWords(nw.Words(1), obj.Words(1), size-1)
	if toSurvivor {
		h.mem.store(nw, unlockedMark(age+1))
	} else {
		h.mem.store(nw, unlockedMark(age))
	}
	if !h.mem.cas(obj, mark, forwardingMark(nw)) {
		// Another worker won; give the space back.
		w.undo(toSurvivor, nw, size)
		return forwardee(h.mem.load(obj))
	}
	w.copiedBytes += size * WordSize
	if !toSurvivor {
		h.bot.Record(nw, nw.Words(size))
	}
	w.scanObject(nw)
	return nw
}

// allocate takes words from the worker's PLAB for state, refilling it from
// the pause's allocation region; large objects are allocated directly.
func (w *evacWorker) allocate(state RegionState, words uint64) Address {
	l, bot := &w.survivorLAB, (*BlockOffsetTable)(nil)
	if state == RegionOld {
		l, bot = &w.oldLAB, w.h.bot
	}
	if a := l.allocate(words); a != 0 {
		return a
	}
	if words > w.e.plabWords/4 {
		a, _ := w.e.allocateDirect(state, words)
		return a
	}
	start, r := w.e.allocateDirect(state, w.e.plabWords)
	if start == 0 {
		a, _ := w.e.allocateDirect(state, words)
		return a
	}
	l.retire(w.h.mem, bot)
	l.set(r, start, start.Words(w.e.plabWords))
	return l.allocate(words)
}

func (w *evacWorker) undo(survivor bool, a Address, words uint64) {
	if survivor {
		w.survivorLAB.undo(w.h.mem, nil, a, words)
		return
	}
	w.oldLAB.undo(w.h.mem, w.h.bot, a, words)
}

func (w *evacWorker) retireLABs() {
	w.survivorLAB.retire(w.h.mem, nil)
	w.oldLAB.retire(w.h.mem, w.h.bot)
}

// allocateDirect bump-allocates from the pause's current survivor or old
// region, claiming a new one when it is full. Survivor regions are limited
// by the survivor budget.
func (e *evacuation) allocateDirect(state RegionState, words uint64) (Address, *Region) {
	e.allocMu.Lock()
	defer e.allocMu.Unlock()
	cur := &e.oldAlloc
	if state == RegionSurvivor {
		cur = &e.survivorAlloc
	}
	if *cur != nil {
		if a := (*cur).casTop(words); a != 0 {
			return a, *cur
		}
	}
	if state == RegionSurvivor && len(e.survivors) >= e.survivorBudget {
		return 0, nil
	}
	h := e.h
	r := h.regions.AllocateFreeRegion(state, 0)
	if r == nil {
		if n, err := h.regions.Expand(h.regionSize); err != nil || n == 0 {
			return 0, nil
		}
		if r = h.regions.AllocateFreeRegion(state, 0); r == nil {
			return 0, nil
		}
	}
	r.gcTimeStamp = uint32(h.counters.total.Load())
	if state == RegionSurvivor {
		h.cards.setRange(r.bottom, r.end, CardYoung)
		e.survivors = append(e.survivors, r)
	} else {
		e.promoted = append(e.promoted, r)
	}
	*cur = r
	return r.casTop(words), r
}

// pausePrologue retires the mutators' TLABs, publishes their barrier
// buffers and detaches the shared eden regions
func (h *Heap) pausePrologue() {
	h.flushMutators(true)
	for i := range h.mutatorAlloc {
		h.mutatorAlloc[i].Store(nil)
	}
}

// flushMutators publishes the barrier buffers of every mutator and, when
// retire is set, fills the unused tails of their TLABs. Pause only.
func (h *Heap) flushMutators(retire bool) {
	h.mutatorsMu.Lock()
	defer h.mutatorsMu.Unlock()
	for m := range h.mutators {
		if retire {
			m.flush()
		} else {
			m.flushBuffers()
		}
	}
}

// drainRefinement refines every logged card on the pause workers,
// including the cards parked in the hot card cache. It returns the number
// of cards refined.
func (h *Heap) drainRefinement() int {
	var n atomic.Int64
	err := h.gang.Run(context.Background(), func(_ context.Context, _ int) error {
		for {
			buf, ok := h.dirtyQ.Dequeue()
			if !ok {
				return nil
			}
			for _, c := range buf {
				h.refiner.RefineCard(c)
			}
			n.Add(int64(len(buf)))
			h.dirtyQ.Recycle(buf)
		}
	})
	h.check(err)
	n.Add(int64(h.hotCards.Drain(func(c uint64) { h.refiner.RefineCard(c) })))
	h.hotCards.ResetCounts()
	return int(n.Load())
}

// buildCollectionSet adds every young region and, during the mixed phase,
// the old regions the policy picks within the remaining pause budget. It
// returns the eden bytes and the number of old regions added.
func (h *Heap) buildCollectionSet() (edenBytes uint64, old int) {
	var youngBytes, cards uint64
	h.regions.Iterate(RegionVisitorFunc(func(r *Region) bool {
		if !r.IsYoung() {
			return true
		}
		h.check(h.cset.Add(r))
		youngBytes += r.Used()
		cards += r.remSet.Occupied()
		if r.State() == RegionEden {
			edenBytes += r.Used()
		}
		return true
	}))
	if h.policy.InMixedPhase() {
		budget := h.policy.pauseBudgetMs(youngBytes, cards)
		picked := h.policy.selectOldRegions(budget, h.committedBytes(), func(idx uint32) bool {
			r := h.regions.At(idx)
			return r.State() == RegionOld && !r.inCSet.Load()
		})
		for _, idx := range picked {
			h.check(h.cset.Add(h.regions.At(idx)))
		}
		old = len(picked)
	}
	h.check(h.cset.Verify(h.regions))
	return edenBytes, old
}

// prepareScanTops fixes the card scanning limit of every region for this
// pause: the current top for old-like regions outside the collection set,
// bottom (nothing to scan) otherwise
func (h *Heap) prepareScanTops() {
	h.regions.Iterate(RegionVisitorFunc(func(r *Region) bool {
		if r.isOldLike() && !r.inCSet.Load() {
			r.scanTop.Store(uint64(r.Top()))
		} else {
			r.scanTop.Store(uint64(r.bottom))
		}
		return true
	}))
	h.cardClaims.clearAll()
}

// processWeakHandles updates weak handles to evacuated objects and clears
// those whose referent died in this pause
func (h *Heap) processWeakHandles() {
	h.weak.iterate(func(slot *atomic.Uint64, v Address) {
		r := h.regions.RegionFor(v)
		switch {
		case r.inCSet.Load():
			if m := h.mem.load(v); isForwarded(m) {
				slot.Store(uint64(forwardee(m)))
			} else {
				slot.Store(0)
			}
		case r.humongousCandidate.Load():
			slot.Store(0)
		}
	})
}

// freeCollectionSet returns the evacuated regions to the free list.
// Regions that failed evacuation are kept.
func (h *Heap) freeCollectionSet() int {
	n := 0
	for _, idx := range h.cset.Regions() {
		r := h.regions.At(idx)
		if r.evacFailed.Load() {
			r.evacFailed.Store(false)
			continue
		}
		h.freeRegion(r)
		n++
	}
	return n
}

// evacuationPause is the young or mixed stop-the-world pause. It runs
// inside the safepoint with the heap lock held.
func (h *Heap) evacuationPause(cause Cause, initialMark bool) {
	start := h.clock.Now()
	var t phaseTimer
	t.begin(h.clock)
	pt := PhaseTimes{Cause: cause.String()}

	h.cm.waitRootRegionScan()
	h.pausePrologue()
	usedBefore := h.usedBytes()
	candidates := h.registerHumongousCandidates()
	pt.RefinedCards = uint64(h.drainRefinement())
	pt.UpdateRSMs = t.lap()

	edenBytes, old := h.buildCollectionSet()
	pt.CSetRegions = h.cset.Len()
	h.prepareScanTops()

	ev := newEvacuation(h)
	ev.run(&pt)
	t.lap()

	var reclaim []*Region
	if candidates > 0 {
		reclaim = h.selectHumongousReclaim()
	}
	h.processWeakHandles()
	pt.RefProcessingMs = t.lap()

	if ev.failed() {
		pt.EvacuationFailed = true
		h.removeSelfForwards(ev)
		h.counters.evacFailures.Add(1)
		pt.EvacFailureMs = t.lap()
	}
	freed := h.freeCollectionSet()
	h.reclaimHumongous(reclaim)
	h.cset.Clear(h.regions)
	pt.FreeCSetMs = t.lap()
	h.edenRegions = 0

	survivors := 0
	h.regions.Iterate(RegionVisitorFunc(func(r *Region) bool {
		if r.State() == RegionSurvivor {
			survivors++
		}
		return true
	}))

	initialMark = initialMark || h.policy.takeInitialMark()
	if initialMark && h.cm.Idle() {
		h.cm.initialMark()
		pt.Kind = "concurrent-start"
	} else if old > 0 {
		pt.Kind = "mixed"
	} else {
		pt.Kind = "young"
	}

	end := h.clock.Now()
	pt.TotalMs = float64(end.Sub(start)) / float64(time.Millisecond)
	h.policy.recordPause(pt, edenBytes)
	committed := h.regions.CommittedCount()
	target := h.policy.recomputeYoungTarget(committed, survivors, h.regions.AvailableCount())
	if pt.Kind != "concurrent-start" && h.cm.Idle() &&
		h.policy.needsConcurrentStart(h.oldBytes(), uint64(committed)*h.regionSize) {
		h.policy.requestInitialMark()
	}

	h.counters.total.Add(1)
	if old > 0 {
		h.counters.mixed.Add(1)
	} else {
		h.counters.young.Add(1)
	}
	h.mmu.Add(start, end)
	h.counters.recordPause(pt, end.Sub(start))

	h.log.Info("Pause %s (%s) %s->%s(%s) %.3fms", pt.Kind, cause,
		cli.FormatBytes(usedBefore), cli.FormatBytes(h.usedBytes()),
		cli.FormatBytes(uint64(committed)*h.regionSize), pt.TotalMs)
	if h.logPhases.Enabled(cli.LevelDebug) {
		h.logPhases.Debug("cset %d regions (%d old), freed %d, survivors %d, young target %d",
			pt.CSetRegions, old, freed, survivors, target)
		h.logPhases.Debug("update RS %.3fms (%d cards), scan RS %.3fms (%d cards), root scan %.3fms",
			pt.UpdateRSMs, pt.RefinedCards, pt.ScanRSMs, pt.ScannedCards, pt.RootScanMs)
		h.logPhases.Debug("object copy %.3fms (%s), termination %.3fms, weak handles %.3fms, evac failure %.3fms, free cset %.3fms",
			pt.ObjectCopyMs, cli.FormatBytes(pt.CopiedBytes), pt.TerminationMs, pt.RefProcessingMs, pt.EvacFailureMs, pt.FreeCSetMs)
	}
}
