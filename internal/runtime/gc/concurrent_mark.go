package gc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orizon-lang/regiongc/internal/cli"
	"github.com/orizon-lang/regiongc/internal/runtime/concurrency"
)

// MarkPhase is the state of the marking coordinator
type MarkPhase int32

const (
	MarkIdle MarkPhase = iota
	MarkConcurrentCycle
	MarkScanRootRegions
	MarkConcurrentMark
	MarkRemark
	MarkCreateLiveData
	MarkCleanup
)

func (p MarkPhase) String() string {
	switch p {
	case MarkIdle:
		return "Idle"
	case MarkConcurrentCycle:
		return "ConcurrentCycle"
	case MarkScanRootRegions:
		return "ScanRootRegions"
	case MarkConcurrentMark:
		return "ConcurrentMark"
	case MarkRemark:
		return "Remark"
	case MarkCreateLiveData:
		return "CreateLiveData"
	case MarkCleanup:
		return "Cleanup"
	default:
		return "Unknown"
	}
}

const (
	// local queue length above which entries spill to the global stack
	markSpillThreshold = 4096
	// objects scanned between yield checks
	markYieldStride = 64
)

// ConcurrentMark runs snapshot-at-the-beginning marking cycles on its own
// goroutine. A cycle is started by an initial-mark evacuation pause; remark
// and cleanup run as short pauses of their own.
type ConcurrentMark struct {
	h      *Heap
	log    *cli.Logger
	bitmap *MarkBitmap
	stack  *MarkStack
	queues *concurrency.QueueSet
	gang   *WorkerGang

	concTerm  *concurrency.Terminator // concurrent phase, ConcGCThreads
	pauseTerm *concurrency.Terminator // remark, ParallelGCThreads

	finger  atomic.Uint32 // next region to claim for sweeping
	aborted atomic.Bool
	restart bool // remark overflowed; owned by the coordinator

	mu           sync.Mutex
	cond         *sync.Cond
	phase        atomic.Int32
	startPending bool
	stopped      bool
	scanning     bool // root region scan in progress
	observer     func(from, to MarkPhase)

	rootRegions []*Region
	rootClaim   atomic.Int64

	wg sync.WaitGroup
}

func newConcurrentMark(h *Heap, observer func(from, to MarkPhase), log *cli.Logger) *ConcurrentMark {
	cfg := h.Config()
	n := max(cfg.ParallelGCThreads, cfg.ConcGCThreads)
	cm := &ConcurrentMark{
		h:        h,
		log:      log,
		bitmap:   newMarkBitmap(heapBase, cfg.MaxHeapSize),
		stack:    newMarkStack(cfg.MarkStackSize, cfg.MarkStackSizeMax),
		queues:   concurrency.NewQueueSet(n, markSpillThreshold*2),
		gang:     NewWorkerGang("marking", cfg.ConcGCThreads),
		observer: observer,
	}
	cm.cond = sync.NewCond(&cm.mu)
	cm.concTerm = concurrency.NewTerminator(cm.gang.Size(), func() bool { return cm.peek(true) })
	cm.pauseTerm = concurrency.NewTerminator(h.gang.Size(), func() bool { return cm.peek(false) })
	return cm
}

// Start launches the coordinator goroutine
func (cm *ConcurrentMark) Start() {
	cm.wg.Add(1)
	go cm.run()
}

// Stop aborts a running cycle and waits for the coordinator to exit
func (cm *ConcurrentMark) Stop() {
	cm.mu.Lock()
	cm.stopped = true
	cm.aborted.Store(true)
	cm.cond.Broadcast()
	cm.mu.Unlock()
	cm.wg.Wait()
}

// Phase returns the current phase
func (cm *ConcurrentMark) Phase() MarkPhase { return MarkPhase(cm.phase.Load()) }

// Idle reports whether no cycle is running
func (cm *ConcurrentMark) Idle() bool { return cm.Phase() == MarkIdle }

// WaitIdle blocks until the running cycle, if any, has finished. The
// waiting goroutine is gone by the time WaitIdle returns.
func (cm *ConcurrentMark) WaitIdle(ctx context.Context) error {
	var cancelled atomic.Bool
	done := make(chan struct{})
	go func() {
		cm.mu.Lock()
		for cm.Phase() != MarkIdle && !cm.stopped && !cancelled.Load() {
			cm.cond.Wait()
		}
		cm.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		cm.mu.Lock()
		cancelled.Store(true)
		cm.cond.Broadcast()
		cm.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

func (cm *ConcurrentMark) setPhase(to MarkPhase) {
	cm.mu.Lock()
	from := MarkPhase(cm.phase.Swap(int32(to)))
	cm.cond.Broadcast()
	cm.mu.Unlock()
	if from == to {
		return
	}
	cm.log.Debug("phase %v -> %v", from, to)
	if cm.observer != nil {
		cm.observer(from, to)
	}
}

func (cm *ConcurrentMark) run() {
	defer cm.wg.Done()
	for {
		cm.mu.Lock()
		for !cm.startPending && !cm.stopped {
			cm.cond.Wait()
		}
		if cm.stopped {
			cm.mu.Unlock()
			if !cm.Idle() {
				cm.abortCycle()
			}
			return
		}
		cm.startPending = false
		cm.mu.Unlock()
		cm.cycle()
	}
}

// initialMark snapshots the heap for a new cycle. It runs at the end of an
// evacuation pause, after the collection set was freed: every old and
// humongous region gets its TAMS, the roots pointing below TAMS are marked,
// and the survivor and archive regions become root regions.
func (cm *ConcurrentMark) initialMark() {
	h := cm.h
	cm.aborted.Store(false)
	cm.restart = false
	cm.stack.Reset()
	cm.finger.Store(0)

	var roots []*Region
	h.regions.Iterate(RegionVisitorFunc(func(r *Region) bool {
		r.markedBytes.Store(0)
		switch r.State() {
		case RegionOld, RegionHumongousStart, RegionHumongousContinues:
			r.setTAMS(r.Top())
		case RegionSurvivor, RegionArchive:
			r.setTAMS(r.bottom)
			roots = append(roots, r)
		default:
			r.setTAMS(r.bottom)
		}
		return true
	}))
	h.handles.iterate(func(_ *atomic.Uint64, v Address) {
		if r := cm.markable(v); r != nil {
			cm.bitmap.Mark(v)
		}
	})
	// Old regions must not be evacuated while their marks are being built.
	h.policy.clearCandidates()
	h.satb.setActive(true)
	h.counters.cyclesStarted.Add(1)

	cm.mu.Lock()
	cm.rootRegions = roots
	cm.rootClaim.Store(0)
	cm.scanning = len(roots) > 0
	cm.startPending = true
	cm.mu.Unlock()
	cm.setPhase(MarkConcurrentCycle)
}

// markable returns the region of a when a is an object that marking
// traces: one in an old or humongous start region allocated before TAMS
func (cm *ConcurrentMark) markable(a Address) *Region {
	if a == 0 {
		return nil
	}
	r := cm.h.regions.RegionFor(a)
	switch r.State() {
	case RegionOld, RegionHumongousStart:
	default:
		return nil
	}
	if a >= r.TAMS() {
		return nil
	}
	return r
}

// waitRootRegionScan blocks until the root regions were scanned. Pauses
// call it before moving survivors.
func (cm *ConcurrentMark) waitRootRegionScan() {
	cm.mu.Lock()
	for cm.scanning {
		cm.cond.Wait()
	}
	cm.mu.Unlock()
}

// abort cancels the running cycle. The coordinator notices at its next
// check and unwinds to Idle. Called by full collections inside the pause.
func (cm *ConcurrentMark) abort() {
	if cm.Idle() {
		return
	}
	cm.aborted.Store(true)
	cm.concTerm.Abort()
	cm.h.satb.setActive(false)
	cm.h.satb.Discard()
	cm.log.Info("Concurrent Mark Abort")
}

func (cm *ConcurrentMark) cycle() {
	h := cm.h
	start := h.clock.Now()
	cm.log.Info("Concurrent Cycle")

	cm.setPhase(MarkScanRootRegions)
	cm.scanRootRegions()
	if cm.aborted.Load() {
		cm.abortCycle()
		return
	}

	for {
		cm.setPhase(MarkConcurrentMark)
		markStart := h.clock.Now()
		cm.markConcurrently()
		if cm.aborted.Load() {
			cm.abortCycle()
			return
		}
		cm.log.Info("Concurrent Mark %.3fms", msSince(h.clock, markStart))

		cm.throttle(h.policy.predictRemarkMs())
		if cm.aborted.Load() {
			cm.abortCycle()
			return
		}
		cm.setPhase(MarkRemark)
		if !cm.pause("remark", cm.remark) || cm.aborted.Load() {
			cm.abortCycle()
			return
		}
		if !cm.restart {
			break
		}
		cm.restart = false
	}

	cm.setPhase(MarkCreateLiveData)
	cm.createLiveData()
	if cm.aborted.Load() {
		cm.abortCycle()
		return
	}

	cm.throttle(h.policy.predictCleanupMs())
	if cm.aborted.Load() {
		cm.abortCycle()
		return
	}
	cm.setPhase(MarkCleanup)
	var freed []*Region
	ok := cm.pause("cleanup", func() { freed = cm.cleanup() })
	h.regions.AppendSecondary(freed, true)
	if !ok || cm.aborted.Load() {
		cm.abortCycle()
		return
	}

	cm.bitmap.clearAll()
	h.counters.cyclesCompleted.Add(1)
	cm.log.Info("Concurrent Cycle %.3fms", msSince(h.clock, start))
	cm.setPhase(MarkIdle)
}

// abortCycle discards the marking state and returns to Idle
func (cm *ConcurrentMark) abortCycle() {
	cm.mu.Lock()
	cm.scanning = false
	cm.rootRegions = nil
	cm.cond.Broadcast()
	cm.mu.Unlock()
	cm.bitmap.clearAll()
	cm.stack.Reset()
	cm.clearQueues()
	cm.h.counters.cyclesAborted.Add(1)
	cm.setPhase(MarkIdle)
}

func (cm *ConcurrentMark) clearQueues() {
	for i := 0; i < cm.queues.Len(); i++ {
		q := cm.queues.Queue(i)
		for {
			if _, ok := q.Pop(); !ok {
				break
			}
		}
	}
}

// pause runs fn as a stop-the-world operation. It reports false when the
// heap is shutting down.
func (cm *ConcurrentMark) pause(name string, fn func()) bool {
	h := cm.h
	op := &markPauseOp{h: h, name: name, fn: func() {
		start := h.clock.Now()
		fn()
		end := h.clock.Now()
		h.mmu.Add(start, end)
		h.counters.pauseTime.Add(int64(end.Sub(start)))
	}}
	if _, err := h.dispatcher.Submit(context.Background(), op); err != nil {
		cm.log.Debug("%s not run: %v", name, err)
		return false
	}
	return true
}

// throttle delays the next marking pause until it fits the pause time goal
func (cm *ConcurrentMark) throttle(predictedMs float64) {
	h := cm.h
	d := h.mmu.When(h.clock.Now(), msDuration(predictedMs))
	if d > 0 {
		cm.log.Debug("delaying pause by %v to meet the pause time goal", d)
		h.clock.Sleep(d)
	}
}

// scanRootRegions marks everything the root regions point to. It does not
// join the safepoint; pauses wait for it instead.
func (cm *ConcurrentMark) scanRootRegions() {
	h := cm.h
	cm.mu.Lock()
	roots := cm.rootRegions
	cm.mu.Unlock()
	if len(roots) > 0 {
		err := cm.gang.Run(context.Background(), func(_ context.Context, _ int) error {
			for !cm.aborted.Load() {
				i := cm.rootClaim.Add(1) - 1
				if i >= int64(len(roots)) {
					return nil
				}
				cm.scanRootRegion(roots[i])
			}
			return nil
		})
		h.check(err)
	}
	cm.mu.Lock()
	cm.scanning = false
	cm.rootRegions = nil
	cm.cond.Broadcast()
	cm.mu.Unlock()
}

func (cm *ConcurrentMark) scanRootRegion(r *Region) {
	h := cm.h
	top := r.Top()
	for a := r.bottom; a < top; {
		size := h.mem.objectSize(a)
		if size == 0 {
			return
		}
		if h.mem.load(a) != markOneWordFill {
			refs := klassRefs(h.mem.klass(a))
			for i := uint64(0); i < refs; i++ {
				if v := h.mem.loadRef(refSlot(a, i)); cm.markable(v) != nil {
					cm.bitmap.Mark(v)
				}
			}
		}
		a = a.Words(size)
	}
}

// markConcurrently runs the marking workers until the snapshot is traced
// or the cycle is aborted. A mark stack overflow restarts the sweep with a
// larger stack.
func (cm *ConcurrentMark) markConcurrently() {
	for {
		cm.prepareMarking(cm.concTerm)
		err := cm.gang.Run(context.Background(), func(_ context.Context, w int) error {
			cm.h.safepoint.Enter()
			defer cm.h.safepoint.Leave()
			cm.markWorker(w, true)
			return nil
		})
		cm.h.check(err)
		if cm.aborted.Load() || !cm.stack.Overflowed() {
			return
		}
		cm.log.Info("mark stack overflow during concurrent mark, restarting")
	}
}

// prepareMarking resets the termination protocol. After an overflow the
// stack grows and the sweep starts over from the bitmap.
func (cm *ConcurrentMark) prepareMarking(term *concurrency.Terminator) {
	if cm.stack.Overflowed() {
		if !cm.stack.Expand() {
			cm.log.Warn("mark stack at its maximum of %d entries", cm.stack.Capacity())
		}
		cm.stack.Reset()
		cm.clearQueues()
		cm.finger.Store(0)
	}
	term.Reset(term.Workers())
}

// markWorker drains SATB buffers, the local queue, the global stack and
// unclaimed regions until termination. Concurrent workers yield to pending
// pauses.
func (cm *ConcurrentMark) markWorker(w int, concurrent bool) {
	h := cm.h
	q := cm.queues.Queue(w)
	sp := h.safepoint
	term := cm.pauseTerm
	if concurrent {
		term = cm.concTerm
	}
	for {
		if cm.aborted.Load() || cm.stack.Overflowed() {
			return
		}
		if concurrent && sp.ShouldYield() {
			sp.Yield()
			continue
		}
		if !cm.drainLocal(q, concurrent) {
			continue
		}
		if buf, ok := h.satb.Dequeue(); ok {
			for _, a := range buf {
				cm.markAndPush(q, a)
			}
			continue
		}
		if chunk, ok := cm.stack.PopChunk(); ok {
			for _, e := range chunk {
				cm.processEntry(q, Address(e))
			}
			continue
		}
		if idx, ok := cm.claimRegion(); ok {
			cm.sweepRegion(q, idx, concurrent)
			continue
		}
		if e, ok := cm.queues.Steal(w); ok {
			cm.processEntry(q, Address(e))
			continue
		}
		if term.OfferTermination() {
			return
		}
	}
}

// drainLocal processes the local queue. It reports false when it stopped
// early to let the caller yield or bail out.
func (cm *ConcurrentMark) drainLocal(q *concurrency.TaskQueue, concurrent bool) bool {
	for n := 1; ; n++ {
		e, ok := q.Pop()
		if !ok {
			return true
		}
		cm.processEntry(q, Address(e))
		if n%markYieldStride == 0 && cm.shouldStop(concurrent) {
			return false
		}
	}
}

func (cm *ConcurrentMark) shouldStop(concurrent bool) bool {
	return cm.aborted.Load() || cm.stack.Overflowed() || (concurrent && cm.h.safepoint.ShouldYield())
}

// peek is the termination check: is there anything a waiting worker should
// come back for? Mutators keep filling SATB buffers during the concurrent
// phase, so only remark waits for them.
func (cm *ConcurrentMark) peek(concurrent bool) bool {
	if cm.shouldStop(concurrent) {
		return true
	}
	if !concurrent && cm.h.satb.Completed() > 0 {
		return true
	}
	return cm.queues.AnyStealable() || !cm.stack.Empty() || int(cm.finger.Load()) < cm.h.regions.Len()
}

func (cm *ConcurrentMark) claimRegion() (uint32, bool) {
	n := uint32(cm.h.regions.Len())
	for {
		f := cm.finger.Load()
		if f >= n {
			return 0, false
		}
		if cm.finger.CompareAndSwap(f, f+1) {
			return f, true
		}
	}
}

// sweepRegion traces every marked object of a claimed region
func (cm *ConcurrentMark) sweepRegion(q *concurrency.TaskQueue, idx uint32, concurrent bool) {
	h := cm.h
	r := h.regions.At(idx)
	state, tams := r.State(), r.TAMS()
	if (state != RegionOld && state != RegionHumongousStart) || tams == r.bottom {
		return
	}
	for a := r.bottom; a < tams; {
		a = cm.bitmap.NextMarked(a, tams)
		if a >= tams {
			return
		}
		cm.scanObject(q, a)
		a = a.Words(1)
		if !cm.drainLocal(q, concurrent) || cm.shouldStop(concurrent) {
			if cm.aborted.Load() || cm.stack.Overflowed() {
				return
			}
			if concurrent && h.safepoint.ShouldYield() {
				h.safepoint.Yield()
			}
			// The pause may have freed or reused the region.
			if r.State() != state || r.TAMS() != tams {
				return
			}
		}
	}
}

// markAndPush marks a and queues it for scanning when the sweep already
// passed its region
func (cm *ConcurrentMark) markAndPush(q *concurrency.TaskQueue, a Address) {
	r := cm.markable(a)
	if r == nil || !cm.bitmap.Mark(a) {
		return
	}
	if r.index < cm.finger.Load() {
		q.Push(uint64(a))
		if q.Size() > markSpillThreshold {
			cm.spill(q)
		}
	}
}

func (cm *ConcurrentMark) spill(q *concurrency.TaskQueue) {
	chunk := make([]uint64, 0, markChunk)
	for len(chunk) < markChunk {
		e, ok := q.Pop()
		if !ok {
			break
		}
		chunk = append(chunk, e)
	}
	if !cm.stack.PushChunk(chunk) {
		cm.log.Debug("mark stack overflow at %d entries", cm.stack.Capacity())
	}
}

// processEntry scans a queued object after checking that a pause did not
// free its region in the meantime
func (cm *ConcurrentMark) processEntry(q *concurrency.TaskQueue, a Address) {
	if cm.markable(a) == nil || !cm.bitmap.IsMarked(a) {
		return
	}
	cm.scanObject(q, a)
}

func (cm *ConcurrentMark) scanObject(q *concurrency.TaskQueue, a Address) {
	h := cm.h
	refs := klassRefs(h.mem.klass(a))
	for i := uint64(0); i < refs; i++ {
		cm.markAndPush(q, h.mem.loadRef(refSlot(a, i)))
	}
}

// remark finishes marking inside a pause: the remaining SATB buffers are
// traced, then weak handles to unmarked snapshot objects are cleared and
// the pre-write barrier is switched off. On overflow marking resumes
// concurrently with a larger stack.
func (cm *ConcurrentMark) remark() {
	h := cm.h
	if cm.aborted.Load() {
		return
	}
	var t phaseTimer
	t.begin(h.clock)
	h.flushMutators(false)
	cm.prepareMarking(cm.pauseTerm)
	err := h.gang.Run(context.Background(), func(_ context.Context, w int) error {
		cm.markWorker(w, false)
		return nil
	})
	h.check(err)

	if cm.stack.Overflowed() {
		cm.restart = true
		h.counters.remarkRestarts.Add(1)
		cm.log.Info("Pause Remark overflowed the mark stack, restarting marking")
		return
	}

	cleared := 0
	h.weak.iterate(func(slot *atomic.Uint64, v Address) {
		if cm.markable(v) != nil && !cm.bitmap.IsMarked(v) {
			slot.Store(0)
			cleared++
		}
	})
	h.satb.setActive(false)
	h.satb.Discard()

	ms := t.lap()
	h.policy.recordRemark(ms)
	cm.log.Info("Pause Remark %s %.3fms", cli.FormatBytes(h.usedBytes()), ms)
	if cleared > 0 {
		cm.log.Debug("cleared %d weak handles", cleared)
	}
}

// createLiveData totals the marked bytes of every region
func (cm *ConcurrentMark) createLiveData() {
	h := cm.h
	sp := h.safepoint
	sp.Enter()
	defer sp.Leave()
	for i := 0; i < h.regions.Len(); i++ {
		if cm.aborted.Load() {
			return
		}
		if sp.ShouldYield() {
			sp.Yield()
		}
		r := h.regions.At(uint32(i))
		var live uint64
		switch r.State() {
		case RegionOld:
			cm.bitmap.IterateMarked(r.bottom, r.TAMS(), func(a Address) bool {
				live += h.mem.objectSize(a) * WordSize
				return true
			})
		case RegionHumongousStart:
			if r.TAMS() > r.bottom && cm.bitmap.IsMarked(r.bottom) {
				live = klassSize(h.mem.klass(r.bottom)) * WordSize
			}
		}
		r.markedBytes.Store(live)
	}
}

// cleanup reclaims the regions marking found empty, scrubs the dead
// objects of the others and hands the old regions to the policy for mixed
// collections. Freed regions are returned; the caller appends them to the
// secondary free list after the pause.
func (cm *ConcurrentMark) cleanup() []*Region {
	h := cm.h
	if cm.aborted.Load() {
		return nil
	}
	var t phaseTimer
	t.begin(h.clock)
	usedBefore := h.usedBytes()

	var freed []*Region
	var candidates []CandidateRegion
	dead := make([]bool, h.regions.Len())
	for i := 0; i < h.regions.Len(); i++ {
		r := h.regions.At(uint32(i))
		switch r.State() {
		case RegionOld:
			live := r.markedBytes.Load() + uint64(r.Top()-r.TAMS())
			if live == 0 {
				dead[i] = true
				freed = append(freed, r)
				continue
			}
			cm.scrub(r)
			candidates = append(candidates, CandidateRegion{
				Index:            r.index,
				LiveBytes:        live,
				ReclaimableBytes: r.Used() - live,
				RemSetCards:      r.remSet.Occupied(),
			})
		case RegionHumongousStart:
			if r.TAMS() == r.bottom || cm.bitmap.IsMarked(r.bottom) {
				continue
			}
			for j := i; j < h.regions.Len() && h.regions.At(uint32(j)).humongousStart == r; j++ {
				dead[j] = true
				freed = append(freed, h.regions.At(uint32(j)))
			}
			h.counters.humongousFreed.Add(1)
		}
	}

	h.weak.iterate(func(slot *atomic.Uint64, v Address) {
		if dead[h.regions.RegionFor(v).index] {
			slot.Store(0)
		}
	})
	if len(freed) > 0 {
		h.regions.SetFreeRegionsComing()
	}
	for _, r := range freed {
		h.cards.setRange(r.bottom, r.end, CardClean)
		h.bot.reset(r.bottom, r.end)
		cm.bitmap.ClearRange(r.bottom, r.end)
		h.regions.detach(r)
	}
	h.policy.setCandidates(candidates, h.committedBytes())
	h.counters.cleanupReclaimed.Add(uint64(len(freed)))

	ms := t.lap()
	h.policy.recordCleanup(ms)
	cm.log.Info("Pause Cleanup %s->%s %.3fms", cli.FormatBytes(usedBefore), cli.FormatBytes(h.usedBytes()), ms)
	if len(freed) > 0 || len(candidates) > 0 {
		cm.log.Debug("reclaimed %d regions, %d old regions ranked, mixed phase %v",
			len(freed), len(candidates), h.policy.InMixedPhase())
	}
	return freed
}

// scrub turns the unmarked objects below TAMS into fillers so the region
// stays parsable without the bitmap
func (cm *ConcurrentMark) scrub(r *Region) {
	h := cm.h
	tams := r.TAMS()
	deadStart := Address(0)
	for a := r.bottom; a < tams; {
		size := h.mem.objectSize(a)
		if size == 0 {
			h.fatal(errUnparsable(r, a))
			return
		}
		next := a.Words(size)
		if cm.bitmap.IsMarked(a) {
			if deadStart != 0 {
				h.mem.fill(deadStart, a)
				h.bot.Record(deadStart, a)
				deadStart = 0
			}
		} else if deadStart == 0 {
			deadStart = a
		}
		a = next
	}
	if deadStart != 0 {
		h.mem.fill(deadStart, tams)
		h.bot.Record(deadStart, tams)
	}
}

func msSince(c Clock, start time.Time) float64 {
	return float64(c.Now().Sub(start)) / float64(time.Millisecond)
}
