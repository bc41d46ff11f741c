package gc

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/orizon-lang/regiongc/internal/cli"
)

// fullCollection is the stop-the-world fallback: mark from all roots, then
// slide every live object of the eden, survivor and old regions towards
// the bottom of the heap. Humongous and archive objects stay in place. It
// aborts a running marking cycle and resizes the heap afterwards.
func (h *Heap) fullCollection(cause Cause) {
	start := h.clock.Now()
	var t phaseTimer
	t.begin(h.clock)
	usedBefore := h.usedBytes()

	h.cm.waitRootRegionScan()
	h.cm.abort()
	h.pausePrologue()
	h.dirtyQ.Discard()
	h.hotCards.Clear()
	h.satb.setActive(false)
	h.satb.Discard()

	compactable := make([]bool, h.regions.Len())
	var order []*Region
	h.regions.Iterate(RegionVisitorFunc(func(r *Region) bool {
		switch r.State() {
		case RegionEden, RegionSurvivor, RegionOld:
			compactable[r.index] = true
			order = append(order, r)
		}
		return true
	}))

	h.fullMark()
	h.weak.iterate(func(slot *atomic.Uint64, v Address) {
		if !h.fullBitmap.IsMarked(v) {
			slot.Store(0)
		}
	})
	markMs := t.lap()

	newTops := h.computeForwarding(order)
	h.adjustPointers(order, compactable)
	adjustMs := t.lap()
	h.compact(order)

	freedRegions := 0
	for _, r := range order {
		top := newTops[r.index]
		if top == r.bottom {
			h.freeRegion(r)
			freedRegions++
			continue
		}
		h.mem.clear(top, r.Top())
		r.setTop(top)
		r.setState(RegionOld)
		r.evacFailed.Store(false)
		h.bot.rebuild(r)
	}
	h.regions.Iterate(RegionVisitorFunc(func(r *Region) bool {
		if r.State() == RegionHumongousStart && !h.fullBitmap.IsMarked(r.bottom) {
			freedRegions += h.freeHumongous(r)
			h.counters.humongousFreed.Add(1)
		}
		return true
	}))
	h.cards.clearAll()
	h.rebuildRemSets()
	compactMs := t.lap()

	h.fullBitmap.clearAll()
	h.regions.Iterate(RegionVisitorFunc(func(r *Region) bool {
		r.setTAMS(r.bottom)
		r.humongousCandidate.Store(false)
		return true
	}))
	h.policy.clearCandidates()
	h.edenRegions = 0
	h.resizeAfterFull()

	committed := h.regions.CommittedCount()
	h.policy.recomputeYoungTarget(committed, 0, h.regions.AvailableCount())
	h.counters.full.Add(1)
	h.counters.total.Add(1)

	end := h.clock.Now()
	pt := PhaseTimes{
		Kind:    "full",
		Cause:   cause.String(),
		TotalMs: float64(end.Sub(start)) / float64(time.Millisecond),
	}
	h.mmu.Add(start, end)
	h.counters.recordPause(pt, end.Sub(start))
	h.log.Info("Pause Full (%s) %s->%s(%s) %.3fms", cause,
		cli.FormatBytes(usedBefore), cli.FormatBytes(h.usedBytes()),
		cli.FormatBytes(uint64(committed)*h.regionSize), pt.TotalMs)
	h.logPhases.Debug("mark %.3fms, forward+adjust %.3fms, compact %.3fms, %d regions freed",
		markMs, adjustMs, compactMs, freedRegions)
}

// fullMark marks everything reachable from the strong handles and the
// archive regions in the full collection bitmap
func (h *Heap) fullMark() {
	var stack []Address
	push := func(a Address) {
		if a != 0 && h.fullBitmap.Mark(a) {
			stack = append(stack, a)
		}
	}
	h.handles.iterate(func(_ *atomic.Uint64, v Address) { push(v) })
	h.regions.Iterate(RegionVisitorFunc(func(r *Region) bool {
		if r.State() == RegionArchive {
			h.walkObjects(r, r.Top(), func(a Address) { push(a) })
		}
		return true
	}))
	for len(stack) > 0 {
		a := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		refs := klassRefs(h.mem.klass(a))
		for i := uint64(0); i < refs; i++ {
			push(h.mem.loadRef(refSlot(a, i)))
		}
	}
}

// walkObjects calls fn for every object (not filler) in [bottom, limit)
func (h *Heap) walkObjects(r *Region, limit Address, fn func(a Address)) {
	for a := r.bottom; a < limit; {
		if h.mem.load(a) == markOneWordFill {
			a = a.Words(1)
			continue
		}
		k := h.mem.klass(a)
		size := klassSize(k)
		if size == 0 {
			h.fatal(errUnparsable(r, a))
			return
		}
		if klassKind(k) != KindFiller {
			fn(a)
		}
		a = a.Words(size)
	}
}

// computeForwarding assigns every live object its destination, packing
// them into the regions of order from the first one on. The forwarding
// address goes into the mark word. Returns the new top of every region.
func (h *Heap) computeForwarding(order []*Region) map[uint32]Address {
	tops := make(map[uint32]Address, len(order))
	if len(order) == 0 {
		return tops
	}
	di := 0
	dst := order[0].bottom
	for _, r := range order {
		tops[r.index] = r.bottom
		h.fullBitmap.IterateMarked(r.bottom, r.Top(), func(a Address) bool {
			size := klassSize(h.mem.klass(a))
			for order[di].end-dst < Address(size<<LogWordSize) {
				tops[order[di].index] = dst
				di++
				dst = order[di].bottom
			}
			h.mem.store(a, forwardingMark(dst))
			dst = dst.Words(size)
			return true
		})
	}
	tops[order[di].index] = dst
	return tops
}

// adjustPointers rewrites every reference to a compacted object with its
// forwarding address: in live objects, handles and weak handles
func (h *Heap) adjustPointers(order []*Region, compactable []bool) {
	adjust := func(slot Address) {
		v := h.mem.loadRef(slot)
		if v != 0 && compactable[h.regions.RegionFor(v).index] {
			h.mem.store(slot, uint64(forwardee(h.mem.load(v))))
		}
	}
	adjustObject := func(a Address) {
		refs := klassRefs(h.mem.klass(a))
		for i := uint64(0); i < refs; i++ {
			adjust(refSlot(a, i))
		}
	}
	for _, r := range order {
		h.fullBitmap.IterateMarked(r.bottom, r.Top(), func(a Address) bool {
			adjustObject(a)
			return true
		})
	}
	h.regions.Iterate(RegionVisitorFunc(func(r *Region) bool {
		switch r.State() {
		case RegionHumongousStart:
			if h.fullBitmap.IsMarked(r.bottom) {
				adjustObject(r.bottom)
			}
		case RegionArchive:
			h.walkObjects(r, r.Top(), adjustObject)
		}
		return true
	}))
	roots := func(slot *atomic.Uint64, v Address) {
		if compactable[h.regions.RegionFor(v).index] {
			slot.Store(uint64(forwardee(h.mem.load(v))))
		}
	}
	h.handles.iterate(roots)
	h.weak.iterate(roots)
}

// compact moves every live object to its forwarding address. Objects are
// visited in address order and never move up, so a move never overwrites
// an object that has not moved yet.
func (h *Heap) compact(order []*Region) {
	for _, r := range order {
		h.fullBitmap.IterateMarked(r.bottom, r.Top(), func(a Address) bool {
			to := forwardee(h.mem.load(a))
			size := klassSize(h.mem.klass(a))
			if to != a {
				h.mem.copyWords(to.Words(1), a.Words(1), size-1)
			}
			h.mem.store(to, unlockedMark(0))
			return true
		})
	}
}

// rebuildRemSets recomputes every remembered set from the references held
// by old-like regions, on the pause workers
func (h *Heap) rebuildRemSets() {
	h.regions.Iterate(RegionVisitorFunc(func(r *Region) bool {
		r.remSet.Clear()
		return true
	}))
	var claim atomic.Int64
	n := int64(h.regions.Len())
	err := h.gang.Run(context.Background(), func(_ context.Context, _ int) error {
		for {
			i := claim.Add(1) - 1
			if i >= n {
				return nil
			}
			r := h.regions.At(uint32(i))
			switch r.State() {
			case RegionOld, RegionArchive, RegionHumongousStart:
			default:
				continue
			}
			h.walkObjects(r, r.Top(), func(a Address) {
				refs := klassRefs(h.mem.klass(a))
				for j := uint64(0); j < refs; j++ {
					slot := refSlot(a, j)
					v := h.mem.loadRef(slot)
					if v == 0 {
						continue
					}
					from, to := h.regions.RegionFor(slot), h.regions.RegionFor(v)
					if from == to || (from.humongousStart != nil && from.humongousStart == to.humongousStart) {
						continue
					}
					to.remSet.Add(h.cards.Index(slot))
				}
			})
		}
	})
	h.check(err)
}

// resizeAfterFull grows or shrinks the committed heap so the free share
// stays between the configured ratios. It never shrinks below the initial
// size.
func (h *Heap) resizeAfterFull() {
	cfg := h.Config()
	used := h.usedBytes()
	committed := h.committedBytes()
	minCommitted := used
	if cfg.MinHeapFreeRatio < 100 {
		minCommitted = used * 100 / uint64(100-cfg.MinHeapFreeRatio)
	}
	switch {
	case committed < minCommitted:
		n, err := h.regions.Expand(minCommitted - committed)
		if err != nil {
			h.logHeap.Warn("heap expansion after full collection failed: %v", err)
			return
		}
		if n > 0 {
			h.logHeap.Info("expanded heap by %d regions", n)
		}
	case cfg.MaxHeapFreeRatio < 100:
		maxCommitted := used * 100 / uint64(100-cfg.MaxHeapFreeRatio)
		if maxCommitted < cfg.InitialHeapSize {
			maxCommitted = cfg.InitialHeapSize
		}
		if committed <= maxCommitted {
			return
		}
		n, err := h.regions.Shrink(committed - maxCommitted)
		if err != nil {
			h.logHeap.Warn("heap shrink after full collection failed: %v", err)
			return
		}
		if n > 0 {
			h.logHeap.Info("shrank heap by %d regions", n)
		}
	}
}
