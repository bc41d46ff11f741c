package gc

import (
	"context"
	"sync/atomic"
)

// failureRecord remembers the original mark word of an object that could
// not be evacuated and was forwarded to itself
type failureRecord struct {
	obj  Address
	mark uint64
}

// failEvacuation forwards obj to itself, retains its region and scans it
// in place. If another worker forwarded obj first, that copy wins.
func (w *evacWorker) failEvacuation(from *Region, obj Address, mark uint64) Address {
	h := w.h
	if !h.mem.cas(obj, mark, forwardingMark(obj)) {
		return forwardee(h.mem.load(obj))
	}
	w.failures = append(w.failures, failureRecord{obj: obj, mark: mark})
	if !from.evacFailed.Swap(true) {
		w.e.failedMu.Lock()
		w.e.failedRegions = append(w.e.failedRegions, from)
		w.e.failedMu.Unlock()
		h.logHeap.Debug("evacuation failed in %v", from)
	}
	w.scanObject(obj)
	return obj
}

// removeSelfForwards turns every region that failed evacuation back into a
// parsable old region on the pause workers
func (h *Heap) removeSelfForwards(e *evacuation) {
	byRegion := make(map[uint32]map[Address]uint64, len(e.failedRegions))
	for _, w := range e.workers {
		for _, f := range w.failures {
			idx := h.regions.RegionFor(f.obj).index
			m := byRegion[idx]
			if m == nil {
				m = make(map[Address]uint64)
				byRegion[idx] = m
			}
			m[f.obj] = f.mark
		}
		w.failures = nil
	}
	var claim atomic.Int64
	err := h.gang.Run(context.Background(), func(_ context.Context, _ int) error {
		for {
			i := claim.Add(1) - 1
			if i >= int64(len(e.failedRegions)) {
				return nil
			}
			r := e.failedRegions[i]
			h.fixupFailedRegion(r, byRegion[r.index])
		}
	})
	h.check(err)
}

// fixupFailedRegion restores the marks of the objects in live and turns
// every other block below top into a filler, so the region no longer
// holds forwarding pointers or stale copies. The region becomes old.
// Running it twice leaves the region unchanged.
func (h *Heap) fixupFailedRegion(r *Region, live map[Address]uint64) {
	top := r.Top()
	for a := r.bottom; a < top; {
		size := h.mem.objectSize(a)
		if size == 0 {
			h.fatal(errUnparsable(r, a))
			return
		}
		next := a.Words(size)
		if mark, ok := live[a]; ok {
			h.mem.store(a, mark)
		} else {
			h.mem.fill(a, next)
		}
		a = next
	}
	h.cards.setRange(r.bottom, r.end, CardClean)
	r.setState(RegionOld)
	h.bot.rebuild(r)
}
