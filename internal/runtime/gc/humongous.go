package gc

import (
	"context"

	"github.com/orizon-lang/regiongc/internal/cli"
)

// humongousRegions returns the number of regions an object of words spans
func (h *Heap) humongousRegions(words uint64) int {
	regionWords := h.regionSize / WordSize
	return int((words + regionWords - 1) / regionWords)
}

// allocateHumongous places an object of at least the humongous threshold
// in its own span of contiguous regions
func (m *Mutator) allocateHumongous(spec ObjectSpec, words uint64) (Handle, error) {
	h := m.heap
	n := h.humongousRegions(words)
	if n > h.regions.Len() {
		return 0, h.outOfMemory(words, "object larger than the heap")
	}
	// Start marking before the allocation pushes old occupancy past the
	// initiating threshold. A mutator in a critical section cannot wait for
	// the pause.
	if m.critical == 0 && h.cm.Idle() &&
		h.policy.needsConcurrentStart(h.oldBytes()+uint64(n)*h.regionSize, h.committedBytes()) {
		if err := h.Collect(context.Background(), CauseHumongousAllocation); err != nil {
			return 0, err
		}
	}

	lockerRetries := 0
	for attempt := 0; ; attempt++ {
		h.heapLock.Lock()
		h.safepoint.Enter()
		a, err := h.allocateHumongousLocked(spec, words, n)
		if err != nil {
			h.safepoint.Leave()
			h.heapLock.Unlock()
			return 0, err
		}
		if a != 0 {
			h.heapLock.Unlock()
			hd := Handle(h.handles.alloc(a))
			m.dirtyReferenceCards(a, uint64(spec.Refs))
			h.safepoint.Leave()
			h.counters.allocatedBytes.Add(words * WordSize)
			if h.logHeap.Enabled(cli.LevelDebug) {
				h.logHeap.Debug("humongous object %v of %s in %d regions", a, cli.FormatBytes(words*WordSize), n)
			}
			return hd, nil
		}
		gcCount := h.counters.total.Load()
		h.safepoint.Leave()
		h.heapLock.Unlock()

		if attempt >= maxAllocationAttempts {
			return 0, h.outOfMemory(words, "humongous allocation retries exhausted")
		}
		if err := h.waitForCollection(m, words, gcCount, n, &lockerRetries); err != nil {
			return 0, err
		}
	}
}

// allocateHumongousLocked claims n contiguous regions and lays out the
// object. The header is written first and the region tops are published
// last to first, so a scanner that sees the start region sees the whole
// object. Returns 0 when no span is available.
func (h *Heap) allocateHumongousLocked(spec ObjectSpec, words uint64, n int) (Address, error) {
	first, ok, err := h.regions.AllocateContiguous(n)
	if err != nil || !ok {
		return 0, err
	}
	start := h.regions.At(first)
	stamp := uint32(h.counters.total.Load())
	for i := 0; i < n; i++ {
		r := h.regions.At(first + uint32(i))
		r.humongousStart = start
		r.context = spec.Context
		r.gcTimeStamp = stamp
		r.setTAMS(r.bottom)
		h.cards.setRange(r.bottom, r.end, CardClean)
	}

	obj := start.bottom
	end := obj.Words(words)
	h.mem.initObject(obj, spec)
	last := h.regions.At(first + uint32(n-1))
	h.mem.fill(end, last.end)
	h.bot.Record(obj, end)

	for i := n - 1; i >= 0; i-- {
		r := h.regions.At(first + uint32(i))
		top := r.end
		if end < top {
			top = end
		}
		r.setTop(top)
	}
	for i := n - 1; i > 0; i-- {
		h.regions.At(first + uint32(i)).setState(RegionHumongousContinues)
	}
	start.setState(RegionHumongousStart)
	return obj, nil
}

// dirtyReferenceCards dirties and logs the cards covering the reference
// slots of a freshly allocated old-like object
func (m *Mutator) dirtyReferenceCards(obj Address, refs uint64) {
	if refs == 0 {
		return
	}
	h := m.heap
	first := h.cards.Index(refSlot(obj, 0))
	last := h.cards.Index(refSlot(obj, refs-1))
	for c := first; c <= last; c++ {
		if h.cards.DirtyCard(c) {
			m.enqueueCard(c)
		}
	}
}

// registerHumongousCandidates flags the humongous primitive arrays that
// may be reclaimed by this pause. A sparse remembered set is flushed back
// into the refinement queue so the update phase re-adds only the entries
// that still point at the object. Returns the number of candidates.
func (h *Heap) registerHumongousCandidates() int {
	cfg := h.Config()
	if !cfg.EagerReclaimHumongous {
		return 0
	}
	n := 0
	h.regions.Iterate(RegionVisitorFunc(func(r *Region) bool {
		if r.State() != RegionHumongousStart || klassKind(h.mem.klass(r.bottom)) != KindPrimitiveArray {
			return true
		}
		rs := r.remSet
		if !rs.IsEmpty() {
			if !cfg.EagerReclaimHumongousWithStaleRefs || !rs.IsSparse() {
				return true
			}
			buf := h.dirtyQ.NewBuffer()
			rs.Iterate(func(card uint64) bool {
				if h.cards.DirtyCard(card) {
					buf = append(buf, card)
					if len(buf) == cap(buf) {
						h.dirtyQ.Enqueue(buf)
						buf = h.dirtyQ.NewBuffer()
					}
				}
				return true
			})
			h.dirtyQ.Enqueue(buf)
			rs.Clear()
		}
		r.humongousCandidate.Store(true)
		n++
		return true
	}))
	return n
}

// selectHumongousReclaim keeps the candidate flag only on objects that no
// root, evacuated object or scanned card referenced and whose remembered
// set is still empty, and returns them
func (h *Heap) selectHumongousReclaim() []*Region {
	var out []*Region
	h.regions.Iterate(RegionVisitorFunc(func(r *Region) bool {
		if !r.humongousCandidate.Load() {
			return true
		}
		if r.State() != RegionHumongousStart || !r.remSet.IsEmpty() {
			r.humongousCandidate.Store(false)
			return true
		}
		out = append(out, r)
		return true
	}))
	return out
}

// reclaimHumongous frees the selected objects and returns the number of
// regions freed
func (h *Heap) reclaimHumongous(list []*Region) int {
	n := 0
	for _, r := range list {
		h.cm.bitmap.Clear(r.bottom)
		n += h.freeHumongous(r)
	}
	if len(list) > 0 {
		h.counters.humongousFreed.Add(uint64(len(list)))
		h.logHeap.Debug("eagerly reclaimed %d humongous objects (%d regions)", len(list), n)
	}
	return n
}
