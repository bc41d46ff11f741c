package gc

import (
	"fmt"

	"github.com/orizon-lang/regiongc/internal/cli"
)

// archiveAllocator bump-allocates archive objects into dedicated regions.
// Guarded by the heap lock.
type archiveAllocator struct {
	sealed  bool
	current *Region
	regions int
}

func (aa *archiveAllocator) allocate(h *Heap, words uint64) Address {
	if aa.current != nil {
		if a := aa.current.casTop(words); a != 0 {
			return a
		}
	}
	r := h.regions.AllocateFreeRegion(RegionArchive, 0)
	if r == nil {
		if n, err := h.regions.Expand(h.regionSize); err != nil || n == 0 {
			return 0
		}
		if r = h.regions.AllocateFreeRegion(RegionArchive, 0); r == nil {
			return 0
		}
	}
	h.cards.setRange(r.bottom, r.end, CardClean)
	r.setTAMS(r.bottom)
	aa.current = r
	aa.regions++
	return r.casTop(words)
}

// AllocateArchive creates an object in a pinned archive region. Archive
// objects are never moved or reclaimed; they act as roots for every
// collection. Allowed until SealArchive.
func (h *Heap) AllocateArchive(spec ObjectSpec) (Handle, error) {
	if h.closed.Load() {
		return 0, ErrClosed
	}
	if err := spec.validate(); err != nil {
		return 0, invalidSpec(err)
	}
	words := spec.SizeWords()
	if words > h.regionSize/WordSize {
		return 0, invalidSpec(fmt.Errorf("gc: archive object of %d words does not fit a region", words))
	}
	h.heapLock.Lock()
	defer h.heapLock.Unlock()
	h.safepoint.Enter()
	defer h.safepoint.Leave()
	if h.archive.sealed {
		return 0, ErrArchiveSealed
	}
	a := h.archive.allocate(h, words)
	if a == 0 {
		return 0, h.outOfMemory(words, "no region left for the archive")
	}
	h.mem.initObject(a, spec)
	h.bot.Record(a, a.Words(words))
	h.counters.allocatedBytes.Add(words * WordSize)
	return Handle(h.handles.alloc(a)), nil
}

// SealArchive ends archive allocation
func (h *Heap) SealArchive() {
	h.heapLock.Lock()
	defer h.heapLock.Unlock()
	if h.archive.sealed {
		return
	}
	h.archive.sealed = true
	used := uint64(0)
	if r := h.archive.current; r != nil {
		used = r.Used()
	}
	h.archive.current = nil
	h.logHeap.Info("archive sealed: %d regions, last one %s used", h.archive.regions, cli.FormatBytes(used))
}
