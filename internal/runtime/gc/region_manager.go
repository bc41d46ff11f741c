package gc

import (
	"fmt"
	"sort"
	"sync"

	gcerrors "github.com/orizon-lang/regiongc/internal/errors"
	"github.com/orizon-lang/regiongc/internal/runtime/vmem"
)

// RegionManager owns the partition of the reservation into regions and the
// free lists. Young regions are handed out from the low end of the heap and
// old regions from the high end so that humongous spans find room in
// between.
type RegionManager struct {
	regions       []*Region
	regionSize    uint64
	logRegionSize uint
	mem           *heapMemory
	mapping       vmem.Mapping

	freeMu sync.Mutex
	free   []uint32 // sorted region indices of committed free regions

	secondaryMu   sync.Mutex
	secondaryCond *sync.Cond
	secondary     []*Region
	coming        bool
}

// RegionCounts is a census of regions by state
type RegionCounts struct {
	Free               int
	Eden               int
	Survivor           int
	Old                int
	Archive            int
	HumongousStart     int
	HumongousContinues int
	Committed          int
	Uncommitted        int
}

// Humongous returns the number of regions held by humongous objects
func (c RegionCounts) Humongous() int { return c.HumongousStart + c.HumongousContinues }

// Young returns the number of Eden and Survivor regions
func (c RegionCounts) Young() int { return c.Eden + c.Survivor }

// Used returns the number of committed regions that are not free
func (c RegionCounts) Used() int { return c.Committed - c.Free }

func newRegionManager(mem *heapMemory, regionSize uint64, numRegions int, remSetFor func(i uint32) *RememberedSet) *RegionManager {
	rm := &RegionManager{
		regions:    make([]*Region, numRegions),
		regionSize: regionSize,
		mem:        mem,
		mapping:    mem.mapping,
	}
	for regionSize>>rm.logRegionSize > 1 {
		rm.logRegionSize++
	}
	rm.secondaryCond = sync.NewCond(&rm.secondaryMu)
	for i := range rm.regions {
		bottom := mem.base + Address(uint64(i)*regionSize)
		r := &Region{index: uint32(i), bottom: bottom, end: bottom + Address(regionSize), remSet: remSetFor(uint32(i))}
		r.setTop(bottom)
		r.setTAMS(bottom)
		rm.regions[i] = r
	}
	return rm
}

// Len returns the number of regions in the reservation
func (rm *RegionManager) Len() int { return len(rm.regions) }

// RegionSize returns the region size in bytes
func (rm *RegionManager) RegionSize() uint64 { return rm.regionSize }

// At returns region i
func (rm *RegionManager) At(i uint32) *Region { return rm.regions[i] }

// RegionFor returns the region containing a
func (rm *RegionManager) RegionFor(a Address) *Region {
	return rm.regions[uint64(a-rm.mem.base)>>rm.logRegionSize]
}

// RegionForCard returns the region containing card
func (rm *RegionManager) RegionForCard(card uint64) *Region {
	return rm.regions[card>>(rm.logRegionSize-LogCardSize)]
}

// Iterate applies v to every region in index order
func (rm *RegionManager) Iterate(v RegionVisitor) {
	for _, r := range rm.regions {
		if !v.Visit(r) {
			return
		}
	}
}

func (rm *RegionManager) insertFreeLocked(r *Region) {
	i := sort.Search(len(rm.free), func(i int) bool { return rm.free[i] >= r.index })
	rm.free = append(rm.free, 0)
	copy(rm.free[i+1:], rm.free[i:])
	rm.free[i] = r.index
	r.onFreeList = true
}

func (rm *RegionManager) removeFreeLocked(idx uint32) {
	i := sort.Search(len(rm.free), func(i int) bool { return rm.free[i] >= idx })
	if i < len(rm.free) && rm.free[i] == idx {
		rm.free = append(rm.free[:i], rm.free[i+1:]...)
		rm.regions[idx].onFreeList = false
	}
}

// drainSecondaryLocked moves regions released by concurrent cleanup onto
// the primary list
func (rm *RegionManager) drainSecondaryLocked() {
	rm.secondaryMu.Lock()
	list := rm.secondary
	rm.secondary = nil
	rm.secondaryMu.Unlock()
	for _, r := range list {
		rm.insertFreeLocked(r)
	}
}

// AllocateFreeRegion claims a free region for state. It returns nil when
// no committed free region is left; it never blocks.
func (rm *RegionManager) AllocateFreeRegion(state RegionState, context uint8) *Region {
	rm.freeMu.Lock()
	defer rm.freeMu.Unlock()
	if len(rm.free) == 0 {
		rm.drainSecondaryLocked()
	}
	if len(rm.free) == 0 {
		return nil
	}
	var idx uint32
	switch state {
	case RegionEden, RegionSurvivor:
		idx = rm.free[0]
		rm.free = rm.free[1:]
	default:
		idx = rm.free[len(rm.free)-1]
		rm.free = rm.free[:len(rm.free)-1]
	}
	r := rm.regions[idx]
	r.onFreeList = false
	r.context = context
	r.setState(state)
	return r
}

// AllocateContiguous claims n adjacent regions, committing uncommitted ones
// as needed. The regions are returned still in the Free state. ok is false
// when no such span exists.
func (rm *RegionManager) AllocateContiguous(n int) (first uint32, ok bool, err error) {
	if n <= 0 {
		return 0, false, nil
	}
	rm.freeMu.Lock()
	defer rm.freeMu.Unlock()
	rm.drainSecondaryLocked()

	start, run := -1, 0
	// Prefer a span of committed regions, then accept uncommitted ones.
	for pass := 0; pass < 2 && start < 0; pass++ {
		run = 0
		for i, r := range rm.regions {
			usable := r.onFreeList || (pass == 1 && !r.committed)
			if !usable {
				run = 0
				continue
			}
			run++
			if run == n {
				start = i - n + 1
				break
			}
		}
	}
	if start < 0 {
		return 0, false, nil
	}
	// Commit the whole span before claiming any of it. Regions committed
	// before a failure are kept and go on the free list.
	span := rm.regions[start : start+n]
	for i, r := range span {
		if r.onFreeList || r.committed {
			continue
		}
		if err := rm.commitLocked(r); err != nil {
			for _, c := range span[:i] {
				if c.committed && !c.onFreeList {
					rm.insertFreeLocked(c)
				}
			}
			return 0, false, err
		}
	}
	for _, r := range span {
		if r.onFreeList {
			rm.removeFreeLocked(r.index)
		}
	}
	return uint32(start), true, nil
}

// CanAllocateContiguous reports whether AllocateContiguous(n) would find a
// span, counting regions that could still be committed
func (rm *RegionManager) CanAllocateContiguous(n int) bool {
	rm.freeMu.Lock()
	defer rm.freeMu.Unlock()
	rm.drainSecondaryLocked()
	run := 0
	for _, r := range rm.regions {
		if !r.onFreeList && r.committed {
			run = 0
			continue
		}
		if run++; run >= n {
			return true
		}
	}
	return false
}

func (rm *RegionManager) commitLocked(r *Region) error {
	off := uint64(r.bottom - rm.mem.base)
	if err := rm.mapping.Commit(off, rm.regionSize); err != nil {
		return gcerrors.SystemFailure(fmt.Sprintf("commit region %d", r.index), err)
	}
	r.committed = true
	return nil
}

// Expand commits enough uncommitted regions to cover bytes, rounded up to
// whole regions, and puts them on the free list. It returns the number of
// regions committed.
func (rm *RegionManager) Expand(bytes uint64) (int, error) {
	want := int((bytes + rm.regionSize - 1) / rm.regionSize)
	rm.freeMu.Lock()
	defer rm.freeMu.Unlock()
	n := 0
	for _, r := range rm.regions {
		if n == want {
			break
		}
		if r.committed {
			continue
		}
		if err := rm.commitLocked(r); err != nil {
			return n, err
		}
		rm.insertFreeLocked(r)
		n++
	}
	return n, nil
}

// Shrink uncommits up to bytes worth of free regions, highest index first,
// and returns the number of regions uncommitted.
func (rm *RegionManager) Shrink(bytes uint64) (int, error) {
	want := int(bytes / rm.regionSize)
	rm.freeMu.Lock()
	defer rm.freeMu.Unlock()
	n := 0
	for n < want && len(rm.free) > 0 {
		idx := rm.free[len(rm.free)-1]
		r := rm.regions[idx]
		off := uint64(r.bottom - rm.mem.base)
		if err := rm.mapping.Uncommit(off, rm.regionSize); err != nil {
			return n, gcerrors.SystemFailure(fmt.Sprintf("uncommit region %d", idx), err)
		}
		rm.free = rm.free[:len(rm.free)-1]
		r.onFreeList = false
		r.committed = false
		n++
	}
	return n, nil
}

// ReturnRegion puts an emptied region back on the primary free list. The
// region's memory is zeroed so fresh allocations start from zero words.
func (rm *RegionManager) ReturnRegion(r *Region) {
	rm.scrub(r)
	rm.freeMu.Lock()
	rm.insertFreeLocked(r)
	rm.freeMu.Unlock()
}

func (rm *RegionManager) scrub(r *Region) {
	top := r.Top()
	if r.humongousStart != nil {
		// the tail filler of the last region sits above top
		top = r.end
	}
	rm.mem.clear(r.bottom, top)
	r.reset()
}

// SetFreeRegionsComing announces that cleanup will append regions to the
// secondary list shortly
func (rm *RegionManager) SetFreeRegionsComing() {
	rm.secondaryMu.Lock()
	rm.coming = true
	rm.secondaryMu.Unlock()
}

// detach frees r inside a pause without clearing its memory. Top is left
// at the end of the dirty range for AppendSecondary to clear.
func (rm *RegionManager) detach(r *Region) {
	limit := r.Top()
	if r.humongousStart != nil {
		limit = r.end
	}
	r.reset()
	r.setTop(limit)
}

// AppendSecondary clears the memory of regions detached by a pause and
// hands them to the allocator. It ends the "coming" announcement when last
// is set.
func (rm *RegionManager) AppendSecondary(list []*Region, last bool) {
	for _, r := range list {
		rm.mem.clear(r.bottom, r.Top())
		r.setTop(r.bottom)
	}
	rm.secondaryMu.Lock()
	rm.secondary = append(rm.secondary, list...)
	if last {
		rm.coming = false
	}
	rm.secondaryMu.Unlock()
	rm.secondaryCond.Broadcast()
}

// WaitWhileFreeRegionsComing blocks while cleanup still owes regions to the
// secondary list. It reports whether it had to wait.
func (rm *RegionManager) WaitWhileFreeRegionsComing() bool {
	rm.secondaryMu.Lock()
	defer rm.secondaryMu.Unlock()
	waited := false
	for rm.coming {
		waited = true
		rm.secondaryCond.Wait()
	}
	return waited
}

// FreeRegionsComing reports whether cleanup still owes regions
func (rm *RegionManager) FreeRegionsComing() bool {
	rm.secondaryMu.Lock()
	defer rm.secondaryMu.Unlock()
	return rm.coming
}

// FreeCount returns the number of regions on both free lists
func (rm *RegionManager) FreeCount() int {
	rm.freeMu.Lock()
	n := len(rm.free)
	rm.freeMu.Unlock()
	rm.secondaryMu.Lock()
	n += len(rm.secondary)
	rm.secondaryMu.Unlock()
	return n
}

// AvailableCount returns the free regions plus the regions that could still
// be committed
func (rm *RegionManager) AvailableCount() int {
	rm.freeMu.Lock()
	n := len(rm.free)
	for _, r := range rm.regions {
		if !r.committed {
			n++
		}
	}
	rm.freeMu.Unlock()
	rm.secondaryMu.Lock()
	n += len(rm.secondary)
	rm.secondaryMu.Unlock()
	return n
}

// Counts takes a census of the regions. It is exact only at a safepoint or
// when no allocation is running.
func (rm *RegionManager) Counts() RegionCounts {
	var c RegionCounts
	rm.freeMu.Lock()
	defer rm.freeMu.Unlock()
	for _, r := range rm.regions {
		if !r.committed {
			c.Uncommitted++
			continue
		}
		c.Committed++
		switch r.State() {
		case RegionFree:
			c.Free++
		case RegionEden:
			c.Eden++
		case RegionSurvivor:
			c.Survivor++
		case RegionOld:
			c.Old++
		case RegionArchive:
			c.Archive++
		case RegionHumongousStart:
			c.HumongousStart++
		case RegionHumongousContinues:
			c.HumongousContinues++
		}
	}
	return c
}

// CommittedCount returns the number of committed regions
func (rm *RegionManager) CommittedCount() int {
	rm.freeMu.Lock()
	defer rm.freeMu.Unlock()
	n := 0
	for _, r := range rm.regions {
		if r.committed {
			n++
		}
	}
	return n
}

// VerifyFreeList checks that the free lists and region states agree
func (rm *RegionManager) VerifyFreeList() error {
	rm.freeMu.Lock()
	defer rm.freeMu.Unlock()
	rm.secondaryMu.Lock()
	defer rm.secondaryMu.Unlock()
	onList := make(map[uint32]bool, len(rm.free)+len(rm.secondary))
	for i, idx := range rm.free {
		if i > 0 && rm.free[i-1] >= idx {
			return gcerrors.RegionAccounting("free list not sorted", map[string]interface{}{"index": idx})
		}
		onList[idx] = true
	}
	for _, r := range rm.secondary {
		if onList[r.index] {
			return gcerrors.RegionAccounting("region on both free lists", map[string]interface{}{"index": r.index})
		}
		onList[r.index] = true
	}
	for _, r := range rm.regions {
		if onList[r.index] && (!r.IsFree() || !r.committed) {
			return gcerrors.RegionAccounting("non-free region on free list",
				map[string]interface{}{"index": r.index, "state": r.State().String()})
		}
		if r.IsFree() && r.committed && !onList[r.index] && !rm.coming {
			return gcerrors.RegionAccounting("free region missing from free lists", map[string]interface{}{"index": r.index})
		}
	}
	return nil
}
