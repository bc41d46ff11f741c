package gc

import (
	"fmt"
	"sync/atomic"
)

// RegionState is the role a region currently plays
type RegionState uint32

const (
	RegionFree RegionState = iota
	RegionEden
	RegionSurvivor
	RegionOld
	RegionArchive
	RegionHumongousStart
	RegionHumongousContinues
)

func (s RegionState) String() string {
	switch s {
	case RegionFree:
		return "Free"
	case RegionEden:
		return "Eden"
	case RegionSurvivor:
		return "Survivor"
	case RegionOld:
		return "Old"
	case RegionArchive:
		return "Archive"
	case RegionHumongousStart:
		return "HumongousStart"
	case RegionHumongousContinues:
		return "HumongousContinues"
	default:
		return fmt.Sprintf("RegionState(%d)", uint32(s))
	}
}

// Region represents one fixed-size slice of the heap
type Region struct {
	index  uint32  // Position in the region table
	bottom Address // First address
	end    Address // One past the last address

	top   atomic.Uint64 // Allocation pointer, bottom <= top <= end
	state atomic.Uint32 // RegionState

	context        uint8   // Allocation context bound at claim time
	humongousStart *Region // Start region of the span, for humongous regions
	remSet         *RememberedSet

	tams        atomic.Uint64 // Top at mark start
	markedBytes atomic.Uint64 // Bytes marked below TAMS by the last cycle
	gcTimeStamp uint32        // Pause count when the region was claimed
	scanTop     atomic.Uint64 // Card scanning limit for the current pause

	inCSet             atomic.Bool
	evacFailed         atomic.Bool
	humongousCandidate atomic.Bool

	committed  bool // Guarded by the region manager's free lock
	onFreeList bool // Guarded by the region manager's free lock

	// Set by cleanup ranking
	gcEfficiency float64
	reclaimable  uint64
}

func (r *Region) Index() uint32          { return r.index }
func (r *Region) Bottom() Address        { return r.bottom }
func (r *Region) End() Address           { return r.end }
func (r *Region) Top() Address           { return Address(r.top.Load()) }
func (r *Region) State() RegionState     { return RegionState(r.state.Load()) }
func (r *Region) Context() uint8         { return r.context }
func (r *Region) TAMS() Address          { return Address(r.tams.Load()) }
func (r *Region) RemSet() *RememberedSet { return r.remSet }

func (r *Region) setTop(a Address)       { r.top.Store(uint64(a)) }
func (r *Region) setState(s RegionState) { r.state.Store(uint32(s)) }
func (r *Region) setTAMS(a Address)      { r.tams.Store(uint64(a)) }

// Used returns the allocated bytes of the region
func (r *Region) Used() uint64 { return uint64(r.Top() - r.bottom) }

// Free returns the bytes left above top
func (r *Region) Free() uint64 { return uint64(r.end - r.Top()) }

func (r *Region) IsFree() bool    { return r.State() == RegionFree }
func (r *Region) IsArchive() bool { return r.State() == RegionArchive }
func (r *Region) IsOld() bool     { return r.State() == RegionOld }

func (r *Region) IsYoung() bool {
	s := r.State()
	return s == RegionEden || s == RegionSurvivor
}

func (r *Region) IsHumongous() bool {
	s := r.State()
	return s == RegionHumongousStart || s == RegionHumongousContinues
}

// isOldLike reports whether objects in the region are scanned through
// cards: old, archive and humongous regions
func (r *Region) isOldLike() bool {
	switch r.State() {
	case RegionOld, RegionArchive, RegionHumongousStart, RegionHumongousContinues:
		return true
	}
	return false
}

// casTop bump-allocates words from the region. It returns 0 when the
// region cannot hold the request.
func (r *Region) casTop(words uint64) Address {
	size := Address(words << LogWordSize)
	for {
		old := Address(r.top.Load())
		if r.end-old < size {
			return 0
		}
		if r.top.CompareAndSwap(uint64(old), uint64(old+size)) {
			return old
		}
	}
}

// reset returns the region to its pristine free state
func (r *Region) reset() {
	r.setState(RegionFree)
	r.setTop(r.bottom)
	r.setTAMS(r.bottom)
	r.scanTop.Store(uint64(r.bottom))
	r.markedBytes.Store(0)
	r.context = 0
	r.humongousStart = nil
	r.inCSet.Store(false)
	r.evacFailed.Store(false)
	r.humongousCandidate.Store(false)
	r.gcEfficiency = 0
	r.reclaimable = 0
	r.remSet.Clear()
}

func (r *Region) String() string {
	return fmt.Sprintf("region %d [%v, %v, %v) %v", r.index, r.bottom, r.Top(), r.end, r.State())
}

// RegionVisitor is applied to regions during iteration. Returning false
// stops the iteration.
type RegionVisitor interface {
	Visit(r *Region) bool
}

// RegionVisitorFunc adapts a function to RegionVisitor
type RegionVisitorFunc func(r *Region) bool

func (f RegionVisitorFunc) Visit(r *Region) bool { return f(r) }
