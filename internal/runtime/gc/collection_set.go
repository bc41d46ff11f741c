package gc

import (
	gcerrors "github.com/orizon-lang/regiongc/internal/errors"
)

// CollectionSet is the ordered list of regions evacuated by the current
// pause. Membership is mirrored in each region's in-cset flag for the fast
// test in the copying loop. It is only touched by the pause.
type CollectionSet struct {
	regions  []uint32
	eden     int
	survivor int
	old      int
}

// Add appends r. Regions already in the set and regions in any other state
// than Eden, Survivor or Old are rejected.
func (cs *CollectionSet) Add(r *Region) error {
	if r.inCSet.Load() {
		return gcerrors.InvariantViolation("CSET_DUPLICATE", r.String()+" is already in the collection set")
	}
	switch r.State() {
	case RegionEden:
		cs.eden++
	case RegionSurvivor:
		cs.survivor++
	case RegionOld:
		cs.old++
	default:
		return gcerrors.InvariantViolation("CSET_STATE", r.String()+" cannot be collected")
	}
	r.inCSet.Store(true)
	cs.regions = append(cs.regions, r.index)
	return nil
}

// Regions returns the member indices in insertion order
func (cs *CollectionSet) Regions() []uint32 { return cs.regions }

// Len returns the number of members
func (cs *CollectionSet) Len() int { return len(cs.regions) }

// Counts returns the number of eden, survivor and old members
func (cs *CollectionSet) Counts() (eden, survivor, old int) { return cs.eden, cs.survivor, cs.old }

// Clear empties the set and resets the membership flags
func (cs *CollectionSet) Clear(rm *RegionManager) {
	for _, i := range cs.regions {
		rm.At(i).inCSet.Store(false)
	}
	cs.regions = cs.regions[:0]
	cs.eden, cs.survivor, cs.old = 0, 0, 0
}

// Verify checks that no region appears twice and that every member is
// flagged and collectable
func (cs *CollectionSet) Verify(rm *RegionManager) error {
	seen := make(map[uint32]bool, len(cs.regions))
	for _, i := range cs.regions {
		if seen[i] {
			return gcerrors.InvariantViolation("CSET_DUPLICATE", rm.At(i).String()+" appears twice")
		}
		seen[i] = true
		r := rm.At(i)
		if !r.inCSet.Load() {
			return gcerrors.InvariantViolation("CSET_FLAG", r.String()+" is not flagged")
		}
	}
	return nil
}
