package gc

import (
	"errors"
	"fmt"

	gcerrors "github.com/orizon-lang/regiongc/internal/errors"
)

// maxVerifyFailures caps the number of remembered-set misses reported
const maxVerifyFailures = 16

// verifyLocked checks the heap invariants. It runs inside a pause after the
// refinement queue was drained, so every cross-region reference held by an
// old-like region must be in the remembered set of its target.
func (h *Heap) verifyLocked() error {
	var errs []error
	if err := h.regions.VerifyFreeList(); err != nil {
		errs = append(errs, err)
	}
	if err := h.verifyAccounting(); err != nil {
		errs = append(errs, err)
	}
	if h.cset.Len() != 0 {
		errs = append(errs, gcerrors.InvariantViolation("CSET_NOT_EMPTY",
			fmt.Sprintf("collection set holds %d regions outside a pause", h.cset.Len())))
	}
	coming := h.regions.FreeRegionsComing()
	h.regions.Iterate(RegionVisitorFunc(func(r *Region) bool {
		top := r.Top()
		if top < r.bottom || top > r.end {
			errs = append(errs, gcerrors.InvariantViolation("REGION_TOP", fmt.Sprintf("%v: top outside the region", r)))
		}
		if r.IsFree() && top != r.bottom && !coming {
			errs = append(errs, gcerrors.InvariantViolation("REGION_TOP", fmt.Sprintf("%v: free region with objects", r)))
		}
		if err := r.remSet.Verify(); err != nil {
			errs = append(errs, err)
		}
		if err := h.verifyHumongousLink(r); err != nil {
			errs = append(errs, err)
		}
		return true
	}))
	errs = append(errs, h.verifyRemSets()...)
	return errors.Join(errs...)
}

func (h *Heap) verifyAccounting() error {
	c := h.regions.Counts()
	sum := c.Free + c.Eden + c.Survivor + c.Old + c.Archive + c.Humongous()
	counts := map[string]interface{}{
		"committed": c.Committed, "free": c.Free, "eden": c.Eden, "survivor": c.Survivor,
		"old": c.Old, "archive": c.Archive, "humongous": c.Humongous(),
	}
	if sum != c.Committed {
		return gcerrors.RegionAccounting("region states do not add up to the committed count", counts)
	}
	if c.Committed+c.Uncommitted != h.regions.Len() {
		return gcerrors.RegionAccounting("committed and uncommitted regions do not cover the reservation", counts)
	}
	if c.Eden != h.edenRegions {
		counts["eden_claimed"] = h.edenRegions
		return gcerrors.RegionAccounting("eden census differs from the claimed eden regions", counts)
	}
	if !h.regions.FreeRegionsComing() && c.Free != h.regions.FreeCount() {
		counts["free_listed"] = h.regions.FreeCount()
		return gcerrors.RegionAccounting("free regions differ from the free lists", counts)
	}
	return nil
}

// verifyHumongousLink checks that r belongs to a well-formed span when it
// is humongous
func (h *Heap) verifyHumongousLink(r *Region) error {
	switch r.State() {
	case RegionHumongousStart:
		if r.humongousStart != r {
			return gcerrors.InvariantViolation("HUMONGOUS_LINK", fmt.Sprintf("%v: start region not linked to itself", r))
		}
	case RegionHumongousContinues:
		s := r.humongousStart
		if s == nil || s.State() != RegionHumongousStart || s.index >= r.index {
			return gcerrors.InvariantViolation("HUMONGOUS_LINK", fmt.Sprintf("%v: continues region without a start", r))
		}
		prev := h.regions.At(r.index - 1)
		if prev.humongousStart != s {
			return gcerrors.InvariantViolation("HUMONGOUS_LINK", fmt.Sprintf("%v: span is not contiguous", r))
		}
	}
	return nil
}

// verifyRemSets walks every old-like region and checks that each
// reference into another region is covered by the target's remembered set
func (h *Heap) verifyRemSets() []error {
	var errs []error
	h.regions.Iterate(RegionVisitorFunc(func(r *Region) bool {
		switch r.State() {
		case RegionOld, RegionArchive, RegionHumongousStart:
		default:
			return true
		}
		top := r.Top()
		for a := r.bottom; a < top; {
			size := h.mem.objectSize(a)
			if size == 0 {
				errs = append(errs, errUnparsable(r, a))
				return true
			}
			if h.mem.load(a) != markOneWordFill {
				refs := klassRefs(h.mem.klass(a))
				for i := uint64(0); i < refs; i++ {
					slot := refSlot(a, i)
					v := h.mem.loadRef(slot)
					if v == 0 {
						continue
					}
					from, to := h.regions.RegionFor(slot), h.regions.RegionFor(v)
					if from == to || (from.humongousStart != nil && from.humongousStart == to.humongousStart) {
						continue
					}
					if to.IsFree() {
						errs = append(errs, gcerrors.InvariantViolation("DANGLING_REFERENCE",
							fmt.Sprintf("slot %v points into free %v", slot, to)))
					} else if card := h.cards.Index(slot); !to.remSet.Contains(card) {
						errs = append(errs, gcerrors.RemSetCorrupt(to.index,
							fmt.Sprintf("missing card %d for slot %v -> %v", card, slot, v)))
					}
					if len(errs) >= maxVerifyFailures {
						return false
					}
				}
			}
			a = a.Words(size)
		}
		return true
	}))
	return errs
}
