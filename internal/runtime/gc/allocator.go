package gc

import (
	"context"
	"fmt"

	gcerrors "github.com/orizon-lang/regiongc/internal/errors"
)

// maxAllocationAttempts bounds the collect-and-retry loop of one request
const maxAllocationAttempts = 8

type allocOutcome int

const (
	allocRetry allocOutcome = iota // a pause ran or was skipped; try again
	allocLocked                    // refused by the GC locker
	allocOOM                       // even a full collection could not help
)

// attemptAllocation bump-allocates from the mutator's TLAB, refilling it
// from the shared eden region of the context, or allocates directly in
// that region. Called inside the safepoint; returns 0 on failure.
func (h *Heap) attemptAllocation(m *Mutator, ctx uint8, words uint64) Address {
	t := &m.tlabs[ctx]
	if a := t.allocate(words); a != 0 {
		return a
	}
	r := h.mutatorAlloc[ctx].Load()
	if r == nil {
		return 0
	}
	tlabWords := h.tlabWords
	if tlabWords == 0 || words > tlabWords/8 {
		return r.casTop(words)
	}
	if start := r.casTop(tlabWords); start != 0 {
		t.retire(h.mem, nil)
		t.set(r, start, start.Words(tlabWords))
		return t.allocate(words)
	}
	return r.casTop(words)
}

// newMutatorRegionLocked installs a fresh eden region for ctx when the
// young target allows one. Called with the heap lock held, inside the
// safepoint.
func (h *Heap) newMutatorRegionLocked(ctx uint8) *Region {
	limit := h.policy.YoungTarget()
	if h.locker.IsActive() {
		// Pauses are held off; let eden grow towards its maximum.
		limit = h.policy.MaxYoung(h.regions.CommittedCount())
	}
	if h.edenRegions >= limit {
		return nil
	}
	r := h.regions.AllocateFreeRegion(RegionEden, ctx)
	if r == nil {
		if n, err := h.regions.Expand(h.regionSize); err != nil || n == 0 {
			return nil
		}
		h.logHeap.Debug("expanded heap by one region for eden")
		if r = h.regions.AllocateFreeRegion(RegionEden, ctx); r == nil {
			return nil
		}
	}
	r.gcTimeStamp = uint32(h.counters.total.Load())
	h.cards.setRange(r.bottom, r.end, CardYoung)
	h.edenRegions++
	h.mutatorAlloc[ctx].Store(r)
	return r
}

// allocateSlow is the heap-lock path of young allocation. On success it
// returns inside the safepoint so the caller can initialize the object
// before the next pause.
func (h *Heap) allocateSlow(m *Mutator, ctx uint8, words uint64) (Address, error) {
	lockerRetries := 0
	for attempt := 0; ; attempt++ {
		h.heapLock.Lock()
		h.safepoint.Enter()
		a := h.attemptAllocation(m, ctx, words)
		if a == 0 && h.newMutatorRegionLocked(ctx) != nil {
			a = h.attemptAllocation(m, ctx, words)
		}
		if a != 0 {
			h.heapLock.Unlock()
			return a, nil
		}
		gcCount := h.counters.total.Load()
		h.safepoint.Leave()
		h.heapLock.Unlock()

		if attempt >= maxAllocationAttempts {
			return 0, h.outOfMemory(words, "allocation retries exhausted")
		}
		if err := h.waitForCollection(m, words, gcCount, 0, &lockerRetries); err != nil {
			return 0, err
		}
	}
}

// waitForCollection runs or waits for the pause that should make room for
// a failed allocation. It returns nil when the caller should retry.
func (h *Heap) waitForCollection(m *Mutator, words, gcCount uint64, humongous int, lockerRetries *int) error {
	if h.closed.Load() {
		return ErrClosed
	}
	limit := h.Config().GCLockerRetryAllocationCount
	if h.locker.NeedsGC() {
		if m.critical > 0 {
			return h.outOfMemory(words, "allocation inside a critical section while a collection is pending")
		}
		if *lockerRetries > limit {
			return h.outOfMemory(words, "retried allocation too often while the GC locker was active")
		}
		*lockerRetries++
		h.locker.Stall()
		return nil
	}
	if h.regions.WaitWhileFreeRegionsComing() {
		return nil
	}
	switch h.collectForAllocation(gcCount, humongous) {
	case allocOOM:
		return h.outOfMemory(words, "no space after a full collection")
	case allocLocked:
		if m.critical > 0 {
			return h.outOfMemory(words, "allocation inside a critical section")
		}
		*lockerRetries++
		if *lockerRetries > limit {
			return h.outOfMemory(words, "retried allocation too often while the GC locker was active")
		}
		h.locker.Stall()
	}
	return nil
}

// collectForAllocation requests a pause on behalf of a failed allocation.
// Requests that saw the same collection count share one pause.
func (h *Heap) collectForAllocation(gcCount uint64, humongous int) allocOutcome {
	cause := CauseAllocationFailure
	if humongous > 0 {
		cause = CauseHumongousAllocation
	}
	key := fmt.Sprintf("%d/%d", gcCount, humongous)
	v, err, _ := h.sf.Do(key, func() (interface{}, error) {
		op := &collectOp{
			h:             h,
			cause:         cause,
			skipIfStale:   true,
			gcCountBefore: gcCount,
			upgradeToFull: true,
			humongous:     humongous,
		}
		res, err := h.dispatcher.Submit(context.Background(), op)
		switch {
		case err != nil:
			return allocOOM, err
		case res == Retry || op.refused:
			return allocLocked, nil
		case op.oom:
			return allocOOM, nil
		}
		return allocRetry, nil
	})
	if err != nil {
		h.log.Warn("collection for allocation failed: %v", err)
		return allocOOM
	}
	return v.(allocOutcome)
}

func (h *Heap) outOfMemory(words uint64, detail string) error {
	h.logHeap.Warn("out of memory: %d-byte request, %s; %v", words*WordSize, detail, h)
	return gcerrors.OutOfMemory(words*WordSize, detail)
}
