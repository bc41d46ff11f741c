package gc

import (
	"testing"

	"github.com/orizon-lang/regiongc/internal/config"
)

func TestExplicitRequestCompactsTheHeap(t *testing.T) {
	h := newTestHeap(t, 8, nil)
	m := newTestMutator(t, h)

	const n = 200
	head := allocNode(t, m, 1, 0)
	for i := uint64(1); i < n; i++ {
		next := allocNode(t, m, 1, i)
		if err := m.Store(next, 0, head); err != nil {
			t.Fatal(err)
		}
		m.Release(head)
		head = next
		for j := 0; j < 4; j++ {
			g, err := m.Allocate(ObjectSpec{Kind: KindPrimitiveArray, PayloadWords: 62})
			if err != nil {
				t.Fatal(err)
			}
			m.Release(g)
		}
	}
	usedBefore := h.Stats().UsedBytes

	mustCollect(t, h, CauseExplicitRequest)
	st := h.Stats()
	if st.FullCollections != 1 || st.TotalCollections != 1 {
		t.Fatalf("full %d total %d, want 1 and 1", st.FullCollections, st.TotalCollections)
	}
	if st.LastPause.Kind != "full" {
		t.Errorf("last pause kind = %q", st.LastPause.Kind)
	}
	if st.UsedBytes >= usedBefore {
		t.Errorf("used %d -> %d, garbage was not reclaimed", usedBefore, st.UsedBytes)
	}
	if st.UsedBytes != n*4*WordSize {
		t.Errorf("used = %d, want exactly the chain (%d)", st.UsedBytes, n*4*WordSize)
	}
	if st.Regions.Eden != 0 || st.Regions.Survivor != 0 || st.Regions.Old != 1 {
		t.Errorf("regions after compaction: %+v", st.Regions)
	}
	mustVerify(t, h)

	cur := head
	for i := int64(n - 1); i >= 0; i-- {
		if id := payloadID(t, m, cur); id != uint64(i) {
			t.Fatalf("node %d holds id %d", i, id)
		}
		next, err := m.Load(cur, 0)
		if err != nil {
			t.Fatal(err)
		}
		cur = next
	}

	// allocation continues normally after compaction
	allocNode(t, m, 0, 1)
	mustCollect(t, h, CauseAllocationFailure)
	mustVerify(t, h)
}

func TestExplicitRequestCanStartMarkingInstead(t *testing.T) {
	h := newTestHeap(t, 8, func(c *config.HeapConfig) { c.ExplicitGCInvokesConcurrent = true })
	m := newTestMutator(t, h)
	allocNode(t, m, 0, 1)

	mustCollect(t, h, CauseExplicitRequest)
	if err := h.WaitForMarkingIdle(testContext(t)); err != nil {
		t.Fatal(err)
	}
	st := h.Stats()
	if st.FullCollections != 0 {
		t.Errorf("full collections = %d", st.FullCollections)
	}
	if st.ConcurrentCyclesStarted != 1 {
		t.Errorf("cycles started = %d, want 1", st.ConcurrentCyclesStarted)
	}
}

func TestFullCollectionAbortsMarking(t *testing.T) {
	h := newTestHeap(t, 8, nil)
	m := newTestMutator(t, h)
	allocNode(t, m, 0, 1)

	mustCollect(t, h, CauseDiagnostic)
	mustCollect(t, h, CauseExplicitRequest)
	if err := h.WaitForMarkingIdle(testContext(t)); err != nil {
		t.Fatal(err)
	}
	st := h.Stats()
	if got := st.ConcurrentCyclesCompleted + st.ConcurrentCyclesAborted; got != 1 {
		t.Errorf("cycles completed %d aborted %d, want one of them", st.ConcurrentCyclesCompleted, st.ConcurrentCyclesAborted)
	}
	if h.satb.Active() {
		t.Error("SATB barrier still active after the cycle ended")
	}
	mustVerify(t, h)
}

func TestResizeAfterFullHonoursInitialSize(t *testing.T) {
	h := newTestHeap(t, 16, func(c *config.HeapConfig) {
		c.InitialHeapSize = 4 * testRegionSize
		c.MaxHeapFreeRatio = 10
		c.MinHeapFreeRatio = 0
	})
	m := newTestMutator(t, h)
	if got := h.Stats().Regions.Committed; got != 4 {
		t.Fatalf("committed = %d, want 4", got)
	}

	// grow the heap with live data, then drop it
	var objs []Handle
	for i := 0; i < 6*16; i++ {
		hd, err := m.Allocate(regionFiller(testRegionWords / 16))
		if err != nil {
			t.Fatal(err)
		}
		objs = append(objs, hd)
	}
	if got := h.Stats().Regions.Committed; got <= 4 {
		t.Fatalf("heap did not expand: %d regions", got)
	}
	for _, hd := range objs {
		m.Release(hd)
	}

	mustCollect(t, h, CauseExplicitRequest)
	if got := h.Stats().Regions.Committed; got != 4 {
		t.Errorf("committed after shrinking = %d, want the initial 4", got)
	}
	mustVerify(t, h)
}
