package gc

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/orizon-lang/regiongc/internal/config"
)

// transitionLog records marking phase changes
type transitionLog struct {
	mu    sync.Mutex
	steps [][2]MarkPhase
}

func (l *transitionLog) observe(from, to MarkPhase) {
	l.mu.Lock()
	l.steps = append(l.steps, [2]MarkPhase{from, to})
	l.mu.Unlock()
}

func (l *transitionLog) count(from, to MarkPhase) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.steps {
		if s[0] == from && s[1] == to {
			n++
		}
	}
	return n
}

func (l *transitionLog) phases() []MarkPhase {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]MarkPhase, 0, len(l.steps))
	for _, s := range l.steps {
		out = append(out, s[1])
	}
	return out
}

func withObserver(l *transitionLog) func(*Options) {
	return func(o *Options) { o.OnMarkTransition = l.observe }
}

// regionFiller returns a primitive array spec of words words in total
func regionFiller(words int) ObjectSpec {
	return ObjectSpec{Kind: KindPrimitiveArray, PayloadWords: words - headerWords}
}

func TestDiagnosticCollectionRunsOneMarkingCycle(t *testing.T) {
	var log transitionLog
	h := newTestHeap(t, 16, func(c *config.HeapConfig) {
		c.MaxTenuringThreshold = 0
		c.MaxNewSizePercent = 25
	}, withObserver(&log))
	m := newTestMutator(t, h)

	// 64KB objects, sixteen per region, 12MB in total
	spec := regionFiller(testRegionWords / 16)
	objs := make([]Handle, 0, 192)
	for len(objs) < cap(objs) {
		hd, err := m.Allocate(spec)
		if err != nil {
			t.Fatalf("allocation %d: %v", len(objs), err)
		}
		objs = append(objs, hd)
	}
	for _, hd := range objs[:len(objs)/2] {
		m.Release(hd)
	}
	if n := log.count(MarkIdle, MarkConcurrentCycle); n != 0 {
		t.Fatalf("marking started %d times during allocation", n)
	}

	usedBefore := h.Stats().UsedBytes
	mustCollect(t, h, CauseDiagnostic)
	if err := h.WaitForMarkingIdle(testContext(t)); err != nil {
		t.Fatal(err)
	}
	st := h.Stats()

	if n := log.count(MarkIdle, MarkConcurrentCycle); n != 1 {
		t.Errorf("Idle -> ConcurrentCycle transitions = %d, want 1", n)
	}
	if st.UsedBytes > usedBefore {
		t.Errorf("used grew from %d to %d", usedBefore, st.UsedBytes)
	}
	if st.ConcurrentCyclesStarted != 1 || st.ConcurrentCyclesCompleted != 1 {
		t.Errorf("cycles started %d completed %d", st.ConcurrentCyclesStarted, st.ConcurrentCyclesCompleted)
	}
	if st.RegionsReclaimedByCleanup == 0 {
		t.Error("cleanup reclaimed no region although half of the old objects died")
	}

	want := []MarkPhase{MarkConcurrentCycle, MarkScanRootRegions, MarkConcurrentMark, MarkRemark}
	got := log.phases()
	if len(got) < len(want) {
		t.Fatalf("phases = %v", got)
	}
	for i, p := range want {
		if got[i] != p {
			t.Fatalf("phase %d = %v, want %v (all: %v)", i, got[i], p, got)
		}
	}
	if got[len(got)-1] != MarkIdle || got[len(got)-2] != MarkCleanup {
		t.Errorf("cycle did not end with Cleanup -> Idle: %v", got)
	}

	for _, hd := range objs[len(objs)/2:] {
		if _, err := m.Size(hd); err != nil {
			t.Fatalf("surviving object unreadable: %v", err)
		}
	}
	mustVerify(t, h)
}

func TestCleanupReclaimsDeadHumongousObject(t *testing.T) {
	h := newTestHeap(t, 16, func(c *config.HeapConfig) { c.EagerReclaimHumongous = false })
	m := newTestMutator(t, h)

	// three and a half regions
	hd, err := m.Allocate(regionFiller(testRegionWords * 7 / 2))
	if err != nil {
		t.Fatal(err)
	}
	st := h.Stats()
	if st.Regions.HumongousStart != 1 || st.Regions.HumongousContinues != 3 {
		t.Fatalf("humongous regions = %d+%d, want 1+3", st.Regions.HumongousStart, st.Regions.HumongousContinues)
	}
	m.Release(hd)

	mustCollect(t, h, CauseDiagnostic)
	if h.Stats().Regions.Humongous() != 4 {
		t.Fatal("young pause reclaimed the object with eager reclaim disabled")
	}
	if err := h.WaitForMarkingIdle(testContext(t)); err != nil {
		t.Fatal(err)
	}

	st = h.Stats()
	if st.RegionsReclaimedByCleanup != 4 {
		t.Errorf("cleanup reclaimed %d regions, want 4", st.RegionsReclaimedByCleanup)
	}
	if st.HumongousReclaimed != 1 {
		t.Errorf("humongous reclaimed = %d, want 1", st.HumongousReclaimed)
	}
	if st.Regions.Humongous() != 0 || st.Regions.Free != 16 {
		t.Errorf("regions after cleanup: %+v", st.Regions)
	}
	mustVerify(t, h)

	// the freed span is usable again
	if _, err := m.Allocate(regionFiller(testRegionWords * 4)); err != nil {
		t.Fatalf("reallocating the span: %v", err)
	}
}

func TestMarkingKeepsObjectsReachableFromOldRegions(t *testing.T) {
	h := newTestHeap(t, 16, func(c *config.HeapConfig) { c.MaxTenuringThreshold = 0 })
	m := newTestMutator(t, h)

	// Promote a tree, then cut it loose from its root except through one
	// interior node, and mark.
	nodes := []Handle{allocNode(t, m, 2, 0)}
	for i := 1; i < 64; i++ {
		n := allocNode(t, m, 2, uint64(i))
		if err := m.Store(nodes[(i-1)/2], (i-1)%2, n); err != nil {
			t.Fatal(err)
		}
		nodes = append(nodes, n)
	}
	mustCollect(t, h, CauseAllocationFailure)
	keep := nodes[1]
	for _, n := range nodes {
		if n != keep {
			m.Release(n)
		}
	}

	mustCollect(t, h, CauseDiagnostic)
	// a store racing with marking goes through the pre-write barrier
	if err := m.Store(keep, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := h.WaitForMarkingIdle(testContext(t)); err != nil {
		t.Fatal(err)
	}
	mustVerify(t, h)

	// keep is node 1; its right child is node 4 with children 9 and 10
	right, err := m.Load(keep, 1)
	if err != nil || right == 0 {
		t.Fatalf("right child lost: %v", err)
	}
	if id := payloadID(t, m, right); id != 4 {
		t.Fatalf("right child id = %d, want 4", id)
	}
	for slot, want := range []uint64{9, 10} {
		c, err := m.Load(right, slot)
		if err != nil || c == 0 {
			t.Fatalf("grandchild %d lost: %v", want, err)
		}
		if id := payloadID(t, m, c); id != want {
			t.Errorf("grandchild id = %d, want %d", id, want)
		}
	}
}

func TestMarkPhaseString(t *testing.T) {
	for p := MarkIdle; p <= MarkCleanup; p++ {
		if s := p.String(); s == "" {
			t.Errorf("phase %d has no name", int(p))
		}
	}
}

func TestWaitIdleReturnsOnCancellation(t *testing.T) {
	h := newTestHeap(t, 4, nil)
	// pretend a cycle is running without starting one
	h.cm.phase.Store(int32(MarkConcurrentMark))
	defer h.cm.phase.Store(int32(MarkIdle))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// WaitIdle returns only after its waiter has left the condition variable
	if err := h.cm.WaitIdle(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("WaitIdle = %v, want context.Canceled", err)
	}

	h.cm.phase.Store(int32(MarkIdle))
	if err := h.cm.WaitIdle(testContext(t)); err != nil {
		t.Fatalf("WaitIdle while idle = %v", err)
	}
}
