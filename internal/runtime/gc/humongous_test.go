package gc

import (
	"errors"
	"testing"

	"github.com/orizon-lang/regiongc/internal/config"
)

func TestHumongousRegions(t *testing.T) {
	h := &Heap{regionSize: testRegionSize}
	rw := uint64(testRegionWords)
	tests := []struct {
		words uint64
		want  int
	}{
		{1, 1},
		{rw / 2, 1},
		{rw, 1},
		{rw + 1, 2},
		{3 * rw, 3},
		{3*rw + 1, 4},
	}
	for _, tt := range tests {
		if got := h.humongousRegions(tt.words); got != tt.want {
			t.Errorf("humongousRegions(%d) = %d, want %d", tt.words, got, tt.want)
		}
	}
}

func TestHumongousLayout(t *testing.T) {
	h := newTestHeap(t, 8, nil)
	m := newTestMutator(t, h)

	hd, err := m.Allocate(ObjectSpec{Kind: KindObject, Refs: 4, PayloadWords: 2*testRegionWords + 10})
	if err != nil {
		t.Fatal(err)
	}
	a, _ := m.Address(hd)
	start := h.regions.RegionFor(a)
	if a != start.Bottom() || start.State() != RegionHumongousStart {
		t.Fatalf("object at %v in %v", a, start)
	}
	for i := uint32(0); i < 3; i++ {
		r := h.regions.At(start.Index() + i)
		if r.humongousStart != start {
			t.Errorf("%v not linked to its start region", r)
		}
		if i > 0 && r.State() != RegionHumongousContinues {
			t.Errorf("%v is not a continuation", r)
		}
	}
	size, _ := m.Size(hd)
	if want := uint64(2*testRegionWords+16) * WordSize; size != want {
		t.Errorf("size = %d, want %d", size, want)
	}

	// references held by a humongous object survive young pauses through
	// its remembered-set cards
	child := allocNode(t, m, 0, 42)
	if err := m.Store(hd, 3, child); err != nil {
		t.Fatal(err)
	}
	m.Release(child)
	mustCollect(t, h, CauseAllocationFailure)
	mustVerify(t, h)
	got, err := m.Load(hd, 3)
	if err != nil || got == 0 {
		t.Fatalf("child lost: %v", err)
	}
	if id := payloadID(t, m, got); id != 42 {
		t.Errorf("child id = %d", id)
	}
}

func TestEagerReclaimOfUnreferencedHumongousArrays(t *testing.T) {
	tests := []struct {
		name    string
		eager   bool
		release bool
		want    uint64
	}{
		{"released", true, true, 1},
		{"still referenced", true, false, 0},
		{"eager reclaim disabled", false, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHeap(t, 8, func(c *config.HeapConfig) { c.EagerReclaimHumongous = tt.eager })
			m := newTestMutator(t, h)
			hd, err := m.Allocate(regionFiller(testRegionWords + 1))
			if err != nil {
				t.Fatal(err)
			}
			if tt.release {
				m.Release(hd)
			}
			mustCollect(t, h, CauseAllocationFailure)
			st := h.Stats()
			if st.HumongousReclaimed != tt.want {
				t.Errorf("humongous reclaimed = %d, want %d", st.HumongousReclaimed, tt.want)
			}
			if wantRegions := 2 * int(1-tt.want); st.Regions.Humongous() != wantRegions {
				t.Errorf("humongous regions = %d, want %d", st.Regions.Humongous(), wantRegions)
			}
			mustVerify(t, h)
		})
	}
}

func TestHumongousReferencedFromOldSurvivesEagerReclaim(t *testing.T) {
	h := newTestHeap(t, 8, func(c *config.HeapConfig) { c.MaxTenuringThreshold = 0 })
	m := newTestMutator(t, h)

	holder := allocNode(t, m, 1, 1)
	mustCollect(t, h, CauseAllocationFailure) // promote the holder
	big, err := m.Allocate(regionFiller(testRegionWords))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Store(holder, 0, big); err != nil {
		t.Fatal(err)
	}
	m.Release(big)

	mustCollect(t, h, CauseAllocationFailure)
	if n := h.Stats().HumongousReclaimed; n != 0 {
		t.Fatalf("reclaimed %d humongous objects still referenced from an old object", n)
	}
	got, err := m.Load(holder, 0)
	if err != nil || got == 0 {
		t.Fatalf("reference lost: %v", err)
	}
	if size, _ := m.Size(got); size != testRegionSize {
		t.Errorf("size = %d", size)
	}

	// once the reference is gone the object goes with the next pause
	if err := m.Store(holder, 0, 0); err != nil {
		t.Fatal(err)
	}
	m.Release(got)
	mustCollect(t, h, CauseAllocationFailure)
	if n := h.Stats().HumongousReclaimed; n != 1 {
		t.Errorf("humongous reclaimed = %d, want 1", n)
	}
	mustVerify(t, h)
}

func TestHumongousLargerThanHeap(t *testing.T) {
	h := newTestHeap(t, 4, nil)
	m := newTestMutator(t, h)
	_, err := m.Allocate(regionFiller(5 * testRegionWords))
	if !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("err = %v, want ErrOutOfMemory", err)
	}
}

func TestHumongousSpanReturnsToFree(t *testing.T) {
	rw := testRegionWords
	tests := []struct {
		name    string
		words   int
		cause   Cause
		regions int
	}{
		{"one region and a word", rw + 1, CauseAllocationFailure, 2},
		{"two regions and a word", 2*rw + 1, CauseAllocationFailure, 3},
		{"three and a half regions with marking", rw * 7 / 2, CauseDiagnostic, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHeap(t, 16, nil)
			m := newTestMutator(t, h)
			hd, err := m.Allocate(regionFiller(tt.words))
			if err != nil {
				t.Fatal(err)
			}
			a, _ := m.Address(hd)
			first := h.regions.RegionFor(a).Index()
			for i := 0; i < tt.regions; i++ {
				want := RegionHumongousContinues
				if i == 0 {
					want = RegionHumongousStart
				}
				if s := h.regions.At(first + uint32(i)).State(); s != want {
					t.Fatalf("region %d is %v, want %v", first+uint32(i), s, want)
				}
			}
			if st := h.Stats(); st.Regions.Humongous() != tt.regions {
				t.Fatalf("humongous regions = %d, want %d", st.Regions.Humongous(), tt.regions)
			}
			freeBefore := h.Stats().Regions.Free
			m.Release(hd)

			mustCollect(t, h, tt.cause)
			st := h.Stats()
			if st.HumongousReclaimed != 1 {
				t.Errorf("humongous reclaimed = %d, want 1", st.HumongousReclaimed)
			}
			if got := st.Regions.Free - freeBefore; got != tt.regions {
				t.Errorf("pause freed %d regions, want %d", got, tt.regions)
			}
			for i := 0; i < tt.regions; i++ {
				if s := h.regions.At(first + uint32(i)).State(); s != RegionFree {
					t.Errorf("region %d is %v after reclaim", first+uint32(i), s)
				}
			}
			if tt.cause == CauseDiagnostic {
				if err := h.WaitForMarkingIdle(testContext(t)); err != nil {
					t.Fatal(err)
				}
				if st := h.Stats(); st.HumongousReclaimed != 1 || st.ConcurrentCyclesStarted != 1 {
					t.Errorf("after the cycle: reclaimed %d, cycles %d", st.HumongousReclaimed, st.ConcurrentCyclesStarted)
				}
			}
			mustVerify(t, h)
		})
	}
}

func TestHumongousRegionsKeepAllocationContext(t *testing.T) {
	h := newTestHeap(t, 8, func(c *config.HeapConfig) { c.AllocationContexts = 2 })
	m := newTestMutator(t, h)

	small, err := m.Allocate(ObjectSpec{Kind: KindObject, PayloadWords: 4, Context: 1})
	if err != nil {
		t.Fatal(err)
	}
	a, _ := m.Address(small)
	if c := h.regions.RegionFor(a).Context(); c != 1 {
		t.Fatalf("small object region context = %d", c)
	}

	spec := regionFiller(testRegionWords + 1)
	spec.Context = 1
	big, err := m.Allocate(spec)
	if err != nil {
		t.Fatal(err)
	}
	a, _ = m.Address(big)
	first := h.regions.RegionFor(a).Index()
	for i := uint32(0); i < 2; i++ {
		if r := h.regions.At(first + i); r.Context() != 1 {
			t.Errorf("%v context = %d, want 1", r, r.Context())
		}
	}
}
