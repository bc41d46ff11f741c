package gc

import (
	"testing"

	"github.com/orizon-lang/regiongc/internal/config"
)

// TestEvacuationFailureRetainsRegions fills eden on a heap whose only other
// regions are taken by a humongous object, so the pause has nowhere to copy
func TestEvacuationFailureRetainsRegions(t *testing.T) {
	h := newTestHeap(t, 4, func(c *config.HeapConfig) {
		c.MaxTenuringThreshold = 0
		c.MaxNewSizePercent = 50
	})
	m := newTestMutator(t, h)

	big, err := m.Allocate(regionFiller(2 * testRegionWords))
	if err != nil {
		t.Fatal(err)
	}
	// two regions of 64KB objects, each holding its index
	spec := ObjectSpec{Kind: KindObject, Refs: 1, PayloadWords: testRegionWords/16 - headerWords - 1}
	objs := make([]Handle, 32)
	addrs := make([]Address, len(objs))
	for i := range objs {
		if objs[i], err = m.Allocate(spec); err != nil {
			t.Fatalf("allocation %d: %v", i, err)
		}
		if err := m.WriteWord(objs[i], 0, uint64(i)); err != nil {
			t.Fatal(err)
		}
		if i > 0 {
			if err := m.Store(objs[i], 0, objs[i-1]); err != nil {
				t.Fatal(err)
			}
		}
		addrs[i], _ = m.Address(objs[i])
	}
	if st := h.Stats(); st.Regions.Eden != 2 || st.Regions.Free != 0 {
		t.Fatalf("setup: %+v", st.Regions)
	}

	mustCollect(t, h, CauseAllocationFailure)
	st := h.Stats()
	if st.EvacuationFailures != 1 || !st.LastPause.EvacuationFailed {
		t.Fatalf("evacuation failures = %d, last pause failed = %v", st.EvacuationFailures, st.LastPause.EvacuationFailed)
	}
	if st.Regions.Old != 2 || st.Regions.Eden != 0 || st.Regions.Humongous() != 2 {
		t.Errorf("regions after the failed pause: %+v", st.Regions)
	}
	for i, hd := range objs {
		a, err := m.Address(hd)
		if err != nil {
			t.Fatal(err)
		}
		if a != addrs[i] {
			t.Errorf("object %d moved from %v to %v", i, addrs[i], a)
		}
		if id := payloadID(t, m, hd); id != uint64(i) {
			t.Errorf("object %d holds %d", i, id)
		}
		if i > 0 {
			prev, err := m.Load(hd, 0)
			if err != nil {
				t.Fatal(err)
			}
			if id := payloadID(t, m, prev); id != uint64(i-1) {
				t.Errorf("object %d points at %d", i, id)
			}
		}
	}
	if _, err := m.Size(big); err != nil {
		t.Errorf("humongous object lost: %v", err)
	}
	mustVerify(t, h)

	// the retained regions are ordinary old regions now
	h.regions.Iterate(RegionVisitorFunc(func(r *Region) bool {
		if r.evacFailed.Load() {
			t.Errorf("%v still flagged as failed", r)
		}
		return true
	}))
}

func TestFixupFailedRegionIsIdempotent(t *testing.T) {
	h := newTestHeap(t, 4, nil)
	r := h.regions.AllocateFreeRegion(RegionEden, 0)
	if r == nil {
		t.Fatal("no free region")
	}

	// three objects; the first and third failed and were self-forwarded,
	// the second was copied out
	specs := []ObjectSpec{
		{Kind: KindObject, Refs: 1, PayloadWords: 3},
		{Kind: KindObject, PayloadWords: 10},
		{Kind: KindPrimitiveArray, PayloadWords: 5},
	}
	var objs []Address
	for _, s := range specs {
		a := r.casTop(s.SizeWords())
		h.mem.initObject(a, s)
		objs = append(objs, a)
	}
	live := map[Address]uint64{
		objs[0]: unlockedMark(2),
		objs[2]: unlockedMark(0),
	}
	h.mem.store(objs[0], forwardingMark(objs[0]))
	h.mem.store(objs[1], forwardingMark(heapBase+Address(3*testRegionSize)))
	h.mem.store(objs[2], forwardingMark(objs[2]))

	snapshot := func() []uint64 {
		var words []uint64
		for a := r.bottom; a < r.Top(); a += WordSize {
			words = append(words, h.mem.load(a))
		}
		return words
	}

	h.fixupFailedRegion(r, live)
	first := snapshot()
	if r.State() != RegionOld {
		t.Fatalf("state = %v, want old", r.State())
	}
	if m := h.mem.load(objs[0]); m != unlockedMark(2) {
		t.Errorf("first object mark = %#x", m)
	}
	if k := klassKind(h.mem.klass(objs[1])); k != KindFiller {
		t.Errorf("copied-out object became %v, want filler", k)
	}
	if got := h.bot.BlockStart(r, objs[2].Words(3)); got != objs[2] {
		t.Errorf("block start inside the third object = %v, want %v", got, objs[2])
	}

	h.fixupFailedRegion(r, live)
	second := snapshot()
	if len(first) != len(second) {
		t.Fatal("region top changed")
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("word %d changed from %#x to %#x on the second fixup", i, first[i], second[i])
		}
	}
}
