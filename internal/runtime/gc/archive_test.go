package gc

import (
	"errors"
	"testing"
)

func TestArchiveObjectsAreRoots(t *testing.T) {
	h := newTestHeap(t, 8, nil)
	m := newTestMutator(t, h)

	arch, err := h.AllocateArchive(ObjectSpec{Kind: KindObject, Refs: 2, PayloadWords: 1})
	if err != nil {
		t.Fatal(err)
	}
	archAddr, _ := m.Address(arch)
	if st := h.Stats(); st.Regions.Archive != 1 {
		t.Fatalf("archive regions = %d", st.Regions.Archive)
	}
	h.SealArchive()

	child := allocNode(t, m, 0, 7)
	if err := m.Store(arch, 1, child); err != nil {
		t.Fatal(err)
	}
	m.Release(child)

	check := func(after string) {
		t.Helper()
		if a, _ := m.Address(arch); a != archAddr {
			t.Fatalf("archive object moved to %v after %s", a, after)
		}
		got, err := m.Load(arch, 1)
		if err != nil || got == 0 {
			t.Fatalf("object referenced from the archive lost after %s: %v", after, err)
		}
		if id := payloadID(t, m, got); id != 7 {
			t.Errorf("id = %d after %s", id, after)
		}
		m.Release(got)
		mustVerify(t, h)
	}

	mustCollect(t, h, CauseAllocationFailure)
	check("a young pause")
	mustCollect(t, h, CauseExplicitRequest)
	check("a full collection")
	if st := h.Stats(); st.Regions.Archive != 1 {
		t.Errorf("archive regions = %d after compaction", st.Regions.Archive)
	}
}

func TestArchiveAllocation(t *testing.T) {
	h := newTestHeap(t, 4, nil)

	_, err := h.AllocateArchive(ObjectSpec{Kind: KindPrimitiveArray, PayloadWords: testRegionWords})
	if !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("oversized archive object: err = %v, want ErrInvalidSpec", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := h.AllocateArchive(regionFiller(testRegionWords / 2)); err != nil {
			t.Fatalf("archive allocation %d: %v", i, err)
		}
	}
	if n := h.Stats().Regions.Archive; n != 2 {
		t.Errorf("archive regions = %d, want 2", n)
	}

	h.SealArchive()
	h.SealArchive()
	if _, err := h.AllocateArchive(regionFiller(4)); !errors.Is(err, ErrArchiveSealed) {
		t.Errorf("err = %v, want ErrArchiveSealed", err)
	}
}
