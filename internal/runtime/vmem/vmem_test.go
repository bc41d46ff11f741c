package vmem

import "testing"

func TestReserveCommitWriteUncommit(t *testing.T) {
	size := 16 * PageSize
	m, err := Reserve(size - 1)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	defer m.Release()

	if m.Size() != size {
		t.Fatalf("size = %d, want %d", m.Size(), size)
	}
	if err := m.Commit(4*PageSize, 2*PageSize); err != nil {
		t.Fatalf("commit: %v", err)
	}
	b := m.Bytes()
	b[4*PageSize] = 0xAB
	b[6*PageSize-1] = 0xCD
	if err := m.Protect(4*PageSize, 2*PageSize, ProtRead); err != nil {
		t.Fatalf("protect: %v", err)
	}
	if b[4*PageSize] != 0xAB {
		t.Fatal("committed byte lost")
	}
	if err := m.Protect(4*PageSize, 2*PageSize, ProtReadWrite); err != nil {
		t.Fatalf("protect: %v", err)
	}
	if err := m.Uncommit(4*PageSize, 2*PageSize); err != nil {
		t.Fatalf("uncommit: %v", err)
	}
	if err := m.Commit(4*PageSize, 2*PageSize); err != nil {
		t.Fatalf("recommit: %v", err)
	}
	if b[4*PageSize] != 0 || b[6*PageSize-1] != 0 {
		t.Fatal("recommitted pages are not zero")
	}
}

func TestRangeChecks(t *testing.T) {
	m := NewHeapMapping(4 * PageSize)
	tests := []struct {
		name   string
		off, n uint64
		ok     bool
	}{
		{"aligned", 0, PageSize, true},
		{"whole", 0, 4 * PageSize, true},
		{"unaligned offset", 1, PageSize, false},
		{"unaligned length", 0, PageSize + 1, false},
		{"past end", 3 * PageSize, 2 * PageSize, false},
	}
	for _, tt := range tests {
		err := m.Commit(tt.off, tt.n)
		if (err == nil) != tt.ok {
			t.Errorf("%s: err = %v", tt.name, err)
		}
	}
	if _, err := Reserve(0); err == nil {
		t.Error("zero reservation accepted")
	}
}

func TestHeapMappingUncommitZeroes(t *testing.T) {
	m := NewHeapMapping(2 * PageSize)
	m.Bytes()[PageSize+3] = 7
	if err := m.Uncommit(PageSize, PageSize); err != nil {
		t.Fatal(err)
	}
	if m.Bytes()[PageSize+3] != 0 {
		t.Fatal("uncommit did not zero")
	}
}
