package vmem

// HeapMapping backs a reservation with an ordinary Go allocation. Commit is
// a no-op and Uncommit zeroes the range, so it behaves like a mapping whose
// pages are always resident. Used on platforms without a native
// implementation and by tests.
type HeapMapping struct {
	mem []byte
}

// NewHeapMapping allocates size bytes rounded up to the page size
func NewHeapMapping(size uint64) *HeapMapping {
	return &HeapMapping{mem: make([]byte, alignUp(size, PageSize))}
}

func (m *HeapMapping) Bytes() []byte { return m.mem }
func (m *HeapMapping) Size() uint64  { return uint64(len(m.mem)) }

func (m *HeapMapping) Commit(off, n uint64) error { return checkRange(m, off, n) }

func (m *HeapMapping) Uncommit(off, n uint64) error {
	if err := checkRange(m, off, n); err != nil {
		return err
	}
	clear(m.mem[off : off+n])
	return nil
}

func (m *HeapMapping) Protect(off, n uint64, _ Protection) error { return checkRange(m, off, n) }

func (m *HeapMapping) Release() error {
	m.mem = nil
	return nil
}
