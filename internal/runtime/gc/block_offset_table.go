package gc

import (
	"sync/atomic"
)

// BlockOffsetTable records, for every card of an old or humongous region,
// the start of the block covering the card's first word. It lets card
// scanning find the first object of a card without walking the region.
type BlockOffsetTable struct {
	ct      *CardTable
	mem     *heapMemory
	entries []atomic.Uint64
}

func newBlockOffsetTable(ct *CardTable, mem *heapMemory) *BlockOffsetTable {
	return &BlockOffsetTable{ct: ct, mem: mem, entries: make([]atomic.Uint64, ct.Len())}
}

// Record notes a block spanning [start, end)
func (b *BlockOffsetTable) Record(start, end Address) {
	if end <= start {
		return
	}
	first := b.ct.Index(start)
	if b.ct.Start(first) < start {
		first++
	}
	last := b.ct.Index(end - 1)
	for c := first; c <= last; c++ {
		b.entries[c].Store(uint64(start))
	}
}

// reset forgets every entry covering [from, to)
func (b *BlockOffsetTable) reset(from, to Address) {
	if to <= from {
		return
	}
	last := b.ct.Index(to - 1)
	for c := b.ct.Index(from); c <= last; c++ {
		b.entries[c].Store(0)
	}
}

// BlockStart returns the start of the block containing a, which must lie
// below r's top in a parsable region.
func (b *BlockOffsetTable) BlockStart(r *Region, a Address) Address {
	s := Address(b.entries[b.ct.Index(a)].Load())
	if s < r.bottom || s > a {
		s = r.bottom
	}
	for {
		size := b.mem.objectSize(s)
		if size == 0 {
			return s
		}
		next := s.Words(size)
		if next > a {
			return s
		}
		s = next
	}
}

// rebuild recomputes the entries of r by walking its objects up to top
func (b *BlockOffsetTable) rebuild(r *Region) {
	b.reset(r.bottom, r.end)
	top := r.Top()
	for s := r.bottom; s < top; {
		size := b.mem.objectSize(s)
		if size == 0 {
			return
		}
		next := s.Words(size)
		b.Record(s, next)
		s = next
	}
}
