package gc

import (
	"sync/atomic"
	"unsafe"

	"github.com/orizon-lang/regiongc/internal/runtime/vmem"
)

// heapMemory maps heap addresses onto the reservation. Words are accessed
// atomically because refinement and marking read objects that mutators are
// writing.
type heapMemory struct {
	base    Address
	end     Address
	mem     []byte
	mapping vmem.Mapping
}

func newHeapMemory(m vmem.Mapping, size uint64) *heapMemory {
	return &heapMemory{base: heapBase, end: heapBase + Address(size), mem: m.Bytes()[:size], mapping: m}
}

func (hm *heapMemory) contains(a Address) bool { return a >= hm.base && a < hm.end }

func (hm *heapMemory) word(a Address) *uint64 {
	return (*uint64)(unsafe.Pointer(&hm.mem[a-hm.base]))
}

func (hm *heapMemory) load(a Address) uint64 { return atomic.LoadUint64(hm.word(a)) }

func (hm *heapMemory) store(a Address, v uint64) { atomic.StoreUint64(hm.word(a), v) }

func (hm *heapMemory) cas(a Address, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(hm.word(a), old, new)
}

func (hm *heapMemory) loadRef(a Address) Address { return Address(hm.load(a)) }

// copyWords moves n words; the ranges may overlap
func (hm *heapMemory) copyWords(dst, src Address, n uint64) {
	d := uint64(dst - hm.base)
	s := uint64(src - hm.base)
	b := n << LogWordSize
	copy(hm.mem[d:d+b], hm.mem[s:s+b])
}

func (hm *heapMemory) clear(from, to Address) {
	if to <= from {
		return
	}
	clear(hm.mem[from-hm.base : to-hm.base])
}

// objectSize returns the size in words of the block at a, or 0 when the
// block is not initialized yet.
func (hm *heapMemory) objectSize(a Address) uint64 {
	if hm.load(a) == markOneWordFill {
		return 1
	}
	return klassSize(hm.load(a + WordSize))
}

func (hm *heapMemory) klass(a Address) uint64 { return hm.load(a + WordSize) }

// fill turns [from, to) into filler blocks
func (hm *heapMemory) fill(from, to Address) {
	words := uint64(to-from) >> LogWordSize
	switch words {
	case 0:
		return
	case 1:
		hm.store(from, markOneWordFill)
	default:
		hm.store(from, unlockedMark(0))
		hm.store(from+WordSize, makeKlass(words, KindFiller, 0))
	}
}

// initObject writes the header of a fresh, zeroed block. The klass word is
// stored last so concurrent scanners never parse a half-built header.
func (hm *heapMemory) initObject(a Address, spec ObjectSpec) {
	hm.store(a, unlockedMark(0))
	hm.store(a+WordSize, makeKlass(spec.SizeWords(), spec.Kind, uint64(spec.Refs)))
}
