package gc

import (
	"math/bits"
	"sync/atomic"
)

// MarkBitmap holds one mark bit per heap word
type MarkBitmap struct {
	base  Address
	words []atomic.Uint64
}

func newMarkBitmap(base Address, heapBytes uint64) *MarkBitmap {
	return &MarkBitmap{base: base, words: make([]atomic.Uint64, (heapBytes/WordSize+63)/64)}
}

func (bm *MarkBitmap) bit(a Address) (uint64, uint64) {
	i := uint64(a-bm.base) >> LogWordSize
	return i / 64, uint64(1) << (i % 64)
}

// Mark sets the bit for a and reports whether this call set it
func (bm *MarkBitmap) Mark(a Address) bool {
	wi, mask := bm.bit(a)
	w := &bm.words[wi]
	for {
		old := w.Load()
		if old&mask != 0 {
			return false
		}
		if w.CompareAndSwap(old, old|mask) {
			return true
		}
	}
}

// IsMarked reports whether a is marked
func (bm *MarkBitmap) IsMarked(a Address) bool {
	wi, mask := bm.bit(a)
	return bm.words[wi].Load()&mask != 0
}

// Clear unmarks a
func (bm *MarkBitmap) Clear(a Address) {
	wi, mask := bm.bit(a)
	w := &bm.words[wi]
	for {
		old := w.Load()
		if old&mask == 0 || w.CompareAndSwap(old, old&^mask) {
			return
		}
	}
}

// NextMarked returns the first marked address in [from, limit), or limit
func (bm *MarkBitmap) NextMarked(from, limit Address) Address {
	if from >= limit {
		return limit
	}
	i := uint64(from-bm.base) >> LogWordSize
	end := uint64(limit-bm.base) >> LogWordSize
	wi := i / 64
	w := bm.words[wi].Load() &^ (uint64(1)<<(i%64) - 1)
	for {
		if w != 0 {
			found := wi*64 + uint64(bits.TrailingZeros64(w))
			if found >= end {
				return limit
			}
			return bm.base + Address(found<<LogWordSize)
		}
		wi++
		if wi*64 >= end {
			return limit
		}
		w = bm.words[wi].Load()
	}
}

// ClearRange unmarks every word of [from, to). Both ends must be multiples
// of 64 words apart from the heap base, which region boundaries are.
func (bm *MarkBitmap) ClearRange(from, to Address) {
	if to <= from {
		return
	}
	first := (uint64(from-bm.base) >> LogWordSize) / 64
	last := (uint64(to-bm.base) >> LogWordSize) / 64
	for i := first; i < last; i++ {
		bm.words[i].Store(0)
	}
}

// IterateMarked calls fn for every marked address in [from, to) until fn
// returns false
func (bm *MarkBitmap) IterateMarked(from, to Address, fn func(a Address) bool) bool {
	for a := bm.NextMarked(from, to); a < to; a = bm.NextMarked(a+WordSize, to) {
		if !fn(a) {
			return false
		}
	}
	return true
}

// clearAll unmarks everything
func (bm *MarkBitmap) clearAll() {
	for i := range bm.words {
		bm.words[i].Store(0)
	}
}
