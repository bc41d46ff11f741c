package gc

import (
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	gcerrors "github.com/orizon-lang/regiongc/internal/errors"
	"github.com/orizon-lang/regiongc/internal/runtime/concurrency"
)

// RememberedSet records the cards outside its region that may hold
// references into it. Cards are kept as fine per-source-region bitmaps in a
// lock-free map; when more than maxFine source regions are tracked the
// densest bitmap is coarsened into a single bit meaning "any card of that
// region". Add may be called concurrently from any number of goroutines.
type RememberedSet struct {
	region         uint32
	logCardsPerReg uint
	maxFine        int
	sparseEntries  int

	fine        *concurrency.LockFreeMap[uint32, *cardBitmap]
	coarse      []atomic.Uint64
	coarseCount atomic.Int64
	coarsenMu   sync.Mutex
}

// cardBitmap holds the cards of one source region
type cardBitmap struct {
	words []atomic.Uint64
	count atomic.Int64
}

func newCardBitmap(cards uint64) *cardBitmap {
	return &cardBitmap{words: make([]atomic.Uint64, (cards+63)/64)}
}

func (b *cardBitmap) set(i uint64) bool {
	w := &b.words[i/64]
	mask := uint64(1) << (i % 64)
	for {
		old := w.Load()
		if old&mask != 0 {
			return false
		}
		if w.CompareAndSwap(old, old|mask) {
			b.count.Add(1)
			return true
		}
	}
}

func (b *cardBitmap) test(i uint64) bool {
	return b.words[i/64].Load()&(uint64(1)<<(i%64)) != 0
}

func (b *cardBitmap) popcount() int64 {
	n := 0
	for i := range b.words {
		n += bits.OnesCount64(b.words[i].Load())
	}
	return int64(n)
}

func newRememberedSet(region uint32, numRegions int, logCardsPerRegion uint, maxFine, sparse int) *RememberedSet {
	return &RememberedSet{
		region:         region,
		logCardsPerReg: logCardsPerRegion,
		maxFine:        maxFine,
		sparseEntries:  sparse,
		fine:           concurrency.NewUint32LockFreeMap[*cardBitmap](16),
		coarse:         make([]atomic.Uint64, (numRegions+63)/64),
	}
}

func (rs *RememberedSet) cardsPerRegion() uint64 { return 1 << rs.logCardsPerReg }

func (rs *RememberedSet) isCoarse(src uint32) bool {
	return rs.coarse[src/64].Load()&(uint64(1)<<(src%64)) != 0
}

// Add records card as possibly holding a reference into the region
func (rs *RememberedSet) Add(card uint64) {
	src := uint32(card >> rs.logCardsPerReg)
	if rs.isCoarse(src) {
		return
	}
	bm, ok := rs.fine.Load(src)
	if !ok {
		var loaded bool
		bm, loaded = rs.fine.LoadOrStore(src, newCardBitmap(rs.cardsPerRegion()))
		if !loaded && rs.fine.Len() > rs.maxFine {
			bm.set(card & (rs.cardsPerRegion() - 1))
			rs.coarsen()
			return
		}
	}
	bm.set(card & (rs.cardsPerRegion() - 1))
}

// coarsen folds the densest fine bitmaps into coarse bits until the fine
// table is back within its limit. The coarse bit is published before the
// bitmap is dropped so a concurrent Add into the dropped bitmap stays
// covered.
func (rs *RememberedSet) coarsen() {
	rs.coarsenMu.Lock()
	defer rs.coarsenMu.Unlock()
	for rs.fine.Len() > rs.maxFine {
		victim, best := uint32(0), int64(-1)
		rs.fine.Range(func(src uint32, bm *cardBitmap) bool {
			if c := bm.count.Load(); c > best {
				victim, best = src, c
			}
			return true
		})
		if best < 0 {
			return
		}
		w := &rs.coarse[victim/64]
		mask := uint64(1) << (victim % 64)
		for {
			old := w.Load()
			if old&mask != 0 {
				break
			}
			if w.CompareAndSwap(old, old|mask) {
				rs.coarseCount.Add(1)
				break
			}
		}
		rs.fine.Delete(victim)
	}
}

// Contains reports whether card is recorded
func (rs *RememberedSet) Contains(card uint64) bool {
	src := uint32(card >> rs.logCardsPerReg)
	if rs.isCoarse(src) {
		return true
	}
	bm, ok := rs.fine.Load(src)
	return ok && bm.test(card&(rs.cardsPerRegion()-1))
}

// Occupied returns the number of recorded cards, counting a coarse region
// as all of its cards
func (rs *RememberedSet) Occupied() uint64 {
	n := uint64(rs.coarseCount.Load()) << rs.logCardsPerReg
	rs.fine.Range(func(_ uint32, bm *cardBitmap) bool {
		n += uint64(bm.count.Load())
		return true
	})
	return n
}

// IsEmpty reports whether nothing is recorded
func (rs *RememberedSet) IsEmpty() bool {
	if rs.coarseCount.Load() != 0 {
		return false
	}
	empty := true
	rs.fine.Range(func(_ uint32, bm *cardBitmap) bool {
		if bm.count.Load() != 0 {
			empty = false
			return false
		}
		return true
	})
	return empty
}

// IsSparse reports whether the set holds at most the sparse threshold of
// cards and no coarse entries
func (rs *RememberedSet) IsSparse() bool {
	return rs.coarseCount.Load() == 0 && rs.Occupied() <= uint64(rs.sparseEntries)
}

// Iterate calls visit for every recorded card until it returns false
func (rs *RememberedSet) Iterate(visit func(card uint64) bool) bool {
	cpr := rs.cardsPerRegion()
	for wi := range rs.coarse {
		w := rs.coarse[wi].Load()
		for w != 0 {
			b := uint64(bits.TrailingZeros64(w))
			w &^= 1 << b
			first := (uint64(wi)*64 + b) << rs.logCardsPerReg
			for c := first; c < first+cpr; c++ {
				if !visit(c) {
					return false
				}
			}
		}
	}
	cont := true
	rs.fine.Range(func(src uint32, bm *cardBitmap) bool {
		if rs.isCoarse(src) {
			return true
		}
		base := uint64(src) << rs.logCardsPerReg
		for wi := range bm.words {
			w := bm.words[wi].Load()
			for w != 0 {
				b := uint64(bits.TrailingZeros64(w))
				w &^= 1 << b
				if !visit(base + uint64(wi)*64 + b) {
					cont = false
					return false
				}
			}
		}
		return true
	})
	return cont
}

// Clear drops every entry. Only called while no Add can run.
func (rs *RememberedSet) Clear() {
	rs.fine.Clear()
	for i := range rs.coarse {
		rs.coarse[i].Store(0)
	}
	rs.coarseCount.Store(0)
}

// Verify checks the cached occupancy counts against the bitmaps
func (rs *RememberedSet) Verify() error {
	var err error
	rs.fine.Range(func(src uint32, bm *cardBitmap) bool {
		if got, want := bm.popcount(), bm.count.Load(); got != want {
			err = gcerrors.RemSetCorrupt(rs.region,
				fmt.Sprintf("fine table for source region %d holds %d cards but counts %d", src, got, want))
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	n := int64(0)
	for i := range rs.coarse {
		n += int64(bits.OnesCount64(rs.coarse[i].Load()))
	}
	if n != rs.coarseCount.Load() {
		return gcerrors.RemSetCorrupt(rs.region,
			fmt.Sprintf("coarse map holds %d regions but counts %d", n, rs.coarseCount.Load()))
	}
	return nil
}
