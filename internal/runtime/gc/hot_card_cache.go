package gc

import (
	"sync/atomic"
)

// HotCardCache delays refinement of cards that are dirtied over and over.
// Each card has a dirtying count; once it reaches the threshold the card is
// parked in a ring instead of being refined, and whatever card it displaces
// is refined in its place. The ring is drained at the start of every pause.
type HotCardCache struct {
	counts    []atomic.Uint32
	ring      []atomic.Uint64 // card+1, zero when empty
	next      atomic.Uint64
	threshold uint32
}

func newHotCardCache(numCards, size, threshold int) *HotCardCache {
	hc := &HotCardCache{threshold: uint32(threshold)}
	if size > 0 && threshold > 0 {
		hc.counts = make([]atomic.Uint32, numCards)
		hc.ring = make([]atomic.Uint64, size)
	}
	return hc
}

// Enabled reports whether the cache holds cards at all
func (hc *HotCardCache) Enabled() bool { return len(hc.ring) > 0 }

// Insert offers a dirty card. It returns the card that should be refined
// now, which is either card itself or an evicted hot card; ok is false when
// card was parked without evicting anything.
func (hc *HotCardCache) Insert(card uint64) (refine uint64, ok bool) {
	if !hc.Enabled() {
		return card, true
	}
	c := &hc.counts[card]
	for {
		old := c.Load()
		if old >= hc.threshold {
			break
		}
		if c.CompareAndSwap(old, old+1) {
			if old+1 < hc.threshold {
				return card, true
			}
			break
		}
	}
	slot := (hc.next.Add(1) - 1) % uint64(len(hc.ring))
	prev := hc.ring[slot].Swap(card + 1)
	if prev == 0 {
		return 0, false
	}
	return prev - 1, true
}

// Drain removes every parked card and passes it to fn
func (hc *HotCardCache) Drain(fn func(card uint64)) int {
	n := 0
	for i := range hc.ring {
		if v := hc.ring[i].Swap(0); v != 0 {
			fn(v - 1)
			n++
		}
	}
	return n
}

// ResetCounts forgets how often cards were dirtied
func (hc *HotCardCache) ResetCounts() {
	for i := range hc.counts {
		hc.counts[i].Store(0)
	}
}

// Clear drops parked cards without refining them and resets the counts
func (hc *HotCardCache) Clear() {
	for i := range hc.ring {
		hc.ring[i].Store(0)
	}
	hc.ResetCounts()
}
