package gc

import (
	"sync/atomic"
)

// Card values
const (
	CardDirty uint32 = 0
	CardYoung uint32 = 2
	CardClean uint32 = 0xff

	LogCardSize = 9
	CardSize    = 1 << LogCardSize
	cardWords   = CardSize / WordSize
)

// CardTable keeps one entry per 512-byte card of the heap. The post-write
// barrier moves cards from clean to dirty; cards of young regions stay
// young so stores into young objects are filtered out.
type CardTable struct {
	base  Address
	cards []atomic.Uint32
}

func newCardTable(base Address, heapBytes uint64) *CardTable {
	ct := &CardTable{base: base, cards: make([]atomic.Uint32, heapBytes>>LogCardSize)}
	for i := range ct.cards {
		ct.cards[i].Store(CardClean)
	}
	return ct
}

// Index returns the card covering a
func (ct *CardTable) Index(a Address) uint64 { return uint64(a-ct.base) >> LogCardSize }

// Start returns the first address of card
func (ct *CardTable) Start(card uint64) Address { return ct.base + Address(card<<LogCardSize) }

// Value returns the current value of card
func (ct *CardTable) Value(card uint64) uint32 { return ct.cards[card].Load() }

// Len returns the number of cards
func (ct *CardTable) Len() int { return len(ct.cards) }

// Dirty marks the card covering a as dirty. It returns true when the card
// moved from clean to dirty, i.e. when the caller must enqueue it.
func (ct *CardTable) Dirty(a Address) bool {
	return ct.DirtyCard(ct.Index(a))
}

// DirtyCard is Dirty for a card index
func (ct *CardTable) DirtyCard(card uint64) bool {
	c := &ct.cards[card]
	if c.Load() != CardClean {
		return false
	}
	return c.CompareAndSwap(CardClean, CardDirty)
}

// clean moves a dirty card back to clean before it is scanned
func (ct *CardTable) clean(card uint64) bool {
	return ct.cards[card].CompareAndSwap(CardDirty, CardClean)
}

// setRange stores v into every card covering [from, to)
func (ct *CardTable) setRange(from, to Address, v uint32) {
	if to <= from {
		return
	}
	last := ct.Index(to - 1)
	for c := ct.Index(from); c <= last; c++ {
		ct.cards[c].Store(v)
	}
}

// clearAll resets every card to clean
func (ct *CardTable) clearAll() {
	for i := range ct.cards {
		ct.cards[i].Store(CardClean)
	}
}
