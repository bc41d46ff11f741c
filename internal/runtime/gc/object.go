package gc

import (
	"fmt"
)

// Address is a heap address. Zero is the nil reference; heap addresses
// start at heapBase.
type Address uint64

const (
	WordSize    = 8
	LogWordSize = 3

	heapBase Address = 1 << 32
)

// Words returns the address n words after a
func (a Address) Words(n uint64) Address { return a + Address(n<<LogWordSize) }

func (a Address) String() string { return fmt.Sprintf("%#x", uint64(a)) }

// ObjectKind distinguishes the object shapes the collector understands
type ObjectKind uint8

const (
	KindFiller ObjectKind = iota
	KindObject
	KindPrimitiveArray
)

func (k ObjectKind) String() string {
	switch k {
	case KindFiller:
		return "filler"
	case KindObject:
		return "object"
	case KindPrimitiveArray:
		return "primitive-array"
	default:
		return fmt.Sprintf("ObjectKind(%d)", uint8(k))
	}
}

// Object layout: word 0 is the mark word, word 1 the klass word, then the
// reference slots, then the payload.
//
// Mark word: low two bits are the tag. 01 is an ordinary object with its
// survivor age in bits 3..6; 11 means forwarded, with the forwardee in the
// remaining bits. The value 0x2 marks a one-word filler.
//
// Klass word: bits 0..31 size in words, 32..39 kind, 40..63 reference slot
// count. Zero means the object is not initialized yet.
const (
	headerWords    = 2
	minObjectWords = headerWords

	markTagMask      = 0x3
	markUnlockedTag  = 0x1
	markForwardedTag = 0x3
	markOneWordFill  = 0x2
	markAgeShift     = 3
	markAgeMask      = 0xf << markAgeShift
	maxAge           = 15

	klassSizeMask  = 1<<32 - 1
	klassKindShift = 32
	klassRefsShift = 40
	maxRefSlots    = 1<<24 - 1
)

func makeKlass(sizeWords uint64, kind ObjectKind, refs uint64) uint64 {
	return sizeWords&klassSizeMask | uint64(kind)<<klassKindShift | refs<<klassRefsShift
}

func klassSize(k uint64) uint64     { return k & klassSizeMask }
func klassKind(k uint64) ObjectKind { return ObjectKind(k >> klassKindShift) }
func klassRefs(k uint64) uint64     { return k >> klassRefsShift }

func unlockedMark(age uint) uint64 {
	if age > maxAge {
		age = maxAge
	}
	return uint64(age)<<markAgeShift | markUnlockedTag
}

func isForwarded(mark uint64) bool               { return mark&markTagMask == markForwardedTag }
func forwardee(mark uint64) Address              { return Address(mark &^ markTagMask) }
func forwardingMark(to Address) uint64           { return uint64(to) | markForwardedTag }
func markAge(mark uint64) uint                   { return uint((mark & markAgeMask) >> markAgeShift) }
func isSelfForwarded(obj Address, m uint64) bool { return isForwarded(m) && forwardee(m) == obj }

// ObjectSpec describes an allocation request
type ObjectSpec struct {
	Kind         ObjectKind
	Refs         int   // reference slots, zero for primitive arrays
	PayloadWords int   // non-reference words
	Context      uint8 // allocation context
}

// SizeWords returns the object size including the header
func (s ObjectSpec) SizeWords() uint64 {
	n := uint64(headerWords) + uint64(s.Refs) + uint64(s.PayloadWords)
	if n < minObjectWords {
		n = minObjectWords
	}
	return n
}

func (s ObjectSpec) validate() error {
	switch {
	case s.Refs < 0 || s.PayloadWords < 0:
		return fmt.Errorf("gc: negative object shape %+v", s)
	case s.Refs > maxRefSlots:
		return fmt.Errorf("gc: %d reference slots exceeds %d", s.Refs, maxRefSlots)
	case s.Kind == KindPrimitiveArray && s.Refs != 0:
		return fmt.Errorf("gc: primitive array cannot hold references")
	case s.Kind == KindFiller:
		return fmt.Errorf("gc: fillers are not allocatable")
	case s.Kind != KindObject && s.Kind != KindPrimitiveArray:
		return fmt.Errorf("gc: unknown object kind %v", s.Kind)
	case s.SizeWords() > klassSizeMask:
		return fmt.Errorf("gc: object of %d words too large", s.SizeWords())
	}
	return nil
}

func refSlot(obj Address, i uint64) Address { return obj.Words(headerWords + i) }
