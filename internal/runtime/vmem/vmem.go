// Package vmem reserves address space for the heap and commits, uncommits
// and protects ranges of it.
//
// A reservation is presented as one byte slice covering the whole range.
// Only committed ranges may be touched.
package vmem

import (
	"fmt"
	"os"
)

//go:generate mockgen -source=vmem.go -destination=vmemmock/mapping.go -package=vmemmock

// Protection selects the access allowed on a committed range
type Protection int

const (
	ProtNone Protection = iota
	ProtRead
	ProtReadWrite
)

func (p Protection) String() string {
	switch p {
	case ProtNone:
		return "none"
	case ProtRead:
		return "read"
	case ProtReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("Protection(%d)", int(p))
	}
}

// Mapping is a reserved range of address space. Offsets and lengths passed
// to Commit, Uncommit and Protect must be page aligned.
type Mapping interface {
	// Bytes returns the whole reservation
	Bytes() []byte
	// Size returns the reservation size in bytes
	Size() uint64
	// Commit makes [off, off+n) readable and writable; fresh pages read as zero
	Commit(off, n uint64) error
	// Uncommit returns the backing pages of [off, off+n) to the system
	Uncommit(off, n uint64) error
	// Protect changes the access of a committed range
	Protect(off, n uint64, prot Protection) error
	// Release unmaps the reservation
	Release() error
}

// Reserver obtains a Mapping of at least size bytes
type Reserver func(size uint64) (Mapping, error)

// PageSize is the granularity of commit and protect
var PageSize = uint64(os.Getpagesize())

// Reserve reserves size bytes rounded up to the page size
func Reserve(size uint64) (Mapping, error) {
	if size == 0 {
		return nil, fmt.Errorf("vmem: zero-sized reservation")
	}
	return reserve(alignUp(size, PageSize))
}

func checkRange(m Mapping, off, n uint64) error {
	if off%PageSize != 0 || n%PageSize != 0 {
		return fmt.Errorf("vmem: range [%#x, +%#x) not page aligned", off, n)
	}
	if off+n > m.Size() || off+n < off {
		return fmt.Errorf("vmem: range [%#x, +%#x) outside reservation of %#x bytes", off, n, m.Size())
	}
	return nil
}

func alignUp(v, a uint64) uint64 { return (v + a - 1) &^ (a - 1) }
