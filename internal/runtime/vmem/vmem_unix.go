//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package vmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type unixMapping struct {
	mem []byte
}

func reserve(size uint64) (Mapping, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("vmem: reserve %d bytes: %w", size, err)
	}
	return &unixMapping{mem: mem}, nil
}

func (m *unixMapping) Bytes() []byte { return m.mem }
func (m *unixMapping) Size() uint64  { return uint64(len(m.mem)) }

func (m *unixMapping) Commit(off, n uint64) error {
	if err := checkRange(m, off, n); err != nil {
		return err
	}
	if err := unix.Mprotect(m.mem[off:off+n], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("vmem: commit [%#x, +%#x): %w", off, n, err)
	}
	return nil
}

func (m *unixMapping) Uncommit(off, n uint64) error {
	if err := checkRange(m, off, n); err != nil {
		return err
	}
	if err := unix.Madvise(m.mem[off:off+n], unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("vmem: uncommit [%#x, +%#x): %w", off, n, err)
	}
	if err := unix.Mprotect(m.mem[off:off+n], unix.PROT_NONE); err != nil {
		return fmt.Errorf("vmem: uncommit [%#x, +%#x): %w", off, n, err)
	}
	return nil
}

func (m *unixMapping) Protect(off, n uint64, prot Protection) error {
	if err := checkRange(m, off, n); err != nil {
		return err
	}
	var p int
	switch prot {
	case ProtNone:
		p = unix.PROT_NONE
	case ProtRead:
		p = unix.PROT_READ
	case ProtReadWrite:
		p = unix.PROT_READ | unix.PROT_WRITE
	default:
		return fmt.Errorf("vmem: unknown protection %v", prot)
	}
	return unix.Mprotect(m.mem[off:off+n], p)
}

func (m *unixMapping) Release() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}
