//go:build windows

package vmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

type windowsMapping struct {
	addr uintptr
	mem  []byte
}

func reserve(size uint64) (Mapping, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_RESERVE, windows.PAGE_NOACCESS)
	if err != nil {
		return nil, fmt.Errorf("vmem: reserve %d bytes: %w", size, err)
	}
	mem := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
	return &windowsMapping{addr: addr, mem: mem}, nil
}

func (m *windowsMapping) Bytes() []byte { return m.mem }
func (m *windowsMapping) Size() uint64  { return uint64(len(m.mem)) }

func (m *windowsMapping) Commit(off, n uint64) error {
	if err := checkRange(m, off, n); err != nil {
		return err
	}
	if _, err := windows.VirtualAlloc(m.addr+uintptr(off), uintptr(n), windows.MEM_COMMIT, windows.PAGE_READWRITE); err != nil {
		return fmt.Errorf("vmem: commit [%#x, +%#x): %w", off, n, err)
	}
	return nil
}

func (m *windowsMapping) Uncommit(off, n uint64) error {
	if err := checkRange(m, off, n); err != nil {
		return err
	}
	if err := windows.VirtualFree(m.addr+uintptr(off), uintptr(n), windows.MEM_DECOMMIT); err != nil {
		return fmt.Errorf("vmem: uncommit [%#x, +%#x): %w", off, n, err)
	}
	return nil
}

func (m *windowsMapping) Protect(off, n uint64, prot Protection) error {
	if err := checkRange(m, off, n); err != nil {
		return err
	}
	var p uint32
	switch prot {
	case ProtNone:
		p = windows.PAGE_NOACCESS
	case ProtRead:
		p = windows.PAGE_READONLY
	case ProtReadWrite:
		p = windows.PAGE_READWRITE
	default:
		return fmt.Errorf("vmem: unknown protection %v", prot)
	}
	var old uint32
	return windows.VirtualProtect(m.addr+uintptr(off), uintptr(n), p, &old)
}

func (m *windowsMapping) Release() error {
	if m.mem == nil {
		return nil
	}
	err := windows.VirtualFree(m.addr, 0, windows.MEM_RELEASE)
	m.mem = nil
	return err
}
