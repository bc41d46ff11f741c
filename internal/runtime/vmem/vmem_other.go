//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly || windows)

package vmem

func reserve(size uint64) (Mapping, error) {
	return NewHeapMapping(size), nil
}
