package concurrency

import (
	"sync/atomic"
)

// LockFreeMap is a lock-free hash map with a fixed bucket count. Buckets are
// singly-linked lists with insertion at the head only. A deleted node stays
// dead: its value pointer is nil forever and a later insert of the same key
// allocates a new node. Dead nodes are unlinked opportunistically.
type LockFreeMap[K comparable, V any] struct {
	buckets []atomic.Pointer[node[K, V]]
	mask    uint64
	hasher  func(K) uint64
	live    atomic.Int64
}

type node[K comparable, V any] struct {
	key  K
	val  atomic.Pointer[valBox[V]]
	next atomic.Pointer[node[K, V]]
}

type valBox[V any] struct{ v V }

// NewLockFreeMap creates a map with the bucket count rounded up to a power
// of two.
func NewLockFreeMap[K comparable, V any](buckets uint64, hasher func(K) uint64) *LockFreeMap[K, V] {
	if buckets < 2 {
		buckets = 2
	}
	n := uint64(1)
	for n < buckets {
		n <<= 1
	}
	return &LockFreeMap[K, V]{
		buckets: make([]atomic.Pointer[node[K, V]], n),
		mask:    n - 1,
		hasher:  hasher,
	}
}

// NewUint32LockFreeMap creates a map keyed by small integers such as region
// indices, hashed with Fibonacci hashing.
func NewUint32LockFreeMap[V any](buckets uint64) *LockFreeMap[uint32, V] {
	return NewLockFreeMap[uint32, V](buckets, func(k uint32) uint64 {
		return (uint64(k) * 0x9E3779B97F4A7C15) >> 32
	})
}

func (m *LockFreeMap[K, V]) bucket(key K) *atomic.Pointer[node[K, V]] {
	return &m.buckets[m.hasher(key)&m.mask]
}

func findLive[K comparable, V any](head *node[K, V], key K) (*node[K, V], *valBox[V]) {
	for n := head; n != nil; n = n.next.Load() {
		if n.key != key {
			continue
		}
		if vb := n.val.Load(); vb != nil {
			return n, vb
		}
	}
	return nil, nil
}

// Load returns the value for key if present.
func (m *LockFreeMap[K, V]) Load(key K) (V, bool) {
	var zero V
	if _, vb := findLive(m.bucket(key).Load(), key); vb != nil {
		return vb.v, true
	}
	return zero, false
}

// LoadOrStore returns the existing value for key if present. Otherwise it
// stores value and returns it. loaded reports which happened. Concurrent
// callers for the same key all observe the same winner.
func (m *LockFreeMap[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	head := m.bucket(key)
	var fresh *node[K, V]
	for {
		first := head.Load()
		if _, vb := findLive(first, key); vb != nil {
			return vb.v, true
		}
		if fresh == nil {
			fresh = &node[K, V]{key: key}
			fresh.val.Store(&valBox[V]{v: value})
		}
		fresh.next.Store(first)
		if head.CompareAndSwap(first, fresh) {
			m.live.Add(1)
			return value, false
		}
	}
}

// Store sets the value for key, inserting if absent.
func (m *LockFreeMap[K, V]) Store(key K, value V) {
	box := &valBox[V]{v: value}
	head := m.bucket(key)
	for {
		first := head.Load()
		if n, old := findLive(first, key); n != nil {
			if n.val.CompareAndSwap(old, box) {
				return
			}
			continue
		}
		fresh := &node[K, V]{key: key}
		fresh.val.Store(box)
		fresh.next.Store(first)
		if head.CompareAndSwap(first, fresh) {
			m.live.Add(1)
			return
		}
	}
}

// Delete removes the key if present.
func (m *LockFreeMap[K, V]) Delete(key K) bool {
	head := m.bucket(key)
	prev := head
	for n := head.Load(); n != nil; {
		next := n.next.Load()
		if n.key == key {
			if vb := n.val.Load(); vb != nil && n.val.CompareAndSwap(vb, nil) {
				m.live.Add(-1)
				prev.CompareAndSwap(n, next)
				return true
			}
		}
		prev = &n.next
		n = next
	}
	return false
}

// Range iterates key-value pairs; if fn returns false, iteration stops.
func (m *LockFreeMap[K, V]) Range(fn func(K, V) bool) {
	for i := range m.buckets {
		for n := m.buckets[i].Load(); n != nil; n = n.next.Load() {
			vb := n.val.Load()
			if vb == nil {
				continue
			}
			if !fn(n.key, vb.v) {
				return
			}
		}
	}
}

// Len returns the number of live entries
func (m *LockFreeMap[K, V]) Len() int { return int(m.live.Load()) }

// Clear drops every entry. It must not race with other operations.
func (m *LockFreeMap[K, V]) Clear() {
	for i := range m.buckets {
		m.buckets[i].Store(nil)
	}
	m.live.Store(0)
}
