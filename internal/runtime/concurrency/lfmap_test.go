package concurrency

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestLockFreeMap_Basic(t *testing.T) {
	m := NewUint32LockFreeMap[int](64)
	if _, ok := m.Load(7); ok {
		t.Fatal("unexpected present")
	}

	m.Store(7, 10)

	if v, ok := m.Load(7); !ok || v != 10 {
		t.Fatalf("got %v %v", v, ok)
	}

	if v, loaded := m.LoadOrStore(7, 20); !loaded || v != 10 {
		t.Fatalf("loadorstore: %v %v", v, loaded)
	}

	if !m.Delete(7) {
		t.Fatal("delete failed")
	}

	if _, ok := m.Load(7); ok {
		t.Fatal("still present after delete")
	}

	if v, loaded := m.LoadOrStore(7, 30); loaded || v != 30 {
		t.Fatalf("reinsert after delete: %v %v", v, loaded)
	}
	if m.Len() != 1 {
		t.Fatalf("len = %d", m.Len())
	}

	m.Clear()
	if m.Len() != 0 {
		t.Fatalf("len after clear = %d", m.Len())
	}
	if _, ok := m.Load(7); ok {
		t.Fatal("present after clear")
	}
}

func TestLockFreeMap_LoadOrStoreSingleWinner(t *testing.T) {
	m := NewUint32LockFreeMap[*int64](16)
	const goroutines = 8
	const keys = 512

	var winners atomic.Int64
	wg := sync.WaitGroup{}
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for k := uint32(0); k < keys; k++ {
				v := new(int64)
				actual, loaded := m.LoadOrStore(k, v)
				if !loaded {
					winners.Add(1)
				}
				atomic.AddInt64(actual, 1)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != keys {
		t.Fatalf("winners = %d, want %d", winners.Load(), keys)
	}
	if m.Len() != keys {
		t.Fatalf("len = %d, want %d", m.Len(), keys)
	}
	total := int64(0)
	m.Range(func(_ uint32, v *int64) bool {
		total += atomic.LoadInt64(v)
		return true
	})
	if total != goroutines*keys {
		t.Fatalf("increments lost: %d, want %d", total, goroutines*keys)
	}
}

func TestLockFreeMap_ConcurrentDelete(t *testing.T) {
	m := NewUint32LockFreeMap[int](4)
	for k := uint32(0); k < 256; k++ {
		m.Store(k, int(k))
	}

	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		for k := uint32(0); k < 256; k += 2 {
			m.Delete(k)
		}
	}()
	go func() {
		defer wg.Done()
		for k := uint32(256); k < 512; k++ {
			m.Store(k, int(k))
		}
	}()
	wg.Wait()

	for k := uint32(0); k < 512; k++ {
		_, ok := m.Load(k)
		want := k >= 256 || k%2 == 1
		if ok != want {
			t.Fatalf("key %d present=%v, want %v", k, ok, want)
		}
	}
	if m.Len() != 128+256 {
		t.Fatalf("len = %d", m.Len())
	}
}
