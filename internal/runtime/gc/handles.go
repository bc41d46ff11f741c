package gc

import (
	"sync"
	"sync/atomic"
)

// Handle is a strong root held by mutators. Zero is the nil handle.
type Handle uint32

// WeakHandle refers to an object without keeping it alive. It reads as nil
// once the object has been found dead.
type WeakHandle uint32

const handleChunkSize = 1024

type handleChunk [handleChunkSize]atomic.Uint64

// HandleTable is a growable array of root slots. Slots are reached without
// locking; growth copies the chunk directory and publishes it atomically.
type HandleTable struct {
	mu     sync.Mutex
	chunks atomic.Pointer[[]*handleChunk]
	free   []uint32
	next   uint32
	live   atomic.Int64
}

func newHandleTable() *HandleTable {
	t := &HandleTable{}
	empty := make([]*handleChunk, 0)
	t.chunks.Store(&empty)
	return t
}

// alloc returns a fresh slot id (index+1) holding v
func (t *HandleTable) alloc(v Address) uint32 {
	t.mu.Lock()
	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		idx = t.next
		t.next++
		dir := *t.chunks.Load()
		if int(idx/handleChunkSize) >= len(dir) {
			grown := make([]*handleChunk, len(dir)+1)
			copy(grown, dir)
			grown[len(dir)] = new(handleChunk)
			t.chunks.Store(&grown)
		}
	}
	t.mu.Unlock()
	t.slot(idx + 1).Store(uint64(v))
	t.live.Add(1)
	return idx + 1
}

func (t *HandleTable) slot(id uint32) *atomic.Uint64 {
	idx := id - 1
	dir := *t.chunks.Load()
	return &dir[idx/handleChunkSize][idx%handleChunkSize]
}

func (t *HandleTable) valid(id uint32) bool {
	if id == 0 {
		return false
	}
	dir := *t.chunks.Load()
	return int((id-1)/handleChunkSize) < len(dir)
}

func (t *HandleTable) release(id uint32) {
	t.slot(id).Store(0)
	t.mu.Lock()
	t.free = append(t.free, id-1)
	t.mu.Unlock()
	t.live.Add(-1)
}

// Len returns the number of allocated slots
func (t *HandleTable) Len() int { return int(t.live.Load()) }

// numChunks returns the current chunk count; pauses use it to partition
// the table between workers
func (t *HandleTable) numChunks() int { return len(*t.chunks.Load()) }

// iterateChunk calls fn for every non-nil slot of chunk c
func (t *HandleTable) iterateChunk(c int, fn func(slot *atomic.Uint64, v Address)) {
	ch := (*t.chunks.Load())[c]
	for i := range ch {
		if v := ch[i].Load(); v != 0 {
			fn(&ch[i], Address(v))
		}
	}
}

// iterate calls fn for every non-nil slot
func (t *HandleTable) iterate(fn func(slot *atomic.Uint64, v Address)) {
	for c := 0; c < t.numChunks(); c++ {
		t.iterateChunk(c, fn)
	}
}

// iterateClaimed lets several workers share the table: each claims whole
// chunks through claim until none remain
func (t *HandleTable) iterateClaimed(claim *atomic.Int64, fn func(slot *atomic.Uint64, v Address)) {
	n := int64(t.numChunks())
	for {
		c := claim.Add(1) - 1
		if c >= n {
			return
		}
		t.iterateChunk(int(c), fn)
	}
}
