package gc

import (
	"fmt"
)

// Mutator is the heap access point of one goroutine. It owns thread-local
// allocation buffers and barrier logs and must not be shared between
// goroutines. Objects are only reachable through handles.
type Mutator struct {
	heap     *Heap
	tlabs    []lab
	dirty    []uint64
	satb     []Address
	critical int
	closed   bool
}

// NewMutator attaches a mutator to the heap
func (h *Heap) NewMutator() (*Mutator, error) {
	if h.closed.Load() {
		return nil, ErrClosed
	}
	m := &Mutator{
		heap:  h,
		tlabs: make([]lab, len(h.mutatorAlloc)),
		dirty: h.dirtyQ.NewBuffer(),
	}
	h.mutatorsMu.Lock()
	h.mutators[m] = struct{}{}
	h.mutatorsMu.Unlock()
	return m, nil
}

// Close retires the mutator's buffers and detaches it. Handles it created
// stay valid.
func (m *Mutator) Close() {
	if m.closed {
		return
	}
	h := m.heap
	h.safepoint.Enter()
	m.flush()
	h.safepoint.Leave()
	h.mutatorsMu.Lock()
	delete(h.mutators, m)
	h.mutatorsMu.Unlock()
	m.closed = true
}

// Flush publishes the mutator's partial barrier buffers so refinement and
// marking see them without waiting for the next pause
func (m *Mutator) Flush() {
	h := m.heap
	h.safepoint.Enter()
	h.dirtyQ.Enqueue(m.dirty)
	m.dirty = h.dirtyQ.NewBuffer()
	if len(m.satb) > 0 && h.satb.Active() {
		h.satb.Enqueue(m.satb)
		m.satb = nil
	}
	h.safepoint.Leave()
}

// flush retires the TLABs and hands over the barrier buffers. Called by
// the mutator inside the safepoint and by pauses for every mutator.
func (m *Mutator) flush() {
	h := m.heap
	for i := range m.tlabs {
		m.tlabs[i].retire(h.mem, nil)
	}
	m.flushBuffers()
}

func (m *Mutator) flushBuffers() {
	h := m.heap
	if len(m.dirty) > 0 {
		h.dirtyQ.Enqueue(m.dirty)
		m.dirty = h.dirtyQ.NewBuffer()
	}
	if len(m.satb) > 0 {
		if h.satb.Active() {
			h.satb.Enqueue(m.satb)
		}
		m.satb = nil
	}
}

func (m *Mutator) check() error {
	if m.closed || m.heap.closed.Load() {
		return ErrClosed
	}
	return nil
}

// resolve returns the object held by handle; called inside the safepoint
func (m *Mutator) resolve(hd Handle) (Address, error) {
	if !m.heap.handles.valid(uint32(hd)) {
		return 0, ErrNilHandle
	}
	a := Address(m.heap.handles.slot(uint32(hd)).Load())
	if a == 0 {
		return 0, ErrNilHandle
	}
	return a, nil
}

// Allocate creates an object and returns a strong handle to it. All
// reference slots and payload words start out zero.
func (m *Mutator) Allocate(spec ObjectSpec) (Handle, error) {
	if err := m.check(); err != nil {
		return 0, err
	}
	if err := spec.validate(); err != nil {
		return 0, invalidSpec(err)
	}
	h := m.heap
	if int(spec.Context) >= len(h.mutatorAlloc) {
		return 0, invalidSpec(fmt.Errorf("gc: allocation context %d not configured", spec.Context))
	}
	words := spec.SizeWords()
	if words >= h.humongousThreshold {
		return m.allocateHumongous(spec, words)
	}

	h.safepoint.Enter()
	a := h.attemptAllocation(m, spec.Context, words)
	if a == 0 {
		h.safepoint.Leave()
		var err error
		// On success the slow path returns inside the safepoint.
		if a, err = h.allocateSlow(m, spec.Context, words); err != nil {
			return 0, err
		}
	}
	h.mem.initObject(a, spec)
	hd := Handle(h.handles.alloc(a))
	h.safepoint.Leave()
	h.counters.allocatedBytes.Add(words * WordSize)
	return hd, nil
}

// Load reads reference slot i of obj and returns a new handle to the
// referent, or 0 when the slot is nil
func (m *Mutator) Load(obj Handle, i int) (Handle, error) {
	if err := m.check(); err != nil {
		return 0, err
	}
	h := m.heap
	h.safepoint.Enter()
	defer h.safepoint.Leave()
	slot, err := m.refSlotOf(obj, i)
	if err != nil {
		return 0, err
	}
	ref := h.mem.loadRef(slot)
	if ref == 0 {
		return 0, nil
	}
	return Handle(h.handles.alloc(ref)), nil
}

// Store writes val (0 for nil) into reference slot i of obj through the
// write barriers
func (m *Mutator) Store(obj Handle, i int, val Handle) error {
	if err := m.check(); err != nil {
		return err
	}
	h := m.heap
	h.safepoint.Enter()
	defer h.safepoint.Leave()
	slot, err := m.refSlotOf(obj, i)
	if err != nil {
		return err
	}
	var v Address
	if val != 0 {
		if v, err = m.resolve(val); err != nil {
			return err
		}
	}
	m.writeRef(slot, v)
	return nil
}

// writeRef stores v into slot with the pre- and post-write barriers
func (m *Mutator) writeRef(slot, v Address) {
	h := m.heap
	if h.satb.Active() {
		if old := h.mem.loadRef(slot); old != 0 {
			m.enqueueSATB(old)
		}
	}
	h.mem.store(slot, uint64(v))
	if v == 0 || (slot^v)>>h.regions.logRegionSize == 0 {
		return
	}
	card := h.cards.Index(slot)
	if h.cards.Value(card) == CardYoung {
		return
	}
	if h.cards.DirtyCard(card) {
		m.enqueueCard(card)
	}
}

func (m *Mutator) enqueueSATB(a Address) {
	m.satb = append(m.satb, a)
	if len(m.satb) >= satbBufferSize {
		m.heap.satb.Enqueue(m.satb)
		m.satb = make([]Address, 0, satbBufferSize)
	}
}

func (m *Mutator) enqueueCard(card uint64) {
	h := m.heap
	m.dirty = append(m.dirty, card)
	if len(m.dirty) < h.dirtyQ.bufferSize {
		return
	}
	if h.dirtyQ.AboveRedZone() {
		n := h.refiner.refineBuffer(m.dirty)
		h.counters.refinedByMutators.Add(uint64(n))
		m.dirty = m.dirty[:0]
		return
	}
	h.dirtyQ.Enqueue(m.dirty)
	m.dirty = h.dirtyQ.NewBuffer()
}

func (m *Mutator) refSlotOf(obj Handle, i int) (Address, error) {
	a, err := m.resolve(obj)
	if err != nil {
		return 0, err
	}
	refs := klassRefs(m.heap.mem.klass(a))
	if i < 0 || uint64(i) >= refs {
		return 0, fmt.Errorf("gc: reference slot %d out of range [0, %d)", i, refs)
	}
	return refSlot(a, uint64(i)), nil
}

func (m *Mutator) payloadWord(obj Handle, i int) (Address, error) {
	a, err := m.resolve(obj)
	if err != nil {
		return 0, err
	}
	k := m.heap.mem.klass(a)
	n := klassSize(k) - headerWords - klassRefs(k)
	if i < 0 || uint64(i) >= n {
		return 0, fmt.Errorf("gc: payload word %d out of range [0, %d)", i, n)
	}
	return a.Words(headerWords + klassRefs(k) + uint64(i)), nil
}

// ReadWord returns payload word i of obj
func (m *Mutator) ReadWord(obj Handle, i int) (uint64, error) {
	if err := m.check(); err != nil {
		return 0, err
	}
	h := m.heap
	h.safepoint.Enter()
	defer h.safepoint.Leave()
	w, err := m.payloadWord(obj, i)
	if err != nil {
		return 0, err
	}
	return h.mem.load(w), nil
}

// WriteWord stores v into payload word i of obj
func (m *Mutator) WriteWord(obj Handle, i int, v uint64) error {
	if err := m.check(); err != nil {
		return err
	}
	h := m.heap
	h.safepoint.Enter()
	defer h.safepoint.Leave()
	w, err := m.payloadWord(obj, i)
	if err != nil {
		return err
	}
	h.mem.store(w, v)
	return nil
}

// Size returns the size of obj in bytes
func (m *Mutator) Size(obj Handle) (uint64, error) {
	if err := m.check(); err != nil {
		return 0, err
	}
	h := m.heap
	h.safepoint.Enter()
	defer h.safepoint.Leave()
	a, err := m.resolve(obj)
	if err != nil {
		return 0, err
	}
	return klassSize(h.mem.klass(a)) * WordSize, nil
}

// Address returns the current address of obj. It changes when the object
// is evacuated.
func (m *Mutator) Address(obj Handle) (Address, error) {
	if err := m.check(); err != nil {
		return 0, err
	}
	h := m.heap
	h.safepoint.Enter()
	defer h.safepoint.Leave()
	return m.resolve(obj)
}

// Dup returns a second handle to the object held by hd
func (m *Mutator) Dup(hd Handle) (Handle, error) {
	if err := m.check(); err != nil {
		return 0, err
	}
	h := m.heap
	h.safepoint.Enter()
	defer h.safepoint.Leave()
	a, err := m.resolve(hd)
	if err != nil {
		return 0, err
	}
	return Handle(h.handles.alloc(a)), nil
}

// Release drops a strong handle
func (m *Mutator) Release(hd Handle) error {
	h := m.heap
	if !h.handles.valid(uint32(hd)) {
		return ErrNilHandle
	}
	h.safepoint.Enter()
	h.handles.release(uint32(hd))
	h.safepoint.Leave()
	return nil
}

// NewWeak creates a weak handle to the object held by hd
func (m *Mutator) NewWeak(hd Handle) (WeakHandle, error) {
	if err := m.check(); err != nil {
		return 0, err
	}
	h := m.heap
	h.safepoint.Enter()
	defer h.safepoint.Leave()
	a, err := m.resolve(hd)
	if err != nil {
		return 0, err
	}
	return WeakHandle(h.weak.alloc(a)), nil
}

// ResolveWeak returns a strong handle to the referent of w, or 0 once the
// referent was found dead
func (m *Mutator) ResolveWeak(w WeakHandle) (Handle, error) {
	if err := m.check(); err != nil {
		return 0, err
	}
	h := m.heap
	if !h.weak.valid(uint32(w)) {
		return 0, ErrNilHandle
	}
	h.safepoint.Enter()
	defer h.safepoint.Leave()
	a := Address(h.weak.slot(uint32(w)).Load())
	if a == 0 {
		return 0, nil
	}
	// The referent becomes strongly reachable; marking must see it.
	if h.satb.Active() {
		m.enqueueSATB(a)
	}
	return Handle(h.handles.alloc(a)), nil
}

// ReleaseWeak drops a weak handle
func (m *Mutator) ReleaseWeak(w WeakHandle) error {
	h := m.heap
	if !h.weak.valid(uint32(w)) {
		return ErrNilHandle
	}
	h.safepoint.Enter()
	h.weak.release(uint32(w))
	h.safepoint.Leave()
	return nil
}

// EnterCritical starts a critical section during which objects do not
// move. Allocation inside a critical section fails instead of waiting for
// a collection.
func (m *Mutator) EnterCritical() {
	h := m.heap
	// Entering inside the safepoint keeps a pause that already passed its
	// locker check from running concurrently with the new section.
	for {
		h.safepoint.Enter()
		ok := h.locker.tryEnter()
		h.safepoint.Leave()
		if ok {
			break
		}
		h.locker.Stall()
	}
	m.critical++
}

// ExitCritical ends a critical section
func (m *Mutator) ExitCritical() {
	if m.critical == 0 {
		return
	}
	m.critical--
	m.heap.locker.Exit()
}
