package gc

import (
	"context"
	"errors"
	"sync"

	"github.com/orizon-lang/regiongc/internal/cli"
)

// Readiness is the outcome of an operation's Prepare step
type Readiness int

const (
	// Ready means the operation holds its locks and may execute
	Ready Readiness = iota
	// Retry means the operation was refused and released its locks
	Retry
)

func (r Readiness) String() string {
	if r == Ready {
		return "ready"
	}
	return "retry"
}

// Operation is work that needs every participant stopped. Prepare runs on
// the dispatcher goroutine before the safepoint and takes the locks the
// operation needs; Execute runs inside the safepoint; Finish runs after it
// and releases what Prepare took. Finish is not called when Prepare
// returns Retry.
type Operation interface {
	Name() string
	Prepare() Readiness
	Execute()
	Finish()
}

type opRequest struct {
	op     Operation
	result Readiness
	done   chan struct{}
}

// Dispatcher runs operations one at a time on a dedicated goroutine
type Dispatcher struct {
	sp   *Safepoint
	log  *cli.Logger
	reqs chan *opRequest
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func newDispatcher(sp *Safepoint, log *cli.Logger) *Dispatcher {
	return &Dispatcher{
		sp:   sp,
		log:  log,
		reqs: make(chan *opRequest),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start launches the dispatcher goroutine
func (d *Dispatcher) Start() { go d.loop() }

// Stop terminates the dispatcher after the running operation
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.quit) })
	<-d.done
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		select {
		case req := <-d.reqs:
			d.run(req)
		case <-d.quit:
			return
		}
	}
}

func (d *Dispatcher) run(req *opRequest) {
	defer close(req.done)
	if req.op.Prepare() == Retry {
		d.log.Debug("%s refused, retry", req.op.Name())
		req.result = Retry
		return
	}
	d.sp.Begin()
	req.op.Execute()
	d.sp.End()
	req.op.Finish()
	req.result = Ready
}

// Submit queues op and waits for it to run. The caller must not be a
// safepoint participant. Once queued the operation runs even if ctx is
// cancelled.
func (d *Dispatcher) Submit(ctx context.Context, op Operation) (Readiness, error) {
	req := &opRequest{op: op, done: make(chan struct{})}
	select {
	case d.reqs <- req:
	case <-d.quit:
		return Retry, ErrClosed
	case <-ctx.Done():
		return Retry, ctx.Err()
	}
	select {
	case <-req.done:
		return req.result, nil
	case <-d.done:
		// The loop closes req.done before exiting when it ran the request.
		select {
		case <-req.done:
			return req.result, nil
		default:
			return Retry, ErrClosed
		}
	}
}

// collectOp is an evacuation pause, optionally escalating to or replaced
// by a full collection
type collectOp struct {
	h     *Heap
	cause Cause

	// Skip the pause when another collection ran since gcCountBefore was
	// read; the caller retries its allocation instead.
	skipIfStale   bool
	gcCountBefore uint64

	full          bool // run a full collection instead of a pause
	initialMark   bool // start a marking cycle if none is running
	upgradeToFull bool // follow with a full collection if the request still cannot be met
	humongous     int  // regions the caller needs contiguously, 0 for a young allocation

	locked  bool
	skipped bool
	refused bool
	oom     bool
}

func (op *collectOp) Name() string {
	if op.full {
		return "full collection (" + op.cause.String() + ")"
	}
	return "evacuation pause (" + op.cause.String() + ")"
}

func (op *collectOp) Prepare() Readiness {
	h := op.h
	h.heapLock.Lock()
	if h.locker.checkActiveBeforeGC() {
		h.heapLock.Unlock()
		return Retry
	}
	op.locked = true
	if op.skipIfStale && h.counters.total.Load() != op.gcCountBefore {
		op.skipped = true
	}
	return Ready
}

func (op *collectOp) Execute() {
	h := op.h
	if op.skipped {
		return
	}
	if h.locker.checkActiveBeforeGC() {
		// A critical section opened between Prepare and the safepoint.
		op.refused = true
		return
	}
	if op.full {
		h.fullCollection(op.cause)
	} else {
		h.evacuationPause(op.cause, op.initialMark)
		if op.upgradeToFull && !h.canSatisfy(op.humongous) {
			h.log.Info("pause did not free enough space, escalating to a full collection")
			h.fullCollection(op.cause)
		}
	}
	if op.upgradeToFull && !h.canSatisfy(op.humongous) {
		op.oom = true
	}
}

func (op *collectOp) Finish() {
	if op.locked {
		op.h.heapLock.Unlock()
	}
}

// markPauseOp runs a stop-the-world step of the marking cycle
type markPauseOp struct {
	h    *Heap
	name string
	fn   func()
}

func (op *markPauseOp) Name() string { return op.name }

func (op *markPauseOp) Prepare() Readiness {
	op.h.heapLock.Lock()
	return Ready
}

func (op *markPauseOp) Execute() { op.fn() }

func (op *markPauseOp) Finish() { op.h.heapLock.Unlock() }

// verifyOp drains refinement and checks the heap invariants
type verifyOp struct {
	h   *Heap
	err error
}

func (op *verifyOp) Name() string { return "verify" }

func (op *verifyOp) Prepare() Readiness {
	op.h.heapLock.Lock()
	return Ready
}

func (op *verifyOp) Execute() {
	h := op.h
	h.pausePrologue()
	h.drainRefinement()
	op.err = h.verifyLocked()
}

func (op *verifyOp) Finish() { op.h.heapLock.Unlock() }

// canSatisfy reports whether an allocation needing humongous contiguous
// regions, or a single region when humongous is zero, could succeed now
func (h *Heap) canSatisfy(humongous int) bool {
	if humongous > 0 {
		return h.regions.CanAllocateContiguous(humongous)
	}
	return h.regions.AvailableCount() > 0
}

// Collect requests a collection for cause and waits for the pause to
// finish. Causes that start a marking cycle do nothing when a cycle is
// already running; they do not wait for the cycle to complete.
func (h *Heap) Collect(ctx context.Context, cause Cause) error {
	if h.closed.Load() {
		return ErrClosed
	}
	cfg := h.Config()
	op := &collectOp{h: h, cause: cause}
	switch {
	case cause == CauseExplicitRequest && !cfg.ExplicitGCInvokesConcurrent:
		op.full = true
	case cause == CauseExplicitRequest, cause.startsConcurrentCycle():
		if !h.cm.Idle() {
			h.log.Debug("%v: marking cycle already in progress", cause)
			return nil
		}
		op.initialMark = true
	}
	for {
		res, err := h.dispatcher.Submit(ctx, op)
		if err != nil {
			return err
		}
		if res == Ready && !op.refused {
			return nil
		}
		// Refused by the GC locker: the last critical section to exit runs
		// the deferred pause; wait for it and try again.
		h.locker.Stall()
		if err := ctx.Err(); err != nil {
			return err
		}
		op = &collectOp{h: h, cause: op.cause, full: op.full, initialMark: op.initialMark}
	}
}

// onLockerRelease runs the collection that critical sections held off
func (h *Heap) onLockerRelease() {
	go func() {
		if err := h.Collect(context.Background(), CauseGCLocker); err != nil && !errors.Is(err, ErrClosed) {
			h.log.Warn("deferred collection: %v", err)
		}
	}()
}

// Verify stops the world and checks the heap invariants
func (h *Heap) Verify(ctx context.Context) error {
	op := &verifyOp{h: h}
	if _, err := h.dispatcher.Submit(ctx, op); err != nil {
		return err
	}
	return op.err
}
