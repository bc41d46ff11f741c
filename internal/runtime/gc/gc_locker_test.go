package gc

import (
	"testing"
	"time"
)

// waitFor polls cond until it holds or the test context expires
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	ctx := testContext(t)
	for !cond() {
		select {
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestGCLockerDefersCollection(t *testing.T) {
	h := newTestHeap(t, 8, nil)
	m := newTestMutator(t, h)
	allocNode(t, m, 0, 1)

	m.EnterCritical()
	collected := make(chan error, 1)
	ctx := testContext(t)
	go func() { collected <- h.Collect(ctx, CauseAllocationFailure) }()

	waitFor(t, "the pause to be refused", h.locker.NeedsGC)
	if n := h.Stats().TotalCollections; n != 0 {
		t.Fatalf("%d collections ran inside a critical section", n)
	}

	// new critical sections wait for the deferred collection
	other := newTestMutator(t, h)
	entered := make(chan struct{})
	go func() {
		other.EnterCritical()
		close(entered)
	}()
	select {
	case <-entered:
		t.Fatal("critical section entered while a collection was pending")
	case <-time.After(20 * time.Millisecond):
	}

	m.ExitCritical()
	select {
	case <-entered:
	case <-time.After(30 * time.Second):
		t.Fatal("waiting critical section never entered")
	}
	other.ExitCritical()
	select {
	case err := <-collected:
		if err != nil {
			t.Fatalf("Collect: %v", err)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("collection never ran after the critical sections ended")
	}

	// the caller's retry and the deferred collection both run
	waitFor(t, "the deferred collection", func() bool { return h.Stats().TotalCollections >= 2 })
	if h.locker.NeedsGC() || h.locker.IsActive() {
		t.Error("locker still engaged")
	}
	mustVerify(t, h)
}

func TestExitCriticalWithoutEnter(t *testing.T) {
	h := newTestHeap(t, 4, nil)
	m := newTestMutator(t, h)
	m.ExitCritical()
	if h.locker.IsActive() {
		t.Fatal("unbalanced exit opened the locker")
	}
	m.EnterCritical()
	if !h.locker.IsActive() {
		t.Fatal("EnterCritical did not engage the locker")
	}
	m.ExitCritical()
	if h.locker.IsActive() {
		t.Fatal("locker still active")
	}
	mustCollect(t, h, CauseAllocationFailure)
}

func TestGCLockerTriggersOnLastExit(t *testing.T) {
	var runs int
	l := newGCLocker(func() { runs++ })
	if !l.tryEnter() || !l.tryEnter() {
		t.Fatal("tryEnter refused without a pending collection")
	}
	if !l.checkActiveBeforeGC() {
		t.Fatal("pause not refused with open critical sections")
	}
	if l.tryEnter() {
		t.Fatal("tryEnter admitted while a collection is pending")
	}
	l.Exit()
	if runs != 0 || !l.NeedsGC() {
		t.Fatalf("triggered with a section still open (runs %d)", runs)
	}
	l.Exit()
	if runs != 1 || l.NeedsGC() {
		t.Fatalf("runs = %d, needs GC = %v after the last exit", runs, l.NeedsGC())
	}
	l.Stall() // returns at once
	if l.checkActiveBeforeGC() {
		t.Error("pause refused with no critical section open")
	}
}
