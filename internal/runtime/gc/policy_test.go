package gc

import (
	"reflect"
	"testing"
	"time"

	"github.com/orizon-lang/regiongc/internal/config"
)

func TestYoungTarget(t *testing.T) {
	tests := []struct {
		name      string
		goalMs    float64
		committed int
		survivors int
		available int
		want      int
	}{
		{"bounded by MaxNewSizePercent", 200, 100, 0, 100, 60},
		{"bounded by the pause goal", 21, 100, 0, 100, 10},
		{"bounded by free regions", 200, 100, 0, 40, 10},
		{"survivors take room", 200, 100, 4, 40, 6},
		{"never below one region", 200, 100, 0, 0, 1},
		{"MaxNewSizePercent of a small heap", 200, 10, 0, 10, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(tt.committed)
			cfg.PauseTimeGoalMs = tt.goalMs
			p := newPolicy(cfg, tt.committed, nil)
			if got := p.recomputeYoungTarget(tt.committed, tt.survivors, tt.available); got != tt.want {
				t.Errorf("target = %d, want %d", got, tt.want)
			}
			if p.YoungTarget() != tt.want {
				t.Errorf("YoungTarget = %d", p.YoungTarget())
			}
		})
	}
}

func TestNeedsConcurrentStart(t *testing.T) {
	cfg := testConfig(100)
	cfg.InitiatingHeapOccupancyPercent = 45
	p := newPolicy(cfg, 100, nil)
	committed := uint64(100 * config.MB)
	if p.needsConcurrentStart(45*config.MB, committed) {
		t.Error("started at exactly the threshold")
	}
	if !p.needsConcurrentStart(45*config.MB+1, committed) {
		t.Error("did not start above the threshold")
	}

	p.requestInitialMark()
	if !p.takeInitialMark() || p.takeInitialMark() {
		t.Error("initial-mark request not consumed exactly once")
	}
}

func TestMixedCollectionSelection(t *testing.T) {
	cfg := testConfig(100)
	p := newPolicy(cfg, 100, nil)
	const kb = 1024
	p.setCandidates([]CandidateRegion{
		{Index: 1, LiveBytes: 100 * kb, ReclaimableBytes: 900 * kb},
		{Index: 2, LiveBytes: 950 * kb, ReclaimableBytes: 50 * kb}, // too live
		{Index: 3, LiveBytes: 500 * kb, ReclaimableBytes: 500 * kb},
		{Index: 4, LiveBytes: 10 * kb, ReclaimableBytes: 1000 * kb},
	}, 10*config.MB)
	if !p.InMixedPhase() {
		t.Fatal("no mixed phase with reclaimable space above the waste threshold")
	}
	var order []uint32
	for _, c := range p.Candidates() {
		order = append(order, c.Index)
	}
	if !reflect.DeepEqual(order, []uint32{4, 1, 3}) {
		t.Fatalf("ranked %v, want [4 1 3]", order)
	}
	if p.needsConcurrentStart(^uint64(0), 10*config.MB) {
		t.Error("marking requested during the mixed phase")
	}

	all := func(uint32) bool { return true }
	// the minimum share is taken even without budget
	if got := p.selectOldRegions(0, 10*config.MB, all); !reflect.DeepEqual(got, []uint32{4}) {
		t.Fatalf("first mixed pause took %v", got)
	}
	if !p.InMixedPhase() {
		t.Fatal("phase ended with reclaimable candidates left")
	}
	// region 1 stopped being old in the meantime
	got := p.selectOldRegions(0, 10*config.MB, func(i uint32) bool { return i != 1 })
	if !reflect.DeepEqual(got, []uint32{3}) {
		t.Fatalf("second mixed pause took %v", got)
	}
	if p.InMixedPhase() || len(p.Candidates()) != 0 {
		t.Error("phase did not end with the candidates exhausted")
	}
	if p.selectOldRegions(1000, 10*config.MB, all) != nil {
		t.Error("old regions selected outside the mixed phase")
	}
}

func TestMixedPhaseSkippedBelowWasteThreshold(t *testing.T) {
	p := newPolicy(testConfig(100), 100, nil)
	p.setCandidates([]CandidateRegion{{Index: 7, LiveBytes: 1024, ReclaimableBytes: 4096}}, 100*config.MB)
	if p.InMixedPhase() {
		t.Fatal("mixed phase for 4KB of garbage")
	}
}

func TestCustomRanker(t *testing.T) {
	reverse := OldRegionRankerFunc(func(c []CandidateRegion) []CandidateRegion {
		out := make([]CandidateRegion, 0, len(c))
		for i := len(c) - 1; i >= 0; i-- {
			out = append(out, c[i])
		}
		return out
	})
	p := newPolicy(testConfig(100), 100, reverse)
	p.setCandidates([]CandidateRegion{
		{Index: 1, LiveBytes: 1, ReclaimableBytes: config.MB},
		{Index: 2, LiveBytes: 1, ReclaimableBytes: config.MB},
	}, 10*config.MB)
	if c := p.Candidates(); len(c) != 2 || c[0].Index != 2 {
		t.Fatalf("candidates %+v", c)
	}
	p.clearCandidates()
	if p.InMixedPhase() || len(p.Candidates()) != 0 {
		t.Error("clearCandidates kept the phase")
	}
}

func TestMMUTracker(t *testing.T) {
	mmu := NewMMUTracker(100*time.Millisecond, 20*time.Millisecond)
	t0 := time.Unix(1000, 0)
	if d := mmu.When(t0, 10*time.Millisecond); d != 0 {
		t.Fatalf("delay %v without any pause", d)
	}

	mmu.Add(t0, t0.Add(15*time.Millisecond))
	now := t0.Add(20 * time.Millisecond)
	if d := mmu.When(now, 5*time.Millisecond); d != 0 {
		t.Errorf("5ms pause delayed by %v although it fits the budget", d)
	}
	d := mmu.When(now, 10*time.Millisecond)
	if d <= 0 || d > 85*time.Millisecond {
		t.Fatalf("delay = %v", d)
	}
	if again := mmu.When(now.Add(d), 10*time.Millisecond); again != 0 {
		t.Errorf("still delayed by %v after waiting", again)
	}

	// pauses longer than the budget are capped, not delayed forever
	mmu.SetGoal(100*time.Millisecond, 50*time.Millisecond)
	if d := mmu.When(now.Add(time.Second), time.Second); d != 0 {
		t.Errorf("delay %v for an oversized pause in an idle window", d)
	}
}
