package gc

import (
	"sync"
	"sync/atomic"
	"time"
)

// PhaseTimes is the breakdown of the most recent evacuation pause, in
// milliseconds
type PhaseTimes struct {
	RootScanMs       float64 `json:"root_scan_ms"`
	UpdateRSMs       float64 `json:"update_rs_ms"`
	ScanRSMs         float64 `json:"scan_rs_ms"`
	ObjectCopyMs     float64 `json:"object_copy_ms"`
	TerminationMs    float64 `json:"termination_ms"`
	RefProcessingMs  float64 `json:"ref_processing_ms"`
	EvacFailureMs    float64 `json:"evac_failure_ms"`
	FreeCSetMs       float64 `json:"free_cset_ms"`
	TotalMs          float64 `json:"total_ms"`
	CSetRegions      int     `json:"cset_regions"`
	CopiedBytes      uint64  `json:"copied_bytes"`
	ScannedCards     uint64  `json:"scanned_cards"`
	RefinedCards     uint64  `json:"refined_cards"`
	Kind             string  `json:"kind"`
	Cause            string  `json:"cause"`
	EvacuationFailed bool    `json:"evacuation_failed"`
}

// Stats is a snapshot of the heap counters
type Stats struct {
	TotalCollections          uint64        `json:"total_collections"`
	FullCollections           uint64        `json:"full_collections"`
	YoungCollections          uint64        `json:"young_collections"`
	MixedCollections          uint64        `json:"mixed_collections"`
	ConcurrentCyclesStarted   uint64        `json:"concurrent_cycles_started"`
	ConcurrentCyclesCompleted uint64        `json:"concurrent_cycles_completed"`
	ConcurrentCyclesAborted   uint64        `json:"concurrent_cycles_aborted"`
	RemarkRestarts            uint64        `json:"remark_restarts"`
	EvacuationFailures        uint64        `json:"evacuation_failures"`
	HumongousReclaimed        uint64        `json:"humongous_reclaimed"`
	RegionsReclaimedByCleanup uint64        `json:"regions_reclaimed_by_cleanup"`
	RefinedCardsConcurrently  uint64        `json:"refined_cards_concurrently"`
	RefinedCardsByMutators    uint64        `json:"refined_cards_by_mutators"`
	AllocatedBytes            uint64        `json:"allocated_bytes"`
	UsedBytes                 uint64        `json:"used_bytes"`
	CommittedBytes            uint64        `json:"committed_bytes"`
	MaxBytes                  uint64        `json:"max_bytes"`
	RegionSize                uint64        `json:"region_size"`
	Regions                   RegionCounts  `json:"regions"`
	MarkPhase                 string        `json:"mark_phase"`
	LastPause                 PhaseTimes    `json:"last_pause"`
	TotalPauseTime            time.Duration `json:"total_pause_ns"`
}

// counters holds the live values behind Stats
type counters struct {
	total             atomic.Uint64
	full              atomic.Uint64
	young             atomic.Uint64
	mixed             atomic.Uint64
	cyclesStarted     atomic.Uint64
	cyclesCompleted   atomic.Uint64
	cyclesAborted     atomic.Uint64
	remarkRestarts    atomic.Uint64
	evacFailures      atomic.Uint64
	humongousFreed    atomic.Uint64
	cleanupReclaimed  atomic.Uint64
	refinedConcurrent atomic.Uint64
	refinedByMutators atomic.Uint64
	allocatedBytes    atomic.Uint64
	pauseTime         atomic.Int64

	mu        sync.Mutex
	lastPause PhaseTimes
}

func (c *counters) recordPause(pt PhaseTimes, d time.Duration) {
	c.pauseTime.Add(int64(d))
	c.mu.Lock()
	c.lastPause = pt
	c.mu.Unlock()
}

func (c *counters) last() PhaseTimes {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPause
}

// phaseTimer accumulates elapsed milliseconds into phase fields
type phaseTimer struct {
	clock Clock
	start time.Time
}

func (p *phaseTimer) begin(c Clock) { p.clock, p.start = c, c.Now() }

func (p *phaseTimer) lap() float64 {
	now := p.clock.Now()
	ms := float64(now.Sub(p.start)) / float64(time.Millisecond)
	p.start = now
	return ms
}
