package gc

import (
	"math"
	"sort"
	"sync"

	"github.com/orizon-lang/regiongc/internal/config"
)

// decayingSeq tracks a decaying average and deviation of a cost
type decayingSeq struct {
	alpha    float64
	avg      float64
	variance float64
	n        int
}

func newDecayingSeq() decayingSeq { return decayingSeq{alpha: 0.3} }

func (s *decayingSeq) add(v float64) {
	if s.n == 0 {
		s.avg, s.variance = v, 0
	} else {
		d := v - s.avg
		s.avg += s.alpha * d
		s.variance = (1 - s.alpha) * (s.variance + s.alpha*d*d)
	}
	s.n++
}

// predict returns the average plus half a deviation, or def before any
// sample was recorded
func (s *decayingSeq) predict(def float64) float64 {
	if s.n == 0 {
		return def
	}
	return math.Max(0, s.avg+0.5*math.Sqrt(s.variance))
}

// CandidateRegion describes an old region considered for mixed collections
type CandidateRegion struct {
	Index            uint32
	LiveBytes        uint64
	ReclaimableBytes uint64
	RemSetCards      uint64
	PredictedCostMs  float64
}

// Efficiency is reclaimable bytes per predicted millisecond
func (c CandidateRegion) Efficiency() float64 {
	if c.PredictedCostMs <= 0 {
		return float64(c.ReclaimableBytes)
	}
	return float64(c.ReclaimableBytes) / c.PredictedCostMs
}

// OldRegionRanker orders the old regions found by cleanup, best first
type OldRegionRanker interface {
	Rank(candidates []CandidateRegion) []CandidateRegion
}

// OldRegionRankerFunc adapts a function to OldRegionRanker
type OldRegionRankerFunc func([]CandidateRegion) []CandidateRegion

func (f OldRegionRankerFunc) Rank(c []CandidateRegion) []CandidateRegion { return f(c) }

// EfficiencyRanker prefers regions that free the most bytes per unit of
// predicted evacuation cost
type EfficiencyRanker struct{}

func (EfficiencyRanker) Rank(c []CandidateRegion) []CandidateRegion {
	out := append([]CandidateRegion(nil), c...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Efficiency() > out[j].Efficiency() })
	return out
}

// Policy sizes the young generation, decides when marking starts and picks
// old regions for mixed collections
type Policy struct {
	mu         sync.Mutex
	cfg        config.HeapConfig
	regionSize uint64
	numRegions int
	ranker     OldRegionRanker

	// Costs in milliseconds
	baseCost     decayingSeq // fixed pause overhead
	cardCost     decayingSeq // per remembered-set card scanned
	byteCopyCost decayingSeq // per byte copied
	survival     decayingSeq // copied bytes / eden bytes
	remarkTime   decayingSeq
	cleanupTime  decayingSeq

	youngTarget int

	candidates      []CandidateRegion
	candidatesTotal int
	mixedPhase      bool
	initiateMark    bool
}

func newPolicy(cfg config.HeapConfig, numRegions int, ranker OldRegionRanker) *Policy {
	if ranker == nil {
		ranker = EfficiencyRanker{}
	}
	p := &Policy{
		cfg:          cfg,
		regionSize:   cfg.RegionSize,
		numRegions:   numRegions,
		ranker:       ranker,
		baseCost:     newDecayingSeq(),
		cardCost:     newDecayingSeq(),
		byteCopyCost: newDecayingSeq(),
		survival:     newDecayingSeq(),
		remarkTime:   newDecayingSeq(),
		cleanupTime:  newDecayingSeq(),
	}
	return p
}

// updateConfig installs reloaded manageable options
func (p *Policy) updateConfig(cfg config.HeapConfig) {
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

func (p *Policy) predictCopyMs(bytes uint64) float64 {
	return float64(bytes) * p.byteCopyCost.predict(1.0/(256*1024))
}

func (p *Policy) predictCardsMs(cards uint64) float64 {
	return float64(cards) * p.cardCost.predict(0.0005)
}

// youngBounds returns the minimum and maximum young length for a heap of
// committed regions
func (p *Policy) youngBounds(committed int) (int, int) {
	min := committed * p.cfg.NewSizePercent / 100
	if min < 1 {
		min = 1
	}
	max := committed * p.cfg.MaxNewSizePercent / 100
	if max < min {
		max = min
	}
	return min, max
}

// recomputeYoungTarget picks the largest eden that the pause goal allows,
// leaving room in free for what it will copy out
func (p *Policy) recomputeYoungTarget(committed, survivors, available int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	min, max := p.youngBounds(committed)
	goal := p.cfg.PauseTimeGoalMs
	base := p.baseCost.predict(1)
	survival := p.survival.predict(0.5)
	target := min
	for n := min; n <= max; n++ {
		copied := uint64(float64(uint64(n+survivors)*p.regionSize) * survival)
		if base+p.predictCopyMs(copied) > goal {
			break
		}
		target = n
	}
	// Keep enough free regions to evacuate into.
	room := available - int(math.Ceil(float64(target)*survival)) - survivors
	if room < target {
		target = room
	}
	if target < 1 {
		target = 1
	}
	p.youngTarget = target
	return target
}

// YoungTarget returns the current eden length target in regions
func (p *Policy) YoungTarget() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.youngTarget
}

// MaxYoung returns the eden length allowed while the GC locker holds off
// collections
func (p *Policy) MaxYoung(committed int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, max := p.youngBounds(committed)
	if max < p.youngTarget {
		max = p.youngTarget
	}
	return max
}

// maxSurvivorRegions bounds the survivor space of the next pause
func (p *Policy) maxSurvivorRegions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.youngTarget / 8
	if n < 1 {
		n = 1
	}
	return n
}

// recordPause feeds the cost model with the outcome of an evacuation pause
func (p *Policy) recordPause(pt PhaseTimes, edenBytes uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	other := pt.TotalMs - pt.ScanRSMs - pt.ObjectCopyMs
	if other < 0 {
		other = 0
	}
	p.baseCost.add(other)
	if pt.ScannedCards > 0 {
		p.cardCost.add(pt.ScanRSMs / float64(pt.ScannedCards))
	}
	if pt.CopiedBytes > 0 {
		p.byteCopyCost.add(pt.ObjectCopyMs / float64(pt.CopiedBytes))
	}
	if edenBytes > 0 {
		p.survival.add(math.Min(1, float64(pt.CopiedBytes)/float64(edenBytes)))
	}
}

func (p *Policy) recordRemark(ms float64) {
	p.mu.Lock()
	p.remarkTime.add(ms)
	p.mu.Unlock()
}

func (p *Policy) recordCleanup(ms float64) {
	p.mu.Lock()
	p.cleanupTime.add(ms)
	p.mu.Unlock()
}

func (p *Policy) predictRemarkMs() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remarkTime.predict(1)
}

func (p *Policy) predictCleanupMs() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cleanupTime.predict(1)
}

// needsConcurrentStart reports whether old occupancy crossed the
// initiating threshold of the committed heap
func (p *Policy) needsConcurrentStart(oldBytes, committedBytes uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mixedPhase {
		return false
	}
	threshold := committedBytes / 100 * uint64(p.cfg.InitiatingHeapOccupancyPercent)
	return oldBytes > threshold
}

// requestInitialMark makes the next young pause an initial-mark pause
func (p *Policy) requestInitialMark() {
	p.mu.Lock()
	p.initiateMark = true
	p.mu.Unlock()
}

// takeInitialMark consumes a pending initial-mark request
func (p *Policy) takeInitialMark() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	v := p.initiateMark
	p.initiateMark = false
	return v
}

// InMixedPhase reports whether pauses currently add old regions
func (p *Policy) InMixedPhase() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mixedPhase
}

// Candidates returns a copy of the remaining ranked candidates
func (p *Policy) Candidates() []CandidateRegion {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CandidateRegion(nil), p.candidates...)
}

func (p *Policy) wasteThreshold(committedBytes uint64) uint64 {
	return committedBytes / 100 * uint64(p.cfg.HeapWastePercent)
}

func reclaimableOf(c []CandidateRegion) uint64 {
	var n uint64
	for _, r := range c {
		n += r.ReclaimableBytes
	}
	return n
}

// setCandidates installs the regions found by cleanup and decides whether
// a mixed phase follows
func (p *Policy) setCandidates(regions []CandidateRegion, committedBytes uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	liveLimit := p.regionSize / 100 * uint64(p.cfg.MixedGCLiveThresholdPercent)
	var eligible []CandidateRegion
	for _, c := range regions {
		if c.LiveBytes > liveLimit {
			continue
		}
		c.PredictedCostMs = p.predictCopyMs(c.LiveBytes) + p.predictCardsMs(c.RemSetCards)
		eligible = append(eligible, c)
	}
	p.candidates = p.ranker.Rank(eligible)
	p.candidatesTotal = len(p.candidates)
	p.mixedPhase = len(p.candidates) > 0 && reclaimableOf(p.candidates) > p.wasteThreshold(committedBytes)
}

// clearCandidates abandons the mixed phase, e.g. after a full collection
func (p *Policy) clearCandidates() {
	p.mu.Lock()
	p.candidates = nil
	p.candidatesTotal = 0
	p.mixedPhase = false
	p.mu.Unlock()
}

// selectOldRegions takes old regions for a mixed pause. The minimum share
// is always taken so the phase ends after about MixedGCCountTarget pauses;
// beyond it regions are added while the predicted time fits the budget.
// usable filters out regions that are no longer old.
func (p *Policy) selectOldRegions(budgetMs float64, committedBytes uint64, usable func(idx uint32) bool) []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.mixedPhase {
		return nil
	}
	minOld := (p.candidatesTotal + p.cfg.MixedGCCountTarget - 1) / p.cfg.MixedGCCountTarget
	maxOld := p.numRegions * p.cfg.OldCSetRegionThresholdPercent / 100
	if maxOld < 1 {
		maxOld = 1
	}
	if minOld > maxOld {
		minOld = maxOld
	}
	var picked []uint32
	rest := p.candidates[:0]
	for i, c := range p.candidates {
		if !usable(c.Index) {
			continue
		}
		if len(picked) >= maxOld || (len(picked) >= minOld && c.PredictedCostMs > budgetMs) {
			rest = append(rest, p.candidates[i:]...)
			break
		}
		picked = append(picked, c.Index)
		budgetMs -= c.PredictedCostMs
	}
	p.candidates = rest
	if len(p.candidates) == 0 || reclaimableOf(p.candidates) <= p.wasteThreshold(committedBytes) {
		p.mixedPhase = false
		p.candidates = nil
	}
	return picked
}

// pauseBudgetMs returns the time left for old regions after the young part
// of a pause was predicted
func (p *Policy) pauseBudgetMs(youngBytes, cards uint64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	used := p.baseCost.predict(1) + p.predictCopyMs(uint64(float64(youngBytes)*p.survival.predict(0.5))) + p.predictCardsMs(cards)
	return p.cfg.PauseTimeGoalMs - used
}
