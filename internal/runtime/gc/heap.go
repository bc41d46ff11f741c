package gc

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/orizon-lang/regiongc/internal/cli"
	"github.com/orizon-lang/regiongc/internal/config"
	gcerrors "github.com/orizon-lang/regiongc/internal/errors"
	"github.com/orizon-lang/regiongc/internal/runtime/vmem"
)

// Options configure a heap. Only Config is required.
type Options struct {
	Config       config.HeapConfig
	Reserve      vmem.Reserver
	Logger       *cli.Logger
	Clock        Clock
	FatalHandler FatalHandler
	Ranker       OldRegionRanker

	// OnMarkTransition is called on every marking phase change. It runs on
	// collector goroutines, sometimes inside a pause, and must not block.
	OnMarkTransition func(from, to MarkPhase)
}

// Heap is a region-based heap with its collector. All methods are safe for
// concurrent use.
type Heap struct {
	cfgMu sync.RWMutex
	cfg   config.HeapConfig

	log        *cli.Logger
	logPhases  *cli.Logger
	logHeap    *cli.Logger
	clock      Clock
	fatalFn    FatalHandler
	regionSize uint64

	mapping    vmem.Mapping
	mem        *heapMemory
	regions    *RegionManager
	cards      *CardTable
	bot        *BlockOffsetTable
	hotCards   *HotCardCache
	dirtyQ     *DirtyCardQueueSet
	refiner    *Refiner
	crefine    *ConcurrentRefine
	satb       *SATBQueueSet
	handles    *HandleTable
	weak       *HandleTable
	locker     *GCLocker
	safepoint  *Safepoint
	dispatcher *Dispatcher
	policy     *Policy
	cm         *ConcurrentMark
	gang       *WorkerGang
	mmu        *MMUTracker
	fullBitmap *MarkBitmap
	cardClaims *MarkBitmap // one bit per card, reused by every pause
	counters   counters
	cset       CollectionSet

	// heapLock serializes the allocation slow path with pause preparation
	heapLock     sync.Mutex
	edenRegions  int // guarded by heapLock
	mutatorAlloc []atomic.Pointer[Region]

	humongousThreshold uint64 // words
	tlabWords          uint64

	mutatorsMu sync.Mutex
	mutators   map[*Mutator]struct{}

	archive archiveAllocator

	sf     singleflight.Group
	closed atomic.Bool
}

// NewHeap reserves the heap, commits the initial size and starts the
// collector goroutines.
func NewHeap(opts Options) (*Heap, error) {
	cfg := opts.Config
	cfg.ApplyErgonomics()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	reserve := opts.Reserve
	if reserve == nil {
		reserve = vmem.Reserve
	}
	log := opts.Logger
	if log == nil {
		log = cli.NewLevelLogger(os.Stderr, cli.ParseLevel(cfg.LogLevel))
	}
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	fatal := opts.FatalHandler
	if fatal == nil {
		fatal = defaultFatalHandler
	}

	mapping, err := reserve(cfg.MaxHeapSize)
	if err != nil {
		return nil, gcerrors.SystemFailure("reserve heap", err)
	}
	if mapping.Size() < cfg.MaxHeapSize {
		_ = mapping.Release()
		return nil, gcerrors.InvalidSize(mapping.Size(), "heap reservation")
	}

	h := &Heap{
		cfg:        cfg,
		log:        log.WithTags("gc"),
		logPhases:  log.WithTags("gc", "phases"),
		logHeap:    log.WithTags("gc", "heap"),
		clock:      clock,
		fatalFn:    fatal,
		regionSize: cfg.RegionSize,
		mapping:    mapping,
		safepoint:  &Safepoint{},
		satb:       &SATBQueueSet{},
		handles:    newHandleTable(),
		weak:       newHandleTable(),
		mutators:   make(map[*Mutator]struct{}),
	}
	h.mem = newHeapMemory(mapping, cfg.MaxHeapSize)

	numRegions := cfg.NumRegions()
	logCardsPerRegion := uint(0)
	for cfg.RegionSize>>(LogCardSize+logCardsPerRegion) > 1 {
		logCardsPerRegion++
	}
	h.regions = newRegionManager(h.mem, cfg.RegionSize, numRegions, func(i uint32) *RememberedSet {
		return newRememberedSet(i, numRegions, logCardsPerRegion, cfg.RSetRegionEntries, cfg.RSetSparseRegionEntries)
	})
	h.cards = newCardTable(heapBase, cfg.MaxHeapSize)
	h.bot = newBlockOffsetTable(h.cards, h.mem)
	h.hotCards = newHotCardCache(h.cards.Len(), cfg.HotCardCacheSize, cfg.HotCardThreshold)
	h.refiner = &Refiner{regions: h.regions, cards: h.cards, bot: h.bot, mem: h.mem, hot: h.hotCards}
	h.dirtyQ = newDirtyCardQueueSet(cfg.UpdateBufferSize, cfg.RefinementGreenZone, cfg.RefinementRedZone,
		func(n int) { h.crefine.Notify(n) })
	h.crefine = newConcurrentRefine(cfg.ConcRefinementThreads, h.dirtyQ, h.refiner, h.safepoint, &h.counters,
		log.WithTags("gc", "refine"))
	h.locker = newGCLocker(h.onLockerRelease)
	h.policy = newPolicy(cfg, numRegions, opts.Ranker)
	h.gang = NewWorkerGang("evacuation", cfg.ParallelGCThreads)
	h.mmu = NewMMUTracker(msDuration(cfg.PauseIntervalMs), msDuration(cfg.PauseTimeGoalMs))
	h.fullBitmap = newMarkBitmap(heapBase, cfg.MaxHeapSize)
	h.cardClaims = newMarkBitmap(0, uint64(h.cards.Len())*WordSize)
	h.dispatcher = newDispatcher(h.safepoint, log.WithTags("gc", "vmop"))
	h.cm = newConcurrentMark(h, opts.OnMarkTransition, log.WithTags("gc", "marking"))
	h.mutatorAlloc = make([]atomic.Pointer[Region], cfg.AllocationContexts)
	h.humongousThreshold = cfg.RegionSize / WordSize * uint64(cfg.HumongousThresholdPercent) / 100
	h.tlabWords = cfg.TLABSizeWords

	if _, err := h.regions.Expand(cfg.InitialHeapSize); err != nil {
		_ = mapping.Release()
		return nil, err
	}
	committed := h.regions.CommittedCount()
	h.policy.recomputeYoungTarget(committed, 0, h.regions.AvailableCount())

	h.dispatcher.Start()
	h.crefine.Start()
	h.cm.Start()

	h.logHeap.Info("heap reserved %s, committed %s, %d regions of %s, young target %d",
		cli.FormatBytes(cfg.MaxHeapSize), cli.FormatBytes(uint64(committed)*cfg.RegionSize),
		numRegions, cli.FormatBytes(cfg.RegionSize), h.policy.YoungTarget())
	return h, nil
}

func msDuration(ms float64) time.Duration { return time.Duration(ms * float64(time.Millisecond)) }

// Config returns the current configuration
func (h *Heap) Config() config.HeapConfig {
	h.cfgMu.RLock()
	defer h.cfgMu.RUnlock()
	return h.cfg
}

// UpdateConfig installs the manageable options of cfg. Options that size
// data structures keep their startup values.
func (h *Heap) UpdateConfig(cfg config.HeapConfig) error {
	h.cfgMu.Lock()
	next := h.cfg
	config.Manageable(&next, &cfg)
	if err := next.Validate(); err != nil {
		h.cfgMu.Unlock()
		return err
	}
	h.cfg = next
	h.cfgMu.Unlock()

	h.policy.updateConfig(next)
	h.mmu.SetGoal(msDuration(next.PauseIntervalMs), msDuration(next.PauseTimeGoalMs))
	h.log.SetLevel(cli.ParseLevel(next.LogLevel))
	h.log.Info("configuration updated: pause goal %.1fms in %.1fms, IHOP %d%%",
		next.PauseTimeGoalMs, next.PauseIntervalMs, next.InitiatingHeapOccupancyPercent)
	return nil
}

// Close stops the collector goroutines and releases the reservation.
// Mutators must not be used afterwards.
func (h *Heap) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.cm.Stop()
	h.crefine.Stop()
	h.dispatcher.Stop()
	if err := h.mapping.Release(); err != nil {
		return gcerrors.SystemFailure("release heap", err)
	}
	return nil
}

// RegionSize returns the region size in bytes
func (h *Heap) RegionSize() uint64 { return h.regionSize }

// MarkPhase returns the current phase of the marking coordinator
func (h *Heap) MarkPhase() MarkPhase { return h.cm.Phase() }

// WaitForMarkingIdle blocks until no marking cycle is running or pending
func (h *Heap) WaitForMarkingIdle(ctx context.Context) error {
	return h.cm.WaitIdle(ctx)
}

// usedBytes sums the allocated bytes of every non-free region
func (h *Heap) usedBytes() uint64 {
	var used uint64
	h.regions.Iterate(RegionVisitorFunc(func(r *Region) bool {
		if !r.IsFree() {
			used += r.Used()
		}
		return true
	}))
	return used
}

// oldBytes sums the allocated bytes of old and humongous regions
func (h *Heap) oldBytes() uint64 {
	var used uint64
	h.regions.Iterate(RegionVisitorFunc(func(r *Region) bool {
		switch r.State() {
		case RegionOld, RegionHumongousStart, RegionHumongousContinues:
			used += r.Used()
		}
		return true
	}))
	return used
}

func (h *Heap) committedBytes() uint64 {
	return uint64(h.regions.CommittedCount()) * h.regionSize
}

// Stats returns a snapshot of the counters. Region counts are exact only
// when no mutator is allocating.
func (h *Heap) Stats() Stats {
	c := &h.counters
	return Stats{
		TotalCollections:          c.total.Load(),
		FullCollections:           c.full.Load(),
		YoungCollections:          c.young.Load(),
		MixedCollections:          c.mixed.Load(),
		ConcurrentCyclesStarted:   c.cyclesStarted.Load(),
		ConcurrentCyclesCompleted: c.cyclesCompleted.Load(),
		ConcurrentCyclesAborted:   c.cyclesAborted.Load(),
		RemarkRestarts:            c.remarkRestarts.Load(),
		EvacuationFailures:        c.evacFailures.Load(),
		HumongousReclaimed:        c.humongousFreed.Load(),
		RegionsReclaimedByCleanup: c.cleanupReclaimed.Load(),
		RefinedCardsConcurrently:  c.refinedConcurrent.Load(),
		RefinedCardsByMutators:    c.refinedByMutators.Load(),
		AllocatedBytes:            c.allocatedBytes.Load(),
		UsedBytes:                 h.usedBytes(),
		CommittedBytes:            h.committedBytes(),
		MaxBytes:                  uint64(h.regions.Len()) * h.regionSize,
		RegionSize:                h.regionSize,
		Regions:                   h.regions.Counts(),
		MarkPhase:                 h.cm.Phase().String(),
		LastPause:                 c.last(),
		TotalPauseTime:            time.Duration(c.pauseTime.Load()),
	}
}

// freeRegion returns a region emptied by a pause to the free list
func (h *Heap) freeRegion(r *Region) {
	r.remSet.Clear()
	h.cards.setRange(r.bottom, r.end, CardClean)
	h.bot.reset(r.bottom, r.end)
	h.cm.bitmap.ClearRange(r.bottom, r.end)
	h.regions.ReturnRegion(r)
}

// freeHumongous frees every region of the humongous object starting at
// start and returns the number of regions freed
func (h *Heap) freeHumongous(start *Region) int {
	n := 0
	for i := start.index; int(i) < h.regions.Len(); i++ {
		r := h.regions.At(i)
		if r.humongousStart != start {
			break
		}
		h.freeRegion(r)
		n++
	}
	return n
}

// fatal reports an unrecoverable invariant violation. The heap layout is
// logged first so the failure can be diagnosed from the log alone.
func (h *Heap) fatal(err error) {
	h.log.Error("fatal: %v", err)
	c := h.regions.Counts()
	h.logHeap.Error("regions: free %d eden %d survivor %d old %d archive %d humongous %d+%d committed %d uncommitted %d",
		c.Free, c.Eden, c.Survivor, c.Old, c.Archive, c.HumongousStart, c.HumongousContinues, c.Committed, c.Uncommitted)
	h.regions.Iterate(RegionVisitorFunc(func(r *Region) bool {
		if !r.IsFree() {
			h.logHeap.Error("  %v tams %v remset %d cards", r, r.TAMS(), r.remSet.Occupied())
		}
		return true
	}))
	h.fatalFn(err)
}

// check hands err to the fatal handler when it is not nil
func (h *Heap) check(err error) {
	if err != nil {
		h.fatal(err)
	}
}

func (h *Heap) String() string {
	c := h.regions.Counts()
	return fmt.Sprintf("heap used %s committed %s (%d eden, %d survivor, %d old, %d humongous)",
		cli.FormatBytes(h.usedBytes()), cli.FormatBytes(h.committedBytes()), c.Eden, c.Survivor, c.Old, c.Humongous())
}
