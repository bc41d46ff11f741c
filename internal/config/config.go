// Package config holds the heap configuration: defaults, ergonomic sizing,
// validation, and loading from JSON files and command-line flags.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	gcerrors "github.com/orizon-lang/regiongc/internal/errors"
)

// Size constants used by ergonomics and validation
const (
	KB = uint64(1) << 10
	MB = uint64(1) << 20
	GB = uint64(1) << 30

	MinRegionSize         = 1 * MB
	MaxRegionSize         = 32 * MB
	TargetRegionNumber    = 2048
	MaxAllocationContexts = 16
)

// PlatformCapabilities is supplied at startup by the embedding runtime. The
// collector never probes the machine itself.
type PlatformCapabilities struct {
	NumCPU     int    `json:"num_cpu"`
	PageSize   uint64 `json:"page_size"`
	LargePages bool   `json:"large_pages"`
}

// DetectPlatform returns capabilities derived from the Go runtime
func DetectPlatform() PlatformCapabilities {
	return PlatformCapabilities{
		NumCPU:   runtime.NumCPU(),
		PageSize: uint64(os.Getpagesize()),
	}
}

// HeapConfig is the complete set of recognized collector options
type HeapConfig struct {
	SchemaVersion string `json:"schema_version"`

	RegionSize      uint64 `json:"region_size"`       // bytes, power of two; 0 = ergonomic
	InitialHeapSize uint64 `json:"initial_heap_size"` // bytes committed at startup
	MaxHeapSize     uint64 `json:"max_heap_size"`     // bytes reserved

	PauseTimeGoalMs float64 `json:"pause_time_goal_ms"`
	PauseIntervalMs float64 `json:"pause_interval_ms"` // MMU time slice

	ParallelGCThreads     int `json:"parallel_gc_threads"`
	ConcGCThreads         int `json:"conc_gc_threads"`
	ConcRefinementThreads int `json:"conc_refinement_threads"`

	InitiatingHeapOccupancyPercent int `json:"initiating_heap_occupancy_percent"`

	EagerReclaimHumongous              bool `json:"eager_reclaim_humongous"`
	EagerReclaimHumongousWithStaleRefs bool `json:"eager_reclaim_humongous_with_stale_refs"`
	HumongousThresholdPercent          int  `json:"humongous_threshold_percent"`

	NewSizePercent       int `json:"new_size_percent"`
	MaxNewSizePercent    int `json:"max_new_size_percent"`
	MaxTenuringThreshold int `json:"max_tenuring_threshold"`

	HeapWastePercent              int `json:"heap_waste_percent"`
	MixedGCCountTarget            int `json:"mixed_gc_count_target"`
	OldCSetRegionThresholdPercent int `json:"old_cset_region_threshold_percent"`
	MixedGCLiveThresholdPercent   int `json:"mixed_gc_live_threshold_percent"`

	MarkStackSize    int `json:"mark_stack_size"`
	MarkStackSizeMax int `json:"mark_stack_size_max"`

	RSetSparseRegionEntries int `json:"rset_sparse_region_entries"`
	RSetRegionEntries       int `json:"rset_region_entries"`

	UpdateBufferSize    int    `json:"update_buffer_size"`
	RefinementGreenZone int    `json:"refinement_green_zone"`
	RefinementRedZone   int    `json:"refinement_red_zone"`
	HotCardCacheSize    int    `json:"hot_card_cache_size"`
	HotCardThreshold    int    `json:"hot_card_threshold"`
	TLABSizeWords       uint64 `json:"tlab_size_words"`

	GCLockerRetryAllocationCount int  `json:"gc_locker_retry_allocation_count"`
	ExplicitGCInvokesConcurrent  bool `json:"explicit_gc_invokes_concurrent"`

	MinHeapFreeRatio int `json:"min_heap_free_ratio"`
	MaxHeapFreeRatio int `json:"max_heap_free_ratio"`

	AllocationContexts int `json:"allocation_contexts"`

	LogLevel string `json:"log_level"`

	Platform PlatformCapabilities `json:"platform"`
}

// Default returns the default configuration for a 256MB heap
func Default() HeapConfig {
	return HeapConfig{
		SchemaVersion:                      CurrentSchemaVersion,
		InitialHeapSize:                    64 * MB,
		MaxHeapSize:                        256 * MB,
		PauseTimeGoalMs:                    200,
		PauseIntervalMs:                    201,
		InitiatingHeapOccupancyPercent:     45,
		EagerReclaimHumongous:              true,
		EagerReclaimHumongousWithStaleRefs: true,
		HumongousThresholdPercent:          50,
		NewSizePercent:                     5,
		MaxNewSizePercent:                  60,
		MaxTenuringThreshold:               15,
		HeapWastePercent:                   5,
		MixedGCCountTarget:                 8,
		OldCSetRegionThresholdPercent:      10,
		MixedGCLiveThresholdPercent:        85,
		MarkStackSize:                      4096,
		MarkStackSizeMax:                   1 << 20,
		RSetSparseRegionEntries:            4,
		RSetRegionEntries:                  256,
		UpdateBufferSize:                   256,
		RefinementGreenZone:                8,
		RefinementRedZone:                  64,
		HotCardCacheSize:                   1024,
		HotCardThreshold:                   4,
		TLABSizeWords:                      1024,
		GCLockerRetryAllocationCount:       2,
		MinHeapFreeRatio:                   40,
		MaxHeapFreeRatio:                   70,
		AllocationContexts:                 1,
		LogLevel:                           "warn",
		Platform:                           DetectPlatform(),
	}
}

// ApplyErgonomics fills in options left at zero from the heap size and the
// platform capabilities. It is idempotent.
func (c *HeapConfig) ApplyErgonomics() {
	if c.Platform.NumCPU <= 0 {
		c.Platform = DetectPlatform()
	}
	if c.MaxHeapSize == 0 {
		c.MaxHeapSize = 256 * MB
	}
	if c.InitialHeapSize == 0 || c.InitialHeapSize > c.MaxHeapSize {
		c.InitialHeapSize = c.MaxHeapSize
	}
	if c.RegionSize == 0 {
		c.RegionSize = ErgonomicRegionSize(c.InitialHeapSize, c.MaxHeapSize)
	}
	c.InitialHeapSize = alignUp(c.InitialHeapSize, c.RegionSize)
	c.MaxHeapSize = alignUp(c.MaxHeapSize, c.RegionSize)

	if c.ParallelGCThreads <= 0 {
		c.ParallelGCThreads = parallelThreads(c.Platform.NumCPU)
	}
	if c.ConcGCThreads <= 0 {
		c.ConcGCThreads = (c.ParallelGCThreads + 2) / 4
		if c.ConcGCThreads < 1 {
			c.ConcGCThreads = 1
		}
	}
	if c.ConcRefinementThreads <= 0 {
		c.ConcRefinementThreads = c.ParallelGCThreads
	}
	if c.PauseIntervalMs <= 0 || c.PauseIntervalMs <= c.PauseTimeGoalMs {
		c.PauseIntervalMs = c.PauseTimeGoalMs + 1
	}
	if c.AllocationContexts <= 0 {
		c.AllocationContexts = 1
	}
	if c.MarkStackSizeMax < c.MarkStackSize {
		c.MarkStackSizeMax = c.MarkStackSize
	}
}

// ErgonomicRegionSize derives a region size from the average of the initial
// and maximum heap sizes: about TargetRegionNumber regions, rounded down to a
// power of two and clamped to [MinRegionSize, MaxRegionSize].
func ErgonomicRegionSize(initial, max uint64) uint64 {
	avg := (initial + max) / 2
	size := avg / TargetRegionNumber
	if size < MinRegionSize {
		size = MinRegionSize
	}
	size = roundDownPowerOfTwo(size)
	if size > MaxRegionSize {
		size = MaxRegionSize
	}
	return size
}

// parallelThreads follows the usual 5/8 rule above eight CPUs
func parallelThreads(ncpu int) int {
	if ncpu <= 8 {
		if ncpu < 1 {
			return 1
		}
		return ncpu
	}
	return 8 + (ncpu-8)*5/8
}

// Validate checks the configuration after ergonomics have been applied
func (c *HeapConfig) Validate() error {
	if err := CheckSchemaVersion(c.SchemaVersion); err != nil {
		return err
	}
	if !isPowerOfTwo(c.RegionSize) {
		return gcerrors.InvalidOption("region_size", c.RegionSize, "must be a power of two")
	}
	if c.RegionSize < MinRegionSize || c.RegionSize > MaxRegionSize {
		return gcerrors.InvalidOption("region_size", c.RegionSize,
			fmt.Sprintf("must be within [%d, %d]", MinRegionSize, MaxRegionSize))
	}
	if c.MaxHeapSize < 2*c.RegionSize {
		return gcerrors.InvalidOption("max_heap_size", c.MaxHeapSize, "must hold at least two regions")
	}
	if c.InitialHeapSize > c.MaxHeapSize {
		return gcerrors.InvalidOption("initial_heap_size", c.InitialHeapSize, "exceeds max_heap_size")
	}
	if c.PauseTimeGoalMs <= 0 {
		return gcerrors.InvalidOption("pause_time_goal_ms", c.PauseTimeGoalMs, "must be positive")
	}
	if c.PauseIntervalMs <= c.PauseTimeGoalMs {
		return gcerrors.InvalidOption("pause_interval_ms", c.PauseIntervalMs, "must exceed pause_time_goal_ms")
	}
	for _, p := range []struct {
		name string
		v    int
		min  int
		max  int
	}{
		{"initiating_heap_occupancy_percent", c.InitiatingHeapOccupancyPercent, 0, 100},
		{"humongous_threshold_percent", c.HumongousThresholdPercent, 1, 100},
		{"new_size_percent", c.NewSizePercent, 0, 100},
		{"max_new_size_percent", c.MaxNewSizePercent, 1, 100},
		{"max_tenuring_threshold", c.MaxTenuringThreshold, 0, 15},
		{"heap_waste_percent", c.HeapWastePercent, 0, 100},
		{"mixed_gc_count_target", c.MixedGCCountTarget, 1, 1 << 16},
		{"old_cset_region_threshold_percent", c.OldCSetRegionThresholdPercent, 0, 100},
		{"mixed_gc_live_threshold_percent", c.MixedGCLiveThresholdPercent, 0, 100},
		{"min_heap_free_ratio", c.MinHeapFreeRatio, 0, 100},
		{"max_heap_free_ratio", c.MaxHeapFreeRatio, 0, 100},
		{"parallel_gc_threads", c.ParallelGCThreads, 1, 1024},
		{"conc_gc_threads", c.ConcGCThreads, 1, 1024},
		{"conc_refinement_threads", c.ConcRefinementThreads, 1, 1024},
		{"allocation_contexts", c.AllocationContexts, 1, MaxAllocationContexts},
		{"mark_stack_size", c.MarkStackSize, 16, 1 << 28},
		{"rset_sparse_region_entries", c.RSetSparseRegionEntries, 0, 1 << 16},
		{"rset_region_entries", c.RSetRegionEntries, 1, 1 << 20},
		{"update_buffer_size", c.UpdateBufferSize, 1, 1 << 20},
		{"hot_card_cache_size", c.HotCardCacheSize, 0, 1 << 24},
		{"hot_card_threshold", c.HotCardThreshold, 0, 255},
		{"gc_locker_retry_allocation_count", c.GCLockerRetryAllocationCount, 0, 1 << 16},
	} {
		if p.v < p.min || p.v > p.max {
			return gcerrors.InvalidOption(p.name, p.v, fmt.Sprintf("must be within [%d, %d]", p.min, p.max))
		}
	}
	if c.NewSizePercent > c.MaxNewSizePercent {
		return gcerrors.InvalidOption("new_size_percent", c.NewSizePercent, "exceeds max_new_size_percent")
	}
	if c.MinHeapFreeRatio > c.MaxHeapFreeRatio {
		return gcerrors.InvalidOption("min_heap_free_ratio", c.MinHeapFreeRatio, "exceeds max_heap_free_ratio")
	}
	if c.RefinementRedZone < c.RefinementGreenZone {
		return gcerrors.InvalidOption("refinement_red_zone", c.RefinementRedZone, "below refinement_green_zone")
	}
	if c.TLABSizeWords != 0 && c.TLABSizeWords*8 > c.RegionSize/2 {
		return gcerrors.InvalidOption("tlab_size_words", c.TLABSizeWords, "must be below half a region")
	}
	return nil
}

// NumRegions returns the number of regions in the reserved heap
func (c *HeapConfig) NumRegions() int { return int(c.MaxHeapSize / c.RegionSize) }

// Load reads a configuration file. Options missing from the file keep their
// default values.
func Load(path string) (*HeapConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes the configuration as indented JSON
func Save(path string, cfg *HeapConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

func isPowerOfTwo(v uint64) bool { return v != 0 && v&(v-1) == 0 }

func roundDownPowerOfTwo(v uint64) uint64 {
	if v == 0 {
		return 0
	}
	p := uint64(1)
	for p<<1 <= v {
		p <<= 1
	}
	return p
}

func alignUp(v, a uint64) uint64 { return (v + a - 1) &^ (a - 1) }
