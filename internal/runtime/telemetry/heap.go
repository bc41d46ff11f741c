package telemetry

import (
	"github.com/orizon-lang/regiongc/internal/runtime/gc"
)

// StatsSource is implemented by *gc.Heap
type StatsSource interface {
	Stats() gc.Stats
}

// HeapCollector flattens the heap counters, the region census and the
// phase times of the last pause into metrics
func HeapCollector(src StatsSource) Collector {
	return func() map[string]float64 {
		st := src.Stats()
		marking := 0.0
		if st.MarkPhase != gc.MarkIdle.String() {
			marking = 1
		}
		lastFailed := 0.0
		if st.LastPause.EvacuationFailed {
			lastFailed = 1
		}
		return map[string]float64{
			"collections_total":            float64(st.TotalCollections),
			"collections_young":            float64(st.YoungCollections),
			"collections_mixed":            float64(st.MixedCollections),
			"collections_full":             float64(st.FullCollections),
			"cycles_started":               float64(st.ConcurrentCyclesStarted),
			"cycles_completed":             float64(st.ConcurrentCyclesCompleted),
			"cycles_aborted":               float64(st.ConcurrentCyclesAborted),
			"remark_restarts":              float64(st.RemarkRestarts),
			"evacuation_failures":          float64(st.EvacuationFailures),
			"humongous_reclaimed":          float64(st.HumongousReclaimed),
			"regions_reclaimed_by_cleanup": float64(st.RegionsReclaimedByCleanup),
			"refined_cards_concurrent":     float64(st.RefinedCardsConcurrently),
			"refined_cards_mutator":        float64(st.RefinedCardsByMutators),
			"allocated_bytes":              float64(st.AllocatedBytes),
			"used_bytes":                   float64(st.UsedBytes),
			"committed_bytes":              float64(st.CommittedBytes),
			"max_bytes":                    float64(st.MaxBytes),
			"region_size_bytes":            float64(st.RegionSize),
			"regions_free":                 float64(st.Regions.Free),
			"regions_eden":                 float64(st.Regions.Eden),
			"regions_survivor":             float64(st.Regions.Survivor),
			"regions_old":                  float64(st.Regions.Old),
			"regions_archive":              float64(st.Regions.Archive),
			"regions_humongous":            float64(st.Regions.Humongous()),
			"regions_committed":            float64(st.Regions.Committed),
			"regions_uncommitted":          float64(st.Regions.Uncommitted),
			"marking":                      marking,
			"pause_total_seconds":          st.TotalPauseTime.Seconds(),
			"last_pause_ms":                st.LastPause.TotalMs,
			"last_pause_root_scan_ms":      st.LastPause.RootScanMs,
			"last_pause_update_rs_ms":      st.LastPause.UpdateRSMs,
			"last_pause_scan_rs_ms":        st.LastPause.ScanRSMs,
			"last_pause_object_copy_ms":    st.LastPause.ObjectCopyMs,
			"last_pause_termination_ms":    st.LastPause.TerminationMs,
			"last_pause_ref_processing_ms": st.LastPause.RefProcessingMs,
			"last_pause_evac_failure_ms":   st.LastPause.EvacFailureMs,
			"last_pause_free_cset_ms":      st.LastPause.FreeCSetMs,
			"last_pause_cset_regions":      float64(st.LastPause.CSetRegions),
			"last_pause_copied_bytes":      float64(st.LastPause.CopiedBytes),
			"last_pause_evacuation_failed": lastFailed,
		}
	}
}

// RegisterHeap wires the heap's metrics under name and its full Stats
// snapshot at /debug/<name>
func (e *Exporter) RegisterHeap(name string, src StatsSource) {
	e.Register(name, HeapCollector(src))
	e.RegisterJSON(name, func() any { return src.Stats() })
}
