package config

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	gcerrors "github.com/orizon-lang/regiongc/internal/errors"
)

func validConfig(t *testing.T) HeapConfig {
	t.Helper()
	cfg := Default()
	cfg.Platform = PlatformCapabilities{NumCPU: 4, PageSize: 4096}
	cfg.ApplyErgonomics()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	return cfg
}

func TestErgonomicRegionSize(t *testing.T) {
	tests := []struct {
		initial, max uint64
		want         uint64
	}{
		{16 * MB, 16 * MB, 1 * MB},
		{256 * MB, 256 * MB, 1 * MB},
		{4 * GB, 4 * GB, 2 * MB},
		{6 * GB, 6 * GB, 2 * MB},
		{16 * GB, 16 * GB, 8 * MB},
		{1024 * GB, 1024 * GB, 32 * MB},
	}
	for _, tt := range tests {
		if got := ErgonomicRegionSize(tt.initial, tt.max); got != tt.want {
			t.Errorf("ErgonomicRegionSize(%d, %d) = %d, want %d", tt.initial, tt.max, got, tt.want)
		}
	}
}

func TestApplyErgonomicsAlignsHeap(t *testing.T) {
	cfg := Default()
	cfg.Platform = PlatformCapabilities{NumCPU: 16, PageSize: 4096}
	cfg.MaxHeapSize = 100*MB + 17
	cfg.InitialHeapSize = 3*MB + 1
	cfg.ApplyErgonomics()
	if cfg.RegionSize != MB {
		t.Fatalf("region size = %d", cfg.RegionSize)
	}
	if cfg.MaxHeapSize != 101*MB || cfg.InitialHeapSize != 4*MB {
		t.Fatalf("heap not aligned: initial=%d max=%d", cfg.InitialHeapSize, cfg.MaxHeapSize)
	}
	if cfg.ParallelGCThreads != 13 {
		t.Fatalf("parallel threads = %d, want 13", cfg.ParallelGCThreads)
	}
	if cfg.ConcGCThreads != 3 {
		t.Fatalf("conc threads = %d, want 3", cfg.ConcGCThreads)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*HeapConfig)
	}{
		{"region not power of two", func(c *HeapConfig) { c.RegionSize = 3 * MB }},
		{"region too small", func(c *HeapConfig) { c.RegionSize = 512 * KB }},
		{"region too large", func(c *HeapConfig) { c.RegionSize = 64 * MB }},
		{"heap of one region", func(c *HeapConfig) { c.MaxHeapSize = c.RegionSize; c.InitialHeapSize = c.RegionSize }},
		{"interval below goal", func(c *HeapConfig) { c.PauseIntervalMs = c.PauseTimeGoalMs }},
		{"ihop above 100", func(c *HeapConfig) { c.InitiatingHeapOccupancyPercent = 101 }},
		{"new size above max", func(c *HeapConfig) { c.NewSizePercent = 70 }},
		{"tenuring above 15", func(c *HeapConfig) { c.MaxTenuringThreshold = 16 }},
		{"free ratios inverted", func(c *HeapConfig) { c.MinHeapFreeRatio = 80 }},
		{"red below green", func(c *HeapConfig) { c.RefinementRedZone = 1 }},
		{"huge tlab", func(c *HeapConfig) { c.TLABSizeWords = c.RegionSize }},
		{"schema 2.x", func(c *HeapConfig) { c.SchemaVersion = "2.0.0" }},
		{"schema garbage", func(c *HeapConfig) { c.SchemaVersion = "one" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			var se *gcerrors.StandardError
			if !errors.As(err, &se) || se.Category != gcerrors.CategoryConfig {
				t.Fatalf("expected config error, got %v", err)
			}
		})
	}
}

func TestCheckSchemaVersion(t *testing.T) {
	for _, v := range []string{"", "1.0.0", "1.4.2"} {
		if err := CheckSchemaVersion(v); err != nil {
			t.Errorf("%q rejected: %v", v, err)
		}
	}
	for _, v := range []string{"0.9.0", "2.0.0", "x"} {
		if err := CheckSchemaVersion(v); err == nil {
			t.Errorf("%q accepted", v)
		}
	}
}

func TestSaveLoadKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "heap.json")
	if err := os.WriteFile(path, []byte(`{"max_heap_size": 67108864, "heap_waste_percent": 9}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxHeapSize != 64*MB || cfg.HeapWastePercent != 9 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.MixedGCCountTarget != Default().MixedGCCountTarget {
		t.Fatalf("default lost: %d", cfg.MixedGCCountTarget)
	}

	out := filepath.Join(dir, "nested", "out.json")
	if err := Save(out, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	again, err := Load(out)
	if err != nil {
		t.Fatal(err)
	}
	if again.MaxHeapSize != cfg.MaxHeapSize || again.HeapWastePercent != 9 {
		t.Fatalf("reloaded config differs")
	}
}

func TestGetSet(t *testing.T) {
	cfg := validConfig(t)
	if err := cfg.Set("max_heap_size", "512M"); err != nil {
		t.Fatal(err)
	}
	if cfg.MaxHeapSize != 512*MB {
		t.Fatalf("max heap = %d", cfg.MaxHeapSize)
	}
	if err := cfg.Set("eager_reclaim_humongous", "false"); err != nil {
		t.Fatal(err)
	}
	if v, _ := cfg.Get("eager_reclaim_humongous"); v != "false" {
		t.Fatalf("get = %q", v)
	}
	if err := cfg.Set("pause_time_goal_ms", "12.5"); err != nil {
		t.Fatal(err)
	}
	if cfg.PauseTimeGoalMs != 12.5 {
		t.Fatalf("pause goal = %v", cfg.PauseTimeGoalMs)
	}
	if err := cfg.Set("mixed_gc_count_target", "many"); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := cfg.Get("no_such_option"); err == nil {
		t.Fatal("expected unknown option error")
	}
	for _, n := range Options() {
		if _, err := cfg.Get(n); err != nil {
			t.Errorf("option %s not readable: %v", n, err)
		}
	}
}

func TestRegisterFlags(t *testing.T) {
	cfg := Default()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	if err := fs.Parse([]string{"-max-heap", "1g", "-ihop", "30", "-log-level", "debug"}); err != nil {
		t.Fatal(err)
	}
	if cfg.MaxHeapSize != GB || cfg.InitiatingHeapOccupancyPercent != 30 || cfg.LogLevel != "debug" {
		t.Fatalf("flags not applied: %+v", cfg)
	}
}

func TestParseSize(t *testing.T) {
	tests := map[string]uint64{"4096": 4096, "8k": 8 * KB, "3M": 3 * MB, "2g": 2 * GB}
	for in, want := range tests {
		got, err := ParseSize(in)
		if err != nil || got != want {
			t.Errorf("ParseSize(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	if _, err := ParseSize("12q"); err == nil {
		t.Error("expected error for bad suffix")
	}
}

func TestWatcherReloadsManageableOptions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "heap.json")
	base := validConfig(t)
	if err := Save(path, &base); err != nil {
		t.Fatal(err)
	}

	changes := make(chan HeapConfig, 4)
	w, err := NewWatcher(path, base, func(c *HeapConfig) { changes <- *c })
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	defer w.Close()

	edited := base
	edited.InitiatingHeapOccupancyPercent = 25
	edited.MaxHeapSize = 8 * GB // not manageable
	if err := Save(path, &edited); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changes:
			if c.InitiatingHeapOccupancyPercent != 25 {
				continue
			}
			if c.MaxHeapSize != base.MaxHeapSize {
				t.Fatalf("fixed option changed on reload: %d", c.MaxHeapSize)
			}
			return
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}
