package telemetry

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	http3 "github.com/quic-go/quic-go/http3"

	"github.com/orizon-lang/regiongc/internal/runtime/gc"
)

type fixedStats gc.Stats

func (f fixedStats) Stats() gc.Stats { return gc.Stats(f) }

func sampleStats() fixedStats {
	return fixedStats{
		TotalCollections: 3,
		YoungCollections: 2,
		FullCollections:  1,
		UsedBytes:        4096,
		RegionSize:       1 << 20,
		Regions:          gc.RegionCounts{Eden: 2, HumongousStart: 1, HumongousContinues: 2, Committed: 8},
		MarkPhase:        gc.MarkConcurrentMark.String(),
		LastPause:        gc.PhaseTimes{TotalMs: 1.5, EvacuationFailed: true},
		TotalPauseTime:   2 * time.Second,
	}
}

func TestHeapCollector(t *testing.T) {
	m := HeapCollector(sampleStats())()
	tests := []struct {
		name string
		want float64
	}{
		{"collections_total", 3},
		{"collections_full", 1},
		{"used_bytes", 4096},
		{"regions_humongous", 3},
		{"regions_committed", 8},
		{"marking", 1},
		{"pause_total_seconds", 2},
		{"last_pause_ms", 1.5},
		{"last_pause_evacuation_failed", 1},
	}
	for _, tt := range tests {
		if got, ok := m[tt.name]; !ok || got != tt.want {
			t.Errorf("%s = %v (present %v), want %v", tt.name, got, ok, tt.want)
		}
	}

	idle := sampleStats()
	idle.MarkPhase = gc.MarkIdle.String()
	if v := HeapCollector(idle)()["marking"]; v != 0 {
		t.Errorf("marking = %v while idle", v)
	}
}

func TestServerServesMetricsAndSnapshots(t *testing.T) {
	e := NewExporter()
	e.RegisterHeap("heap", sampleStats())
	e.Register("custom", func() map[string]float64 { return map[string]float64{"b": 2, "a": 1} })

	s, err := Start(e, ServerOptions{Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = s.Shutdown(context.Background()) }()
	if s.H3Addr() != "" {
		t.Errorf("HTTP/3 bound at %q without being asked", s.H3Addr())
	}

	cli := &http.Client{Timeout: 2 * time.Second}
	resp, err := cli.Get("http://" + s.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %v", resp.Status)
	}
	var lines []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if len(lines) < 2 || lines[0] != "custom_a 1" || lines[1] != "custom_b 2" {
		t.Fatalf("collectors not in name order: %q", lines[:min(len(lines), 2)])
	}
	if !strings.Contains(strings.Join(lines, "\n"), "heap_used_bytes 4096") {
		t.Errorf("heap metrics missing")
	}

	resp2, err := cli.Get("http://" + s.Addr() + "/debug/heap")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	var st gc.Stats
	if err := json.NewDecoder(resp2.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.TotalCollections != 3 || st.Regions.Eden != 2 {
		t.Errorf("snapshot = %+v", st)
	}

	resp3, err := cli.Get("http://" + s.Addr() + "/debug/missing")
	if err != nil {
		t.Fatal(err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusNotFound {
		t.Errorf("unknown snapshot status = %v", resp3.Status)
	}
}

func TestServerOverHTTP3(t *testing.T) {
	e := NewExporter()
	e.RegisterHeap("heap", sampleStats())
	s, err := Start(e, ServerOptions{H3Addr: "127.0.0.1:0"})
	if err != nil {
		t.Skip("http3 not supported here:", err)
	}
	defer func() { _ = s.Shutdown(context.Background()) }()

	tr := &http3.RoundTripper{TLSClientConfig: &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS13}}
	defer tr.Close()
	cli := &http.Client{Transport: tr, Timeout: 2 * time.Second}
	resp, err := cli.Get("https://" + s.H3Addr() + "/healthz")
	if err != nil {
		t.Skip("http3 dial failed:", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if string(b) != "ok\n" {
		t.Fatalf("healthz = %q", string(b))
	}
}

func TestStartWithoutAddress(t *testing.T) {
	if _, err := Start(NewExporter(), ServerOptions{}); err == nil {
		t.Fatal("Start without addresses succeeded")
	}
}

func TestSanitizeToken(t *testing.T) {
	tests := []struct{ in, want string }{
		{"heap_used_bytes", "heap_used_bytes"},
		{"heap used (bytes)!", "heap_used_bytes_"},
		{"9lives", "_9lives"},
		{"a___b", "a_b"},
	}
	for _, tt := range tests {
		if got := sanitizeToken(tt.in); got != tt.want {
			t.Errorf("sanitizeToken(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
