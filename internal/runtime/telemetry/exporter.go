// Package telemetry exposes heap counters over HTTP and HTTP/3.
package telemetry

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// Collector returns a map of metric name -> value. Names should be simple
// tokens using [a-zA-Z0-9_:] to ease exposition.
type Collector func() map[string]float64

// Exporter aggregates collectors under /metrics and JSON snapshots under
// /debug/<name>
type Exporter struct {
	mu         sync.RWMutex
	collectors map[string]Collector
	snapshots  map[string]func() any
}

func NewExporter() *Exporter {
	return &Exporter{collectors: map[string]Collector{}, snapshots: map[string]func() any{}}
}

// Register adds or replaces a collector; its metrics are prefixed with name
func (e *Exporter) Register(name string, c Collector) {
	e.mu.Lock()
	e.collectors[name] = c
	e.mu.Unlock()
}

// RegisterJSON serves the value returned by fn as JSON at /debug/<name>
func (e *Exporter) RegisterJSON(name string, fn func() any) {
	e.mu.Lock()
	e.snapshots[name] = fn
	e.mu.Unlock()
}

// WriteText writes every metric as "name value" lines in a stable order
func (e *Exporter) WriteText(w io.Writer) error {
	e.mu.RLock()
	names := make([]string, 0, len(e.collectors))
	for name := range e.collectors {
		names = append(names, name)
	}
	cs := make([]Collector, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		cs = append(cs, e.collectors[name])
	}
	e.mu.RUnlock()

	for i, name := range names {
		if cs[i] == nil {
			continue
		}
		snapshot := cs[i]()
		keys := make([]string, 0, len(snapshot))
		for k := range snapshot {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, err := fmt.Fprintf(w, "%s %g\n", sanitizeToken(name+"_"+k), snapshot[k]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Handler returns the mux serving /metrics, /healthz and /debug/<name>
func (e *Exporter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_ = e.WriteText(w)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok\n")
	})
	mux.HandleFunc("/debug/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/debug/")
		e.mu.RLock()
		fn := e.snapshots[name]
		e.mu.RUnlock()
		if fn == nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(fn())
	})
	return mux
}

func sanitizeToken(s string) string {
	b := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == ':' {
			b[i] = c
		} else {
			b[i] = '_'
		}
	}
	if len(b) > 0 && b[0] >= '0' && b[0] <= '9' {
		return "_" + string(b)
	}
	out := string(b)
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	return out
}
