package main

import (
	"path/filepath"
	"testing"
)

func TestPreScanConfig(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{nil, ""},
		{[]string{"-config", "heap.json"}, "heap.json"},
		{[]string{"--max-heap", "512m", "--config=a/b.json", "-json"}, "a/b.json"},
		{[]string{"-json", "-config"}, ""},
		{[]string{"-configure", "x"}, ""},
	}
	for _, tt := range tests {
		if got := preScanConfig(tt.args); got != tt.want {
			t.Errorf("preScanConfig(%q) = %q, want %q", tt.args, got, tt.want)
		}
	}
}

func TestMetricsTLS(t *testing.T) {
	cfg, err := metricsTLS("", "")
	if err != nil || cfg != nil {
		t.Fatalf("no files: %v, %v", cfg, err)
	}
	if _, err := metricsTLS("gc.crt", ""); err == nil {
		t.Error("certificate without key accepted")
	}
	if _, err := metricsTLS(filepath.Join(t.TempDir(), "gc.crt"), filepath.Join(t.TempDir(), "gc.key")); err == nil {
		t.Error("missing files accepted")
	}
}
