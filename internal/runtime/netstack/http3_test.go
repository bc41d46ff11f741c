package netstack

import (
	"crypto/tls"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	http3 "github.com/quic-go/quic-go/http3"
)

func TestHTTP3Loopback(t *testing.T) {
	srvTLS, err := SelfSignedServerTLS("127.0.0.1", "localhost")
	if err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("pong")) })
	s := NewHTTP3Server("127.0.0.1:0", srvTLS, mux)
	addr, err := s.Start()
	if err != nil {
		t.Skip("http3 not supported here:", err)
	}
	defer s.Stop()
	if _, err := s.Start(); err == nil {
		t.Error("second Start succeeded")
	}

	tr := &http3.RoundTripper{TLSClientConfig: &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS13}}
	defer tr.Close()
	cli := &http.Client{Transport: tr, Timeout: 2 * time.Second}
	resp, err := cli.Get("https://" + addr + "/ping")
	if err != nil {
		t.Skip("http3 dial failed:", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if string(b) != "pong" {
		t.Fatalf("unexpected: %q", string(b))
	}
}

func TestSelfSignedServerTLS(t *testing.T) {
	cfg, err := SelfSignedServerTLS("127.0.0.1", "gc.local")
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Certificates) != 1 || cfg.MinVersion != tls.VersionTLS13 {
		t.Fatalf("config %+v", cfg)
	}
	leaf := cfg.Certificates[0].Leaf
	if len(leaf.IPAddresses) != 1 || len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != "gc.local" {
		t.Errorf("SANs %v %v", leaf.IPAddresses, leaf.DNSNames)
	}
	if err := leaf.VerifyHostname("gc.local"); err != nil {
		t.Error(err)
	}
}

func TestLoadServerTLS(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadServerTLS(filepath.Join(dir, "missing.crt"), filepath.Join(dir, "missing.key")); err == nil {
		t.Fatal("loading missing files succeeded")
	}
	crt := filepath.Join(dir, "bad.crt")
	if err := os.WriteFile(crt, []byte("not pem"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadServerTLS(crt, crt); err == nil {
		t.Error("loading a malformed pair succeeded")
	}
}

func TestTLSServerRaisesMinimumVersion(t *testing.T) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if got := minTLS13(cfg); got.MinVersion != tls.VersionTLS13 || cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("minTLS13 = %x, caller config now %x", got.MinVersion, cfg.MinVersion)
	}
	if got := minTLS13(nil); got.MinVersion != tls.VersionTLS13 {
		t.Errorf("nil config gave %x", got.MinVersion)
	}
}
