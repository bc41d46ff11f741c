package netstack

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

// minTLS13 returns cfg with MinVersion raised to TLS 1.3
func minTLS13(cfg *tls.Config) *tls.Config {
	if cfg == nil {
		return &tls.Config{MinVersion: tls.VersionTLS13}
	}
	if cfg.MinVersion >= tls.VersionTLS13 {
		return cfg
	}
	c := cfg.Clone()
	c.MinVersion = tls.VersionTLS13
	return c
}

// TLSServer wraps a listener with TLS, never below version 1.3
func TLSServer(ln net.Listener, cfg *tls.Config) net.Listener {
	return tls.NewListener(ln, minTLS13(cfg))
}

// LoadServerTLS reads a PEM certificate chain and key for a telemetry
// endpoint
func LoadServerTLS(certFile, keyFile string) (*tls.Config, error) {
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("netstack: loading %s: %w", certFile, err)
	}
	return minTLS13(&tls.Config{Certificates: []tls.Certificate{pair}}), nil
}

// SelfSignedServerTLS issues a throwaway P-256 certificate for hosts, valid
// for a day. It is what the HTTP/3 endpoint uses when no certificate was
// configured.
func SelfSignedServerTLS(hosts ...string) (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tmpl := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "regiongc telemetry"},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
			continue
		}
		tmpl.DNSNames = append(tmpl.DNSNames, h)
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}
	return minTLS13(&tls.Config{Certificates: []tls.Certificate{cert}}), nil
}
