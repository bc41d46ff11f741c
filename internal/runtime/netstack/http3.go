package netstack

import (
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	http3 "github.com/quic-go/quic-go/http3"
)

// HTTP3Server wraps the http3.Server lifecycle on a UDP socket
type HTTP3Server struct {
	srv  *http3.Server
	pc   net.PacketConn
	addr string
	done chan struct{}
}

// NewHTTP3Server creates a server for addr with the given TLS config and handler
func NewHTTP3Server(addr string, tlsCfg *tls.Config, h http.Handler) *HTTP3Server {
	return &HTTP3Server{srv: &http3.Server{Addr: addr, TLSConfig: http3.ConfigureTLSConfig(minTLS13(tlsCfg)), Handler: h}, addr: addr}
}

// Start binds the UDP socket and serves in the background. It returns the
// bound address, which differs from addr when the port was 0.
func (s *HTTP3Server) Start() (string, error) {
	if s.pc != nil {
		return "", errors.New("netstack: HTTP/3 server already started")
	}
	pc, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return "", err
	}
	s.pc = pc
	s.done = make(chan struct{})
	go func() {
		_ = s.srv.Serve(pc)
		close(s.done)
	}()
	return pc.LocalAddr().String(), nil
}

// Stop closes the server and waits up to a second for Serve to return
func (s *HTTP3Server) Stop() error {
	if s.pc == nil {
		return nil
	}
	err := s.srv.Close()
	_ = s.pc.Close()
	select {
	case <-s.done:
	case <-time.After(time.Second):
	}
	s.pc = nil
	return err
}
