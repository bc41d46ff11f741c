package telemetry

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/regiongc/internal/cli"
	"github.com/orizon-lang/regiongc/internal/runtime/netstack"
)

// ServerOptions selects the endpoints Start binds
type ServerOptions struct {
	// Addr is the TCP address for HTTP/1.1; empty disables it.
	Addr string
	// H3Addr is the UDP address for HTTP/3; empty disables it.
	H3Addr string
	// TLS is used for HTTP/3 and, when set, for Addr too. HTTP/3 without
	// TLS falls back to a self-signed certificate for localhost.
	TLS    *tls.Config
	Logger *cli.Logger
}

// Server serves an Exporter on the endpoints in its options
type Server struct {
	http   *http.Server
	h3     *netstack.HTTP3Server
	addr   string
	h3Addr string
	log    *cli.Logger
}

// Start binds the configured endpoints and serves in the background
func Start(e *Exporter, opts ServerOptions) (*Server, error) {
	if opts.Addr == "" && opts.H3Addr == "" {
		return nil, errors.New("telemetry: no address to serve on")
	}
	log := opts.Logger
	if log == nil {
		log = cli.DiscardLogger()
	}
	s := &Server{log: log.WithTags("telemetry")}
	h := e.Handler()

	if opts.Addr != "" {
		ln, err := net.Listen("tcp", opts.Addr)
		if err != nil {
			return nil, err
		}
		if opts.TLS != nil {
			ln = netstack.TLSServer(ln, opts.TLS)
		}
		s.addr = ln.Addr().String()
		s.http = &http.Server{Handler: h, ReadHeaderTimeout: 3 * time.Second}
		go func() {
			if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Warn("http endpoint stopped: %v", err)
			}
		}()
		s.log.Info("metrics on %s", s.addr)
	}

	if opts.H3Addr != "" {
		cfg := opts.TLS
		if cfg == nil {
			var err error
			if cfg, err = netstack.SelfSignedServerTLS("127.0.0.1", "localhost"); err != nil {
				_ = s.Shutdown(context.Background())
				return nil, err
			}
		}
		s.h3 = netstack.NewHTTP3Server(opts.H3Addr, cfg, h)
		addr, err := s.h3.Start()
		if err != nil {
			s.h3 = nil
			_ = s.Shutdown(context.Background())
			return nil, err
		}
		s.h3Addr = addr
		s.log.Info("metrics over HTTP/3 on %s", s.h3Addr)
	}
	return s, nil
}

// Addr returns the bound TCP address, or "" when HTTP/1.1 is disabled
func (s *Server) Addr() string { return s.addr }

// H3Addr returns the bound UDP address, or "" when HTTP/3 is disabled
func (s *Server) H3Addr() string { return s.h3Addr }

// Shutdown stops both endpoints
func (s *Server) Shutdown(ctx context.Context) error {
	var g errgroup.Group
	if s.http != nil {
		g.Go(func() error { return s.http.Shutdown(ctx) })
	}
	if s.h3 != nil {
		g.Go(s.h3.Stop)
	}
	return g.Wait()
}
