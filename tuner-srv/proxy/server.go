// Package proxy is the listening side of tuner: it accepts client
// connections, wraps them into requests, runs them through the router and
// pipes the outcome back to the client.
package proxy

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/tuner/tuner-srv/ca"
	"github.com/codefionn/tuner/tuner-srv/logger"
	"github.com/codefionn/tuner/tuner-srv/observer"
	"github.com/codefionn/tuner/tuner-srv/proxyerr"
	"github.com/codefionn/tuner/tuner-srv/request"
	"github.com/codefionn/tuner/tuner-srv/router"
	"github.com/codefionn/tuner/tuner-srv/upstream"
)

// Options configure a Server.
type Options struct {
	ListenAddress string
	// Timeout bounds reading a request head and dialing upstream.
	Timeout time.Duration
	// Upstream is the hop list every request starts with.
	Upstream  []upstream.Hop
	Router    *router.Router
	Connector *upstream.Connector
	// CA signs leaf certificates for decrypted tunnels. Decrypt in https
	// mode fails without one.
	CA       *ca.Manager
	Observer observer.Observer
}

// Server is the proxy front end. It implements request.Environment.
type Server struct {
	address   string
	timeout   time.Duration
	router    *router.Router
	connector *upstream.Connector
	ca        *ca.Manager
	observer  observer.Observer

	upstream   atomic.Pointer[[]upstream.Hop]
	listenPort atomic.Int32

	mu      sync.Mutex
	server  *http.Server
	stopped bool
}

// NewServer creates a Server from opts, filling in defaults.
func NewServer(opts Options) *Server {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Router == nil {
		opts.Router, _ = router.New(nil)
	}
	if opts.Connector == nil {
		opts.Connector = upstream.NewConnector(nil, opts.Timeout)
	}
	if opts.Observer == nil {
		opts.Observer = observer.Nop{}
	}
	s := &Server{
		address:   opts.ListenAddress,
		timeout:   opts.Timeout,
		router:    opts.Router,
		connector: opts.Connector,
		ca:        opts.CA,
		observer:  opts.Observer,
	}
	s.SetUpstream(opts.Upstream)
	return s
}

func (s *Server) Connector() *upstream.Connector { return s.connector }

func (s *Server) Resolver() *net.Resolver { return s.connector.Resolver() }

// ListenPort is the port of the active listener, 0 before Start.
func (s *Server) ListenPort() int { return int(s.listenPort.Load()) }

// Router returns the router requests are dispatched through.
func (s *Server) Router() *router.Router { return s.router }

// SetUpstream replaces the default hop list for new requests.
func (s *Server) SetUpstream(hops []upstream.Hop) {
	cp := append([]upstream.Hop(nil), hops...)
	s.upstream.Store(&cp)
}

func (s *Server) upstreamFor(tunnel *request.Connect) []upstream.Hop {
	if tunnel != nil && len(tunnel.Upstream) > 0 {
		return append([]upstream.Hop(nil), tunnel.Upstream...)
	}
	if p := s.upstream.Load(); p != nil {
		return append([]upstream.Hop(nil), (*p)...)
	}
	return nil
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.StartWithListener(ln)
}

// Listen binds the configured listen address.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return nil, proxyerr.New(proxyerr.ErrCodeListenerFailed, proxyerr.Description(proxyerr.ErrCodeListenerFailed), err)
	}
	return ln, nil
}

// StartWithListener serves on ln until Stop.
func (s *Server) StartWithListener(ln net.Listener) error {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.listenPort.Store(int32(addr.Port))
	}

	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: s.timeout,
		IdleTimeout:       90 * time.Second,
		ErrorLog:          log.New(debugLogWriter{}, "", 0),
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.server = srv
	s.mu.Unlock()

	logger.Info("Starting tuner proxy on %s", ln.Addr().String())
	err := srv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the listener down, waiting up to five seconds for plain
// requests. Tunnels are not waited for.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.stopped = true
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.connector.CloseIdleConnections()
	return srv.Shutdown(ctx)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, r.TLS != nil, nil)
}

// serve handles one client request. tunnel is the CONNECT the request was
// decrypted from, if any.
func (s *Server) serve(w http.ResponseWriter, r *http.Request, encrypted bool, tunnel *request.Connect) {
	id := uuid.NewString()
	switch {
	case r.Method == http.MethodConnect:
		s.handleConnect(w, r, id)
	case r.Header.Get("Upgrade") != "" && r.ProtoMajor == 1:
		s.handleUpgrade(w, r, id, encrypted, tunnel)
	default:
		s.handleCommon(w, r, id, encrypted, tunnel)
	}
}

// dispatch runs req through the router and then its default action. The
// router skips the default when a handler ends the chain without a
// result, so Finalize runs here once more; it is a no-op when already done.
func (s *Server) dispatch(ctx context.Context, req request.Request) error {
	if err := s.router.Dispatch(ctx, req); err != nil {
		return err
	}
	return req.Finalize(ctx)
}

type debugLogWriter struct{}

func (debugLogWriter) Write(p []byte) (int, error) {
	logger.Debug("http: %s", strings.TrimSpace(string(p)))
	return len(p), nil
}

func describe(req request.Request) string {
	return fmt.Sprintf("%s %s", req.BaseRequest().Method, req.BaseRequest().OriginalURL())
}
