package proxy

import (
	"context"
	"crypto/tls"
	"io"
	"log"
	"net"
	"net/http"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/codefionn/tuner/tuner-srv/logger"
	"github.com/codefionn/tuner/tuner-srv/proxyerr"
	"github.com/codefionn/tuner/tuner-srv/request"
	"github.com/codefionn/tuner/tuner-srv/router"
)

// DecryptMode selects how Decrypt reads the tunneled bytes.
type DecryptMode string

const (
	// DecryptHTTPS terminates TLS with a leaf from the CA and serves
	// HTTP/1.1 or h2 as negotiated by ALPN.
	DecryptHTTPS DecryptMode = "https"
	// DecryptHTTP serves plain HTTP/1.1.
	DecryptHTTP DecryptMode = "http"
	// DecryptH2C serves plain HTTP/1.1 and prior-knowledge h2.
	DecryptH2C DecryptMode = "h2"
)

// ParseDecryptMode maps a configuration value to a mode.
func ParseDecryptMode(s string) (DecryptMode, error) {
	switch m := DecryptMode(s); m {
	case DecryptHTTPS, DecryptHTTP, DecryptH2C:
		return m, nil
	case "":
		return DecryptHTTPS, nil
	}
	return "", proxyerr.Newf(proxyerr.ErrCodeConfigInvalid, "unknown decrypt mode %q", s)
}

// Decrypt returns a CONNECT handler that serves the tunnel with the
// proxy itself. Every request read from the tunnel is dispatched like a
// direct client request, marked encrypted in https mode. The tunnel is
// hidden from observers.
func (s *Server) Decrypt(mode DecryptMode) router.Handler {
	return router.Connect(func(req *request.Connect, next router.Next) (router.Outcome, error) {
		if mode == DecryptHTTPS && s.ca == nil {
			return nil, proxyerr.Newf(proxyerr.ErrCodeCALoad, "no certificate authority configured")
		}
		req.Hidden = true
		if !req.ResponseHeaderSent {
			if _, err := io.WriteString(req.Conn, connectEstablished); err != nil {
				return nil, err
			}
			req.ResponseHeaderSent = true
		}
		req.MarkHandled()
		s.decrypt(req, mode)
		return nil, nil
	})
}

func (s *Server) decrypt(tunnel *request.Connect, mode DecryptMode) {
	scope := logger.ForRequest(tunnel.ID)
	var conn net.Conn = &bufferConn{Conn: tunnel.Conn, buf: tunnel.Head}
	tunnel.Head = nil

	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Host == "" {
			r.Host = tunnel.Authority()
		}
		s.serve(w, r, mode == DecryptHTTPS, tunnel)
	})

	srv := &http.Server{
		ReadHeaderTimeout: s.timeout,
		ErrorLog:          log.New(debugLogWriter{}, "", 0),
		BaseContext:       func(net.Listener) context.Context { return tunnel.Context() },
	}

	switch mode {
	case DecryptHTTPS:
		srv.TLSConfig = s.ca.TLSConfig(tunnel.Hostname)
		srv.TLSConfig.NextProtos = []string{"h2", "http/1.1"}
		if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
			scope.Error("Failed to enable h2 for %s: %v", tunnel.Authority(), err)
		}
		conn = tls.Server(conn, srv.TLSConfig)
	case DecryptH2C:
		handler = h2c.NewHandler(handler, &http2.Server{})
	}
	srv.Handler = handler

	ln := newConnListener(conn)
	srv.ConnState = ln.track
	scope.Debug("Decrypting %s (%s)", tunnel.Authority(), mode)
	if err := srv.Serve(ln); err != nil && !isClosedConnError(err) && err != http.ErrServerClosed {
		scope.Debug("Decrypted tunnel %s ended: %v", tunnel.Authority(), err)
	}
}

// connListener hands out a single connection and reports closed once the
// HTTP server is done with it.
type connListener struct {
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
	addr  net.Addr
}

func newConnListener(conn net.Conn) *connListener {
	l := &connListener{
		conns: make(chan net.Conn, 1),
		done:  make(chan struct{}),
		addr:  conn.LocalAddr(),
	}
	l.conns <- conn
	return l
}

func (l *connListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *connListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *connListener) Addr() net.Addr { return l.addr }

func (l *connListener) track(_ net.Conn, state http.ConnState) {
	if state == http.StateClosed || state == http.StateHijacked {
		_ = l.Close()
	}
}
