package upstream

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/codefionn/tuner/tuner-srv/logger"
	"github.com/codefionn/tuner/tuner-srv/memo"
	"github.com/codefionn/tuner/tuner-srv/proxyerr"
	"github.com/dop251/goja"
)

// DefaultUserAgent is sent in CONNECT requests when the client gave none.
const DefaultUserAgent = "tuner-proxy/1.0"

// Target is the host a connection is opened for.
type Target struct {
	Hostname  string
	Port      int
	UserAgent string
}

// Address is host:port.
func (t Target) Address() string {
	return net.JoinHostPort(t.Hostname, strconv.Itoa(t.Port))
}

// Connector dials targets through hop lists. It is safe for concurrent use
// and caches PAC scripts and HTTP transports.
type Connector struct {
	resolver *net.Resolver
	timeout  time.Duration
	// fetch loads PAC scripts; replaced in tests.
	fetch func(ctx context.Context, location string) ([]byte, error)

	scripts    memo.Cache[*goja.Program]
	transports memo.Cache[*http.Transport]
}

// NewConnector creates a Connector. A nil resolver uses the system one, a
// zero timeout means 30 seconds.
func NewConnector(resolver *net.Resolver, timeout time.Duration) *Connector {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Connector{resolver: resolver, timeout: timeout}
	c.fetch = c.fetchScript
	return c
}

// Resolver is the resolver used for direct dials and PAC helpers.
func (c *Connector) Resolver() *net.Resolver {
	return c.resolver
}

func (c *Connector) dialer() *net.Dialer {
	return &net.Dialer{Timeout: c.timeout, KeepAlive: 30 * time.Second, Resolver: c.resolver}
}

// Connect tries hops in order and returns the first tunnel to target. An
// empty list connects directly. When every hop fails the per-hop errors
// are joined under ErrCodeAllHopsFailed.
func (c *Connector) Connect(ctx context.Context, hops []Hop, target Target) (net.Conn, error) {
	if len(hops) == 0 {
		hops = []Hop{DirectHop}
	}

	var errs []error
	for _, hop := range hops {
		conn, err := c.dialHop(ctx, hop, target)
		if err == nil {
			logger.Debug("Connected to %s via %s", target.Address(), hop)
			return conn, nil
		}
		logger.Debug("Hop %s to %s failed: %v", hop, target.Address(), err)
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, proxyerr.New(proxyerr.ErrCodeAllHopsFailed, proxyerr.Description(proxyerr.ErrCodeAllHopsFailed), errors.Join(errs...))
}

func (c *Connector) dialHop(ctx context.Context, hop Hop, target Target) (net.Conn, error) {
	switch hop.Type {
	case Direct:
		conn, err := c.dialer().DialContext(ctx, "tcp", target.Address())
		if err != nil {
			return nil, proxyerr.New(proxyerr.ErrCodeDialFailed, proxyerr.Description(proxyerr.ErrCodeDialFailed), fmt.Errorf("direct dial to %s: %w", target.Address(), err))
		}
		return conn, nil
	case HTTP, HTTPS:
		return c.dialHTTPProxy(ctx, hop, target)
	case SOCKS4, SOCKS4A:
		return c.dialSocks4(ctx, hop, target)
	case SOCKS5:
		return c.dialSocks5(ctx, hop, target)
	}
	return nil, proxyerr.Newf(proxyerr.ErrCodeUnsupportedHop, "cannot dial %s hop", hop.Type)
}

// dialHTTPProxy opens a CONNECT tunnel through an HTTP or HTTPS proxy.
func (c *Connector) dialHTTPProxy(ctx context.Context, hop Hop, target Target) (net.Conn, error) {
	conn, err := c.dialer().DialContext(ctx, "tcp", hop.Address())
	if err != nil {
		return nil, proxyerr.New(proxyerr.ErrCodeDialFailed, proxyerr.Description(proxyerr.ErrCodeDialFailed), fmt.Errorf("proxy server %s: %w", hop.Address(), err))
	}
	if hop.Type == HTTPS {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: hop.Hostname})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, proxyerr.New(proxyerr.ErrCodeTLSHandshake, proxyerr.Description(proxyerr.ErrCodeTLSHandshake), fmt.Errorf("proxy server %s: %w", hop.Address(), err))
		}
		conn = tlsConn
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(c.timeout))
	}
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Host: target.Address()},
		Host:   target.Address(),
		Header: make(http.Header),
	}
	ua := target.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	if hop.Auth != nil {
		token := base64.StdEncoding.EncodeToString([]byte(hop.Auth.Username + ":" + hop.Auth.Password))
		req.Header.Set("Proxy-Authorization", "Basic "+token)
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, proxyerr.New(proxyerr.ErrCodeUpstreamResponse, proxyerr.Description(proxyerr.ErrCodeUpstreamResponse), fmt.Errorf("sending CONNECT to %s: %w", hop.Address(), err))
	}

	br := bufio.NewReader(conn)
	res, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, proxyerr.New(proxyerr.ErrCodeUpstreamResponse, proxyerr.Description(proxyerr.ErrCodeUpstreamResponse), fmt.Errorf("reading from proxy %s: %w", hop.Address(), err))
	}
	if res.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		res.Body.Close()
		conn.Close()
		return nil, proxyerr.New(proxyerr.ErrCodeProxyDenied, proxyerr.Description(proxyerr.ErrCodeProxyDenied), fmt.Errorf("proxy %s denied CONNECT to %s with status %s: %s", hop.Address(), target.Address(), res.Status, body))
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// bufferedConn returns bytes the response reader already pulled off the
// socket before reading from it again.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}
