// Package request models the three kinds of traffic the proxy handles:
// CONNECT tunnels, plain HTTP exchanges and protocol upgrades. All kinds
// share one mutable URL representation in Base.
package request

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/codefionn/tuner/tuner-srv/pattern"
	"github.com/codefionn/tuner/tuner-srv/upstream"
)

// Kind tags a request variant. Handlers are bound to exactly one kind.
type Kind string

const (
	KindConnect Kind = "connect"
	KindCommon  Kind = "common"
	KindUpgrade Kind = "upgrade"
)

// Request is implemented by *Connect, *Common and *Upgrade.
type Request interface {
	Kind() Kind
	Protocol() string
	Href() string
	BaseRequest() *Base
	// Terminated reports whether a handler already produced the outcome
	// (a response, an upstream socket, or a locally handled connection).
	Terminated() bool
	// Respond answers the request with res and terminates it.
	Respond(res *Response) error
	// Finalize runs the kind's default action unless the request is
	// already terminated.
	Finalize(ctx context.Context) error
}

// Environment is what a request needs from the server that accepted it.
type Environment interface {
	Connector() *upstream.Connector
	Resolver() *net.Resolver
	// ListenPort is the port the proxy itself listens on.
	ListenPort() int
}

// Base holds the URL, headers and routing state shared by all kinds.
type Base struct {
	ID         string
	Method     string
	Encrypted  bool
	Hostname   string
	Port       int
	Pathname   string
	Header     http.Header
	RemoteAddr string

	// Upstream overrides the proxy hops used for this request; empty
	// means direct.
	Upstream []upstream.Hop
	// Params are the path parameters captured by the route that is
	// currently running.
	Params pattern.Params
	// Tunnel is the CONNECT this request was decrypted from, nil for
	// requests sent to the proxy directly.
	Tunnel *Connect

	search       string
	query        url.Values
	original     string
	originalPort int
	env          Environment
	ctx          context.Context
}

func newBase(ctx context.Context, env Environment, method string, encrypted bool, host, path string) *Base {
	b := &Base{
		Method:    strings.ToUpper(method),
		Encrypted: encrypted,
		Header:    make(http.Header),
		Params:    pattern.Params{},
		env:       env,
		ctx:       ctx,
	}
	b.SetHost(host)
	b.SetPath(path)
	return b
}

// NewBase creates a Base outside of a live connection, mainly for tests
// and synthetic requests.
func NewBase(env Environment, method string, encrypted bool, host, path string) *Base {
	return newBase(context.Background(), env, method, encrypted, host, path)
}

// BaseRequest returns b itself so variants embedding Base satisfy Request.
func (b *Base) BaseRequest() *Base {
	return b
}

// Context returns the request's context.
func (b *Base) Context() context.Context {
	if b.ctx == nil {
		return context.Background()
	}
	return b.ctx
}

// Env returns the server environment the request was accepted by.
func (b *Base) Env() Environment {
	return b.env
}

func (b *Base) defaultPort() int {
	if b.Encrypted {
		return 443
	}
	return 80
}

// Host returns hostname[:port], omitting the scheme's default port.
func (b *Base) Host() string {
	return JoinHost(b.Hostname, b.Port, b.defaultPort())
}

// SetHost parses hostname[:port]; a missing port becomes the default for
// the current encryption state.
func (b *Base) SetHost(value string) {
	hostname, port := SplitHost(value)
	b.Hostname = hostname
	if p, err := strconv.Atoi(port); err == nil {
		b.Port = p
	} else {
		b.Port = b.defaultPort()
	}
}

// Path returns pathname plus search.
func (b *Base) Path() string {
	return b.Pathname + b.Search()
}

// SetPath replaces pathname and search.
func (b *Base) SetPath(value string) {
	u, err := url.Parse(value)
	if err != nil || value == "" {
		b.Pathname = "/"
		b.SetSearch("")
		return
	}
	b.Pathname = u.EscapedPath()
	if b.Pathname == "" {
		b.Pathname = "/"
	}
	b.SetSearch(u.RawQuery)
}

// Search returns the query string including its leading "?", or "".
func (b *Base) Search() string {
	raw := b.search
	if b.query != nil {
		raw = b.query.Encode()
	}
	if raw == "" {
		return ""
	}
	return "?" + raw
}

// SetSearch replaces the raw query; a leading "?" is optional.
func (b *Base) SetSearch(value string) {
	b.search = strings.TrimPrefix(value, "?")
	b.query = nil
}

// Query returns the parsed query. It is parsed on first use and
// modifications are reflected in Search and Path.
func (b *Base) Query() url.Values {
	if b.query == nil {
		q, err := url.ParseQuery(b.search)
		if err != nil && q == nil {
			q = url.Values{}
		}
		b.query = q
	}
	return b.query
}

// SetQuery replaces the query.
func (b *Base) SetQuery(values url.Values) {
	b.query = url.Values{}
	for k, v := range values {
		b.query[k] = append([]string(nil), v...)
	}
}

// OriginalURL is the href the request had when it was accepted.
func (b *Base) OriginalURL() string {
	return b.original
}

func (b *Base) href(protocol string) string {
	return protocol + "//" + b.Host() + b.Path()
}

// freeze records href as the original URL.
func (b *Base) freeze(href string) {
	b.original = href
	b.originalPort = b.Port
}

// MatchInfo derives routing input from the original URL. Handlers that
// rewrite the request later do not change which routes were selected.
func (b *Base) MatchInfo() pattern.MatchInfo {
	u, err := url.Parse(b.original)
	if err != nil {
		return pattern.MatchInfo{Hostname: b.Hostname, Port: strconv.Itoa(b.Port), Pathname: b.Pathname, Query: url.Values{}}
	}
	port := u.Port()
	if port == "" {
		if p, ok := DefaultPorts[u.Scheme+":"]; ok {
			port = strconv.Itoa(p)
		} else {
			port = strconv.Itoa(b.originalPort)
		}
	}
	pathname := u.EscapedPath()
	if pathname == "" {
		pathname = "/"
	}
	return pattern.MatchInfo{
		Protocol: u.Scheme + ":",
		Hostname: u.Hostname(),
		Port:     port,
		Pathname: pathname,
		Query:    u.Query(),
	}
}

func (b *Base) upstreamTarget() upstream.Target {
	return upstream.Target{
		Hostname:  b.Hostname,
		Port:      b.Port,
		UserAgent: b.Header.Get("User-Agent"),
	}
}

func (b *Base) resolveHops(ctx context.Context, href string) ([]upstream.Hop, error) {
	return b.env.Connector().ResolveProxyList(ctx, b.Upstream, href, b.Hostname)
}
