// Package upstream opens connections to targets directly or through
// upstream proxies (HTTP/HTTPS CONNECT, SOCKS4, SOCKS4a, SOCKS5) and
// resolves PAC scripts into hop lists.
package upstream

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/codefionn/tuner/tuner-srv/proxyerr"
)

// HopType names how a hop is reached.
type HopType string

const (
	Direct  HopType = "direct"
	HTTP    HopType = "http"
	HTTPS   HopType = "https"
	SOCKS4  HopType = "socks4"
	SOCKS4A HopType = "socks4a"
	SOCKS5  HopType = "socks5"
	PAC     HopType = "pac"
)

var defaultHopPorts = map[HopType]int{
	HTTP:    80,
	HTTPS:   443,
	SOCKS4:  1080,
	SOCKS4A: 1080,
	SOCKS5:  1080,
}

// Auth are the credentials for a hop.
type Auth struct {
	Username string
	Password string
}

// Hop is one way of reaching a target. A list of hops is tried in order
// until one connects.
type Hop struct {
	Type     HopType
	Hostname string
	Port     int
	Auth     *Auth
	// URL is the script location of a PAC hop.
	URL string
}

// DirectHop connects to the target without a proxy.
var DirectHop = Hop{Type: Direct}

// Parse reads a hop definition:
//
//	direct
//	http://[user:pass@]host[:port]   (proxy:// is an alias)
//	https://[user:pass@]host[:port]
//	socks://host[:port]              (SOCKS5)
//	socks4://, socks4a://, socks5://
//	pac+http://host/proxy.pac        (also pac+file:///path)
func Parse(raw string) (Hop, error) {
	raw = strings.TrimSpace(raw)
	if strings.EqualFold(raw, "direct") {
		return DirectHop, nil
	}
	if rest, ok := strings.CutPrefix(raw, "pac+"); ok {
		if _, err := url.Parse(rest); err != nil || rest == "" {
			return Hop{}, proxyerr.Newf(proxyerr.ErrCodeInvalidUpstream, "invalid PAC url %q", rest)
		}
		return Hop{Type: PAC, URL: rest}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Hop{}, proxyerr.New(proxyerr.ErrCodeInvalidUpstream, proxyerr.Description(proxyerr.ErrCodeInvalidUpstream), err)
	}

	var t HopType
	switch strings.ToLower(u.Scheme) {
	case "http", "proxy":
		t = HTTP
	case "https":
		t = HTTPS
	case "socks", "socks5", "socks5h":
		t = SOCKS5
	case "socks4":
		t = SOCKS4
	case "socks4a":
		t = SOCKS4A
	default:
		return Hop{}, proxyerr.Newf(proxyerr.ErrCodeInvalidUpstream, "unsupported upstream %q", raw)
	}
	if u.Hostname() == "" {
		return Hop{}, proxyerr.Newf(proxyerr.ErrCodeInvalidUpstream, "upstream %q has no host", raw)
	}

	hop := Hop{Type: t, Hostname: u.Hostname(), Port: defaultHopPorts[t]}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Hop{}, proxyerr.Newf(proxyerr.ErrCodeInvalidUpstream, "upstream %q has invalid port", raw)
		}
		hop.Port = port
	}
	if u.User != nil {
		pass, _ := u.User.Password()
		hop.Auth = &Auth{Username: u.User.Username(), Password: pass}
	}
	return hop, nil
}

// MustParse is Parse for literals.
func MustParse(raw string) Hop {
	h, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return h
}

// ParseList parses every entry of raws.
func ParseList(raws []string) ([]Hop, error) {
	hops := make([]Hop, 0, len(raws))
	for _, raw := range raws {
		h, err := Parse(raw)
		if err != nil {
			return nil, err
		}
		hops = append(hops, h)
	}
	return hops, nil
}

// Address is host:port of the proxy itself.
func (h Hop) Address() string {
	return net.JoinHostPort(h.Hostname, strconv.Itoa(h.Port))
}

// Key identifies the hop for pooling.
func (h Hop) Key() string {
	switch h.Type {
	case Direct:
		return "direct"
	case PAC:
		return "pac+" + h.URL
	}
	k := string(h.Type) + "://"
	if h.Auth != nil {
		k += url.UserPassword(h.Auth.Username, h.Auth.Password).String() + "@"
	}
	return k + h.Address()
}

func (h Hop) String() string {
	switch h.Type {
	case Direct:
		return "direct"
	case PAC:
		return "pac+" + h.URL
	}
	return string(h.Type) + "://" + h.Address()
}

// URLForTransport is the hop as a proxy URL for net/http, including
// credentials.
func (h Hop) URLForTransport() *url.URL {
	u := &url.URL{Scheme: string(h.Type), Host: h.Address()}
	if h.Auth != nil {
		u.User = url.UserPassword(h.Auth.Username, h.Auth.Password)
	}
	return u
}

func keyOf(hops []Hop) string {
	keys := make([]string, len(hops))
	for i, h := range hops {
		keys[i] = h.Key()
	}
	return strings.Join(keys, ";")
}
