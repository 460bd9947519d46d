package upstream

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/codefionn/tuner/tuner-srv/logger"
	"github.com/codefionn/tuner/tuner-srv/proxyerr"
	"github.com/dop251/goja"
)

const maxPACSize = 1 << 20

// ResolveProxyList expands PAC hops into the hops their script returns for
// href and hostname. Other hops are kept in place. An empty input yields
// an empty list, which Connect treats as direct.
func (c *Connector) ResolveProxyList(ctx context.Context, hops []Hop, href, hostname string) ([]Hop, error) {
	out := make([]Hop, 0, len(hops))
	for _, hop := range hops {
		if hop.Type != PAC {
			out = append(out, hop)
			continue
		}
		result, err := c.EvaluatePAC(ctx, hop.URL, href, hostname)
		if err != nil {
			return nil, err
		}
		logger.Trace("PAC %s returned %q for %s", hop.URL, result, href)
		out = append(out, ParsePACResult(result)...)
	}
	return out, nil
}

// EvaluatePAC runs FindProxyForURL(href, hostname) from the script at
// location. The compiled script is cached per location; a script that
// fails to load is retried on the next call.
func (c *Connector) EvaluatePAC(ctx context.Context, location, href, hostname string) (string, error) {
	prog, err := c.scripts.Get(location, func() (*goja.Program, error) {
		src, err := c.fetch(ctx, location)
		if err != nil {
			return nil, proxyerr.New(proxyerr.ErrCodePACFetch, proxyerr.Description(proxyerr.ErrCodePACFetch), fmt.Errorf("%s: %w", location, err))
		}
		p, err := goja.Compile(location, string(src), false)
		if err != nil {
			return nil, proxyerr.New(proxyerr.ErrCodePACEvaluation, proxyerr.Description(proxyerr.ErrCodePACEvaluation), err)
		}
		return p, nil
	})
	if err != nil {
		return "", err
	}

	vm := goja.New()
	installPACHelpers(ctx, vm, c.resolver)
	stop := time.AfterFunc(c.timeout, func() { vm.Interrupt("PAC evaluation timed out") })
	defer stop.Stop()

	if _, err := vm.RunProgram(prog); err != nil {
		return "", proxyerr.New(proxyerr.ErrCodePACEvaluation, proxyerr.Description(proxyerr.ErrCodePACEvaluation), err)
	}
	find, ok := goja.AssertFunction(vm.Get("FindProxyForURL"))
	if !ok {
		return "", proxyerr.Newf(proxyerr.ErrCodePACEvaluation, "%s does not define FindProxyForURL", location)
	}
	v, err := find(goja.Undefined(), vm.ToValue(href), vm.ToValue(hostname))
	if err != nil {
		return "", proxyerr.New(proxyerr.ErrCodePACEvaluation, proxyerr.Description(proxyerr.ErrCodePACEvaluation), err)
	}
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return "", nil
	}
	return v.String(), nil
}

func (c *Connector) fetchScript(ctx context.Context, location string) ([]byte, error) {
	if path, ok := strings.CutPrefix(location, "file://"); ok {
		return os.ReadFile(path)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Transport: &http.Transport{DialContext: c.dialer().DialContext}}
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", res.Status)
	}
	return io.ReadAll(io.LimitReader(res.Body, maxPACSize))
}

// ParsePACResult turns "PROXY a:1; SOCKS b:2; DIRECT" into hops. Types
// are case-insensitive; SOCKS means SOCKS5. Malformed segments are
// skipped.
func ParsePACResult(result string) []Hop {
	var hops []Hop
	for _, segment := range strings.Split(result, ";") {
		fields := strings.Fields(segment)
		if len(fields) == 0 {
			continue
		}
		kind := strings.ToUpper(fields[0])
		if kind == "DIRECT" {
			if len(fields) == 1 {
				hops = append(hops, DirectHop)
			}
			continue
		}
		if len(fields) != 2 {
			continue
		}

		var t HopType
		switch kind {
		case "PROXY", "HTTP":
			t = HTTP
		case "HTTPS":
			t = HTTPS
		case "SOCKS", "SOCKS5":
			t = SOCKS5
		case "SOCKS4":
			t = SOCKS4
		default:
			continue
		}
		host, portStr, err := net.SplitHostPort(fields[1])
		if err != nil {
			host, portStr = fields[1], strconv.Itoa(defaultHopPorts[t])
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || host == "" || port <= 0 || port > 65535 {
			continue
		}
		hops = append(hops, Hop{Type: t, Hostname: host, Port: port})
	}
	return hops
}

func installPACHelpers(ctx context.Context, vm *goja.Runtime, resolver *net.Resolver) {
	lookup4 := func(host string) (netip.Addr, bool) {
		if addr, err := netip.ParseAddr(host); err == nil {
			return addr.Unmap(), true
		}
		addrs, err := resolver.LookupNetIP(ctx, "ip4", host)
		if err != nil || len(addrs) == 0 {
			return netip.Addr{}, false
		}
		return addrs[0].Unmap(), true
	}

	_ = vm.Set("isPlainHostName", func(host string) bool {
		return !strings.Contains(host, ".")
	})
	_ = vm.Set("dnsDomainIs", func(host, domain string) bool {
		return strings.HasSuffix(strings.ToLower(host), strings.ToLower(domain))
	})
	_ = vm.Set("localHostOrDomainIs", func(host, hostdom string) bool {
		host, hostdom = strings.ToLower(host), strings.ToLower(hostdom)
		if host == hostdom {
			return true
		}
		return !strings.Contains(host, ".") && strings.HasPrefix(hostdom, host+".")
	})
	_ = vm.Set("isResolvable", func(host string) bool {
		_, ok := lookup4(host)
		return ok
	})
	_ = vm.Set("dnsResolve", func(host string) any {
		if addr, ok := lookup4(host); ok {
			return addr.String()
		}
		return nil
	})
	_ = vm.Set("isInNet", func(host, pattern, mask string) bool {
		addr, ok := lookup4(host)
		if !ok || !addr.Is4() {
			return false
		}
		p, err1 := netip.ParseAddr(pattern)
		m, err2 := netip.ParseAddr(mask)
		if err1 != nil || err2 != nil || !p.Is4() || !m.Is4() {
			return false
		}
		a, pb, mb := addr.As4(), p.As4(), m.As4()
		for i := range a {
			if a[i]&mb[i] != pb[i]&mb[i] {
				return false
			}
		}
		return true
	})
	_ = vm.Set("myIpAddress", func() string {
		return localIPv4()
	})
	_ = vm.Set("dnsDomainLevels", func(host string) int {
		return strings.Count(host, ".")
	})
	_ = vm.Set("shExpMatch", func(str, shexp string) bool {
		re, err := shellPattern(shexp)
		if err != nil {
			return false
		}
		return re.MatchString(str)
	})
	_ = vm.Set("alert", func(msg string) {
		logger.Debug("PAC alert: %s", msg)
	})
}

func shellPattern(shexp string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range shexp {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

func localIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}
