package pattern

import (
	"net/netip"
	"strings"

	"github.com/codefionn/tuner/tuner-srv/proxyerr"
)

// HostnameMatcher builds the hostname predicate.
//
//	example.com      matches only example.com
//	*.example.com    matches exactly one extra label
//	*.*.example.com  matches one or more extra labels
//	[10.0.0.0/16]    matches IP literals inside the prefix
//	[10.0.0.1-10.0.0.9], [2001::1]  ranges and single addresses
func HostnameMatcher(pattern string) (Predicate, error) {
	if pattern == "" {
		return matchAll, nil
	}
	if strings.HasPrefix(pattern, "[") && strings.HasSuffix(pattern, "]") {
		return ipMatcher(pattern[1 : len(pattern)-1])
	}

	pattern = strings.ToLower(pattern)
	rest := pattern
	wildcards := 0
	for {
		i := strings.Index(rest, ".")
		if i <= 0 || strings.Trim(rest[:i], "*") != "" {
			break
		}
		wildcards++
		rest = rest[i+1:]
	}
	domain := rest
	exactLabels := strings.Count(pattern, ".") + 1
	domainLabels := strings.Count(domain, ".") + 1

	return func(info MatchInfo) bool {
		hostname := strings.ToLower(info.Hostname)
		if hostname == pattern {
			return true
		}
		if wildcards == 0 {
			return false
		}
		if !strings.HasSuffix(hostname, "."+domain) {
			return false
		}
		labels := strings.Count(hostname, ".") + 1
		if wildcards == 1 {
			return labels == exactLabels
		}
		return labels > domainLabels
	}, nil
}

type addrRange struct {
	from, to netip.Addr
}

func (r addrRange) contains(a netip.Addr) bool {
	return a.BitLen() == r.from.BitLen() && r.from.Compare(a) <= 0 && a.Compare(r.to) <= 0
}

func ipMatcher(spec string) (Predicate, error) {
	var contains func(netip.Addr) bool
	switch {
	case strings.Contains(spec, "/"):
		prefix, err := netip.ParsePrefix(spec)
		if err != nil {
			return nil, proxyerr.Newf(proxyerr.ErrCodeMalformedPattern, "ip prefix %q: %v", spec, err)
		}
		prefix = prefix.Masked()
		contains = prefix.Contains
	case strings.Contains(spec, "-"):
		lo, hi, _ := strings.Cut(spec, "-")
		from, err := netip.ParseAddr(strings.TrimSpace(lo))
		if err != nil {
			return nil, proxyerr.Newf(proxyerr.ErrCodeMalformedPattern, "ip range %q: %v", spec, err)
		}
		to, err := netip.ParseAddr(strings.TrimSpace(hi))
		if err != nil {
			return nil, proxyerr.Newf(proxyerr.ErrCodeMalformedPattern, "ip range %q: %v", spec, err)
		}
		if from.BitLen() != to.BitLen() || from.Compare(to) > 0 {
			return nil, proxyerr.Newf(proxyerr.ErrCodeMalformedPattern, "ip range %q is empty", spec)
		}
		contains = addrRange{from: from.Unmap(), to: to.Unmap()}.contains
	default:
		addr, err := netip.ParseAddr(spec)
		if err != nil {
			return nil, proxyerr.Newf(proxyerr.ErrCodeMalformedPattern, "ip %q: %v", spec, err)
		}
		addr = addr.Unmap()
		contains = func(a netip.Addr) bool { return a == addr }
	}

	return func(info MatchInfo) bool {
		host := strings.TrimSuffix(strings.TrimPrefix(info.Hostname, "["), "]")
		addr, err := netip.ParseAddr(host)
		if err != nil {
			return false
		}
		return contains(addr.Unmap())
	}, nil
}
