package request

import (
	"context"
	"net"
	"net/netip"
	"strings"

	"github.com/codefionn/tuner/tuner-srv/logger"
)

// IsLoopback reports whether hostname:port addresses the proxy itself: the
// port is the proxy's listen port and the host resolves to an address of
// a local interface. A failed lookup counts as not loopback.
func IsLoopback(ctx context.Context, resolver *net.Resolver, hostname string, port, listenPort int) bool {
	if port != listenPort {
		return false
	}

	host := strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")
	var addrs []netip.Addr
	if addr, err := netip.ParseAddr(host); err == nil {
		addrs = append(addrs, addr.Unmap())
	} else {
		if resolver == nil {
			resolver = net.DefaultResolver
		}
		resolved, err := resolver.LookupHost(ctx, host)
		if err != nil {
			logger.Debug("Loopback check lookup for %s failed: %v", host, err)
			return false
		}
		for _, r := range resolved {
			if addr, err := netip.ParseAddr(r); err == nil {
				addrs = append(addrs, addr.Unmap())
			}
		}
	}

	for _, addr := range addrs {
		if addr.IsLoopback() || addr.IsUnspecified() || isLocalAddr(addr) {
			return true
		}
	}
	return false
}

func isLocalAddr(addr netip.Addr) bool {
	ifaces, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, ia := range ifaces {
		var ip net.IP
		switch v := ia.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if local, ok := netip.AddrFromSlice(ip); ok && local.Unmap() == addr {
			return true
		}
	}
	return false
}
