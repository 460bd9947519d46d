package upstream

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/codefionn/tuner/tuner-srv/proxyerr"
	"golang.org/x/net/proxy"
)

const socks4Granted = 0x5a

// dialSocks5 goes through golang.org/x/net/proxy. The dialer resolves
// nothing locally, the proxy receives the hostname.
func (c *Connector) dialSocks5(ctx context.Context, hop Hop, target Target) (net.Conn, error) {
	var auth *proxy.Auth
	if hop.Auth != nil {
		auth = &proxy.Auth{User: hop.Auth.Username, Password: hop.Auth.Password}
	}
	d, err := proxy.SOCKS5("tcp", hop.Address(), auth, c.dialer())
	if err != nil {
		return nil, proxyerr.New(proxyerr.ErrCodeSocksHandshake, proxyerr.Description(proxyerr.ErrCodeSocksHandshake), fmt.Errorf("proxy %s: %w", hop.Address(), err))
	}

	var conn net.Conn
	if cd, ok := d.(proxy.ContextDialer); ok {
		conn, err = cd.DialContext(ctx, "tcp", target.Address())
	} else {
		conn, err = d.Dial("tcp", target.Address())
	}
	if err != nil {
		return nil, proxyerr.New(proxyerr.ErrCodeSocksHandshake, proxyerr.Description(proxyerr.ErrCodeSocksHandshake), fmt.Errorf("target %s via SOCKS5 proxy %s: %w", target.Address(), hop.Address(), err))
	}
	return conn, nil
}

// dialSocks4 speaks SOCKS4 and SOCKS4a. SOCKS4 can only carry an IPv4
// address so the target is resolved here first; SOCKS4a sends the
// hostname to the proxy.
func (c *Connector) dialSocks4(ctx context.Context, hop Hop, target Target) (net.Conn, error) {
	if target.Port <= 0 || target.Port > 65535 {
		return nil, proxyerr.Newf(proxyerr.ErrCodeSocksHandshake, "invalid target port %d", target.Port)
	}

	var ip netip.Addr
	hostname := ""
	if addr, err := netip.ParseAddr(target.Hostname); err == nil && addr.Unmap().Is4() {
		ip = addr.Unmap()
	} else if hop.Type == SOCKS4 {
		addrs, err := c.resolver.LookupNetIP(ctx, "ip4", target.Hostname)
		if err != nil || len(addrs) == 0 {
			return nil, proxyerr.New(proxyerr.ErrCodeResolveFailed, proxyerr.Description(proxyerr.ErrCodeResolveFailed), fmt.Errorf("no IPv4 address for %s: %w", target.Hostname, err))
		}
		ip = addrs[0].Unmap()
	} else {
		// 0.0.0.x with x != 0 tells a SOCKS4a proxy to resolve the name
		ip = netip.AddrFrom4([4]byte{0, 0, 0, 1})
		hostname = target.Hostname
	}

	conn, err := c.dialer().DialContext(ctx, "tcp", hop.Address())
	if err != nil {
		return nil, proxyerr.New(proxyerr.ErrCodeDialFailed, proxyerr.Description(proxyerr.ErrCodeDialFailed), fmt.Errorf("proxy server %s: %w", hop.Address(), err))
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(c.timeout))
	}

	userID := ""
	if hop.Auth != nil {
		userID = hop.Auth.Username
	}
	if err := writeSocks4Request(conn, ip, uint16(target.Port), userID, hostname); err != nil {
		conn.Close()
		return nil, proxyerr.New(proxyerr.ErrCodeSocksHandshake, proxyerr.Description(proxyerr.ErrCodeSocksHandshake), err)
	}

	var reply [8]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		conn.Close()
		return nil, proxyerr.New(proxyerr.ErrCodeSocksHandshake, proxyerr.Description(proxyerr.ErrCodeSocksHandshake), fmt.Errorf("reading reply from %s: %w", hop.Address(), err))
	}
	if reply[1] != socks4Granted {
		conn.Close()
		return nil, proxyerr.New(proxyerr.ErrCodeProxyDenied, proxyerr.Description(proxyerr.ErrCodeProxyDenied), fmt.Errorf("%s rejected %s with code %d", hop.Address(), target.Address(), reply[1]))
	}

	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

func writeSocks4Request(w io.Writer, ip netip.Addr, port uint16, userID, hostname string) error {
	buf := make([]byte, 0, 9+len(userID)+len(hostname)+1)
	buf = append(buf, 0x04, 0x01)
	buf = binary.BigEndian.AppendUint16(buf, port)
	a := ip.As4()
	buf = append(buf, a[:]...)
	buf = append(buf, userID...)
	buf = append(buf, 0)
	if hostname != "" {
		buf = append(buf, hostname...)
		buf = append(buf, 0)
	}
	_, err := w.Write(buf)
	return err
}
