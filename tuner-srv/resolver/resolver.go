// Package resolver builds the net.Resolver used for target dials and PAC
// lookups. With custom DNS enabled every query rotates through the
// configured servers.
package resolver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/codefionn/tuner/tuner-srv/config"
	"github.com/codefionn/tuner/tuner-srv/logger"
)

// Resolver is a custom DNS resolver that supports UDP, TCP, and DoT.
type Resolver struct {
	servers    []config.DNSServerConfig
	mutex      sync.Mutex
	currentIdx int
	tlsConfig  *tls.Config
}

// NewResolver creates a Resolver over cfg's servers.
func NewResolver(cfg config.DNSConfig) *Resolver {
	return &Resolver{
		servers: append([]config.DNSServerConfig(nil), cfg.Servers...),
		tlsConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
}

// New returns the net.Resolver for cfg: the custom resolver if DNS is
// enabled with at least one server, the system one otherwise.
func New(cfg config.DNSConfig) *net.Resolver {
	if !cfg.Enabled || len(cfg.Servers) == 0 {
		logger.Debug("Using system default DNS resolver")
		return &net.Resolver{PreferGo: true}
	}
	logger.Info("Custom DNS resolver initialized with %d server(s)", len(cfg.Servers))
	for i, server := range cfg.Servers {
		logger.Info("  DNS Server %d: %s (%s)", i, server.Address, server.Type)
	}
	return &net.Resolver{
		PreferGo: true,
		Dial:     NewResolver(cfg).Dial,
	}
}

func (r *Resolver) next() (int, config.DNSServerConfig) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	idx := r.currentIdx
	r.currentIdx = (r.currentIdx + 1) % len(r.servers)
	return idx, r.servers[idx]
}

// Dial is the custom dial function for DNS resolution. The network asked
// for by the Go resolver is ignored in favour of the server's type.
func (r *Resolver) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	idx, server := r.next()
	logger.Trace("Using DNS server %d: %s (%s)", idx, server.Address, server.Type)

	dialer := &net.Dialer{Timeout: server.Timeout()}
	switch server.Type {
	case config.DNSTypeUDP, config.DNSTypeTCP:
		return dialer.DialContext(ctx, string(server.Type), server.Address)

	case config.DNSTypeDoT:
		tcpConn, err := dialer.DialContext(ctx, "tcp", server.Address)
		if err != nil {
			return nil, fmt.Errorf("DoT TCP connection failed: %w", err)
		}

		tlsConfig := r.tlsConfig.Clone()
		if server.TLSHost != "" {
			tlsConfig.ServerName = server.TLSHost
		} else if host, _, err := net.SplitHostPort(server.Address); err == nil {
			tlsConfig.ServerName = host
		}

		tlsConn := tls.Client(tcpConn, tlsConfig)
		handshakeCtx, cancel := context.WithTimeout(ctx, server.Timeout())
		defer cancel()
		if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
			tcpConn.Close()
			return nil, fmt.Errorf("DoT TLS handshake failed: %w", err)
		}
		return tlsConn, nil

	default:
		return nil, fmt.Errorf("unsupported DNS server type: %s", server.Type)
	}
}
