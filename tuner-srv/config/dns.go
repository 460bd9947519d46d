package config

import (
	"fmt"
	"time"
)

// DNSType defines the type of DNS server
type DNSType string

// Available DNS types
const (
	DNSTypeUDP DNSType = "udp"
	DNSTypeTCP DNSType = "tcp"
	DNSTypeDoT DNSType = "dot" // DNS over TLS
)

// DNSServerConfig defines configuration for a single DNS server
type DNSServerConfig struct {
	Address        string // host:port or [IPv6]:port
	Type           DNSType
	TimeoutSeconds int
	TLSHost        string // SNI name, DoT only
}

// Timeout returns the query timeout.
func (d DNSServerConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// DNSConfig replaces the system resolver used for hostname lookups, both
// for dialing targets and inside PAC scripts.
type DNSConfig struct {
	Enabled bool
	Servers []DNSServerConfig
}

// DefaultDNSConfig returns default DNS configuration. It is disabled, so
// the system resolver is used.
func DefaultDNSConfig() DNSConfig {
	return DNSConfig{
		Servers: []DNSServerConfig{
			{Address: "8.8.8.8:53", Type: DNSTypeUDP, TimeoutSeconds: 10},
			{Address: "1.1.1.1:53", Type: DNSTypeUDP, TimeoutSeconds: 10},
		},
	}
}

func parseDNSConfig(data map[string]any, dns *DNSConfig) error {
	if err := setValue(data, "enabled", &dns.Enabled); err != nil {
		return err
	}
	val, exists := data["servers"]
	if !exists {
		return nil
	}
	list, ok := val.([]any)
	if !ok {
		return fmt.Errorf("servers must be an array")
	}
	servers := make([]DNSServerConfig, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return fmt.Errorf("server %d must be an object", i)
		}
		server := DNSServerConfig{Type: DNSTypeUDP, TimeoutSeconds: 10}
		var typ string
		if err := setValue(m, "address", &server.Address); err != nil {
			return fmt.Errorf("server %d: %w", i, err)
		}
		if err := setValue(m, "type", &typ); err != nil {
			return fmt.Errorf("server %d: %w", i, err)
		}
		if err := setValue(m, "timeout-seconds", &server.TimeoutSeconds); err != nil {
			return fmt.Errorf("server %d: %w", i, err)
		}
		if err := setValue(m, "tls-host", &server.TLSHost); err != nil {
			return fmt.Errorf("server %d: %w", i, err)
		}
		if server.Address == "" {
			return fmt.Errorf("server %d: address is required", i)
		}
		if typ != "" {
			server.Type = DNSType(typ)
		}
		switch server.Type {
		case DNSTypeUDP, DNSTypeTCP, DNSTypeDoT:
		default:
			return fmt.Errorf("server %d: unsupported type %q", i, typ)
		}
		servers = append(servers, server)
	}
	dns.Servers = servers
	return nil
}
