package resolver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/tuner/tuner-srv/config"
)

func TestNewFallsBackToSystem(t *testing.T) {
	r := New(config.DNSConfig{Enabled: false, Servers: config.DefaultDNSConfig().Servers})
	assert.Nil(t, r.Dial)

	r = New(config.DNSConfig{Enabled: true})
	assert.Nil(t, r.Dial)

	r = New(config.DNSConfig{Enabled: true, Servers: config.DefaultDNSConfig().Servers})
	assert.NotNil(t, r.Dial)
}

func TestDialRotatesServers(t *testing.T) {
	var servers []config.DNSServerConfig
	accepted := make(chan int, 4)
	for i := 0; i < 2; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		t.Cleanup(func() { ln.Close() })
		servers = append(servers, config.DNSServerConfig{Address: ln.Addr().String(), Type: config.DNSTypeTCP, TimeoutSeconds: 1})
		go func(i int) {
			for {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				accepted <- i
				conn.Close()
			}
		}(i)
	}

	r := NewResolver(config.DNSConfig{Enabled: true, Servers: servers})
	for _, want := range []int{0, 1, 0} {
		conn, err := r.Dial(context.Background(), "udp", "ignored:53")
		require.NoError(t, err)
		conn.Close()
		select {
		case got := <-accepted:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatal("server not reached")
		}
	}
}

func TestDialUnsupportedType(t *testing.T) {
	r := NewResolver(config.DNSConfig{Servers: []config.DNSServerConfig{{Address: "127.0.0.1:53", Type: "doh"}}})
	_, err := r.Dial(context.Background(), "udp", "")
	assert.ErrorContains(t, err, "unsupported DNS server type")
}
