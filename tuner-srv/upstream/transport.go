package upstream

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/codefionn/tuner/tuner-srv/logger"
	"golang.org/x/net/http2"
)

// RoundTrip sends req through hops. A plain http request going through a
// single HTTP-type hop is written in absolute form to that proxy, on a
// transport pooled by the hop identity. Everything else runs over tunnels
// opened by Connect, on a transport pooled by the hop list and TLS
// settings.
func (c *Connector) RoundTrip(req *http.Request, hops []Hop, insecure bool) (*http.Response, error) {
	var t *http.Transport
	var err error
	if req.URL.Scheme == "http" && len(hops) == 1 && (hops[0].Type == HTTP || hops[0].Type == HTTPS) {
		t, err = c.proxyTransport(hops[0], insecure)
	} else {
		t, err = c.tunnelTransport(hops, insecure)
	}
	if err != nil {
		return nil, err
	}
	return t.RoundTrip(req)
}

func (c *Connector) baseTransport(insecure bool) *http.Transport {
	return &http.Transport{
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: insecure},
		DisableCompression:    true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   c.timeout,
		ResponseHeaderTimeout: c.timeout,
		ExpectContinueTimeout: time.Second,
	}
}

func (c *Connector) proxyTransport(hop Hop, insecure bool) (*http.Transport, error) {
	key := "proxy|" + hop.Key() + "|" + strconv.FormatBool(insecure)
	return c.transports.Get(key, func() (*http.Transport, error) {
		logger.Debug("New absolute-form transport for %s", hop)
		t := c.baseTransport(insecure)
		t.Proxy = http.ProxyURL(hop.URLForTransport())
		t.DialContext = c.dialer().DialContext
		return t, nil
	})
}

func (c *Connector) tunnelTransport(hops []Hop, insecure bool) (*http.Transport, error) {
	key := "tunnel|" + keyOf(hops) + "|" + strconv.FormatBool(insecure)
	return c.transports.Get(key, func() (*http.Transport, error) {
		logger.Debug("New tunnel transport for [%s]", keyOf(hops))
		hops := append([]Hop(nil), hops...)
		t := c.baseTransport(insecure)
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, portStr, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return nil, err
			}
			return c.Connect(ctx, hops, Target{Hostname: host, Port: port})
		}
		if err := http2.ConfigureTransport(t); err != nil {
			return nil, err
		}
		return t, nil
	})
}

// CloseIdleConnections closes idle connections of every pooled transport.
func (c *Connector) CloseIdleConnections() {
	c.transports.Range(func(_ string, t *http.Transport) bool {
		t.CloseIdleConnections()
		return true
	})
}
