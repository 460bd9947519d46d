package request

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/codefionn/tuner/tuner-srv/logger"
	"github.com/codefionn/tuner/tuner-srv/proxyerr"
)

// Upgrade is a request carrying an Upgrade header, typically a websocket
// handshake. Once an upstream socket exists the request head is replayed
// on it and both sockets are spliced.
type Upgrade struct {
	*Base

	Raw  *http.Request
	Conn net.Conn
	Head []byte
	// TLSConfig is used for the upstream connection of encrypted
	// upgrades. Nil means verification against the system roots.
	TLSConfig *tls.Config
	// UpstreamConn is the socket the upgrade is spliced to.
	UpstreamConn net.Conn

	handled   bool
	finalized bool
}

// NewUpgrade wraps a hijacked upgrade request.
func NewUpgrade(ctx context.Context, env Environment, r *http.Request, conn net.Conn, head []byte, encrypted bool) *Upgrade {
	host := r.Host
	if r.URL.Host != "" {
		host = r.URL.Host
	}
	switch r.URL.Scheme {
	case "https", "wss":
		encrypted = true
	}
	u := &Upgrade{
		Base: newBase(ctx, env, r.Method, encrypted, host, r.URL.RequestURI()),
		Raw:  r,
		Conn: conn,
		Head: head,
	}
	u.Header = r.Header.Clone()
	u.RemoteAddr = r.RemoteAddr
	u.freeze(u.Href())
	return u
}

func (u *Upgrade) Kind() Kind { return KindUpgrade }

// UpgradeType is the upper-cased Upgrade header.
func (u *Upgrade) UpgradeType() string {
	return strings.ToUpper(strings.TrimSpace(u.Header.Get("Upgrade")))
}

// Protocol is ws:/wss: for websocket upgrades and http:/https: otherwise.
func (u *Upgrade) Protocol() string {
	if u.UpgradeType() == "WEBSOCKET" {
		if u.Encrypted {
			return "wss:"
		}
		return "ws:"
	}
	if u.Encrypted {
		return "https:"
	}
	return "http:"
}

func (u *Upgrade) Href() string { return u.href(u.Protocol()) }

func (u *Upgrade) Terminated() bool {
	return u.UpstreamConn != nil || u.handled
}

func (u *Upgrade) MarkHandled() { u.handled = true }

func (u *Upgrade) Handled() bool { return u.handled }

// Respond writes res onto the client socket and closes it.
func (u *Upgrade) Respond(res *Response) error {
	u.handled = true
	err := WriteRawResponse(u.Conn, res)
	if cerr := u.Conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// Finalize answers loopback upgrades with a bare 200 and otherwise opens
// the upstream socket, TLS-wrapped when the request is encrypted.
func (u *Upgrade) Finalize(ctx context.Context) error {
	if u.finalized || u.Terminated() {
		return nil
	}
	u.finalized = true

	if IsLoopback(ctx, u.env.Resolver(), u.Hostname, u.Port, u.env.ListenPort()) {
		u.handled = true
		_, err := io.WriteString(u.Conn, "HTTP/1.1 200 OK\r\n\r\n")
		if cerr := u.Conn.Close(); err == nil {
			err = cerr
		}
		return err
	}

	hops, err := u.resolveHops(ctx, u.Href())
	if err != nil {
		return err
	}
	logger.ForRequest(u.ID).Debug("UPGRADE %s %s via %d hop(s)", u.UpgradeType(), u.Href(), len(hops))
	conn, err := u.env.Connector().Connect(ctx, hops, u.upstreamTarget())
	if err != nil {
		return err
	}
	if u.Encrypted {
		cfg := u.TLSConfig.Clone()
		if cfg == nil {
			cfg = &tls.Config{}
		}
		if cfg.ServerName == "" {
			cfg.ServerName = u.Hostname
		}
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return proxyerr.New(proxyerr.ErrCodeTLSHandshake, proxyerr.Description(proxyerr.ErrCodeTLSHandshake), err)
		}
		conn = tlsConn
	}
	u.UpstreamConn = conn
	return nil
}

// WriteRequest writes the request line, the current headers and Head to
// w, which is usually UpstreamConn.
func (u *Upgrade) WriteRequest(w io.Writer) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", u.Method, u.Path())
	h := u.Header.Clone()
	h.Del("Proxy-Connection")
	h.Del("Proxy-Authorization")
	h.Set("Host", u.Host())
	if err := h.Write(&buf); err != nil {
		return err
	}
	buf.WriteString("\r\n")
	buf.Write(u.Head)
	_, err := w.Write(buf.Bytes())
	return err
}
