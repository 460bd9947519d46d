package request

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/codefionn/tuner/tuner-srv/logger"
)

// Connect is a CONNECT tunnel request. The client socket has been taken
// over from the HTTP server; nothing has been written to it yet unless
// ResponseHeaderSent is set.
type Connect struct {
	*Base

	Conn net.Conn
	// Head holds bytes the client sent after the CONNECT headers.
	Head []byte
	// ResponseHeaderSent is set once "200 OK" went out to the client.
	ResponseHeaderSent bool
	// UpstreamConn is the socket the tunnel is spliced to.
	UpstreamConn net.Conn
	// Hidden asks observers to skip this tunnel.
	Hidden bool

	handled   bool
	finalized bool
}

// NewConnect builds a Connect for the authority hostport.
func NewConnect(ctx context.Context, env Environment, hostport string, conn net.Conn, head []byte) *Connect {
	c := &Connect{
		Base: newBase(ctx, env, http.MethodConnect, false, hostport, "/"),
		Conn: conn,
		Head: head,
	}
	if conn != nil {
		c.RemoteAddr = conn.RemoteAddr().String()
	}
	c.freeze(c.Href())
	return c
}

func (c *Connect) Kind() Kind { return KindConnect }

func (c *Connect) Protocol() string { return "connect:" }

// Href is connect://host:port; the path is meaningless for tunnels.
func (c *Connect) Href() string {
	return c.Protocol() + "//" + c.Host()
}

// Authority is always hostname:port.
func (c *Connect) Authority() string {
	return net.JoinHostPort(c.Hostname, strconv.Itoa(c.Port))
}

func (c *Connect) Terminated() bool {
	return c.UpstreamConn != nil || c.handled
}

// MarkHandled records that a handler took ownership of Conn.
func (c *Connect) MarkHandled() { c.handled = true }

func (c *Connect) Handled() bool { return c.handled }

// Respond writes res onto the client socket and closes it.
func (c *Connect) Respond(res *Response) error {
	c.handled = true
	c.ResponseHeaderSent = true
	err := WriteRawResponse(c.Conn, res)
	if cerr := c.Conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// Finalize opens the upstream socket through the configured hops.
func (c *Connect) Finalize(ctx context.Context) error {
	if c.finalized || c.Terminated() {
		return nil
	}
	c.finalized = true
	hops, err := c.resolveHops(ctx, c.Href())
	if err != nil {
		return err
	}
	logger.ForRequest(c.ID).Debug("CONNECT %s via %d hop(s)", c.Authority(), len(hops))
	conn, err := c.env.Connector().Connect(ctx, hops, c.upstreamTarget())
	if err != nil {
		return err
	}
	c.UpstreamConn = conn
	return nil
}

// WriteRawResponse serializes res as an HTTP/1.1 response on w with
// Connection: close framing.
func WriteRawResponse(w io.Writer, res *Response) error {
	body, err := res.Buffer()
	if err != nil {
		return err
	}
	status := res.StatusCode
	if status == 0 {
		status = http.StatusOK
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	h := res.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Del("Transfer-Encoding")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Connection", "close")
	if err := h.Write(&buf); err != nil {
		return err
	}
	buf.WriteString("\r\n")
	buf.Write(body)
	_, err = w.Write(buf.Bytes())
	return err
}
