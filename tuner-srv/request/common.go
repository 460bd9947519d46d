package request

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/codefionn/tuner/tuner-srv/logger"
)

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Proxy-Connection":    true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// NotFoundBody is what the proxy answers for plain requests addressed to
// itself.
const NotFoundBody = "Tuner Server - Not Found"

// Common is a regular HTTP exchange, either proxied in absolute form or
// decrypted from a tunnel.
type Common struct {
	*Base

	Raw    *http.Request
	Writer http.ResponseWriter
	// Response is set once a handler or the upstream produced one.
	Response *Response
	// InsecureSkipVerify disables upstream certificate checks for this
	// request.
	InsecureSkipVerify bool

	body      Body
	bodyReady bool
	handled   bool
	finalized bool
	streams   replays
}

// NewCommon wraps r. encrypted is true for requests decrypted from a TLS
// tunnel.
func NewCommon(ctx context.Context, env Environment, r *http.Request, w http.ResponseWriter, encrypted bool) *Common {
	host := r.Host
	if r.URL.Host != "" {
		host = r.URL.Host
	}
	if r.URL.Scheme == "https" {
		encrypted = true
	}
	c := &Common{
		Base:   newBase(ctx, env, r.Method, encrypted, host, r.URL.RequestURI()),
		Raw:    r,
		Writer: w,
	}
	c.Header = r.Header.Clone()
	c.RemoteAddr = r.RemoteAddr
	c.freeze(c.Href())
	return c
}

func (c *Common) Kind() Kind { return KindCommon }

func (c *Common) Protocol() string {
	if c.Encrypted {
		return "https:"
	}
	return "http:"
}

func (c *Common) Href() string { return c.href(c.Protocol()) }

// Terminated is true once a response exists or the exchange was handled
// out of band (for example by hijacking the connection).
func (c *Common) Terminated() bool {
	return c.Response != nil || c.handled
}

// MarkHandled tells the server not to write a response.
func (c *Common) MarkHandled() { c.handled = true }

// Handled reports whether MarkHandled was called.
func (c *Common) Handled() bool { return c.handled }

func (c *Common) Respond(res *Response) error {
	c.Response = res
	return nil
}

// RespondWith is Respond for chaining in handlers.
func (c *Common) RespondWith(res *Response) *Common {
	c.Response = res
	return c
}

func (c *Common) ensureBody() {
	if c.bodyReady {
		return
	}
	c.bodyReady = true
	if c.Raw == nil || c.Raw.Body == nil || c.Raw.Body == http.NoBody {
		return
	}
	c.body.content = c.streams.wrap(c.Raw.Body)
	c.body.encoding = NormalizeEncoding(c.Raw.Header.Get("Content-Encoding"))
	c.body.size = c.Raw.ContentLength
}

func (c *Common) Stream(opts ...ReadOptions) (io.ReadCloser, error) {
	c.ensureBody()
	return c.body.Stream(c.Header, opts...)
}

func (c *Common) Buffer(opts ...ReadOptions) ([]byte, error) {
	c.ensureBody()
	return c.body.Buffer(c.Header, opts...)
}

func (c *Common) Text(opts ...ReadOptions) (string, error) {
	c.ensureBody()
	return c.body.Text(opts...)
}

func (c *Common) JSON(v any, opts ...ReadOptions) error {
	c.ensureBody()
	return c.body.JSON(v, opts...)
}

// SetBody replaces the request body with identity content.
func (c *Common) SetBody(content any) error {
	c.bodyReady = true
	if err := c.body.Set(content); err != nil {
		return err
	}
	c.Header.Del("Content-Length")
	c.Header.Del("Transfer-Encoding")
	return nil
}

// Send forwards the request upstream and stores the response.
func (c *Common) Send(ctx context.Context) error {
	href := c.Href()
	hops, err := c.resolveHops(ctx, href)
	if err != nil {
		return err
	}

	c.ensureBody()
	target := NormalizeEncoding(c.Header.Get("Content-Encoding"))
	var body io.ReadCloser = http.NoBody
	length := int64(0)
	if !c.body.Empty() {
		body, err = c.body.Stream(c.Header, ReadOptions{Consume: true})
		if err != nil {
			return err
		}
		length = c.body.Length(target)
	}

	out, err := http.NewRequestWithContext(ctx, c.Method, href, body)
	if err != nil {
		body.Close()
		return err
	}
	for k, v := range c.Header {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		out.Header[k] = append([]string(nil), v...)
	}
	out.Header.Del("Content-Length")
	out.ContentLength = length
	out.Host = c.Host()
	if _, ok := out.Header["User-Agent"]; !ok {
		// keep net/http from adding its own
		out.Header["User-Agent"] = nil
	}

	logger.ForRequest(c.ID).Debug("%s %s via %d hop(s)", c.Method, href, len(hops))
	res, err := c.env.Connector().RoundTrip(out, hops, c.InsecureSkipVerify)
	if err != nil {
		return err
	}
	c.Response = responseFromHTTP(res, &c.streams)
	return nil
}

// Finalize answers loopback requests with 404 and sends everything else
// upstream.
func (c *Common) Finalize(ctx context.Context) error {
	if c.finalized || c.Terminated() {
		return nil
	}
	c.finalized = true
	if IsLoopback(ctx, c.env.Resolver(), c.Hostname, c.Port, c.env.ListenPort()) {
		h := make(http.Header)
		h.Set("Content-Type", "text/plain; charset=utf-8")
		c.Response = NewResponse(http.StatusNotFound, h, NotFoundBody)
		return nil
	}
	return c.Send(ctx)
}

// IsWebSocket reports whether the raw request asks for a websocket
// upgrade.
func (c *Common) IsWebSocket() bool {
	return strings.EqualFold(c.Header.Get("Upgrade"), "websocket")
}
