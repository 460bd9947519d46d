package request

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// Response is an HTTP response produced by a handler or received from
// upstream.
type Response struct {
	StatusCode int
	Header     http.Header

	body Body
	raw  *http.Response
}

// NewResponse builds a response with an identity body. header may be nil.
func NewResponse(status int, header http.Header, body any) *Response {
	if header == nil {
		header = make(http.Header)
	}
	r := &Response{StatusCode: status, Header: header}
	if err := r.body.Set(body); err != nil {
		r.body.content = fmt.Sprint(body)
	}
	return r
}

// ResponseFromHTTP wraps an upstream response. The body keeps its wire
// encoding until it is read decoded.
func ResponseFromHTTP(res *http.Response) *Response {
	return responseFromHTTP(res, nil)
}

func responseFromHTTP(res *http.Response, streams *replays) *Response {
	r := &Response{
		StatusCode: res.StatusCode,
		Header:     res.Header.Clone(),
		raw:        res,
	}
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	if res.Body != nil && res.Body != http.NoBody {
		if streams == nil {
			streams = &replays{}
		}
		r.body.content = streams.wrap(res.Body)
		r.body.encoding = NormalizeEncoding(res.Header.Get("Content-Encoding"))
		r.body.size = res.ContentLength
	}
	return r
}

// Raw is the upstream response this one was created from, if any.
func (r *Response) Raw() *http.Response {
	return r.raw
}

// SetBody replaces the body. Length and transfer framing headers are
// dropped because they no longer describe the new content.
func (r *Response) SetBody(content any) error {
	if err := r.body.Set(content); err != nil {
		return err
	}
	r.Header.Del("Content-Length")
	r.Header.Del("Transfer-Encoding")
	return nil
}

func (r *Response) Stream(opts ...ReadOptions) (io.ReadCloser, error) {
	return r.body.Stream(r.Header, opts...)
}

func (r *Response) Buffer(opts ...ReadOptions) ([]byte, error) {
	return r.body.Buffer(r.Header, opts...)
}

func (r *Response) Text(opts ...ReadOptions) (string, error) {
	return r.body.Text(opts...)
}

func (r *Response) JSON(v any, opts ...ReadOptions) error {
	return r.body.JSON(v, opts...)
}

// WriteTo sends the response to w, consuming the body.
func (r *Response) WriteTo(w http.ResponseWriter) (int64, error) {
	rc, err := r.Stream(ReadOptions{Consume: true})
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	h := w.Header()
	for k, v := range r.Header {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		h[k] = append([]string(nil), v...)
	}
	h.Del("Content-Length")
	if r.bodyless() {
		if cl := r.Header.Get("Content-Length"); cl != "" {
			h.Set("Content-Length", cl)
		}
	} else if n := r.body.Length(NormalizeEncoding(r.Header.Get("Content-Encoding"))); n >= 0 {
		h.Set("Content-Length", strconv.FormatInt(n, 10))
	}
	status := r.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	return copyBody(w, rc)
}

// bodyless reports an upstream response that carries no body by protocol,
// such as the answer to HEAD. Its Content-Length describes the resource.
func (r *Response) bodyless() bool {
	if r.raw == nil || r.body.content != nil {
		return false
	}
	if r.raw.Request != nil && r.raw.Request.Method == http.MethodHead {
		return true
	}
	s := r.StatusCode
	return s < 200 || s == http.StatusNoContent || s == http.StatusNotModified
}

// Close releases the upstream body.
func (r *Response) Close() error {
	return r.body.close()
}

// copyBody copies src to w, flushing after every chunk so streamed
// responses are not held back.
func copyBody(w http.ResponseWriter, src io.Reader) (int64, error) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}
