package proxy

import (
	"io"
	"net/http"
	"sync/atomic"
)

// teeReadCloser calls cb with every chunk read from rc. The first error cb
// returns is handed to the reader and sticks.
type teeReadCloser struct {
	rc  io.ReadCloser
	cb  func([]byte) error
	err error
}

func newTeeReadCloser(rc io.ReadCloser, cb func([]byte) error) io.ReadCloser {
	return &teeReadCloser{rc: rc, cb: cb}
}

func (t *teeReadCloser) Read(p []byte) (int, error) {
	if t.err != nil {
		return 0, t.err
	}
	n, err := t.rc.Read(p)
	if n > 0 && t.cb != nil {
		if cbErr := t.cb(p[:n]); cbErr != nil {
			t.err = cbErr
			return n, cbErr
		}
	}
	return n, err
}

func (t *teeReadCloser) Close() error {
	return t.rc.Close()
}

// teeWriter counts and reports bytes written to w.
type teeWriter struct {
	w  io.Writer
	n  *atomic.Int64
	cb func([]byte)
}

func (t teeWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if n > 0 {
		t.n.Add(int64(n))
		if t.cb != nil {
			t.cb(p[:n])
		}
	}
	return n, err
}

// responseRecorder is an http.ResponseWriter that reports the body it
// writes. It keeps Flush working for streamed responses.
type responseRecorder struct {
	http.ResponseWriter
	written atomic.Int64
	cb      func([]byte)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	return teeWriter{w: r.ResponseWriter, n: &r.written, cb: r.cb}.Write(p)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
