package request

import (
	"bufio"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Encoding is a normalized Content-Encoding value.
type Encoding string

const (
	Identity Encoding = ""
	Gzip     Encoding = "gzip"
	Deflate  Encoding = "deflate"
	Brotli   Encoding = "br"
	Zstd     Encoding = "zstd"
)

// NormalizeEncoding maps a Content-Encoding header value to a supported
// Encoding. Unknown codings are treated as Identity and pass through
// untouched.
func NormalizeEncoding(value string) Encoding {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "gzip", "x-gzip":
		return Gzip
	case "deflate", "x-deflate":
		return Deflate
	case "br":
		return Brotli
	case "zstd":
		return Zstd
	default:
		return Identity
	}
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error {
	if r.close == nil {
		return nil
	}
	return r.close()
}

// Decompress wraps r with the decoder for enc. An empty input decodes to
// an empty output regardless of enc.
func Decompress(r io.Reader, enc Encoding) (io.ReadCloser, error) {
	if enc == Identity {
		return io.NopCloser(r), nil
	}

	br := bufio.NewReader(r)
	first, err := br.Peek(1)
	if len(first) == 0 {
		if err == io.EOF {
			return io.NopCloser(strings.NewReader("")), nil
		}
		return nil, err
	}

	switch enc {
	case Gzip:
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, err
		}
		return zr, nil
	case Deflate:
		// zlib streams start with a CMF byte whose low nibble is 8
		if first[0]&0x0f == 0x08 {
			zr, err := zlib.NewReader(br)
			if err != nil {
				return nil, err
			}
			return zr, nil
		}
		return flate.NewReader(br), nil
	case Brotli:
		return io.NopCloser(brotli.NewReader(br)), nil
	case Zstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, err
		}
		return readCloser{Reader: zr, close: func() error { zr.Close(); return nil }}, nil
	}
	return io.NopCloser(br), nil
}

// Compress returns a reader producing r encoded with enc. Encoding runs in
// its own goroutine and stops when the returned reader is closed.
func Compress(r io.Reader, enc Encoding) io.ReadCloser {
	if enc == Identity {
		return io.NopCloser(r)
	}

	pr, pw := io.Pipe()
	go func() {
		w, err := newEncoder(pw, enc)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		_, err = io.Copy(w, r)
		if closeErr := w.Close(); err == nil {
			err = closeErr
		}
		pw.CloseWithError(err)
	}()
	return pr
}

func newEncoder(w io.Writer, enc Encoding) (io.WriteCloser, error) {
	switch enc {
	case Gzip:
		return gzip.NewWriter(w), nil
	case Deflate:
		return zlib.NewWriter(w), nil
	case Brotli:
		return brotli.NewWriter(w), nil
	case Zstd:
		return zstd.NewWriter(w)
	}
	return nopWriteCloser{w}, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
