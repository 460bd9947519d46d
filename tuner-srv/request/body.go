package request

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/codefionn/tuner/tuner-srv/proxyerr"
)

// ReadOptions controls how a body is read.
type ReadOptions struct {
	// NoDecode returns the stored bytes without any transcoding.
	NoDecode bool
	// Consume hands the underlying stream to the caller. Later reads fail.
	Consume bool
	// Encoding is the target encoding for Stream and Buffer. Empty means
	// the encoding named by the message's Content-Encoding header.
	Encoding string
}

func pickOptions(opts []ReadOptions) ReadOptions {
	if len(opts) == 0 {
		return ReadOptions{}
	}
	return opts[0]
}

// Body is the payload of a request or response. Its content is nil, a
// []byte, a string or a *Replay, stored in encoding.
type Body struct {
	content  any
	encoding Encoding
	// size is the stored length of a *Replay content, -1 when unknown.
	size int64
}

// Set replaces the body with identity-encoded content. Accepted values are
// nil, []byte, string and io.Reader.
func (b *Body) Set(content any) error {
	switch v := content.(type) {
	case nil, []byte, string:
		b.content = v
	case *Replay:
		b.content = v
		b.size = -1
	case io.Reader:
		b.content = NewReplay(v)
		b.size = -1
	default:
		return proxyerr.Newf(proxyerr.ErrCodeBodyDecode, "unsupported body type %T", content)
	}
	b.encoding = Identity
	return nil
}

// Length is the number of bytes Stream yields for target, or -1 when it
// is not known without reading.
func (b *Body) Length(target Encoding) int64 {
	switch v := b.content.(type) {
	case nil:
		return 0
	case []byte:
		if b.encoding == target {
			return int64(len(v))
		}
	case string:
		if b.encoding == target {
			return int64(len(v))
		}
	case *Replay:
		if b.encoding == target {
			return b.size
		}
	}
	return -1
}

func (b *Body) raw(consume bool) (io.Reader, error) {
	switch v := b.content.(type) {
	case nil:
		return strings.NewReader(""), nil
	case []byte:
		return bytes.NewReader(v), nil
	case string:
		return strings.NewReader(v), nil
	case *Replay:
		return v.Reader(consume)
	}
	return nil, fmt.Errorf("body holds %T", b.content)
}

// Stream opens the body transcoded from its stored encoding to target.
func (b *Body) Stream(h http.Header, opts ...ReadOptions) (io.ReadCloser, error) {
	o := pickOptions(opts)
	target := NormalizeEncoding(o.Encoding)
	if o.Encoding == "" {
		target = NormalizeEncoding(h.Get("Content-Encoding"))
	}
	return b.open(o, target)
}

func (b *Body) open(o ReadOptions, target Encoding) (io.ReadCloser, error) {
	src, err := b.raw(o.Consume)
	if err != nil {
		return nil, err
	}
	if o.NoDecode || b.encoding == target {
		return io.NopCloser(src), nil
	}

	plain, err := Decompress(src, b.encoding)
	if err != nil {
		return nil, proxyerr.New(proxyerr.ErrCodeBodyDecode, proxyerr.Description(proxyerr.ErrCodeBodyDecode), err)
	}
	if target == Identity {
		return plain, nil
	}
	return Compress(plain, target), nil
}

// Buffer reads the whole body as Stream would produce it.
func (b *Body) Buffer(h http.Header, opts ...ReadOptions) ([]byte, error) {
	rc, err := b.Stream(h, opts...)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Text reads the whole body decoded to identity.
func (b *Body) Text(opts ...ReadOptions) (string, error) {
	o := pickOptions(opts)
	rc, err := b.open(o, Identity)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", proxyerr.New(proxyerr.ErrCodeBodyDecode, proxyerr.Description(proxyerr.ErrCodeBodyDecode), err)
	}
	return string(data), nil
}

// JSON decodes the identity body into v.
func (b *Body) JSON(v any, opts ...ReadOptions) error {
	text, err := b.Text(opts...)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(text), v)
}

// Empty reports whether the body is known to hold no bytes.
func (b *Body) Empty() bool {
	switch v := b.content.(type) {
	case nil:
		return true
	case []byte:
		return len(v) == 0
	case string:
		return v == ""
	}
	return false
}

func (b *Body) close() error {
	if r, ok := b.content.(*Replay); ok {
		return r.Close()
	}
	return nil
}
