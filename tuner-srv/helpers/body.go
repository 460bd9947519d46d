package helpers

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/codefionn/tuner/tuner-srv/logger"
	"github.com/codefionn/tuner/tuner-srv/proxyerr"
	"github.com/codefionn/tuner/tuner-srv/request"
	"github.com/codefionn/tuner/tuner-srv/router"
)

// TransformReqBody replaces the request body with fn's result before the
// request goes upstream.
func TransformReqBody(fn func(data []byte, req *request.Common) ([]byte, error)) router.Handler {
	return router.HTTP(func(req *request.Common, next router.Next) (router.Outcome, error) {
		text, err := req.Text()
		if err != nil {
			return nil, err
		}
		out, err := fn([]byte(text), req)
		if err != nil {
			return nil, err
		}
		if err := req.SetBody(out); err != nil {
			return nil, err
		}
		return router.Continue(), nil
	})
}

// TransformReqText is TransformReqBody on decoded text.
func TransformReqText(fn func(text string, req *request.Common) (string, error)) router.Handler {
	return TransformReqBody(func(data []byte, req *request.Common) ([]byte, error) {
		out, err := fn(string(data), req)
		return []byte(out), err
	})
}

// TransformReqJSON decodes the request body into a value, lets fn edit
// it and encodes the result. A nil result keeps the decoded value.
func TransformReqJSON(fn func(data any, req *request.Common) (any, error)) router.Handler {
	return TransformReqBody(func(data []byte, req *request.Common) ([]byte, error) {
		return transformJSON(data, func(v any) (any, error) { return fn(v, req) })
	})
}

// TransformResBody replaces the response body with fn's result.
func TransformResBody(fn func(data []byte, req *request.Common, res *request.Response) ([]byte, error)) router.Handler {
	return TransformRes(func(res *request.Response, req *request.Common) error {
		text, err := res.Text()
		if err != nil {
			return err
		}
		out, err := fn([]byte(text), req, res)
		if err != nil {
			return err
		}
		return res.SetBody(out)
	})
}

// TransformResText is TransformResBody on decoded text.
func TransformResText(fn func(text string, req *request.Common, res *request.Response) (string, error)) router.Handler {
	return TransformResBody(func(data []byte, req *request.Common, res *request.Response) ([]byte, error) {
		out, err := fn(string(data), req, res)
		return []byte(out), err
	})
}

// TransformResJSON is TransformReqJSON for responses.
func TransformResJSON(fn func(data any, req *request.Common, res *request.Response) (any, error)) router.Handler {
	return TransformResBody(func(data []byte, req *request.Common, res *request.Response) ([]byte, error) {
		return transformJSON(data, func(v any) (any, error) { return fn(v, req, res) })
	})
}

// InjectPosition says where InjectHTML puts its content.
type InjectPosition string

const (
	InjectBegin InjectPosition = "begin"
	InjectEnd   InjectPosition = "end"
)

// InjectHTML prepends or appends content to text/html responses.
func InjectHTML(content string, position InjectPosition) router.Handler {
	return TransformRes(func(res *request.Response, _ *request.Common) error {
		if !strings.Contains(res.Header.Get("Content-Type"), "text/html") {
			return nil
		}
		html, err := res.Text()
		if err != nil {
			return err
		}
		if position == InjectBegin {
			html = content + html
		} else {
			html += content
		}
		return res.SetBody(html)
	})
}

// Save writes the response body, as received, to path. The response is
// still delivered to the client.
func Save(path string) router.Handler {
	return TransformRes(func(res *request.Response, req *request.Common) error {
		data, err := res.Buffer(request.ReadOptions{NoDecode: true})
		if err != nil {
			return err
		}
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
		logger.ForRequest(req.ID).Debug("Saved %d bytes of %s to %s", len(data), req.Href(), path)
		return nil
	})
}

func transformJSON(data []byte, fn func(v any) (any, error)) ([]byte, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, proxyerr.New(proxyerr.ErrCodeBodyDecode, proxyerr.Description(proxyerr.ErrCodeBodyDecode), err)
	}
	out, err := fn(v)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = v
	}
	return json.Marshal(out)
}
