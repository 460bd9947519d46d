package helpers

import (
	"encoding/json"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/codefionn/tuner/tuner-srv/request"
	"github.com/codefionn/tuner/tuner-srv/router"
)

// ResponseOptions describes a canned response. A fresh Response is built
// for every request because bodies are consumed when written.
type ResponseOptions struct {
	Status int
	Header http.Header
	Body   any
}

// New builds the response.
func (o ResponseOptions) New() *request.Response {
	status := o.Status
	if status == 0 {
		status = http.StatusOK
	}
	return request.NewResponse(status, o.Header.Clone(), o.Body)
}

// ResponseAll answers every request kind with opts. Tunnels and upgrades
// get the response written raw onto the client socket.
func ResponseAll(opts ResponseOptions) router.Rules {
	return router.Rules{
		router.HTTP(func(req *request.Common, next router.Next) (router.Outcome, error) {
			return router.Respond(opts.New()), nil
		}),
		ResponseConnect(opts),
		ResponseUpgrade(opts),
	}
}

// ResponseConnect answers CONNECT tunnels with opts.
func ResponseConnect(opts ResponseOptions) router.Handler {
	return router.Connect(func(req *request.Connect, next router.Next) (router.Outcome, error) {
		return router.Respond(opts.New()), nil
	})
}

// ResponseUpgrade answers upgrade requests with opts.
func ResponseUpgrade(opts ResponseOptions) router.Handler {
	return router.Upgrade(func(req *request.Upgrade, next router.Next) (router.Outcome, error) {
		return router.Respond(opts.New()), nil
	})
}

// HTML answers with an HTML document.
func HTML(content string) router.Handler {
	return router.HTTP(func(req *request.Common, next router.Next) (router.Outcome, error) {
		h := make(http.Header)
		h.Set("Content-Type", "text/html")
		return router.Respond(request.NewResponse(http.StatusOK, h, content)), nil
	})
}

// JSON answers with v encoded as JSON.
func JSON(v any) router.Handler {
	return router.HTTP(func(req *request.Common, next router.Next) (router.Outcome, error) {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		h := make(http.Header)
		h.Set("Content-Type", "application/json")
		return router.Respond(request.NewResponse(http.StatusOK, h, data)), nil
	})
}

// File answers with the content of a local file. Unreadable files pass
// the request on.
func File(path string) router.Handler {
	return router.HTTP(func(req *request.Common, next router.Next) (router.Outcome, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return router.Continue(), nil
		}
		h := make(http.Header)
		h.Set("Content-Type", contentType(path))
		return router.Respond(request.NewResponse(http.StatusOK, h, data)), nil
	})
}

// FileIn serves name from inside base. Names escaping base get 403.
func FileIn(base, name string) router.Handler {
	return router.HTTP(func(req *request.Common, next router.Next) (router.Outcome, error) {
		clean := filepath.Clean(filepath.FromSlash(name))
		if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
			return router.Respond(request.NewResponse(http.StatusForbidden, nil, nil)), nil
		}
		return router.Delegate(File(filepath.Join(base, clean))), nil
	})
}

// Ensecure redirects plain http requests to https.
func Ensecure() router.Handler {
	return router.HTTP(func(req *request.Common, next router.Next) (router.Outcome, error) {
		if req.Encrypted {
			return router.Continue(), nil
		}
		h := make(http.Header)
		h.Set("Location", "https:"+strings.TrimPrefix(req.Href(), "http:"))
		return router.Respond(request.NewResponse(http.StatusFound, h, nil)), nil
	})
}

func contentType(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}
