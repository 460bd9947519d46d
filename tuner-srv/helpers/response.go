package helpers

import (
	"net/http"

	"github.com/codefionn/tuner/tuner-srv/request"
	"github.com/codefionn/tuner/tuner-srv/router"
)

// TransformFunc edits the response produced by the rest of the chain.
type TransformFunc func(res *request.Response, req *request.Common) error

// TransformRes runs the rest of the chain first and hands the resulting
// response to fn. Requests without a response are left alone.
func TransformRes(fn TransformFunc) router.Handler {
	return router.HTTP(func(req *request.Common, next router.Next) (router.Outcome, error) {
		if err := next(); err != nil {
			return nil, err
		}
		if req.Response == nil || req.Handled() {
			return nil, nil
		}
		if err := fn(req.Response, req); err != nil {
			return nil, err
		}
		return nil, nil
	})
}

// ResHeaders replaces the named response headers. An empty value list
// removes the header.
func ResHeaders(headers http.Header) router.Handler {
	return TransformRes(func(res *request.Response, _ *request.Common) error {
		assignHeaders(res.Header, headers)
		return nil
	})
}

// CORS allows any origin the client asks for, with credentials.
func CORS() router.Handler {
	return TransformRes(func(res *request.Response, req *request.Common) error {
		h := res.Header
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Max-Age", "86400")
		if origin := req.Header.Get("Origin"); origin != "" {
			h.Set("Access-Control-Allow-Origin", origin)
		}
		if method := req.Header.Get("Access-Control-Request-Method"); method != "" {
			h.Set("Access-Control-Allow-Methods", method)
		}
		if headers := req.Header.Get("Access-Control-Request-Headers"); headers != "" {
			h.Set("Access-Control-Allow-Headers", headers)
		}
		return nil
	})
}
