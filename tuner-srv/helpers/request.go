// Package helpers holds ready-made rule handlers: request rewrites,
// response transforms, canned responses, proxy authentication and local
// websocket endpoints.
package helpers

import (
	"net/http"

	"github.com/codefionn/tuner/tuner-srv/request"
	"github.com/codefionn/tuner/tuner-srv/router"
	"github.com/codefionn/tuner/tuner-srv/upstream"
)

// RequestHandler binds fn to every request kind.
func RequestHandler(fn router.ProcessFunc) router.Rules {
	return router.Rules{
		router.Handler{Kind: request.KindCommon, Process: fn},
		router.Handler{Kind: request.KindConnect, Process: fn},
		router.Handler{Kind: request.KindUpgrade, Process: fn},
	}
}

// Host rewrites hostname and port of every request.
func Host(host string) router.Rules {
	return RequestHandler(func(req request.Request, next router.Next) (router.Outcome, error) {
		req.BaseRequest().SetHost(host)
		return router.Continue(), nil
	})
}

// Hostname rewrites the hostname and keeps the port.
func Hostname(hostname string) router.Rules {
	return RequestHandler(func(req request.Request, next router.Next) (router.Outcome, error) {
		req.BaseRequest().Hostname = hostname
		return router.Continue(), nil
	})
}

// ReqHeaders replaces the named request headers. An empty value list
// removes the header.
func ReqHeaders(headers http.Header) router.Rules {
	return RequestHandler(func(req request.Request, next router.Next) (router.Outcome, error) {
		assignHeaders(req.BaseRequest().Header, headers)
		return router.Continue(), nil
	})
}

// Secure switches between http and https. Default ports follow the
// scheme; explicit ports are kept.
func Secure(encrypted bool) router.Rules {
	return RequestHandler(func(req request.Request, next router.Next) (router.Outcome, error) {
		b := req.BaseRequest()
		if b.Encrypted == encrypted {
			return router.Continue(), nil
		}
		switch {
		case b.Encrypted && b.Port == 443:
			b.Port = 80
		case !b.Encrypted && b.Port == 80:
			b.Port = 443
		}
		b.Encrypted = encrypted
		return router.Continue(), nil
	})
}

// Upstream routes matching requests through hops. No hops means direct.
func Upstream(hops ...upstream.Hop) router.Rules {
	return RequestHandler(func(req request.Request, next router.Next) (router.Outcome, error) {
		req.BaseRequest().Upstream = append([]upstream.Hop(nil), hops...)
		return router.Continue(), nil
	})
}

func assignHeaders(dst, src http.Header) {
	for k, v := range src {
		if len(v) == 0 {
			dst.Del(k)
			continue
		}
		dst[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
	}
}
