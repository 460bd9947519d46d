package helpers

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/codefionn/tuner/tuner-srv/logger"
	"github.com/codefionn/tuner/tuner-srv/request"
	"github.com/codefionn/tuner/tuner-srv/router"
)

// VerifyFunc checks a Proxy-Authorization header value, which is empty
// when the client sent none.
type VerifyFunc func(authorization string) bool

// ProxyAuth rejects requests whose Proxy-Authorization fails verify with
// 407 and a Proxy-Authenticate challenge of scheme. Requests decrypted
// from a tunnel are not checked again; the CONNECT already was. An
// absolute https:// URL sent to the proxy directly is checked like any
// other request.
func ProxyAuth(scheme string, verify VerifyFunc) router.Rules {
	challenge := func() *request.Response {
		h := make(http.Header)
		h.Set("Proxy-Authenticate", scheme)
		return request.NewResponse(http.StatusProxyAuthRequired, h, nil)
	}
	check := func(req request.Request) (router.Outcome, error) {
		b := req.BaseRequest()
		if verify(b.Header.Get("Proxy-Authorization")) {
			return router.Continue(), nil
		}
		logger.ForRequest(b.ID).Info("Proxy authentication failed for %s from %s", req.Href(), b.RemoteAddr)
		return router.Respond(challenge()), nil
	}

	return router.Rules{
		router.Connect(func(req *request.Connect, next router.Next) (router.Outcome, error) {
			return check(req)
		}),
		router.HTTP(func(req *request.Common, next router.Next) (router.Outcome, error) {
			if req.Tunnel != nil {
				return router.Continue(), nil
			}
			return check(req)
		}),
		router.Upgrade(func(req *request.Upgrade, next router.Next) (router.Outcome, error) {
			if req.Tunnel != nil {
				return router.Continue(), nil
			}
			return check(req)
		}),
	}
}

// BasicAuth requires HTTP Basic proxy credentials accepted by verify.
func BasicAuth(verify func(username, password string) bool) router.Rules {
	return ProxyAuth("Basic", func(authorization string) bool {
		user, pass, ok := parseBasic(authorization)
		return ok && verify(user, pass)
	})
}

// Credentials accepts exactly one username and password.
func Credentials(username, password string) func(string, string) bool {
	return func(u, p string) bool {
		userOK := subtle.ConstantTimeCompare([]byte(u), []byte(username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(p), []byte(password)) == 1
		return userOK && passOK
	}
}

// BearerAuth requires a Bearer token signed with the HMAC secret.
func BearerAuth(secret []byte) router.Rules {
	return ProxyAuth("Bearer", func(authorization string) bool {
		token, ok := cutScheme(authorization, "Bearer")
		if !ok {
			return false
		}
		parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return secret, nil
		})
		if err != nil {
			logger.Debug("Rejected proxy token: %v", err)
			return false
		}
		return parsed.Valid
	})
}

func parseBasic(authorization string) (username, password string, ok bool) {
	encoded, ok := cutScheme(authorization, "Basic")
	if !ok {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", false
	}
	return strings.Cut(string(raw), ":")
}

func cutScheme(authorization, scheme string) (string, bool) {
	prefix, rest, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || !strings.EqualFold(prefix, scheme) {
		return "", false
	}
	return strings.TrimSpace(rest), true
}
