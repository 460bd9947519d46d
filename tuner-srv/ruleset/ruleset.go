// Package ruleset turns declarative rule configuration into a router rule
// tree built from the helpers package.
package ruleset

import (
	"fmt"
	"net/http"

	"github.com/codefionn/tuner/tuner-srv/config"
	"github.com/codefionn/tuner/tuner-srv/helpers"
	"github.com/codefionn/tuner/tuner-srv/proxy"
	"github.com/codefionn/tuner/tuner-srv/proxyerr"
	"github.com/codefionn/tuner/tuner-srv/router"
	"github.com/codefionn/tuner/tuner-srv/upstream"
)

// Decrypter provides the CONNECT handler for the decrypt action.
// *proxy.Server implements it.
type Decrypter interface {
	Decrypt(mode proxy.DecryptMode) router.Handler
}

// Build converts rules into a rule tree. Within one rule the actions run
// in this order: basic-auth, upstream, host, hostname, secure,
// request-headers, response-headers, cors, inject-html, decrypt, the
// nested rules, and respond last.
func Build(rules []config.RuleConfig, d Decrypter) (router.Rules, error) {
	out := make(router.Rules, 0, len(rules)*2)
	for i, rule := range rules {
		body, err := buildRule(rule, d)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		for _, p := range rule.Patterns {
			out = append(out, p)
		}
		out = append(out, body)
	}
	return out, nil
}

func buildRule(rule config.RuleConfig, d Decrypter) (router.Rules, error) {
	var body router.Rules

	if rule.BasicAuth != nil {
		body = append(body, helpers.BasicAuth(helpers.Credentials(rule.BasicAuth.Username, rule.BasicAuth.Password)))
	}
	if rule.Upstream != nil {
		hops, err := upstream.ParseList(rule.Upstream)
		if err != nil {
			return nil, err
		}
		body = append(body, helpers.Upstream(hops...))
	}
	if rule.Host != "" {
		body = append(body, helpers.Host(rule.Host))
	}
	if rule.Hostname != "" {
		body = append(body, helpers.Hostname(rule.Hostname))
	}
	if rule.Secure != nil {
		body = append(body, helpers.Secure(*rule.Secure))
	}
	if len(rule.RequestHeaders) > 0 {
		body = append(body, helpers.ReqHeaders(header(rule.RequestHeaders)))
	}
	if len(rule.ResponseHeaders) > 0 {
		body = append(body, helpers.ResHeaders(header(rule.ResponseHeaders)))
	}
	if rule.CORS {
		body = append(body, helpers.CORS())
	}
	if rule.InjectHTML != nil {
		body = append(body, helpers.InjectHTML(rule.InjectHTML.Content, helpers.InjectPosition(rule.InjectHTML.Position)))
	}
	if rule.Decrypt != "" {
		mode, err := proxy.ParseDecryptMode(rule.Decrypt)
		if err != nil {
			return nil, err
		}
		if d == nil {
			return nil, proxyerr.Newf(proxyerr.ErrCodeConfigInvalid, "decrypt %q needs a proxy server", rule.Decrypt)
		}
		body = append(body, d.Decrypt(mode))
	}
	if len(rule.Rules) > 0 {
		nested, err := Build(rule.Rules, d)
		if err != nil {
			return nil, err
		}
		body = append(body, nested)
	}
	if rule.Respond != nil {
		body = append(body, helpers.ResponseAll(helpers.ResponseOptions{
			Status: rule.Respond.Status,
			Header: header(rule.Respond.Headers),
			Body:   rule.Respond.Body,
		}))
	}
	return body, nil
}

// header builds an http.Header; empty values become removals.
func header(m map[string]string) http.Header {
	h := make(http.Header, len(m))
	for k, v := range m {
		if v == "" {
			h[k] = nil
			continue
		}
		h.Set(k, v)
	}
	return h
}
