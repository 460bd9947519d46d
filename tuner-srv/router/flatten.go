package router

import (
	"strings"

	"github.com/codefionn/tuner/tuner-srv/pattern"
	"github.com/codefionn/tuner/tuner-srv/proxyerr"
	"github.com/codefionn/tuner/tuner-srv/request"
)

// Rules is a rule tree. Elements are pattern fragments (string), handlers
// (Handler, ProcessFunc or a typed handler function), nested Rules, or nil
// for "no handler".
//
// Consecutive strings form the active fragments of the element that
// follows them. A fragment starting with "!" is dropped; when every
// fragment of a group is dropped the following element is pruned.
type Rules []any

// FlatRoute is one handler with the full patterns that select it.
type FlatRoute struct {
	Patterns []string
	Handler  Handler
}

// Flatten walks rules left to right and returns the routes in declaration
// order.
func Flatten(rules []any) ([]FlatRoute, error) {
	var routes []FlatRoute
	var fragments []string
	excluded := 0

	flush := func() {
		fragments = fragments[:0]
		excluded = 0
	}
	active := func() ([]string, bool) {
		if len(fragments) == 0 {
			if excluded > 0 {
				return nil, false
			}
			return []string{""}, true
		}
		return fragments, true
	}

	for _, el := range rules {
		if s, ok := el.(string); ok {
			if strings.HasPrefix(s, "!") {
				excluded++
			} else {
				fragments = append(fragments, s)
			}
			continue
		}

		frags, ok := active()
		if !ok || el == nil {
			flush()
			continue
		}

		if children, ok := asRules(el); ok {
			sub, err := Flatten(children)
			if err != nil {
				return nil, err
			}
			for _, child := range sub {
				routes = append(routes, FlatRoute{Patterns: cross(frags, child.Patterns), Handler: child.Handler})
			}
			flush()
			continue
		}

		h, err := asHandler(el)
		if err != nil {
			return nil, err
		}
		if h.Process != nil {
			routes = append(routes, FlatRoute{Patterns: cross(frags, []string{""}), Handler: h})
		}
		flush()
	}
	return routes, nil
}

// cross prefixes every child pattern with every fragment. Child order is
// the outer loop.
func cross(frags, children []string) []string {
	out := make([]string, 0, len(frags)*len(children))
	for _, child := range children {
		for _, frag := range frags {
			out = append(out, frag+child)
		}
	}
	return out
}

func asRules(el any) ([]any, bool) {
	switch v := el.(type) {
	case Rules:
		return v, true
	case []any:
		return v, true
	case []Handler:
		out := make([]any, len(v))
		for i, h := range v {
			out[i] = h
		}
		return out, true
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func asHandler(el any) (Handler, error) {
	switch v := el.(type) {
	case Handler:
		return v, nil
	case *Handler:
		if v == nil {
			return Handler{}, nil
		}
		return *v, nil
	case ProcessFunc:
		return Func(v), nil
	case func(request.Request, Next) (Outcome, error):
		return Func(v), nil
	case func(*request.Common, Next) (Outcome, error):
		return HTTP(v), nil
	case func(*request.Connect, Next) (Outcome, error):
		return Connect(v), nil
	case func(*request.Upgrade, Next) (Outcome, error):
		return Upgrade(v), nil
	}
	return Handler{}, proxyerr.Newf(proxyerr.ErrCodeUnsupportedRule, "unsupported rule element %T", el)
}

// Matcher is one compiled pattern of a route.
type Matcher struct {
	Pattern string
	Match   *pattern.Matcher
}

// Route is a compiled FlatRoute.
type Route struct {
	Matchers []Matcher
	Handler  Handler
}

// Table is an immutable compiled route list.
type Table struct {
	Routes []Route
}

// Matched is a selected route's handler with the params its matcher
// captured.
type Matched struct {
	Handler Handler
	Params  pattern.Params
}

// Compile flattens and compiles rules. The root must be a list.
func Compile(rules any) (*Table, error) {
	list, ok := asRules(rules)
	if !ok {
		return nil, proxyerr.Newf(proxyerr.ErrCodeRulesNotArray, "rules root is %T", rules)
	}
	flat, err := Flatten(list)
	if err != nil {
		return nil, err
	}

	t := &Table{Routes: make([]Route, 0, len(flat))}
	for _, fr := range flat {
		r := Route{Handler: fr.Handler, Matchers: make([]Matcher, 0, len(fr.Patterns))}
		for _, p := range fr.Patterns {
			m, err := pattern.Compile(p)
			if err != nil {
				return nil, err
			}
			r.Matchers = append(r.Matchers, Matcher{Pattern: p, Match: m})
		}
		t.Routes = append(t.Routes, r)
	}
	return t, nil
}

// Match returns the handlers of all routes selected by info, in table
// order. A route is selected by its first matching pattern.
func (t *Table) Match(info pattern.MatchInfo) []Matched {
	var out []Matched
	for _, r := range t.Routes {
		for _, m := range r.Matchers {
			if params, ok := m.Match.Match(info); ok {
				out = append(out, Matched{Handler: r.Handler, Params: params})
				break
			}
		}
	}
	return out
}
