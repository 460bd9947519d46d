// Package pattern compiles URL patterns such as
//
//	http|https://*.*.example.com:80|443/pathname/::param?foo&bar=baz
//
// into pure matchers over a request's protocol, host, port, path and query.
package pattern

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/codefionn/tuner/tuner-srv/proxyerr"
)

// MatchInfo is the request data a pattern is matched against.
type MatchInfo struct {
	Protocol string // with or without trailing ":"
	Hostname string
	Port     string
	Pathname string
	Query    url.Values
}

// Params are the path parameters captured by a successful match.
type Params map[string]string

// Predicate tests one segment of a MatchInfo.
type Predicate func(info MatchInfo) bool

// PathMatcher tests the pathname and returns captured params.
type PathMatcher func(info MatchInfo) (Params, bool)

// Matcher is a compiled URL pattern.
type Matcher struct {
	pattern  string
	protocol Predicate
	port     Predicate
	hostname Predicate
	query    Predicate
	pathname PathMatcher
}

// Compile parses raw and builds its matcher. A pattern that does not fit
// the grammar fails as a whole.
func Compile(raw string) (*Matcher, error) {
	parts, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	hostname, err := HostnameMatcher(parts.Hostname)
	if err != nil {
		return nil, err
	}
	query, err := QueryMatcher(parts.Search)
	if err != nil {
		return nil, err
	}
	pathname, err := PathnameMatcher(parts.Pathname)
	if err != nil {
		return nil, err
	}
	return &Matcher{
		pattern:  raw,
		protocol: ProtocolMatcher(parts.Protocol),
		port:     PortMatcher(parts.Port),
		hostname: hostname,
		query:    query,
		pathname: pathname,
	}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(raw string) *Matcher {
	m, err := Compile(raw)
	if err != nil {
		panic(err)
	}
	return m
}

// Pattern returns the source pattern.
func (m *Matcher) Pattern() string {
	return m.pattern
}

// Match checks protocol, port, hostname, query and path in that order and
// stops at the first mismatch.
func (m *Matcher) Match(info MatchInfo) (Params, bool) {
	if !m.protocol(info) {
		return nil, false
	}
	if !m.port(info) {
		return nil, false
	}
	if !m.hostname(info) {
		return nil, false
	}
	if !m.query(info) {
		return nil, false
	}
	return m.pathname(info)
}

func matchAll(MatchInfo) bool { return true }

func normalizeProtocol(p string) string {
	return strings.TrimSuffix(strings.ToUpper(p), ":")
}

// ProtocolMatcher accepts a "|"-separated, case-insensitive protocol list.
func ProtocolMatcher(pattern string) Predicate {
	if pattern == "" {
		return matchAll
	}
	accepts := strings.Split(normalizeProtocol(pattern), "|")
	return func(info MatchInfo) bool {
		protocol := normalizeProtocol(info.Protocol)
		for _, accept := range accepts {
			if accept == protocol {
				return true
			}
		}
		return false
	}
}

// PortMatcher accepts a "|"-separated list of exact ports.
func PortMatcher(pattern string) Predicate {
	if pattern == "" {
		return matchAll
	}
	accepts := strings.Split(pattern, "|")
	return func(info MatchInfo) bool {
		for _, accept := range accepts {
			if accept == info.Port {
				return true
			}
		}
		return false
	}
}

var paramToken = regexp.MustCompile(`::?\w+`)

// PathnameMatcher compiles a path with ":short" (one segment) and
// "::long" (any characters) parameters.
func PathnameMatcher(pattern string) (PathMatcher, error) {
	if pattern == "" {
		return func(MatchInfo) (Params, bool) { return Params{}, true }, nil
	}

	var source strings.Builder
	source.WriteString("^")
	last := 0
	var names []string
	for _, loc := range paramToken.FindAllStringIndex(pattern, -1) {
		source.WriteString(regexp.QuoteMeta(pattern[last:loc[0]]))
		token := pattern[loc[0]:loc[1]]
		if strings.HasPrefix(token, "::") {
			names = append(names, token[2:])
			source.WriteString(`(.+)`)
		} else {
			names = append(names, token[1:])
			source.WriteString(`([^/]+)`)
		}
		last = loc[1]
	}
	source.WriteString(regexp.QuoteMeta(pattern[last:]))
	source.WriteString("$")

	re, err := regexp.Compile(source.String())
	if err != nil {
		return nil, proxyerr.Newf(proxyerr.ErrCodeMalformedPattern, "pathname %q: %v", pattern, err)
	}

	return func(info MatchInfo) (Params, bool) {
		m := re.FindStringSubmatch(info.Pathname)
		if m == nil {
			return nil, false
		}
		params := make(Params, len(names))
		for i, name := range names {
			params[name] = m[i+1]
		}
		return params, true
	}, nil
}

type queryAssertion struct {
	key   string
	value string
}

// QueryMatcher requires every listed key to be present and, when a value
// is given, equal to the first value of that key.
func QueryMatcher(pattern string) (Predicate, error) {
	raw := strings.TrimPrefix(pattern, "?")
	if raw == "" {
		return matchAll, nil
	}

	var assertions []queryAssertion
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		k, err := url.QueryUnescape(key)
		if err != nil {
			return nil, proxyerr.Newf(proxyerr.ErrCodeMalformedPattern, "query key %q: %v", key, err)
		}
		v, err := url.QueryUnescape(value)
		if err != nil {
			return nil, proxyerr.Newf(proxyerr.ErrCodeMalformedPattern, "query value %q: %v", value, err)
		}
		assertions = append(assertions, queryAssertion{key: k, value: v})
	}

	return func(info MatchInfo) bool {
		for _, a := range assertions {
			if !info.Query.Has(a.key) {
				return false
			}
			if a.value != "" && a.value != info.Query.Get(a.key) {
				return false
			}
		}
		return true
	}, nil
}
