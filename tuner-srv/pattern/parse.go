package pattern

import (
	"regexp"

	"github.com/codefionn/tuner/tuner-srv/proxyerr"
)

// Parts holds the optional segments of a URL pattern.
// Empty strings mean the segment was not given.
type Parts struct {
	Protocol string
	Hostname string
	Port     string
	Pathname string
	Search   string
	// Path is Pathname followed by Search.
	Path string
}

// The grammar is fuzzy on purpose: a protocol is only recognised when it
// is followed by "//" and a pathname must start with "/".
var parser = func() *regexp.Regexp {
	const (
		protocol = `(?P<protocol>[^:/?]+:?)`
		hostname = `(?P<hostname>(?:\[[^\]]+\]|[^:/?]+))`
		port     = `(?P<port>[^:/?]+)`
		pathname = `(?P<pathname>/[^?]*)`
		search   = `(?P<search>\?.*)`
	)
	host := `(?:` + hostname + `?(?::` + port + `)?)`
	path := `(?P<path>` + pathname + `?` + search + `?)`
	origin := `(?:` + protocol + `?//` + host + `?)`
	return regexp.MustCompile(`^` + origin + `?` + path + `?$`)
}()

// Parse splits raw into its pattern segments.
func Parse(raw string) (Parts, error) {
	m := parser.FindStringSubmatch(raw)
	if m == nil {
		return Parts{}, proxyerr.Newf(proxyerr.ErrCodeMalformedPattern, "malformed url '%s'", raw)
	}
	var p Parts
	for i, name := range parser.SubexpNames() {
		switch name {
		case "protocol":
			p.Protocol = m[i]
		case "hostname":
			p.Hostname = m[i]
		case "port":
			p.Port = m[i]
		case "pathname":
			p.Pathname = m[i]
		case "search":
			p.Search = m[i]
		case "path":
			p.Path = m[i]
		}
	}
	return p, nil
}
