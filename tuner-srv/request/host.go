package request

import (
	"strconv"
	"strings"
)

// DefaultPorts maps a protocol (with trailing ":") to its default port.
var DefaultPorts = map[string]int{
	"ftp:":   21,
	"http:":  80,
	"https:": 443,
	"ws:":    80,
	"wss:":   443,
}

// SplitHost splits "hostname[:port]", stripping IPv6 brackets. The port is
// "" when absent or not numeric.
func SplitHost(value string) (hostname, port string) {
	if strings.HasPrefix(value, "[") {
		end := strings.Index(value, "]")
		if end < 0 {
			return value, ""
		}
		hostname = value[1:end]
		rest := value[end+1:]
		if strings.HasPrefix(rest, ":") && isDigits(rest[1:]) {
			port = rest[1:]
		}
		return hostname, port
	}

	i := strings.LastIndex(value, ":")
	if i < 0 || strings.Count(value, ":") > 1 {
		return value, ""
	}
	if isDigits(value[i+1:]) {
		return value[:i], value[i+1:]
	}
	return value[:i], ""
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// JoinHost formats hostname and port, bracketing IPv6 literals and
// dropping the port when it equals defaultPort. A zero defaultPort keeps
// any non-zero port.
func JoinHost(hostname string, port, defaultPort int) string {
	h := hostname
	if strings.Contains(h, ":") && !strings.HasPrefix(h, "[") {
		h = "[" + h + "]"
	}
	if port == 0 || port == defaultPort {
		return h
	}
	return h + ":" + strconv.Itoa(port)
}
