// Package proxyerr holds the coded error type shared by the tuner packages.
//
// Codes are grouped by range so callers can classify a failure without
// knowing its exact origin:
//
//	E1xxx  configuration and route compilation
//	E2xxx  upstream connection
//	E3xxx  TLS and certificates
//	E4xxx  client HTTP
//	E6xxx  rule dispatch
package proxyerr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error represents a proxy-specific error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error with the given code and description
func New(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// Newf creates an Error whose description uses the code's registered text
// and whose cause is formatted from format and args.
func Newf(code string, format string, args ...any) *Error {
	return New(code, Description(code), fmt.Errorf(format, args...))
}

const (
	// Configuration and route compilation (E1000-E1999)
	ErrCodeConfigInvalid       = "E1001"
	ErrCodeConfigFormat        = "E1002"
	ErrCodeMalformedPattern    = "E1101"
	ErrCodeRulesNotArray       = "E1102"
	ErrCodeUnsupportedRule     = "E1103"
	ErrCodeInvalidUpstream     = "E1201"
	ErrCodeListenerFailed      = "E1301"
	ErrCodeRuleFileUnreadable  = "E1401"
	ErrCodeStatsBackendInvalid = "E1501"

	// Upstream connection (E2000-E2999)
	ErrCodeDialFailed       = "E2001"
	ErrCodeAllHopsFailed    = "E2002"
	ErrCodeProxyDenied      = "E2003"
	ErrCodeSocksHandshake   = "E2004"
	ErrCodePACFetch         = "E2005"
	ErrCodePACEvaluation    = "E2006"
	ErrCodeResolveFailed    = "E2007"
	ErrCodeUnsupportedHop   = "E2008"
	ErrCodeUpstreamResponse = "E2009"

	// TLS and certificates (E3000-E3999)
	ErrCodeTLSHandshake   = "E3001"
	ErrCodeCertGeneration = "E3101"
	ErrCodeCALoad         = "E3102"
	ErrCodeCAPersist      = "E3103"
	ErrCodeKeyParse       = "E3104"

	// Client HTTP (E4000-E4999)
	ErrCodeMalformedRequest = "E4001"
	ErrCodeLoopback         = "E4002"
	ErrCodeHijackFailed     = "E4003"
	ErrCodeBodyConsumed     = "E4004"
	ErrCodeBodyDecode       = "E4005"

	// Rule dispatch (E6000-E6999)
	ErrCodeHandlerFailed = "E6001"
	ErrCodeHandlerPanic  = "E6002"
)

// ErrorDescriptions maps error codes to their descriptions
var ErrorDescriptions = map[string]string{
	ErrCodeConfigInvalid:       "Invalid configuration",
	ErrCodeConfigFormat:        "Unsupported configuration format",
	ErrCodeMalformedPattern:    "Malformed URL pattern",
	ErrCodeRulesNotArray:       "Proxy rules must be an array",
	ErrCodeUnsupportedRule:     "Unsupported rule element",
	ErrCodeInvalidUpstream:     "Invalid upstream proxy definition",
	ErrCodeListenerFailed:      "Failed to create listener",
	ErrCodeRuleFileUnreadable:  "Failed to read rule file",
	ErrCodeStatsBackendInvalid: "Unsupported statistics backend",

	ErrCodeDialFailed:       "Failed to dial target",
	ErrCodeAllHopsFailed:    "Failed to establish proxy connection",
	ErrCodeProxyDenied:      "Upstream proxy refused the tunnel",
	ErrCodeSocksHandshake:   "SOCKS handshake failed",
	ErrCodePACFetch:         "Failed to fetch PAC script",
	ErrCodePACEvaluation:    "Failed to evaluate PAC script",
	ErrCodeResolveFailed:    "Failed to resolve hostname",
	ErrCodeUnsupportedHop:   "Unsupported upstream hop type",
	ErrCodeUpstreamResponse: "Invalid upstream response",

	ErrCodeTLSHandshake:   "TLS handshake failed",
	ErrCodeCertGeneration: "Failed to generate host certificate",
	ErrCodeCALoad:         "Failed to load root CA",
	ErrCodeCAPersist:      "Failed to persist root CA",
	ErrCodeKeyParse:       "Failed to parse private key",

	ErrCodeMalformedRequest: "Malformed client request",
	ErrCodeLoopback:         "Request loops back to the proxy",
	ErrCodeHijackFailed:     "Failed to take over client connection",
	ErrCodeBodyConsumed:     "Stream already consumed",
	ErrCodeBodyDecode:       "Failed to decode body",

	ErrCodeHandlerFailed: "Rule handler failed",
	ErrCodeHandlerPanic:  "Rule handler panicked",
}

// Description returns the registered description for a code.
func Description(code string) string {
	if desc, ok := ErrorDescriptions[code]; ok {
		return desc
	}
	return "Unknown error"
}

// Code returns the code of the first *Error in err's chain, or "".
func Code(err error) string {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Code
	}
	return ""
}

func inRange(err error, lo, hi string) bool {
	code := Code(err)
	return code != "" && code >= lo && code < hi
}

// IsRouteCompileError reports whether err stems from compiling rules or patterns.
func IsRouteCompileError(err error) bool {
	return inRange(err, "E1100", "E1200")
}

// IsConfigurationError reports whether err is configuration related.
func IsConfigurationError(err error) bool {
	return inRange(err, "E1000", "E2000")
}

// IsConnectionError reports whether err is an upstream connection failure.
func IsConnectionError(err error) bool {
	return inRange(err, "E2000", "E3000")
}

// IsTLSError reports whether err is TLS or certificate related.
func IsTLSError(err error) bool {
	return inRange(err, "E3000", "E4000")
}

// IsHTTPError reports whether err comes from a malformed client exchange.
func IsHTTPError(err error) bool {
	return inRange(err, "E4000", "E5000")
}

// IsDispatchError reports whether err was raised while running rule handlers.
func IsDispatchError(err error) bool {
	return inRange(err, "E6000", "E7000")
}

// WriteBadGateway writes the 502 error page for err to w.
func WriteBadGateway(w http.ResponseWriter, err error) {
	code := Code(err)
	if code == "" {
		code = ErrCodeHandlerFailed
	}
	body := badGatewayPage(code)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
	w.Header().Set("X-Proxy-Error", code)
	w.WriteHeader(http.StatusBadGateway)
	_, _ = w.Write([]byte(body))
}

func badGatewayPage(code string) string {
	var sb strings.Builder
	title := "502 Bad Gateway"
	fmt.Fprintf(&sb, "<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n    <meta charset=\"UTF-8\">\n    <title>%s</title>\n</head>\n", title)
	fmt.Fprintf(&sb, "<body>\n    <h1>%s</h1>\n", title)
	sb.WriteString("    <p>The proxy could not complete the request to the upstream server.</p>\n")
	fmt.Fprintf(&sb, "    <p><b>Error Code:</b> %s</p>\n    <p><b>Description:</b> %s</p>\n", code, Description(code))
	sb.WriteString("</body>\n</html>")
	return sb.String()
}
