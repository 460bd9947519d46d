package config

import (
	"maps"
	"slices"
)

// HasChanged returns true if the configuration has changed compared to another config.
// This implementation explicitly compares all fields without using reflection.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	if a.ListenAddress != b.ListenAddress ||
		a.TimeoutSeconds != b.TimeoutSeconds ||
		a.LogLevel != b.LogLevel ||
		a.RulesFile != b.RulesFile ||
		a.WatchRules != b.WatchRules {
		return true
	}
	if a.CA != b.CA || a.Statistics != b.Statistics {
		return true
	}
	if !slices.Equal(a.Upstream, b.Upstream) {
		return true
	}
	if !dnsConfigEqual(a.DNS, b.DNS) {
		return true
	}
	return !rulesEqual(a.Rules, b.Rules)
}

// RequiresRestart reports changes that cannot be applied to a running
// server. Rules, the default upstream and the log level reload in place.
func RequiresRestart(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	return a.ListenAddress != b.ListenAddress ||
		a.TimeoutSeconds != b.TimeoutSeconds ||
		a.CA != b.CA ||
		a.Statistics != b.Statistics ||
		!dnsConfigEqual(a.DNS, b.DNS)
}

func dnsConfigEqual(a, b DNSConfig) bool {
	return a.Enabled == b.Enabled && slices.Equal(a.Servers, b.Servers)
}

func rulesEqual(a, b []RuleConfig) bool {
	return slices.EqualFunc(a, b, ruleEqual)
}

func ruleEqual(a, b RuleConfig) bool {
	if !slices.Equal(a.Patterns, b.Patterns) || !slices.Equal(a.Upstream, b.Upstream) {
		return false
	}
	if a.Host != b.Host || a.Hostname != b.Hostname || a.CORS != b.CORS || a.Decrypt != b.Decrypt {
		return false
	}
	if !ptrEqual(a.Secure, b.Secure) || !ptrEqual(a.BasicAuth, b.BasicAuth) || !ptrEqual(a.InjectHTML, b.InjectHTML) {
		return false
	}
	if !maps.Equal(a.RequestHeaders, b.RequestHeaders) || !maps.Equal(a.ResponseHeaders, b.ResponseHeaders) {
		return false
	}
	if a.Respond == nil || b.Respond == nil {
		if a.Respond != b.Respond {
			return false
		}
	} else if a.Respond.Status != b.Respond.Status ||
		a.Respond.Body != b.Respond.Body ||
		!maps.Equal(a.Respond.Headers, b.Respond.Headers) {
		return false
	}
	return rulesEqual(a.Rules, b.Rules)
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
