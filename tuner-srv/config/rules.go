package config

import (
	"fmt"
	"strconv"
)

// RuleConfig is one entry of the declarative rule tree. Actions apply in
// field order; nested Rules run after the actions, still scoped by
// Patterns.
type RuleConfig struct {
	Patterns []string

	Upstream        []string
	Host            string
	Hostname        string
	Secure          *bool
	RequestHeaders  map[string]string
	ResponseHeaders map[string]string
	CORS            bool
	BasicAuth       *BasicAuthConfig
	Decrypt         string
	InjectHTML      *InjectHTMLConfig
	Respond         *RespondConfig

	Rules []RuleConfig
}

// BasicAuthConfig requires proxy credentials.
type BasicAuthConfig struct {
	Username string
	Password string
}

// InjectHTMLConfig injects content into text/html responses.
type InjectHTMLConfig struct {
	Content  string
	Position string // begin or end
}

// RespondConfig answers locally without contacting the target.
type RespondConfig struct {
	Status  int
	Headers map[string]string
	Body    string
}

func parseRules(val any) ([]RuleConfig, error) {
	list, ok := val.([]any)
	if !ok {
		return nil, fmt.Errorf("rules must be an array")
	}
	rules := make([]RuleConfig, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("rule %d must be an object", i)
		}
		rule, err := parseRule(m)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func parseRule(m map[string]any) (RuleConfig, error) {
	var rule RuleConfig
	var err error

	if val, ok := m["patterns"]; ok {
		if rule.Patterns, err = parseStringList(val); err != nil {
			return rule, fmt.Errorf("patterns: %w", err)
		}
	}
	if val, ok := m["upstream"]; ok {
		if rule.Upstream, err = parseStringList(val); err != nil {
			return rule, fmt.Errorf("upstream: %w", err)
		}
	}
	if err := setValue(m, "host", &rule.Host); err != nil {
		return rule, err
	}
	if err := setValue(m, "hostname", &rule.Hostname); err != nil {
		return rule, err
	}
	if _, ok := m["secure"]; ok {
		var secure bool
		if err := setValue(m, "secure", &secure); err != nil {
			return rule, err
		}
		rule.Secure = &secure
	}
	if rule.RequestHeaders, err = parseStringMap(m, "request-headers"); err != nil {
		return rule, err
	}
	if rule.ResponseHeaders, err = parseStringMap(m, "response-headers"); err != nil {
		return rule, err
	}
	if err := setValue(m, "cors", &rule.CORS); err != nil {
		return rule, err
	}
	if err := setValue(m, "decrypt", &rule.Decrypt); err != nil {
		return rule, err
	}

	if sub, ok, err := object(m, "basic-auth"); err != nil {
		return rule, err
	} else if ok {
		auth := &BasicAuthConfig{}
		if err := setValue(sub, "username", &auth.Username); err != nil {
			return rule, fmt.Errorf("basic-auth: %w", err)
		}
		if err := setValue(sub, "password", &auth.Password); err != nil {
			return rule, fmt.Errorf("basic-auth: %w", err)
		}
		rule.BasicAuth = auth
	}

	if sub, ok, err := object(m, "inject-html"); err != nil {
		return rule, err
	} else if ok {
		inject := &InjectHTMLConfig{Position: "end"}
		if err := setValue(sub, "content", &inject.Content); err != nil {
			return rule, fmt.Errorf("inject-html: %w", err)
		}
		if err := setValue(sub, "position", &inject.Position); err != nil {
			return rule, fmt.Errorf("inject-html: %w", err)
		}
		if inject.Position != "begin" && inject.Position != "end" {
			return rule, fmt.Errorf("inject-html: position must be begin or end, got %q", inject.Position)
		}
		rule.InjectHTML = inject
	}

	if sub, ok, err := object(m, "respond"); err != nil {
		return rule, err
	} else if ok {
		respond := &RespondConfig{Status: 200}
		if err := setValue(sub, "status", &respond.Status); err != nil {
			return rule, fmt.Errorf("respond: %w", err)
		}
		if respond.Headers, err = parseStringMap(sub, "headers"); err != nil {
			return rule, fmt.Errorf("respond: %w", err)
		}
		if err := setValue(sub, "body", &respond.Body); err != nil {
			return rule, fmt.Errorf("respond: %w", err)
		}
		rule.Respond = respond
	}

	if val, ok := m["rules"]; ok {
		if rule.Rules, err = parseRules(val); err != nil {
			return rule, err
		}
	}
	return rule, nil
}

func object(m map[string]any, key string) (map[string]any, bool, error) {
	val, ok := m[key]
	if !ok {
		return nil, false, nil
	}
	sub, ok := val.(map[string]any)
	if !ok {
		return nil, false, fmt.Errorf("%s must be an object", key)
	}
	return sub, true, nil
}

// parseStringMap reads an object of header-like values. Numbers and bools
// are stringified; secrets resolve from the environment.
func parseStringMap(m map[string]any, key string) (map[string]string, error) {
	sub, ok, err := object(m, key)
	if err != nil || !ok {
		return nil, err
	}
	out := make(map[string]string, len(sub))
	for k, v := range sub {
		switch tv := v.(type) {
		case float64:
			out[k] = strconv.FormatFloat(tv, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(tv)
		default:
			s, err := parseValue[string](v)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", key, k, err)
			}
			out[k] = *s
		}
	}
	return out, nil
}
