package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/tuner/tuner-srv/proxyerr"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultListenAddress, cfg.ListenAddress)
	assert.Equal(t, 30, cfg.TimeoutSeconds)
	assert.Equal(t, filepath.Join(DefaultCADir(), "rootCA.crt"), cfg.CA.CertFile)
	assert.Equal(t, filepath.Join(DefaultCADir(), "rootCA.key"), cfg.CA.KeyFile)
	assert.False(t, cfg.DNS.Enabled)
	assert.Len(t, cfg.DNS.Servers, 2)
	assert.False(t, cfg.Statistics.Enabled)
}

func TestLoadConfigJSON(t *testing.T) {
	t.Setenv("TUNER_TEST_PASSWORD", "hunter2")
	dir := t.TempDir()
	path := writeFile(t, dir, "tuner.json", `{
  "listen-address": "127.0.0.1:9000",
  "timeout-seconds": 5,
  "ca": {"cert-file": "/tmp/ca.crt", "key-file": "/tmp/ca.key", "key-password": {"_secret": "TUNER_TEST_PASSWORD"}},
  "upstream": ["socks5://127.0.0.1:1080", "direct"],
  "dns": {"enabled": true, "servers": [{"address": "9.9.9.9:853", "type": "dot", "tls-host": "dns.quad9.net"}]},
  "statistics": {"enabled": true, "backend": "postgres", "postgres-dsn": "postgres://localhost/tuner", "flush-interval": "2"},
  "rules-file": "rules.json",
  "watch-rules": true,
  "rules": [
    {
      "patterns": ["//example.com", "!//example.com/private"],
      "upstream": "http://corp:3128",
      "request-headers": {"X-Test": "1", "X-Count": 2},
      "cors": true,
      "rules": [{"patterns": ["/api"], "respond": {"status": 204}}]
    }
  ]
}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddress)
	assert.Equal(t, 5, cfg.TimeoutSeconds)
	assert.Equal(t, CAConfig{CertFile: "/tmp/ca.crt", KeyFile: "/tmp/ca.key", KeyPassword: "hunter2"}, cfg.CA)
	assert.Equal(t, []string{"socks5://127.0.0.1:1080", "direct"}, cfg.Upstream)
	assert.Equal(t, DNSConfig{Enabled: true, Servers: []DNSServerConfig{
		{Address: "9.9.9.9:853", Type: DNSTypeDoT, TimeoutSeconds: 10, TLSHost: "dns.quad9.net"},
	}}, cfg.DNS)
	assert.Equal(t, StatisticsConfig{Enabled: true, Backend: "postgres", PostgresDSN: "postgres://localhost/tuner", FlushInterval: 2}, cfg.Statistics)
	assert.Equal(t, filepath.Join(dir, "rules.json"), cfg.RulesFile)
	assert.True(t, cfg.WatchRules)

	require.Len(t, cfg.Rules, 1)
	rule := cfg.Rules[0]
	assert.Equal(t, []string{"//example.com", "!//example.com/private"}, rule.Patterns)
	assert.Equal(t, []string{"http://corp:3128"}, rule.Upstream)
	assert.Equal(t, map[string]string{"X-Test": "1", "X-Count": "2"}, rule.RequestHeaders)
	assert.True(t, rule.CORS)
	require.Len(t, rule.Rules, 1)
	assert.Equal(t, &RespondConfig{Status: 204}, rule.Rules[0].Respond)
}

func TestLoadConfigHCL(t *testing.T) {
	path := writeFile(t, t.TempDir(), "tuner.hcl", `
listen-address = "0.0.0.0:8888"
timeout-seconds = 60
upstream = ["pac+http://wpad/proxy.pac"]
rules = [
  {
    patterns = ["//*.example.com"]
    secure = false
    basic-auth = { username = "user", password = "pass" }
    inject-html = { content = "<script></script>", position = "begin" }
    response-headers = { X-Frame-Options = "DENY" }
  },
  {
    patterns = ["//blocked.test"]
    respond = { status = 403, body = "blocked", headers = { Content-Type = "text/plain" } }
  },
]
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8888", cfg.ListenAddress)
	assert.Equal(t, 60, cfg.TimeoutSeconds)
	assert.Equal(t, []string{"pac+http://wpad/proxy.pac"}, cfg.Upstream)

	require.Len(t, cfg.Rules, 2)
	first := cfg.Rules[0]
	require.NotNil(t, first.Secure)
	assert.False(t, *first.Secure)
	assert.Equal(t, &BasicAuthConfig{Username: "user", Password: "pass"}, first.BasicAuth)
	assert.Equal(t, &InjectHTMLConfig{Content: "<script></script>", Position: "begin"}, first.InjectHTML)
	assert.Equal(t, map[string]string{"X-Frame-Options": "DENY"}, first.ResponseHeaders)
	assert.Equal(t, &RespondConfig{
		Status:  403,
		Body:    "blocked",
		Headers: map[string]string{"Content-Type": "text/plain"},
	}, cfg.Rules[1].Respond)
}

func TestLoadConfigEnv(t *testing.T) {
	t.Setenv("TUNER_LISTENADDRESS", "127.0.0.1:7000")
	t.Setenv("TUNER_TIMEOUTSECONDS", "12")
	t.Setenv("TUNER_UPSTREAM", "http://a:1, socks4://b:2")
	t.Setenv("TUNER_STATISTICS", "true")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.ListenAddress)
	assert.Equal(t, 12, cfg.TimeoutSeconds)
	assert.Equal(t, []string{"http://a:1", "socks4://b:2"}, cfg.Upstream)
	assert.True(t, cfg.Statistics.Enabled)

	// file values win over the environment
	path := writeFile(t, t.TempDir(), "tuner.json", `{"listen-address": "127.0.0.1:7001"}`)
	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7001", cfg.ListenAddress)
	assert.Equal(t, 12, cfg.TimeoutSeconds)
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]struct {
		name    string
		content string
		code    string
	}{
		"unsupported extension": {"tuner.yaml", "a: b", proxyerr.ErrCodeConfigFormat},
		"broken json":           {"broken.json", "{", proxyerr.ErrCodeConfigFormat},
		"broken hcl":            {"broken.hcl", "a = ", proxyerr.ErrCodeConfigFormat},
		"hcl block":             {"block.hcl", "server {\n}\n", proxyerr.ErrCodeConfigFormat},
		"rules not array":       {"rules.json", `{"rules": {}}`, proxyerr.ErrCodeConfigInvalid},
		"bad timeout":           {"timeout.json", `{"timeout-seconds": true}`, proxyerr.ErrCodeConfigInvalid},
		"bad dns type":          {"dns.json", `{"dns": {"servers": [{"address": "1.1.1.1:53", "type": "doh"}]}}`, proxyerr.ErrCodeConfigInvalid},
		"bad inject position":   {"inject.json", `{"rules": [{"inject-html": {"content": "x", "position": "middle"}}]}`, proxyerr.ErrCodeConfigInvalid},
		"missing secret":        {"secret.json", `{"ca": {"key-password": {"_secret": "TUNER_TEST_UNSET_SECRET"}}}`, proxyerr.ErrCodeConfigInvalid},
		"bad stats backend":     {"stats.json", `{"statistics": {"backend": "mongo"}}`, proxyerr.ErrCodeConfigInvalid},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, dir, tc.name, tc.content))
			require.Error(t, err)
			assert.Equal(t, tc.code, proxyerr.Code(err))
		})
	}

	_, err := LoadConfig(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestAllRules(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "rules.hcl", `rules = [{ patterns = ["//from-file"] }]`)
	path := writeFile(t, dir, "tuner.json", `{"rules-file": "rules.hcl", "rules": [{"patterns": ["//inline"]}]}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	rules, err := cfg.AllRules()
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, []string{"//inline"}, rules[0].Patterns)
	assert.Equal(t, []string{"//from-file"}, rules[1].Patterns)

	cfg.RulesFile = filepath.Join(dir, "nope.json")
	_, err = cfg.AllRules()
	assert.Equal(t, proxyerr.ErrCodeRuleFileUnreadable, proxyerr.Code(err))
}

func TestHasChanged(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Rules = []RuleConfig{{
			Patterns:       []string{"//a"},
			RequestHeaders: map[string]string{"X": "1"},
			Respond:        &RespondConfig{Status: 200},
			Rules:          []RuleConfig{{Host: "b"}},
		}}
		return cfg
	}

	assert.False(t, HasChanged(base(), base()))
	assert.True(t, HasChanged(base(), nil))
	assert.False(t, HasChanged(nil, nil))

	mutations := map[string]func(*Config){
		"timeout":        func(c *Config) { c.TimeoutSeconds++ },
		"upstream":       func(c *Config) { c.Upstream = []string{"direct"} },
		"dns":            func(c *Config) { c.DNS.Servers[0].TLSHost = "x" },
		"stats":          func(c *Config) { c.Statistics.Enabled = true },
		"rule header":    func(c *Config) { c.Rules[0].RequestHeaders["X"] = "2" },
		"rule respond":   func(c *Config) { c.Rules[0].Respond = nil },
		"nested rule":    func(c *Config) { c.Rules[0].Rules[0].Host = "c" },
		"secure pointer": func(c *Config) { v := true; c.Rules[0].Secure = &v },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			changed := base()
			mutate(changed)
			assert.True(t, HasChanged(base(), changed))
		})
	}

	restart := base()
	restart.ListenAddress = "127.0.0.1:1"
	assert.True(t, RequiresRestart(base(), restart))
	hot := base()
	hot.LogLevel = "DEBUG"
	hot.Upstream = []string{"direct"}
	hot.Rules = nil
	assert.True(t, HasChanged(base(), hot))
	assert.False(t, RequiresRestart(base(), hot))
}

func TestWatch(t *testing.T) {
	old := WatchDebounce
	WatchDebounce = 10 * time.Millisecond
	t.Cleanup(func() { WatchDebounce = old })

	dir := t.TempDir()
	path := writeFile(t, dir, "rules.json", `{"rules": []}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan struct{}, 8)
	require.NoError(t, Watch(ctx, path, func() { changes <- struct{}{} }))

	// unrelated files in the directory are ignored
	writeFile(t, dir, "other.json", "{}")
	select {
	case <-changes:
		t.Fatal("unexpected change notification")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, []byte(`{"rules": [{}]}`), 0o644))
	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification")
	}
}
