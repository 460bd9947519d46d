package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/codefionn/tuner/tuner-srv/logger"
	"github.com/codefionn/tuner/tuner-srv/proxyerr"
)

// DefaultListenAddress is where the proxy listens without configuration.
const DefaultListenAddress = "127.0.0.1:12306"

// CAConfig locates the root certificate authority.
type CAConfig struct {
	CertFile    string
	KeyFile     string
	KeyPassword string
}

// StatisticsConfig selects the statistics backend.
type StatisticsConfig struct {
	Enabled       bool
	Backend       string // sqlite, postgres or dummy
	SQLitePath    string
	PostgresDSN   string
	FlushInterval int // seconds
}

// Config represents the main configuration structure for the proxy server.
type Config struct {
	ListenAddress  string
	TimeoutSeconds int
	LogLevel       string
	CA             CAConfig
	// Upstream is the default hop list, in upstream.Parse syntax.
	Upstream   []string
	DNS        DNSConfig
	Statistics StatisticsConfig
	Rules      []RuleConfig
	// RulesFile holds rules outside the main config. Its rules come after
	// the inline ones.
	RulesFile  string
	WatchRules bool
}

// DefaultCADir is where the root CA lives unless configured otherwise.
func DefaultCADir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tuner"
	}
	return filepath.Join(home, ".tuner")
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	dir := DefaultCADir()
	return &Config{
		ListenAddress:  DefaultListenAddress,
		TimeoutSeconds: 30,
		LogLevel:       "INFO",
		CA: CAConfig{
			CertFile: filepath.Join(dir, "rootCA.crt"),
			KeyFile:  filepath.Join(dir, "rootCA.key"),
		},
		DNS: DefaultDNSConfig(),
		Statistics: StatisticsConfig{
			Backend:       "sqlite",
			FlushInterval: 5,
		},
	}
}

// LoadConfig loads configuration from the specified file path.
func LoadConfig(configPath string) (*Config, error) {
	cfg := Default()

	// Apply environment variables
	loadConfigFromEnv(cfg)

	if configPath != "" {
		data, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := applyConfig(data, cfg); err != nil {
			return nil, proxyerr.New(proxyerr.ErrCodeConfigInvalid, "invalid config "+configPath, err)
		}
		if cfg.RulesFile != "" && !filepath.IsAbs(cfg.RulesFile) {
			cfg.RulesFile = filepath.Join(filepath.Dir(configPath), cfg.RulesFile)
		}
	}

	return cfg, nil
}

// LoadRules reads the "rules" list of a JSON or HCL file.
func LoadRules(path string) ([]RuleConfig, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, proxyerr.New(proxyerr.ErrCodeRuleFileUnreadable, proxyerr.Description(proxyerr.ErrCodeRuleFileUnreadable), err)
	}
	val, ok := data["rules"]
	if !ok {
		return nil, nil
	}
	rules, err := parseRules(val)
	if err != nil {
		return nil, proxyerr.New(proxyerr.ErrCodeConfigInvalid, "invalid rules in "+path, err)
	}
	return rules, nil
}

// AllRules returns the inline rules followed by those of RulesFile.
func (c *Config) AllRules() ([]RuleConfig, error) {
	rules := append([]RuleConfig(nil), c.Rules...)
	if c.RulesFile == "" {
		return rules, nil
	}
	fromFile, err := LoadRules(c.RulesFile)
	if err != nil {
		return nil, err
	}
	return append(rules, fromFile...), nil
}

func readConfigFile(configPath string) (map[string]any, error) {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	content, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(cleanPath)); ext {
	case ".json":
		var data map[string]any
		if err := json.Unmarshal(content, &data); err != nil {
			return nil, proxyerr.New(proxyerr.ErrCodeConfigFormat, "failed to decode JSON config", err)
		}
		return data, nil
	case ".hcl":
		return decodeHCL(cleanPath, content)
	default:
		return nil, proxyerr.Newf(proxyerr.ErrCodeConfigFormat, "unsupported config file format: %s", ext)
	}
}

// applyConfig maps the hyphenated keys of data onto cfg.
func applyConfig(data map[string]any, cfg *Config) error {
	if err := setValue(data, "listen-address", &cfg.ListenAddress); err != nil {
		return err
	}
	if err := setValue(data, "timeout-seconds", &cfg.TimeoutSeconds); err != nil {
		return err
	}
	if err := setValue(data, "log-level", &cfg.LogLevel); err != nil {
		return err
	}
	if err := setValue(data, "rules-file", &cfg.RulesFile); err != nil {
		return err
	}
	if err := setValue(data, "watch-rules", &cfg.WatchRules); err != nil {
		return err
	}

	if val, exists := data["ca"]; exists {
		m, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("ca must be an object")
		}
		if err := setValue(m, "cert-file", &cfg.CA.CertFile); err != nil {
			return fmt.Errorf("ca: %w", err)
		}
		if err := setValue(m, "key-file", &cfg.CA.KeyFile); err != nil {
			return fmt.Errorf("ca: %w", err)
		}
		if err := setValue(m, "key-password", &cfg.CA.KeyPassword); err != nil {
			return fmt.Errorf("ca: %w", err)
		}
	}

	if val, exists := data["upstream"]; exists {
		hops, err := parseStringList(val)
		if err != nil {
			return fmt.Errorf("upstream: %w", err)
		}
		cfg.Upstream = hops
	}

	if val, exists := data["dns"]; exists {
		m, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("dns must be an object")
		}
		if err := parseDNSConfig(m, &cfg.DNS); err != nil {
			return fmt.Errorf("dns: %w", err)
		}
	}

	if val, exists := data["statistics"]; exists {
		m, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("statistics must be an object")
		}
		st := &cfg.Statistics
		for key, dst := range map[string]any{
			"enabled":        &st.Enabled,
			"backend":        &st.Backend,
			"sqlite-path":    &st.SQLitePath,
			"postgres-dsn":   &st.PostgresDSN,
			"flush-interval": &st.FlushInterval,
		} {
			if err := setAny(m, key, dst); err != nil {
				return fmt.Errorf("statistics: %w", err)
			}
		}
		switch st.Backend {
		case "sqlite", "postgres", "dummy", "":
		default:
			return fmt.Errorf("statistics: unsupported backend %q", st.Backend)
		}
	}

	if val, exists := data["rules"]; exists {
		rules, err := parseRules(val)
		if err != nil {
			return err
		}
		cfg.Rules = rules
	}

	return nil
}

// setValue stores data[key] into dst if present.
func setValue[T any](data map[string]any, key string, dst *T) error {
	val, exists := data[key]
	if !exists {
		return nil
	}
	ptr, err := parseValue[T](val)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = *ptr
	return nil
}

func setAny(data map[string]any, key string, dst any) error {
	switch d := dst.(type) {
	case *string:
		return setValue(data, key, d)
	case *int:
		return setValue(data, key, d)
	case *bool:
		return setValue(data, key, d)
	}
	return fmt.Errorf("%s: unsupported target %T", key, dst)
}

func parseStringList(val any) ([]string, error) {
	switch v := val.(type) {
	case string:
		return splitList(v), nil
	case []any:
		out := make([]string, 0, len(v))
		for i, item := range v {
			s, err := parseValue[string](item)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			out = append(out, *s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected string or list, got %T", val)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	// Secret-case: retrieve env var
	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		// JSON number
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got JSON number", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() == reflect.Bool {
			elem.SetBool(v)
		} else {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
	default:
		// direct-case: cast
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}

func envBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}

func loadConfigFromEnv(cfg *Config) {
	if addr := os.Getenv("TUNER_LISTENADDRESS"); addr != "" {
		cfg.ListenAddress = addr
	}
	if timeoutStr := os.Getenv("TUNER_TIMEOUTSECONDS"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.TimeoutSeconds = timeout
		} else {
			logger.Warn("Invalid format for TUNER_TIMEOUTSECONDS: %s", timeoutStr)
		}
	}
	if level := os.Getenv("TUNER_LOGLEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if certFile := os.Getenv("TUNER_CACERTFILE"); certFile != "" {
		cfg.CA.CertFile = certFile
	}
	if keyFile := os.Getenv("TUNER_CAKEYFILE"); keyFile != "" {
		cfg.CA.KeyFile = keyFile
	}
	if password := os.Getenv("TUNER_CAKEYPASSWORD"); password != "" {
		cfg.CA.KeyPassword = password
	}
	if hops := os.Getenv("TUNER_UPSTREAM"); hops != "" {
		cfg.Upstream = splitList(hops)
	}
	if rulesFile := os.Getenv("TUNER_RULESFILE"); rulesFile != "" {
		cfg.RulesFile = rulesFile
	}
	if watch := os.Getenv("TUNER_WATCHRULES"); watch != "" {
		cfg.WatchRules = envBool(watch)
	}
	if enabled := os.Getenv("TUNER_STATISTICS"); enabled != "" {
		cfg.Statistics.Enabled = envBool(enabled)
	}
	if backend := os.Getenv("TUNER_STATISTICSBACKEND"); backend != "" {
		cfg.Statistics.Backend = backend
	}
	if dsn := os.Getenv("TUNER_STATISTICSPOSTGRESDSN"); dsn != "" {
		cfg.Statistics.PostgresDSN = dsn
	}
	if path := os.Getenv("TUNER_STATISTICSSQLITEPATH"); path != "" {
		cfg.Statistics.SQLitePath = path
	}
}
