package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/codefionn/tuner/tuner-srv/ca"
	"github.com/codefionn/tuner/tuner-srv/config"
	"github.com/codefionn/tuner/tuner-srv/logger"
	"github.com/codefionn/tuner/tuner-srv/proxy"
	"github.com/codefionn/tuner/tuner-srv/resolver"
	"github.com/codefionn/tuner/tuner-srv/router"
	"github.com/codefionn/tuner/tuner-srv/ruleset"
	"github.com/codefionn/tuner/tuner-srv/stats"
	"github.com/codefionn/tuner/tuner-srv/upstream"
)

var version string

var debugMode bool

func main() {
	cfg, configPath := parseFlagsAndConfig()
	runProxy(cfg, configPath)
}

// parseFlagsAndConfig handles CLI flags, environment, logging, and config loading.
func parseFlagsAndConfig() (cfg *config.Config, configPath string) {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	versionShortFlag := flag.Bool("v", false, "Print version and exit (shorthand)")
	configPathPtr := flag.String("config", "", "Path to configuration file (supports .json and .hcl formats)")
	envfile := flag.String("envfile", "", "Path to env file to load environment variables")
	flag.BoolVar(&debugMode, "debug", false, "Enable debug logging")
	flag.Parse()

	if *versionFlag || *versionShortFlag {
		if version == "" {
			version = "dev"
		}
		fmt.Println("tuner version:", version)
		os.Exit(0)
	}

	if *envfile != "" {
		if err := loadEnvFile(*envfile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Info("Loaded environment variables from %s", *envfile)
	}

	cfg, err := config.LoadConfig(*configPathPtr)
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}
	applyLogLevel(cfg)

	logger.Info("Starting tuner proxy server")
	logger.Debug("Using configuration file: %q", *configPathPtr)
	logger.Debug("Timeout: %d seconds", cfg.TimeoutSeconds)
	logger.Debug("Default upstream: %v", cfg.Upstream)

	return cfg, *configPathPtr
}

func applyLogLevel(cfg *config.Config) {
	if debugMode {
		logger.SetLevel(logger.DEBUG)
		return
	}
	if cfg.LogLevel != "" {
		logger.SetLevel(logger.GetLevelFromString(cfg.LogLevel))
	}
}

// instance is one running server with everything it owns.
type instance struct {
	cfg      *config.Config
	server   *proxy.Server
	recorder *stats.Recorder
	cancel   context.CancelFunc
	done     chan error

	mu sync.Mutex // serializes rule loads from SIGHUP and the watcher
}

func startInstance(cfg *config.Config) (*instance, error) {
	root, err := ca.LoadOrCreate(cfg.CA.CertFile, cfg.CA.KeyFile, cfg.CA.KeyPassword)
	if err != nil {
		return nil, err
	}
	logger.Info("Root CA %s (SHA-256 %s)", cfg.CA.CertFile, root.Fingerprint())

	hops, err := upstream.ParseList(cfg.Upstream)
	if err != nil {
		return nil, err
	}

	collector, err := stats.NewCollector(&cfg.Statistics)
	if err != nil {
		return nil, err
	}
	recorder := stats.NewRecorder(collector)

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	rt, _ := router.New(nil)
	server := proxy.NewServer(proxy.Options{
		ListenAddress: cfg.ListenAddress,
		Timeout:       timeout,
		Upstream:      hops,
		Router:        rt,
		Connector:     upstream.NewConnector(resolver.New(cfg.DNS), timeout),
		CA:            ca.NewManager(root),
		Observer:      recorder,
	})

	inst := &instance{cfg: cfg, server: server, recorder: recorder, done: make(chan error, 1)}
	if err := inst.loadRules(); err != nil {
		recorder.Close()
		return nil, err
	}

	// Bind before returning so a taken address fails the start, not the
	// serve loop.
	ln, err := server.Listen()
	if err != nil {
		recorder.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	inst.cancel = cancel
	if cfg.WatchRules && cfg.RulesFile != "" {
		err := config.Watch(ctx, cfg.RulesFile, func() {
			logger.Info("Rules file %s changed, reloading", cfg.RulesFile)
			if err := inst.loadRules(); err != nil {
				logger.Error("Failed to reload rules: %v (keeping current rules)", err)
			}
		})
		if err != nil {
			logger.Warn("Cannot watch rules file %s: %v", cfg.RulesFile, err)
		}
	}

	go func() {
		inst.done <- server.StartWithListener(ln)
	}()
	return inst, nil
}

// loadRules compiles the configured rules and swaps them in. The current
// table stays installed on error.
func (i *instance) loadRules() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.loadRulesLocked()
}

func (i *instance) loadRulesLocked() error {
	rules, err := i.cfg.AllRules()
	if err != nil {
		return err
	}
	tree, err := ruleset.Build(rules, i.server)
	if err != nil {
		return err
	}
	if err := i.server.Router().Load(tree); err != nil {
		return err
	}
	logger.Info("Loaded %d rule(s)", len(rules))
	return nil
}

// reload applies cfg without restarting the listener.
func (i *instance) reload(cfg *config.Config) error {
	hops, err := upstream.ParseList(cfg.Upstream)
	if err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	prev := i.cfg
	i.cfg = cfg
	if err := i.loadRulesLocked(); err != nil {
		i.cfg = prev
		return err
	}
	i.server.SetUpstream(hops)
	applyLogLevel(cfg)
	return nil
}

func (i *instance) stop() {
	i.cancel()
	if err := i.server.Stop(); err != nil {
		logger.Error("Error stopping proxy: %v", err)
	}
	if err := i.recorder.Close(); err != nil {
		logger.Error("Error closing statistics: %v", err)
	}
}

func restartNeeded(a, b *config.Config) bool {
	return config.RequiresRestart(a, b) || a.WatchRules != b.WatchRules || a.RulesFile != b.RulesFile
}

// runProxy starts and manages the proxy server, including signal handling and reloads.
func runProxy(cfg *config.Config, configPath string) {
	current, err := startInstance(cfg)
	if err != nil {
		logger.Fatal("Failed to start proxy: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case err := <-current.done:
			if err != nil {
				logger.Fatal("Proxy server error: %v", err)
			}
			return

		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("Received SIGHUP: reloading configuration...")
				newCfg, err := config.LoadConfig(configPath)
				if err != nil {
					logger.Error("Failed to reload config: %v (keeping current config)", err)
					continue
				}
				if !config.HasChanged(current.cfg, newCfg) {
					// the rules file may have changed on its own
					logger.Info("Config unchanged after reload; re-reading rules.")
					if err := current.loadRules(); err != nil {
						logger.Error("Failed to reload rules: %v (keeping current rules)", err)
					}
					continue
				}
				if !restartNeeded(current.cfg, newCfg) {
					if err := current.reload(newCfg); err != nil {
						logger.Error("Failed to apply config: %v (keeping current config)", err)
						continue
					}
					logger.Info("Configuration reloaded in place.")
					continue
				}

				logger.Info("Config changed. Restarting proxy...")
				current.stop()
				<-current.done
				next, err := startInstance(newCfg)
				if err != nil {
					logger.Error("Failed to restart with new config: %v (restoring previous config)", err)
					next, err = startInstance(current.cfg)
					if err != nil {
						logger.Fatal("Failed to restore proxy: %v", err)
					}
				}
				current = next
				logger.Info("Proxy restarted with new configuration.")

			case syscall.SIGINT, syscall.SIGTERM:
				logger.Info("Received signal %v, shutting down proxy server...", sig)
				current.stop()
				logger.Info("Proxy server shutdown complete")
				return
			}
		}
	}
}

// loadEnvFile reads a .env-style file and sets environment variables
func loadEnvFile(path string) error {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing env file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if setErr := os.Setenv(key, val); setErr != nil {
			logger.Error("Error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}
