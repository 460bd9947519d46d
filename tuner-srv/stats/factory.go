package stats

import (
	"time"

	"github.com/codefionn/tuner/tuner-srv/config"
	"github.com/codefionn/tuner/tuner-srv/proxyerr"
)

// DefaultSQLitePath is used when the sqlite backend has no path.
const DefaultSQLitePath = "tuner_stats.db"

// NewCollector creates a statistics collector based on cfg. Disabled
// statistics give a DummyCollector; database backends are buffered.
func NewCollector(cfg *config.StatisticsConfig) (Collector, error) {
	if cfg == nil || !cfg.Enabled {
		return NewDummyCollector(), nil
	}

	var collector Collector
	var err error

	backend := cfg.Backend
	if backend == "" {
		backend = "sqlite"
	}
	switch backend {
	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = DefaultSQLitePath
		}
		collector, err = NewSQLiteCollector(path)
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, proxyerr.Newf(proxyerr.ErrCodeStatsBackendInvalid, "postgres-dsn is required for postgres backend")
		}
		collector, err = NewPostgreSQLCollector(cfg.PostgresDSN)
	case "dummy":
		return NewDummyCollector(), nil
	default:
		return nil, proxyerr.Newf(proxyerr.ErrCodeStatsBackendInvalid, "unsupported stats backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, proxyerr.New(proxyerr.ErrCodeStatsBackendInvalid, "failed to create "+backend+" collector", err)
	}

	return NewBufferedCollectorWithInterval(collector, time.Duration(cfg.FlushInterval)*time.Second), nil
}
