// Package app assembles the engine and its supporting services from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/dosing-safety-mcp-server/internal/api"
	"github.com/dosing-safety-mcp-server/internal/cache"
	"github.com/dosing-safety-mcp-server/internal/catalog"
	"github.com/dosing-safety-mcp-server/internal/database"
	"github.com/dosing-safety-mcp-server/internal/domain"
	"github.com/dosing-safety-mcp-server/internal/history"
	"github.com/dosing-safety-mcp-server/internal/metrics"
	"github.com/dosing-safety-mcp-server/internal/service"
)

// Runtime holds everything a server needs. Fields that are disabled by configuration are nil.
type Runtime struct {
	Store   *catalog.Store
	Watcher *catalog.Watcher
	Engine  *service.DosingEngine
	Cache   *cache.ResultCache
	History history.Store
	DB      *database.DB
	Metrics *metrics.Metrics
	Logger  *logrus.Logger
}

// NewLogger configures logrus from the logging section.
func NewLogger(cfg domain.LoggingConfig) (*logrus.Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	logger.SetLevel(level)

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	out, err := logOutput(cfg.Output)
	if err != nil {
		return nil, err
	}
	logger.SetOutput(out)
	return logger, nil
}

func logOutput(output string) (io.Writer, error) {
	switch strings.ToLower(output) {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		return f, nil
	}
}

// Build wires the runtime described by cfg. On error everything opened so far is closed.
func Build(ctx context.Context, cfg *domain.Config, databaseURL string, logger *logrus.Logger) (_ *Runtime, err error) {
	rt := &Runtime{Metrics: metrics.New(), Logger: logger}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	rt.Store, err = catalog.OpenStore(cfg.Catalog.Path, logger, catalog.RequireRiskPredicates(service.RiskPredicates()))
	if err != nil {
		return nil, fmt.Errorf("failed to load rule catalog: %w", err)
	}
	rt.Metrics.SetCatalogVersion(rt.Store.Current().Version())
	rt.Engine = service.NewDosingEngine(rt.Store, logger, service.WithTitrationPhaseClamp(cfg.Catalog.ClampTitrationSteps))

	if cfg.Cache.Enabled {
		rt.Cache, err = cache.New(cache.Config{
			MemorySize: cfg.Cache.MemorySize,
			MemoryTTL:  cfg.Cache.MemoryTTL,
			RedisURL:   cfg.Cache.RedisURL,
			RedisTTL:   cfg.Cache.DefaultTTL,
			KeyPrefix:  cfg.Cache.KeyPrefix,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create result cache: %w", err)
		}
		rt.Cache.SetObserver(rt.Metrics.ObserveCache)
	}

	if cfg.Catalog.Watch && cfg.Catalog.Path != "" {
		rt.Watcher, err = catalog.NewWatcher(rt.Store, catalog.DefaultDebounce, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to watch rule catalog: %w", err)
		}
		rt.Watcher.OnReload = rt.onCatalogReload
	}

	inner, err := rt.openHistory(ctx, cfg, databaseURL)
	if err != nil {
		return nil, err
	}
	if inner != nil {
		rt.History = history.NewResilientStore(inner, breakerConfig(cfg.History, rt.Metrics), logger)
	}

	logger.WithFields(logrus.Fields{
		"catalog_version": rt.Store.Current().Version(),
		"catalog_source":  rt.Store.Current().Source(),
		"cache":           rt.Cache != nil,
		"history":         cfg.History.Driver,
	}).Info("Runtime assembled")
	return rt, nil
}

func (rt *Runtime) onCatalogReload(swapped bool, err error) {
	rt.Metrics.ObserveReload(swapped, err)
	if err != nil {
		rt.Logger.WithError(err).Error("Rejected rule catalog change; previous catalog stays in force")
		return
	}
	if swapped {
		rt.Metrics.SetCatalogVersion(rt.Store.Current().Version())
		if rt.Cache != nil {
			rt.Cache.Purge()
		}
	}
}

func (rt *Runtime) openHistory(ctx context.Context, cfg *domain.Config, databaseURL string) (history.Store, error) {
	switch cfg.History.Driver {
	case "none", "":
		return nil, nil

	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.History.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
		store, err := history.NewSQLiteStore(cfg.History.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite history: %w", err)
		}
		return store, nil

	case "postgres":
		runner, err := database.NewMigrationRunner(databaseURL, cfg.Database.MigrationsPath, rt.Logger)
		if err != nil {
			return nil, err
		}
		migrateErr := runner.Up()
		if closeErr := runner.Close(); closeErr != nil {
			rt.Logger.WithError(closeErr).Warn("Failed to close migration runner")
		}
		if migrateErr != nil {
			return nil, migrateErr
		}

		rt.DB, err = database.NewConnection(ctx, database.ConfigFrom(cfg.Database, databaseURL), rt.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to history database: %w", err)
		}
		store, err := history.NewPostgresStore(rt.DB.SQL())
		if err != nil {
			return nil, fmt.Errorf("failed to open PostgreSQL history: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown history driver: %s", cfg.History.Driver)
	}
}

func breakerConfig(cfg domain.HistoryConfig, m *metrics.Metrics) history.BreakerConfig {
	bc := history.DefaultBreakerConfig()
	if cfg.MaxFailures > 0 {
		bc.MinRequests = cfg.MaxFailures
	}
	if cfg.OpenTimeout > 0 {
		bc.Timeout = cfg.OpenTimeout
	}
	bc.OnStateChange = func(name string, to gobreaker.State) {
		m.SetBreakerState(name, int(to))
	}
	return bc
}

// ReadinessChecks returns the dependency probes for /ready.
func (rt *Runtime) ReadinessChecks() map[string]api.ReadinessCheck {
	checks := map[string]api.ReadinessCheck{}
	if rt.DB != nil {
		checks["database"] = rt.DB.Health
	}
	if rt.Cache != nil {
		checks["cache"] = rt.Cache.Ping
	}
	return checks
}

// Dependencies adapts the runtime for the HTTP API.
func (rt *Runtime) Dependencies() api.Dependencies {
	return api.Dependencies{
		Engine:          rt.Engine,
		Cache:           rt.Cache,
		History:         rt.History,
		Metrics:         rt.Metrics,
		ReadinessChecks: rt.ReadinessChecks(),
		Logger:          rt.Logger,
	}
}

// StartWatcher runs the catalog watcher in the background until ctx is cancelled.
func (rt *Runtime) StartWatcher(ctx context.Context) {
	if rt.Watcher == nil {
		return
	}
	go func() {
		if err := rt.Watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			rt.Logger.WithError(err).Warn("Catalog watcher stopped")
		}
	}()
}

// Close releases every resource. It is safe to call on a partially built runtime.
func (rt *Runtime) Close() error {
	var errs []error
	if rt.Watcher != nil {
		errs = append(errs, rt.Watcher.Close())
	}
	if rt.History != nil {
		errs = append(errs, rt.History.Close())
	}
	if rt.DB != nil {
		rt.DB.Close()
	}
	if rt.Cache != nil {
		errs = append(errs, rt.Cache.Close())
	}
	return errors.Join(errs...)
}
