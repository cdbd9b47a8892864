package mcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/dosing-safety-mcp-server/internal/cache"
	"github.com/dosing-safety-mcp-server/internal/catalog"
	litecfg "github.com/dosing-safety-mcp-server/internal/config"
	"github.com/dosing-safety-mcp-server/internal/history"
	"github.com/dosing-safety-mcp-server/internal/service"
)

// LiteServer is a standalone MCP server: embedded or file catalog, in-memory cache
// and SQLite history. It needs no external services.
type LiteServer struct {
	config  *litecfg.LiteConfig
	store   *catalog.Store
	watcher *catalog.Watcher
	engine  *service.DosingEngine
	cache   *cache.ResultCache
	history history.Store
	server  *Server
	logger  *logrus.Logger
}

// LiteServerOption is a functional option for LiteServer.
type LiteServerOption func(*LiteServer) error

// WithHistoryStore sets a custom history store instead of the SQLite default.
func WithHistoryStore(store history.Store) LiteServerOption {
	return func(s *LiteServer) error {
		s.history = store
		return nil
	}
}

// WithLiteLogger sets a custom logger.
func WithLiteLogger(logger *logrus.Logger) LiteServerOption {
	return func(s *LiteServer) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		s.logger = logger
		return nil
	}
}

// NewLiteServer loads the catalog and wires the engine, cache and history store.
func NewLiteServer(cfg *litecfg.LiteConfig, opts ...LiteServerOption) (*LiteServer, error) {
	s := &LiteServer{
		config: cfg,
		logger: logrus.New(),
	}

	if cfg.LogFormat == "text" {
		s.logger.SetFormatter(&logrus.TextFormatter{})
	} else {
		s.logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		s.logger.SetLevel(level)
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := catalog.OpenStore(cfg.CatalogPath, s.logger, catalog.RequireRiskPredicates(service.RiskPredicates()))
	if err != nil {
		return nil, fmt.Errorf("failed to load rule catalog: %w", err)
	}
	s.store = store
	s.engine = service.NewDosingEngine(store, s.logger)

	s.cache = cache.NewWithClient(cache.Config{
		MemorySize: cfg.CacheMaxItems,
		MemoryTTL:  cfg.CacheTTL,
	}, nil, s.logger)

	if cfg.WatchCatalog && cfg.CatalogPath != "" {
		w, err := catalog.NewWatcher(store, catalog.DefaultDebounce, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to watch rule catalog: %w", err)
		}
		w.OnReload = func(swapped bool, err error) {
			if swapped {
				s.cache.Purge()
			}
		}
		s.watcher = w
	}

	if s.history == nil && cfg.HistoryEnabled() {
		hs, err := history.NewSQLiteStore(cfg.HistoryDBPath())
		if err != nil {
			s.closeWatcher()
			return nil, fmt.Errorf("failed to open history store: %w", err)
		}
		s.history = hs
	}

	serverOpts := []Option{
		WithCache(s.cache),
		WithLogger(s.logger),
		WithImplementation("dosing-safety-engine-lite", "v1.0.0"),
	}
	if s.history != nil {
		serverOpts = append(serverOpts, WithHistory(s.history), WithExportDir(cfg.ExportDir()))
	}
	s.server = NewServer(s.engine, serverOpts...)

	s.logger.WithFields(logrus.Fields{
		"catalog_version": store.Current().Version(),
		"catalog_source":  store.Current().Source(),
		"history":         s.history != nil,
		"transport":       cfg.Transport,
	}).Info("Lite server initialized")
	return s, nil
}

// Start serves MCP on the configured transport until ctx is cancelled.
func (s *LiteServer) Start(ctx context.Context) error {
	if s.watcher != nil {
		go func() {
			if err := s.watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.WithError(err).Warn("Catalog watcher stopped")
			}
		}()
	}

	switch s.config.Transport {
	case "http":
		return s.serveHTTP(ctx)
	case "stdio", "":
		return s.server.Run(ctx, &mcp.StdioTransport{})
	default:
		return fmt.Errorf("unsupported transport: %s", s.config.Transport)
	}
}

func (s *LiteServer) serveHTTP(ctx context.Context) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(s.config.HTTPPort)),
		Handler:           s.server.HTTPHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", srv.Addr).Info("Serving MCP over HTTP")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("MCP HTTP server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Server returns the tool surface.
func (s *LiteServer) Server() *Server {
	return s.server
}

// Engine returns the dosing engine.
func (s *LiteServer) Engine() *service.DosingEngine {
	return s.engine
}

// History returns the history store, or nil when recording is off.
func (s *LiteServer) History() history.Store {
	return s.history
}

// Close releases the watcher and history store.
func (s *LiteServer) Close() error {
	s.closeWatcher()
	var errs []error
	if s.history != nil {
		if err := s.history.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close history store: %w", err))
		}
	}
	if err := s.cache.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *LiteServer) closeWatcher() {
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			s.logger.WithError(err).Warn("Failed to close catalog watcher")
		}
	}
}
