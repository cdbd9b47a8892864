// Package config provides configuration management for the dosing engine servers.
// This file contains the environment-only configuration used by the MCP lite server.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// LiteConfig configures standalone operation: no external services, embedded catalog
// unless a path is given, SQLite history under DataDir.
type LiteConfig struct {
	DataDir string

	// HistoryPath overrides the default history database location under DataDir.
	// "off" disables history recording.
	HistoryPath string

	// CatalogPath selects a catalog file; empty uses the embedded catalog.
	CatalogPath  string
	WatchCatalog bool

	CacheMaxItems int
	CacheTTL      time.Duration

	Transport string
	HTTPPort  int

	LogLevel  string
	LogFormat string
}

// HistoryDisabled is the HistoryPath value that turns history recording off.
const HistoryDisabled = "off"

// DefaultLiteConfig returns a configuration with sensible defaults.
func DefaultLiteConfig() *LiteConfig {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".dosing-engine")

	return &LiteConfig{
		DataDir:       dataDir,
		CacheMaxItems: 1000,
		CacheTTL:      time.Hour,
		Transport:     "stdio",
		HTTPPort:      8081,
		LogLevel:      "info",
		LogFormat:     "json",
	}
}

// LoadLiteConfig loads configuration from DOSING_* environment variables.
// Unset or unparsable values keep their defaults.
func LoadLiteConfig() *LiteConfig {
	cfg := DefaultLiteConfig()

	if v := os.Getenv("DOSING_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	cfg.HistoryPath = os.Getenv("DOSING_HISTORY_DB")
	cfg.CatalogPath = os.Getenv("DOSING_CATALOG_PATH")
	if v := os.Getenv("DOSING_CATALOG_WATCH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.WatchCatalog = b
		}
	}

	if v := os.Getenv("DOSING_CACHE_MAX_ITEMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CacheMaxItems = n
		}
	}
	if v := os.Getenv("DOSING_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.CacheTTL = d
		}
	}

	if v := os.Getenv("DOSING_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := os.Getenv("DOSING_HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HTTPPort = n
		}
	}

	if v := os.Getenv("DOSING_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DOSING_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	return cfg
}

// HistoryEnabled reports whether calculations should be recorded.
func (c *LiteConfig) HistoryEnabled() bool {
	return c.HistoryPath != HistoryDisabled
}

// HistoryDBPath returns the path to the history SQLite database.
func (c *LiteConfig) HistoryDBPath() string {
	if c.HistoryPath != "" && c.HistoryPath != HistoryDisabled {
		return c.HistoryPath
	}
	return filepath.Join(c.DataDir, "history.db")
}

// ExportDir returns the directory for JSON exports.
func (c *LiteConfig) ExportDir() string {
	return filepath.Join(c.DataDir, "exports")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *LiteConfig) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.ExportDir(), 0755)
}
