package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLiteConfig(t *testing.T) {
	cfg := DefaultLiteConfig()

	assert.NotEmpty(t, cfg.DataDir)
	assert.Equal(t, 1000, cfg.CacheMaxItems)
	assert.Equal(t, time.Hour, cfg.CacheTTL)
	assert.Equal(t, "stdio", cfg.Transport)
	assert.Equal(t, 8081, cfg.HTTPPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Empty(t, cfg.CatalogPath)
	assert.True(t, cfg.HistoryEnabled())
}

func TestLoadLiteConfig_Defaults(t *testing.T) {
	clearLiteEnv(t)

	cfg := LoadLiteConfig()

	assert.NotEmpty(t, cfg.DataDir)
	assert.Equal(t, 1000, cfg.CacheMaxItems)
	assert.Equal(t, "stdio", cfg.Transport)
	assert.False(t, cfg.WatchCatalog)
}

func TestLoadLiteConfig_EnvironmentOverrides(t *testing.T) {
	clearLiteEnv(t)

	t.Setenv("DOSING_DATA_DIR", "/tmp/test-dosing")
	t.Setenv("DOSING_CATALOG_PATH", "/etc/dosing/catalog.yaml")
	t.Setenv("DOSING_CATALOG_WATCH", "true")
	t.Setenv("DOSING_CACHE_MAX_ITEMS", "500")
	t.Setenv("DOSING_CACHE_TTL", "12h")
	t.Setenv("DOSING_TRANSPORT", "http")
	t.Setenv("DOSING_HTTP_PORT", "9090")
	t.Setenv("DOSING_LOG_LEVEL", "debug")

	cfg := LoadLiteConfig()

	assert.Equal(t, "/tmp/test-dosing", cfg.DataDir)
	assert.Equal(t, "/etc/dosing/catalog.yaml", cfg.CatalogPath)
	assert.True(t, cfg.WatchCatalog)
	assert.Equal(t, 500, cfg.CacheMaxItems)
	assert.Equal(t, 12*time.Hour, cfg.CacheTTL)
	assert.Equal(t, "http", cfg.Transport)
	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadLiteConfig_IgnoresBadValues(t *testing.T) {
	clearLiteEnv(t)

	t.Setenv("DOSING_CACHE_MAX_ITEMS", "-4")
	t.Setenv("DOSING_CACHE_TTL", "soon")
	t.Setenv("DOSING_HTTP_PORT", "http")
	t.Setenv("DOSING_CATALOG_WATCH", "maybe")

	cfg := LoadLiteConfig()

	assert.Equal(t, 1000, cfg.CacheMaxItems)
	assert.Equal(t, time.Hour, cfg.CacheTTL)
	assert.Equal(t, 8081, cfg.HTTPPort)
	assert.False(t, cfg.WatchCatalog)
}

func TestLiteConfig_HistoryDBPath(t *testing.T) {
	tests := []struct {
		name        string
		historyPath string
		want        string
		enabled     bool
	}{
		{"default under data dir", "", "/home/user/.dosing-engine/history.db", true},
		{"explicit path", "/var/lib/dosing/h.db", "/var/lib/dosing/h.db", true},
		{"disabled", HistoryDisabled, "/home/user/.dosing-engine/history.db", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &LiteConfig{DataDir: "/home/user/.dosing-engine", HistoryPath: tt.historyPath}
			assert.Equal(t, tt.want, cfg.HistoryDBPath())
			assert.Equal(t, tt.enabled, cfg.HistoryEnabled())
		})
	}
}

func TestLiteConfig_ExportDir(t *testing.T) {
	cfg := &LiteConfig{DataDir: "/home/user/.dosing-engine"}

	assert.Equal(t, "/home/user/.dosing-engine/exports", cfg.ExportDir())
}

func TestLiteConfig_EnsureDataDir(t *testing.T) {
	cfg := &LiteConfig{DataDir: filepath.Join(t.TempDir(), "dosing")}

	require.NoError(t, cfg.EnsureDataDir())

	_, err := os.Stat(cfg.DataDir)
	assert.NoError(t, err)

	_, err = os.Stat(cfg.ExportDir())
	assert.NoError(t, err)
}

func clearLiteEnv(t *testing.T) {
	t.Helper()
	for _, v := range []string{
		"DOSING_DATA_DIR",
		"DOSING_HISTORY_DB",
		"DOSING_CATALOG_PATH",
		"DOSING_CATALOG_WATCH",
		"DOSING_CACHE_MAX_ITEMS",
		"DOSING_CACHE_TTL",
		"DOSING_TRANSPORT",
		"DOSING_HTTP_PORT",
		"DOSING_LOG_LEVEL",
		"DOSING_LOG_FORMAT",
	} {
		t.Setenv(v, "")
		os.Unsetenv(v)
	}
}
