package setup

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dosing-safety-mcp-server/internal/config"
)

func fakeBinary(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), BinaryName)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
	return path
}

func TestLoadClientConfig_Missing(t *testing.T) {
	cfg, err := LoadClientConfig(filepath.Join(t.TempDir(), "none.json"))
	require.NoError(t, err)
	assert.Empty(t, cfg.MCPServers)
}

func TestRegister_PreservesOtherEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client", "config.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(`{
  "theme": "dark",
  "mcpServers": {"other": {"command": "/bin/other"}}
}`), 0o644))

	bin := fakeBinary(t)
	entry, err := Register(Options{
		ConfigPath:  path,
		BinaryPath:  bin,
		DataDir:     "/data/dosing",
		CatalogPath: "/etc/dosing/catalog.yaml",
		HistoryOff:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, bin, entry.Command)
	assert.Equal(t, config.HistoryDisabled, entry.Env["DOSING_HISTORY_DB"])

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.JSONEq(t, `"dark"`, string(doc["theme"]))

	cfg, err := LoadClientConfig(path)
	require.NoError(t, err)
	assert.Contains(t, cfg.MCPServers, "other")
	assert.Equal(t, "/data/dosing", cfg.MCPServers[ServerName].Env["DOSING_DATA_DIR"])
	assert.Equal(t, "/etc/dosing/catalog.yaml", cfg.MCPServers[ServerName].Env["DOSING_CATALOG_PATH"])
}

func TestLoadClientConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := LoadClientConfig(path)
	assert.Error(t, err)
}

func TestGetStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	status, err := GetStatus(path)
	require.NoError(t, err)
	assert.False(t, status.Registered)
	assert.Contains(t, status.Issues, "server is not registered")

	dataDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "history.db"), nil, 0o644))
	_, err = Register(Options{ConfigPath: path, BinaryPath: fakeBinary(t), DataDir: dataDir})
	require.NoError(t, err)

	status, err = GetStatus(path)
	require.NoError(t, err)
	assert.True(t, status.Registered)
	assert.Empty(t, status.Issues)
	assert.Equal(t, dataDir, status.DataDir)
	assert.Equal(t, filepath.Join(dataDir, "history.db"), status.HistoryDB)
	assert.True(t, status.HistoryFound)
}

func TestGetStatus_MissingBinary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	_, err := Register(Options{ConfigPath: path, BinaryPath: "/nonexistent/mcp-server-lite"})
	require.NoError(t, err)

	status, err := GetStatus(path)
	require.NoError(t, err)
	require.Len(t, status.Issues, 1)
	assert.Contains(t, status.Issues[0], "not found")
}
