// Package setup registers the lite MCP server with desktop MCP clients.
package setup

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/dosing-safety-mcp-server/internal/config"
)

// ServerName is the key the server is registered under in a client configuration.
const ServerName = "dosing-safety-engine"

// BinaryName is the lite server executable looked up when no path is given.
const BinaryName = "mcp-server-lite"

// ClientConfig is the mcpServers document read by desktop MCP clients.
// Unknown top-level keys are preserved on save.
type ClientConfig struct {
	MCPServers map[string]ServerEntry `json:"mcpServers"`

	extra map[string]json.RawMessage
}

// ServerEntry launches one MCP server.
type ServerEntry struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Options controls Register.
type Options struct {
	ConfigPath  string
	BinaryPath  string
	DataDir     string
	CatalogPath string
	HistoryOff  bool
}

// DefaultClientConfigPath returns the per-OS location of the desktop client configuration.
func DefaultClientConfigPath() (string, error) {
	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(home, "Library", "Application Support", "Claude", "claude_desktop_config.json"), nil
	case "linux":
		dir := os.Getenv("XDG_CONFIG_HOME")
		if dir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			dir = filepath.Join(home, ".config")
		}
		return filepath.Join(dir, "Claude", "claude_desktop_config.json"), nil
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", errors.New("APPDATA environment variable not set")
		}
		return filepath.Join(appData, "Claude", "claude_desktop_config.json"), nil
	default:
		return "", fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}
}

// LoadClientConfig reads path. A missing file yields an empty configuration.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := &ClientConfig{MCPServers: map[string]ServerEntry{}}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read client config: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse client config: %w", err)
	}
	if servers, ok := raw["mcpServers"]; ok {
		if err := json.Unmarshal(servers, &cfg.MCPServers); err != nil {
			return nil, fmt.Errorf("failed to parse mcpServers: %w", err)
		}
		delete(raw, "mcpServers")
	}
	if cfg.MCPServers == nil {
		cfg.MCPServers = map[string]ServerEntry{}
	}
	cfg.extra = raw
	return cfg, nil
}

// Save writes the configuration to path, creating the directory if needed.
func (c *ClientConfig) Save(path string) error {
	out := make(map[string]any, len(c.extra)+1)
	for k, v := range c.extra {
		out[k] = v
	}
	out["mcpServers"] = c.MCPServers

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode client config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Register adds or replaces the server entry and returns what was written.
func Register(opts Options) (*ServerEntry, error) {
	if opts.ConfigPath == "" {
		p, err := DefaultClientConfigPath()
		if err != nil {
			return nil, err
		}
		opts.ConfigPath = p
	}
	if opts.BinaryPath == "" {
		p, err := FindBinary()
		if err != nil {
			return nil, err
		}
		opts.BinaryPath = p
	}

	cfg, err := LoadClientConfig(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	entry := ServerEntry{Command: opts.BinaryPath, Env: map[string]string{}}
	if opts.DataDir != "" {
		entry.Env["DOSING_DATA_DIR"] = opts.DataDir
	}
	if opts.CatalogPath != "" {
		entry.Env["DOSING_CATALOG_PATH"] = opts.CatalogPath
	}
	if opts.HistoryOff {
		entry.Env["DOSING_HISTORY_DB"] = config.HistoryDisabled
	}

	cfg.MCPServers[ServerName] = entry
	if err := cfg.Save(opts.ConfigPath); err != nil {
		return nil, err
	}
	return &entry, nil
}

// FindBinary looks for the lite server on PATH and in the usual build locations.
func FindBinary() (string, error) {
	if p, err := exec.LookPath(BinaryName); err == nil {
		return p, nil
	}

	home, _ := os.UserHomeDir()
	for _, loc := range []string{
		filepath.Join(".", BinaryName),
		filepath.Join("build", BinaryName),
		filepath.Join(home, ".local", "bin", BinaryName),
		filepath.Join("/usr/local/bin", BinaryName),
	} {
		if _, err := os.Stat(loc); err == nil {
			if abs, err := filepath.Abs(loc); err == nil {
				return abs, nil
			}
			return loc, nil
		}
	}
	return "", fmt.Errorf("binary %q not found", BinaryName)
}

// Status describes how the server is registered and where it keeps its data.
type Status struct {
	ConfigPath   string   `json:"config_path"`
	Registered   bool     `json:"registered"`
	BinaryPath   string   `json:"binary_path,omitempty"`
	DataDir      string   `json:"data_dir"`
	HistoryDB    string   `json:"history_db,omitempty"`
	HistoryFound bool     `json:"history_found"`
	Issues       []string `json:"issues,omitempty"`
}

// GetStatus inspects the client configuration at configPath.
func GetStatus(configPath string) (*Status, error) {
	status := &Status{ConfigPath: configPath, DataDir: config.DefaultLiteConfig().DataDir}

	cfg, err := LoadClientConfig(configPath)
	if err != nil {
		return nil, err
	}

	entry, ok := cfg.MCPServers[ServerName]
	if ok {
		status.Registered = true
		status.BinaryPath = entry.Command
		if dir := entry.Env["DOSING_DATA_DIR"]; dir != "" {
			status.DataDir = dir
		}
		if info, err := os.Stat(entry.Command); err != nil {
			status.Issues = append(status.Issues, fmt.Sprintf("server binary not found: %s", entry.Command))
		} else if info.Mode()&0o111 == 0 {
			status.Issues = append(status.Issues, fmt.Sprintf("server binary is not executable: %s", entry.Command))
		}
	} else {
		status.Issues = append(status.Issues, "server is not registered")
	}

	if entry.Env["DOSING_HISTORY_DB"] != config.HistoryDisabled {
		lite := config.LiteConfig{DataDir: status.DataDir, HistoryPath: entry.Env["DOSING_HISTORY_DB"]}
		status.HistoryDB = lite.HistoryDBPath()
		_, err := os.Stat(status.HistoryDB)
		status.HistoryFound = err == nil
	}
	return status, nil
}
