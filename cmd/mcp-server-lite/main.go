// Package main is the standalone MCP server. It needs no external services: the catalog is
// embedded unless DOSING_CATALOG_PATH is set and history is kept in SQLite under the data dir.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dosing-safety-mcp-server/internal/config"
	"github.com/dosing-safety-mcp-server/internal/mcp"
)

func main() {
	cfg := config.LoadLiteConfig()

	server, err := mcp.NewLiteServer(cfg)
	if err != nil {
		// stdout belongs to the protocol on stdio
		fmt.Fprintf(os.Stderr, "Failed to create MCP server: %v\n", err)
		os.Exit(1)
	}
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := server.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server failed: %v\n", err)
		server.Close()
		os.Exit(1)
	}
}
