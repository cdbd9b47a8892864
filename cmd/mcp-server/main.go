package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/dosing-safety-mcp-server/internal/app"
	"github.com/dosing-safety-mcp-server/internal/config"
	"github.com/dosing-safety-mcp-server/internal/mcp"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	var (
		configManager *config.Manager
		err           error
	)
	if *configPath != "" {
		configManager, err = config.NewManagerFromFile(*configPath)
	} else {
		configManager, err = config.NewManager()
	}
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}
	cfg := configManager.GetConfig()

	// stdout carries the protocol on stdio, so logs go to stderr unless a file is configured.
	if cfg.MCP.TransportType == "stdio" && (cfg.Logging.Output == "" || cfg.Logging.Output == "stdout") {
		cfg.Logging.Output = "stderr"
	}
	logger, err := app.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := app.Build(ctx, cfg, configManager.GetDatabaseConnectionString(), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize dosing engine")
	}
	defer rt.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down MCP server...")
		cancel()
	}()

	rt.StartWatcher(ctx)

	opts := []mcp.Option{
		mcp.WithLogger(logger),
		mcp.WithImplementation(cfg.MCP.ServerName, cfg.MCP.ServerVersion),
	}
	if rt.Cache != nil {
		opts = append(opts, mcp.WithCache(rt.Cache))
	}
	if rt.History != nil {
		opts = append(opts, mcp.WithHistory(rt.History))
	}
	server := mcp.NewServer(rt.Engine, opts...)

	if err := run(ctx, server, cfg.MCP.TransportType, cfg.MCP.HTTPHost, cfg.MCP.HTTPPort, logger); err != nil {
		logger.WithError(err).Error("MCP server failed")
		rt.Close()
		os.Exit(1)
	}
	logger.Info("MCP server stopped")
}

func run(ctx context.Context, server *mcp.Server, transport, host string, port int, logger *logrus.Logger) error {
	if transport != "http" {
		return server.Run(ctx, &mcpsdk.StdioTransport{})
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           server.HTTPHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", srv.Addr).Info("Serving MCP over HTTP")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("MCP HTTP server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
