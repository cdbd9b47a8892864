package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dosing-safety-mcp-server/internal/api"
	"github.com/dosing-safety-mcp-server/internal/app"
	"github.com/dosing-safety-mcp-server/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	// Load configuration
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

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	rt.StartWatcher(ctx)

	server := api.NewServer(configManager, rt.Dependencies())
	logger.WithField("addr", cfg.Server.Host).WithField("port", cfg.Server.Port).Info("Starting dosing engine API")
	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Error("Server failed")
		rt.Close()
		os.Exit(1)
	}

	logger.Info("Server stopped")
}
