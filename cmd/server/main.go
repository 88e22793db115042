// Package main provides the API server entry point for the wallet provisioner.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/wallet-provisioner/internal/api"
	"github.com/wallet-provisioner/internal/config"
	"github.com/wallet-provisioner/internal/envstore"
	"github.com/wallet-provisioner/internal/logging"
	"github.com/wallet-provisioner/internal/runner"
	"github.com/wallet-provisioner/internal/storage"
	"github.com/wallet-provisioner/internal/vault"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	ctx := context.Background()

	// Run store: Redis when configured, in-process otherwise
	runs, err := storage.NewRunStore(ctx, &cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer runs.Close()

	deps := api.Dependencies{
		Runner: runner.New(runner.Options{
			KillGrace:      cfg.Runner.KillGrace,
			MaxOutputBytes: cfg.Runner.MaxOutputBytes,
		}),
		Runs: runs,
		Env:  envstore.NewFile(cfg.EnvStore.Path),
	}

	// Address ledger is optional
	if cfg.Database.Postgres.Enabled() {
		postgres, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
		if err != nil {
			logger.WithError(err).Warn("Address ledger disabled: Postgres unavailable")
		} else {
			defer postgres.Close()
			deps.Ledger = storage.NewAddressLedger(postgres)
			logger.Info("Address ledger connected")
		}
	}

	// The server starts without credentials; /test-fireblocks reports what is missing
	if client, err := vault.NewFireblocksClientFromConfig(cfg.Fireblocks); err != nil {
		logger.WithError(err).Warn("Fireblocks client not configured")
	} else {
		deps.Vault = client
	}

	server := api.NewServer(cfg, deps)

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host":           cfg.Server.Host,
		"port":           cfg.Server.Port,
		"extractCommand": cfg.Runner.ExtractCommand,
		"envStore":       cfg.EnvStore.Path,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
