package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/quillchat/quill/internal/api"
	"github.com/quillchat/quill/internal/app"
	"github.com/quillchat/quill/internal/config"
	"github.com/quillchat/quill/internal/log"
)

// runServe initializes the application and starts the HTTP API server.
// It blocks until the server exits or the process receives SIGINT/SIGTERM.
func runServe(logger log.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	if err := checkRequiredEnv(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting quill server", "version", AppVersion)

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	srv := api.NewServer(cfg, a.Store, a.Orchestrator, logger)

	logger.Info("HTTP server ready",
		"addr", cfg.ListenAddr,
		"api", "/api/v1/*",
		"health", "/health, /ready",
	)

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("HTTP server: %w", err)
	}
	return nil
}
