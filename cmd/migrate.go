package cmd

import (
	"fmt"

	"github.com/quillchat/quill/db"
	"github.com/quillchat/quill/internal/config"
	"github.com/quillchat/quill/internal/log"
)

// runMigrate applies pending database migrations and exits.
// The serve path also migrates on startup; this command exists for
// deployments that run migrations as a separate step.
func runMigrate(logger log.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := db.Migrate(cfg.PostgresURL(), logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("database migrations complete")
	return nil
}
