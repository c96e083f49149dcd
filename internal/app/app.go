// Package app wires configuration, database, model providers, and the turn
// orchestrator into a runnable application.
package app

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quillchat/quill/internal/config"
	"github.com/quillchat/quill/internal/log"
	"github.com/quillchat/quill/internal/provider"
	"github.com/quillchat/quill/internal/store"
	"github.com/quillchat/quill/internal/turn"
)

// App is the application container.
type App struct {
	Config       *config.Config
	Logger       log.Logger
	DBPool       *pgxpool.Pool
	Provider     *provider.Adapter
	Store        *store.Store
	Orchestrator *turn.Orchestrator

	otelCleanup func()
	dbCleanup   func()
}

// Close releases all resources. Safe to call on a partially built App.
func (a *App) Close() error {
	if a.Logger != nil {
		a.Logger.Info("shutting down application")
	}

	if a.dbCleanup != nil {
		a.dbCleanup()
	}
	if a.otelCleanup != nil {
		a.otelCleanup()
	}
	return nil
}
