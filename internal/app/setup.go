package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/firebase/genkit/go/core/tracing"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/quillchat/quill/db"
	"github.com/quillchat/quill/internal/config"
	"github.com/quillchat/quill/internal/log"
	"github.com/quillchat/quill/internal/provider"
	"github.com/quillchat/quill/internal/store"
	"github.com/quillchat/quill/internal/turn"
	"github.com/quillchat/quill/internal/weather"
)

// Setup creates and initializes the application.
// Returns an App with embedded cleanup; call Close() to release.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *App, retErr error) {
	a := &App{Config: cfg, Logger: logger}

	// On error, clean up everything already initialized.
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	a.otelCleanup = provideOtelShutdown(ctx, cfg, logger)

	pool, dbCleanup, err := provideDBPool(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.dbCleanup = dbCleanup
	a.DBPool = pool
	a.Store = store.New(pool, logger)

	adapter, err := provider.Init(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Provider = adapter

	orch, err := turn.New(turn.Config{
		Genkit:   adapter.Genkit(),
		Models:   adapter,
		Gateway:  a.Store,
		Weather:  weather.New(logger),
		Logger:   logger,
		MaxTurns: cfg.MaxTurns,
	})
	if err != nil {
		return nil, fmt.Errorf("creating turn orchestrator: %w", err)
	}
	a.Orchestrator = orch

	return a, nil
}

// provideOtelShutdown sets up OTLP tracing before Genkit initialization so
// the TracerProvider is ready when the first generation runs.
//
// Traces export to a local collector over OTLP HTTP; the collector handles
// authentication, buffering, and forwarding.
func provideOtelShutdown(ctx context.Context, cfg *config.Config, logger log.Logger) func() {
	tc := cfg.Tracing
	if !tc.Enabled {
		return func() {}
	}

	agentHost := tc.AgentHost
	if agentHost == "" {
		agentHost = "localhost:4318"
	}

	// os.Setenv is not concurrent-safe, but this runs exactly once during
	// startup before goroutines are spawned.
	if tc.ServiceName != "" {
		_ = os.Setenv("OTEL_SERVICE_NAME", tc.ServiceName)
	}
	if tc.Environment != "" {
		_ = os.Setenv("OTEL_RESOURCE_ATTRIBUTES", "deployment.environment="+tc.Environment)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(agentHost),
		otlptracehttp.WithInsecure(), // local collector, no TLS
	)
	if err != nil {
		logger.Warn("creating trace exporter, tracing disabled", "error", err)
		return func() {}
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter)
	tracing.TracerProvider().RegisterSpanProcessor(processor)

	logger.Debug("tracing enabled",
		"agent", agentHost,
		"service", tc.ServiceName,
		"environment", tc.Environment,
	)

	shutdown := tracing.TracerProvider().Shutdown

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("shutting down tracer provider", "error", err)
		}
	}
}

// provideDBPool runs migrations and creates the PostgreSQL connection pool.
func provideDBPool(ctx context.Context, cfg *config.Config, logger log.Logger) (*pgxpool.Pool, func(), error) {
	if err := db.Migrate(cfg.PostgresURL(), logger); err != nil {
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, pool.Close, nil
}
