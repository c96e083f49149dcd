// Package api exposes the chat backend over HTTP.
//
// Endpoints:
//
//	POST   /api/v1/session                      issue a signed user identity
//	GET    /api/v1/models                       model catalog
//	PUT    /api/v1/models/roster                select models per slot
//	POST   /api/v1/chat/stream                  run one assistant turn (SSE)
//	GET    /api/v1/chats                        list the caller's chats
//	GET    /api/v1/chats/{id}/messages          chat history
//	DELETE /api/v1/chats/{id}                   delete a chat
//	PATCH  /api/v1/chats/{id}/visibility        toggle private/public
//	GET    /api/v1/chats/{id}/votes             votes in a chat
//	PATCH  /api/v1/chats/{id}/votes             vote on a message
//	DELETE /api/v1/messages/{id}/trailing       delete a message and everything after it
//	GET    /api/v1/documents/{id}               latest document version
//	GET    /api/v1/documents/{id}/versions      full version history
//	DELETE /api/v1/documents/{id}/versions      roll back versions after a timestamp
//	GET    /api/v1/suggestions?documentId=...   suggestions for a document
//	GET    /health                              liveness probe
//	GET    /ready                               readiness probe
//
// File structure:
//   - server.go: HTTP server setup and lifecycle
//   - middleware.go: recovery, request id, logging, CORS
//   - ratelimit.go: per-IP rate limiting
//   - session.go: signed identity cookie, roster cookie, ownership checks
//   - chat.go: chat, message, and vote endpoints plus the turn stream
//   - documents.go: document and suggestion endpoints
//   - models.go: model catalog and roster endpoints
//   - health.go: liveness and readiness probes
//   - sse.go: SSE writer bridging the turn event channel
//   - response.go: JSON response helpers
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/quillchat/quill/internal/config"
	"github.com/quillchat/quill/internal/log"
	"github.com/quillchat/quill/internal/store"
	"github.com/quillchat/quill/internal/turn"
)

const (
	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout bounds header reads to block Slowloris clients.
	ReadHeaderTimeout = 10 * time.Second

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout = 30 * time.Second

	// WriteTimeout is long because turn streams stay open while the model
	// generates and runs tools.
	WriteTimeout = 5 * time.Minute

	// IdleTimeout is the keep-alive idle limit.
	IdleTimeout = 120 * time.Second

	// Rate limit: tokens per second and burst, per client IP.
	rateLimitPerSecond = 5
	rateLimitBurst     = 20
)

// Server is the HTTP server for the chat backend.
type Server struct {
	mux     *http.ServeMux
	cfg     *config.Config
	logger  log.Logger
	limiter *rateLimiter
	ident   *identity

	health    *HealthHandler
	models    *ModelsHandler
	chat      *ChatHandler
	documents *DocumentsHandler
}

// NewServer creates the HTTP server with all routes registered.
func NewServer(cfg *config.Config, st *store.Store, orch *turn.Orchestrator, logger log.Logger) *Server {
	mux := http.NewServeMux()
	ident := newIdentity([]byte(cfg.HMACSecret), logger)

	s := &Server{
		mux:       mux,
		cfg:       cfg,
		logger:    logger,
		limiter:   newRateLimiter(rateLimitPerSecond, rateLimitBurst),
		ident:     ident,
		health:    NewHealthHandler(st),
		models:    NewModelsHandler(ident, logger),
		chat:      NewChatHandler(st, orch, ident, cfg.MaxHistoryMessages, logger),
		documents: NewDocumentsHandler(st, ident, logger),
	}

	s.health.RegisterRoutes(mux)
	s.models.RegisterRoutes(mux)
	s.chat.RegisterRoutes(mux)
	s.documents.RegisterRoutes(mux)
	mux.HandleFunc("POST /api/v1/session", ident.createSession)

	return s
}

// Handler returns the mux with middleware applied.
// Order: recovery → request id → logging → CORS → rate limit → handler.
func (s *Server) Handler() http.Handler {
	return chain(s.mux,
		recoveryMiddleware(s.logger),
		requestIDMiddleware,
		loggingMiddleware(s.logger),
		corsMiddleware(s.cfg.CORSOrigins),
		rateLimitMiddleware(s.limiter, s.cfg.TrustProxy, s.logger),
	)
}

// Run starts the HTTP server and blocks until the context is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// chain applies middleware in order: first middleware wraps outermost.
func chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
