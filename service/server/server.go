package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/oakhurst/monzosync/service/config"
	"github.com/oakhurst/monzosync/service/db"
	"github.com/oakhurst/monzosync/service/metrics"
	"github.com/oakhurst/monzosync/service/temporal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SyncTrigger starts an on-demand sync workflow for an account. It is
// satisfied by *temporal.Client; tests substitute a stub.
type SyncTrigger interface {
	TriggerSync(ctx context.Context, input temporal.SyncAccountInput) (string, error)
}

// Server is the HTTP API for the sync service. It manages account
// registrations (and their Temporal schedules), exposes the synced ledger,
// and lets callers trigger an immediate sync.
type Server struct {
	addr      string
	cfg       *config.Config
	store     *db.Store
	scheduler temporal.Scheduler
	trigger   SyncTrigger
	metrics   *metrics.Metrics
	logger    *slog.Logger
	server    *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The scheduler is used to create/delete Temporal schedules for account
// syncing. The trigger is used to start on-demand sync workflows; if nil,
// the on-demand endpoint returns 503. The metrics is optional - if nil, the
// metrics endpoint won't be available.
func New(addr string, cfg *config.Config, store *db.Store, scheduler temporal.Scheduler, trigger SyncTrigger, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:      addr,
		cfg:       cfg,
		store:     store,
		scheduler: scheduler,
		trigger:   trigger,
		metrics:   m,
		logger:    logger,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	// Account routes
	mux.Handle("POST /api/v1/accounts", handleRegisterAccount(s.store, s.scheduler, s.cfg, s.logger))
	mux.Handle("GET /api/v1/accounts", handleListAccounts(s.store, s.logger))
	mux.Handle("GET /api/v1/accounts/{account_id}", handleGetAccount(s.store, s.logger))
	mux.Handle("DELETE /api/v1/accounts/{account_id}", handleUnregisterAccount(s.store, s.scheduler, s.logger))
	mux.Handle("POST /api/v1/accounts/{account_id}/pause", handleSetAccountPaused(s.store, s.scheduler, true, s.logger))
	mux.Handle("POST /api/v1/accounts/{account_id}/resume", handleSetAccountPaused(s.store, s.scheduler, false, s.logger))

	// Sync routes
	mux.Handle("POST /api/v1/accounts/{account_id}/sync", handleTriggerSync(s.store, s.trigger, s.cfg, s.logger))
	mux.Handle("GET /api/v1/accounts/{account_id}/runs", handleListSyncRuns(s.store, s.logger))

	// Ledger routes
	mux.Handle("GET /api/v1/entries", handleListEntries(s.store, s.logger))

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	var handler http.Handler = mux
	if s.metrics != nil {
		handler = metrics.HTTPMetricsMiddleware(s.metrics, "api")(handler)
	}
	handler = corsMiddleware(handler)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
