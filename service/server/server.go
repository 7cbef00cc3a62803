package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/mintscope/service/activity"
	"github.com/brojonat/mintscope/service/config"
	"github.com/brojonat/mintscope/service/db"
	"github.com/brojonat/mintscope/service/metadata"
	"github.com/brojonat/mintscope/service/metrics"
	"github.com/brojonat/mintscope/service/temporal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ActivityQuerier answers token activity queries.
type ActivityQuerier interface {
	QueryToken(ctx context.Context, mint string) activity.Result
}

// MetadataResolver resolves token metadata.
type MetadataResolver interface {
	Resolve(ctx context.Context, mint string) (*metadata.Metadata, error)
}

// Store is the persistence needed by the stored-data endpoints.
type Store interface {
	ListEvents(ctx context.Context, mint string, limit int32) ([]activity.Event, error)
	ListClassificationFailures(ctx context.Context, params db.ListClassificationFailuresParams) ([]*db.ClassificationFailure, error)
	UpsertWatch(ctx context.Context, mint string, interval time.Duration) (*db.Watch, error)
	GetWatch(ctx context.Context, mint string) (*db.Watch, error)
	ListWatches(ctx context.Context) ([]*db.Watch, error)
	DeleteWatch(ctx context.Context, mint string) error
}

// Server represents the HTTP server for the activity service.
type Server struct {
	addr         string
	cfg          *config.Config
	query        ActivityQuerier
	resolver     MetadataResolver
	store        Store
	scheduler    temporal.Scheduler
	ssePublisher *SSEPublisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
	server       *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The store is optional - if nil, stored events, failures and watches are unavailable.
// The scheduler is optional - if nil, watch endpoints are unavailable.
// The ssePublisher is optional - if nil, SSE endpoints won't be available.
// The metrics is optional - if nil, metrics endpoints won't be available.
func New(addr string, cfg *config.Config, query ActivityQuerier, resolver MetadataResolver, store Store, scheduler temporal.Scheduler, ssePublisher *SSEPublisher, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:         addr,
		cfg:          cfg,
		query:        query,
		resolver:     resolver,
		store:        store,
		scheduler:    scheduler,
		ssePublisher: ssePublisher,
		metrics:      m,
		logger:       logger,
	}
}

// Handler builds the routed handler of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, name)(h))
	}

	route("GET /api/v1/tokens/{mint}/activity", "/api/v1/tokens/{mint}/activity", handleGetActivity(s.query, s.logger))
	route("GET /api/v1/tokens/{mint}/metadata", "/api/v1/tokens/{mint}/metadata", handleGetMetadata(s.resolver, s.logger))

	if s.store != nil {
		route("GET /api/v1/tokens/{mint}/events", "/api/v1/tokens/{mint}/events", handleListStoredEvents(s.store, s.logger))
		route("GET /api/v1/classification-failures", "/api/v1/classification-failures", handleListClassificationFailures(s.store, s.logger))
	} else {
		s.logger.Warn("store not configured, stored data endpoints disabled")
	}

	if s.store != nil && s.scheduler != nil {
		route("POST /api/v1/watches/{mint}", "/api/v1/watches/{mint}", handleWatch(s.store, s.scheduler, s.cfg, s.logger))
		route("DELETE /api/v1/watches/{mint}", "/api/v1/watches/{mint}", handleUnwatch(s.store, s.scheduler, s.logger))
		route("GET /api/v1/watches/{mint}", "/api/v1/watches/{mint}", handleGetWatch(s.store, s.logger))
		route("GET /api/v1/watches", "/api/v1/watches", handleListWatches(s.store, s.logger))
	} else {
		s.logger.Warn("store or scheduler not configured, watch endpoints disabled")
	}

	if s.ssePublisher != nil {
		mux.Handle("GET /api/v1/stream/activity/{mint}", handleStreamActivity(s.ssePublisher, s.logger))
		mux.Handle("GET /api/v1/stream/activity", handleStreamActivity(s.ssePublisher, s.logger))
		s.logger.Info("SSE streaming endpoints enabled")
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// Activity queries walk full token histories.
		WriteTimeout: 120 * time.Second,
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

	// Close SSE publisher first (disconnects all clients)
	if s.ssePublisher != nil {
		s.ssePublisher.Close()
	}

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
