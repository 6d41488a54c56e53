// internal/api/server.go
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/bitsage/vm31-relayer/internal/queue"
	"github.com/bitsage/vm31-relayer/internal/store"
	"github.com/bitsage/vm31-relayer/internal/treesync"
	"github.com/bitsage/vm31-relayer/pkg/config"
	"github.com/bitsage/vm31-relayer/pkg/errors"
	"github.com/bitsage/vm31-relayer/pkg/logging"
	"github.com/bitsage/vm31-relayer/pkg/metrics"
)

// Version is reported by /health. /public-key reports the envelope version
// (ecies.Version) instead.
const Version = "0.3.0"

// maxBodyBytes is the request body limit (100 KiB).
const maxBodyBytes = 100 * 1024

// Server is the HTTP ingress: authentication, rate limiting, idempotency,
// validation, and queue admission in front of the batch pipeline.
type Server struct {
	config  *config.Config
	router  *chi.Mux
	queue   *queue.BatchQueue
	store   store.Store
	syncer  *treesync.Syncer
	server  *http.Server
	logger  *logging.Logger
	metrics *metrics.Metrics

	// relayerPrivKey is the X25519 secret for ECIES envelopes; nil when
	// encrypted submissions are not configured.
	relayerPrivKey []byte
}

// NewServer creates the ingress server. syncer may be nil when the tree sync
// service failed to initialize.
func NewServer(cfg *config.Config, q *queue.BatchQueue, st store.Store, syncer *treesync.Syncer, logger *logging.Logger, m *metrics.Metrics) *Server {
	r := chi.NewRouter()

	s := &Server{
		config:  cfg,
		router:  r,
		queue:   q,
		store:   st,
		syncer:  syncer,
		logger:  logger.WithComponent("api"),
		metrics: m,
		server: &http.Server{
			Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
			Handler:      r,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
	}

	if key, ok := cfg.RelayerPrivateKey(); ok {
		s.relayerPrivKey = key
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures the middleware stack.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)

	// Security headers on every response
	s.router.Use(SecurityHeaders)

	// Request body limit
	s.router.Use(BodyLimit(maxBodyBytes))

	// Coarse per-IP throttle in front of the store-based limiters; the
	// fine-grained per-key windows live in the submit handler.
	s.router.Use(httprate.LimitByIP(10*s.config.Server.RateLimitPerMin, 1*time.Minute))

	s.router.Use(RequestLogging(s.logger))
	s.router.Use(MetricsMiddleware(s.metrics))
	s.router.Use(Recoverer(s.logger, s.metrics))

	// CORS: explicit allow-list in production; permissive only in dev
	if len(s.config.Server.AllowedOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.config.Server.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
			MaxAge:         300,
		}))
	} else if !s.config.IsProduction() {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		}))
	}
}

// setupRoutes configures the API routes.
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/public-key", s.handlePublicKey)
	s.router.Post("/submit", s.handleSubmit)
	s.router.Get("/batch/{id}", s.handleGetBatch)
	s.router.Post("/prove", s.handleForceProve)
	s.router.Get("/merkle-path/{commitment}", s.handleGetMerklePath)
}

// Start starts the API server and blocks until it exits.
func (s *Server) Start() error {
	s.logger.Info("API server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}

// renderJSON writes a JSON response.
func (s *Server) renderJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("encoding JSON response", "error", err)
	}
}

// renderError writes the sanitized error body for a domain error. Internal-
// class errors are logged with full context; the client sees only the fixed
// message and code.
func (s *Server) renderError(w http.ResponseWriter, err error) {
	code := errors.Code(err)
	status := errors.HTTPStatus(err)

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "code", code, "error", err)
	}
	s.metrics.RecordError(code)

	s.renderJSON(w, map[string]string{
		"error": errors.PublicMessage(err),
		"code":  code,
	}, status)
}
