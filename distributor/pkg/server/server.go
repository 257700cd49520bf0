// Package server exposes the distribution engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/mr-tron/base58"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/saharasol/relief/distributor/pkg/ledger"
	"github.com/saharasol/relief/distributor/pkg/scheduler"
)

// Engine runs and previews distributions. *scheduler.Scheduler implements it.
type Engine interface {
	Run(ctx context.Context, req scheduler.Request) (*scheduler.Outcome, error)
	Preview(ctx context.Context, req scheduler.Request) (*scheduler.Preview, error)
}

type Config struct {
	Logger *slog.Logger
	Engine Engine

	ListenAddr     string
	AllowedOrigins []string
	Version        string

	// Ready is polled by /readyz; nil means always ready.
	Ready func(ctx context.Context) error

	// RequestTimeout bounds a single distribution run. Submission and
	// confirmation of several bundles takes a while, so the default is
	// generous.
	RequestTimeout time.Duration

	RateLimit      rate.Limit
	RateLimitBurst int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Engine == nil {
		return errors.New("engine is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Minute
	}
	if cfg.RateLimit == 0 {
		// 30 requests per minute per IP with a burst of 10.
		cfg.RateLimit = rate.Every(time.Minute / 30)
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 10
	}
	return nil
}

type Server struct {
	log    *slog.Logger
	cfg    Config
	router *chi.Mux
	srv    *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		log:    cfg.Logger,
		cfg:    cfg,
		router: chi.NewRouter(),
	}
	s.setupRoutes()
	s.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 30*time.Second,
	}
	return s, nil
}

// Handler returns the configured router. Tests drive it directly.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Get("/version", s.handleVersion)
	s.router.Method("GET", "/metrics", promhttp.Handler())

	limiter := NewRateLimiter(s.cfg.RateLimit, s.cfg.RateLimitBurst)
	s.router.Route("/api", func(r chi.Router) {
		r.Use(RateLimitMiddleware(limiter))
		r.Post("/distributions", s.handleDistribute)
		r.Post("/distributions/preview", s.handlePreview)
	})
}

// distributionRequest is the wire form of a distribution intent. Recipient
// authorities arrive base58-encoded.
type distributionRequest struct {
	DisasterID string   `json:"disasterId"`
	PoolID     string   `json:"poolId"`
	Recipients []string `json:"recipients"`
}

func (r *distributionRequest) toScheduler() (scheduler.Request, error) {
	req := scheduler.Request{
		DisasterID: r.DisasterID,
		PoolID:     r.PoolID,
	}
	for i, encoded := range r.Recipients {
		raw, err := base58.Decode(encoded)
		if err != nil {
			return req, fmt.Errorf("recipient %d: invalid base58: %w", i, err)
		}
		if len(raw) != solana.PublicKeyLength {
			return req, fmt.Errorf("recipient %d: expected %d bytes, got %d", i, solana.PublicKeyLength, len(raw))
		}
		req.Recipients = append(req.Recipients, solana.PublicKeyFromBytes(raw))
	}
	return req, nil
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	outcome, err := s.cfg.Engine.Run(ctx, req)
	if err != nil && !errors.Is(err, scheduler.ErrNothingToDistribute) {
		s.writeRunError(w, err)
		return
	}

	succeeded, skipped, failed, cancelled := outcome.Counts()
	s.log.Info("distribution request finished",
		"run_id", outcome.RunID,
		"disaster_id", req.DisasterID,
		"pool_id", req.PoolID,
		"succeeded", succeeded,
		"skipped", skipped,
		"failed", failed,
		"cancelled", cancelled)

	status := "completed"
	if errors.Is(err, scheduler.ErrNothingToDistribute) {
		status = "nothing_to_distribute"
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"outcome": outcome,
	})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	preview, err := s.cfg.Engine.Preview(ctx, req)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, preview)
}

func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (scheduler.Request, bool) {
	var body distributionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return scheduler.Request{}, false
	}
	req, err := body.toScheduler()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return scheduler.Request{}, false
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return scheduler.Request{}, false
	}
	return req, true
}

func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrPoolNotActive), errors.Is(err, scheduler.ErrPoolClosed):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, "distribution run timed out")
	default:
		s.log.Error("distribution request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil {
		if err := s.cfg.Ready(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	version := s.cfg.Version
	if version == "" {
		version = "dev"
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"version": version})
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("starting HTTP server", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	return s.srv.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
