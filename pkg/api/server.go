package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/cuemby/instancer/pkg/auth"
	"github.com/cuemby/instancer/pkg/captcha"
	"github.com/cuemby/instancer/pkg/log"
	"github.com/cuemby/instancer/pkg/metrics"
	"github.com/cuemby/instancer/pkg/types"
)

// Instances is the admission surface the handlers drive
type Instances interface {
	Request(ctx context.Context, challenge, teamID string) (*types.Instance, bool, error)
	Get(ctx context.Context, challenge, teamID string) (*types.Instance, error)
	Stop(ctx context.Context, challenge, teamID string) error
}

// Catalog resolves challenge names
type Catalog interface {
	Get(name string) (*types.Challenge, error)
}

// Config controls the HTTP listener
type Config struct {
	Listen          string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	UseProxyHeaders bool
	RateLimit       float64 // Requests per second per client, 0 disables
	RateBurst       int
}

// Server serves the instance API, health probes and metrics
type Server struct {
	cfg       Config
	instances Instances
	catalog   Catalog
	auth      auth.Provider
	captcha   *captcha.Verifier
	limiter   *RateLimiter
	router    chi.Router
	http      *http.Server
	now       func() time.Time
	logger    zerolog.Logger
}

// NewServer creates the API server. verifier may be nil to disable
// captcha checks.
func NewServer(cfg Config, instances Instances, catalog Catalog, provider auth.Provider, verifier *captcha.Verifier) *Server {
	s := &Server{
		cfg:       cfg,
		instances: instances,
		catalog:   catalog,
		auth:      provider,
		captcha:   verifier,
		now:       time.Now,
		logger:    log.WithComponent(metrics.ComponentAPI),
	}
	if cfg.RateLimit > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimit, cfg.RateBurst, cfg.UseProxyHeaders)
	}
	s.router = s.routes()
	return s
}

// SetClock replaces the time source used for remaining_time
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Get("/live", metrics.LivenessHandler())
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}

		r.Get("/challenges/{challenge}", s.getChallenge)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Get("/instances/{challenge}", s.getInstance)
			r.Put("/instances/{challenge}", s.startInstance)
			r.Delete("/instances/{challenge}", s.stopInstance)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	return r
}

// Start listens on the configured address and serves until Shutdown. It
// returns nil after a graceful shutdown.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		metrics.UpdateComponent(metrics.ComponentAPI, false, err.Error())
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener
func (s *Server) Serve(lis net.Listener) error {
	s.http = &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	if s.limiter != nil {
		s.limiter.StartCleanup(10 * time.Minute)
	}

	metrics.UpdateComponent(metrics.ComponentAPI, true, "listening on "+lis.Addr().String())
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("API listening")

	if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		metrics.UpdateComponent(metrics.ComponentAPI, false, err.Error())
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.Stop()
	}
	metrics.UpdateComponent(metrics.ComponentAPI, false, "shutting down")
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
