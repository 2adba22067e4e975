// Package server wires the assetbridge services into a single HTTP listener:
// the storage proxy, the /api/v1 JSON API, legacy file serving, health
// probes and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/assetbridge/internal/api/admin"
	apimiddleware "github.com/piwi3910/assetbridge/internal/api/middleware"
	"github.com/piwi3910/assetbridge/internal/api/proxy"
	"github.com/piwi3910/assetbridge/internal/config"
	"github.com/piwi3910/assetbridge/internal/health"
	"github.com/piwi3910/assetbridge/internal/metrics"
	"github.com/piwi3910/assetbridge/internal/shutdown"
	"github.com/piwi3910/assetbridge/internal/verify"
)

// Server is the assetbridge HTTP server
type Server struct {
	cfg        *config.Config
	components *Components

	healthChecker *health.Checker
	scheduler     *verify.Scheduler

	handler    http.Handler
	httpServer *http.Server
}

// New builds the components described by cfg and the server around them.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	metrics.Init(cfg.NodeID)
	log.Info().Str("node_id", cfg.NodeID).Msg("Metrics initialized")

	comps, err := Build(ctx, cfg)
	if err != nil {
		return nil, err
	}

	srv, err := NewWithComponents(cfg, comps)
	if err != nil {
		_ = comps.Close(ctx)
		return nil, err
	}

	return srv, nil
}

// NewWithComponents creates a server over already built components.
func NewWithComponents(cfg *config.Config, comps *Components) (*Server, error) {
	srv := &Server{
		cfg:           cfg,
		components:    comps,
		healthChecker: health.NewChecker(comps.Ledger, comps.Storage),
	}

	if cfg.Verify.Schedule != "" {
		scheduler, err := verify.NewScheduler(comps.Verifier, cfg.Verify.Schedule, cfg.Verify.BatchSize, cfg.Verify.RunTimeout)
		if err != nil {
			return nil, err
		}

		srv.scheduler = scheduler
	}

	srv.handler = srv.routes()
	srv.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return srv, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Components returns the services behind the server.
func (s *Server) Components() *Components {
	return s.components
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RealIP)
	r.Use(apimiddleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(apimiddleware.Metrics)
	r.Use(apimiddleware.AccessLog)
	r.Use(apimiddleware.CORS(apimiddleware.CORSConfig{
		AllowedOrigins: s.cfg.Server.CORSOrigins,
		MaxAge:         apimiddleware.DefaultCORSConfig().MaxAge,
	}))

	// Health check handlers
	healthHandler := health.NewHandler(s.healthChecker)
	r.Get("/health", healthHandler.DetailedHandler)
	r.Get("/health/live", healthHandler.LivenessHandler)
	r.Get("/health/ready", healthHandler.ReadinessHandler)

	// Prometheus metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	proxy.NewHandler(s.components.Storage, proxy.Config{
		CacheMaxAge:    s.cfg.Server.ProxyCacheMaxAge,
		FallbackMaxAge: s.cfg.Server.ProxyFallbackMaxAge,
	}).RegisterRoutes(r)

	apiHandler := admin.NewHandler(
		s.components.Resolver,
		s.components.Uploader,
		s.components.Ledger,
		s.components.Verifier,
		admin.Config{MaxUploadSize: s.cfg.Upload.MaxSize},
	)
	r.Route("/api/v1", apiHandler.RegisterRoutes)

	if prefix, ok := s.legacyPrefix(); ok {
		files := legacyFiles(s.cfg.Legacy.Root, prefix)
		r.Get(prefix+"/*", files.ServeHTTP)
		r.Head(prefix+"/*", files.ServeHTTP)

		log.Info().Str("root", s.cfg.Legacy.Root).Str("prefix", prefix).Msg("Serving legacy uploads")
	}

	return r
}

// legacyPrefix returns the local route prefix for legacy files. Legacy URLs
// pointing at another host are not served here.
func (s *Server) legacyPrefix() (string, bool) {
	if !s.cfg.Legacy.Serve || s.cfg.Legacy.Root == "" {
		return "", false
	}

	prefix := strings.TrimRight(s.cfg.Legacy.BaseURL, "/")
	if !strings.HasPrefix(prefix, "/") || prefix == "" {
		return "", false
	}

	return prefix, true
}

// Start serves HTTP until ctx is cancelled, then shuts everything down in
// order.
func (s *Server) Start(ctx context.Context) error {
	if s.scheduler != nil {
		if err := s.scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start verification scheduler: %w", err)
		}

		log.Info().Str("schedule", s.cfg.Verify.Schedule).Msg("Verification scheduler started")
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Int("port", s.cfg.Server.Port).Msg("Starting HTTP server")
		log.Info().Int("port", s.cfg.Server.Port).Msg("Prometheus metrics available at /metrics")

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}

		return nil
	})

	// Wait for shutdown signal
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down server...")

		return s.Shutdown(context.Background())
	})

	return g.Wait()
}

// Shutdown stops the listener, the scheduler and background migrations,
// then closes the ledger and storage.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCfg := shutdown.DefaultConfig()
	if s.cfg.Server.ShutdownTimeout > 0 {
		shutdownCfg.TotalTimeout = s.cfg.Server.ShutdownTimeout
	}

	components := shutdown.Components{
		HTTPServers: []shutdown.HTTPServer{namedServer{name: "http", Server: s.httpServer}},
		Migrations:  s.components.Resolver,
		Ledger:      s.components.Ledger,
		Storage:     s.components.Storage,
	}

	if s.scheduler != nil && s.scheduler.Running() {
		components.Scheduler = s.scheduler
	}

	coordinator := shutdown.NewCoordinator(shutdownCfg)
	if err := coordinator.Shutdown(ctx, components); err != nil {
		return err
	}

	return errors.Join(coordinator.Errors()...)
}

type namedServer struct {
	*http.Server
	name string
}

func (n namedServer) Name() string {
	return n.name
}
