// Package server exposes the read-only forecast query API over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/powercast/internal/ingest"
	"github.com/aristath/powercast/internal/market"
	"github.com/aristath/powercast/internal/pipeline"
	"github.com/aristath/powercast/internal/scheduler"
	"github.com/aristath/powercast/internal/store"
	"github.com/aristath/powercast/pkg/logger"
)

// Version is reported by the root endpoint.
const Version = "1.0.0"

// healthCacheTTL bounds how stale the basic health response may be.
const healthCacheTTL = 5 * time.Minute

// Config holds server wiring. Feeds, Pipeline and History are optional;
// the corresponding health components report "unknown" when absent.
type Config struct {
	Host     string
	Port     int
	Store    *store.Store
	Feeds    *ingest.Client
	Pipeline *pipeline.Executor
	Jobs     *scheduler.Registry
	History  *scheduler.RunHistory
	Timezone string
}

// Server is the HTTP query API. It reads exclusively through the store;
// it never mutates forecasts.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	store    *store.Store
	feeds    *ingest.Client
	pipeline *pipeline.Executor
	jobs     *scheduler.Registry
	history  *scheduler.RunHistory
	health   *healthCache
	tz       string
	logger   zerolog.Logger
}

// New creates the query API server.
func New(cfg Config) *Server {
	tz := cfg.Timezone
	if tz == "" {
		tz = market.DefaultTimezone
	}
	s := &Server{
		router:   chi.NewRouter(),
		store:    cfg.Store,
		feeds:    cfg.Feeds,
		pipeline: cfg.Pipeline,
		jobs:     cfg.Jobs,
		history:  cfg.History,
		tz:       tz,
		health:   &healthCache{ttl: healthCacheTTL},
		logger:   logger.Component("server"),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/", s.handleRoot)
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/health/detailed", s.handleDetailedHealth)
	s.router.Get("/health/component/{name}", s.handleComponentHealth)
	s.router.Get("/storage/status", s.handleStorageStatus)
	s.router.Get("/products", s.handleProducts)

	s.router.Route("/forecasts", func(r chi.Router) {
		r.Get("/latest/{product}", s.handleForecastLatest)
		r.Get("/range/{start}/{end}/{product}", s.handleForecastRange)
		r.Get("/model/latest/{product}", s.handleModelLatest)
		r.Get("/model/{date}/{product}", s.handleModelByDate)
		r.Get("/{date}/{product}", s.handleForecastByDate)
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving HTTP until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
