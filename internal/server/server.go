// Package server exposes the optimization pipeline over HTTP. Handlers stay
// thin: decode, delegate, encode.
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

	"github.com/meridianfund/meridian/internal/jobs"
	"github.com/meridianfund/meridian/internal/marketdata"
	"github.com/meridianfund/meridian/internal/metrics"
	"github.com/meridianfund/meridian/internal/optimizer"
	"github.com/meridianfund/meridian/internal/rates"
	"github.com/meridianfund/meridian/internal/universe"
)

// Config holds everything the server needs.
type Config struct {
	Port      int
	Log       zerolog.Logger
	Optimizer *optimizer.Service
	Metrics   *metrics.Calculator
	Cache     *marketdata.Cache
	Store     *universe.HistoryStore
	Rates     *rates.Provider
	Refresher *jobs.Refresher
}

// Server is the HTTP front of the platform.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	optimizer *optimizer.Service
	metrics   *metrics.Calculator
	cache     *marketdata.Cache
	store     *universe.HistoryStore
	rates     *rates.Provider
	refresher *jobs.Refresher
}

// New creates the HTTP server with middleware and routes wired.
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		optimizer: cfg.Optimizer,
		metrics:   cfg.Metrics,
		cache:     cfg.Cache,
		store:     cfg.Store,
		rates:     cfg.Rates,
		refresher: cfg.Refresher,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
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
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/optimize", s.handleOptimize)
		r.Get("/metrics/{isin}", s.handleSeriesMetrics)
		r.Get("/rates/risk-free", s.handleRiskFreeRate)
		r.Get("/universe", s.handleListUniverse)
		r.Post("/jobs/refresh", s.handleRefresh)
	})
}

// Start runs the server until it is shut down.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
