// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ordersense/ordersense/internal/logging"
	"github.com/ordersense/ordersense/internal/metrics"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string
	Port            int
	Timeout         time.Duration
	CORSOrigins     []string
	RateLimitReqs   int
	RateLimitWindow time.Duration
}

// Server is the HTTP front of the system.
type Server struct {
	http *http.Server
	cfg  ServerConfig
}

// NewServer builds the chi router and the HTTP server around it.
func NewServer(cfg ServerConfig, h *Handler) *Server {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimitReqs <= 0 {
		cfg.RateLimitReqs = 300
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}

	return &Server{
		http: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:           Routes(cfg, h),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       cfg.Timeout,
			WriteTimeout:      cfg.Timeout,
			IdleTimeout:       2 * cfg.Timeout,
		},
		cfg: cfg,
	}
}

// Routes assembles the router. Exposed separately so tests can drive the
// full middleware stack through httptest.
func Routes(cfg ServerConfig, h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestMetrics)

	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", h.Healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.RateLimitReqs > 0 {
			r.Use(httprate.LimitByIP(cfg.RateLimitReqs, cfg.RateLimitWindow))
		}

		r.Post("/orders", h.CreateOrder)
		r.Delete("/orders/{orderID}", h.DeleteOrder)

		r.Get("/recommendations/{userID}", h.GetRecommendations)
		r.Get("/recommendations/{userID}/pools", h.GetRecommendationPools)
		r.Get("/recommendations/{userID}/page", h.Paginate)

		r.Get("/tasks/{userID}/{taskID}", h.GetTask)

		r.Post("/sync", h.TriggerSync)

		r.Get("/cache/stats", h.CacheStats)
		r.Delete("/cache/{userID}", h.InvalidateUserCache)
	})

	return r
}

// requestMetrics records per-route latency with the chi route pattern as
// the label, keeping cardinality bounded.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestDuration.
			WithLabelValues(route, strconv.Itoa(ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	logging.Info().Str("addr", s.http.Addr).Msg("HTTP server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
