package router

import (
	"net/http"

	"github.com/amerfu/llmrouter/internal/config"
	"github.com/amerfu/llmrouter/internal/handlers"
	"github.com/amerfu/llmrouter/internal/middleware"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewDiagnosticsRouter serves /health, /status and, when enabled, /metrics.
func NewDiagnosticsRouter(cfg *config.Config, logger *zap.Logger, h *handlers.DiagnosticsHandler) http.Handler {
	r := chi.NewRouter()

	// Basic middleware
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.MetricsMiddleware(logger))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           cfg.CORS.MaxAge,
	}))

	r.Get("/health", h.Health)
	r.Get("/status", h.Status)

	// Prometheus metrics endpoint
	if cfg.Monitoring.EnableMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}
