package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	redisStore "github.com/amerfu/llmrouter/internal/services/data/redis"
	"github.com/amerfu/llmrouter/internal/services/dispatcher"
	"go.uber.org/zap"
)

type HealthResponse struct {
	Status   string                   `json:"status"`
	Services map[string]ServiceHealth `json:"services"`
}

type ServiceHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// StatusResponse is the /status payload: breaker and budget state plus
// observed latency when a tracker is configured.
type StatusResponse struct {
	dispatcher.Status
	Latency []*redisStore.LatencyStats `json:"observed_latency,omitempty"`
}

// StatusProvider is satisfied by *dispatcher.Dispatcher.
type StatusProvider interface {
	Status() dispatcher.Status
}

// LatencyProvider is satisfied by *redis.LatencyTracker.
type LatencyProvider interface {
	GetLatencyStats(ctx context.Context, provider string) (*redisStore.LatencyStats, error)
}

// HealthChecker is a dependency probed by /health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type DiagnosticsConfig struct {
	Status  StatusProvider
	Latency LatencyProvider
	Checks  map[string]HealthChecker
	Timeout time.Duration
	Logger  *zap.Logger
}

type DiagnosticsHandler struct {
	status  StatusProvider
	latency LatencyProvider
	checks  map[string]HealthChecker
	timeout time.Duration
	logger  *zap.Logger
}

func NewDiagnosticsHandler(cfg *DiagnosticsConfig) *DiagnosticsHandler {
	h := &DiagnosticsHandler{
		status:  cfg.Status,
		latency: cfg.Latency,
		checks:  cfg.Checks,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
	if h.timeout <= 0 {
		h.timeout = 2 * time.Second
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	return h
}

// Health reports degraded when a dependency probe fails. Open breakers do
// not make the process unhealthy.
func (h *DiagnosticsHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:   "ok",
		Services: make(map[string]ServiceHealth),
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	for name, check := range h.checks {
		if err := check.HealthCheck(ctx); err != nil {
			response.Services[name] = ServiceHealth{Status: "unhealthy", Message: err.Error()}
			response.Status = "degraded"
			continue
		}
		response.Services[name] = ServiceHealth{Status: "healthy"}
	}

	code := http.StatusOK
	if response.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, response)
}

func (h *DiagnosticsHandler) Status(w http.ResponseWriter, r *http.Request) {
	response := StatusResponse{Status: h.status.Status()}

	if h.latency != nil {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()

		for _, name := range response.Providers {
			stats, err := h.latency.GetLatencyStats(ctx, name)
			if err != nil {
				h.logger.Warn("Failed to read latency stats", zap.String("provider", name), zap.Error(err))
				continue
			}
			response.Latency = append(response.Latency, stats)
		}
		sort.Slice(response.Latency, func(i, j int) bool {
			return response.Latency[i].Provider < response.Latency[j].Provider
		})
	}

	h.writeJSON(w, http.StatusOK, response)
}

func (h *DiagnosticsHandler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to encode response", zap.Error(err))
	}
}
