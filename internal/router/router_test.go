package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/amerfu/llmrouter/internal/config"
	"github.com/amerfu/llmrouter/internal/handlers"
	"github.com/amerfu/llmrouter/internal/services/budget"
	"github.com/amerfu/llmrouter/internal/services/circuitbreaker"
	redisStore "github.com/amerfu/llmrouter/internal/services/data/redis"
	"github.com/amerfu/llmrouter/internal/services/dispatcher"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticStatus struct {
	status dispatcher.Status
}

func (s staticStatus) Status() dispatcher.Status { return s.status }

type failingCheck struct{}

func (failingCheck) HealthCheck(context.Context) error { return errors.New("connection refused") }

func testConfig() *config.Config {
	return &config.Config{
		Monitoring: config.MonitoringConfig{EnableMetrics: true},
		CORS:       config.CORSConfig{AllowedOrigins: []string{"*"}, AllowedMethods: []string{"GET"}},
	}
}

func sampleStatus() dispatcher.Status {
	return dispatcher.Status{
		Providers: []string{"a", "b"},
		Breakers: []circuitbreaker.Snapshot{
			{Provider: "a", State: circuitbreaker.StateClosed},
			{Provider: "b", State: circuitbreaker.StateOpen, ConsecutiveFailures: 5},
		},
		Budget: budget.Snapshot{DailyLimitUSD: 10, SpentTodayUSD: 2, Ratio: 0.2, Decision: "proceed"},
	}
}

func TestHealth(t *testing.T) {
	h := handlers.NewDiagnosticsHandler(&handlers.DiagnosticsConfig{Status: staticStatus{sampleStatus()}})
	srv := httptest.NewServer(NewDiagnosticsRouter(testConfig(), zap.NewNop(), h))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body handlers.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
}

func TestHealth_Degraded(t *testing.T) {
	h := handlers.NewDiagnosticsHandler(&handlers.DiagnosticsConfig{
		Status: staticStatus{sampleStatus()},
		Checks: map[string]handlers.HealthChecker{"redis": failingCheck{}},
	})
	rec := httptest.NewRecorder()
	NewDiagnosticsRouter(testConfig(), zap.NewNop(), h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body handlers.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "unhealthy", body.Services["redis"].Status)
}

func TestStatus(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	tracker := redisStore.NewLatencyTracker(client, zap.NewNop())
	require.NoError(t, tracker.RecordLatency(context.Background(), "a", 120*time.Millisecond))

	h := handlers.NewDiagnosticsHandler(&handlers.DiagnosticsConfig{
		Status:  staticStatus{sampleStatus()},
		Latency: tracker,
	})
	rec := httptest.NewRecorder()
	NewDiagnosticsRouter(testConfig(), zap.NewNop(), h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	breakers := body["circuit_breakers"].([]any)
	require.Len(t, breakers, 2)
	assert.Equal(t, "OPEN", breakers[1].(map[string]any)["state"])
	assert.Equal(t, "proceed", body["budget"].(map[string]any)["decision"])

	latency := body["observed_latency"].([]any)
	require.Len(t, latency, 2)
	assert.Equal(t, "a", latency[0].(map[string]any)["provider"])
	assert.EqualValues(t, 1, latency[0].(map[string]any)["sample_count"])
}

func TestMetricsEndpoint(t *testing.T) {
	h := handlers.NewDiagnosticsHandler(&handlers.DiagnosticsConfig{Status: staticStatus{sampleStatus()}})

	rec := httptest.NewRecorder()
	NewDiagnosticsRouter(testConfig(), zap.NewNop(), h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	cfg := testConfig()
	cfg.Monitoring.EnableMetrics = false
	rec = httptest.NewRecorder()
	NewDiagnosticsRouter(cfg, zap.NewNop(), h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
