package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Go runtime and process metrics are automatically registered by promhttp.Handler()
// so we don't need to register them explicitly here

var (
	// Routing metrics
	routeRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmrouter_requests_total",
			Help: "Total number of routing calls by outcome",
		},
		[]string{"provider", "task_type", "status", "mode"},
	)

	routeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmrouter_request_duration_seconds",
			Help:    "End-to-end routing latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"provider", "task_type", "mode"},
	)

	providerAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmrouter_provider_attempts_total",
			Help: "Candidate outcomes while walking the fallback chain",
		},
		[]string{"provider", "outcome"}, // outcome: success, failed, skipped, aborted, cancelled
	)

	providerRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmrouter_provider_retries_total",
			Help: "Adapter calls beyond the first attempt",
		},
		[]string{"provider"},
	)

	fallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmrouter_fallbacks_total",
			Help: "Routing calls served by a provider other than the first candidate",
		},
		[]string{"task_type"},
	)

	tokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmrouter_tokens_total",
			Help: "Total number of tokens used",
		},
		[]string{"provider", "type"}, // type: prompt, completion
	)

	costTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmrouter_cost_usd_total",
			Help: "Spend attributed to successful calls in USD",
		},
		[]string{"provider"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmrouter_circuit_breaker_state",
			Help: "Circuit breaker state per provider (0=closed, 1=open, 2=half-open)",
		},
		[]string{"provider"},
	)

	budgetSpent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmrouter_budget_spent_usd",
			Help: "Current spend in the active budget period",
		},
		[]string{"period"},
	)

	budgetDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmrouter_budget_decisions_total",
			Help: "Budget checks by decision",
		},
		[]string{"decision"},
	)

	usageEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmrouter_usage_events_dropped_total",
			Help: "Usage events dropped because the recorder buffer was full",
		},
	)

	usageWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmrouter_usage_write_errors_total",
			Help: "Usage events the sink failed to persist",
		},
	)
)

// RecordRoute records the outcome of one routing call
func RecordRoute(provider, taskType, status string, stream bool, duration time.Duration) {
	mode := "single"
	if stream {
		mode = "stream"
	}
	routeRequestsTotal.WithLabelValues(provider, taskType, status, mode).Inc()
	if status == "success" {
		routeDuration.WithLabelValues(provider, taskType, mode).Observe(duration.Seconds())
	}
}

// RecordAttempt records what happened to one candidate
func RecordAttempt(provider, outcome string, calls int) {
	providerAttempts.WithLabelValues(provider, outcome).Inc()
	if calls > 1 {
		providerRetries.WithLabelValues(provider).Add(float64(calls - 1))
	}
}

// RecordFallback records a call that was not served by the first candidate
func RecordFallback(taskType string) {
	fallbacksTotal.WithLabelValues(taskType).Inc()
}

// RecordUsage records token usage and cost
func RecordUsage(provider string, promptTokens, completionTokens int, costUSD float64) {
	tokensUsed.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	tokensUsed.WithLabelValues(provider, "completion").Add(float64(completionTokens))
	costTotal.WithLabelValues(provider).Add(costUSD)
}

// SetBreakerState updates a provider's breaker gauge
func SetBreakerState(provider string, state int) {
	breakerState.WithLabelValues(provider).Set(float64(state))
}

// SetBudgetSpent updates the budget gauges
func SetBudgetSpent(today, month float64) {
	budgetSpent.WithLabelValues("daily").Set(today)
	budgetSpent.WithLabelValues("monthly").Set(month)
}

// RecordBudgetDecision counts a budget check result
func RecordBudgetDecision(decision string) {
	budgetDecisions.WithLabelValues(decision).Inc()
}

// RecordUsageDropped counts a usage event dropped by the recorder
func RecordUsageDropped() {
	usageEventsDropped.Inc()
}

// RecordUsageWriteError counts a usage event the sink rejected
func RecordUsageWriteError() {
	usageWriteErrors.Inc()
}
