package dispatcher

import (
	"context"
	"time"

	"github.com/amerfu/llmrouter/internal/services/budget"
	"github.com/amerfu/llmrouter/internal/services/circuitbreaker"
	"github.com/amerfu/llmrouter/internal/services/routing"
)

// RoutingRequest is one unit of work. Prompt is opaque. CallerContext is
// only forwarded to the usage recorder.
type RoutingRequest struct {
	TaskType      routing.TaskType `json:"task_type"`
	StrategyHint  routing.Strategy `json:"strategy_hint,omitempty"`
	Prompt        string           `json:"prompt"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
	CallerContext string           `json:"caller_context,omitempty"`
}

// Outcome describes what happened to one candidate in the fallback chain.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailed    Outcome = "failed"    // retries exhausted or non-retryable provider failure
	OutcomeSkipped   Outcome = "skipped"   // breaker refused the request
	OutcomeRejected  Outcome = "rejected"  // request invalid for this provider, next one tried
	OutcomeAborted   Outcome = "aborted"   // auth error, walk stopped
	OutcomeCancelled Outcome = "cancelled" // caller went away
)

// Attempt is one entry of the fallback chain.
type Attempt struct {
	Provider  string  `json:"provider"`
	Outcome   Outcome `json:"outcome"`
	Calls     int     `json:"calls"`
	LatencyMs int64   `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
	Err       error   `json:"-"`
}

// RoutingResponse is the result of a successful routing call.
// AttemptCount is the number of adapter calls made across the whole chain,
// retries included. FallbackChain lists every candidate considered, in order.
type RoutingResponse struct {
	ProviderUsed     string           `json:"provider_used"`
	Model            string           `json:"model"`
	Content          string           `json:"content"`
	PromptTokens     int              `json:"prompt_tokens"`
	CompletionTokens int              `json:"completion_tokens"`
	CostUSD          float64          `json:"cost_usd"`
	LatencyMs        int64            `json:"latency_ms"`
	AttemptCount     int              `json:"attempt_count"`
	FallbackChain    []Attempt        `json:"fallback_chain"`
	Strategy         routing.Strategy `json:"strategy,omitempty"`
	Downgraded       bool             `json:"downgraded,omitempty"`
}

// LatencyObserver receives the duration of every successful provider call.
// Observe must not block the request for long and must not fail it.
type LatencyObserver interface {
	Observe(ctx context.Context, provider string, latency time.Duration)
}

// Status is the synchronous health snapshot served to diagnostics.
type Status struct {
	Providers []string                  `json:"providers"`
	Breakers  []circuitbreaker.Snapshot `json:"circuit_breakers"`
	Budget    budget.Snapshot           `json:"budget"`
}

func newAttempt(provider string, outcome Outcome, calls int, latency time.Duration, err error) Attempt {
	a := Attempt{
		Provider:  provider,
		Outcome:   outcome,
		Calls:     calls,
		LatencyMs: latency.Milliseconds(),
		Err:       err,
	}
	if err != nil {
		a.Error = err.Error()
	}
	return a
}

func chainNames(chain []Attempt) []string {
	out := make([]string, len(chain))
	for i, a := range chain {
		out[i] = a.Provider
	}
	return out
}

func totalCalls(chain []Attempt) int {
	n := 0
	for _, a := range chain {
		n += a.Calls
	}
	return n
}
