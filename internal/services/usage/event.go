package usage

import (
	"context"
	"time"
)

// Event is the append-only record emitted once per completed routing call.
// CallerContext is forwarded untouched.
type Event struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	TaskType         string    `json:"task_type"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	LatencyMs        int64     `json:"latency_ms"`
	CacheHit         bool      `json:"cache_hit"`
	Success          bool      `json:"success"`
	Streamed         bool      `json:"streamed"`
	AttemptCount     int       `json:"attempt_count"`
	CallerContext    string    `json:"caller_context,omitempty"`
}

// Sink receives usage events. Implementations may block on I/O; the
// recorder shields routing calls from that.
type Sink interface {
	Write(ctx context.Context, event Event) error
}

// Recorder is what the dispatcher depends on. Record must not block and
// must not fail the routing call.
type Recorder interface {
	Record(event Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Write(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// MultiSink writes to every sink and returns the first error.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, event Event) error {
	var first error
	for _, s := range m {
		if err := s.Write(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
