package usage

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes every event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Write(_ context.Context, e Event) error {
	s.logger.Info("Usage event",
		zap.String("event_id", e.ID),
		zap.String("provider", e.Provider),
		zap.String("model", e.Model),
		zap.String("task_type", e.TaskType),
		zap.Int("prompt_tokens", e.PromptTokens),
		zap.Int("completion_tokens", e.CompletionTokens),
		zap.Float64("cost_usd", e.CostUSD),
		zap.Int64("latency_ms", e.LatencyMs),
		zap.Bool("success", e.Success),
		zap.Bool("streamed", e.Streamed),
		zap.String("caller_context", e.CallerContext))
	return nil
}
