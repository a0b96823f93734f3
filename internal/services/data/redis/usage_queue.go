package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/amerfu/llmrouter/internal/services/usage"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// UsageQueue hands usage events to the external cost-tracking consumer
// through a Redis list. The router only produces; DequeueBatch exists for
// consumers and tooling.
type UsageQueue struct {
	client    *redis.Client
	logger    *zap.Logger
	queueName string
	batchSize int
	maxLength int64
}

// UsageQueueConfig configuration for the usage queue
type UsageQueueConfig struct {
	Client    *redis.Client
	Logger    *zap.Logger
	QueueName string
	BatchSize int
	MaxLength int64 // 0 disables trimming
}

// NewUsageQueue creates a new usage queue
func NewUsageQueue(config *UsageQueueConfig) *UsageQueue {
	if config.QueueName == "" {
		config.QueueName = "usage_processing_queue"
	}
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &UsageQueue{
		client:    config.Client,
		logger:    config.Logger,
		queueName: config.QueueName,
		batchSize: config.BatchSize,
		maxLength: config.MaxLength,
	}
}

// Write implements usage.Sink.
func (uq *UsageQueue) Write(ctx context.Context, event usage.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal usage event: %w", err)
	}

	// LPUSH for FIFO processing with RPOP
	pipe := uq.client.Pipeline()
	pipe.LPush(ctx, uq.queueName, data)
	if uq.maxLength > 0 {
		pipe.LTrim(ctx, uq.queueName, 0, uq.maxLength-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue usage event: %w", err)
	}

	uq.logger.Debug("Usage event enqueued",
		zap.String("event_id", event.ID),
		zap.String("provider", event.Provider),
		zap.Float64("cost_usd", event.CostUSD))

	return nil
}

// DequeueBatch retrieves up to batchSize events in FIFO order.
func (uq *UsageQueue) DequeueBatch(ctx context.Context) ([]usage.Event, error) {
	pipe := uq.client.Pipeline()

	var cmds []*redis.StringCmd
	for i := 0; i < uq.batchSize; i++ {
		cmds = append(cmds, pipe.RPop(ctx, uq.queueName))
	}

	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to dequeue usage events: %w", err)
	}

	var events []usage.Event
	for _, cmd := range cmds {
		result, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			break // No more events
		}
		if err != nil {
			uq.logger.Error("Error getting queued event", zap.Error(err))
			continue
		}

		var event usage.Event
		if err := json.Unmarshal([]byte(result), &event); err != nil {
			uq.logger.Error("Failed to unmarshal usage event",
				zap.Error(err),
				zap.String("data", result))
			continue
		}
		events = append(events, event)
	}

	return events, nil
}

// Length returns the number of pending events.
func (uq *UsageQueue) Length(ctx context.Context) (int64, error) {
	return uq.client.LLen(ctx, uq.queueName).Result()
}

// HealthCheck checks if the queue system is healthy
func (uq *UsageQueue) HealthCheck(ctx context.Context) error {
	if err := uq.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}
