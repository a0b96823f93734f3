package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	redisStore "github.com/amerfu/llmrouter/internal/services/data/redis"
	"github.com/amerfu/llmrouter/internal/services/usage"
)

const lockName = "usage_processor"

// Queue is the part of redis.UsageQueue the processor drains.
type Queue interface {
	DequeueBatch(ctx context.Context) ([]usage.Event, error)
	Length(ctx context.Context) (int64, error)
}

// Locker is satisfied by *redis.LockManager.
type Locker interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (*redisStore.Lock, error)
}

// ProviderTotals aggregates drained usage events for one provider.
type ProviderTotals struct {
	Provider         string  `json:"provider"`
	Calls            int     `json:"calls"`
	Failures         int     `json:"failures"`
	Streamed         int     `json:"streamed"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	LatencyMs        int64   `json:"latency_ms_total"`
}

// UsageProcessor drains the usage queue in batches and keeps running
// per-provider totals.
type UsageProcessor struct {
	queue              Queue
	locker             Locker
	logger             *zap.Logger
	processingInterval time.Duration
	lockTTL            time.Duration
	onBatch            func([]usage.Event)

	mu     sync.Mutex
	totals map[string]*ProviderTotals

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

type UsageProcessorConfig struct {
	Queue              Queue
	Locker             Locker // optional
	Logger             *zap.Logger
	ProcessingInterval time.Duration
	LockTTL            time.Duration
	OnBatch            func([]usage.Event) // optional
}

func NewUsageProcessor(config *UsageProcessorConfig) *UsageProcessor {
	if config.ProcessingInterval == 0 {
		config.ProcessingInterval = 30 * time.Second
	}
	if config.LockTTL == 0 {
		config.LockTTL = 2 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &UsageProcessor{
		queue:              config.Queue,
		locker:             config.Locker,
		logger:             config.Logger,
		processingInterval: config.ProcessingInterval,
		lockTTL:            config.LockTTL,
		onBatch:            config.OnBatch,
		totals:             make(map[string]*ProviderTotals),
		stopCh:             make(chan struct{}),
		done:               make(chan struct{}),
	}
}

// Start begins the background processing loop.
func (up *UsageProcessor) Start(ctx context.Context) {
	up.logger.Info("Starting usage processor",
		zap.Duration("processing_interval", up.processingInterval))

	go up.processLoop(ctx)
}

// Stop ends the loop and waits for the batch in flight.
func (up *UsageProcessor) Stop() {
	up.stopOnce.Do(func() { close(up.stopCh) })
	<-up.done
}

func (up *UsageProcessor) processLoop(ctx context.Context) {
	defer close(up.done)

	ticker := time.NewTicker(up.processingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			up.logger.Info("Usage processor context cancelled")
			return
		case <-up.stopCh:
			up.logger.Info("Usage processor stopped")
			return
		case <-ticker.C:
			if _, err := up.ProcessBatch(ctx); err != nil {
				up.logger.Error("Error processing usage batch", zap.Error(err))
			}
		}
	}
}

// ProcessBatch drains one batch and folds it into the totals. It returns
// the number of events processed; zero with a nil error when another
// instance holds the lock.
func (up *UsageProcessor) ProcessBatch(ctx context.Context) (int, error) {
	if up.locker != nil {
		lock, err := up.locker.AcquireLock(ctx, lockName, up.lockTTL)
		if errors.Is(err, redisStore.ErrLockHeld) {
			up.logger.Debug("Could not acquire processing lock, skipping batch")
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		defer func() {
			if err := lock.Release(ctx); err != nil {
				up.logger.Warn("Failed to release processing lock", zap.Error(err))
			}
		}()
	}

	events, err := up.queue.DequeueBatch(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to dequeue usage batch: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	up.mu.Lock()
	var cost float64
	for _, e := range events {
		t, ok := up.totals[e.Provider]
		if !ok {
			t = &ProviderTotals{Provider: e.Provider}
			up.totals[e.Provider] = t
		}
		t.Calls++
		if !e.Success {
			t.Failures++
		}
		if e.Streamed {
			t.Streamed++
		}
		t.PromptTokens += e.PromptTokens
		t.CompletionTokens += e.CompletionTokens
		t.CostUSD += e.CostUSD
		t.LatencyMs += e.LatencyMs
		cost += e.CostUSD
	}
	up.mu.Unlock()

	if up.onBatch != nil {
		up.onBatch(events)
	}

	up.logger.Info("Processed usage batch",
		zap.Int("count", len(events)),
		zap.Float64("cost_usd", cost))

	return len(events), nil
}

// Drain processes batches until the queue is empty or ctx ends.
func (up *UsageProcessor) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := up.ProcessBatch(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// Totals returns a copy of the per-provider aggregates sorted by provider.
func (up *UsageProcessor) Totals() []ProviderTotals {
	up.mu.Lock()
	defer up.mu.Unlock()

	out := make([]ProviderTotals, 0, len(up.totals))
	for _, t := range up.totals {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// LogTotals writes one line per provider.
func (up *UsageProcessor) LogTotals() {
	for _, t := range up.Totals() {
		up.logger.Info("Provider usage totals",
			zap.String("provider", t.Provider),
			zap.Int("calls", t.Calls),
			zap.Int("failures", t.Failures),
			zap.Int("streamed", t.Streamed),
			zap.Int("prompt_tokens", t.PromptTokens),
			zap.Int("completion_tokens", t.CompletionTokens),
			zap.Float64("cost_usd", t.CostUSD))
	}
}
