package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	redisStore "github.com/amerfu/llmrouter/internal/services/data/redis"
	"github.com/amerfu/llmrouter/internal/services/usage"
)

func setup(t *testing.T, batchSize int) (*redis.Client, *redisStore.UsageQueue) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	queue := redisStore.NewUsageQueue(&redisStore.UsageQueueConfig{
		Client:    client,
		Logger:    zap.NewNop(),
		BatchSize: batchSize,
	})
	return client, queue
}

func enqueue(t *testing.T, q *redisStore.UsageQueue, events ...usage.Event) {
	t.Helper()
	for _, e := range events {
		require.NoError(t, q.Write(context.Background(), e))
	}
}

func TestProcessBatch_AggregatesPerProvider(t *testing.T) {
	client, queue := setup(t, 10)
	enqueue(t, queue,
		usage.Event{Provider: "b", PromptTokens: 10, CompletionTokens: 20, CostUSD: 0.5, LatencyMs: 100, Success: true},
		usage.Event{Provider: "a", PromptTokens: 1, CompletionTokens: 2, CostUSD: 0.25, LatencyMs: 40, Success: true, Streamed: true},
		usage.Event{Provider: "b", Success: false},
	)

	var batches int
	up := NewUsageProcessor(&UsageProcessorConfig{
		Queue:   queue,
		Locker:  redisStore.NewLockManager(client, zap.NewNop()),
		OnBatch: func([]usage.Event) { batches++ },
	})

	n, err := up.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 1, batches)

	totals := up.Totals()
	require.Len(t, totals, 2)
	assert.Equal(t, ProviderTotals{Provider: "a", Calls: 1, Streamed: 1, PromptTokens: 1, CompletionTokens: 2, CostUSD: 0.25, LatencyMs: 40}, totals[0])
	assert.Equal(t, ProviderTotals{Provider: "b", Calls: 2, Failures: 1, PromptTokens: 10, CompletionTokens: 20, CostUSD: 0.5, LatencyMs: 100}, totals[1])

	n, err = up.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, batches, "empty batches are not forwarded")
}

func TestProcessBatch_SkipsWhenLockHeld(t *testing.T) {
	client, queue := setup(t, 10)
	enqueue(t, queue, usage.Event{Provider: "a", Success: true})

	locks := redisStore.NewLockManager(client, zap.NewNop())
	held, err := locks.AcquireLock(context.Background(), lockName, time.Minute)
	require.NoError(t, err)

	up := NewUsageProcessor(&UsageProcessorConfig{Queue: queue, Locker: locks})
	n, err := up.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	pending, err := queue.Length(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)

	require.NoError(t, held.Release(context.Background()))
	n, err = up.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDrain(t *testing.T) {
	_, queue := setup(t, 2)
	for i := 0; i < 5; i++ {
		enqueue(t, queue, usage.Event{Provider: "a", CostUSD: 1, Success: true})
	}

	up := NewUsageProcessor(&UsageProcessorConfig{Queue: queue})
	n, err := up.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 5.0, up.Totals()[0].CostUSD)
}

func TestStartStop(t *testing.T) {
	_, queue := setup(t, 10)
	enqueue(t, queue, usage.Event{Provider: "a", Success: true})

	up := NewUsageProcessor(&UsageProcessorConfig{Queue: queue, ProcessingInterval: 5 * time.Millisecond})
	up.Start(context.Background())

	require.Eventually(t, func() bool {
		totals := up.Totals()
		return len(totals) == 1 && totals[0].Calls == 1
	}, time.Second, 5*time.Millisecond)

	up.Stop()
	up.Stop()
}
