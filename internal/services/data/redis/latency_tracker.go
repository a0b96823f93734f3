package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const latencyKeyPrefix = "llmrouter:latency:"

// LatencyTracker records observed provider latency in Redis so every router
// instance sees the same numbers.
type LatencyTracker struct {
	client *redis.Client
	logger *zap.Logger

	windowSize time.Duration // Time window for latency samples (default: 5 minutes)
	maxSamples int64         // Max samples per provider (default: 1000)
	timeout    time.Duration // Bound on Observe, which runs on the request path
}

// NewLatencyTracker creates a new distributed latency tracker
func NewLatencyTracker(client *redis.Client, logger *zap.Logger) *LatencyTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LatencyTracker{
		client:     client,
		logger:     logger,
		windowSize: 5 * time.Minute,
		maxSamples: 1000,
		timeout:    50 * time.Millisecond,
	}
}

// RecordLatency records a latency sample for a provider
func (lt *LatencyTracker) RecordLatency(ctx context.Context, provider string, latency time.Duration) error {
	latencyMs := latency.Milliseconds()
	now := time.Now()
	key := lt.latencyKey(provider)

	// Store in sorted set: score = timestamp, member = "latency_ms:nanos" (unique)
	member := fmt.Sprintf("%d:%d", latencyMs, now.UnixNano())
	cutoff := float64(now.Add(-lt.windowSize).UnixMilli())

	pipe := lt.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%.0f", cutoff))
	pipe.ZRemRangeByRank(ctx, key, 0, -lt.maxSamples-1)
	pipe.Expire(ctx, key, lt.windowSize*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record latency for %s: %w", provider, err)
	}

	return lt.updateMovingAverage(ctx, provider, latencyMs)
}

// Observe records a sample within a short deadline and only logs failures.
func (lt *LatencyTracker) Observe(ctx context.Context, provider string, latency time.Duration) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lt.timeout)
	defer cancel()

	if err := lt.RecordLatency(ctx, provider, latency); err != nil {
		lt.logger.Warn("Failed to record latency",
			zap.String("provider", provider),
			zap.Duration("latency", latency),
			zap.Error(err))
	}
}

// GetAverageLatency returns the moving average latency for a provider, or
// zero when nothing has been observed.
func (lt *LatencyTracker) GetAverageLatency(ctx context.Context, provider string) (time.Duration, error) {
	result, err := lt.client.Get(ctx, lt.avgKey(provider)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil // No data yet
	}
	if err != nil {
		return 0, err
	}

	avgMs, err := strconv.ParseFloat(result, 64)
	if err != nil {
		return 0, err
	}

	return time.Duration(avgMs * float64(time.Millisecond)), nil
}

// LatencyStats represents latency statistics over the sample window
type LatencyStats struct {
	Provider    string        `json:"provider"`
	SampleCount int64         `json:"sample_count"`
	Average     time.Duration `json:"average"`
	Min         time.Duration `json:"min"`
	Max         time.Duration `json:"max"`
	P50         time.Duration `json:"p50"`
	P95         time.Duration `json:"p95"`
}

// GetLatencyStats returns statistics over the samples in the window
func (lt *LatencyTracker) GetLatencyStats(ctx context.Context, provider string) (*LatencyStats, error) {
	values, err := lt.client.ZRange(ctx, lt.latencyKey(provider), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	latencies := make([]int64, 0, len(values))
	var sum int64
	for _, v := range values {
		ms, _, _ := strings.Cut(v, ":")
		latency, err := strconv.ParseInt(ms, 10, 64)
		if err != nil {
			continue
		}
		latencies = append(latencies, latency)
		sum += latency
	}

	stats := &LatencyStats{Provider: provider, SampleCount: int64(len(latencies))}
	if len(latencies) == 0 {
		return stats, nil
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	ms := func(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
	stats.Average = ms(sum / int64(len(latencies)))
	stats.Min = ms(latencies[0])
	stats.Max = ms(latencies[len(latencies)-1])
	stats.P50 = ms(latencies[percentileIndex(len(latencies), 0.50)])
	stats.P95 = ms(latencies[percentileIndex(len(latencies), 0.95)])

	return stats, nil
}

// ClearLatencies clears all latency data for a provider
func (lt *LatencyTracker) ClearLatencies(ctx context.Context, provider string) error {
	pipe := lt.client.Pipeline()
	pipe.Del(ctx, lt.latencyKey(provider))
	pipe.Del(ctx, lt.avgKey(provider))
	_, err := pipe.Exec(ctx)
	return err
}

// updateMovingAverage keeps an exponential moving average: new = old*0.9 + sample*0.1
func (lt *LatencyTracker) updateMovingAverage(ctx context.Context, provider string, latencyMs int64) error {
	key := lt.avgKey(provider)

	newAvg := float64(latencyMs)
	current, err := lt.client.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// First sample
	case err != nil:
		return fmt.Errorf("read moving average for %s: %w", provider, err)
	default:
		if currentAvg, perr := strconv.ParseFloat(current, 64); perr == nil {
			newAvg = currentAvg*0.9 + float64(latencyMs)*0.1
		}
	}

	if err := lt.client.Set(ctx, key, newAvg, lt.windowSize*2).Err(); err != nil {
		return fmt.Errorf("update moving average for %s: %w", provider, err)
	}
	return nil
}

func percentileIndex(n int, p float64) int {
	i := int(float64(n) * p)
	if i >= n {
		i = n - 1
	}
	return i
}

func (lt *LatencyTracker) latencyKey(provider string) string {
	return latencyKeyPrefix + provider
}

func (lt *LatencyTracker) avgKey(provider string) string {
	return latencyKeyPrefix + "avg:" + provider
}
