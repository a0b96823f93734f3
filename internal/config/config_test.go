package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/amerfu/llmrouter/internal/services/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
providers:
  - name: openai-primary
    type: openai
    api_key: ${LLMROUTER_TEST_OPENAI_KEY}
    model: gpt-4o-mini
    cost_per_prompt_token: 0.00000015
    cost_per_completion_token: 0.0000006
    average_latency_ms: 800
    priority_rank: 1
    timeout: 20s
  - name: claude
    type: anthropic
    api_key: literal-key
    model: claude-3-5-sonnet-latest
    cost_per_prompt_token: 0.000003
    cost_per_completion_token: 0.000015
    average_latency_ms: 1200
    priority_rank: 2
    extra:
      deployment: ignored
routing:
  task_strategies:
    qualification: latency
    deep_research: quality
  quality_ranking: [claude, openai-primary]
budget:
  daily_limit_usd: 25
  monthly_limit_usd: 500
  reset_timezone: Europe/Bucharest
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o600))
	return dir
}

func TestLoad(t *testing.T) {
	t.Setenv("LLMROUTER_TEST_OPENAI_KEY", "sk-from-env")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.Logging.Level)
	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "sk-from-env", cfg.Providers[0].APIKey)
	assert.Equal(t, "literal-key", cfg.Providers[1].APIKey)
	assert.Equal(t, 20*time.Second, cfg.Providers[0].Timeout)
	assert.Equal(t, "ignored", cfg.Providers[1].Extra["deployment"])
	assert.Equal(t, 25.0, cfg.Budget.DailyLimitUSD)
	assert.Same(t, cfg, Get())

	// Defaults
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.CircuitBreaker.OpenDuration)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 0.9, cfg.Budget.DowngradeThreshold)
	assert.Equal(t, 1024, cfg.Usage.BufferSize)
	assert.False(t, cfg.Redis.Enabled())
}

func TestLoad_ExplicitFileAndEnvOverride(t *testing.T) {
	dir := writeConfig(t, sampleYAML)
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.True(t, cfg.Redis.Enabled())
}

func TestLoad_UnsetEnvKeepsReference(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "${LLMROUTER_TEST_OPENAI_KEY}", cfg.Providers[0].APIKey)
}

func TestConversions(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	rp := cfg.RoutingProvider(cfg.Providers[1])
	assert.Equal(t, "claude", rp.Name)
	assert.Equal(t, "claude-3-5-sonnet-latest", rp.ModelID)
	assert.Equal(t, 60*time.Second, rp.Timeout, "falls back to routing.call_timeout")
	assert.Equal(t, 2, rp.PriorityRank)

	ac := cfg.AdapterConfig(cfg.Providers[0])
	assert.Equal(t, "openai", ac.Type)
	assert.Equal(t, 20*time.Second, ac.Timeout)

	opts := cfg.RoutingOptions()
	assert.Equal(t, routing.StrategyLatency, opts.TaskStrategies[routing.TaskQualification])
	assert.Equal(t, routing.StrategyQuality, opts.TaskStrategies[routing.TaskDeepResearch])
	assert.Equal(t, []string{"claude", "openai-primary"}, opts.QualityRanking)

	assert.Equal(t, 5, cfg.BreakerSettings().FailureThreshold)
	assert.NotNil(t, cfg.RetrySettings().RetryAfter)
	assert.Equal(t, 500.0, cfg.BudgetSettings().MonthlyLimitUSD)
	assert.Equal(t, "Europe/Bucharest", cfg.ResetLocation().String())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load(writeConfig(t, sampleYAML))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"no providers", func(c *Config) { c.Providers = nil }, "providers"},
		{"missing name", func(c *Config) { c.Providers[0].Name = "" }, "providers[0].name"},
		{"duplicate name", func(c *Config) { c.Providers[1].Name = c.Providers[0].Name }, "providers[1].name"},
		{"missing type", func(c *Config) { c.Providers[1].Type = "" }, "providers[1].type"},
		{"missing model", func(c *Config) { c.Providers[0].Model = "" }, "providers[0].model"},
		{"negative cost", func(c *Config) { c.Providers[0].CostPerPromptToken = -1 }, "providers[0]"},
		{"bad strategy", func(c *Config) { c.Routing.TaskStrategies["enrichment"] = "fastest" }, "routing.task_strategies.enrichment"},
		{"unknown ranked provider", func(c *Config) { c.Routing.QualityRanking = []string{"ghost"} }, "routing.quality_ranking"},
		{"zero breaker threshold", func(c *Config) { c.CircuitBreaker.FailureThreshold = 0 }, "circuit_breaker.failure_threshold"},
		{"negative retries", func(c *Config) { c.Retry.MaxRetries = -1 }, "retry.max_retries"},
		{"cap below base", func(c *Config) { c.Retry.MaxDelay = time.Millisecond }, "retry"},
		{"threshold order", func(c *Config) { c.Budget.WarnThreshold = 0.95 }, "budget"},
		{"bad timezone", func(c *Config) { c.Budget.ResetTimezone = "Mars/Olympus" }, "budget.reset_timezone"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var cerr *routing.ConfigurationError
			require.True(t, errors.As(err, &cerr))
			assert.Equal(t, tt.field, cerr.Field)
		})
	}
}

func TestValidate_EmptyRegistryIsNoProviders(t *testing.T) {
	cfg := &Config{}
	assert.ErrorIs(t, cfg.Validate(), routing.ErrNoProviders)
}
