package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/amerfu/llmrouter/internal/services/budget"
	"github.com/amerfu/llmrouter/internal/services/circuitbreaker"
	"github.com/amerfu/llmrouter/internal/services/providers"
	"github.com/amerfu/llmrouter/internal/services/retry"
	"github.com/amerfu/llmrouter/internal/services/routing"
	"github.com/spf13/viper"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Monitoring     MonitoringConfig     `mapstructure:"monitoring"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	CORS           CORSConfig           `mapstructure:"cors"`
	Providers      []ProviderConfig     `mapstructure:"providers"`
	Routing        RoutingConfig        `mapstructure:"routing"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Retry          RetryConfig          `mapstructure:"retry"`
	Budget         BudgetConfig         `mapstructure:"budget"`
	Usage          UsageConfig          `mapstructure:"usage"`
}

type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// Enabled reports whether a Redis URL was configured.
func (r RedisConfig) Enabled() bool {
	return r.URL != ""
}

type MonitoringConfig struct {
	EnableMetrics   bool    `mapstructure:"enable_metrics"`
	EnableTracing   bool    `mapstructure:"enable_tracing"`
	OTLPEndpoint    string  `mapstructure:"otlp_endpoint"`
	TracingSampling float64 `mapstructure:"tracing_sampling"`
	ServiceName     string  `mapstructure:"service_name"`
	Environment     string  `mapstructure:"environment"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

// ProviderConfig is one entry of the providers list. It feeds both the
// registry (costs, ranks) and the adapter (endpoint, credentials).
type ProviderConfig struct {
	Name                   string            `mapstructure:"name"`
	Type                   string            `mapstructure:"type"`
	BaseURL                string            `mapstructure:"base_url"`
	APIKey                 string            `mapstructure:"api_key"`
	APIVersion             string            `mapstructure:"api_version"`
	Model                  string            `mapstructure:"model"`
	CostPerPromptToken     float64           `mapstructure:"cost_per_prompt_token"`
	CostPerCompletionToken float64           `mapstructure:"cost_per_completion_token"`
	AverageLatencyMs       int               `mapstructure:"average_latency_ms"`
	PriorityRank           int               `mapstructure:"priority_rank"`
	MaxTokens              int               `mapstructure:"max_tokens"`
	Timeout                time.Duration     `mapstructure:"timeout"`
	Extra                  map[string]string `mapstructure:"extra"`
}

type RoutingConfig struct {
	TaskStrategies map[string]string `mapstructure:"task_strategies"`
	QualityRanking []string          `mapstructure:"quality_ranking"`
	CallTimeout    time.Duration     `mapstructure:"call_timeout"` // Used when a provider sets no timeout
}

type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	OpenDuration     time.Duration `mapstructure:"open_duration"`
}

type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
}

type BudgetConfig struct {
	DailyLimitUSD      float64 `mapstructure:"daily_limit_usd"`
	MonthlyLimitUSD    float64 `mapstructure:"monthly_limit_usd"`
	WarnThreshold      float64 `mapstructure:"warn_threshold"`
	DowngradeThreshold float64 `mapstructure:"downgrade_threshold"`
	BlockThreshold     float64 `mapstructure:"block_threshold"`
	ResetTimezone      string  `mapstructure:"reset_timezone"`
}

type UsageConfig struct {
	BufferSize   int           `mapstructure:"buffer_size"`
	Timeout      time.Duration `mapstructure:"timeout"`
	QueueName    string        `mapstructure:"queue_name"`
	MaxLength    int64         `mapstructure:"max_length"`
	RedisEnabled bool          `mapstructure:"redis_enabled"`
}

var cfg *Config

// Load reads config.yaml from configPath (or the default search paths),
// applies defaults and environment overrides, and expands ${VAR} references
// in provider credentials. It does not validate.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		if strings.HasSuffix(configPath, ".yaml") || strings.HasSuffix(configPath, ".yml") {
			v.SetConfigFile(configPath)
		} else {
			v.AddConfigPath(configPath)
		}
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/llmrouter")
	}

	// Set defaults
	setDefaults(v)

	// Bind environment variables
	v.SetEnvPrefix("LLMROUTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	// Read config file if exists
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	for i := range config.Providers {
		p := &config.Providers[i]
		p.APIKey = expandEnv(p.APIKey)
		p.BaseURL = expandEnv(p.BaseURL)
	}

	cfg = &config
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.graceful_shutdown", "30s")

	// Redis defaults
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)

	// Monitoring defaults
	v.SetDefault("monitoring.enable_metrics", true)
	v.SetDefault("monitoring.enable_tracing", false)
	v.SetDefault("monitoring.otlp_endpoint", "localhost:4317")
	v.SetDefault("monitoring.tracing_sampling", 1.0)
	v.SetDefault("monitoring.service_name", "llmrouter")
	v.SetDefault("monitoring.environment", "development")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output_path", "")

	// CORS defaults
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "OPTIONS"})
	v.SetDefault("cors.allow_credentials", false)
	v.SetDefault("cors.max_age", 300)

	// Routing defaults
	v.SetDefault("routing.call_timeout", "60s")

	// Circuit breaker defaults
	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.open_duration", "30s")

	// Retry defaults
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", "500ms")
	v.SetDefault("retry.max_delay", "30s")

	// Budget defaults
	v.SetDefault("budget.daily_limit_usd", 0)
	v.SetDefault("budget.monthly_limit_usd", 0)
	v.SetDefault("budget.warn_threshold", 0.8)
	v.SetDefault("budget.downgrade_threshold", 0.9)
	v.SetDefault("budget.block_threshold", 1.0)
	v.SetDefault("budget.reset_timezone", "UTC")

	// Usage defaults
	v.SetDefault("usage.buffer_size", 1024)
	v.SetDefault("usage.timeout", "2s")
	v.SetDefault("usage.queue_name", "usage_processing_queue")
	v.SetDefault("usage.max_length", 0)
	v.SetDefault("usage.redis_enabled", true)
}

func bindEnvVars(v *viper.Viper) {
	// Server
	_ = v.BindEnv("server.port", "SERVER_PORT")

	// Redis
	_ = v.BindEnv("redis.url", "REDIS_URL")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")

	// Monitoring
	_ = v.BindEnv("monitoring.enable_metrics", "ENABLE_METRICS")
	_ = v.BindEnv("monitoring.enable_tracing", "ENABLE_TRACING")
	_ = v.BindEnv("monitoring.otlp_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")

	// Logging
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")

	// Budget
	_ = v.BindEnv("budget.daily_limit_usd", "BUDGET_DAILY_LIMIT_USD")
	_ = v.BindEnv("budget.monthly_limit_usd", "BUDGET_MONTHLY_LIMIT_USD")
}

// expandEnv replaces a whole-value ${VAR} reference with the variable's
// value. Unset variables leave the reference untouched.
func expandEnv(s string) string {
	if len(s) > 3 && strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		if val := os.Getenv(s[2 : len(s)-1]); val != "" {
			return val
		}
	}
	return s
}

func Get() *Config {
	return cfg
}

// Validate checks everything that would make the router unusable. Errors
// are *routing.ConfigurationError.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return &routing.ConfigurationError{Field: "providers", Err: routing.ErrNoProviders}
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		field := fmt.Sprintf("providers[%d]", i)
		switch {
		case p.Name == "":
			return &routing.ConfigurationError{Field: field + ".name", Err: errors.New("name is required")}
		case seen[p.Name]:
			return &routing.ConfigurationError{Field: field + ".name", Err: fmt.Errorf("duplicate provider %q", p.Name)}
		case p.Type == "":
			return &routing.ConfigurationError{Field: field + ".type", Err: errors.New("type is required")}
		case p.Model == "":
			return &routing.ConfigurationError{Field: field + ".model", Err: errors.New("model is required")}
		case p.CostPerPromptToken < 0 || p.CostPerCompletionToken < 0:
			return &routing.ConfigurationError{Field: field, Err: errors.New("token costs must not be negative")}
		case p.Timeout < 0:
			return &routing.ConfigurationError{Field: field + ".timeout", Err: errors.New("timeout must not be negative")}
		}
		seen[p.Name] = true
	}

	for task, s := range c.Routing.TaskStrategies {
		if _, err := routing.ParseStrategy(s); err != nil {
			return &routing.ConfigurationError{Field: "routing.task_strategies." + task, Err: err}
		}
	}
	for _, name := range c.Routing.QualityRanking {
		if !seen[name] {
			return &routing.ConfigurationError{
				Field: "routing.quality_ranking",
				Err:   fmt.Errorf("unknown provider %q", name),
			}
		}
	}

	if c.CircuitBreaker.FailureThreshold <= 0 {
		return &routing.ConfigurationError{Field: "circuit_breaker.failure_threshold", Err: errors.New("must be positive")}
	}
	if c.CircuitBreaker.OpenDuration <= 0 {
		return &routing.ConfigurationError{Field: "circuit_breaker.open_duration", Err: errors.New("must be positive")}
	}
	if c.Retry.MaxRetries < 0 {
		return &routing.ConfigurationError{Field: "retry.max_retries", Err: errors.New("must not be negative")}
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return &routing.ConfigurationError{Field: "retry", Err: errors.New("need 0 <= base_delay <= max_delay")}
	}
	if err := c.BudgetSettings().Validate(); err != nil {
		return &routing.ConfigurationError{Field: "budget", Err: err}
	}
	if _, err := time.LoadLocation(c.Budget.ResetTimezone); err != nil {
		return &routing.ConfigurationError{Field: "budget.reset_timezone", Err: err}
	}

	return nil
}

// RoutingProvider returns the registry view of p.
func (c *Config) RoutingProvider(p ProviderConfig) routing.ProviderConfig {
	timeout := p.Timeout
	if timeout == 0 {
		timeout = c.Routing.CallTimeout
	}
	return routing.ProviderConfig{
		Name:                   p.Name,
		Type:                   p.Type,
		BaseEndpoint:           p.BaseURL,
		ModelID:                p.Model,
		CostPerPromptToken:     p.CostPerPromptToken,
		CostPerCompletionToken: p.CostPerCompletionToken,
		AverageLatencyMs:       p.AverageLatencyMs,
		PriorityRank:           p.PriorityRank,
		MaxTokens:              p.MaxTokens,
		Timeout:                timeout,
	}
}

// AdapterConfig returns the adapter view of p.
func (c *Config) AdapterConfig(p ProviderConfig) providers.ProviderConfig {
	rp := c.RoutingProvider(p)
	return providers.ProviderConfig{
		Name:       p.Name,
		Type:       p.Type,
		APIKey:     p.APIKey,
		BaseURL:    p.BaseURL,
		APIVersion: p.APIVersion,
		Model:      p.Model,
		Timeout:    rp.Timeout,
		Extra:      p.Extra,
	}
}

// RoutingOptions converts the routing section into registry options.
// Call Validate first; unparseable strategies are skipped here.
func (c *Config) RoutingOptions() routing.Options {
	opts := routing.Options{QualityRanking: c.Routing.QualityRanking}
	if len(c.Routing.TaskStrategies) > 0 {
		opts.TaskStrategies = make(map[routing.TaskType]routing.Strategy, len(c.Routing.TaskStrategies))
		for task, s := range c.Routing.TaskStrategies {
			if strategy, err := routing.ParseStrategy(s); err == nil && strategy != routing.StrategyNone {
				opts.TaskStrategies[routing.ParseTaskType(task)] = strategy
			}
		}
	}
	return opts
}

func (c *Config) BreakerSettings() circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold: c.CircuitBreaker.FailureThreshold,
		OpenDuration:     c.CircuitBreaker.OpenDuration,
	}
}

func (c *Config) RetrySettings() *retry.Config {
	return &retry.Config{
		MaxRetries: c.Retry.MaxRetries,
		BaseDelay:  c.Retry.BaseDelay,
		MaxDelay:   c.Retry.MaxDelay,
		RetryAfter: providers.RetryAfterHint,
	}
}

func (c *Config) BudgetSettings() budget.Config {
	return budget.Config{
		DailyLimitUSD:      c.Budget.DailyLimitUSD,
		MonthlyLimitUSD:    c.Budget.MonthlyLimitUSD,
		WarnThreshold:      c.Budget.WarnThreshold,
		DowngradeThreshold: c.Budget.DowngradeThreshold,
		BlockThreshold:     c.Budget.BlockThreshold,
	}
}

// ResetLocation returns the time zone for budget rollovers, UTC on error.
func (c *Config) ResetLocation() *time.Location {
	loc, err := time.LoadLocation(c.Budget.ResetTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
