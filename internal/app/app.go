// Package app builds the router's components from configuration and owns
// their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/amerfu/llmrouter/internal/config"
	"github.com/amerfu/llmrouter/internal/handlers"
	"github.com/amerfu/llmrouter/internal/metrics"
	"github.com/amerfu/llmrouter/internal/router"
	"github.com/amerfu/llmrouter/internal/services/budget"
	"github.com/amerfu/llmrouter/internal/services/circuitbreaker"
	redisStore "github.com/amerfu/llmrouter/internal/services/data/redis"
	"github.com/amerfu/llmrouter/internal/services/dispatcher"
	"github.com/amerfu/llmrouter/internal/services/providers"
	"github.com/amerfu/llmrouter/internal/services/routing"
	"github.com/amerfu/llmrouter/internal/services/usage"
	"github.com/amerfu/llmrouter/internal/telemetry"
)

// Version is stamped by the build.
var Version = "dev"

// Options let callers replace pieces that tests or the CLI build differently.
type Options struct {
	// Adapters overrides the adapter built for a provider name.
	Adapters map[string]providers.Provider
	// SkipTelemetry leaves the global tracer provider untouched.
	SkipTelemetry bool
}

// App holds every long-lived component.
type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	Registry   *routing.Registry
	Breakers   *circuitbreaker.Set
	Guard      *budget.Guard
	Dispatcher *dispatcher.Dispatcher

	Redis      *redis.Client
	UsageQueue *redisStore.UsageQueue
	Latency    *redisStore.LatencyTracker

	recorder  *usage.AsyncRecorder
	telemetry *telemetry.Provider
	resetter  *budget.Resetter
	stop      context.CancelFunc
	stopped   chan struct{}
}

// New validates cfg and builds the dispatcher and its collaborators. Redis
// is optional: when it is unreachable the app runs with the log sink only.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger, opts Options) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Logger: log}

	registry, err := BuildRegistry(cfg, log, opts.Adapters)
	if err != nil {
		return nil, err
	}
	a.Registry = registry

	a.Breakers = circuitbreaker.NewSet(cfg.BreakerSettings(), log,
		circuitbreaker.WithStateChange(func(provider string, _, to circuitbreaker.State) {
			metrics.SetBreakerState(provider, int(to))
		}))

	a.Guard = budget.NewGuard(cfg.BudgetSettings(), log)
	a.Guard.OnSpend(metrics.SetBudgetSpent)
	a.resetter = budget.NewResetter(a.Guard, cfg.ResetLocation(), log)

	if cfg.Redis.Enabled() {
		client, err := connectRedis(ctx, cfg.Redis, log)
		if err != nil {
			log.Warn("Redis unavailable, usage events go to the log only", zap.Error(err))
		} else {
			a.Redis = client
			a.Latency = redisStore.NewLatencyTracker(client, log)
			if cfg.Usage.RedisEnabled {
				a.UsageQueue = redisStore.NewUsageQueue(&redisStore.UsageQueueConfig{
					Client:    client,
					Logger:    log,
					QueueName: cfg.Usage.QueueName,
					MaxLength: cfg.Usage.MaxLength,
				})
			}
		}
	}

	sinks := usage.MultiSink{usage.NewLogSink(log)}
	if a.UsageQueue != nil {
		sinks = append(sinks, a.UsageQueue)
	}
	a.recorder = usage.NewAsyncRecorder(&usage.AsyncRecorderConfig{
		Sink:       sinks,
		Logger:     log,
		BufferSize: cfg.Usage.BufferSize,
		Timeout:    cfg.Usage.Timeout,
		OnDrop:     metrics.RecordUsageDropped,
		OnError:    metrics.RecordUsageWriteError,
	})

	if !opts.SkipTelemetry {
		tp, err := telemetry.Setup(ctx, telemetry.Config{
			ServiceName:     cfg.Monitoring.ServiceName,
			ServiceVersion:  Version,
			Environment:     cfg.Monitoring.Environment,
			OTLPEndpoint:    cfg.Monitoring.OTLPEndpoint,
			TracingEnabled:  cfg.Monitoring.EnableTracing,
			TracingSampling: cfg.Monitoring.TracingSampling,
		}, log)
		if err != nil {
			a.closeDeps(ctx)
			return nil, err
		}
		a.telemetry = tp
	}

	dcfg := dispatcher.Config{
		Registry: registry,
		Breakers: a.Breakers,
		Guard:    a.Guard,
		Retry:    cfg.RetrySettings(),
		Recorder: a.recorder,
		Logger:   log,
	}
	if a.Latency != nil {
		dcfg.Latency = a.Latency
	}
	if a.telemetry != nil {
		dcfg.Tracer = a.telemetry.Tracer("github.com/amerfu/llmrouter/dispatcher")
	}
	a.Dispatcher, err = dispatcher.New(dcfg)
	if err != nil {
		a.closeDeps(ctx)
		return nil, err
	}

	log.Info("Router initialized",
		zap.Strings("providers", providerNames(registry)),
		zap.Bool("redis", a.Redis != nil),
		zap.Bool("tracing", a.telemetry.Enabled()))

	return a, nil
}

// Start runs background jobs until Close.
func (a *App) Start(ctx context.Context) {
	ctx, a.stop = context.WithCancel(ctx)
	a.stopped = make(chan struct{})
	go func() {
		defer close(a.stopped)
		a.resetter.Run(ctx)
	}()
}

// Handler returns the diagnostics HTTP handler.
func (a *App) Handler() http.Handler {
	checks := map[string]handlers.HealthChecker{}
	if a.UsageQueue != nil {
		checks["redis"] = a.UsageQueue
	}
	diag := handlers.NewDiagnosticsHandler(&handlers.DiagnosticsConfig{
		Status:  a.Dispatcher,
		Latency: a.latencyProvider(),
		Checks:  checks,
		Logger:  a.Logger,
	})
	return router.NewDiagnosticsRouter(a.Config, a.Logger, diag)
}

// latencyProvider keeps a nil tracker from becoming a non-nil interface.
func (a *App) latencyProvider() handlers.LatencyProvider {
	if a.Latency == nil {
		return nil
	}
	return a.Latency
}

// Close stops background jobs, drains pending usage events and flushes
// spans. Errors from each step are joined.
func (a *App) Close(ctx context.Context) error {
	if a.stop != nil {
		a.stop()
		<-a.stopped
	}

	var errs []error
	if err := a.recorder.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("usage recorder: %w", err))
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) closeDeps(ctx context.Context) {
	_ = a.recorder.Close(ctx)
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
}

// BuildRegistry builds an adapter per configured provider, using overrides
// where present, and the registry over them.
func BuildRegistry(cfg *config.Config, log *zap.Logger, overrides map[string]providers.Provider) (*routing.Registry, error) {
	entries := make([]routing.Entry, 0, len(cfg.Providers))
	for i, p := range cfg.Providers {
		adapter, ok := overrides[p.Name]
		if !ok {
			var err error
			adapter, err = providers.NewProvider(cfg.AdapterConfig(p))
			if err != nil {
				return nil, &routing.ConfigurationError{Field: fmt.Sprintf("providers[%d]", i), Err: err}
			}
		}
		entries = append(entries, routing.Entry{Config: cfg.RoutingProvider(p), Adapter: adapter})
	}
	return routing.NewRegistry(entries, cfg.RoutingOptions(), log)
}

func connectRedis(ctx context.Context, cfg config.RedisConfig, log *zap.Logger) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.Password != "" {
		opt.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opt.DB = cfg.DB
	}
	if cfg.PoolSize != 0 {
		opt.PoolSize = cfg.PoolSize
	}

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	log.Info("Redis connection established", zap.String("addr", opt.Addr), zap.Int("db", opt.DB))
	return client, nil
}

func providerNames(r *routing.Registry) []string {
	out := make([]string, 0, len(r.Providers()))
	for _, p := range r.Providers() {
		out = append(out, p.Name)
	}
	return out
}
