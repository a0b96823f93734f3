package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/amerfu/llmrouter/internal/metrics"
	"github.com/amerfu/llmrouter/internal/services/budget"
	"github.com/amerfu/llmrouter/internal/services/circuitbreaker"
	"github.com/amerfu/llmrouter/internal/services/providers"
	"github.com/amerfu/llmrouter/internal/services/retry"
	"github.com/amerfu/llmrouter/internal/services/routing"
	"github.com/amerfu/llmrouter/internal/services/usage"
	"github.com/amerfu/llmrouter/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	tracerName         = "github.com/amerfu/llmrouter/dispatcher"
	defaultCallTimeout = 60 * time.Second
)

// Config wires the dispatcher's collaborators. Only Registry is required.
type Config struct {
	Registry *routing.Registry
	Breakers *circuitbreaker.Set
	Guard    *budget.Guard
	Retry    *retry.Config
	Recorder usage.Recorder
	Latency  LatencyObserver
	Tracer   trace.Tracer
	Logger   *zap.Logger
}

// Dispatcher walks the ordered candidate list for each request, applying
// breaker gate, retry wrapper and adapter call in that order. It holds no
// per-request state and is safe for concurrent use.
type Dispatcher struct {
	registry *routing.Registry
	breakers *circuitbreaker.Set
	guard    *budget.Guard
	retry    *retry.Config
	recorder usage.Recorder
	latency  LatencyObserver
	tracer   trace.Tracer
	logger   *zap.Logger
	now      func() time.Time
}

type nopRecorder struct{}

func (nopRecorder) Record(usage.Event) {}

func New(cfg Config) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, &routing.ConfigurationError{Field: "registry", Err: errors.New("registry is required")}
	}

	d := &Dispatcher{
		registry: cfg.Registry,
		breakers: cfg.Breakers,
		guard:    cfg.Guard,
		retry:    cfg.Retry,
		recorder: cfg.Recorder,
		latency:  cfg.Latency,
		tracer:   cfg.Tracer,
		logger:   cfg.Logger,
		now:      time.Now,
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	if d.breakers == nil {
		d.breakers = circuitbreaker.NewSet(circuitbreaker.Config{}, d.logger)
	}
	if d.guard == nil {
		d.guard = budget.NewGuard(budget.DefaultConfig(), d.logger)
	}
	if d.retry == nil {
		d.retry = retry.DefaultConfig()
		d.retry.RetryAfter = providers.RetryAfterHint
	}
	if d.recorder == nil {
		d.recorder = nopRecorder{}
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer(tracerName)
	}

	// Create every breaker up front so Status lists all providers.
	for _, p := range d.registry.Providers() {
		d.breakers.Get(p.Name)
	}

	return d, nil
}

// Route performs a single-shot routing call. It returns
// *budget.BudgetExceededError before contacting any provider when the budget
// blocks, *AbortedError on authentication failures, *CancelledError when ctx
// ends first and *AllProvidersExhaustedError when no candidate succeeded.
func (d *Dispatcher) Route(ctx context.Context, req RoutingRequest) (*RoutingResponse, error) {
	start := d.now()
	ctx, span := d.tracer.Start(ctx, "dispatcher.Route", trace.WithAttributes(
		attribute.String("llmrouter.task_type", string(req.TaskType)),
		attribute.String("llmrouter.strategy_hint", string(req.StrategyHint)),
	))
	defer span.End()

	plan, err := d.plan(ctx, req)
	if err != nil {
		d.fail(span, req, "", err, false, start)
		return nil, err
	}

	var chain []Attempt
	for i, p := range plan.candidates {
		if err := ctx.Err(); err != nil {
			return nil, d.cancelled(span, req, chain, err, false, start)
		}

		breaker := d.breakers.Get(p.Name)
		ticket, ok := breaker.Allow()
		if !ok {
			chain = append(chain, d.skip(p.Name))
			continue
		}

		adapter, _ := d.registry.Adapter(p.Name)
		callStart := d.now()
		completion, calls, err := d.complete(ctx, p, adapter, req)
		latency := d.now().Sub(callStart)

		if err == nil {
			breaker.Record(ticket, true)
			chain = append(chain, newAttempt(p.Name, OutcomeSuccess, calls, latency, nil))
			metrics.RecordAttempt(p.Name, string(OutcomeSuccess), calls)
			if d.latency != nil {
				d.latency.Observe(ctx, p.Name, latency)
			}

			resp := d.succeed(span, req, plan, p, completion, chain, start, false)
			if i > 0 {
				metrics.RecordFallback(string(req.TaskType))
			}
			return resp, nil
		}

		outcome := d.settle(ctx, breaker, ticket, err)
		chain = append(chain, newAttempt(p.Name, outcome, calls, latency, err))
		metrics.RecordAttempt(p.Name, string(outcome), calls)

		switch outcome {
		case OutcomeCancelled:
			return nil, d.cancelled(span, req, chain, ctx.Err(), false, start)
		case OutcomeAborted:
			aerr := &AbortedError{Provider: p.Name, FallbackChain: chain, Err: err}
			d.fail(span, req, p.Name, aerr, false, start)
			d.recordUsage(req, p, 0, 0, 0, d.now().Sub(start), false, false, totalCalls(chain))
			return nil, aerr
		}

		plan.log.Warn("Provider attempt failed, trying next candidate",
			zap.String("provider", p.Name),
			zap.String("task_type", string(req.TaskType)),
			zap.String("outcome", string(outcome)),
			zap.Int("attempt", calls),
			zap.Bool("retries_exhausted", retry.IsExhausted(err)),
			zap.Error(err))
	}

	return nil, d.exhausted(span, req, plan, chain, false, start)
}

// Status returns the current breaker and budget state.
func (d *Dispatcher) Status() Status {
	configs := d.registry.Providers()
	names := make([]string, len(configs))
	for i, p := range configs {
		names[i] = p.Name
	}
	return Status{
		Providers: names,
		Breakers:  d.breakers.Snapshots(),
		Budget:    d.guard.Snapshot(),
	}
}

type routePlan struct {
	candidates []routing.ProviderConfig
	strategy   routing.Strategy
	downgraded bool
	log        *zap.Logger // carries the trace id when tracing is on
}

// plan runs the budget gate and orders the candidates.
func (d *Dispatcher) plan(ctx context.Context, req RoutingRequest) (*routePlan, error) {
	if req.StrategyHint != routing.StrategyNone && !req.StrategyHint.Valid() {
		return nil, routing.InvalidHintError(req.StrategyHint)
	}

	log := d.logger
	if traceID := telemetry.TraceIDFromContext(ctx); traceID != "" {
		log = log.With(zap.String("trace_id", traceID))
	}

	decision := d.guard.Check()
	metrics.RecordBudgetDecision(decision.String())

	switch decision {
	case budget.Block:
		return nil, d.guard.Err()
	case budget.ProceedWithDowngrade:
		cheapest, err := d.registry.Cheapest()
		if err != nil {
			return nil, err
		}
		log.Warn("Budget downgrade, routing to cheapest provider",
			zap.String("provider", cheapest.Name),
			zap.String("task_type", string(req.TaskType)),
			zap.String("strategy", string(req.StrategyHint)))
		return &routePlan{
			candidates: []routing.ProviderConfig{cheapest},
			strategy:   routing.StrategyCost,
			downgraded: true,
			log:        log,
		}, nil
	}

	candidates, err := d.registry.CandidatesFor(req.TaskType, req.StrategyHint)
	if err != nil {
		return nil, err
	}
	strategy, _ := routing.ResolveStrategy(req.TaskType, req.StrategyHint, d.registry.TaskStrategies())
	return &routePlan{candidates: candidates, strategy: strategy, log: log}, nil
}

// complete calls one provider through the retry wrapper. Each adapter call
// runs under the provider's own deadline.
func (d *Dispatcher) complete(ctx context.Context, p routing.ProviderConfig, adapter providers.Provider, req RoutingRequest) (*providers.Completion, int, error) {
	ctx, span := d.tracer.Start(ctx, "provider.Complete", trace.WithAttributes(
		attribute.String("llmrouter.provider", p.Name),
		attribute.String("llmrouter.model", p.ModelID),
	))
	defer span.End()

	maxTokens := maxTokensFor(p, req)
	completion, calls, err := retry.Do(ctx, d.retry, func(ctx context.Context) (*providers.Completion, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeoutFor(p))
		defer cancel()

		c, err := adapter.Complete(callCtx, req.Prompt, maxTokens)
		if err != nil {
			return nil, normalize(callCtx, p.Name, err)
		}
		return c, nil
	}, providers.IsRetryable)

	span.SetAttributes(attribute.Int("llmrouter.calls", calls))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return completion, calls, err
}

// settle reports a failed attempt to the breaker and classifies it.
// Cancellation and errors that say nothing about provider health hand the
// slot back without counting a failure; everything else is exactly one
// breaker failure. Only auth errors stop the walk: a rejected request may
// still fit another provider's model.
func (d *Dispatcher) settle(ctx context.Context, breaker *circuitbreaker.Breaker, ticket circuitbreaker.Ticket, err error) Outcome {
	switch {
	case ctx.Err() != nil:
		breaker.Release(ticket)
		return OutcomeCancelled
	case !providers.IsHealthFailure(err):
		breaker.Release(ticket)
		if errors.Is(err, providers.ErrAuth) {
			return OutcomeAborted
		}
		return OutcomeRejected
	default:
		breaker.Record(ticket, false)
		return OutcomeFailed
	}
}

func (d *Dispatcher) skip(provider string) Attempt {
	d.logger.Debug("Circuit open, skipping provider", zap.String("provider", provider))
	metrics.RecordAttempt(provider, string(OutcomeSkipped), 0)
	return newAttempt(provider, OutcomeSkipped, 0, 0, circuitbreaker.ErrCircuitOpen)
}

func (d *Dispatcher) succeed(span trace.Span, req RoutingRequest, plan *routePlan, p routing.ProviderConfig,
	c *providers.Completion, chain []Attempt, start time.Time, streamed bool) *RoutingResponse {

	promptTokens, completionTokens := c.PromptTokens, c.CompletionTokens
	if promptTokens == 0 && completionTokens == 0 {
		promptTokens = providers.EstimateTokens(req.Prompt)
		completionTokens = providers.EstimateTokens(c.Content)
	}
	cost := budget.EstimateCost(p, promptTokens, completionTokens)
	d.guard.Record(cost)

	model := c.Model
	if model == "" {
		model = p.ModelID
	}
	elapsed := d.now().Sub(start)

	resp := &RoutingResponse{
		ProviderUsed:     p.Name,
		Model:            model,
		Content:          c.Content,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CostUSD:          cost,
		LatencyMs:        elapsed.Milliseconds(),
		AttemptCount:     totalCalls(chain),
		FallbackChain:    chain,
		Strategy:         plan.strategy,
		Downgraded:       plan.downgraded,
	}

	metrics.RecordRoute(p.Name, string(req.TaskType), "success", streamed, elapsed)
	metrics.RecordUsage(p.Name, promptTokens, completionTokens, cost)
	d.recordUsage(req, p, promptTokens, completionTokens, cost, elapsed, true, streamed, resp.AttemptCount)

	span.SetAttributes(
		attribute.String("llmrouter.provider", p.Name),
		attribute.Int("llmrouter.attempt_count", resp.AttemptCount),
		attribute.Float64("llmrouter.cost_usd", cost),
	)

	plan.log.Info("Routing call succeeded",
		zap.String("provider", p.Name),
		zap.String("task_type", string(req.TaskType)),
		zap.String("strategy", string(plan.strategy)),
		zap.Int("attempt", resp.AttemptCount),
		zap.Strings("fallback_chain", chainNames(chain)),
		zap.Float64("cost_usd", cost),
		zap.Duration("latency", elapsed),
		zap.Bool("stream", streamed))

	return resp
}

func (d *Dispatcher) exhausted(span trace.Span, req RoutingRequest, plan *routePlan, chain []Attempt, streamed bool, start time.Time) error {
	err := &AllProvidersExhaustedError{FallbackChain: chain, Attempts: totalCalls(chain)}

	// Attribute the failed call to the last provider actually contacted.
	var last routing.ProviderConfig
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].Calls > 0 {
			last, _ = d.registry.Get(chain[i].Provider)
			break
		}
	}
	d.recordUsage(req, last, 0, 0, 0, d.now().Sub(start), false, streamed, err.Attempts)
	d.fail(span, req, last.Name, err, streamed, start)

	plan.log.Error("All providers exhausted",
		zap.String("task_type", string(req.TaskType)),
		zap.String("strategy", string(plan.strategy)),
		zap.Strings("fallback_chain", chainNames(chain)),
		zap.Int("attempt", err.Attempts))
	return err
}

func (d *Dispatcher) cancelled(span trace.Span, req RoutingRequest, chain []Attempt, cause error, streamed bool, start time.Time) error {
	err := &CancelledError{FallbackChain: chain, Err: cause}
	d.fail(span, req, "", err, streamed, start)
	return err
}

func (d *Dispatcher) fail(span trace.Span, req RoutingRequest, provider string, err error, streamed bool, start time.Time) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	status := "error"
	var budgetErr *budget.BudgetExceededError
	switch {
	case errors.As(err, &budgetErr):
		status = "budget_exceeded"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = "cancelled"
	}
	metrics.RecordRoute(provider, string(req.TaskType), status, streamed, d.now().Sub(start))
}

func (d *Dispatcher) recordUsage(req RoutingRequest, p routing.ProviderConfig, promptTokens, completionTokens int,
	cost float64, elapsed time.Duration, success, streamed bool, attempts int) {
	d.recorder.Record(usage.Event{
		Provider:         p.Name,
		Model:            p.ModelID,
		TaskType:         string(req.TaskType),
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CostUSD:          cost,
		LatencyMs:        elapsed.Milliseconds(),
		CacheHit:         false,
		Success:          success,
		Streamed:         streamed,
		AttemptCount:     attempts,
		CallerContext:    req.CallerContext,
	})
}

// normalize turns a raw deadline expiry into a retryable timeout for
// adapters that return context errors as-is.
func normalize(callCtx context.Context, provider string, err error) error {
	var pe *providers.Error
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &providers.Error{Kind: providers.KindTimeout, Provider: provider, Message: "deadline exceeded", Err: err}
	}
	return err
}

func timeoutFor(p routing.ProviderConfig) time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return defaultCallTimeout
}

func maxTokensFor(p routing.ProviderConfig, req RoutingRequest) int {
	n := req.MaxTokens
	if p.MaxTokens > 0 && (n <= 0 || n > p.MaxTokens) {
		n = p.MaxTokens
	}
	return n
}
