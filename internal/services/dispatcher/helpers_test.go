package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/amerfu/llmrouter/internal/services/budget"
	"github.com/amerfu/llmrouter/internal/services/circuitbreaker"
	"github.com/amerfu/llmrouter/internal/services/providers"
	"github.com/amerfu/llmrouter/internal/services/retry"
	"github.com/amerfu/llmrouter/internal/services/routing"
	"github.com/amerfu/llmrouter/internal/services/usage"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeProvider scripts adapter behavior per call number (1-based).
type fakeProvider struct {
	name string

	complete func(ctx context.Context, call int) (*providers.Completion, error)
	stream   func(ctx context.Context, call int) (<-chan providers.StreamChunk, error)

	mu    sync.Mutex
	calls int
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Type() string { return "fake" }

func (f *fakeProvider) Complete(ctx context.Context, prompt string, maxTokens int) (*providers.Completion, error) {
	call := f.nextCall()
	if f.complete == nil {
		return &providers.Completion{Content: "ok from " + f.name, PromptTokens: 10, CompletionTokens: 20}, nil
	}
	return f.complete(ctx, call)
}

func (f *fakeProvider) Stream(ctx context.Context, prompt string, maxTokens int) (<-chan providers.StreamChunk, error) {
	call := f.nextCall()
	if f.stream == nil {
		return chunks(ctx, "hello ", "from "+f.name), nil
	}
	return f.stream(ctx, call)
}

func (f *fakeProvider) nextCall() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.calls
}

func (f *fakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// chunks streams the given contents followed by a final usage chunk.
func chunks(ctx context.Context, contents ...string) <-chan providers.StreamChunk {
	ch := make(chan providers.StreamChunk)
	go func() {
		defer close(ch)
		for _, c := range contents {
			select {
			case ch <- providers.StreamChunk{Content: c}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- providers.StreamChunk{Final: true, PromptTokens: 5, CompletionTokens: 7}:
		case <-ctx.Done():
		}
	}()
	return ch
}

func serverError(name string) error {
	return &providers.Error{Kind: providers.KindServer, Provider: name, StatusCode: 503}
}

type captureRecorder struct {
	mu     sync.Mutex
	events []usage.Event
}

func (r *captureRecorder) Record(e usage.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *captureRecorder) Events() []usage.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]usage.Event(nil), r.events...)
}

type recordingObserver struct {
	mu      sync.Mutex
	samples map[string]int
}

func (o *recordingObserver) Observe(_ context.Context, provider string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.samples == nil {
		o.samples = make(map[string]int)
	}
	o.samples[provider]++
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	d        *Dispatcher
	breakers *circuitbreaker.Set
	guard    *budget.Guard
	recorder *captureRecorder
	observer *recordingObserver
	clock    *fakeClock
	fakes    map[string]*fakeProvider
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	breaker  circuitbreaker.Config
	budget   budget.Config
	retries  int
	ranking  []string
	timeouts map[string]time.Duration
}

func withBudget(cfg budget.Config) harnessOption {
	return func(h *harnessConfig) { h.budget = cfg }
}

func withRetries(n int) harnessOption {
	return func(h *harnessConfig) { h.retries = n }
}

func withBreaker(cfg circuitbreaker.Config) harnessOption {
	return func(h *harnessConfig) { h.breaker = cfg }
}

func withQualityRanking(names ...string) harnessOption {
	return func(h *harnessConfig) { h.ranking = names }
}

func withTimeout(provider string, d time.Duration) harnessOption {
	return func(h *harnessConfig) { h.timeouts[provider] = d }
}

// newHarness registers three providers a, b and c with combined token
// costs 1, 2 and 3 (in millionths of a dollar) unless fakes are given.
// Cost and latency both order them a, b, c.
func newHarness(t *testing.T, fakes []*fakeProvider, opts ...harnessOption) *harness {
	t.Helper()

	hc := &harnessConfig{
		breaker:  circuitbreaker.Config{FailureThreshold: 3, OpenDuration: time.Minute},
		budget:   budget.DefaultConfig(),
		retries:  3,
		timeouts: map[string]time.Duration{},
	}
	for _, opt := range opts {
		opt(hc)
	}

	if fakes == nil {
		fakes = []*fakeProvider{{name: "a"}, {name: "b"}, {name: "c"}}
	}

	var entries []routing.Entry
	byName := make(map[string]*fakeProvider, len(fakes))
	for i, f := range fakes {
		timeout := hc.timeouts[f.name]
		if timeout == 0 {
			timeout = 5 * time.Second
		}
		entries = append(entries, routing.Entry{
			Config: routing.ProviderConfig{
				Name:                   f.name,
				Type:                   "fake",
				ModelID:                f.name + "-model",
				CostPerPromptToken:     float64(i+1) * 0.000001,
				CostPerCompletionToken: float64(i+1) * 0.000002,
				AverageLatencyMs:       (i + 1) * 100,
				PriorityRank:           i + 1,
				Timeout:                timeout,
			},
			Adapter: f,
		})
		byName[f.name] = f
	}

	registry, err := routing.NewRegistry(entries, routing.Options{QualityRanking: hc.ranking}, zap.NewNop())
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	breakers := circuitbreaker.NewSet(hc.breaker, zap.NewNop(), circuitbreaker.WithClock(clock.Now))
	guard := budget.NewGuard(hc.budget, zap.NewNop())
	recorder := &captureRecorder{}
	observer := &recordingObserver{}

	d, err := New(Config{
		Registry: registry,
		Breakers: breakers,
		Guard:    guard,
		Retry: &retry.Config{
			MaxRetries: hc.retries,
			BaseDelay:  time.Millisecond,
			MaxDelay:   5 * time.Millisecond,
			RetryAfter: providers.RetryAfterHint,
		},
		Recorder: recorder,
		Latency:  observer,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)

	return &harness{
		d:        d,
		breakers: breakers,
		guard:    guard,
		recorder: recorder,
		observer: observer,
		clock:    clock,
		fakes:    byName,
	}
}

// trip opens a provider's breaker without contacting it.
func (h *harness) trip(provider string) {
	b := h.breakers.Get(provider)
	for b.State() != circuitbreaker.StateOpen {
		ticket, _ := b.Allow()
		b.Record(ticket, false)
	}
}

func outcomes(chain []Attempt) []Outcome {
	out := make([]Outcome, len(chain))
	for i, a := range chain {
		out[i] = a.Outcome
	}
	return out
}
