package dispatcher

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/amerfu/llmrouter/internal/services/budget"
	"github.com/amerfu/llmrouter/internal/services/circuitbreaker"
	"github.com/amerfu/llmrouter/internal/services/providers"
	"github.com/amerfu/llmrouter/internal/services/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(s *Stream) ([]string, error) {
	var out []string
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, chunk)
	}
}

func TestRouteStream_Success(t *testing.T) {
	h := newHarness(t, nil)

	s, err := h.d.RouteStream(context.Background(), RoutingRequest{
		TaskType:      routing.TaskEnrichment,
		Prompt:        "enrich",
		CallerContext: "lead-1",
	})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	got, err := drain(s)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello ", "from a"}, got)
	assert.Equal(t, "a", s.Provider())

	resp := s.Response()
	require.NotNil(t, resp)
	assert.Equal(t, "hello from a", resp.Content)
	assert.Equal(t, 5, resp.PromptTokens)
	assert.Equal(t, 7, resp.CompletionTokens)

	a, _ := h.d.registry.Get("a")
	assert.Equal(t, budget.EstimateCost(a, 5, 7), h.guard.Snapshot().SpentTodayUSD)

	events := h.recorder.Events()
	require.Len(t, events, 1)
	assert.True(t, events[0].Success)
	assert.True(t, events[0].Streamed)
	assert.Equal(t, "lead-1", events[0].CallerContext)

	// Recv after the end keeps reporting EOF.
	_, err = s.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestRouteStream_ConnectFailureFallsBack(t *testing.T) {
	a := &fakeProvider{name: "a", stream: func(context.Context, int) (<-chan providers.StreamChunk, error) {
		return nil, serverError("a")
	}}
	h := newHarness(t, []*fakeProvider{a, {name: "b"}}, withRetries(1))

	s, err := h.d.RouteStream(context.Background(), RoutingRequest{TaskType: routing.TaskGeneral})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	assert.Equal(t, "b", s.Provider())
	assert.Equal(t, []Outcome{OutcomeFailed, OutcomeSuccess}, outcomes(s.FallbackChain()))
	assert.Equal(t, 2, a.Calls())

	got, err := drain(s)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello ", "from b"}, got)
	assert.Equal(t, 1, h.breakers.Get("a").Snapshot().ConsecutiveFailures)
}

func TestRouteStream_ErrorBeforeFirstChunkFallsBack(t *testing.T) {
	a := &fakeProvider{name: "a", stream: func(context.Context, int) (<-chan providers.StreamChunk, error) {
		ch := make(chan providers.StreamChunk, 1)
		ch <- providers.StreamChunk{Err: &providers.Error{Kind: providers.KindNetwork, Provider: "a", Message: "reset"}}
		close(ch)
		return ch, nil
	}}
	h := newHarness(t, []*fakeProvider{a, {name: "b"}}, withRetries(0))

	s, err := h.d.RouteStream(context.Background(), RoutingRequest{TaskType: routing.TaskGeneral})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	assert.Equal(t, "b", s.Provider())
	chain := s.FallbackChain()
	require.Len(t, chain, 2)
	assert.ErrorIs(t, chain[0].Err, providers.ErrNetwork)
}

func TestRouteStream_MidStreamDropIsTerminal(t *testing.T) {
	a := &fakeProvider{name: "a", stream: func(ctx context.Context, _ int) (<-chan providers.StreamChunk, error) {
		ch := make(chan providers.StreamChunk)
		go func() {
			defer close(ch)
			for _, c := range []providers.StreamChunk{
				{Content: "one"},
				{Content: "two"},
				{Err: &providers.Error{Kind: providers.KindNetwork, Provider: "a", Message: "connection dropped"}},
			} {
				select {
				case ch <- c:
				case <-ctx.Done():
					return
				}
			}
		}()
		return ch, nil
	}}
	h := newHarness(t, []*fakeProvider{a, {name: "b"}})

	s, err := h.d.RouteStream(context.Background(), RoutingRequest{TaskType: routing.TaskGeneral})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	got, err := drain(s)
	assert.Equal(t, []string{"one", "two"}, got)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStreamInterrupted)
	assert.ErrorIs(t, err, providers.ErrNetwork)

	assert.Equal(t, 0, h.fakes["b"].Calls(), "no fallback after the first chunk")
	assert.Equal(t, 1, h.breakers.Get("a").Snapshot().ConsecutiveFailures)
	assert.Nil(t, s.Response())
	assert.Zero(t, h.guard.Snapshot().SpentTodayUSD)

	events := h.recorder.Events()
	require.Len(t, events, 1)
	assert.False(t, events[0].Success)
}

func TestRouteStream_CloseReleasesConnection(t *testing.T) {
	released := make(chan struct{})
	a := &fakeProvider{name: "a", stream: func(ctx context.Context, _ int) (<-chan providers.StreamChunk, error) {
		ch := make(chan providers.StreamChunk)
		go func() {
			defer close(released)
			defer close(ch)
			select {
			case ch <- providers.StreamChunk{Content: "first"}:
			case <-ctx.Done():
				return
			}
			<-ctx.Done()
		}()
		return ch, nil
	}}
	h := newHarness(t, []*fakeProvider{a, {name: "b"}}, withBreaker(circuitbreaker.Config{FailureThreshold: 1, OpenDuration: time.Minute}))

	s, err := h.d.RouteStream(context.Background(), RoutingRequest{TaskType: routing.TaskGeneral})
	require.NoError(t, err)

	chunk, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "first", chunk)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("provider connection was not released")
	}

	_, err = s.Recv()
	assert.ErrorIs(t, err, context.Canceled)

	snap := h.breakers.Get("a").Snapshot()
	assert.Equal(t, circuitbreaker.StateClosed, snap.State, "cancellation is not a breaker failure")
	assert.Equal(t, 0, snap.ConsecutiveFailures)
}

func TestRouteStream_CallerContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &fakeProvider{name: "a", stream: func(ctx context.Context, _ int) (<-chan providers.StreamChunk, error) {
		ch := make(chan providers.StreamChunk)
		go func() {
			defer close(ch)
			select {
			case ch <- providers.StreamChunk{Content: "first"}:
			case <-ctx.Done():
				return
			}
			<-ctx.Done()
		}()
		return ch, nil
	}}
	h := newHarness(t, []*fakeProvider{a})

	s, err := h.d.RouteStream(ctx, RoutingRequest{TaskType: routing.TaskGeneral})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	_, err = s.Recv()
	require.NoError(t, err)
	cancel()

	_, err = drain(s)
	var cancelled *CancelledError
	require.True(t, errors.As(err, &cancelled))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, h.breakers.Get("a").Snapshot().ConsecutiveFailures)
}

func TestRouteStream_AllOpen(t *testing.T) {
	h := newHarness(t, nil)
	for _, name := range []string{"a", "b", "c"} {
		h.trip(name)
	}

	s, err := h.d.RouteStream(context.Background(), RoutingRequest{TaskType: routing.TaskGeneral})
	assert.Nil(t, s)

	var exhausted *AllProvidersExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Len(t, exhausted.FallbackChain, 3)
	for _, f := range h.fakes {
		assert.Equal(t, 0, f.Calls())
	}
}

func TestRouteStream_ValidationErrorFallsBack(t *testing.T) {
	a := &fakeProvider{name: "a", stream: func(context.Context, int) (<-chan providers.StreamChunk, error) {
		return nil, &providers.Error{Kind: providers.KindValidation, Provider: "a", StatusCode: 400}
	}}
	h := newHarness(t, []*fakeProvider{a, {name: "b"}})

	s, err := h.d.RouteStream(context.Background(), RoutingRequest{TaskType: routing.TaskGeneral, StrategyHint: routing.StrategyCost})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	assert.Equal(t, "b", s.Provider())
	assert.Equal(t, []Outcome{OutcomeRejected, OutcomeSuccess}, outcomes(s.FallbackChain()))
	assert.Equal(t, 1, a.Calls())
	assert.Equal(t, 0, h.breakers.Get("a").Snapshot().ConsecutiveFailures)
}

func TestRouteStream_AuthAborts(t *testing.T) {
	a := &fakeProvider{name: "a", stream: func(context.Context, int) (<-chan providers.StreamChunk, error) {
		return nil, &providers.Error{Kind: providers.KindAuth, Provider: "a", StatusCode: 401}
	}}
	h := newHarness(t, []*fakeProvider{a, {name: "b"}})

	_, err := h.d.RouteStream(context.Background(), RoutingRequest{TaskType: routing.TaskGeneral, StrategyHint: routing.StrategyCost})

	var aborted *AbortedError
	require.True(t, errors.As(err, &aborted))
	assert.ErrorIs(t, err, providers.ErrAuth)
	assert.Equal(t, 1, a.Calls())
	assert.Equal(t, 0, h.fakes["b"].Calls())
}
