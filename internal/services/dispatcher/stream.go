package dispatcher

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/amerfu/llmrouter/internal/metrics"
	"github.com/amerfu/llmrouter/internal/services/circuitbreaker"
	"github.com/amerfu/llmrouter/internal/services/providers"
	"github.com/amerfu/llmrouter/internal/services/retry"
	"github.com/amerfu/llmrouter/internal/services/routing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrStreamInterrupted is the terminal error of a stream whose provider
// failed after the first chunk was delivered. It wraps the provider error.
var ErrStreamInterrupted = errors.New("stream interrupted after first chunk")

// Stream is a finite, non-restartable sequence of content chunks from the
// single provider that produced the first chunk. Read it with Recv until
// io.EOF or a terminal error; always Close it.
type Stream struct {
	d        *Dispatcher
	req      RoutingRequest
	plan     *routePlan
	provider routing.ProviderConfig
	model    string
	breaker  *circuitbreaker.Breaker
	ticket   circuitbreaker.Ticket
	span     trace.Span
	start    time.Time

	ctx    context.Context
	cancel context.CancelFunc // cancels the stream and the provider connection

	out  chan string
	done chan struct{}

	mu    sync.Mutex
	chain []Attempt
	err   error
	resp  *RoutingResponse

	closeOnce sync.Once
}

// connection is a provider stream that produced its first chunk.
type connection struct {
	first  providers.StreamChunk
	src    <-chan providers.StreamChunk
	cancel context.CancelFunc
}

// RouteStream picks a provider the same way Route does, falling back on any
// failure before the first chunk arrives. Once a chunk was received the
// provider is committed: later failures end the stream with an error
// wrapping ErrStreamInterrupted and no other provider is tried.
func (d *Dispatcher) RouteStream(ctx context.Context, req RoutingRequest) (*Stream, error) {
	start := d.now()
	req.Stream = true

	streamCtx, cancel := context.WithCancel(ctx)
	streamCtx, span := d.tracer.Start(streamCtx, "dispatcher.RouteStream", trace.WithAttributes(
		attribute.String("llmrouter.task_type", string(req.TaskType)),
		attribute.String("llmrouter.strategy_hint", string(req.StrategyHint)),
	))

	abort := func(err error) (*Stream, error) {
		span.End()
		cancel()
		return nil, err
	}

	plan, err := d.plan(streamCtx, req)
	if err != nil {
		d.fail(span, req, "", err, true, start)
		return abort(err)
	}

	var chain []Attempt
	for _, p := range plan.candidates {
		if err := streamCtx.Err(); err != nil {
			return abort(d.cancelled(span, req, chain, err, true, start))
		}

		breaker := d.breakers.Get(p.Name)
		ticket, ok := breaker.Allow()
		if !ok {
			chain = append(chain, d.skip(p.Name))
			continue
		}

		adapter, _ := d.registry.Adapter(p.Name)
		callStart := d.now()
		conn, calls, err := d.connect(streamCtx, p, adapter, req)
		latency := d.now().Sub(callStart)

		if err == nil {
			chain = append(chain, newAttempt(p.Name, OutcomeSuccess, calls, latency, nil))
			s := &Stream{
				d:        d,
				req:      req,
				plan:     plan,
				provider: p,
				model:    p.ModelID,
				breaker:  breaker,
				ticket:   ticket,
				span:     span,
				start:    start,
				ctx:      streamCtx,
				cancel:   cancel,
				out:      make(chan string),
				done:     make(chan struct{}),
				chain:    chain,
			}
			if d.latency != nil {
				d.latency.Observe(streamCtx, p.Name, latency)
			}
			plan.log.Debug("Stream committed to provider",
				zap.String("provider", p.Name),
				zap.Strings("fallback_chain", chainNames(chain)))
			go s.pump(conn)
			return s, nil
		}

		outcome := d.settle(streamCtx, breaker, ticket, err)
		chain = append(chain, newAttempt(p.Name, outcome, calls, latency, err))
		metrics.RecordAttempt(p.Name, string(outcome), calls)

		switch outcome {
		case OutcomeCancelled:
			return abort(d.cancelled(span, req, chain, streamCtx.Err(), true, start))
		case OutcomeAborted:
			aerr := &AbortedError{Provider: p.Name, FallbackChain: chain, Err: err}
			d.fail(span, req, p.Name, aerr, true, start)
			d.recordUsage(req, p, 0, 0, 0, d.now().Sub(start), false, true, totalCalls(chain))
			return abort(aerr)
		}

		plan.log.Warn("Stream connection failed, trying next candidate",
			zap.String("provider", p.Name),
			zap.String("task_type", string(req.TaskType)),
			zap.String("outcome", string(outcome)),
			zap.Int("attempt", calls),
			zap.Bool("retries_exhausted", retry.IsExhausted(err)),
			zap.Error(err))
	}

	return abort(d.exhausted(span, req, plan, chain, true, start))
}

// connect opens a provider stream through the retry wrapper and waits for
// the first chunk, which is the commit point.
func (d *Dispatcher) connect(ctx context.Context, p routing.ProviderConfig, adapter providers.Provider, req RoutingRequest) (*connection, int, error) {
	maxTokens := maxTokensFor(p, req)

	return retry.Do(ctx, d.retry, func(ctx context.Context) (*connection, error) {
		// The deadline covers the whole stream, not only the connect.
		callCtx, cancel := context.WithTimeout(ctx, timeoutFor(p))

		src, err := adapter.Stream(callCtx, req.Prompt, maxTokens)
		if err != nil {
			err = normalize(callCtx, p.Name, err)
			cancel()
			return nil, err
		}

		select {
		case chunk, ok := <-src:
			switch {
			case !ok:
				cancel()
				return nil, &providers.Error{Kind: providers.KindNetwork, Provider: p.Name, Message: "stream closed before first chunk"}
			case chunk.Err != nil:
				err := normalize(callCtx, p.Name, chunk.Err)
				cancel()
				return nil, err
			}
			return &connection{first: chunk, src: src, cancel: cancel}, nil
		case <-callCtx.Done():
			err := normalize(callCtx, p.Name, callCtx.Err())
			cancel()
			return nil, err
		}
	}, providers.IsRetryable)
}

// pump forwards chunks to the caller until the provider finishes, fails or
// the stream is closed.
func (s *Stream) pump(conn *connection) {
	defer close(s.done)
	defer close(s.out)
	defer conn.cancel()

	var content strings.Builder
	chunk, ok := conn.first, true

	for {
		if !ok {
			if s.ctx.Err() != nil {
				s.finishCancelled()
				return
			}
			s.finishFailed(&providers.Error{Kind: providers.KindNetwork, Provider: s.provider.Name, Message: "stream ended without completion"})
			return
		}
		if chunk.Err != nil {
			if s.ctx.Err() != nil {
				s.finishCancelled()
				return
			}
			s.finishFailed(chunk.Err)
			return
		}

		if chunk.Content != "" {
			content.WriteString(chunk.Content)
			select {
			case s.out <- chunk.Content:
			case <-s.ctx.Done():
				s.finishCancelled()
				return
			}
		}

		if chunk.Final {
			s.finishSucceeded(content.String(), chunk.PromptTokens, chunk.CompletionTokens)
			return
		}

		select {
		case chunk, ok = <-conn.src:
		case <-s.ctx.Done():
			s.finishCancelled()
			return
		}
	}
}

func (s *Stream) finishSucceeded(content string, promptTokens, completionTokens int) {
	s.breaker.Record(s.ticket, true)
	metrics.RecordAttempt(s.provider.Name, string(OutcomeSuccess), s.chain[len(s.chain)-1].Calls)

	c := &providers.Completion{
		Content:          content,
		Model:            s.model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
	}
	resp := s.d.succeed(s.span, s.req, s.plan, s.provider, c, s.chain, s.start, true)
	if s.chain[0].Provider != s.provider.Name {
		metrics.RecordFallback(string(s.req.TaskType))
	}
	s.span.End()

	s.mu.Lock()
	s.resp = resp
	s.mu.Unlock()
}

func (s *Stream) finishFailed(cause error) {
	s.breaker.Record(s.ticket, false)
	metrics.RecordAttempt(s.provider.Name, string(OutcomeFailed), s.chain[len(s.chain)-1].Calls)

	err := &streamError{provider: s.provider.Name, cause: cause}
	s.d.fail(s.span, s.req, s.provider.Name, err, true, s.start)
	s.d.recordUsage(s.req, s.provider, 0, 0, 0, s.d.now().Sub(s.start), false, true, totalCalls(s.chain))
	s.span.End()

	s.plan.log.Error("Stream failed after first chunk",
		zap.String("provider", s.provider.Name),
		zap.String("task_type", string(s.req.TaskType)),
		zap.Error(cause))

	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Stream) finishCancelled() {
	s.breaker.Release(s.ticket)
	metrics.RecordAttempt(s.provider.Name, string(OutcomeCancelled), s.chain[len(s.chain)-1].Calls)

	cause := context.Cause(s.ctx)
	if cause == nil {
		cause = context.Canceled
	}
	err := &CancelledError{FallbackChain: s.chain, Err: cause}
	s.d.fail(s.span, s.req, s.provider.Name, err, true, s.start)
	s.d.recordUsage(s.req, s.provider, 0, 0, 0, s.d.now().Sub(s.start), false, true, totalCalls(s.chain))
	s.span.End()

	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Recv returns the next content chunk. It returns io.EOF after a successful
// end, or the terminal error otherwise.
func (s *Stream) Recv() (string, error) {
	chunk, ok := <-s.out
	if ok {
		return chunk, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

// Close cancels the stream and releases the provider connection. It waits
// for the forwarding goroutine to exit and is safe to call more than once.
// Closing never counts as a breaker failure.
func (s *Stream) Close() error {
	s.closeOnce.Do(s.cancel)
	<-s.done
	return nil
}

// Provider returns the name of the committed provider.
func (s *Stream) Provider() string {
	return s.provider.Name
}

// FallbackChain returns the candidates considered before the commit.
func (s *Stream) FallbackChain() []Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Attempt(nil), s.chain...)
}

// Response returns the final accounting after Recv reported io.EOF, or nil.
func (s *Stream) Response() *RoutingResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resp
}

type streamError struct {
	provider string
	cause    error
}

func (e *streamError) Error() string {
	return ErrStreamInterrupted.Error() + ": provider " + e.provider + ": " + e.cause.Error()
}

func (e *streamError) Unwrap() []error {
	return []error{ErrStreamInterrupted, e.cause}
}
