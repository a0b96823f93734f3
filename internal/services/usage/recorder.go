package usage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AsyncRecorderConfig configures the background writer.
type AsyncRecorderConfig struct {
	Sink       Sink
	Logger     *zap.Logger
	BufferSize int
	Timeout    time.Duration // per write
	OnDrop     func()
	OnError    func()
}

// AsyncRecorder hands events to a single background worker through a
// bounded buffer. When the buffer is full the event is dropped.
type AsyncRecorder struct {
	sink    Sink
	logger  *zap.Logger
	timeout time.Duration
	onDrop  func()
	onError func()

	events chan Event
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewAsyncRecorder(config *AsyncRecorderConfig) *AsyncRecorder {
	if config.BufferSize <= 0 {
		config.BufferSize = 1024
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Second
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	r := &AsyncRecorder{
		sink:    config.Sink,
		logger:  config.Logger,
		timeout: config.Timeout,
		onDrop:  config.OnDrop,
		onError: config.OnError,
		events:  make(chan Event, config.BufferSize),
		done:    make(chan struct{}),
	}

	go r.run()
	return r
}

// Record enqueues the event without blocking.
func (r *AsyncRecorder) Record(event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.drop(event, "recorder closed")
		return
	}

	select {
	case r.events <- event:
	default:
		r.drop(event, "buffer full")
	}
}

// Close stops accepting events and waits for the buffer to drain or ctx to
// expire, whichever comes first.
func (r *AsyncRecorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		r.logger.Warn("Usage recorder closed before draining", zap.Int("pending", len(r.events)))
		return ctx.Err()
	}
}

func (r *AsyncRecorder) run() {
	defer close(r.done)

	for event := range r.events {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		err := r.sink.Write(ctx, event)
		cancel()

		if err != nil {
			r.logger.Error("Failed to write usage event",
				zap.String("event_id", event.ID),
				zap.String("provider", event.Provider),
				zap.Error(err))
			if r.onError != nil {
				r.onError()
			}
		}
	}
}

func (r *AsyncRecorder) drop(event Event, reason string) {
	r.logger.Warn("Dropping usage event",
		zap.String("reason", reason),
		zap.String("event_id", event.ID),
		zap.String("provider", event.Provider))
	if r.onDrop != nil {
		r.onDrop()
	}
}
