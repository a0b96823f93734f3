package circuitbreaker

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Set manages one breaker per provider.
type Set struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker

	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
	onChange StateChangeFunc
}

type Option func(*Set)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Set) { s.now = now }
}

// WithStateChange registers a hook fired on every transition.
func WithStateChange(fn StateChangeFunc) Option {
	return func(s *Set) { s.onChange = fn }
}

func NewSet(cfg Config, logger *zap.Logger, opts ...Option) *Set {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Set{
		breakers: make(map[string]*Breaker),
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get gets or creates the breaker for a provider.
func (s *Set) Get(provider string) *Breaker {
	s.mu.RLock()
	b, exists := s.breakers[provider]
	s.mu.RUnlock()

	if exists {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if b, exists = s.breakers[provider]; exists {
		return b
	}

	b = New(provider, s.cfg)
	b.now = s.now
	b.onChange = s.transition
	s.breakers[provider] = b
	return b
}

// Snapshots returns every breaker's state ordered by provider name.
func (s *Set) Snapshots() []Snapshot {
	s.mu.RLock()
	breakers := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		breakers = append(breakers, b)
	}
	s.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		snaps = append(snaps, b.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Provider < snaps[j].Provider })
	return snaps
}

func (s *Set) transition(provider string, from, to State) {
	fields := []zap.Field{
		zap.String("provider", provider),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	}
	if to == StateOpen {
		s.logger.Warn("Circuit breaker opened", fields...)
	} else {
		s.logger.Info("Circuit breaker state changed", fields...)
	}

	if s.onChange != nil {
		s.onChange(provider, from, to)
	}
}
