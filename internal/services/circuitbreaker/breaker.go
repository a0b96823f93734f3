package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is reported for a provider whose breaker refused the call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config holds the thresholds shared by every breaker in a Set.
type Config struct {
	FailureThreshold int
	OpenDuration     time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5 // Default: 5 failures
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = 30 * time.Second // Default: 30 seconds
	}
	return c
}

// StateChangeFunc is called after a transition, outside the breaker lock.
type StateChangeFunc func(provider string, from, to State)

// Ticket identifies one admitted call. Record and Release only act on a
// ticket issued in the breaker's current generation, so a call admitted
// before the breaker opened can neither decide nor free a half-open trial.
type Ticket struct {
	generation uint64
	trial      bool
}

// Trial reports whether the ticket was issued for the half-open trial.
func (t Ticket) Trial() bool {
	return t.trial
}

// Breaker guards a single provider. Allow and Record form the check-then-act
// pair; both run under one mutex that is never held across a provider call.
type Breaker struct {
	name string

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	trialInFlight bool
	generation    uint64 // bumped on every transition and trial admission

	threshold    int
	openDuration time.Duration

	now      func() time.Time
	onChange StateChangeFunc
}

// New creates a closed breaker for the named provider.
func New(name string, cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		name:         name,
		state:        StateClosed,
		generation:   1,
		threshold:    cfg.FailureThreshold,
		openDuration: cfg.OpenDuration,
		now:          time.Now,
	}
}

// Allow reports whether a call may proceed and returns its ticket. An open
// breaker whose cool-down has elapsed becomes half-open here and admits
// exactly one trial call.
func (b *Breaker) Allow() (Ticket, bool) {
	b.mu.Lock()
	from := b.state
	var ticket Ticket
	allowed := false

	switch b.state {
	case StateClosed:
		ticket = Ticket{generation: b.generation}
		allowed = true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.openDuration {
			b.state = StateHalfOpen
			ticket = b.admitTrial()
			allowed = true
		}
	case StateHalfOpen:
		if !b.trialInFlight {
			ticket = b.admitTrial()
			allowed = true
		}
	}

	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return ticket, allowed
}

// Record applies the outcome of the call holding t. Outcomes from an older
// generation are ignored.
func (b *Breaker) Record(t Ticket, success bool) {
	b.mu.Lock()
	from := b.state

	if t.generation == b.generation {
		switch b.state {
		case StateClosed:
			if success {
				b.failures = 0
			} else {
				b.failures++
				if b.failures >= b.threshold {
					b.open()
				}
			}
		case StateHalfOpen:
			if t.trial && b.trialInFlight {
				b.trialInFlight = false
				if success {
					b.state = StateClosed
					b.failures = 0
					b.generation++
				} else {
					b.open()
				}
			}
		}
	}

	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// Release hands back an admitted call without an outcome, e.g. when the
// caller cancelled or the request itself was rejected. Only the trial's own
// ticket frees the half-open slot.
func (b *Breaker) Release(t Ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && t.trial && t.generation == b.generation && b.trialInFlight {
		b.trialInFlight = false
		b.generation++
	}
}

// State returns the current state without triggering the lazy transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Provider            string    `json:"provider"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	TrialInFlight       bool      `json:"trial_in_flight"`
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		Provider:            b.name,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
		TrialInFlight:       b.trialInFlight,
	}
}

// open must be called with mu held. Every reopening uses the same duration.
func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.trialInFlight = false
	b.generation++
}

// admitTrial must be called with mu held.
func (b *Breaker) admitTrial() Ticket {
	b.generation++
	b.trialInFlight = true
	return Ticket{generation: b.generation, trial: true}
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}
