package dispatcher

import (
	"fmt"
	"strings"
)

// AllProvidersExhaustedError is returned when every candidate was skipped by
// its breaker or failed after retries. It unwraps to the last error of each
// provider, so errors.Is works against circuitbreaker.ErrCircuitOpen and the
// provider error kinds.
type AllProvidersExhaustedError struct {
	FallbackChain []Attempt
	Attempts      int // adapter calls made across the chain
}

func (e *AllProvidersExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "all %d providers exhausted after %d calls", len(e.FallbackChain), e.Attempts)
	for _, a := range e.FallbackChain {
		fmt.Fprintf(&b, "; %s: %s", a.Provider, a.Outcome)
		if a.Err != nil {
			fmt.Fprintf(&b, " (%v)", a.Err)
		}
	}
	return b.String()
}

func (e *AllProvidersExhaustedError) Unwrap() []error {
	var errs []error
	for _, a := range e.FallbackChain {
		if a.Err != nil {
			errs = append(errs, a.Err)
		}
	}
	return errs
}

// LastErrors maps each provider to the last error it produced.
func (e *AllProvidersExhaustedError) LastErrors() map[string]error {
	out := make(map[string]error, len(e.FallbackChain))
	for _, a := range e.FallbackChain {
		if a.Err != nil {
			out[a.Provider] = a.Err
		}
	}
	return out
}

// AbortedError stops the fallback walk on an authentication failure. It
// points at configuration, not at provider health, so it is neither retried
// nor counted against the breaker.
type AbortedError struct {
	Provider      string
	FallbackChain []Attempt
	Err           error
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("routing aborted at provider %s after %d candidates: %v",
		e.Provider, len(e.FallbackChain), e.Err)
}

func (e *AbortedError) Unwrap() error {
	return e.Err
}

// CancelledError is returned when the caller's context ended before a
// provider answered. It unwraps to the context error.
type CancelledError struct {
	FallbackChain []Attempt
	Err           error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("routing cancelled after %d candidates: %v", len(e.FallbackChain), e.Err)
}

func (e *CancelledError) Unwrap() error {
	return e.Err
}
