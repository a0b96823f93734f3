package routing

import (
	"errors"
	"fmt"
)

// ErrNoProviders is matched by a ConfigurationError raised because the
// registry is empty.
var ErrNoProviders = errors.New("no providers registered")

// ErrInvalidStrategy is matched by a ConfigurationError raised for an
// unknown strategy name.
var ErrInvalidStrategy = errors.New("invalid routing strategy")

// ConfigurationError reports bad or missing provider configuration. It is
// fatal at startup; at request time it surfaces for an empty registry or an
// unknown strategy hint.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Err.Error()
	}
	return "configuration error: " + e.Field + ": " + e.Err.Error()
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// InvalidHintError reports a request whose strategy hint is not known.
func InvalidHintError(hint Strategy) *ConfigurationError {
	return &ConfigurationError{Field: "strategy_hint", Err: fmt.Errorf("%w %q", ErrInvalidStrategy, hint)}
}
