package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind classifies a provider failure in the router's own taxonomy.
type Kind int

const (
	KindNetwork Kind = iota
	KindTimeout
	KindRateLimit
	KindServer
	KindAuth
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindRateLimit:
		return "rate_limit"
	case KindServer:
		return "server"
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error is the normalized error every adapter returns.
type Error struct {
	Kind       Kind
	Provider   string
	StatusCode int
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "provider %s: %s", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match on kind alone, e.g. errors.Is(err, ErrAuth).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Provider == "" && t.StatusCode == 0 && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrAuth       = &Error{Kind: KindAuth}
	ErrRateLimit  = &Error{Kind: KindRateLimit}
	ErrTimeout    = &Error{Kind: KindTimeout}
	ErrNetwork    = &Error{Kind: KindNetwork}
	ErrServer     = &Error{Kind: KindServer}
	ErrValidation = &Error{Kind: KindValidation}
)

// Retryable reports whether the kind may be retried against the same provider.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindRateLimit, KindServer:
		return true
	default:
		return false
	}
}

// IsRetryable is the retry predicate used by the dispatcher.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind.Retryable()
	}
	// Unclassified deadline expiry is a timeout; anything else we cannot
	// reason about is not retried.
	return errors.Is(err, context.DeadlineExceeded)
}

// IsHealthFailure reports whether the error says something about the
// provider's health. Auth and validation problems are configuration or
// request problems and must not trip a breaker.
func IsHealthFailure(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind.Retryable()
	}
	return true
}

// RetryAfterHint extracts a provider supplied retry delay, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var pe *Error
	if errors.As(err, &pe) && pe.Kind == KindRateLimit && pe.RetryAfter > 0 {
		return pe.RetryAfter, true
	}
	return 0, false
}

// errorEnvelope matches both OpenAI ({"error":{"message":...}}) and
// Anthropic ({"type":"error","error":{"message":...}}) error bodies.
type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// FromHTTPResponse maps a non-2xx response into the taxonomy.
func FromHTTPResponse(provider string, resp *http.Response, body []byte) *Error {
	e := &Error{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Message:    errorMessage(body),
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e.Kind = KindAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Kind = KindRateLimit
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		e.Kind = KindTimeout
	case resp.StatusCode >= 500:
		e.Kind = KindServer
	default:
		e.Kind = KindValidation
	}
	return e
}

// FromTransportError maps an error returned by http.Client.Do or a body read.
func FromTransportError(provider string, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}

	e := &Error{Provider: provider, Kind: KindNetwork, Err: err}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		e.Kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		e.Kind = KindTimeout
	}
	return e
}

func errorMessage(body []byte) string {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return msg
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
