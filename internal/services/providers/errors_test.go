package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"network", &Error{Kind: KindNetwork}, true},
		{"timeout", &Error{Kind: KindTimeout}, true},
		{"rate limit", &Error{Kind: KindRateLimit}, true},
		{"server", &Error{Kind: KindServer}, true},
		{"auth", &Error{Kind: KindAuth}, false},
		{"validation", &Error{Kind: KindValidation}, false},
		{"wrapped server", fmt.Errorf("call: %w", &Error{Kind: KindServer}), true},
		{"bare deadline", context.DeadlineExceeded, true},
		{"bare canceled", context.Canceled, false},
		{"unknown", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestFromTransportError(t *testing.T) {
	e := FromTransportError("p", fmt.Errorf("dial: %w", context.DeadlineExceeded))
	assert.Equal(t, KindTimeout, e.Kind)

	e = FromTransportError("p", errors.New("connection refused"))
	assert.Equal(t, KindNetwork, e.Kind)
	assert.Equal(t, "p", e.Provider)

	orig := &Error{Kind: KindAuth, Provider: "q"}
	assert.Same(t, orig, FromTransportError("p", orig))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))

	future := time.Now().Add(10 * time.Second).UTC().Format(http.TimeFormat)
	d := parseRetryAfter(future)
	assert.Greater(t, d, 5*time.Second)
	assert.LessOrEqual(t, d, 10*time.Second)
}

func TestErrorIsMatchesKindOnly(t *testing.T) {
	err := &Error{Kind: KindRateLimit, Provider: "a", StatusCode: 429, Message: "x"}
	assert.True(t, errors.Is(err, ErrRateLimit))
	assert.False(t, errors.Is(err, ErrServer))
	assert.Equal(t, "provider a: rate_limit (status 429): x", err.Error())
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("ab"))
	assert.Equal(t, 25, EstimateTokens(string(make([]byte, 100))))
}
