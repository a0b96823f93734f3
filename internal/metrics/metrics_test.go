package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordRoute(t *testing.T) {
	before := testutil.ToFloat64(routeRequestsTotal.WithLabelValues("a", "general", "success", "stream"))
	RecordRoute("a", "general", "success", true, 200*time.Millisecond)
	after := testutil.ToFloat64(routeRequestsTotal.WithLabelValues("a", "general", "success", "stream"))
	assert.Equal(t, before+1, after)
}

func TestRecordAttemptCountsRetries(t *testing.T) {
	before := testutil.ToFloat64(providerRetries.WithLabelValues("retry-test"))
	RecordAttempt("retry-test", "success", 3)
	RecordAttempt("retry-test", "failed", 1)
	assert.Equal(t, before+2, testutil.ToFloat64(providerRetries.WithLabelValues("retry-test")))
	assert.Equal(t, 1.0, testutil.ToFloat64(providerAttempts.WithLabelValues("retry-test", "failed")))
}

func TestGauges(t *testing.T) {
	SetBreakerState("gauge-test", 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(breakerState.WithLabelValues("gauge-test")))

	SetBudgetSpent(1.5, 12)
	assert.Equal(t, 1.5, testutil.ToFloat64(budgetSpent.WithLabelValues("daily")))
	assert.Equal(t, 12.0, testutil.ToFloat64(budgetSpent.WithLabelValues("monthly")))
}

func TestRecordUsage(t *testing.T) {
	RecordUsage("usage-test", 10, 20, 0.25)
	assert.Equal(t, 10.0, testutil.ToFloat64(tokensUsed.WithLabelValues("usage-test", "prompt")))
	assert.Equal(t, 20.0, testutil.ToFloat64(tokensUsed.WithLabelValues("usage-test", "completion")))
	assert.Equal(t, 0.25, testutil.ToFloat64(costTotal.WithLabelValues("usage-test")))
}
