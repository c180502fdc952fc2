package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.TaskSubmitted("acme")
	m.RefundDecision("acme", true, 3)
	m.LedgerOp("debit", errors.New("x"))
	m.PoolBalance("acme", 10)
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.TaskSubmitted("acme")
	m.TaskSubmitted("acme")
	m.RefundDecision("acme", true, 3)
	m.RefundDecision("acme", false, 0)
	m.Loss("acme", 4)
	m.PoolBalance("acme", 96)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.TasksSubmitted.WithLabelValues("acme")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Refunds.WithLabelValues("acme", "true")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Refunds.WithLabelValues("acme", "false")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.CreditsRefunded.WithLabelValues("acme")))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.ProviderLoss.WithLabelValues("acme")))
	assert.Equal(t, float64(96), testutil.ToFloat64(m.PoolAvailable.WithLabelValues("acme")))
}
