package services

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inaiurai/creditengine/internal/metrics"
	"github.com/inaiurai/creditengine/internal/models"
)

func TestClassifyError(t *testing.T) {
	cases := map[string]string{
		"timeout":                         models.ErrorTypeTimeout,
		"internal_error":                  models.ErrorTypeProvider,
		"generation_failed":               models.ErrorTypeProvider,
		"storage_error":                   models.ErrorTypeProvider,
		"provider_error":                  models.ErrorTypeProvider,
		"503":                             models.ErrorTypeProvider,
		"http_502":                        models.ErrorTypeProvider,
		"content_policy_violation":        models.ErrorTypeUser,
		"invalid_input":                   models.ErrorTypeUser,
		"http_422":                        models.ErrorTypeUser,
		"400":                             models.ErrorTypeUser,
		"user_cancelled":                  models.ErrorTypeUserAction,
		"user_cancelled_after_generation": models.ErrorTypeUserAction,
		"unknown_error":                   models.ErrorTypeUnknown,
		"302":                             models.ErrorTypeUnknown,
		"":                                models.ErrorTypeUnknown,
	}
	for code, want := range cases {
		assert.Equal(t, want, ClassifyError(code), "code %q", code)
	}
}

func TestRefundAmount(t *testing.T) {
	assert.Equal(t, int64(1), RefundAmount(1, 100))
	assert.Equal(t, int64(1), RefundAmount(1, 50), "half rounds up")
	assert.Equal(t, int64(0), RefundAmount(1, 49))
	assert.Equal(t, int64(2), RefundAmount(3, 50))
	assert.Equal(t, int64(0), RefundAmount(10, 0))
	assert.Equal(t, int64(10), RefundAmount(10, 150), "clamped to the charge")
	assert.Equal(t, int64(0), RefundAmount(10, -5))

	for charged := int64(0); charged <= 200; charged++ {
		for pct := 0; pct <= 100; pct += 5 {
			got := RefundAmount(charged, pct)
			assert.GreaterOrEqual(t, got, int64(0))
			assert.LessOrEqual(t, got, charged)
		}
	}
}

func TestEvaluate_FallsBackToErrorType(t *testing.T) {
	f := newFixture(t, 10, 100)
	ctx := context.Background()
	_, err := f.coord.Submit(ctx, SubmitRequest{UserID: "u1", Provider: "acme", UserCredits: 3, TaskID: "t1"})
	require.NoError(t, err)

	task, err := f.coord.CompleteFailure(ctx, "t1", "generation_failed", "model crashed")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateRefunded, task.State)

	rec, err := f.refunds.RefundForTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.CreditsRefunded, "50% of 3 rounds up to 2")
	assert.Equal(t, int64(12), rec.PlatformCreditsLost)
	assert.Equal(t, "generation_failed", rec.ErrorCode)
	assert.Equal(t, int64(9), f.balance(t, "u1"))
}

func TestEvaluate_NoPolicy(t *testing.T) {
	f := newFixture(t, 10, 100)
	ctx := context.Background()
	submitOne(t, f, "t1")

	task, err := f.coord.CompleteFailure(ctx, "t1", "something_new", "")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateFailed, task.State)

	rec, err := f.refunds.RefundForTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.RefundReasonNoPolicy, rec.Reason)
	assert.Equal(t, int64(0), rec.CreditsRefunded)
	assert.Equal(t, int64(9), f.balance(t, "u1"))
}

func TestEvaluate_RejectsNonFailedTask(t *testing.T) {
	f := newFixture(t, 10, 100)
	task := submitOne(t, f, "t1")

	_, err := f.refunds.Evaluate(context.Background(), task)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.Equal(t, 0, f.store.RefundCount())
}

func TestEvaluate_SecondCallReturnsStoredRecord(t *testing.T) {
	f := newFixture(t, 10, 100)
	ctx := context.Background()
	submitOne(t, f, "t1")
	_, err := f.coord.CompleteFailure(ctx, "t1", "user_cancelled_after_generation", "")
	require.NoError(t, err)

	failed, err := f.coord.Get(ctx, "t1")
	require.NoError(t, err)
	out, err := f.refunds.Evaluate(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, int64(0), out.Record.CreditsRefunded)
	assert.Equal(t, 1, f.store.RefundCount())
	assert.Equal(t, int64(9), f.balance(t, "u1"))
}

func TestEvaluate_CriticalCodeRaisesAlert(t *testing.T) {
	f := newFixture(t, 10, 100)
	m := metrics.New(prometheus.NewRegistry())
	f.refunds.metrics = m
	submitOne(t, f, "t1")

	_, err := f.coord.CompleteFailure(context.Background(), "t1", "internal_error", "disk full")
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Alerts.WithLabelValues("internal_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Refunds.WithLabelValues("acme", "true")))
}

func TestPolicies(t *testing.T) {
	f := newFixture(t, 0, 100)
	list, err := f.refunds.Policies(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, len(testPolicies))
}

func TestPlatformStatus(t *testing.T) {
	f := newFixture(t, 10, 101)
	submitOne(t, f, "t1")

	rows, err := PlatformStatus(context.Background(), f.pools, f.scaler)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "acme", rows[0].Provider)
	assert.Equal(t, int64(97), rows[0].AvailableBalance)
	assert.Equal(t, int64(24), rows[0].AvailableUserCredits)
	assert.Equal(t, int64(4), rows[0].TotalConsumed)
}
