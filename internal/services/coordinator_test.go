package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inaiurai/creditengine/internal/ledger"
	"github.com/inaiurai/creditengine/internal/models"
)

func submitOne(t *testing.T, f *fixture, taskID string) *models.GenerationTask {
	t.Helper()
	task, err := f.coord.Submit(context.Background(), SubmitRequest{
		UserID: "u1", Provider: "acme", UserCredits: 1, TaskID: taskID,
	})
	require.NoError(t, err)
	return task
}

func TestSubmit_ChargesUserAndPool(t *testing.T) {
	f := newFixture(t, 10, 100)

	task := submitOne(t, f, "t1")

	assert.Equal(t, models.TaskStateProcessing, task.State)
	assert.Equal(t, int64(1), task.UserCreditsCharged)
	assert.Equal(t, int64(4), task.ProviderCreditsCharged)
	assert.Equal(t, int64(9), f.balance(t, "u1"))
	p := f.pool(t)
	assert.Equal(t, int64(96), p.AvailableBalance)
	assert.Equal(t, p.TotalPurchased-p.TotalConsumed, p.AvailableBalance)
	assert.Equal(t, []string{"t1"}, f.sent.tasks)

	acc, err := f.ledger.GetAccount(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), acc.ConsumedThisMonth)
}

func TestSubmit_FailureWebhookFullRefund(t *testing.T) {
	f := newFixture(t, 10, 100)
	submitOne(t, f, "t1")

	task, err := f.coord.CompleteFailure(context.Background(), "t1", "content_policy_violation", "nsfw")
	require.NoError(t, err)

	assert.Equal(t, models.TaskStateRefunded, task.State)
	assert.Equal(t, int64(10), f.balance(t, "u1"))
	assert.Equal(t, int64(96), f.pool(t).AvailableBalance, "spent provider credits are not returned")

	rec, err := f.refunds.RefundForTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.CreditsRefunded)
	assert.Equal(t, int64(4), rec.PlatformCreditsLost)

	losses, err := f.pools.Losses(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, losses, 1)
	assert.Equal(t, int64(4), losses[0].ProviderCredits)

	acc, err := f.ledger.GetAccount(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acc.ConsumedThisMonth)
}

func TestSubmit_FailureWebhookNoRefund(t *testing.T) {
	f := newFixture(t, 10, 100)
	submitOne(t, f, "t1")

	task, err := f.coord.CompleteFailure(context.Background(), "t1", "user_cancelled_after_generation", "")
	require.NoError(t, err)

	assert.Equal(t, models.TaskStateFailed, task.State)
	assert.Equal(t, int64(9), f.balance(t, "u1"))
	rec, err := f.refunds.RefundForTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.CreditsRefunded)
	assert.Equal(t, int64(4), rec.PlatformCreditsLost)
}

func TestReconcile_TimesOutStaleTasks(t *testing.T) {
	f := newFixture(t, 10, 100)
	submitOne(t, f, "old")
	submitOne(t, f, "fresh")
	f.store.SetTaskCreatedAt("old", time.Now().Add(-2*time.Hour))

	sum, err := f.coord.Reconcile(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, ReconcileSummary{Scanned: 1, Failed: 1}, sum)

	old, err := f.coord.Get(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateRefunded, old.State)
	require.NotNil(t, old.ErrorCode)
	assert.Equal(t, models.ErrorCodeTimeout, *old.ErrorCode)

	fresh, err := f.coord.Get(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateProcessing, fresh.State)
	assert.Equal(t, int64(9), f.balance(t, "u1"))

	sum, err = f.coord.Reconcile(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Scanned)
}

func TestSubmit_InsufficientBalance(t *testing.T) {
	f := newFixture(t, 0, 100)

	_, err := f.coord.Submit(context.Background(), SubmitRequest{UserID: "u1", Provider: "acme", UserCredits: 1, TaskID: "t1"})
	require.ErrorIs(t, err, models.ErrInsufficientBalance)

	_, err = f.coord.Get(context.Background(), "t1")
	assert.ErrorIs(t, err, models.ErrUnknownTask, "task is never created")
	assert.Equal(t, int64(100), f.pool(t).AvailableBalance)
	assert.Empty(t, f.sent.tasks)
}

func TestSubmit_PoolInsufficient(t *testing.T) {
	f := newFixture(t, 10, 3)

	_, err := f.coord.Submit(context.Background(), SubmitRequest{UserID: "u1", Provider: "acme", UserCredits: 1, TaskID: "t1"})
	require.ErrorIs(t, err, models.ErrPoolInsufficient)
	assert.Equal(t, int64(10), f.balance(t, "u1"))
}

// losingPool passes the capacity check but fails the reservation, as when a
// concurrent submission drains the pool between the two.
type losingPool struct {
	PoolReserver
}

func (losingPool) Reserve(context.Context, string, int64) error {
	return errors.New("connection reset")
}

func TestSubmit_CompensatesWhenReserveFails(t *testing.T) {
	f := newFixture(t, 10, 100)
	coord := NewCoordinator(f.store, f.ledger, losingPool{f.pools}, f.scaler, f.refunds, nil, nil)

	_, err := coord.Submit(context.Background(), SubmitRequest{UserID: "u1", Provider: "acme", UserCredits: 3, TaskID: "t1"})
	require.ErrorIs(t, err, models.ErrPoolInsufficient)

	assert.Equal(t, int64(10), f.balance(t, "u1"))
	_, err = coord.Get(context.Background(), "t1")
	assert.ErrorIs(t, err, models.ErrUnknownTask)

	txs, err := f.ledger.Transactions(context.Background(), "u1")
	require.NoError(t, err)
	last := txs[len(txs)-1]
	assert.Equal(t, models.CreditTxCredit, last.Kind)
	assert.Equal(t, models.ReasonCompensationPrefix+"t1", last.Reason)

	acc, err := f.ledger.GetAccount(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acc.ConsumedThisMonth)
}

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t, 10, 100)
	ctx := context.Background()

	_, err := f.coord.Submit(ctx, SubmitRequest{UserID: "u1", Provider: "acme", UserCredits: 0, TaskID: "t1"})
	assert.ErrorIs(t, err, models.ErrInvalidAmount)
	_, err = f.coord.Submit(ctx, SubmitRequest{UserID: "u1", Provider: "acme", UserCredits: 101, TaskID: "t1"})
	assert.ErrorIs(t, err, models.ErrInvalidAmount)
	_, err = f.coord.Submit(ctx, SubmitRequest{UserID: "", Provider: "acme", UserCredits: 1, TaskID: "t1"})
	assert.ErrorIs(t, err, models.ErrInvalidAmount)
	_, err = f.coord.Submit(ctx, SubmitRequest{UserID: "u1", Provider: "nope", UserCredits: 1, TaskID: "t1"})
	assert.ErrorIs(t, err, models.ErrUnknownProvider)

	assert.Equal(t, int64(10), f.balance(t, "u1"))
}

func TestSubmit_DuplicateTask(t *testing.T) {
	f := newFixture(t, 10, 100)
	submitOne(t, f, "t1")

	_, err := f.coord.Submit(context.Background(), SubmitRequest{UserID: "u1", Provider: "acme", UserCredits: 1, TaskID: "t1"})
	require.ErrorIs(t, err, models.ErrDuplicateTask)
	assert.Equal(t, int64(9), f.balance(t, "u1"))
}

func TestSubmit_SuspendedPool(t *testing.T) {
	f := newFixture(t, 10, 100)
	_, err := f.pools.Suspend(context.Background(), "acme")
	require.NoError(t, err)

	_, err = f.coord.Submit(context.Background(), SubmitRequest{UserID: "u1", Provider: "acme", UserCredits: 1, TaskID: "t1"})
	require.ErrorIs(t, err, models.ErrPoolInsufficient)
	assert.Equal(t, int64(10), f.balance(t, "u1"))
}

func TestCompleteSuccess(t *testing.T) {
	f := newFixture(t, 10, 100)
	ctx := context.Background()
	submitOne(t, f, "t1")

	task, err := f.coord.CompleteSuccess(ctx, "t1", "https://cdn.example/out.png")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateSucceeded, task.State)
	require.NotNil(t, task.ResultRef)
	assert.Equal(t, "https://cdn.example/out.png", *task.ResultRef)
	assert.NotNil(t, task.FinalizedAt)

	again, err := f.coord.CompleteSuccess(ctx, "t1", "other")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/out.png", *again.ResultRef)

	_, err = f.coord.CompleteFailure(ctx, "t1", "internal_error", "")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.Equal(t, int64(9), f.balance(t, "u1"))
}

func TestCompleteSuccess_AfterFailure(t *testing.T) {
	f := newFixture(t, 10, 100)
	submitOne(t, f, "t1")
	_, err := f.coord.CompleteFailure(context.Background(), "t1", "content_policy_violation", "")
	require.NoError(t, err)

	_, err = f.coord.CompleteSuccess(context.Background(), "t1", "x")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestComplete_UnknownTask(t *testing.T) {
	f := newFixture(t, 10, 100)
	_, err := f.coord.CompleteSuccess(context.Background(), "missing", "")
	assert.ErrorIs(t, err, models.ErrUnknownTask)
	_, err = f.coord.CompleteFailure(context.Background(), "missing", "timeout", "")
	assert.ErrorIs(t, err, models.ErrUnknownTask)
}

func TestCompleteFailure_Idempotent(t *testing.T) {
	f := newFixture(t, 10, 100)
	submitOne(t, f, "t1")
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coord.CompleteFailure(ctx, "t1", "content_policy_violation", "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.store.RefundCount())
	assert.Equal(t, int64(10), f.balance(t, "u1"))
	losses, err := f.pools.Losses(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, losses, 1)
}

func TestConcurrentSubmitsNeverOverdraw(t *testing.T) {
	f := newFixture(t, 10, 1000)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coord.Submit(ctx, SubmitRequest{
				UserID: "u1", Provider: "acme", UserCredits: 1, TaskID: "c" + string(rune('A'+i)),
			})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, models.ErrInsufficientBalance)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, accepted)
	assert.Equal(t, int64(0), f.balance(t, "u1"))
	p := f.pool(t)
	assert.Equal(t, int64(1000-40), p.AvailableBalance)
	assert.Equal(t, p.TotalPurchased-p.TotalConsumed, p.AvailableBalance)
}

// stuckTasks cannot start tasks, as when the database drops the connection between
// the pool reservation and the state change.
type stuckTasks struct {
	TaskStore
}

func (s stuckTasks) TransitionTask(ctx context.Context, taskID string, tr models.TaskTransition) (*models.GenerationTask, error) {
	if tr.From == models.TaskStateSubmitted && tr.To == models.TaskStateProcessing {
		return nil, errors.New("connection reset")
	}
	return s.TaskStore.TransitionTask(ctx, taskID, tr)
}

func TestSubmit_UndoesChargesWhenStartFails(t *testing.T) {
	f := newFixture(t, 10, 100)
	ctx := context.Background()
	coord := NewCoordinator(stuckTasks{f.store}, f.ledger, f.pools, f.scaler, f.refunds, nil, nil)

	_, err := coord.Submit(ctx, SubmitRequest{UserID: "u1", Provider: "acme", UserCredits: 1, TaskID: "t1"})
	require.ErrorContains(t, err, "start task")

	assert.Equal(t, int64(10), f.balance(t, "u1"))
	p := f.pool(t)
	assert.Equal(t, int64(100), p.AvailableBalance)
	assert.Equal(t, int64(0), p.TotalConsumed)
	_, err = f.coord.Get(ctx, "t1")
	assert.ErrorIs(t, err, models.ErrUnknownTask)

	acc, err := f.ledger.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acc.ConsumedThisMonth)

	task := submitOne(t, f, "t1")
	assert.Equal(t, models.TaskStateProcessing, task.State, "the task id can be submitted again")
	assert.Equal(t, int64(9), f.balance(t, "u1"))
}

// flakyLedger fails the next n idempotent credits.
type flakyLedger struct {
	ledger.Service

	mu    sync.Mutex
	fails int
}

func (l *flakyLedger) CreditOnce(ctx context.Context, userID string, amount int64, reason string) (int64, bool, error) {
	l.mu.Lock()
	if l.fails > 0 {
		l.fails--
		l.mu.Unlock()
		return 0, false, errors.New("connection reset")
	}
	l.mu.Unlock()
	return l.Service.CreditOnce(ctx, userID, amount, reason)
}

// newFlakyRefunds returns a coordinator whose refund credits fail once.
func newFlakyRefunds(f *fixture) *Coordinator {
	fl := &flakyLedger{Service: f.ledger, fails: 1}
	re := NewRefundEngine(f.store, f.store, f.store, fl, f.pools, nil, nil)
	return NewCoordinator(f.store, f.ledger, f.pools, f.scaler, re, nil, nil)
}

func TestCompleteFailure_RedeliveryFinishesRefund(t *testing.T) {
	f := newFixture(t, 10, 100)
	ctx := context.Background()
	coord := newFlakyRefunds(f)
	_, err := coord.Submit(ctx, SubmitRequest{UserID: "u1", Provider: "acme", UserCredits: 1, TaskID: "t1"})
	require.NoError(t, err)

	_, err = coord.CompleteFailure(ctx, "t1", "content_policy_violation", "")
	require.Error(t, err)
	task, err := coord.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateFailed, task.State)
	assert.Equal(t, int64(9), f.balance(t, "u1"))
	assert.Equal(t, 1, f.store.RefundCount())

	task, err = coord.CompleteFailure(ctx, "t1", "content_policy_violation", "")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateRefunded, task.State)
	assert.Equal(t, int64(10), f.balance(t, "u1"))
	assert.Equal(t, 1, f.store.RefundCount())

	task, err = coord.CompleteFailure(ctx, "t1", "content_policy_violation", "")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateRefunded, task.State)
	assert.Equal(t, int64(10), f.balance(t, "u1"), "a settled refund is not paid again")

	losses, err := f.pools.Losses(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, losses, 1)
}

func TestReconcile_ResumesUnsettledRefunds(t *testing.T) {
	f := newFixture(t, 10, 100)
	ctx := context.Background()
	coord := newFlakyRefunds(f)
	for _, id := range []string{"t1", "t2"} {
		_, err := coord.Submit(ctx, SubmitRequest{UserID: "u1", Provider: "acme", UserCredits: 1, TaskID: id})
		require.NoError(t, err)
	}
	_, err := coord.CompleteFailure(ctx, "t1", "content_policy_violation", "")
	require.Error(t, err)
	_, err = coord.CompleteFailure(ctx, "t2", "user_cancelled_after_generation", "")
	require.NoError(t, err)
	assert.Equal(t, int64(8), f.balance(t, "u1"))

	sum, err := coord.Reconcile(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, ReconcileSummary{Resumed: 1}, sum, "only the task owed credits is resumed")

	task, err := coord.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateRefunded, task.State)
	assert.Equal(t, int64(9), f.balance(t, "u1"))

	sum, err = coord.Reconcile(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, ReconcileSummary{}, sum)
}
