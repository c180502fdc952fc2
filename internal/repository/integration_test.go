package repository

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inaiurai/creditengine/internal/models"
)

// testDB connects to TEST_DATABASE_URL and applies the schema. Every test uses
// fresh ids, so the database can be shared between runs.
func testDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, Migrate(ctx, db))
	return db
}

func uniq(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func TestPoolRepo_ReserveAndRelease(t *testing.T) {
	ctx := context.Background()
	repo := NewPoolRepo(testDB(t))
	provider := uniq("acme")
	require.NoError(t, repo.CreatePool(ctx, &models.ProviderCreditPool{
		Provider: provider, AvailableBalance: 8, TotalPurchased: 8, Status: models.PoolStatusActive,
	}))
	assert.ErrorIs(t, repo.CreatePool(ctx, &models.ProviderCreditPool{Provider: provider, Status: models.PoolStatusActive}), models.ErrPoolExists)

	_, err := repo.Reserve(ctx, provider, 9)
	assert.ErrorIs(t, err, models.ErrPoolInsufficient)

	p, err := repo.Reserve(ctx, provider, 8)
	require.NoError(t, err)
	assert.Equal(t, models.PoolStatusDepleted, p.Status)
	assert.Equal(t, int64(0), p.AvailableBalance)
	assert.Equal(t, int64(8), p.TotalConsumed)

	_, err = repo.Reserve(ctx, provider, 1)
	assert.ErrorIs(t, err, models.ErrPoolInsufficient, "a depleted pool takes no reservations")

	_, err = repo.Release(ctx, provider, 9)
	assert.ErrorIs(t, err, models.ErrInvalidAmount)
	p, err = repo.Release(ctx, provider, 3)
	require.NoError(t, err)
	assert.Equal(t, models.PoolStatusActive, p.Status)
	assert.Equal(t, p.TotalPurchased-p.TotalConsumed, p.AvailableBalance)

	p, err = repo.Refill(ctx, provider, 10, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(13), p.AvailableBalance)
	require.NotNil(t, p.LastRefillAt)

	_, err = repo.Reserve(ctx, uniq("ghost"), 1)
	assert.ErrorIs(t, err, models.ErrUnknownProvider)
}

func TestPoolRepo_LossRecordedOncePerTask(t *testing.T) {
	ctx := context.Background()
	repo := NewPoolRepo(testDB(t))
	provider := uniq("acme")
	require.NoError(t, repo.CreatePool(ctx, &models.ProviderCreditPool{Provider: provider, Status: models.PoolStatusDepleted}))

	taskID := uniq("t")
	loss := &models.ProviderLoss{ID: uuid.New(), Provider: provider, TaskID: taskID, ProviderCredits: 4, CreatedAt: time.Now()}
	require.NoError(t, repo.RecordLoss(ctx, loss))
	loss.ID = uuid.New()
	assert.ErrorIs(t, repo.RecordLoss(ctx, loss), models.ErrLossRecorded)

	losses, err := repo.ListLosses(ctx, provider)
	require.NoError(t, err)
	assert.Len(t, losses, 1)
}

func TestTaskRepo_TransitionIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	repo := NewTaskRepo(testDB(t))
	task := &models.GenerationTask{
		TaskID: uniq("t"), UserID: uniq("u"), Provider: "acme",
		UserCreditsCharged: 1, ProviderCreditsCharged: 4, State: models.TaskStateSubmitted,
	}
	require.NoError(t, repo.CreateTask(ctx, task))
	dup := *task
	assert.ErrorIs(t, repo.CreateTask(ctx, &dup), models.ErrDuplicateTask)

	_, err := repo.TransitionTask(ctx, task.TaskID, models.TaskTransition{From: models.TaskStateProcessing, To: models.TaskStateFailed})
	assert.ErrorIs(t, err, models.ErrStateConflict)

	got, err := repo.TransitionTask(ctx, task.TaskID, models.TaskTransition{From: models.TaskStateSubmitted, To: models.TaskStateProcessing})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateProcessing, got.State)

	code := "timeout"
	got, err = repo.TransitionTask(ctx, task.TaskID, models.TaskTransition{From: models.TaskStateProcessing, To: models.TaskStateFailed, ErrorCode: &code})
	require.NoError(t, err)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, code, *got.ErrorCode)

	_, err = repo.TransitionTask(ctx, task.TaskID, models.TaskTransition{From: models.TaskStateProcessing, To: models.TaskStateSucceeded})
	assert.ErrorIs(t, err, models.ErrStateConflict, "only one finalizer wins")

	_, err = repo.TransitionTask(ctx, uniq("missing"), models.TaskTransition{From: models.TaskStateSubmitted, To: models.TaskStateProcessing})
	assert.ErrorIs(t, err, models.ErrUnknownTask)
}

func TestRefundRepo_RecordedOnceAndUnsettledSweep(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	tasks, refunds := NewTaskRepo(db), NewRefundRepo(db)

	ids := map[string]int64{uniq("owed"): 2, uniq("zero"): 0, uniq("norecord"): -1}
	for id, credits := range ids {
		require.NoError(t, tasks.CreateTask(ctx, &models.GenerationTask{
			TaskID: id, UserID: "u1", Provider: "acme", UserCreditsCharged: 2, State: models.TaskStateFailed,
		}))
		if credits < 0 {
			continue
		}
		require.NoError(t, refunds.CreateRefund(ctx, &models.RefundRecord{
			ID: uuid.New(), TaskID: id, UserID: "u1", Provider: "acme", CreditsRefunded: credits, Reason: "test", ErrorCode: "timeout",
		}))
	}
	for id, credits := range ids {
		if credits < 0 {
			continue
		}
		err := refunds.CreateRefund(ctx, &models.RefundRecord{ID: uuid.New(), TaskID: id, UserID: "u1", Provider: "acme", Reason: "again", ErrorCode: "timeout"})
		assert.ErrorIs(t, err, models.ErrRefundRecorded)
	}

	_, err := refunds.GetRefundByTask(ctx, uniq("none"))
	assert.ErrorIs(t, err, models.ErrNotFound)

	unsettled, err := tasks.ListUnsettledFailures(ctx, time.Now().Add(time.Minute), 0)
	require.NoError(t, err)
	found := map[string]bool{}
	for _, task := range unsettled {
		if _, ours := ids[task.TaskID]; ours {
			found[task.TaskID] = true
		}
	}
	for id, credits := range ids {
		assert.Equal(t, credits != 0, found[id], id)
	}
}

func TestCreditRepo_CreditOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewCreditRepo(testDB(t))
	user := uniq("u")

	_, err := repo.Debit(ctx, user, 1, "debit")
	assert.ErrorIs(t, err, models.ErrInsufficientBalance)

	first, applied, err := repo.CreditOnce(ctx, user, 5, models.ReasonRefundPrefix+"t1", true)
	require.NoError(t, err)
	assert.True(t, applied)
	again, applied, err := repo.CreditOnce(ctx, user, 5, models.ReasonRefundPrefix+"t1", true)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, first.ID, again.ID)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := repo.CreditOnce(ctx, user, 3, models.ReasonCompensationPrefix+"t2", true)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	acc, err := repo.GetOrCreateAccount(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(8), acc.CurrentBalance)

	txs, err := repo.ListTransactions(ctx, user)
	require.NoError(t, err)
	assert.Len(t, txs, 2)
}
