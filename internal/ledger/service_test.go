package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inaiurai/creditengine/internal/models"
	"github.com/inaiurai/creditengine/internal/repository/memory"
)

func TestDebitCredit(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memory.New(), nil, nil)

	bal, err := svc.Credit(ctx, "u1", 10, "grant")
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal)

	bal, err = svc.Debit(ctx, "u1", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(7), bal)

	_, err = svc.Debit(ctx, "u1", 8)
	assert.ErrorIs(t, err, models.ErrInsufficientBalance)

	bal, err = svc.Credit(ctx, "u1", 3, models.ReasonCompensationPrefix+"t1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal, "debit then credit restores the balance")

	acc, err := svc.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acc.ConsumedThisMonth)

	txs, err := svc.Transactions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, models.CreditTxDebit, txs[1].Kind)
}

func TestRejectsInvalidAmounts(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memory.New(), nil, nil)

	_, err := svc.Debit(ctx, "u1", 0)
	assert.ErrorIs(t, err, models.ErrInvalidAmount)
	_, err = svc.Debit(ctx, "u1", -1)
	assert.ErrorIs(t, err, models.ErrInvalidAmount)
	_, err = svc.Credit(ctx, "u1", -1, "x")
	assert.ErrorIs(t, err, models.ErrInvalidAmount)
	_, err = svc.GetBalance(ctx, "")
	assert.ErrorIs(t, err, models.ErrInvalidAmount)

	bal, err := svc.Credit(ctx, "u1", 0, "noop")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal)
}

func TestPlainCreditKeepsConsumption(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memory.New(), nil, nil)
	_, err := svc.Credit(ctx, "u1", 5, "grant")
	require.NoError(t, err)
	_, err = svc.Debit(ctx, "u1", 2)
	require.NoError(t, err)
	_, err = svc.Credit(ctx, "u1", 2, "bonus")
	require.NoError(t, err)

	acc, err := svc.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), acc.ConsumedThisMonth)

	_, err = svc.Credit(ctx, "u1", 9, models.ReasonRefundPrefix+"t9")
	require.NoError(t, err)
	acc, err = svc.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acc.ConsumedThisMonth, "floored at zero")
}

func TestConcurrentDebitsNeverGoNegative(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memory.New(), nil, nil)
	_, err := svc.Credit(ctx, "u1", 50, "grant")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for range 200 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := svc.Debit(ctx, "u1", 1); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
		go func() {
			defer wg.Done()
			bal, err := svc.GetBalance(ctx, "u1")
			assert.NoError(t, err)
			assert.GreaterOrEqual(t, bal, int64(0))
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, ok)
	bal, err := svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal)
}

func TestMonthlyReset(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memory.New(), nil, nil)

	_, err := svc.SetAllowance(ctx, "u1", models.TierPlus, models.DefaultMonthlyAllowance[models.TierPlus])
	require.NoError(t, err)
	_, err = svc.SetAllowance(ctx, "u2", "", 25)
	require.NoError(t, err)
	_, err = svc.SetAllowance(ctx, "u3", models.TierPro, -1)
	assert.ErrorIs(t, err, models.ErrInvalidAmount)

	acc, err := svc.ResetMonthly(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), acc.CurrentBalance)
	_, err = svc.Debit(ctx, "u1", 4)
	require.NoError(t, err)

	n, err := svc.ResetAllMonthly(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	acc, err = svc.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), acc.CurrentBalance)
	assert.Equal(t, int64(0), acc.ConsumedThisMonth)

	acc, err = svc.GetAccount(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, acc.SubscriptionTier)
	assert.Equal(t, int64(25), acc.CurrentBalance)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memory.New(), nil, nil)
	_, err := svc.Credit(ctx, "u1", 7, "grant")
	require.NoError(t, err)

	require.NoError(t, svc.Close(ctx, "u1"))
	bal, err := svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal)
}

func TestCreditOnce(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memory.New(), nil, nil)
	_, err := svc.Credit(ctx, "u1", 5, "grant")
	require.NoError(t, err)
	_, err = svc.Debit(ctx, "u1", 3)
	require.NoError(t, err)

	bal, applied, err := svc.CreditOnce(ctx, "u1", 3, models.ReasonRefundPrefix+"t1")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(5), bal)

	bal, applied, err = svc.CreditOnce(ctx, "u1", 3, models.ReasonRefundPrefix+"t1")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(5), bal, "a repeated reason does not pay twice")

	acc, err := svc.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acc.ConsumedThisMonth)

	_, _, err = svc.CreditOnce(ctx, "u1", 1, "")
	assert.ErrorIs(t, err, models.ErrInvalidAmount)
}

func TestCreditOnce_Concurrent(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memory.New(), nil, nil)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := svc.CreditOnce(ctx, "u1", 2, models.ReasonCompensationPrefix+"t1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	bal, err := svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), bal)
}
