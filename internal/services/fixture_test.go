package services

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/inaiurai/creditengine/internal/ledger"
	"github.com/inaiurai/creditengine/internal/models"
	"github.com/inaiurai/creditengine/internal/pool"
	"github.com/inaiurai/creditengine/internal/repository/memory"
	"github.com/inaiurai/creditengine/internal/scaler"
)

var testPolicies = []*models.RefundPolicy{
	{ErrorCode: "content_policy_violation", ErrorType: models.ErrorTypeUser, ShouldRefund: true, RefundPercentage: 100},
	{ErrorCode: "user_cancelled_after_generation", ErrorType: models.ErrorTypeUserAction, ShouldRefund: false},
	{ErrorCode: "timeout", ErrorType: models.ErrorTypeTimeout, ShouldRefund: true, RefundPercentage: 100},
	{ErrorCode: models.ErrorTypeProvider, ErrorType: models.ErrorTypeProvider, ShouldRefund: true, RefundPercentage: 50},
}

type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []string
}

func (d *recordingDispatcher) Dispatch(_ context.Context, t *models.GenerationTask) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, t.TaskID)
	return nil
}

type fixture struct {
	store   *memory.Store
	ledger  ledger.Service
	pools   *pool.Service
	scaler  *scaler.Scaler
	refunds *RefundEngine
	coord   *Coordinator
	sent    *recordingDispatcher
}

// newFixture builds an engine with provider "acme" (ratio 4, pool of poolBalance)
// and user "u1" holding userBalance credits.
func newFixture(t *testing.T, userBalance, poolBalance int64) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()

	sc, err := scaler.New(scaler.Config{
		"acme": {Ratio: decimal.NewFromInt(4), MaxTaskCredits: 100},
	})
	require.NoError(t, err)

	l := ledger.NewService(store, nil, nil)
	ps := pool.NewService(store, sc, nil, nil)
	_, err = ps.Onboard(ctx, &models.ProviderCreditPool{Provider: "acme", AvailableBalance: poolBalance})
	require.NoError(t, err)

	for _, p := range testPolicies {
		require.NoError(t, store.UpsertPolicy(ctx, p))
	}
	if userBalance > 0 {
		_, err = l.Credit(ctx, "u1", userBalance, "grant")
		require.NoError(t, err)
	}

	re := NewRefundEngine(store, store, store, l, ps, nil, nil)
	coord := NewCoordinator(store, l, ps, sc, re, nil, nil)
	d := &recordingDispatcher{}
	coord.SetDispatcher(d)
	return &fixture{store: store, ledger: l, pools: ps, scaler: sc, refunds: re, coord: coord, sent: d}
}

func (f *fixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func (f *fixture) pool(t *testing.T) *models.ProviderCreditPool {
	t.Helper()
	p, err := f.pools.Get(context.Background(), "acme")
	require.NoError(t, err)
	return p
}
