package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/inaiurai/creditengine/internal/models"
	"github.com/inaiurai/creditengine/internal/scaler"
)

// PoolLister lists provider pools.
type PoolLister interface {
	List(ctx context.Context) ([]*models.ProviderCreditPool, error)
}

// ProviderStatus is one row of the platform status view.
type ProviderStatus struct {
	Provider             string          `json:"provider"`
	AvailableBalance     int64           `json:"available_balance"`
	TotalPurchased       int64           `json:"total_purchased"`
	TotalConsumed        int64           `json:"total_consumed"`
	CostPerCredit        decimal.Decimal `json:"cost_per_credit"`
	Status               string          `json:"status"`
	AvailableUserCredits int64           `json:"available_user_credits"`
}

// PlatformStatus reports every provider pool with its balance expressed in user credits.
func PlatformStatus(ctx context.Context, pools PoolLister, sc *scaler.Scaler) ([]ProviderStatus, error) {
	list, err := pools.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	out := make([]ProviderStatus, 0, len(list))
	for _, p := range list {
		userCredits, err := sc.ToUserCredits(p.Provider, p.AvailableBalance)
		if err != nil && !errors.Is(err, models.ErrUnknownProvider) {
			return nil, err
		}
		out = append(out, ProviderStatus{
			Provider:             p.Provider,
			AvailableBalance:     p.AvailableBalance,
			TotalPurchased:       p.TotalPurchased,
			TotalConsumed:        p.TotalConsumed,
			CostPerCredit:        p.CostPerCredit,
			Status:               p.Status,
			AvailableUserCredits: userCredits,
		})
	}
	return out, nil
}
