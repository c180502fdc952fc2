package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Pool status enums.
const (
	PoolStatusActive    = "active"
	PoolStatusDepleted  = "depleted"
	PoolStatusSuspended = "suspended"
)

// ProviderCreditPool is the platform's purchased balance with one external provider.
// TotalPurchased - TotalConsumed == AvailableBalance holds after every mutation.
type ProviderCreditPool struct {
	Provider            string          `json:"provider"`
	AvailableBalance    int64           `json:"available_balance"`
	TotalPurchased      int64           `json:"total_purchased"`
	TotalConsumed       int64           `json:"total_consumed"`
	CostPerCredit       decimal.Decimal `json:"cost_per_credit"`
	AutoRefillThreshold int64           `json:"auto_refill_threshold"`
	AutoRefillAmount    int64           `json:"auto_refill_amount"`
	Status              string          `json:"status"`
	LastRefillAt        *time.Time      `json:"last_refill_at,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// ProviderLoss records provider credits spent on a task that failed.
// It is bookkeeping only: the credits already left the pool at reservation time.
type ProviderLoss struct {
	ID              uuid.UUID `json:"id"`
	Provider        string    `json:"provider"`
	TaskID          string    `json:"task_id"`
	ProviderCredits int64     `json:"provider_credits"`
	CreatedAt       time.Time `json:"created_at"`
}
