package models

import (
	"time"
)

// Subscription tiers and their default monthly allowances.
const (
	TierFree = "free"
	TierPlus = "plus"
	TierPro  = "pro"
)

var DefaultMonthlyAllowance = map[string]int64{
	TierFree: 0,
	TierPlus: 10,
	TierPro:  25,
}

// UserCreditAccount is a user's internal credit balance. Only the ledger mutates it.
type UserCreditAccount struct {
	UserID            string    `json:"user_id"`
	CurrentBalance    int64     `json:"current_balance"`
	MonthlyAllowance  int64     `json:"monthly_allowance"`
	ConsumedThisMonth int64     `json:"consumed_this_month"`
	SubscriptionTier  string    `json:"subscription_tier"`
	LastResetAt       time.Time `json:"last_reset_at"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}
