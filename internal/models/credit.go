package models

import (
	"time"

	"github.com/google/uuid"
)

// Credit transaction kinds.
const (
	CreditTxDebit  = "debit"
	CreditTxCredit = "credit"
)

// Reason prefixes used when the ledger is credited on behalf of a task.
const (
	ReasonRefundPrefix       = "refund:"
	ReasonCompensationPrefix = "compensation:"
)

// CreditTransaction is one entry in the ledger's observability trail.
type CreditTransaction struct {
	ID           uuid.UUID `json:"id"`
	UserID       string    `json:"user_id"`
	Kind         string    `json:"kind"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Reason       string    `json:"reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
