package models

import (
	"time"

	"github.com/google/uuid"
)

// Broad error types used when no policy matches the exact error code.
const (
	ErrorTypeProvider   = "provider_error"
	ErrorTypeUser       = "user_error"
	ErrorTypeTimeout    = "timeout"
	ErrorTypeUserAction = "user_action"
	ErrorTypeUnknown    = "unknown"
)

// RefundReasonNoPolicy marks audit records written when no policy matched.
const RefundReasonNoPolicy = "no_policy"

// RefundPolicy is administratively curated reference data.
type RefundPolicy struct {
	ErrorCode        string `json:"error_code" yaml:"error_code"`
	ErrorType        string `json:"error_type" yaml:"error_type"`
	ShouldRefund     bool   `json:"should_refund" yaml:"should_refund"`
	RefundPercentage int    `json:"refund_percentage" yaml:"refund_percentage"`
	Description      string `json:"description" yaml:"description"`
}

// RefundRecord is the append-only audit entry for a failed task.
type RefundRecord struct {
	ID                  uuid.UUID `json:"id"`
	TaskID              string    `json:"task_id"`
	UserID              string    `json:"user_id"`
	Provider            string    `json:"provider"`
	CreditsRefunded     int64     `json:"credits_refunded"`
	PlatformCreditsLost int64     `json:"platform_credits_lost"`
	Reason              string    `json:"reason"`
	ErrorCode           string    `json:"error_code"`
	CreatedAt           time.Time `json:"created_at"`
}
