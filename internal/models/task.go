package models

import (
	"encoding/json"
	"time"
)

// Generation task states.
const (
	TaskStateSubmitted  = "submitted"
	TaskStateProcessing = "processing"
	TaskStateSucceeded  = "succeeded"
	TaskStateFailed     = "failed"
	TaskStateRefunded   = "refunded"
)

// ErrorCodeTimeout is assigned by the reconciliation sweep.
const ErrorCodeTimeout = "timeout"

type GenerationTask struct {
	TaskID                 string          `json:"task_id"`
	UserID                 string          `json:"user_id"`
	Provider               string          `json:"provider"`
	UserCreditsCharged     int64           `json:"user_credits_charged"`
	ProviderCreditsCharged int64           `json:"provider_credits_charged"`
	State                  string          `json:"state"`
	Input                  json.RawMessage `json:"input,omitempty"`
	ErrorCode              *string         `json:"error_code,omitempty"`
	ErrorMessage           *string         `json:"error_message,omitempty"`
	ResultRef              *string         `json:"result_ref,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
	FinalizedAt            *time.Time      `json:"finalized_at,omitempty"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

// Terminal reports whether no further transition is allowed.
// A failed task still admits the single failed -> refunded move.
func (t *GenerationTask) Terminal() bool {
	return t.State == TaskStateSucceeded || t.State == TaskStateRefunded
}

// TaskTransition describes a compare-and-set state change applied by a task store.
type TaskTransition struct {
	From         string
	To           string
	ErrorCode    *string
	ErrorMessage *string
	ResultRef    *string
	FinalizedAt  *time.Time
}
