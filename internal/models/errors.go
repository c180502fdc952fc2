package models

import "errors"

// Errors returned by the ledger, pool, scaler and coordinator. Callers branch with errors.Is.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrPoolInsufficient    = errors.New("provider pool insufficient")
	ErrUnknownProvider     = errors.New("unknown provider")
	ErrDuplicateTask       = errors.New("duplicate task")
	ErrUnknownTask         = errors.New("unknown task")
	ErrInvalidTransition   = errors.New("invalid task transition")
	ErrPolicyNotFound      = errors.New("refund policy not found")
	ErrInvalidAmount       = errors.New("invalid amount")

	// ErrStateConflict is returned by task stores when a compare-and-set transition
	// finds the task in a different state than expected.
	ErrStateConflict = errors.New("task state changed concurrently")
)

// Storage-level errors that do not belong to the public taxonomy.
var (
	ErrNotFound       = errors.New("not found")
	ErrRefundRecorded = errors.New("refund already recorded for task")
	ErrPoolExists     = errors.New("provider pool already exists")
	ErrLossRecorded   = errors.New("provider loss already recorded for task")
)
