package services

import (
	"context"
	"time"

	"github.com/inaiurai/creditengine/internal/models"
)

// TaskStore persists generation tasks. TransitionTask is a compare-and-set on the
// task state: it fails with models.ErrStateConflict when the stored state is not tr.From.
type TaskStore interface {
	CreateTask(ctx context.Context, t *models.GenerationTask) error
	GetTask(ctx context.Context, taskID string) (*models.GenerationTask, error)
	TransitionTask(ctx context.Context, taskID string, tr models.TaskTransition) (*models.GenerationTask, error)
	// DiscardTask removes a task that never left the submitted state.
	DiscardTask(ctx context.Context, taskID string) error
	ListStaleProcessing(ctx context.Context, createdBefore time.Time, limit int) ([]*models.GenerationTask, error)
	// ListUnsettledFailures returns failed tasks created before createdBefore that have
	// no refund record, or whose record grants credits the task was never settled for.
	ListUnsettledFailures(ctx context.Context, createdBefore time.Time, limit int) ([]*models.GenerationTask, error)
	ListTasksByUser(ctx context.Context, userID string) ([]*models.GenerationTask, error)
}

// RefundStore is the append-only audit trail of refund decisions.
type RefundStore interface {
	CreateRefund(ctx context.Context, r *models.RefundRecord) error
	GetRefundByTask(ctx context.Context, taskID string) (*models.RefundRecord, error)
}

// PolicyStore serves refund policies. Broad error-type policies are stored under
// their type name as the error code (e.g. "provider_error").
type PolicyStore interface {
	GetPolicy(ctx context.Context, errorCode string) (*models.RefundPolicy, error)
	ListPolicies(ctx context.Context) ([]*models.RefundPolicy, error)
	UpsertPolicy(ctx context.Context, p *models.RefundPolicy) error
}
