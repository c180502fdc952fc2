package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/creditengine/internal/ledger"
	"github.com/inaiurai/creditengine/internal/metrics"
	"github.com/inaiurai/creditengine/internal/models"
)

// Error codes that raise an operational alert when a task fails with them.
var criticalErrorCodes = map[string]bool{
	"internal_error": true,
	"storage_error":  true,
}

// LossRecorder notes provider credits spent on failed tasks.
type LossRecorder interface {
	MarkLoss(ctx context.Context, provider, taskID string, providerCredits int64) error
}

// RefundOutcome is the result of evaluating one failed task.
type RefundOutcome struct {
	Record   *models.RefundRecord
	Policy   *models.RefundPolicy
	Refunded bool
	Task     *models.GenerationTask
}

// RefundEngine decides whether a failed task is refunded and records the decision.
type RefundEngine struct {
	policies PolicyStore
	refunds  RefundStore
	tasks    TaskStore
	ledger   ledger.Service
	losses   LossRecorder
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
}

func NewRefundEngine(policies PolicyStore, refunds RefundStore, tasks TaskStore, l ledger.Service, losses LossRecorder, m *metrics.Metrics, log *slog.Logger) *RefundEngine {
	if log == nil {
		log = slog.Default()
	}
	return &RefundEngine{
		policies: policies,
		refunds:  refunds,
		tasks:    tasks,
		ledger:   l,
		losses:   losses,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

// ClassifyError maps a provider error code to its broad error type.
func ClassifyError(code string) string {
	c := strings.ToLower(strings.TrimSpace(code))
	switch c {
	case "timeout":
		return models.ErrorTypeTimeout
	case "internal_error", "generation_failed", "storage_error", "provider_error":
		return models.ErrorTypeProvider
	case "content_policy_violation", "invalid_input":
		return models.ErrorTypeUser
	}
	if strings.HasPrefix(c, "user_cancelled") {
		return models.ErrorTypeUserAction
	}
	if status, ok := httpStatus(c); ok {
		switch {
		case status >= 500 && status <= 599:
			return models.ErrorTypeProvider
		case status >= 400 && status <= 499:
			return models.ErrorTypeUser
		}
	}
	return models.ErrorTypeUnknown
}

// httpStatus accepts "503" and "http_503".
func httpStatus(code string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimPrefix(code, "http_"))
	if err != nil {
		return 0, false
	}
	return n, true
}

// RefundAmount is charged*pct/100 rounded half up, clamped to [0, charged].
func RefundAmount(charged int64, pct int) int64 {
	if charged <= 0 || pct <= 0 {
		return 0
	}
	amount := (charged*int64(pct) + 50) / 100
	return min(amount, charged)
}

// ResolvePolicy looks up the policy for the exact error code, then for its error type.
// It returns models.ErrPolicyNotFound when neither exists.
func (e *RefundEngine) ResolvePolicy(ctx context.Context, errorCode string) (*models.RefundPolicy, error) {
	p, err := e.policies.GetPolicy(ctx, errorCode)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, models.ErrPolicyNotFound) {
		return nil, fmt.Errorf("get policy %q: %w", errorCode, err)
	}
	errType := ClassifyError(errorCode)
	p, err = e.policies.GetPolicy(ctx, errType)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, models.ErrPolicyNotFound) {
		return nil, fmt.Errorf("get policy %q: %w", errType, err)
	}
	return nil, fmt.Errorf("%w: %s (%s)", models.ErrPolicyNotFound, errorCode, errType)
}

// Evaluate applies the refund policy to a task in the failed state. The refund record
// is the once-per-task decision. Settlement (the refund credit and the move to refunded)
// is idempotent, so evaluating the task again finishes a settlement that stopped part way.
func (e *RefundEngine) Evaluate(ctx context.Context, task *models.GenerationTask) (*RefundOutcome, error) {
	if task.State != models.TaskStateFailed {
		return nil, fmt.Errorf("%w: refund evaluation for %s in state %s", models.ErrInvalidTransition, task.TaskID, task.State)
	}
	code := ""
	if task.ErrorCode != nil {
		code = *task.ErrorCode
	}

	policy, reason, err := e.decide(ctx, task.TaskID, code)
	if err != nil {
		return nil, err
	}
	var credits int64
	if policy != nil && policy.ShouldRefund {
		credits = RefundAmount(task.UserCreditsCharged, policy.RefundPercentage)
	}

	rec := &models.RefundRecord{
		ID:                  uuid.New(),
		TaskID:              task.TaskID,
		UserID:              task.UserID,
		Provider:            task.Provider,
		CreditsRefunded:     credits,
		PlatformCreditsLost: task.ProviderCreditsCharged,
		Reason:              reason,
		ErrorCode:           code,
		CreatedAt:           e.now(),
	}
	fresh := true
	if err := e.refunds.CreateRefund(ctx, rec); err != nil {
		if !errors.Is(err, models.ErrRefundRecorded) {
			return nil, fmt.Errorf("record refund: %w", err)
		}
		existing, gerr := e.refunds.GetRefundByTask(ctx, task.TaskID)
		if gerr != nil {
			return nil, gerr
		}
		rec, fresh = existing, false
	}
	refund := rec.CreditsRefunded > 0 || (policy != nil && policy.ShouldRefund)

	if fresh {
		e.alert(task, code)
		e.metrics.RefundDecision(task.Provider, refund, rec.CreditsRefunded)
	}
	if err := e.losses.MarkLoss(ctx, task.Provider, task.TaskID, task.ProviderCreditsCharged); err != nil {
		// The refund decision stands; the loss note is bookkeeping.
		e.log.Error("mark provider loss failed", "task_id", task.TaskID, "provider", task.Provider, "error", err)
	}

	out := &RefundOutcome{Record: rec, Policy: policy, Refunded: refund, Task: task}
	if refund {
		settled, err := e.settle(ctx, task, rec)
		if err != nil {
			return nil, err
		}
		out.Task = settled
	}

	e.log.Info("refund evaluated",
		"task_id", task.TaskID,
		"user_id", task.UserID,
		"error_code", code,
		"refunded", refund,
		"resumed", !fresh,
		"credits_refunded", rec.CreditsRefunded,
		"provider_credits_lost", task.ProviderCreditsCharged,
	)
	return out, nil
}

// decide resolves the policy for code. A missing policy is not an error: the task is
// recorded with the no_policy reason and nothing is refunded.
func (e *RefundEngine) decide(ctx context.Context, taskID, code string) (*models.RefundPolicy, string, error) {
	policy, err := e.ResolvePolicy(ctx, code)
	switch {
	case errors.Is(err, models.ErrPolicyNotFound):
		e.log.Warn("no refund policy", "task_id", taskID, "error_code", code)
		return nil, models.RefundReasonNoPolicy, nil
	case err != nil:
		return nil, "", err
	}
	if policy.Description != "" {
		return policy, policy.Description, nil
	}
	return policy, policy.ErrorCode, nil
}

// settle credits the recorded refund once and moves the task to refunded.
func (e *RefundEngine) settle(ctx context.Context, task *models.GenerationTask, rec *models.RefundRecord) (*models.GenerationTask, error) {
	if rec.CreditsRefunded > 0 {
		if _, _, err := e.ledger.CreditOnce(ctx, task.UserID, rec.CreditsRefunded, models.ReasonRefundPrefix+task.TaskID); err != nil {
			return nil, fmt.Errorf("refund credit: %w", err)
		}
	}
	updated, err := e.tasks.TransitionTask(ctx, task.TaskID, models.TaskTransition{
		From: models.TaskStateFailed,
		To:   models.TaskStateRefunded,
	})
	if errors.Is(err, models.ErrStateConflict) {
		cur, gerr := e.tasks.GetTask(ctx, task.TaskID)
		if gerr != nil {
			return nil, gerr
		}
		if cur.State == models.TaskStateRefunded {
			return cur, nil
		}
		return nil, fmt.Errorf("mark task refunded: %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("mark task refunded: %w", err)
	}
	e.metrics.TaskFinalized(task.Provider, models.TaskStateRefunded)
	return updated, nil
}

func (e *RefundEngine) alert(task *models.GenerationTask, code string) {
	if !criticalErrorCodes[code] {
		return
	}
	e.metrics.Alert(code)
	e.log.Warn("critical provider failure",
		"alert", true,
		"task_id", task.TaskID,
		"provider", task.Provider,
		"error_code", code,
	)
}

func (e *RefundEngine) Policies(ctx context.Context) ([]*models.RefundPolicy, error) {
	return e.policies.ListPolicies(ctx)
}

func (e *RefundEngine) RefundForTask(ctx context.Context, taskID string) (*models.RefundRecord, error) {
	return e.refunds.GetRefundByTask(ctx, taskID)
}
