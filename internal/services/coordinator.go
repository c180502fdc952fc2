package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/inaiurai/creditengine/internal/ledger"
	"github.com/inaiurai/creditengine/internal/metrics"
	"github.com/inaiurai/creditengine/internal/models"
	"github.com/inaiurai/creditengine/internal/scaler"
)

const (
	defaultFailureCode = "unknown_error"
	timeoutMessage     = "no provider callback before reconciliation deadline"
	maxCASRetries      = 3
)

// PoolReserver is the slice of the pool service the coordinator needs.
type PoolReserver interface {
	Get(ctx context.Context, provider string) (*models.ProviderCreditPool, error)
	Reserve(ctx context.Context, provider string, providerCredits int64) error
	Release(ctx context.Context, provider string, providerCredits int64) error
}

// Dispatcher hands a processing task to its provider. Dispatch must not block on the
// provider call; a failed hand-off leaves the task for the reconciliation sweep.
type Dispatcher interface {
	Dispatch(ctx context.Context, task *models.GenerationTask) error
}

type SubmitRequest struct {
	UserID      string          `json:"user_id"`
	Provider    string          `json:"provider"`
	UserCredits int64           `json:"user_credits"`
	TaskID      string          `json:"task_id"`
	Input       json.RawMessage `json:"input,omitempty"`
}

// ReconcileSummary reports one sweep of stale processing tasks. Resumed counts failed
// tasks whose refund settlement was finished by the sweep.
type ReconcileSummary struct {
	Scanned int `json:"scanned"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Resumed int `json:"resumed"`
}

// Coordinator drives a generation task from submission to its final state.
type Coordinator struct {
	tasks   TaskStore
	ledger  ledger.Service
	pools   PoolReserver
	scaler  *scaler.Scaler
	refunds *RefundEngine
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time

	dispatcher Dispatcher
}

func NewCoordinator(tasks TaskStore, l ledger.Service, pools PoolReserver, sc *scaler.Scaler, refunds *RefundEngine, m *metrics.Metrics, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		tasks:   tasks,
		ledger:  l,
		pools:   pools,
		scaler:  sc,
		refunds: refunds,
		metrics: m,
		log:     log,
		now:     time.Now,
	}
}

// SetDispatcher wires the provider dispatcher. It is set after construction because
// the job queue that implements it needs the coordinator for its own workers.
func (c *Coordinator) SetDispatcher(d Dispatcher) {
	c.dispatcher = d
}

// Submit charges the user, reserves provider credits and starts the task.
// If the pool reservation fails after the debit, the debit is compensated and the
// caller only sees models.ErrPoolInsufficient. If the task cannot be started after
// both, the debit and the reservation are undone before the error is returned.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (*models.GenerationTask, error) {
	task, err := c.submit(ctx, req)
	if err != nil {
		c.metrics.SubmitRejection(rejectionReason(err))
		return nil, err
	}
	c.metrics.TaskSubmitted(task.Provider)
	return task, nil
}

func (c *Coordinator) submit(ctx context.Context, req SubmitRequest) (*models.GenerationTask, error) {
	if req.UserID == "" || req.Provider == "" || req.TaskID == "" {
		return nil, fmt.Errorf("%w: user_id, provider and task_id are required", models.ErrInvalidAmount)
	}
	if req.UserCredits <= 0 {
		return nil, fmt.Errorf("%w: user_credits must be positive, got %d", models.ErrInvalidAmount, req.UserCredits)
	}
	if err := c.scaler.CheckTask(req.Provider, req.UserCredits); err != nil {
		return nil, err
	}

	if _, err := c.tasks.GetTask(ctx, req.TaskID); err == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrDuplicateTask, req.TaskID)
	} else if !errors.Is(err, models.ErrUnknownTask) {
		return nil, fmt.Errorf("lookup task: %w", err)
	}

	providerCredits, err := c.scaler.ToProviderCredits(req.Provider, req.UserCredits)
	if err != nil {
		return nil, err
	}
	p, err := c.pools.Get(ctx, req.Provider)
	if err != nil {
		return nil, err
	}
	ok, err := c.scaler.HasCapacity(req.Provider, req.UserCredits, p.AvailableBalance)
	if err != nil {
		return nil, err
	}
	if !ok || p.Status != models.PoolStatusActive {
		return nil, fmt.Errorf("%w: %s has %d (%s), need %d",
			models.ErrPoolInsufficient, req.Provider, p.AvailableBalance, p.Status, providerCredits)
	}

	task := &models.GenerationTask{
		TaskID:                 req.TaskID,
		UserID:                 req.UserID,
		Provider:               req.Provider,
		UserCreditsCharged:     req.UserCredits,
		ProviderCreditsCharged: providerCredits,
		State:                  models.TaskStateSubmitted,
		Input:                  req.Input,
	}
	if err := c.tasks.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	if _, err := c.ledger.Debit(ctx, req.UserID, req.UserCredits); err != nil {
		c.discard(ctx, req.TaskID)
		return nil, err
	}

	if err := c.pools.Reserve(ctx, req.Provider, providerCredits); err != nil {
		c.compensate(ctx, req)
		c.discard(ctx, req.TaskID)
		c.metrics.Compensated(req.Provider)
		c.log.Warn("pool reservation failed after debit, compensated",
			"task_id", req.TaskID, "provider", req.Provider, "error", err)
		if errors.Is(err, models.ErrPoolInsufficient) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", models.ErrPoolInsufficient, err)
	}

	started, err := c.tasks.TransitionTask(ctx, req.TaskID, models.TaskTransition{
		From: models.TaskStateSubmitted,
		To:   models.TaskStateProcessing,
	})
	if err != nil {
		started, err = c.recoverStart(ctx, req, providerCredits, err)
		if err != nil {
			return nil, err
		}
	}
	c.log.Info("task submitted",
		"task_id", started.TaskID,
		"user_id", started.UserID,
		"provider", started.Provider,
		"user_credits", started.UserCreditsCharged,
		"provider_credits", started.ProviderCreditsCharged,
	)

	if c.dispatcher != nil {
		if err := c.dispatcher.Dispatch(ctx, started); err != nil {
			c.log.Error("dispatch failed, task left for reconciliation", "task_id", started.TaskID, "error", err)
		}
	}
	return started, nil
}

// recoverStart handles a failed submitted to processing move. If the move landed anyway
// the task proceeds; otherwise the debit and the reservation are both undone.
func (c *Coordinator) recoverStart(ctx context.Context, req SubmitRequest, providerCredits int64, cause error) (*models.GenerationTask, error) {
	if cur, err := c.tasks.GetTask(ctx, req.TaskID); err == nil && cur.State == models.TaskStateProcessing {
		return cur, nil
	}
	c.compensate(ctx, req)
	if err := c.pools.Release(ctx, req.Provider, providerCredits); err != nil {
		c.log.Error("release reservation failed",
			"task_id", req.TaskID, "provider", req.Provider, "provider_credits", providerCredits, "error", err)
	}
	c.discard(ctx, req.TaskID)
	c.metrics.Compensated(req.Provider)
	c.log.Warn("task start failed after debit, compensated",
		"task_id", req.TaskID, "provider", req.Provider, "error", cause)
	return nil, fmt.Errorf("start task: %w", cause)
}

// compensate gives back the submission debit. The credit is keyed by task id, so it
// never lands twice for one submission.
func (c *Coordinator) compensate(ctx context.Context, req SubmitRequest) {
	reason := models.ReasonCompensationPrefix + req.TaskID
	if _, _, err := c.ledger.CreditOnce(ctx, req.UserID, req.UserCredits, reason); err != nil {
		c.log.Error("compensation credit failed",
			"task_id", req.TaskID, "user_id", req.UserID, "amount", req.UserCredits, "error", err)
	}
}

func (c *Coordinator) discard(ctx context.Context, taskID string) {
	if err := c.tasks.DiscardTask(ctx, taskID); err != nil {
		c.log.Error("discard submitted task failed", "task_id", taskID, "error", err)
	}
}

// CompleteSuccess finalizes a processing task as succeeded. Repeating it is a no-op.
func (c *Coordinator) CompleteSuccess(ctx context.Context, taskID, resultRef string) (*models.GenerationTask, error) {
	for range maxCASRetries {
		t, err := c.tasks.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		switch t.State {
		case models.TaskStateSucceeded:
			return t, nil
		case models.TaskStateProcessing:
		default:
			return nil, fmt.Errorf("%w: %s is %s, cannot succeed", models.ErrInvalidTransition, taskID, t.State)
		}

		now := c.now()
		tr := models.TaskTransition{
			From:        models.TaskStateProcessing,
			To:          models.TaskStateSucceeded,
			FinalizedAt: &now,
		}
		if resultRef != "" {
			tr.ResultRef = &resultRef
		}
		done, err := c.tasks.TransitionTask(ctx, taskID, tr)
		if errors.Is(err, models.ErrStateConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("complete task: %w", err)
		}
		c.metrics.TaskFinalized(done.Provider, done.State)
		c.log.Info("task succeeded", "task_id", taskID, "result_ref", resultRef)
		return done, nil
	}
	return nil, fmt.Errorf("%w: %s kept changing", models.ErrStateConflict, taskID)
}

// CompleteFailure finalizes a processing task as failed and runs the refund engine.
// A refunded task is returned unchanged. A task that already failed is handed to the
// refund engine again, which finishes any settlement an earlier delivery left undone.
func (c *Coordinator) CompleteFailure(ctx context.Context, taskID, errorCode, errorMessage string) (*models.GenerationTask, error) {
	t, _, err := c.fail(ctx, taskID, errorCode, errorMessage)
	return t, err
}

// fail reports won=true only for the caller that moved the task out of processing.
func (c *Coordinator) fail(ctx context.Context, taskID, errorCode, errorMessage string) (*models.GenerationTask, bool, error) {
	if errorCode == "" {
		errorCode = defaultFailureCode
	}
	for range maxCASRetries {
		t, err := c.tasks.GetTask(ctx, taskID)
		if err != nil {
			return nil, false, err
		}
		switch t.State {
		case models.TaskStateRefunded:
			return t, false, nil
		case models.TaskStateFailed:
			outcome, err := c.refunds.Evaluate(ctx, t)
			if err != nil {
				return t, false, fmt.Errorf("evaluate refund: %w", err)
			}
			return outcome.Task, false, nil
		case models.TaskStateProcessing:
		default:
			return nil, false, fmt.Errorf("%w: %s is %s, cannot fail", models.ErrInvalidTransition, taskID, t.State)
		}

		now := c.now()
		tr := models.TaskTransition{
			From:        models.TaskStateProcessing,
			To:          models.TaskStateFailed,
			ErrorCode:   &errorCode,
			FinalizedAt: &now,
		}
		if errorMessage != "" {
			tr.ErrorMessage = &errorMessage
		}
		failed, err := c.tasks.TransitionTask(ctx, taskID, tr)
		if errors.Is(err, models.ErrStateConflict) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("fail task: %w", err)
		}
		c.metrics.TaskFinalized(failed.Provider, failed.State)
		c.log.Info("task failed", "task_id", taskID, "error_code", errorCode, "error_message", errorMessage)

		outcome, err := c.refunds.Evaluate(ctx, failed)
		if err != nil {
			return failed, true, fmt.Errorf("evaluate refund: %w", err)
		}
		return outcome.Task, true, nil
	}
	return nil, false, fmt.Errorf("%w: %s kept changing", models.ErrStateConflict, taskID)
}

// Reconcile force-fails processing tasks created before staleBefore with the timeout
// code. Each task goes through the same path as a failure webhook. It then re-evaluates
// failed tasks from the same window whose refund was never settled.
func (c *Coordinator) Reconcile(ctx context.Context, staleBefore time.Time) (ReconcileSummary, error) {
	var sum ReconcileSummary
	stale, err := c.tasks.ListStaleProcessing(ctx, staleBefore, 0)
	if err != nil {
		return sum, fmt.Errorf("list stale tasks: %w", err)
	}
	var errs []error
	for _, t := range stale {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		sum.Scanned++
		_, won, err := c.fail(ctx, t.TaskID, models.ErrorCodeTimeout, timeoutMessage)
		switch {
		case err != nil && (errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrUnknownTask)):
			sum.Skipped++
		case err != nil:
			c.log.Error("reconcile task failed", "task_id", t.TaskID, "error", err)
			errs = append(errs, fmt.Errorf("task %s: %w", t.TaskID, err))
		case won:
			sum.Failed++
		default:
			sum.Skipped++
		}
	}
	if ctx.Err() == nil {
		resumed, err := c.resumeSettlements(ctx, staleBefore)
		sum.Resumed = resumed
		if err != nil {
			errs = append(errs, err)
		}
	}
	if sum.Scanned > 0 || sum.Resumed > 0 {
		c.log.Info("reconciliation sweep",
			"scanned", sum.Scanned, "failed", sum.Failed, "skipped", sum.Skipped, "resumed", sum.Resumed)
	}
	return sum, errors.Join(errs...)
}

func (c *Coordinator) resumeSettlements(ctx context.Context, createdBefore time.Time) (int, error) {
	unsettled, err := c.tasks.ListUnsettledFailures(ctx, createdBefore, 0)
	if err != nil {
		return 0, fmt.Errorf("list unsettled failures: %w", err)
	}
	var errs []error
	n := 0
	for _, t := range unsettled {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := c.refunds.Evaluate(ctx, t); err != nil {
			c.log.Error("resume refund failed", "task_id", t.TaskID, "error", err)
			errs = append(errs, fmt.Errorf("task %s: %w", t.TaskID, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func (c *Coordinator) Get(ctx context.Context, taskID string) (*models.GenerationTask, error) {
	return c.tasks.GetTask(ctx, taskID)
}

func (c *Coordinator) ListByUser(ctx context.Context, userID string) ([]*models.GenerationTask, error) {
	return c.tasks.ListTasksByUser(ctx, userID)
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, models.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, models.ErrPoolInsufficient):
		return "pool_insufficient"
	case errors.Is(err, models.ErrDuplicateTask):
		return "duplicate_task"
	case errors.Is(err, models.ErrUnknownProvider):
		return "unknown_provider"
	case errors.Is(err, models.ErrInvalidAmount):
		return "invalid_request"
	default:
		return "internal"
	}
}
