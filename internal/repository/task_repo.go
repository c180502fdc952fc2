package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/creditengine/internal/models"
)

const taskColumns = `task_id, user_id, provider, user_credits_charged, provider_credits_charged, state, input, error_code, error_message, result_ref, created_at, finalized_at, updated_at`

type TaskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

func scanTask(row pgx.Row) (*models.GenerationTask, error) {
	var t models.GenerationTask
	if err := row.Scan(&t.TaskID, &t.UserID, &t.Provider, &t.UserCreditsCharged, &t.ProviderCreditsCharged, &t.State,
		&t.Input, &t.ErrorCode, &t.ErrorMessage, &t.ResultRef, &t.CreatedAt, &t.FinalizedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TaskRepo) CreateTask(ctx context.Context, t *models.GenerationTask) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO generation_tasks (task_id, user_id, provider, user_credits_charged, provider_credits_charged, state, input)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, t.TaskID, t.UserID, t.Provider, t.UserCreditsCharged, t.ProviderCreditsCharged, t.State, t.Input).Scan(&t.CreatedAt, &t.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", models.ErrDuplicateTask, t.TaskID)
	}
	return err
}

func (r *TaskRepo) GetTask(ctx context.Context, taskID string) (*models.GenerationTask, error) {
	t, err := scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM generation_tasks WHERE task_id = $1`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownTask, taskID)
	}
	return t, err
}

// TransitionTask updates the row only while it is still in tr.From.
func (r *TaskRepo) TransitionTask(ctx context.Context, taskID string, tr models.TaskTransition) (*models.GenerationTask, error) {
	t, err := scanTask(r.pool.QueryRow(ctx, `
		UPDATE generation_tasks
		SET state = $3,
		    error_code = COALESCE($4, error_code),
		    error_message = COALESCE($5, error_message),
		    result_ref = COALESCE($6, result_ref),
		    finalized_at = COALESCE($7, finalized_at),
		    updated_at = now()
		WHERE task_id = $1 AND state = $2
		RETURNING `+taskColumns, taskID, tr.From, tr.To, tr.ErrorCode, tr.ErrorMessage, tr.ResultRef, tr.FinalizedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := r.GetTask(ctx, taskID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("%w: %s is %s, expected %s", models.ErrStateConflict, taskID, cur.State, tr.From)
	}
	if err != nil {
		return nil, fmt.Errorf("transition task: %w", err)
	}
	return t, nil
}

func (r *TaskRepo) DiscardTask(ctx context.Context, taskID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM generation_tasks WHERE task_id = $1 AND state = 'submitted'`, taskID)
	return err
}

// ListStaleProcessing returns processing tasks created before createdBefore, oldest first.
// A limit of zero or less means no limit.
func (r *TaskRepo) ListStaleProcessing(ctx context.Context, createdBefore time.Time, limit int) ([]*models.GenerationTask, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM generation_tasks
		WHERE state = 'processing' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, createdBefore, lim)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// ListUnsettledFailures returns failed tasks with no refund record, or with a record
// that grants credits. A settled refund moves its task to refunded, so those are the
// tasks whose settlement stopped part way.
func (r *TaskRepo) ListUnsettledFailures(ctx context.Context, createdBefore time.Time, limit int) ([]*models.GenerationTask, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM generation_tasks t
		WHERE t.state = 'failed' AND t.created_at < $1
		  AND NOT EXISTS (
		      SELECT 1 FROM credit_refunds r
		      WHERE r.task_id = t.task_id AND r.credits_refunded = 0
		  )
		ORDER BY t.created_at
		LIMIT $2
	`, createdBefore, lim)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func (r *TaskRepo) ListTasksByUser(ctx context.Context, userID string) ([]*models.GenerationTask, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM generation_tasks WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func collectTasks(rows pgx.Rows) ([]*models.GenerationTask, error) {
	defer rows.Close()
	var list []*models.GenerationTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}
