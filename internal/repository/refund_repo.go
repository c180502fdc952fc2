package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/creditengine/internal/models"
)

// RefundRepo stores refund audit records and the refund policy table.
type RefundRepo struct {
	pool *pgxpool.Pool
}

func NewRefundRepo(pool *pgxpool.Pool) *RefundRepo {
	return &RefundRepo{pool: pool}
}

func (r *RefundRepo) CreateRefund(ctx context.Context, rec *models.RefundRecord) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO credit_refunds (id, task_id, user_id, provider, credits_refunded, platform_credits_lost, reason, error_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, rec.ID, rec.TaskID, rec.UserID, rec.Provider, rec.CreditsRefunded, rec.PlatformCreditsLost, rec.Reason, rec.ErrorCode).Scan(&rec.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", models.ErrRefundRecorded, rec.TaskID)
	}
	return err
}

func (r *RefundRepo) GetRefundByTask(ctx context.Context, taskID string) (*models.RefundRecord, error) {
	var rec models.RefundRecord
	err := r.pool.QueryRow(ctx, `
		SELECT id, task_id, user_id, provider, credits_refunded, platform_credits_lost, reason, error_code, created_at
		FROM credit_refunds WHERE task_id = $1
	`, taskID).Scan(&rec.ID, &rec.TaskID, &rec.UserID, &rec.Provider, &rec.CreditsRefunded, &rec.PlatformCreditsLost, &rec.Reason, &rec.ErrorCode, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: refund for %s", models.ErrNotFound, taskID)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *RefundRepo) GetPolicy(ctx context.Context, errorCode string) (*models.RefundPolicy, error) {
	var p models.RefundPolicy
	err := r.pool.QueryRow(ctx, `
		SELECT error_code, error_type, should_refund, refund_percentage, description
		FROM refund_policies WHERE error_code = $1
	`, errorCode).Scan(&p.ErrorCode, &p.ErrorType, &p.ShouldRefund, &p.RefundPercentage, &p.Description)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrPolicyNotFound, errorCode)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *RefundRepo) ListPolicies(ctx context.Context) ([]*models.RefundPolicy, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT error_code, error_type, should_refund, refund_percentage, description
		FROM refund_policies ORDER BY error_code
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.RefundPolicy
	for rows.Next() {
		var p models.RefundPolicy
		if err := rows.Scan(&p.ErrorCode, &p.ErrorType, &p.ShouldRefund, &p.RefundPercentage, &p.Description); err != nil {
			return nil, err
		}
		list = append(list, &p)
	}
	return list, rows.Err()
}

func (r *RefundRepo) UpsertPolicy(ctx context.Context, p *models.RefundPolicy) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO refund_policies (error_code, error_type, should_refund, refund_percentage, description)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (error_code) DO UPDATE
		SET error_type = EXCLUDED.error_type, should_refund = EXCLUDED.should_refund,
		    refund_percentage = EXCLUDED.refund_percentage, description = EXCLUDED.description
	`, p.ErrorCode, p.ErrorType, p.ShouldRefund, p.RefundPercentage, p.Description)
	return err
}
