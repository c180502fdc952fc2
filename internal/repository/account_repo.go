package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/creditengine/internal/models"
)

const accountColumns = `user_id, current_balance, monthly_allowance, consumed_this_month, subscription_tier, last_reset_at, created_at, updated_at`

// CreditRepo stores user credit accounts and their transaction trail.
type CreditRepo struct {
	pool *pgxpool.Pool
}

func NewCreditRepo(pool *pgxpool.Pool) *CreditRepo {
	return &CreditRepo{pool: pool}
}

func scanAccount(row pgx.Row) (*models.UserCreditAccount, error) {
	var a models.UserCreditAccount
	if err := row.Scan(&a.UserID, &a.CurrentBalance, &a.MonthlyAllowance, &a.ConsumedThisMonth,
		&a.SubscriptionTier, &a.LastResetAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// ensureAccount inserts a zero account on first use.
func ensureAccount(ctx context.Context, q execer, userID string) error {
	_, err := q.Exec(ctx, `INSERT INTO user_credits (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID)
	return err
}

func (r *CreditRepo) GetOrCreateAccount(ctx context.Context, userID string) (*models.UserCreditAccount, error) {
	if err := ensureAccount(ctx, r.pool, userID); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM user_credits WHERE user_id = $1`, userID))
}

func (r *CreditRepo) ResetMonthly(ctx context.Context, userID string, at time.Time) (*models.UserCreditAccount, error) {
	if err := ensureAccount(ctx, r.pool, userID); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	return scanAccount(r.pool.QueryRow(ctx, `
		UPDATE user_credits
		SET current_balance = monthly_allowance, consumed_this_month = 0, last_reset_at = $2, updated_at = $2
		WHERE user_id = $1
		RETURNING `+accountColumns, userID, at))
}

func (r *CreditRepo) SetAllowance(ctx context.Context, userID, tier string, allowance int64) (*models.UserCreditAccount, error) {
	return scanAccount(r.pool.QueryRow(ctx, `
		INSERT INTO user_credits (user_id, subscription_tier, monthly_allowance)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET subscription_tier = EXCLUDED.subscription_tier, monthly_allowance = EXCLUDED.monthly_allowance, updated_at = now()
		RETURNING `+accountColumns, userID, tier, allowance))
}

func (r *CreditRepo) ZeroBalance(ctx context.Context, userID string) (*models.UserCreditAccount, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := ensureAccount(ctx, tx, userID); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	var balance int64
	if err := tx.QueryRow(ctx, `SELECT current_balance FROM user_credits WHERE user_id = $1 FOR UPDATE`, userID).Scan(&balance); err != nil {
		return nil, err
	}
	if balance > 0 {
		if err := insertTransaction(ctx, tx, userID, models.CreditTxDebit, balance, 0, "account_closed"); err != nil {
			return nil, err
		}
	}
	acc, err := scanAccount(tx.QueryRow(ctx, `
		UPDATE user_credits SET current_balance = 0, updated_at = now()
		WHERE user_id = $1
		RETURNING `+accountColumns, userID))
	if err != nil {
		return nil, err
	}
	return acc, tx.Commit(ctx)
}

func (r *CreditRepo) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT user_id FROM user_credits ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
