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

const poolColumns = `provider, available_balance, total_purchased, total_consumed, cost_per_credit, auto_refill_threshold, auto_refill_amount, status, last_refill_at, created_at, updated_at`

type PoolRepo struct {
	pool *pgxpool.Pool
}

func NewPoolRepo(pool *pgxpool.Pool) *PoolRepo {
	return &PoolRepo{pool: pool}
}

func scanPool(row pgx.Row) (*models.ProviderCreditPool, error) {
	var p models.ProviderCreditPool
	if err := row.Scan(&p.Provider, &p.AvailableBalance, &p.TotalPurchased, &p.TotalConsumed, &p.CostPerCredit,
		&p.AutoRefillThreshold, &p.AutoRefillAmount, &p.Status, &p.LastRefillAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func poolNotFound(err error, provider string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", models.ErrUnknownProvider, provider)
	}
	return err
}

func (r *PoolRepo) CreatePool(ctx context.Context, p *models.ProviderCreditPool) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO credit_pools (provider, available_balance, total_purchased, total_consumed, cost_per_credit, auto_refill_threshold, auto_refill_amount, status, last_refill_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`, p.Provider, p.AvailableBalance, p.TotalPurchased, p.TotalConsumed, p.CostPerCredit,
		p.AutoRefillThreshold, p.AutoRefillAmount, p.Status, p.LastRefillAt).Scan(&p.CreatedAt, &p.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", models.ErrPoolExists, p.Provider)
	}
	return err
}

func (r *PoolRepo) GetPool(ctx context.Context, provider string) (*models.ProviderCreditPool, error) {
	p, err := scanPool(r.pool.QueryRow(ctx, `SELECT `+poolColumns+` FROM credit_pools WHERE provider = $1`, provider))
	if err != nil {
		return nil, poolNotFound(err, provider)
	}
	return p, nil
}

func (r *PoolRepo) ListPools(ctx context.Context) ([]*models.ProviderCreditPool, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+poolColumns+` FROM credit_pools ORDER BY provider`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.ProviderCreditPool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

// Reserve is a single conditional UPDATE; a reservation that empties the pool marks it depleted.
func (r *PoolRepo) Reserve(ctx context.Context, provider string, n int64) (*models.ProviderCreditPool, error) {
	p, err := scanPool(r.pool.QueryRow(ctx, `
		UPDATE credit_pools
		SET available_balance = available_balance - $2,
		    total_consumed = total_consumed + $2,
		    status = CASE WHEN available_balance - $2 = 0 THEN 'depleted' ELSE status END,
		    updated_at = now()
		WHERE provider = $1 AND status = 'active' AND available_balance >= $2
		RETURNING `+poolColumns, provider, n))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := r.GetPool(ctx, provider)
		if gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("%w: %s has %d (%s), need %d",
			models.ErrPoolInsufficient, provider, cur.AvailableBalance, cur.Status, n)
	}
	if err != nil {
		return nil, fmt.Errorf("reserve: %w", err)
	}
	return p, nil
}

func (r *PoolRepo) Refill(ctx context.Context, provider string, n int64, at time.Time) (*models.ProviderCreditPool, error) {
	p, err := scanPool(r.pool.QueryRow(ctx, `
		UPDATE credit_pools
		SET available_balance = available_balance + $2,
		    total_purchased = total_purchased + $2,
		    status = CASE WHEN status = 'depleted' AND available_balance + $2 > 0 THEN 'active' ELSE status END,
		    last_refill_at = $3,
		    updated_at = $3
		WHERE provider = $1
		RETURNING `+poolColumns, provider, n, at))
	if err != nil {
		return nil, poolNotFound(err, provider)
	}
	return p, nil
}

func (r *PoolRepo) Release(ctx context.Context, provider string, n int64) (*models.ProviderCreditPool, error) {
	p, err := scanPool(r.pool.QueryRow(ctx, `
		UPDATE credit_pools
		SET available_balance = available_balance + $2,
		    total_consumed = total_consumed - $2,
		    status = CASE WHEN status = 'depleted' AND available_balance + $2 > 0 THEN 'active' ELSE status END,
		    updated_at = now()
		WHERE provider = $1 AND total_consumed >= $2
		RETURNING `+poolColumns, provider, n))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := r.GetPool(ctx, provider); gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("%w: release %d from %s", models.ErrInvalidAmount, n, provider)
	}
	if err != nil {
		return nil, fmt.Errorf("release: %w", err)
	}
	return p, nil
}

func (r *PoolRepo) SetStatus(ctx context.Context, provider, status string) (*models.ProviderCreditPool, error) {
	p, err := scanPool(r.pool.QueryRow(ctx, `
		UPDATE credit_pools SET status = $2, updated_at = now()
		WHERE provider = $1
		RETURNING `+poolColumns, provider, status))
	if err != nil {
		return nil, poolNotFound(err, provider)
	}
	return p, nil
}

func (r *PoolRepo) RecordLoss(ctx context.Context, l *models.ProviderLoss) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO provider_losses (id, provider, task_id, provider_credits, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, l.ID, l.Provider, l.TaskID, l.ProviderCredits, l.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", models.ErrLossRecorded, l.TaskID)
	}
	return err
}

// ListLosses lists loss notes for provider, or for every provider when provider is empty.
func (r *PoolRepo) ListLosses(ctx context.Context, provider string) ([]*models.ProviderLoss, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, provider, task_id, provider_credits, created_at
		FROM provider_losses WHERE $1 = '' OR provider = $1 ORDER BY created_at
	`, provider)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.ProviderLoss
	for rows.Next() {
		var l models.ProviderLoss
		if err := rows.Scan(&l.ID, &l.Provider, &l.TaskID, &l.ProviderCredits, &l.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &l)
	}
	return list, rows.Err()
}
