package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/creditengine/internal/models"
)

// Debit deducts amount in one conditional UPDATE so concurrent debits can never
// take the balance below zero.
func (r *CreditRepo) Debit(ctx context.Context, userID string, amount int64, reason string) (*models.CreditTransaction, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := ensureAccount(ctx, tx, userID); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	var balance int64
	err = tx.QueryRow(ctx, `
		UPDATE user_credits
		SET current_balance = current_balance - $1, consumed_this_month = consumed_this_month + $1, updated_at = now()
		WHERE user_id = $2 AND current_balance >= $1
		RETURNING current_balance
	`, amount, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrInsufficientBalance
	}
	if err != nil {
		return nil, fmt.Errorf("debit: %w", err)
	}
	entry, err := insertTransactionReturning(ctx, tx, userID, models.CreditTxDebit, amount, balance, reason)
	if err != nil {
		return nil, err
	}
	return entry, tx.Commit(ctx)
}

func (r *CreditRepo) Credit(ctx context.Context, userID string, amount int64, reason string, restoreConsumed bool) (*models.CreditTransaction, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := ensureAccount(ctx, tx, userID); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	var balance int64
	err = tx.QueryRow(ctx, `
		UPDATE user_credits
		SET current_balance = current_balance + $1,
		    consumed_this_month = CASE WHEN $3 THEN GREATEST(consumed_this_month - $1, 0) ELSE consumed_this_month END,
		    updated_at = now()
		WHERE user_id = $2
		RETURNING current_balance
	`, amount, userID, restoreConsumed).Scan(&balance)
	if err != nil {
		return nil, fmt.Errorf("credit: %w", err)
	}
	entry, err := insertTransactionReturning(ctx, tx, userID, models.CreditTxCredit, amount, balance, reason)
	if err != nil {
		return nil, err
	}
	return entry, tx.Commit(ctx)
}

var errCredited = errors.New("credit already applied")

// CreditOnce checks for the reason under the account row lock. For refund and
// compensation reasons credit_transactions_once_idx also rejects a second entry, in
// which case the balance update rolls back and the first entry is returned.
func (r *CreditRepo) CreditOnce(ctx context.Context, userID string, amount int64, reason string, restoreConsumed bool) (*models.CreditTransaction, bool, error) {
	entry, err := r.creditOnce(ctx, userID, amount, reason, restoreConsumed)
	if err == nil {
		return entry, true, nil
	}
	if !errors.Is(err, errCredited) && !isUniqueViolation(err) {
		return nil, false, err
	}
	existing, gerr := r.transactionByReason(ctx, userID, reason)
	if gerr != nil {
		return nil, false, fmt.Errorf("load credit %q: %w", reason, gerr)
	}
	return existing, false, nil
}

func (r *CreditRepo) creditOnce(ctx context.Context, userID string, amount int64, reason string, restoreConsumed bool) (*models.CreditTransaction, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := ensureAccount(ctx, tx, userID); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT 1 FROM user_credits WHERE user_id = $1 FOR UPDATE`, userID); err != nil {
		return nil, fmt.Errorf("lock account: %w", err)
	}
	var seen bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM credit_transactions WHERE user_id = $1 AND reason = $2)
	`, userID, reason).Scan(&seen); err != nil {
		return nil, err
	}
	if seen {
		return nil, errCredited
	}
	var balance int64
	err = tx.QueryRow(ctx, `
		UPDATE user_credits
		SET current_balance = current_balance + $1,
		    consumed_this_month = CASE WHEN $3 THEN GREATEST(consumed_this_month - $1, 0) ELSE consumed_this_month END,
		    updated_at = now()
		WHERE user_id = $2
		RETURNING current_balance
	`, amount, userID, restoreConsumed).Scan(&balance)
	if err != nil {
		return nil, fmt.Errorf("credit: %w", err)
	}
	entry, err := insertTransactionReturning(ctx, tx, userID, models.CreditTxCredit, amount, balance, reason)
	if err != nil {
		return nil, err
	}
	return entry, tx.Commit(ctx)
}

func (r *CreditRepo) transactionByReason(ctx context.Context, userID, reason string) (*models.CreditTransaction, error) {
	var c models.CreditTransaction
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, kind, amount, balance_after, reason, created_at
		FROM credit_transactions WHERE user_id = $1 AND reason = $2
		ORDER BY created_at LIMIT 1
	`, userID, reason).Scan(&c.ID, &c.UserID, &c.Kind, &c.Amount, &c.BalanceAfter, &c.Reason, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CreditRepo) ListTransactions(ctx context.Context, userID string) ([]*models.CreditTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, kind, amount, balance_after, reason, created_at
		FROM credit_transactions WHERE user_id = $1 ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.CreditTransaction
	for rows.Next() {
		var c models.CreditTransaction
		if err := rows.Scan(&c.ID, &c.UserID, &c.Kind, &c.Amount, &c.BalanceAfter, &c.Reason, &c.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &c)
	}
	return list, rows.Err()
}

func insertTransaction(ctx context.Context, tx pgx.Tx, userID, kind string, amount, balanceAfter int64, reason string) error {
	_, err := insertTransactionReturning(ctx, tx, userID, kind, amount, balanceAfter, reason)
	return err
}

func insertTransactionReturning(ctx context.Context, tx pgx.Tx, userID, kind string, amount, balanceAfter int64, reason string) (*models.CreditTransaction, error) {
	c := &models.CreditTransaction{
		ID:           uuid.New(),
		UserID:       userID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Reason:       reason,
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (id, user_id, kind, amount, balance_after, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, c.ID, c.UserID, c.Kind, c.Amount, c.BalanceAfter, c.Reason).Scan(&c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert credit transaction: %w", err)
	}
	return c, nil
}
