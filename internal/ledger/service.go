// Package ledger owns user credit balances. All balance mutations go through Service.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/inaiurai/creditengine/internal/metrics"
	"github.com/inaiurai/creditengine/internal/models"
)

// Store persists user credit accounts. Debit and Credit must be atomic per user:
// the balance check and the mutation happen in one step, and the transaction
// trail entry is written together with it.
type Store interface {
	GetOrCreateAccount(ctx context.Context, userID string) (*models.UserCreditAccount, error)
	// Debit returns models.ErrInsufficientBalance without mutating when balance < amount.
	Debit(ctx context.Context, userID string, amount int64, reason string) (*models.CreditTransaction, error)
	// Credit increments the balance; when restoreConsumed is set it also lowers
	// consumed_this_month by amount, floored at zero.
	Credit(ctx context.Context, userID string, amount int64, reason string, restoreConsumed bool) (*models.CreditTransaction, error)
	// CreditOnce is Credit keyed by (userID, reason). When an entry with the same
	// reason already exists it returns that entry and applied=false without mutating.
	CreditOnce(ctx context.Context, userID string, amount int64, reason string, restoreConsumed bool) (*models.CreditTransaction, bool, error)
	ResetMonthly(ctx context.Context, userID string, at time.Time) (*models.UserCreditAccount, error)
	SetAllowance(ctx context.Context, userID, tier string, allowance int64) (*models.UserCreditAccount, error)
	ZeroBalance(ctx context.Context, userID string) (*models.UserCreditAccount, error)
	ListUserIDs(ctx context.Context) ([]string, error)
	ListTransactions(ctx context.Context, userID string) ([]*models.CreditTransaction, error)
}

type Service interface {
	Debit(ctx context.Context, userID string, amount int64) (int64, error)
	Credit(ctx context.Context, userID string, amount int64, reason string) (int64, error)
	CreditOnce(ctx context.Context, userID string, amount int64, reason string) (balance int64, applied bool, err error)
	GetBalance(ctx context.Context, userID string) (int64, error)
	GetAccount(ctx context.Context, userID string) (*models.UserCreditAccount, error)
	Transactions(ctx context.Context, userID string) ([]*models.CreditTransaction, error)
	ResetMonthly(ctx context.Context, userID string) (*models.UserCreditAccount, error)
	ResetAllMonthly(ctx context.Context) (int, error)
	SetAllowance(ctx context.Context, userID, tier string, allowance int64) (*models.UserCreditAccount, error)
	Close(ctx context.Context, userID string) error
}

type service struct {
	store   Store
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
}

func NewService(store Store, m *metrics.Metrics, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	return &service{store: store, metrics: m, log: log, now: time.Now}
}

var _ Service = (*service)(nil)

func (s *service) Debit(ctx context.Context, userID string, amount int64) (int64, error) {
	if userID == "" || amount <= 0 {
		return 0, fmt.Errorf("%w: debit %d for user %q", models.ErrInvalidAmount, amount, userID)
	}
	entry, err := s.store.Debit(ctx, userID, amount, "debit")
	s.metrics.LedgerOp(models.CreditTxDebit, err)
	if err != nil {
		return 0, err
	}
	return entry.BalanceAfter, nil
}

// Credit increments the user's balance. Refund and compensation credits also give
// back this month's consumption, so allowance accounting matches the net spend.
func (s *service) Credit(ctx context.Context, userID string, amount int64, reason string) (int64, error) {
	if userID == "" || amount < 0 {
		return 0, fmt.Errorf("%w: credit %d for user %q", models.ErrInvalidAmount, amount, userID)
	}
	entry, err := s.store.Credit(ctx, userID, amount, reason, restoresConsumption(reason))
	s.metrics.LedgerOp(models.CreditTxCredit, err)
	if err != nil {
		return 0, err
	}
	s.log.Info("credits added", "user_id", userID, "amount", amount, "reason", reason, "balance", entry.BalanceAfter)
	return entry.BalanceAfter, nil
}

// CreditOnce applies a credit at most once per (user, reason). Refund and
// compensation settlement retry through it, so a redelivered failure can finish
// a credit that errored earlier without paying twice.
func (s *service) CreditOnce(ctx context.Context, userID string, amount int64, reason string) (int64, bool, error) {
	if userID == "" || amount < 0 || reason == "" {
		return 0, false, fmt.Errorf("%w: credit %d for user %q reason %q", models.ErrInvalidAmount, amount, userID, reason)
	}
	entry, applied, err := s.store.CreditOnce(ctx, userID, amount, reason, restoresConsumption(reason))
	s.metrics.LedgerOp(models.CreditTxCredit, err)
	if err != nil {
		return 0, false, err
	}
	if !applied {
		s.log.Info("credit already applied", "user_id", userID, "reason", reason)
		acc, err := s.store.GetOrCreateAccount(ctx, userID)
		if err != nil {
			return 0, false, err
		}
		return acc.CurrentBalance, false, nil
	}
	s.log.Info("credits added", "user_id", userID, "amount", amount, "reason", reason, "balance", entry.BalanceAfter)
	return entry.BalanceAfter, true, nil
}

func restoresConsumption(reason string) bool {
	return strings.HasPrefix(reason, models.ReasonRefundPrefix) ||
		strings.HasPrefix(reason, models.ReasonCompensationPrefix)
}

func (s *service) GetBalance(ctx context.Context, userID string) (int64, error) {
	acc, err := s.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return acc.CurrentBalance, nil
}

func (s *service) GetAccount(ctx context.Context, userID string) (*models.UserCreditAccount, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", models.ErrInvalidAmount)
	}
	return s.store.GetOrCreateAccount(ctx, userID)
}

func (s *service) Transactions(ctx context.Context, userID string) ([]*models.CreditTransaction, error) {
	return s.store.ListTransactions(ctx, userID)
}

// ResetMonthly sets the balance to the monthly allowance and clears this month's consumption.
func (s *service) ResetMonthly(ctx context.Context, userID string) (*models.UserCreditAccount, error) {
	acc, err := s.store.ResetMonthly(ctx, userID, s.now())
	if err != nil {
		return nil, err
	}
	s.log.Info("monthly credits reset", "user_id", userID, "allowance", acc.MonthlyAllowance)
	return acc, nil
}

// ResetAllMonthly resets every known account and returns how many were reset.
// It keeps going past individual failures and returns the first one.
func (s *service) ResetAllMonthly(ctx context.Context) (int, error) {
	ids, err := s.store.ListUserIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list accounts: %w", err)
	}
	var firstErr error
	n := 0
	for _, id := range ids {
		if _, err := s.store.ResetMonthly(ctx, id, s.now()); err != nil {
			s.log.Error("monthly reset failed", "user_id", id, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		n++
	}
	return n, firstErr
}

func (s *service) SetAllowance(ctx context.Context, userID, tier string, allowance int64) (*models.UserCreditAccount, error) {
	if allowance < 0 {
		return nil, fmt.Errorf("%w: allowance %d", models.ErrInvalidAmount, allowance)
	}
	if tier == "" {
		tier = models.TierFree
	}
	return s.store.SetAllowance(ctx, userID, tier, allowance)
}

// Close zeroes the account. Accounts are never deleted.
func (s *service) Close(ctx context.Context, userID string) error {
	acc, err := s.store.ZeroBalance(ctx, userID)
	if err != nil {
		return err
	}
	s.log.Info("account closed", "user_id", userID, "balance", acc.CurrentBalance)
	return nil
}
