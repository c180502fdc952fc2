// Package pool tracks the platform's purchased credit balance with each provider.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/creditengine/internal/metrics"
	"github.com/inaiurai/creditengine/internal/models"
)

// Store persists provider pools. Reserve and Refill must be atomic per provider and
// keep TotalPurchased - TotalConsumed == AvailableBalance.
type Store interface {
	CreatePool(ctx context.Context, p *models.ProviderCreditPool) error
	GetPool(ctx context.Context, provider string) (*models.ProviderCreditPool, error)
	ListPools(ctx context.Context) ([]*models.ProviderCreditPool, error)
	// Reserve returns models.ErrPoolInsufficient without mutating when the pool is not
	// active or holds fewer than n credits. A reservation that empties the pool marks it depleted.
	Reserve(ctx context.Context, provider string, n int64) (*models.ProviderCreditPool, error)
	// Refill adds n purchased credits. A depleted pool becomes active again.
	Refill(ctx context.Context, provider string, n int64, at time.Time) (*models.ProviderCreditPool, error)
	// Release returns n reserved credits that were never spent with the provider.
	Release(ctx context.Context, provider string, n int64) (*models.ProviderCreditPool, error)
	SetStatus(ctx context.Context, provider, status string) (*models.ProviderCreditPool, error)
	// RecordLoss returns models.ErrLossRecorded when the task already has a loss note.
	RecordLoss(ctx context.Context, loss *models.ProviderLoss) error
	ListLosses(ctx context.Context, provider string) ([]*models.ProviderLoss, error)
}

// PurchaseChecker validates refill amounts against configured purchase bounds.
type PurchaseChecker interface {
	CheckPurchase(provider string, amount int64) error
}

// LowBalanceFunc is notified after a reservation leaves a pool below its refill threshold.
// It runs on the reserving goroutine and must not block.
type LowBalanceFunc func(ctx context.Context, p *models.ProviderCreditPool)

type Service struct {
	store    Store
	purchase PurchaseChecker
	metrics  *metrics.Metrics
	log      *slog.Logger

	mu         sync.RWMutex
	lowBalance LowBalanceFunc
}

func NewService(store Store, purchase PurchaseChecker, m *metrics.Metrics, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, purchase: purchase, metrics: m, log: log}
}

// OnLowBalance sets the low-balance hook. It may be called after construction,
// once the job queue that backs the hook exists.
func (s *Service) OnLowBalance(fn LowBalanceFunc) {
	s.mu.Lock()
	s.lowBalance = fn
	s.mu.Unlock()
}

// Onboard creates a pool for a new provider with its opening purchased balance.
func (s *Service) Onboard(ctx context.Context, p *models.ProviderCreditPool) (*models.ProviderCreditPool, error) {
	if p.Provider == "" || p.AvailableBalance < 0 {
		return nil, fmt.Errorf("%w: invalid pool for provider %q", models.ErrInvalidAmount, p.Provider)
	}
	cp := *p
	cp.TotalPurchased = cp.AvailableBalance
	cp.TotalConsumed = 0
	switch {
	case cp.Status == models.PoolStatusSuspended:
	case cp.AvailableBalance == 0:
		cp.Status = models.PoolStatusDepleted
	default:
		cp.Status = models.PoolStatusActive
	}
	if err := s.store.CreatePool(ctx, &cp); err != nil {
		return nil, err
	}
	s.metrics.PoolBalance(cp.Provider, cp.AvailableBalance)
	s.log.Info("provider pool onboarded", "provider", cp.Provider, "balance", cp.AvailableBalance)
	return &cp, nil
}

func (s *Service) Get(ctx context.Context, provider string) (*models.ProviderCreditPool, error) {
	return s.store.GetPool(ctx, provider)
}

func (s *Service) List(ctx context.Context) ([]*models.ProviderCreditPool, error) {
	return s.store.ListPools(ctx)
}

// Reserve optimistically consumes provider credits before the provider confirms the task.
func (s *Service) Reserve(ctx context.Context, provider string, providerCredits int64) error {
	if providerCredits <= 0 {
		return fmt.Errorf("%w: reserve %d", models.ErrInvalidAmount, providerCredits)
	}
	p, err := s.store.Reserve(ctx, provider, providerCredits)
	if err != nil {
		return err
	}
	s.metrics.PoolBalance(provider, p.AvailableBalance)
	if p.Status == models.PoolStatusDepleted {
		s.log.Warn("provider pool depleted", "provider", provider)
	}
	if p.AutoRefillThreshold > 0 && p.AvailableBalance < p.AutoRefillThreshold {
		s.mu.RLock()
		fn := s.lowBalance
		s.mu.RUnlock()
		if fn != nil {
			fn(ctx, p)
		}
	}
	return nil
}

// Refill adds purchased provider credits and returns the new available balance.
func (s *Service) Refill(ctx context.Context, provider string, amount int64) (int64, error) {
	if s.purchase != nil {
		if err := s.purchase.CheckPurchase(provider, amount); err != nil {
			return 0, err
		}
	} else if amount <= 0 {
		return 0, fmt.Errorf("%w: refill %d", models.ErrInvalidAmount, amount)
	}
	p, err := s.store.Refill(ctx, provider, amount, time.Now())
	if err != nil {
		return 0, err
	}
	s.metrics.PoolBalance(provider, p.AvailableBalance)
	s.log.Info("provider pool refilled", "provider", provider, "amount", amount,
		"available", p.AvailableBalance, "total_purchased", p.TotalPurchased)
	return p.AvailableBalance, nil
}

// Release hands back a reservation for a task that never reached the provider.
func (s *Service) Release(ctx context.Context, provider string, providerCredits int64) error {
	if providerCredits <= 0 {
		return fmt.Errorf("%w: release %d", models.ErrInvalidAmount, providerCredits)
	}
	p, err := s.store.Release(ctx, provider, providerCredits)
	if err != nil {
		return err
	}
	s.metrics.PoolBalance(provider, p.AvailableBalance)
	s.log.Info("provider reservation released", "provider", provider, "amount", providerCredits,
		"available", p.AvailableBalance)
	return nil
}

// MarkLoss notes that reserved provider credits were spent on a task that failed.
// The pool itself is not touched; the credits left it at reservation time.
// A task is noted at most once, so repeated calls are no-ops.
func (s *Service) MarkLoss(ctx context.Context, provider, taskID string, providerCredits int64) error {
	if providerCredits < 0 {
		return fmt.Errorf("%w: loss %d", models.ErrInvalidAmount, providerCredits)
	}
	if _, err := s.store.GetPool(ctx, provider); err != nil {
		return err
	}
	loss := &models.ProviderLoss{
		ID:              uuid.New(),
		Provider:        provider,
		TaskID:          taskID,
		ProviderCredits: providerCredits,
		CreatedAt:       time.Now(),
	}
	err := s.store.RecordLoss(ctx, loss)
	if errors.Is(err, models.ErrLossRecorded) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record provider loss: %w", err)
	}
	s.metrics.Loss(provider, providerCredits)
	return nil
}

func (s *Service) Losses(ctx context.Context, provider string) ([]*models.ProviderLoss, error) {
	return s.store.ListLosses(ctx, provider)
}

func (s *Service) Suspend(ctx context.Context, provider string) (*models.ProviderCreditPool, error) {
	p, err := s.store.SetStatus(ctx, provider, models.PoolStatusSuspended)
	if err != nil {
		return nil, err
	}
	s.log.Warn("provider pool suspended", "provider", provider)
	return p, nil
}

// Resume reactivates a suspended pool, or marks it depleted when it holds nothing.
func (s *Service) Resume(ctx context.Context, provider string) (*models.ProviderCreditPool, error) {
	cur, err := s.store.GetPool(ctx, provider)
	if err != nil {
		return nil, err
	}
	status := models.PoolStatusActive
	if cur.AvailableBalance == 0 {
		status = models.PoolStatusDepleted
	}
	p, err := s.store.SetStatus(ctx, provider, status)
	if err != nil {
		return nil, err
	}
	s.log.Info("provider pool resumed", "provider", provider, "status", p.Status)
	return p, nil
}
