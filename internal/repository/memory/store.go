// Package memory is an in-process implementation of every engine store.
// It backs tests and the standalone (STORE_DRIVER=memory) mode.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/creditengine/internal/models"
)

type Store struct {
	accMu    sync.Mutex
	accounts map[string]*models.UserCreditAccount
	txs      map[string][]*models.CreditTransaction

	poolMu sync.Mutex
	pools  map[string]*models.ProviderCreditPool
	losses []*models.ProviderLoss

	taskMu sync.Mutex
	tasks  map[string]*models.GenerationTask

	refundMu sync.Mutex
	refunds  map[string]*models.RefundRecord

	policyMu sync.RWMutex
	policies map[string]*models.RefundPolicy

	now func() time.Time
}

func New() *Store {
	return &Store{
		accounts: make(map[string]*models.UserCreditAccount),
		txs:      make(map[string][]*models.CreditTransaction),
		pools:    make(map[string]*models.ProviderCreditPool),
		tasks:    make(map[string]*models.GenerationTask),
		refunds:  make(map[string]*models.RefundRecord),
		policies: make(map[string]*models.RefundPolicy),
		now:      time.Now,
	}
}

// --- accounts ---

func (s *Store) account(userID string) *models.UserCreditAccount {
	a, ok := s.accounts[userID]
	if !ok {
		now := s.now()
		a = &models.UserCreditAccount{
			UserID:           userID,
			SubscriptionTier: models.TierFree,
			LastResetAt:      now,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		s.accounts[userID] = a
	}
	return a
}

func (s *Store) appendTx(userID, kind string, amount, balance int64, reason string) *models.CreditTransaction {
	tx := &models.CreditTransaction{
		ID:           uuid.New(),
		UserID:       userID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: balance,
		Reason:       reason,
		CreatedAt:    s.now(),
	}
	s.txs[userID] = append(s.txs[userID], tx)
	cp := *tx
	return &cp
}

func (s *Store) GetOrCreateAccount(_ context.Context, userID string) (*models.UserCreditAccount, error) {
	s.accMu.Lock()
	defer s.accMu.Unlock()
	cp := *s.account(userID)
	return &cp, nil
}

func (s *Store) Debit(_ context.Context, userID string, amount int64, reason string) (*models.CreditTransaction, error) {
	s.accMu.Lock()
	defer s.accMu.Unlock()
	a := s.account(userID)
	if a.CurrentBalance < amount {
		return nil, models.ErrInsufficientBalance
	}
	a.CurrentBalance -= amount
	a.ConsumedThisMonth += amount
	a.UpdatedAt = s.now()
	return s.appendTx(userID, models.CreditTxDebit, amount, a.CurrentBalance, reason), nil
}

func (s *Store) Credit(_ context.Context, userID string, amount int64, reason string, restoreConsumed bool) (*models.CreditTransaction, error) {
	s.accMu.Lock()
	defer s.accMu.Unlock()
	a := s.account(userID)
	a.CurrentBalance += amount
	if restoreConsumed {
		a.ConsumedThisMonth = max(a.ConsumedThisMonth-amount, 0)
	}
	a.UpdatedAt = s.now()
	return s.appendTx(userID, models.CreditTxCredit, amount, a.CurrentBalance, reason), nil
}

func (s *Store) CreditOnce(_ context.Context, userID string, amount int64, reason string, restoreConsumed bool) (*models.CreditTransaction, bool, error) {
	s.accMu.Lock()
	defer s.accMu.Unlock()
	for _, tx := range s.txs[userID] {
		if tx.Reason == reason {
			cp := *tx
			return &cp, false, nil
		}
	}
	a := s.account(userID)
	a.CurrentBalance += amount
	if restoreConsumed {
		a.ConsumedThisMonth = max(a.ConsumedThisMonth-amount, 0)
	}
	a.UpdatedAt = s.now()
	return s.appendTx(userID, models.CreditTxCredit, amount, a.CurrentBalance, reason), true, nil
}

func (s *Store) ResetMonthly(_ context.Context, userID string, at time.Time) (*models.UserCreditAccount, error) {
	s.accMu.Lock()
	defer s.accMu.Unlock()
	a := s.account(userID)
	a.CurrentBalance = a.MonthlyAllowance
	a.ConsumedThisMonth = 0
	a.LastResetAt = at
	a.UpdatedAt = at
	cp := *a
	return &cp, nil
}

func (s *Store) SetAllowance(_ context.Context, userID, tier string, allowance int64) (*models.UserCreditAccount, error) {
	s.accMu.Lock()
	defer s.accMu.Unlock()
	a := s.account(userID)
	a.SubscriptionTier = tier
	a.MonthlyAllowance = allowance
	a.UpdatedAt = s.now()
	cp := *a
	return &cp, nil
}

func (s *Store) ZeroBalance(_ context.Context, userID string) (*models.UserCreditAccount, error) {
	s.accMu.Lock()
	defer s.accMu.Unlock()
	a := s.account(userID)
	if a.CurrentBalance > 0 {
		s.appendTx(userID, models.CreditTxDebit, a.CurrentBalance, 0, "account_closed")
	}
	a.CurrentBalance = 0
	a.UpdatedAt = s.now()
	cp := *a
	return &cp, nil
}

func (s *Store) ListUserIDs(_ context.Context) ([]string, error) {
	s.accMu.Lock()
	defer s.accMu.Unlock()
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) ListTransactions(_ context.Context, userID string) ([]*models.CreditTransaction, error) {
	s.accMu.Lock()
	defer s.accMu.Unlock()
	out := make([]*models.CreditTransaction, 0, len(s.txs[userID]))
	for _, tx := range s.txs[userID] {
		cp := *tx
		out = append(out, &cp)
	}
	return out, nil
}

// --- pools ---

func (s *Store) pool(provider string) (*models.ProviderCreditPool, error) {
	p, ok := s.pools[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownProvider, provider)
	}
	return p, nil
}

func (s *Store) CreatePool(_ context.Context, p *models.ProviderCreditPool) error {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	if _, ok := s.pools[p.Provider]; ok {
		return fmt.Errorf("%w: %s", models.ErrPoolExists, p.Provider)
	}
	cp := *p
	now := s.now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.pools[p.Provider] = &cp
	p.CreatedAt, p.UpdatedAt = now, now
	return nil
}

func (s *Store) GetPool(_ context.Context, provider string) (*models.ProviderCreditPool, error) {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	p, err := s.pool(provider)
	if err != nil {
		return nil, err
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ListPools(_ context.Context) ([]*models.ProviderCreditPool, error) {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	out := make([]*models.ProviderCreditPool, 0, len(s.pools))
	for _, p := range s.pools {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

func (s *Store) Reserve(_ context.Context, provider string, n int64) (*models.ProviderCreditPool, error) {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	p, err := s.pool(provider)
	if err != nil {
		return nil, err
	}
	if p.Status != models.PoolStatusActive || p.AvailableBalance < n {
		return nil, fmt.Errorf("%w: %s has %d (%s), need %d",
			models.ErrPoolInsufficient, provider, p.AvailableBalance, p.Status, n)
	}
	p.AvailableBalance -= n
	p.TotalConsumed += n
	if p.AvailableBalance == 0 {
		p.Status = models.PoolStatusDepleted
	}
	p.UpdatedAt = s.now()
	cp := *p
	return &cp, nil
}

func (s *Store) Refill(_ context.Context, provider string, n int64, at time.Time) (*models.ProviderCreditPool, error) {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	p, err := s.pool(provider)
	if err != nil {
		return nil, err
	}
	p.AvailableBalance += n
	p.TotalPurchased += n
	if p.Status == models.PoolStatusDepleted && p.AvailableBalance > 0 {
		p.Status = models.PoolStatusActive
	}
	p.LastRefillAt = &at
	p.UpdatedAt = at
	cp := *p
	return &cp, nil
}

func (s *Store) Release(_ context.Context, provider string, n int64) (*models.ProviderCreditPool, error) {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	p, err := s.pool(provider)
	if err != nil {
		return nil, err
	}
	if p.TotalConsumed < n {
		return nil, fmt.Errorf("%w: release %d from %s with %d consumed", models.ErrInvalidAmount, n, provider, p.TotalConsumed)
	}
	p.AvailableBalance += n
	p.TotalConsumed -= n
	if p.Status == models.PoolStatusDepleted && p.AvailableBalance > 0 {
		p.Status = models.PoolStatusActive
	}
	p.UpdatedAt = s.now()
	cp := *p
	return &cp, nil
}

func (s *Store) SetStatus(_ context.Context, provider, status string) (*models.ProviderCreditPool, error) {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	p, err := s.pool(provider)
	if err != nil {
		return nil, err
	}
	p.Status = status
	p.UpdatedAt = s.now()
	cp := *p
	return &cp, nil
}

func (s *Store) RecordLoss(_ context.Context, loss *models.ProviderLoss) error {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	for _, l := range s.losses {
		if l.TaskID == loss.TaskID {
			return fmt.Errorf("%w: %s", models.ErrLossRecorded, loss.TaskID)
		}
	}
	cp := *loss
	s.losses = append(s.losses, &cp)
	return nil
}

func (s *Store) ListLosses(_ context.Context, provider string) ([]*models.ProviderLoss, error) {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	var out []*models.ProviderLoss
	for _, l := range s.losses {
		if provider == "" || l.Provider == provider {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- tasks ---

func copyTask(t *models.GenerationTask) *models.GenerationTask {
	cp := *t
	return &cp
}

func (s *Store) CreateTask(_ context.Context, t *models.GenerationTask) error {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	if _, ok := s.tasks[t.TaskID]; ok {
		return fmt.Errorf("%w: %s", models.ErrDuplicateTask, t.TaskID)
	}
	now := s.now()
	t.CreatedAt, t.UpdatedAt = now, now
	s.tasks[t.TaskID] = copyTask(t)
	return nil
}

func (s *Store) GetTask(_ context.Context, taskID string) (*models.GenerationTask, error) {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownTask, taskID)
	}
	return copyTask(t), nil
}

func (s *Store) TransitionTask(_ context.Context, taskID string, tr models.TaskTransition) (*models.GenerationTask, error) {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownTask, taskID)
	}
	if t.State != tr.From {
		return nil, fmt.Errorf("%w: %s is %s, expected %s", models.ErrStateConflict, taskID, t.State, tr.From)
	}
	t.State = tr.To
	if tr.ErrorCode != nil {
		t.ErrorCode = tr.ErrorCode
	}
	if tr.ErrorMessage != nil {
		t.ErrorMessage = tr.ErrorMessage
	}
	if tr.ResultRef != nil {
		t.ResultRef = tr.ResultRef
	}
	if tr.FinalizedAt != nil {
		t.FinalizedAt = tr.FinalizedAt
	}
	t.UpdatedAt = s.now()
	return copyTask(t), nil
}

func (s *Store) DiscardTask(_ context.Context, taskID string) error {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil
	}
	if t.State != models.TaskStateSubmitted {
		return fmt.Errorf("%w: cannot discard %s in state %s", models.ErrInvalidTransition, taskID, t.State)
	}
	delete(s.tasks, taskID)
	return nil
}

func (s *Store) ListStaleProcessing(_ context.Context, createdBefore time.Time, limit int) ([]*models.GenerationTask, error) {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	var out []*models.GenerationTask
	for _, t := range s.tasks {
		if t.State == models.TaskStateProcessing && t.CreatedAt.Before(createdBefore) {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListUnsettledFailures(_ context.Context, createdBefore time.Time, limit int) ([]*models.GenerationTask, error) {
	s.taskMu.Lock()
	var failed []*models.GenerationTask
	for _, t := range s.tasks {
		if t.State == models.TaskStateFailed && t.CreatedAt.Before(createdBefore) {
			failed = append(failed, copyTask(t))
		}
	}
	s.taskMu.Unlock()

	s.refundMu.Lock()
	out := failed[:0]
	for _, t := range failed {
		if r, ok := s.refunds[t.TaskID]; ok && r.CreditsRefunded == 0 {
			continue
		}
		out = append(out, t)
	}
	s.refundMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListTasksByUser(_ context.Context, userID string) ([]*models.GenerationTask, error) {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	var out []*models.GenerationTask
	for _, t := range s.tasks {
		if t.UserID == userID {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// SetTaskCreatedAt rewrites a task's creation time. Tests use it to age tasks.
func (s *Store) SetTaskCreatedAt(taskID string, at time.Time) {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	if t, ok := s.tasks[taskID]; ok {
		t.CreatedAt = at
	}
}

// --- refunds ---

func (s *Store) CreateRefund(_ context.Context, r *models.RefundRecord) error {
	s.refundMu.Lock()
	defer s.refundMu.Unlock()
	if _, ok := s.refunds[r.TaskID]; ok {
		return fmt.Errorf("%w: %s", models.ErrRefundRecorded, r.TaskID)
	}
	cp := *r
	s.refunds[r.TaskID] = &cp
	return nil
}

func (s *Store) GetRefundByTask(_ context.Context, taskID string) (*models.RefundRecord, error) {
	s.refundMu.Lock()
	defer s.refundMu.Unlock()
	r, ok := s.refunds[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: refund for %s", models.ErrNotFound, taskID)
	}
	cp := *r
	return &cp, nil
}

// RefundCount returns how many refund records exist.
func (s *Store) RefundCount() int {
	s.refundMu.Lock()
	defer s.refundMu.Unlock()
	return len(s.refunds)
}

// --- policies ---

func (s *Store) GetPolicy(_ context.Context, errorCode string) (*models.RefundPolicy, error) {
	s.policyMu.RLock()
	defer s.policyMu.RUnlock()
	p, ok := s.policies[errorCode]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrPolicyNotFound, errorCode)
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ListPolicies(_ context.Context) ([]*models.RefundPolicy, error) {
	s.policyMu.RLock()
	defer s.policyMu.RUnlock()
	out := make([]*models.RefundPolicy, 0, len(s.policies))
	for _, p := range s.policies {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ErrorCode < out[j].ErrorCode })
	return out, nil
}

func (s *Store) UpsertPolicy(_ context.Context, p *models.RefundPolicy) error {
	s.policyMu.Lock()
	defer s.policyMu.Unlock()
	cp := *p
	s.policies[p.ErrorCode] = &cp
	return nil
}
