package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/inaiurai/creditengine/internal/middleware"
	"github.com/inaiurai/creditengine/internal/models"
	"github.com/inaiurai/creditengine/internal/scaler"
	"github.com/inaiurai/creditengine/internal/services"
)

const grantReasonPrefix = "grant"

type PoolAdmin interface {
	Onboard(ctx context.Context, p *models.ProviderCreditPool) (*models.ProviderCreditPool, error)
	List(ctx context.Context) ([]*models.ProviderCreditPool, error)
	Refill(ctx context.Context, provider string, amount int64) (int64, error)
	Suspend(ctx context.Context, provider string) (*models.ProviderCreditPool, error)
	Resume(ctx context.Context, provider string) (*models.ProviderCreditPool, error)
	Losses(ctx context.Context, provider string) ([]*models.ProviderLoss, error)
}

// UserAdmin is the slice of the ledger operators can drive directly.
type UserAdmin interface {
	GetAccount(ctx context.Context, userID string) (*models.UserCreditAccount, error)
	Credit(ctx context.Context, userID string, amount int64, reason string) (int64, error)
	SetAllowance(ctx context.Context, userID, tier string, allowance int64) (*models.UserCreditAccount, error)
	ResetMonthly(ctx context.Context, userID string) (*models.UserCreditAccount, error)
	Close(ctx context.Context, userID string) error
}

type RefundReader interface {
	Policies(ctx context.Context) ([]*models.RefundPolicy, error)
	RefundForTask(ctx context.Context, taskID string) (*models.RefundRecord, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, staleBefore time.Time) (services.ReconcileSummary, error)
}

// AdminHandler serves the operator surface under /admin. Callers pass AdminAuth first.
type AdminHandler struct {
	pools            PoolAdmin
	users            UserAdmin
	scaler           *scaler.Scaler
	refunds          RefundReader
	reconciler       Reconciler
	reconcileTimeout time.Duration
	log              *slog.Logger
	now              func() time.Time
}

func NewAdminHandler(pools PoolAdmin, users UserAdmin, sc *scaler.Scaler, refunds RefundReader, rec Reconciler, reconcileTimeout time.Duration, log *slog.Logger) *AdminHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AdminHandler{
		pools:            pools,
		users:            users,
		scaler:           sc,
		refunds:          refunds,
		reconciler:       rec,
		reconcileTimeout: reconcileTimeout,
		log:              log,
		now:              time.Now,
	}
}

type onboardRequest struct {
	Provider            string          `json:"provider"`
	InitialBalance      int64           `json:"initial_balance"`
	CostPerCredit       decimal.Decimal `json:"cost_per_credit"`
	AutoRefillThreshold int64           `json:"auto_refill_threshold"`
	AutoRefillAmount    int64           `json:"auto_refill_amount"`
}

// POST /admin/pools
func (h *AdminHandler) OnboardPool(w http.ResponseWriter, r *http.Request) {
	var req onboardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON")
		return
	}
	// A pool without conversion rates could never serve a task.
	if _, err := h.scaler.Ratio(req.Provider); err != nil {
		writeEngineError(w, err)
		return
	}
	p, err := h.pools.Onboard(r.Context(), &models.ProviderCreditPool{
		Provider:            req.Provider,
		AvailableBalance:    req.InitialBalance,
		CostPerCredit:       req.CostPerCredit,
		AutoRefillThreshold: req.AutoRefillThreshold,
		AutoRefillAmount:    req.AutoRefillAmount,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	h.log.Info("admin audit: pool onboarded", "operator", middleware.OperatorFromCtx(r.Context()), "provider", p.Provider, "balance", p.AvailableBalance)
	writeJSON(w, http.StatusCreated, p)
}

type refillRequest struct {
	Amount int64  `json:"amount"`
	Note   string `json:"note"`
}

// POST /admin/pools/{provider}/refill
func (h *AdminHandler) RefillPool(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	var req refillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON")
		return
	}
	balance, err := h.pools.Refill(r.Context(), provider, req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	h.log.Info("admin audit: pool refilled",
		"operator", middleware.OperatorFromCtx(r.Context()),
		"provider", provider,
		"amount", req.Amount,
		"new_balance", balance,
		"note", req.Note,
	)
	writeJSON(w, http.StatusOK, map[string]any{"provider": provider, "available_balance": balance})
}

// POST /admin/pools/{provider}/suspend
func (h *AdminHandler) SuspendPool(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, h.pools.Suspend)
}

// POST /admin/pools/{provider}/resume
func (h *AdminHandler) ResumePool(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, h.pools.Resume)
}

func (h *AdminHandler) setStatus(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (*models.ProviderCreditPool, error)) {
	provider := r.PathValue("provider")
	p, err := fn(r.Context(), provider)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	h.log.Info("admin audit: pool status changed", "operator", middleware.OperatorFromCtx(r.Context()), "provider", provider, "status", p.Status)
	writeJSON(w, http.StatusOK, p)
}

// GET /admin/pools/{provider}/losses
func (h *AdminHandler) PoolLosses(w http.ResponseWriter, r *http.Request) {
	losses, err := h.pools.Losses(r.Context(), r.PathValue("provider"))
	if err != nil {
		h.log.Error("list provider losses", "provider", r.PathValue("provider"), "error", err)
		writeEngineError(w, err)
		return
	}
	if losses == nil {
		losses = []*models.ProviderLoss{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"losses": losses})
}

type grantRequest struct {
	Amount int64  `json:"amount"`
	Note   string `json:"note"`
}

// POST /admin/users/{id}/credits
func (h *AdminHandler) GrantCredits(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "amount must be positive")
		return
	}
	reason := grantReasonPrefix
	if req.Note != "" {
		reason += ":" + req.Note
	}
	balance, err := h.users.Credit(r.Context(), userID, req.Amount, reason)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	h.log.Info("admin audit: credits granted",
		"operator", middleware.OperatorFromCtx(r.Context()),
		"user_id", userID,
		"amount", req.Amount,
		"new_balance", balance,
		"note", req.Note,
	)
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "current_balance": balance})
}

type allowanceRequest struct {
	Tier             string `json:"tier"`
	MonthlyAllowance *int64 `json:"monthly_allowance"`
	// GrantNow resets the balance to the new allowance instead of waiting for the month boundary.
	GrantNow bool `json:"grant_now"`
}

// PUT /admin/users/{id}/allowance
func (h *AdminHandler) SetAllowance(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	var req allowanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON")
		return
	}
	if req.Tier == "" {
		req.Tier = models.TierFree
	}
	var allowance int64
	if req.MonthlyAllowance != nil {
		allowance = *req.MonthlyAllowance
	} else {
		def, ok := models.DefaultMonthlyAllowance[req.Tier]
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_request", "unknown tier "+req.Tier+" needs an explicit monthly_allowance")
			return
		}
		allowance = def
	}

	acc, err := h.users.SetAllowance(r.Context(), userID, req.Tier, allowance)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if req.GrantNow {
		if acc, err = h.users.ResetMonthly(r.Context(), userID); err != nil {
			writeEngineError(w, err)
			return
		}
	}
	h.log.Info("admin audit: allowance set",
		"operator", middleware.OperatorFromCtx(r.Context()),
		"user_id", userID,
		"tier", acc.SubscriptionTier,
		"monthly_allowance", acc.MonthlyAllowance,
		"grant_now", req.GrantNow,
	)
	writeJSON(w, http.StatusOK, acc)
}

// POST /admin/users/{id}/close
func (h *AdminHandler) CloseAccount(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if err := h.users.Close(r.Context(), userID); err != nil {
		writeEngineError(w, err)
		return
	}
	acc, err := h.users.GetAccount(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	h.log.Info("admin audit: account closed", "operator", middleware.OperatorFromCtx(r.Context()), "user_id", userID)
	writeJSON(w, http.StatusOK, acc)
}

// GET /admin/status
func (h *AdminHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := services.PlatformStatus(r.Context(), h.pools, h.scaler)
	if err != nil {
		h.log.Error("platform status", "error", err)
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": st})
}

// GET /admin/refund-policies
func (h *AdminHandler) RefundPolicies(w http.ResponseWriter, r *http.Request) {
	ps, err := h.refunds.Policies(r.Context())
	if err != nil {
		h.log.Error("list refund policies", "error", err)
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": ps})
}

// GET /admin/tasks/{id}/refund
func (h *AdminHandler) TaskRefund(w http.ResponseWriter, r *http.Request) {
	rec, err := h.refunds.RefundForTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// POST /admin/reconcile
func (h *AdminHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	sum, err := h.reconciler.Reconcile(r.Context(), h.now().Add(-h.reconcileTimeout))
	if err != nil {
		// Per-task failures are joined; the summary still reflects what was done.
		h.log.Error("manual reconcile", "error", err, "scanned", sum.Scanned, "failed", sum.Failed)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal_error", "summary": sum})
		return
	}
	h.log.Info("admin audit: reconcile run", "operator", middleware.OperatorFromCtx(r.Context()), "scanned", sum.Scanned, "failed", sum.Failed, "skipped", sum.Skipped, "resumed", sum.Resumed)
	writeJSON(w, http.StatusOK, sum)
}
