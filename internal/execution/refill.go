package execution

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/riverqueue/river"

	"github.com/inaiurai/creditengine/internal/metrics"
	"github.com/inaiurai/creditengine/internal/models"
)

type PoolRefillArgs struct {
	Provider string `json:"provider"`
}

func (PoolRefillArgs) Kind() string { return "pool_refill" }

type Refiller interface {
	Get(ctx context.Context, provider string) (*models.ProviderCreditPool, error)
	Refill(ctx context.Context, provider string, amount int64) (int64, error)
}

// PoolRefillWorker tops up pools that fell below their refill threshold. Providers
// without auto purchase only raise an alert for an operator.
type PoolRefillWorker struct {
	river.WorkerDefaults[PoolRefillArgs]
	pools        Refiller
	autoPurchase map[string]bool
	metrics      *metrics.Metrics
	log          *slog.Logger

	inflight sync.Map // provider -> struct{}
}

func NewPoolRefillWorker(pools Refiller, autoPurchase map[string]bool, m *metrics.Metrics, log *slog.Logger) *PoolRefillWorker {
	if log == nil {
		log = slog.Default()
	}
	return &PoolRefillWorker{pools: pools, autoPurchase: autoPurchase, metrics: m, log: log}
}

func (w *PoolRefillWorker) Work(ctx context.Context, job *river.Job[PoolRefillArgs]) error {
	return w.Check(ctx, job.Args.Provider)
}

// Trigger runs Check in the background unless one is already running for provider,
// and reports whether it started one.
func (w *PoolRefillWorker) Trigger(ctx context.Context, provider string) bool {
	if _, busy := w.inflight.LoadOrStore(provider, struct{}{}); busy {
		return false
	}
	go func() {
		defer w.inflight.Delete(provider)
		if err := w.Check(ctx, provider); err != nil {
			w.log.Error("pool refill check failed", "provider", provider, "error", err)
		}
	}()
	return true
}

func (w *PoolRefillWorker) Check(ctx context.Context, provider string) error {
	p, err := w.pools.Get(ctx, provider)
	if err != nil {
		return err
	}
	if p.AutoRefillThreshold <= 0 || p.AvailableBalance >= p.AutoRefillThreshold {
		return nil
	}
	if !w.autoPurchase[provider] || p.AutoRefillAmount <= 0 || p.Status == models.PoolStatusSuspended {
		w.metrics.Alert("pool_low")
		w.log.Warn("provider pool below refill threshold",
			"alert", true,
			"provider", provider,
			"available", p.AvailableBalance,
			"threshold", p.AutoRefillThreshold,
		)
		return nil
	}
	bal, err := w.pools.Refill(ctx, provider, p.AutoRefillAmount)
	if err != nil {
		return err
	}
	w.log.Info("provider pool auto-refilled", "provider", provider, "amount", p.AutoRefillAmount, "available", bal)
	return nil
}

// RefillInsertOpts collapses repeated low-balance notifications for one provider.
func RefillInsertOpts() *river.InsertOpts {
	return &river.InsertOpts{
		UniqueOpts: river.UniqueOpts{ByArgs: true, ByPeriod: 5 * time.Minute},
	}
}
