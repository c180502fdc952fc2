package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/inaiurai/creditengine/internal/config"
	"github.com/inaiurai/creditengine/internal/execution"
	"github.com/inaiurai/creditengine/internal/ledger"
	"github.com/inaiurai/creditengine/internal/metrics"
	"github.com/inaiurai/creditengine/internal/models"
	"github.com/inaiurai/creditengine/internal/pool"
	"github.com/inaiurai/creditengine/internal/scaler"
	"github.com/inaiurai/creditengine/internal/services"
	"github.com/inaiurai/creditengine/internal/webhook"
)

type storeSet struct {
	credits  ledger.Store
	pools    pool.Store
	tasks    services.TaskStore
	refunds  services.RefundStore
	policies services.PolicyStore
}

// app holds the engine components shared by both store drivers.
type app struct {
	scaler    *scaler.Scaler
	metrics   *metrics.Metrics
	ledger    ledger.Service
	pools     *pool.Service
	refunds   *services.RefundEngine
	coord     *services.Coordinator
	signer    *webhook.Signer
	sender    *execution.Sender
	reconcile *execution.ReconcileWorker
	refill    *execution.PoolRefillWorker
	monthly   *execution.MonthlyResetWorker
	log       *slog.Logger
}

func newApp(ctx context.Context, cfg *config.Config, catalog *config.Catalog, sc *scaler.Scaler, m *metrics.Metrics, st storeSet, log *slog.Logger) (*app, error) {
	l := ledger.NewService(st.credits, m, log)
	ps := pool.NewService(st.pools, sc, m, log)
	re := services.NewRefundEngine(st.policies, st.refunds, st.tasks, l, ps, m, log)
	coord := services.NewCoordinator(st.tasks, l, ps, sc, re, m, log)

	if err := seedPools(ctx, ps, catalog); err != nil {
		return nil, err
	}
	for i := range catalog.RefundPolicies {
		if err := st.policies.UpsertPolicy(ctx, &catalog.RefundPolicies[i]); err != nil {
			return nil, fmt.Errorf("seed refund policy %q: %w", catalog.RefundPolicies[i].ErrorCode, err)
		}
	}

	endpoints := make(map[string]execution.Endpoint, len(catalog.Providers))
	autoPurchase := make(map[string]bool, len(catalog.Providers))
	for name, p := range catalog.Providers {
		endpoints[name] = execution.Endpoint{URL: p.Endpoint, APIKey: p.APIKey()}
		autoPurchase[name] = p.AutoPurchase
	}
	signer := webhook.NewSigner(cfg.WebhookSecret, cfg.WebhookTokenTTL)
	if !signer.Enabled() {
		log.Warn("WEBHOOK_SECRET not set; webhook callbacks are not authenticated")
	}

	return &app{
		scaler:    sc,
		metrics:   m,
		ledger:    l,
		pools:     ps,
		refunds:   re,
		coord:     coord,
		signer:    signer,
		sender:    execution.NewSender(coord, endpoints, signer, cfg.PublicBaseURL, cfg.DispatchTimeout, log),
		reconcile: execution.NewReconcileWorker(coord, cfg.ReconcileTimeout),
		refill:    execution.NewPoolRefillWorker(ps, autoPurchase, m, log),
		monthly:   execution.NewMonthlyResetWorker(l, log),
		log:       log,
	}, nil
}

// seedPools onboards every catalog provider that has no pool yet. Existing pools keep
// their balances across restarts.
func seedPools(ctx context.Context, ps *pool.Service, catalog *config.Catalog) error {
	seeds, err := catalog.Pools()
	if err != nil {
		return err
	}
	for _, p := range seeds {
		if _, err := ps.Onboard(ctx, p); err != nil && !errors.Is(err, models.ErrPoolExists) {
			return fmt.Errorf("seed pool %q: %w", p.Provider, err)
		}
	}
	return nil
}
