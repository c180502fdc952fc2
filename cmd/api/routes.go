package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/inaiurai/creditengine/internal/config"
	"github.com/inaiurai/creditengine/internal/handlers"
	"github.com/inaiurai/creditengine/internal/middleware"
	"github.com/inaiurai/creditengine/internal/webhook"
)

// routes builds the HTTP surface.
// Webhooks: ProviderRateLimit -> Receive. Admin: AdminAuth -> handler.
func routes(cfg *config.Config, a *app) (http.Handler, error) {
	parser, err := webhook.NewParser()
	if err != nil {
		return nil, err
	}

	th := &handlers.TaskHandler{
		Coord:  a.coord,
		Ledger: a.ledger,
		Logger: a.log,
	}
	wh := &handlers.WebhookHandler{
		Parser:  parser,
		Tokens:  a.signer,
		Coord:   a.coord,
		Metrics: a.metrics,
		Logger:  a.log,
	}
	admin := handlers.NewAdminHandler(a.pools, a.ledger, a.scaler, a.refunds, a.coord, cfg.ReconcileTimeout, a.log)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tasks", th.CreateTask)
	mux.HandleFunc("GET /v1/tasks/{id}", th.GetTask)
	mux.HandleFunc("GET /v1/users/{id}/credits", th.GetUserCredits)
	mux.HandleFunc("GET /v1/users/{id}/tasks", th.ListUserTasks)
	mux.HandleFunc("GET /v1/users/{id}/transactions", th.ListUserTransactions)

	limit := middleware.ProviderRateLimit(cfg.WebhookRatePerSec, cfg.WebhookBurst, a.log)
	mux.Handle("POST /v1/webhooks/{provider}", limit(http.HandlerFunc(wh.Receive)))

	if cfg.AdminKeyHash == "" {
		a.log.Warn("ADMIN_KEY_HASH not set; admin routes disabled")
	} else {
		auth := middleware.AdminAuth(cfg.AdminKeyHash, a.log)
		mux.Handle("POST /admin/pools", auth(http.HandlerFunc(admin.OnboardPool)))
		mux.Handle("POST /admin/pools/{provider}/refill", auth(http.HandlerFunc(admin.RefillPool)))
		mux.Handle("POST /admin/pools/{provider}/suspend", auth(http.HandlerFunc(admin.SuspendPool)))
		mux.Handle("POST /admin/pools/{provider}/resume", auth(http.HandlerFunc(admin.ResumePool)))
		mux.Handle("GET /admin/pools/{provider}/losses", auth(http.HandlerFunc(admin.PoolLosses)))
		mux.Handle("POST /admin/users/{id}/credits", auth(http.HandlerFunc(admin.GrantCredits)))
		mux.Handle("PUT /admin/users/{id}/allowance", auth(http.HandlerFunc(admin.SetAllowance)))
		mux.Handle("POST /admin/users/{id}/close", auth(http.HandlerFunc(admin.CloseAccount)))
		mux.Handle("GET /admin/status", auth(http.HandlerFunc(admin.Status)))
		mux.Handle("GET /admin/refund-policies", auth(http.HandlerFunc(admin.RefundPolicies)))
		mux.Handle("GET /admin/tasks/{id}/refund", auth(http.HandlerFunc(admin.TaskRefund)))
		mux.Handle("POST /admin/reconcile", auth(http.HandlerFunc(admin.Reconcile)))
	}

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", handlers.Healthz)

	return cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(mux), nil
}
