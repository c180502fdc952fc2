package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/inaiurai/creditengine/internal/config"
	"github.com/inaiurai/creditengine/internal/execution"
	"github.com/inaiurai/creditengine/internal/metrics"
	"github.com/inaiurai/creditengine/internal/models"
	"github.com/inaiurai/creditengine/internal/repository"
	"github.com/inaiurai/creditengine/internal/repository/memory"
	"github.com/inaiurai/creditengine/internal/scaler"
)

const dispatchMaxAttempts = 5

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	catalog, err := config.LoadCatalog(cfg.ProvidersFile)
	if err != nil {
		slog.Error("Failed to load provider catalog", "error", err)
		os.Exit(1)
	}
	rates, err := catalog.ScalerConfig()
	if err != nil {
		slog.Error("Invalid provider rates", "error", err)
		os.Exit(1)
	}
	sc, err := scaler.New(rates)
	if err != nil {
		slog.Error("Invalid provider rates", "error", err)
		os.Exit(1)
	}
	m := metrics.New(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var run func(context.Context, *config.Config, *config.Catalog, *scaler.Scaler, *metrics.Metrics, *slog.Logger) error
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		run = runMemory
	default:
		run = runPostgres
	}
	if err := run(ctx, cfg, catalog, sc, m, logger); err != nil {
		slog.Error("Server stopped", "error", err)
		os.Exit(1)
	}
}

func runPostgres(ctx context.Context, cfg *config.Config, catalog *config.Catalog, sc *scaler.Scaler, m *metrics.Metrics, logger *slog.Logger) error {
	db, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running and DATABASE_URL is correct", "error", err)
		return err
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := repository.Migrate(ctx, db); err != nil {
		return err
	}
	migrator, err := rivermigrate.New(riverpgxv5.New(db), nil)
	if err != nil {
		return err
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return err
	}
	slog.Info("Schema and River migrations applied")

	st := repository.NewStores(db)
	a, err := newApp(ctx, cfg, catalog, sc, m, storeSet{
		credits:  st.Credits,
		pools:    st.Pools,
		tasks:    st.Tasks,
		refunds:  st.Refunds,
		policies: st.Refunds,
	}, logger)
	if err != nil {
		return err
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewDispatchWorker(a.sender))
	river.AddWorker(workers, a.reconcile)
	river.AddWorker(workers, a.refill)
	river.AddWorker(workers, a.monthly)

	monthlyJob, err := execution.MonthlyResetPeriodicJob()
	if err != nil {
		return err
	}
	riverClient, err := river.NewClient(riverpgxv5.New(db), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.DispatchWorkers},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			execution.ReconcilePeriodicJob(cfg.ReconcileInterval),
			monthlyJob,
		},
	})
	if err != nil {
		return err
	}

	a.coord.SetDispatcher(execution.NewQueueDispatcher(riverClient, dispatchMaxAttempts))
	a.pools.OnLowBalance(func(ctx context.Context, p *models.ProviderCreditPool) {
		if _, err := riverClient.Insert(ctx, execution.PoolRefillArgs{Provider: p.Provider}, execution.RefillInsertOpts()); err != nil {
			slog.Error("Failed to enqueue pool refill", "provider", p.Provider, "error", err)
		}
	})

	if err := riverClient.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := riverClient.Stop(stopCtx); err != nil {
			slog.Error("River client stop", "error", err)
		}
	}()

	return serve(ctx, cfg, a)
}

// runMemory serves from the in-memory store with in-process dispatch and cron
// scheduling. State is lost on restart.
func runMemory(ctx context.Context, cfg *config.Config, catalog *config.Catalog, sc *scaler.Scaler, m *metrics.Metrics, logger *slog.Logger) error {
	store := memory.New()
	a, err := newApp(ctx, cfg, catalog, sc, m, storeSet{
		credits:  store,
		pools:    store,
		tasks:    store,
		refunds:  store,
		policies: store,
	}, logger)
	if err != nil {
		return err
	}
	slog.Warn("Running with the in-memory store; balances are not persisted")

	inline := execution.NewInlineDispatcher(a.sender, 1024, logger)
	inline.Start(ctx, cfg.DispatchWorkers)
	defer inline.Wait()
	a.coord.SetDispatcher(inline)

	a.pools.OnLowBalance(func(ctx context.Context, p *models.ProviderCreditPool) {
		a.refill.Trigger(context.WithoutCancel(ctx), p.Provider)
	})

	sched := execution.NewCronScheduler(logger)
	if err := sched.Every(ctx, "reconcile", cfg.ReconcileInterval, func(ctx context.Context) error {
		_, err := a.reconcile.RunOnce(ctx)
		return err
	}); err != nil {
		return err
	}
	if err := sched.Cron(ctx, "monthly_reset", execution.MonthlyResetSpec, a.monthly.RunOnce); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	return serve(ctx, cfg, a)
}

func serve(ctx context.Context, cfg *config.Config, a *app) error {
	handler, err := routes(cfg, a)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP shutdown", "error", err)
		}
	}()

	slog.Info("Starting HTTP server", "addr", srv.Addr, "store", cfg.StoreDriver)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
