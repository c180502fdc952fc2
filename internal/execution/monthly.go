package execution

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/riverqueue/river"
	"github.com/robfig/cron/v3"
)

// MonthlyResetSpec runs at midnight UTC on the first of every month.
const MonthlyResetSpec = "0 0 1 * *"

type MonthlyResetArgs struct{}

func (MonthlyResetArgs) Kind() string { return "monthly_reset" }

type Resetter interface {
	ResetAllMonthly(ctx context.Context) (int, error)
}

type MonthlyResetWorker struct {
	river.WorkerDefaults[MonthlyResetArgs]
	ledger Resetter
	log    *slog.Logger
}

func NewMonthlyResetWorker(l Resetter, log *slog.Logger) *MonthlyResetWorker {
	if log == nil {
		log = slog.Default()
	}
	return &MonthlyResetWorker{ledger: l, log: log}
}

func (w *MonthlyResetWorker) Work(ctx context.Context, _ *river.Job[MonthlyResetArgs]) error {
	return w.RunOnce(ctx)
}

func (w *MonthlyResetWorker) RunOnce(ctx context.Context) error {
	n, err := w.ledger.ResetAllMonthly(ctx)
	w.log.Info("monthly allowance reset", "accounts", n)
	return err
}

// MonthlyResetPeriodicJob schedules the reset with a cron expression.
func MonthlyResetPeriodicJob() (*river.PeriodicJob, error) {
	sched, err := cron.ParseStandard(MonthlyResetSpec)
	if err != nil {
		return nil, fmt.Errorf("parse monthly reset schedule: %w", err)
	}
	return river.NewPeriodicJob(
		sched,
		func() (river.JobArgs, *river.InsertOpts) {
			return MonthlyResetArgs{}, nil
		},
		nil,
	), nil
}
