package execution

import (
	"context"
	"time"

	"github.com/riverqueue/river"

	"github.com/inaiurai/creditengine/internal/services"
)

type ReconcileArgs struct{}

func (ReconcileArgs) Kind() string { return "reconcile_tasks" }

type Reconciler interface {
	Reconcile(ctx context.Context, staleBefore time.Time) (services.ReconcileSummary, error)
}

// ReconcileWorker force-fails tasks that have been processing longer than timeout.
type ReconcileWorker struct {
	river.WorkerDefaults[ReconcileArgs]
	coord   Reconciler
	timeout time.Duration
	now     func() time.Time
}

func NewReconcileWorker(coord Reconciler, timeout time.Duration) *ReconcileWorker {
	return &ReconcileWorker{coord: coord, timeout: timeout, now: time.Now}
}

func (w *ReconcileWorker) Work(ctx context.Context, _ *river.Job[ReconcileArgs]) error {
	_, err := w.RunOnce(ctx)
	return err
}

func (w *ReconcileWorker) RunOnce(ctx context.Context) (services.ReconcileSummary, error) {
	return w.coord.Reconcile(ctx, w.now().Add(-w.timeout))
}

// ReconcilePeriodicJob schedules the sweep every interval, starting at boot.
func ReconcilePeriodicJob(interval time.Duration) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return ReconcileArgs{}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}
