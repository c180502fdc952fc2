package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// CronScheduler runs the periodic work in-process when no river queue is available.
type CronScheduler struct {
	cron *cron.Cron
	log  *slog.Logger
}

func NewCronScheduler(log *slog.Logger) *CronScheduler {
	if log == nil {
		log = slog.Default()
	}
	return &CronScheduler{
		cron: cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		log:  log,
	}
}

// Every registers fn to run at a fixed interval.
func (s *CronScheduler) Every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	return s.add(ctx, name, fmt.Sprintf("@every %s", interval), fn)
}

// Cron registers fn on a standard five-field cron spec.
func (s *CronScheduler) Cron(ctx context.Context, name, spec string, fn func(context.Context) error) error {
	return s.add(ctx, name, spec, fn)
}

func (s *CronScheduler) add(ctx context.Context, name, spec string, fn func(context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		if err := fn(ctx); err != nil {
			s.log.Error("scheduled job failed", "job", name, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return nil
}

func (s *CronScheduler) Start() { s.cron.Start() }

// Stop waits for running jobs to finish.
func (s *CronScheduler) Stop() {
	<-s.cron.Stop().Done()
}
