package execution

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/inaiurai/creditengine/internal/models"
)

// ErrDispatchQueueFull is returned when the inline dispatcher cannot accept more work.
var ErrDispatchQueueFull = errors.New("dispatch queue full")

// InlineDispatcher sends tasks from a fixed set of goroutines. It backs the
// memory-store mode, where there is no database for the river queue.
type InlineDispatcher struct {
	sender *Sender
	queue  chan string
	log    *slog.Logger
	wg     sync.WaitGroup
}

func NewInlineDispatcher(sender *Sender, buffer int, log *slog.Logger) *InlineDispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &InlineDispatcher{sender: sender, queue: make(chan string, buffer), log: log}
}

// Start runs workers until ctx is cancelled.
func (d *InlineDispatcher) Start(ctx context.Context, workers int) {
	for range max(workers, 1) {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-d.queue:
					if err := d.sender.Send(ctx, id); err != nil {
						// The reconciliation sweep times the task out.
						d.log.Error("inline dispatch failed", "task_id", id, "error", err)
					}
				}
			}
		}()
	}
}

func (d *InlineDispatcher) Wait() { d.wg.Wait() }

func (d *InlineDispatcher) Dispatch(_ context.Context, t *models.GenerationTask) error {
	select {
	case d.queue <- t.TaskID:
		return nil
	default:
		return ErrDispatchQueueFull
	}
}
