// Package execution holds the background work of the engine: provider dispatch,
// the reconciliation sweep, pool refills and monthly allowance resets.
package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/inaiurai/creditengine/internal/models"
)

type DispatchArgs struct {
	TaskID   string `json:"task_id"`
	Provider string `json:"provider"`
}

func (DispatchArgs) Kind() string { return "dispatch_generation" }

// TaskFinalizer is the slice of the coordinator the dispatcher reports to.
type TaskFinalizer interface {
	Get(ctx context.Context, taskID string) (*models.GenerationTask, error)
	CompleteFailure(ctx context.Context, taskID, errorCode, errorMessage string) (*models.GenerationTask, error)
}

// CallbackSigner builds the signed URL a provider posts its result to.
type CallbackSigner interface {
	CallbackURL(baseURL, provider, taskID string) (string, error)
}

type Endpoint struct {
	URL    string
	APIKey string
}

// Sender posts processing tasks to their provider.
type Sender struct {
	tasks      TaskFinalizer
	endpoints  map[string]Endpoint
	signer     CallbackSigner
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

func NewSender(tasks TaskFinalizer, endpoints map[string]Endpoint, signer CallbackSigner, baseURL string, timeout time.Duration, log *slog.Logger) *Sender {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Sender{
		tasks:      tasks,
		endpoints:  endpoints,
		signer:     signer,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

type generationRequest struct {
	TaskID      string          `json:"task_id"`
	Input       json.RawMessage `json:"input,omitempty"`
	CallbackURL string          `json:"callback_url"`
}

// Send posts one task to its provider. A provider that rejects the request fails the
// task through the normal failure path; transport errors are returned for retry.
func (s *Sender) Send(ctx context.Context, taskID string) error {
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, models.ErrUnknownTask) {
			s.log.Warn("dispatch for unknown task dropped", "task_id", taskID)
			return nil
		}
		return err
	}
	if t.State != models.TaskStateProcessing {
		return nil
	}

	ep, ok := s.endpoints[t.Provider]
	if !ok || ep.URL == "" {
		return s.fail(ctx, taskID, "provider_error", "no endpoint configured for "+t.Provider)
	}
	callback, err := s.signer.CallbackURL(s.baseURL, t.Provider, t.TaskID)
	if err != nil {
		return fmt.Errorf("build callback url: %w", err)
	}
	body, err := json.Marshal(generationRequest{TaskID: t.TaskID, Input: t.Input, CallbackURL: callback})
	if err != nil {
		return s.fail(ctx, taskID, "invalid_input", fmt.Sprintf("encode request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return s.fail(ctx, taskID, "provider_error", fmt.Sprintf("failed to create request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("network error calling provider %s: %w", t.Provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		msg := fmt.Sprintf("provider returned status %d", resp.StatusCode)
		if len(snippet) > 0 {
			msg += ": " + string(snippet)
		}
		return s.fail(ctx, taskID, "http_"+strconv.Itoa(resp.StatusCode), msg)
	}
	s.log.Info("task dispatched", "task_id", taskID, "provider", t.Provider, "status", resp.StatusCode)
	return nil
}

func (s *Sender) fail(ctx context.Context, taskID, code, reason string) error {
	if _, err := s.tasks.CompleteFailure(ctx, taskID, code, reason); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("provider rejected task (%s) AND failed to mark it failed: %w", reason, err)
	}
	s.log.Warn("provider rejected task", "task_id", taskID, "error_code", code, "reason", reason)
	return nil
}

type DispatchWorker struct {
	river.WorkerDefaults[DispatchArgs]
	sender *Sender
}

func NewDispatchWorker(sender *Sender) *DispatchWorker {
	return &DispatchWorker{sender: sender}
}

func (w *DispatchWorker) Work(ctx context.Context, job *river.Job[DispatchArgs]) error {
	return w.sender.Send(ctx, job.Args.TaskID)
}

// JobInserter is satisfied by *river.Client.
type JobInserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// QueueDispatcher hands tasks to the river queue.
type QueueDispatcher struct {
	client      JobInserter
	maxAttempts int
}

func NewQueueDispatcher(client JobInserter, maxAttempts int) *QueueDispatcher {
	return &QueueDispatcher{client: client, maxAttempts: maxAttempts}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, t *models.GenerationTask) error {
	_, err := d.client.Insert(ctx, DispatchArgs{TaskID: t.TaskID, Provider: t.Provider}, &river.InsertOpts{
		MaxAttempts: d.maxAttempts,
	})
	return err
}
