package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/inaiurai/creditengine/internal/metrics"
	"github.com/inaiurai/creditengine/internal/models"
	"github.com/inaiurai/creditengine/internal/webhook"
)

const maxWebhookBody = 256 << 10

type WebhookCoordinator interface {
	Get(ctx context.Context, taskID string) (*models.GenerationTask, error)
	CompleteSuccess(ctx context.Context, taskID, resultRef string) (*models.GenerationTask, error)
	CompleteFailure(ctx context.Context, taskID, errorCode, errorMessage string) (*models.GenerationTask, error)
}

type TokenVerifier interface {
	Verify(token, provider, taskID string) error
}

// WebhookHandler receives terminal task status from providers.
type WebhookHandler struct {
	Parser  *webhook.Parser
	Tokens  TokenVerifier
	Coord   WebhookCoordinator
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type webhookAck struct {
	Status string `json:"status"`
	TaskID string `json:"task_id,omitempty"`
	State  string `json:"state,omitempty"`
}

// Receive handles POST /v1/webhooks/{provider}. The payload is validated before any
// state change. Callbacks for unknown tasks or illegal transitions are logged and
// acknowledged so providers stop retrying them.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "failed to read body")
		return
	}
	ev, err := h.Parser.Parse(body)
	if err != nil {
		h.Logger.Warn("webhook rejected", "provider", provider, "error", err)
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}
	if err := h.Tokens.Verify(r.URL.Query().Get("token"), provider, ev.TaskID); err != nil {
		h.Logger.Warn("webhook token rejected", "provider", provider, "task_id", ev.TaskID, "error", err)
		writeError(w, http.StatusUnauthorized, "invalid_token", "")
		return
	}

	task, err := h.Coord.Get(r.Context(), ev.TaskID)
	if err != nil {
		h.ignore(w, provider, ev, err)
		return
	}
	if task.Provider != provider {
		h.Logger.Warn("webhook provider mismatch", "provider", provider, "task_id", ev.TaskID, "task_provider", task.Provider)
		writeError(w, http.StatusBadRequest, "provider_mismatch", "")
		return
	}

	if ev.Status == webhook.StatusSuccess {
		task, err = h.Coord.CompleteSuccess(r.Context(), ev.TaskID, ev.ResultURL)
	} else {
		task, err = h.Coord.CompleteFailure(r.Context(), ev.TaskID, ev.ErrorCode, ev.ErrorMessage)
	}
	if err != nil {
		h.ignore(w, provider, ev, err)
		return
	}
	writeJSON(w, http.StatusOK, webhookAck{Status: "ok", TaskID: task.TaskID, State: task.State})
}

func (h *WebhookHandler) ignore(w http.ResponseWriter, provider string, ev *webhook.Event, err error) {
	var reason string
	switch {
	case errors.Is(err, models.ErrUnknownTask):
		reason = "unknown_task"
	case errors.Is(err, models.ErrInvalidTransition):
		reason = "invalid_transition"
	default:
		h.Logger.Error("webhook processing failed", "provider", provider, "task_id", ev.TaskID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	h.Metrics.WebhookIgnored(reason)
	h.Logger.Warn("webhook ignored", "provider", provider, "task_id", ev.TaskID, "status", ev.Status, "reason", reason, "error", err)
	writeJSON(w, http.StatusOK, webhookAck{Status: "ignored", TaskID: ev.TaskID})
}
