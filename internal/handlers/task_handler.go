package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/inaiurai/creditengine/internal/models"
	"github.com/inaiurai/creditengine/internal/services"
)

const maxSubmitBody = 1 << 20

type TaskCoordinator interface {
	Submit(ctx context.Context, req services.SubmitRequest) (*models.GenerationTask, error)
	Get(ctx context.Context, taskID string) (*models.GenerationTask, error)
	ListByUser(ctx context.Context, userID string) ([]*models.GenerationTask, error)
}

type AccountReader interface {
	GetAccount(ctx context.Context, userID string) (*models.UserCreditAccount, error)
	Transactions(ctx context.Context, userID string) ([]*models.CreditTransaction, error)
}

// TaskHandler serves /v1/tasks and /v1/users endpoints. Callers are authenticated upstream.
type TaskHandler struct {
	Coord  TaskCoordinator
	Ledger AccountReader
	Logger *slog.Logger
}

// CreateTask handles POST /v1/tasks.
// Validate -> Debit -> Reserve -> Dispatch async -> 202.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req services.SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON")
		return
	}
	if len(req.Input) > 0 && !json.Valid(req.Input) {
		writeError(w, http.StatusBadRequest, "invalid_request", "input must be JSON")
		return
	}

	task, err := h.Coord.Submit(r.Context(), req)
	if err != nil {
		status, _ := statusFor(err)
		if status == http.StatusInternalServerError {
			h.Logger.Error("submit task", "task_id", req.TaskID, "error", err)
		}
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

// GetTask handles GET /v1/tasks/{id}.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.Coord.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// GetUserCredits handles GET /v1/users/{id}/credits.
func (h *TaskHandler) GetUserCredits(w http.ResponseWriter, r *http.Request) {
	acc, err := h.Ledger.GetAccount(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// ListUserTransactions handles GET /v1/users/{id}/transactions.
func (h *TaskHandler) ListUserTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Ledger.Transactions(r.Context(), r.PathValue("id"))
	if err != nil {
		h.Logger.Error("list transactions", "user_id", r.PathValue("id"), "error", err)
		writeEngineError(w, err)
		return
	}
	if txs == nil {
		txs = []*models.CreditTransaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

// ListUserTasks handles GET /v1/users/{id}/tasks.
func (h *TaskHandler) ListUserTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Coord.ListByUser(r.Context(), r.PathValue("id"))
	if err != nil {
		h.Logger.Error("list tasks", "user_id", r.PathValue("id"), "error", err)
		writeEngineError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*models.GenerationTask{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}
