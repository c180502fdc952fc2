package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/inaiurai/creditengine/internal/models"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

// statusFor maps the engine's error taxonomy onto HTTP.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, models.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficient_balance"
	case errors.Is(err, models.ErrDuplicateTask):
		return http.StatusConflict, "duplicate_task"
	case errors.Is(err, models.ErrUnknownProvider):
		return http.StatusNotFound, "unknown_provider"
	case errors.Is(err, models.ErrPoolInsufficient):
		return http.StatusServiceUnavailable, "pool_insufficient"
	case errors.Is(err, models.ErrUnknownTask):
		return http.StatusNotFound, "unknown_task"
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, models.ErrPolicyNotFound), errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrPoolExists):
		return http.StatusConflict, "pool_exists"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// writeEngineError writes err with its mapped status. Internal errors are not echoed.
func writeEngineError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = ""
	}
	writeError(w, status, code, msg)
}

func Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
