// Package handlers provides the HTTP handlers for the citetrace API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/citetrace-ai/citetrace/internal/domain"
	"github.com/citetrace-ai/citetrace/internal/jobs"
	"github.com/citetrace-ai/citetrace/internal/observability"
	"github.com/citetrace-ai/citetrace/internal/storage"
)

// ErrorDTO is the wire shape of every error response.
type ErrorDTO struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorDTO{Error: code, Message: message})
}

// writeDomainError maps the error taxonomy and job lifecycle sentinels
// onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, logger *observability.Logger, err error) {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound), errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
		return
	case errors.Is(err, jobs.ErrTerminalState):
		writeError(w, http.StatusConflict, "terminal_state", "job is already in a terminal state")
		return
	case errors.Is(err, jobs.ErrNotFailed):
		writeError(w, http.StatusConflict, "not_failed", "only failed jobs can be retried")
		return
	case errors.Is(err, jobs.ErrAttemptsExhausted):
		writeError(w, http.StatusConflict, "attempts_exhausted", "job has no retry attempts remaining")
		return
	}

	classified := domain.Classify(err)
	switch classified.Kind {
	case domain.KindInvalidInput:
		writeError(w, http.StatusBadRequest, string(classified.Kind), classified.Message)
	case domain.KindDuplicate:
		writeError(w, http.StatusConflict, string(classified.Kind), classified.Message)
	case domain.KindCitationValidation:
		writeError(w, http.StatusUnprocessableEntity, string(classified.Kind), classified.Message)
	case domain.KindStore:
		writeError(w, http.StatusServiceUnavailable, string(classified.Kind), classified.Message)
	default:
		if logger != nil {
			logger.Error().Err(err).Msg("Request failed")
		}
		writeError(w, http.StatusInternalServerError, string(classified.Kind), classified.Message)
	}
}
