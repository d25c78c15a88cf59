package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/citetrace-ai/citetrace/internal/jobs"
	"github.com/citetrace-ai/citetrace/internal/observability"
	"github.com/citetrace-ai/citetrace/internal/storage"
)

// IngestionHandler handles job submission and lifecycle requests.
type IngestionHandler struct {
	logger  *observability.Logger
	manager *jobs.Manager
}

// NewIngestionHandler creates an ingestion handler.
func NewIngestionHandler(logger *observability.Logger, manager *jobs.Manager) *IngestionHandler {
	return &IngestionHandler{logger: logger, manager: manager}
}

// IngestRequestDTO is the submission body.
type IngestRequestDTO struct {
	URL         string `json:"url"`
	Priority    int    `json:"priority,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
}

// IngestAcceptedDTO is the 202 response to a submission.
type IngestAcceptedDTO struct {
	JobID     string `json:"job_id"`
	DocID     string `json:"doc_id"`
	Status    string `json:"status"`
	StreamURL string `json:"stream_url"`
}

// BatchRequestDTO is the batch submission body.
type BatchRequestDTO struct {
	URLs     []string `json:"urls"`
	Priority int      `json:"priority,omitempty"`
}

// Submit handles POST /api/v1/ingest.
func (h *IngestionHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req IngestRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "url is required")
		return
	}

	job, err := h.manager.Submit(r.Context(), req.URL, jobs.SubmitOptions{
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusAccepted, IngestAcceptedDTO{
		JobID:     job.JobID.String(),
		DocID:     job.DocID,
		Status:    string(job.Status),
		StreamURL: fmt.Sprintf("/api/v1/stream/%s", job.JobID),
	})
}

// SubmitBatch handles POST /api/v1/ingest/batch. Each URL carries its
// own outcome; the batch itself only fails when empty.
func (h *IngestionHandler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return
	}

	outcomes, err := h.manager.SubmitBatch(r.Context(), req.URLs, jobs.SubmitOptions{Priority: req.Priority})
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"jobs": outcomes})
}

// JobStatusDTO is the status response, the durable row plus the
// computed progress block.
type JobStatusDTO struct {
	*storage.Job
	Progress ProgressDTO `json:"progress"`
}

// ProgressDTO summarizes how far the job has run.
type ProgressDTO struct {
	Percent int    `json:"percent"`
	Stage   string `json:"stage,omitempty"`
}

// Status handles GET /api/v1/ingest/{jobID}.
func (h *IngestionHandler) Status(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}

	job, err := h.manager.Status(r.Context(), jobID)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	dto := JobStatusDTO{Job: job, Progress: ProgressDTO{Percent: job.ProgressPct}}
	if job.CurrentStage != nil {
		dto.Progress.Stage = string(*job.CurrentStage)
	}
	writeJSON(w, http.StatusOK, dto)
}

// Cancel handles POST /api/v1/ingest/{jobID}/cancel.
func (h *IngestionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}

	if err := h.manager.Cancel(r.Context(), jobID); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Retry handles POST /api/v1/ingest/{jobID}/retry.
func (h *IngestionHandler) Retry(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}

	job, err := h.manager.Retry(r.Context(), jobID)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, IngestAcceptedDTO{
		JobID:     job.JobID.String(),
		DocID:     job.DocID,
		Status:    string(job.Status),
		StreamURL: fmt.Sprintf("/api/v1/stream/%s", job.JobID),
	})
}

func parseJobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid job ID")
		return uuid.Nil, false
	}
	return jobID, true
}
