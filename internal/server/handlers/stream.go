package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/citetrace-ai/citetrace/internal/domain"
	"github.com/citetrace-ai/citetrace/internal/jobs"
	"github.com/citetrace-ai/citetrace/internal/observability"
	"github.com/citetrace-ai/citetrace/internal/progress"
	"github.com/citetrace-ai/citetrace/internal/storage"
)

// StreamHandler serves the per-job SSE progress stream.
type StreamHandler struct {
	logger  *observability.Logger
	bus     *progress.Bus
	manager *jobs.Manager
}

// NewStreamHandler creates a stream handler.
func NewStreamHandler(logger *observability.Logger, bus *progress.Bus, manager *jobs.Manager) *StreamHandler {
	return &StreamHandler{logger: logger, bus: bus, manager: manager}
}

// Stream handles GET /api/v1/stream/{jobID}. A subscriber arriving
// after the job finished receives one synthetic terminal event built
// from the status snapshot, then the stream closes.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}

	job, err := h.manager.Status(r.Context(), jobID)
	if errors.Is(err, jobs.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if job.Status.IsTerminal() {
		writeEvent(w, terminalEventFor(job))
		flusher.Flush()
		return
	}

	// Subscribe before re-reading the status so a terminal transition
	// between the two reads cannot be missed.
	events, cancel := h.bus.Subscribe(jobID.String())
	defer cancel()

	if job, err = h.manager.Status(r.Context(), jobID); err == nil && job.Status.IsTerminal() {
		writeEvent(w, terminalEventFor(job))
		flusher.Flush()
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			writeEvent(w, ev)
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		}
	}
}

// writeEvent renders one SSE frame: the event name line, the JSON data
// line, and a blank separator.
func writeEvent(w http.ResponseWriter, ev progress.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
}

// terminalEventFor synthesizes the terminal event a late subscriber
// missed, from the job's final snapshot.
func terminalEventFor(job *storage.Job) progress.Event {
	now := time.Now().UTC()
	switch job.Status {
	case storage.JobStatusCompleted:
		return progress.Event{
			Kind:      progress.EventJobCompleted,
			JobID:     job.JobID.String(),
			Result:    &progress.Result{DocID: job.DocID},
			Timestamp: now,
		}
	case storage.JobStatusCancelled:
		return progress.Event{
			Kind:      progress.EventError,
			JobID:     job.JobID.String(),
			ErrorKind: string(domain.KindCancelled),
			Message:   "job cancelled",
			Timestamp: now,
		}
	default: // failed
		ev := progress.Event{
			Kind:      progress.EventError,
			JobID:     job.JobID.String(),
			Timestamp: now,
		}
		if job.ErrorKind != nil {
			ev.ErrorKind = *job.ErrorKind
		}
		if job.ErrorMessage != nil {
			ev.Message = *job.ErrorMessage
		}
		return ev
	}
}
