package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/citetrace-ai/citetrace/internal/observability"
	"github.com/citetrace-ai/citetrace/internal/provenance"
	"github.com/citetrace-ai/citetrace/internal/storage"
)

// DocumentHandler serves the provenance read surface and document
// lifecycle operations.
type DocumentHandler struct {
	logger  *observability.Logger
	reader  *provenance.Reader
	sweeper *provenance.Sweeper
}

// NewDocumentHandler creates a document handler.
func NewDocumentHandler(logger *observability.Logger, reader *provenance.Reader, sweeper *provenance.Sweeper) *DocumentHandler {
	return &DocumentHandler{logger: logger, reader: reader, sweeper: sweeper}
}

// List handles GET /api/v1/documents.
func (h *DocumentHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	docs, err := h.reader.ListDocuments(r.Context(), limit, offset)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	if docs == nil {
		docs = []*storage.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

// Get handles GET /api/v1/documents/{docID}.
func (h *DocumentHandler) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.reader.GetDocument(r.Context(), chi.URLParam(r, "docID"))
	if err == provenance.ErrNotIngested {
		writeError(w, http.StatusNotFound, "not_found", "document not fully ingested")
		return
	}
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Chunks handles GET /api/v1/documents/{docID}/chunks.
func (h *DocumentHandler) Chunks(w http.ResponseWriter, r *http.Request) {
	records, err := h.reader.GetChunksByDoc(r.Context(), chi.URLParam(r, "docID"))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	chunks := make([]storage.ChunkPayload, len(records))
	for i, rec := range records {
		chunks[i] = rec.Payload
	}
	writeJSON(w, http.StatusOK, map[string]any{"chunks": chunks})
}

// Entities handles GET /api/v1/documents/{docID}/entities.
func (h *DocumentHandler) Entities(w http.ResponseWriter, r *http.Request) {
	entities, err := h.reader.GetEntitiesByDoc(r.Context(), chi.URLParam(r, "docID"))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	if entities == nil {
		entities = []storage.Entity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": entities})
}

// Relations handles GET /api/v1/entities/{entityID}/relations.
func (h *DocumentHandler) Relations(w http.ResponseWriter, r *http.Request) {
	depth, _ := strconv.Atoi(r.URL.Query().Get("depth"))
	if depth <= 0 {
		depth = 1
	}

	relations, err := h.reader.GetRelations(r.Context(), chi.URLParam(r, "entityID"), depth)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	if relations == nil {
		relations = []storage.Relation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"relations": relations})
}

// Exports handles GET /api/v1/documents/{docID}/exports.
func (h *DocumentHandler) Exports(w http.ResponseWriter, r *http.Request) {
	exports, err := h.reader.GetExportsByDoc(r.Context(), chi.URLParam(r, "docID"))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	if exports == nil {
		exports = []storage.Export{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"exports": exports})
}

// RecordExport handles POST /api/v1/exports.
func (h *DocumentHandler) RecordExport(w http.ResponseWriter, r *http.Request) {
	var export storage.Export
	if err := json.NewDecoder(r.Body).Decode(&export); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return
	}
	if err := h.reader.RecordExport(r.Context(), export); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// Delete handles DELETE /api/v1/documents/{docID}.
func (h *DocumentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.sweeper.DeleteDocument(r.Context(), chi.URLParam(r, "docID")); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Sweep handles POST /api/v1/sweep. The remove query flag switches
// from report-only to cleanup.
func (h *DocumentHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	remove := r.URL.Query().Get("remove") == "true"
	report, err := h.sweeper.Sweep(r.Context(), remove)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
