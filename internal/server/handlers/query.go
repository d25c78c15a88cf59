package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/citetrace-ai/citetrace/internal/observability"
	"github.com/citetrace-ai/citetrace/internal/retrieval"
)

// QueryHandler answers retrieval queries.
type QueryHandler struct {
	logger *observability.Logger
	asker  *retrieval.Asker
}

// NewQueryHandler creates a query handler.
func NewQueryHandler(logger *observability.Logger, asker *retrieval.Asker) *QueryHandler {
	return &QueryHandler{logger: logger, asker: asker}
}

// queryRequestDTO wraps retrieval.Request so an absent top_k selects
// the default rather than the explicit zero.
type queryRequestDTO struct {
	Query    string         `json:"query"`
	TopK     *int           `json:"top_k,omitempty"`
	Filters  map[string]any `json:"filters,omitempty"`
	Page     int            `json:"page,omitempty"`
	PageSize int            `json:"page_size,omitempty"`
	Explain  bool           `json:"explain,omitempty"`
}

// Query handles POST /api/v1/query.
func (h *QueryHandler) Query(w http.ResponseWriter, r *http.Request) {
	var dto queryRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return
	}

	req := retrieval.Request{
		Query:    dto.Query,
		TopK:     -1,
		Filters:  dto.Filters,
		Page:     dto.Page,
		PageSize: dto.PageSize,
		Explain:  dto.Explain,
	}
	if dto.TopK != nil {
		req.TopK = *dto.TopK
	}

	resp, err := h.asker.Ask(r.Context(), req)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
