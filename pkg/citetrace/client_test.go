package citetrace

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(ClientConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	return client
}

func TestClient_Ingest(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/ingest", r.URL.Path)

		var req IngestRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "https://example.com/article", req.URL)
		assert.Equal(t, 7, req.Priority)

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(IngestResponse{
			JobID:     "3b1c7a9e-0000-0000-0000-000000000000",
			DocID:     "urn:ct:doc:abc123",
			Status:    "queued",
			StreamURL: "/api/v1/stream/3b1c7a9e-0000-0000-0000-000000000000",
		})
	})

	resp, err := client.Ingest(context.Background(), IngestRequest{
		URL:      "https://example.com/article",
		Priority: 7,
	})
	require.NoError(t, err)
	assert.Equal(t, "urn:ct:doc:abc123", resp.DocID)
	assert.Equal(t, "queued", resp.Status)
}

func TestClient_IngestBatchPartialFailure(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		jobID := "deadbeef-0000-0000-0000-000000000000"
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{
			"jobs": []BatchOutcome{
				{URL: "https://a.example.com", JobID: &jobID},
				{URL: "::bad::", Error: "invalid URL"},
			},
		})
	})

	outcomes, err := client.IngestBatch(context.Background(),
		[]string{"https://a.example.com", "::bad::"}, 0)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.NotNil(t, outcomes[0].JobID)
	assert.Empty(t, outcomes[0].Error)
	assert.Nil(t, outcomes[1].JobID)
	assert.Equal(t, "invalid URL", outcomes[1].Error)
}

func TestClient_StatusNotFound(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{
			"error":   "not_found",
			"message": "job not found",
		})
	})

	_, err := client.Status(context.Background(), "3b1c7a9e-0000-0000-0000-000000000000")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)
	assert.Contains(t, apiErr.Error(), "job not found")
}

func TestClient_Query(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req QueryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "battery capacity", req.Query)
		require.NotNil(t, req.TopK)
		assert.Equal(t, 5, *req.TopK)

		json.NewEncoder(w).Encode(QueryResponse{
			Answer: "The capacity is 5000mAh [1].",
			Citations: []Citation{
				{Index: 1, DocID: "urn:ct:doc:abc123", Quote: "5000mAh battery", Tier: "A"},
			},
			TotalHits: 3,
		})
	})

	topK := 5
	resp, err := client.Query(context.Background(), QueryRequest{
		Query: "battery capacity",
		TopK:  &topK,
	})
	require.NoError(t, err)
	assert.Contains(t, resp.Answer, "[1]")
	require.Len(t, resp.Citations, 1)
	assert.Equal(t, "A", resp.Citations[0].Tier)
	assert.Equal(t, 3, resp.TotalHits)
}

func TestClient_DocumentLifecycle(t *testing.T) {
	deleted := false
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/documents":
			assert.Equal(t, "10", r.URL.Query().Get("limit"))
			json.NewEncoder(w).Encode(map[string]any{
				"documents": []Document{{DocID: "urn:ct:doc:abc123", Tier: "B"}},
			})
		case r.Method == http.MethodDelete:
			deleted = true
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	docs, err := client.ListDocuments(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "urn:ct:doc:abc123", docs[0].DocID)

	require.NoError(t, client.DeleteDocument(context.Background(), "urn:ct:doc:abc123"))
	assert.True(t, deleted)
}

func TestClient_Sweep(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("remove"))
		json.NewEncoder(w).Encode(SweepReport{
			Scanned: 12,
			Orphans: []string{"urn:ct:doc:feed0001"},
			Removed: 1,
		})
	})

	report, err := client.Sweep(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 12, report.Scanned)
	assert.Equal(t, 1, report.Removed)
	require.Len(t, report.Orphans, 1)
}

func TestNewClient_Defaults(t *testing.T) {
	client, err := NewClient(ClientConfig{})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8090", client.baseURL)
}
