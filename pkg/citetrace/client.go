// Package citetrace provides the public Go SDK for a citetrace server.
package citetrace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client talks to a citetrace API server.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// ClientConfig holds client configuration.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// HTTPClient overrides the default client when set; Timeout is
	// ignored in that case.
	HTTPClient *http.Client
}

// NewClient creates a new citetrace client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8090"
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{baseURL: cfg.BaseURL, apiKey: cfg.APIKey, httpClient: httpClient}, nil
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("citetrace: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("citetrace: server returned %d", e.StatusCode)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return apiErr
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// IngestRequest submits a URL for ingestion.
type IngestRequest struct {
	URL         string `json:"url"`
	Priority    int    `json:"priority,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
}

// IngestResponse acknowledges an accepted submission.
type IngestResponse struct {
	JobID     string `json:"job_id"`
	DocID     string `json:"doc_id"`
	Status    string `json:"status"`
	StreamURL string `json:"stream_url"`
}

// Ingest submits one URL for ingestion.
func (c *Client) Ingest(ctx context.Context, req IngestRequest) (*IngestResponse, error) {
	var resp IngestResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/ingest", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BatchOutcome is the per-URL result of a batch submission.
type BatchOutcome struct {
	URL   string  `json:"url"`
	JobID *string `json:"job_id"`
	Error string  `json:"error,omitempty"`
}

// IngestBatch submits multiple URLs. Individual failures surface in the
// returned outcomes, not as an error.
func (c *Client) IngestBatch(ctx context.Context, urls []string, priority int) ([]BatchOutcome, error) {
	body := map[string]any{"urls": urls}
	if priority > 0 {
		body["priority"] = priority
	}
	var resp struct {
		Jobs []BatchOutcome `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/ingest/batch", body, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// JobProgress summarizes how far a job has run.
type JobProgress struct {
	Percent int    `json:"percent"`
	Stage   string `json:"stage,omitempty"`
}

// JobStatus is a job's durable state.
type JobStatus struct {
	JobID        string      `json:"job_id"`
	DocID        string      `json:"doc_id"`
	URL          string      `json:"url"`
	Status       string      `json:"status"`
	Priority     int         `json:"priority"`
	Attempts     int         `json:"attempts"`
	MaxAttempts  int         `json:"max_attempts"`
	ErrorKind    *string     `json:"error_kind,omitempty"`
	ErrorMessage *string     `json:"error,omitempty"`
	Progress     JobProgress `json:"progress"`
}

// Status fetches the current state of a job.
func (c *Client) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	var status JobStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/ingest/"+url.PathEscape(jobID), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Cancel stops a job that has not reached a terminal state.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/ingest/"+url.PathEscape(jobID)+"/cancel", nil, nil)
}

// Retry requeues a failed job with boosted priority.
func (c *Client) Retry(ctx context.Context, jobID string) (*IngestResponse, error) {
	var resp IngestResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/ingest/"+url.PathEscape(jobID)+"/retry", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueryRequest asks a question over the ingested corpus.
type QueryRequest struct {
	Query    string         `json:"query"`
	TopK     *int           `json:"top_k,omitempty"`
	Filters  map[string]any `json:"filters,omitempty"`
	Page     int            `json:"page,omitempty"`
	PageSize int            `json:"page_size,omitempty"`
	Explain  bool           `json:"explain,omitempty"`
}

// Citation is one numbered source backing an answer.
type Citation struct {
	Index          int     `json:"index"`
	ChunkID        string  `json:"chunk_id"`
	DocID          string  `json:"doc_id"`
	URL            string  `json:"url"`
	Title          string  `json:"title"`
	Quote          string  `json:"quote"`
	ByteStart      int     `json:"byte_start"`
	ByteEnd        int     `json:"byte_end"`
	Tier           string  `json:"tier"`
	Score          float64 `json:"score"`
	SourceType     string  `json:"source_type"`
	PageNumber     *int    `json:"page_number,omitempty"`
	VideoID        string  `json:"video_id,omitempty"`
	TimestampStart string  `json:"timestamp_start,omitempty"`
	TimestampEnd   string  `json:"timestamp_end,omitempty"`
	Locator        string  `json:"locator,omitempty"`
}

// QueryResponse is the cited answer.
type QueryResponse struct {
	Answer         string          `json:"answer"`
	Citations      []Citation      `json:"citations"`
	TotalHits      int             `json:"total_hits"`
	TokensUsed     int             `json:"tokens_used,omitempty"`
	ReasoningGraph json.RawMessage `json:"reasoning_graph,omitempty"`
}

// Query retrieves relevant chunks and synthesizes a cited answer.
func (c *Client) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	var resp QueryResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/query", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Document is an ingested document's metadata.
type Document struct {
	DocID        string          `json:"doc_id"`
	SourceURL    string          `json:"source_url"`
	SourceType   string          `json:"source_type"`
	Title        string          `json:"title"`
	Author       *string         `json:"author,omitempty"`
	PublishedAt  *time.Time      `json:"published_at,omitempty"`
	QualityScore float64         `json:"quality_score"`
	Tier         string          `json:"tier"`
	CreatedAt    time.Time       `json:"created_at"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// ListDocuments pages through fully ingested documents.
func (c *Client) ListDocuments(ctx context.Context, limit, offset int) ([]Document, error) {
	var resp struct {
		Documents []Document `json:"documents"`
	}
	path := fmt.Sprintf("/api/v1/documents?limit=%d&offset=%d", limit, offset)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Documents, nil
}

// GetDocument fetches one document with its processing history.
func (c *Client) GetDocument(ctx context.Context, docID string) (*Document, error) {
	var resp struct {
		Document Document `json:"document"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/documents/"+url.PathEscape(docID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Document, nil
}

// DeleteDocument removes a document and all its derived data.
func (c *Client) DeleteDocument(ctx context.Context, docID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/documents/"+url.PathEscape(docID), nil, nil)
}

// SweepReport summarizes an orphan sweep.
type SweepReport struct {
	Scanned  int      `json:"scanned"`
	Orphans  []string `json:"orphans,omitempty"`
	Removed  int      `json:"removed"`
	Duration string   `json:"duration"`
}

// Sweep finds documents whose ingestion never committed. With remove
// set the partial data is deleted.
func (c *Client) Sweep(ctx context.Context, remove bool) (*SweepReport, error) {
	path := "/api/v1/sweep"
	if remove {
		path += "?remove=true"
	}
	var report SweepReport
	if err := c.do(ctx, http.MethodPost, path, nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// HealthResponse is the health check payload.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// Health checks the service health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
