// Package retrieval answers queries over the ingested corpus: semantic
// search, citation-grounded answer synthesis, and provenance
// explanations.
package retrieval

import (
	"context"
	"strings"
	"time"

	"github.com/citetrace-ai/citetrace/internal/domain"
	"github.com/citetrace-ai/citetrace/internal/embedding"
	"github.com/citetrace-ai/citetrace/internal/observability"
	"github.com/citetrace-ai/citetrace/internal/storage"
)

// Config holds retrieval settings.
type Config struct {
	DefaultTopK   int
	MaxTopK       int
	MinScore      float64
	QuoteMaxChars int
}

// Retriever embeds queries and searches the vector index.
type Retriever struct {
	cfg      Config
	embedder embedding.Embedder
	vector   storage.VectorStore
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewRetriever creates a retriever.
func NewRetriever(cfg Config, embedder embedding.Embedder, vector storage.VectorStore, logger *observability.Logger, metrics *observability.Metrics) *Retriever {
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 8
	}
	if cfg.MaxTopK <= 0 {
		cfg.MaxTopK = 50
	}
	if cfg.QuoteMaxChars <= 0 {
		cfg.QuoteMaxChars = 300
	}
	return &Retriever{cfg: cfg, embedder: embedder, vector: vector, logger: logger, metrics: metrics}
}

// Search embeds the query and returns the topK hits passing the
// filter. topK zero is an explicit request for no sources and returns
// an empty slice; negative topK selects the default.
func (r *Retriever) Search(ctx context.Context, query string, topK int, filters map[string]any) ([]storage.Hit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, domain.InvalidInput("query must not be empty", nil)
	}
	if topK == 0 {
		return []storage.Hit{}, nil
	}
	if topK < 0 {
		topK = r.cfg.DefaultTopK
	}
	if topK > r.cfg.MaxTopK {
		topK = r.cfg.MaxTopK
	}

	filter, err := BuildFilter(filters)
	if err != nil {
		return nil, err
	}

	vector, err := r.embedder.EmbedSingle(ctx, query)
	if err != nil {
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.EmbeddingCalls.Inc()
	}

	started := time.Now()
	hits, err := r.vector.Search(ctx, vector, topK, r.cfg.MinScore, filter)
	if err != nil {
		return nil, domain.StoreUnavailable("vector search", err)
	}
	if r.logger != nil {
		r.logger.Debug().
			Int("top_k", topK).
			Int("hits", len(hits)).
			Dur("duration", time.Since(started)).
			Msg("Vector search finished")
	}
	return hits, nil
}

// Paginate slices hits for one results page, 1-based. Out-of-range
// pages return an empty slice.
func Paginate(hits []storage.Hit, page, pageSize int) []storage.Hit {
	if pageSize <= 0 {
		return hits
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * pageSize
	if start >= len(hits) {
		return []storage.Hit{}
	}
	end := start + pageSize
	if end > len(hits) {
		end = len(hits)
	}
	return hits[start:end]
}
