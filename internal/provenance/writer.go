// Package provenance owns the multi-backend write path and the read
// surface over what was committed. The write order is fixed: blob,
// metadata, vector, graph. The graph node is the commit marker, so a
// crash mid-write leaves partial state that reads treat as not
// ingested and the sweep later reconciles. There is no rollback;
// deterministic IDs make re-ingestion overwrite cleanly.
package provenance

import (
	"context"
	"time"

	"github.com/citetrace-ai/citetrace/internal/domain"
	"github.com/citetrace-ai/citetrace/internal/observability"
	"github.com/citetrace-ai/citetrace/internal/storage"
)

// Commit is everything the store and provenance stages persist for one
// document.
type Commit struct {
	Document    storage.Document
	RawContent  []byte
	ContentType string
	Chunks      []storage.ChunkRecord
	Graph       storage.DocGraph
}

// Writer commits documents across the four backends.
type Writer struct {
	blob    storage.BlobStore
	repos   *storage.Repositories
	vector  storage.VectorStore
	graph   storage.GraphStore
	timeout time.Duration // per backend write
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewWriter creates a provenance writer. perWriteTimeout bounds each
// backend call separately.
func NewWriter(
	blob storage.BlobStore,
	repos *storage.Repositories,
	vector storage.VectorStore,
	graph storage.GraphStore,
	perWriteTimeout time.Duration,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *Writer {
	if perWriteTimeout <= 0 {
		perWriteTimeout = 10 * time.Second
	}
	return &Writer{
		blob:    blob,
		repos:   repos,
		vector:  vector,
		graph:   graph,
		timeout: perWriteTimeout,
		logger:  logger,
		metrics: metrics,
	}
}

// Store runs the first three writes: blob, metadata, vector. The graph
// commit is separate so the pipeline can report it as its own stage.
func (w *Writer) Store(ctx context.Context, c *Commit) error {
	if err := w.write(ctx, "blob", func(ctx context.Context) error {
		return w.blob.Put(ctx, c.Document.DocID, c.RawContent, c.ContentType)
	}); err != nil {
		return err
	}

	if err := w.write(ctx, "meta", func(ctx context.Context) error {
		return w.repos.Documents.Upsert(ctx, &c.Document)
	}); err != nil {
		return err
	}

	return w.write(ctx, "vector", func(ctx context.Context) error {
		return w.vector.Upsert(ctx, c.Chunks)
	})
}

// CommitGraph writes the document subgraph. Its success marks the
// document fully ingested.
func (w *Writer) CommitGraph(ctx context.Context, c *Commit) error {
	return w.write(ctx, "graph", func(ctx context.Context) error {
		return w.graph.CommitDocument(ctx, c.Graph)
	})
}

func (w *Writer) write(ctx context.Context, backend string, fn func(context.Context) error) error {
	wctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	start := time.Now()
	err := fn(wctx)
	if w.metrics != nil {
		w.metrics.StoreWrites.WithLabelValues(backend, outcome(err)).Inc()
	}
	if err != nil {
		if w.logger != nil {
			w.logger.Error().Err(err).Str("backend", backend).Msg("Backend write failed")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return domain.StoreUnavailable(backend+" write", err)
	}
	if w.logger != nil {
		w.logger.Debug().
			Str("backend", backend).
			Dur("duration", time.Since(start)).
			Msg("Backend write succeeded")
	}
	return nil
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
