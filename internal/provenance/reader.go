package provenance

import (
	"context"
	"errors"

	"github.com/citetrace-ai/citetrace/internal/domain"
	"github.com/citetrace-ai/citetrace/internal/storage"
)

// ErrNotIngested marks a document that has metadata but no graph commit
// marker. Reads treat it as absent; the sweep cleans it up.
var ErrNotIngested = errors.New("document not fully ingested")

// DocumentView is a document plus its processing history.
type DocumentView struct {
	Document storage.Document            `json:"document"`
	History  []*storage.ProcessingRecord `json:"history,omitempty"`
}

// Reader is the query surface over committed provenance.
type Reader struct {
	blob   storage.BlobStore
	repos  *storage.Repositories
	vector storage.VectorStore
	graph  storage.GraphStore
}

// NewReader creates a provenance reader.
func NewReader(blob storage.BlobStore, repos *storage.Repositories, vector storage.VectorStore, graph storage.GraphStore) *Reader {
	return &Reader{blob: blob, repos: repos, vector: vector, graph: graph}
}

// GetDocument returns a committed document with its processing history.
// A document without a graph node reads as ErrNotIngested even when its
// metadata row exists.
func (r *Reader) GetDocument(ctx context.Context, docID string) (*DocumentView, error) {
	doc, err := r.repos.Documents.GetByID(ctx, docID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, domain.StoreUnavailable("get document", err)
	}

	committed, err := r.graph.HasDocument(ctx, docID)
	if err != nil {
		return nil, domain.StoreUnavailable("check commit marker", err)
	}
	if !committed {
		return nil, ErrNotIngested
	}

	history, err := r.repos.Records.GetByDoc(ctx, docID)
	if err != nil {
		return nil, domain.StoreUnavailable("get processing history", err)
	}
	return &DocumentView{Document: *doc, History: history}, nil
}

// ListDocuments pages through committed documents, newest first.
// Uncommitted documents are filtered out.
func (r *Reader) ListDocuments(ctx context.Context, limit, offset int) ([]*storage.Document, error) {
	if limit <= 0 {
		limit = 50
	}
	docs, err := r.repos.Documents.List(ctx, limit, offset)
	if err != nil {
		return nil, domain.StoreUnavailable("list documents", err)
	}
	committed := make([]*storage.Document, 0, len(docs))
	for _, doc := range docs {
		ok, err := r.graph.HasDocument(ctx, doc.DocID)
		if err != nil {
			return nil, domain.StoreUnavailable("check commit marker", err)
		}
		if ok {
			committed = append(committed, doc)
		}
	}
	return committed, nil
}

// GetChunksByDoc returns a document's chunks in ordinal order.
func (r *Reader) GetChunksByDoc(ctx context.Context, docID string) ([]storage.ChunkRecord, error) {
	return r.vector.GetByDoc(ctx, docID)
}

// GetRawContent returns the original extracted bytes.
func (r *Reader) GetRawContent(ctx context.Context, docID string) ([]byte, error) {
	return r.blob.Get(ctx, docID)
}

// GetEntitiesByDoc returns the entities mentioned in a document,
// highest confidence first.
func (r *Reader) GetEntitiesByDoc(ctx context.Context, docID string) ([]storage.Entity, error) {
	return r.graph.GetEntitiesByDoc(ctx, docID)
}

// GetMentionsByChunk returns the mentions anchored in a chunk.
func (r *Reader) GetMentionsByChunk(ctx context.Context, chunkID string) ([]storage.Mention, error) {
	return r.graph.GetMentionsByChunk(ctx, chunkID)
}

// GetRelations walks relations out from an entity, at most 3 hops.
func (r *Reader) GetRelations(ctx context.Context, entityID string, depth int) ([]storage.Relation, error) {
	return r.graph.GetRelations(ctx, entityID, depth)
}

// GetExportsByDoc returns generated artifacts attributed to a document.
func (r *Reader) GetExportsByDoc(ctx context.Context, docID string) ([]storage.Export, error) {
	return r.graph.GetExportsByDoc(ctx, docID)
}

// RecordExport registers a downstream artifact with scene-level
// attribution back to its source documents.
func (r *Reader) RecordExport(ctx context.Context, export storage.Export) error {
	if export.ExportID == "" {
		return domain.InvalidInput("export_id is required", nil)
	}
	if len(export.SourceDocIDs) == 0 {
		return domain.InvalidInput("export needs at least one source document", nil)
	}
	return r.graph.RecordExport(ctx, export)
}
