package provenance

import (
	"context"
	"errors"
	"time"

	"github.com/citetrace-ai/citetrace/internal/domain"
	"github.com/citetrace-ai/citetrace/internal/observability"
	"github.com/citetrace-ai/citetrace/internal/storage"
)

// Sweeper reconciles partial writes and deletes documents across all
// four backends.
type Sweeper struct {
	blob    storage.BlobStore
	repos   *storage.Repositories
	vector  storage.VectorStore
	graph   storage.GraphStore
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewSweeper creates a sweeper.
func NewSweeper(blob storage.BlobStore, repos *storage.Repositories, vector storage.VectorStore, graph storage.GraphStore, logger *observability.Logger, metrics *observability.Metrics) *Sweeper {
	return &Sweeper{blob: blob, repos: repos, vector: vector, graph: graph, logger: logger, metrics: metrics}
}

// SweepReport summarizes one reconciliation pass.
type SweepReport struct {
	Scanned   int       `json:"scanned"`
	Orphans   []string  `json:"orphans,omitempty"`
	Removed   int       `json:"removed"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
}

// Sweep finds metadata rows with no graph commit marker and, when
// remove is set, clears their partial state from every backend. These
// are the leavings of crashes between the store and provenance stages.
func (s *Sweeper) Sweep(ctx context.Context, remove bool) (*SweepReport, error) {
	started := time.Now().UTC()

	ids, err := s.repos.Documents.ListIDs(ctx)
	if err != nil {
		return nil, domain.StoreUnavailable("list documents", err)
	}

	report := &SweepReport{Scanned: len(ids), StartedAt: started}
	for _, docID := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		committed, err := s.graph.HasDocument(ctx, docID)
		if err != nil {
			return nil, domain.StoreUnavailable("check commit marker", err)
		}
		if committed {
			continue
		}

		report.Orphans = append(report.Orphans, docID)
		if s.metrics != nil {
			s.metrics.SweepOrphans.Inc()
		}
		if s.logger != nil {
			s.logger.Warn().Str("doc_id", docID).Msg("Found partially ingested document")
		}
		if !remove {
			continue
		}
		if err := s.removePartial(ctx, docID); err != nil {
			return nil, err
		}
		report.Removed++
	}

	report.Duration = time.Since(started).String()
	if s.logger != nil {
		s.logger.Info().
			Int("scanned", report.Scanned).
			Int("orphans", len(report.Orphans)).
			Int("removed", report.Removed).
			Msg("Reconciliation sweep finished")
	}
	return report, nil
}

// removePartial clears a never-committed document. Reverse of the
// write order so the metadata row disappears before the blob.
func (s *Sweeper) removePartial(ctx context.Context, docID string) error {
	if err := s.vector.DeleteByDoc(ctx, docID); err != nil {
		return domain.StoreUnavailable("vector delete", err)
	}
	if err := s.repos.Records.DeleteByDoc(ctx, docID); err != nil {
		return domain.StoreUnavailable("records delete", err)
	}
	if err := s.repos.Documents.Delete(ctx, docID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return domain.StoreUnavailable("document delete", err)
	}
	if err := s.blob.Delete(ctx, docID); err != nil {
		return domain.StoreUnavailable("blob delete", err)
	}
	return nil
}

// DeleteDocument removes a committed document and everything derived
// from it across all backends. Shared entity nodes survive in the graph.
func (s *Sweeper) DeleteDocument(ctx context.Context, docID string) error {
	if err := s.graph.DeleteDocumentCascade(ctx, docID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.ErrNotFound
		}
		return domain.StoreUnavailable("graph cascade delete", err)
	}
	if err := s.removePartial(ctx, docID); err != nil {
		return err
	}
	if s.logger != nil {
		s.logger.Info().Str("doc_id", docID).Msg("Document deleted across all backends")
	}
	return nil
}
