package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/citetrace-ai/citetrace/internal/cache"
	"github.com/citetrace-ai/citetrace/internal/storage"
)

// ErrStatusNotFound indicates no snapshot exists for the job.
var ErrStatusNotFound = errors.New("job status not found")

// StatusStore keeps fast job status snapshots in the cache layer. The
// relational row remains the durable record; the snapshot is what the status
// endpoint and SSE late subscribers read. Terminal snapshots expire after
// the configured TTL.
type StatusStore struct {
	cache cache.Client
	ttl   time.Duration
}

// NewStatusStore creates a status store.
func NewStatusStore(cacheClient cache.Client, terminalTTL time.Duration) *StatusStore {
	if terminalTTL <= 0 {
		terminalTTL = 24 * time.Hour
	}
	return &StatusStore{cache: cacheClient, ttl: terminalTTL}
}

// Save writes the snapshot. The worker owning the job is its only writer,
// so snapshots need no versioning.
func (s *StatusStore) Save(ctx context.Context, job *storage.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job snapshot: %w", err)
	}
	ttl := time.Duration(0)
	if job.Status.IsTerminal() {
		ttl = s.ttl
	}
	return s.cache.Set(ctx, cache.JobStatusKey(job.JobID.String()), data, ttl)
}

// Get reads the snapshot.
func (s *StatusStore) Get(ctx context.Context, jobID uuid.UUID) (*storage.Job, error) {
	data, err := s.cache.Get(ctx, cache.JobStatusKey(jobID.String()))
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, ErrStatusNotFound
	}
	if err != nil {
		return nil, err
	}
	var job storage.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job snapshot: %w", err)
	}
	return &job, nil
}

// Delete removes the snapshot.
func (s *StatusStore) Delete(ctx context.Context, jobID uuid.UUID) error {
	return s.cache.Delete(ctx, cache.JobStatusKey(jobID.String()))
}
