// Package jobs owns the ingestion job lifecycle: submission, the priority
// queue, the worker pool, status snapshots, cancellation and retry.
package jobs

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/citetrace-ai/citetrace/internal/domain"
	"github.com/citetrace-ai/citetrace/internal/identity"
	"github.com/citetrace-ai/citetrace/internal/observability"
	"github.com/citetrace-ai/citetrace/internal/progress"
	"github.com/citetrace-ai/citetrace/internal/storage"
)

// Lifecycle errors surfaced to the API layer.
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrTerminalState     = errors.New("job is in a terminal state")
	ErrNotFailed         = errors.New("job is not in a failed state")
	ErrAttemptsExhausted = errors.New("retry attempts exhausted")
)

// Absolute ceiling on attempts regardless of configuration.
const attemptsCeiling = 10

// DuplicatePolicy selects what Submit does when an active job already
// exists for the doc_id.
type DuplicatePolicy string

const (
	DuplicateReuse  DuplicatePolicy = "reuse"
	DuplicateReject DuplicatePolicy = "reject"
)

// Config holds job manager settings.
type Config struct {
	WorkerPoolSize   int
	MaxRetryAttempts int
	RetryBase        time.Duration
	RetryMax         time.Duration
	DuplicatePolicy  DuplicatePolicy
	DefaultPriority  int
}

// RunResult is what a pipeline run reports back on success.
type RunResult struct {
	DocID    string
	Tier     storage.Tier
	Title    string
	Rejected bool // screened out; the job still completes
}

// Runner executes one job end to end. Implemented by the ingestion pipeline.
type Runner interface {
	Run(ctx context.Context, job *storage.Job) (*RunResult, error)
}

// Manager coordinates submission, workers and the status machine.
type Manager struct {
	cfg     Config
	ids     *identity.Service
	repos   *storage.Repositories
	status  *StatusStore
	queue   *Queue
	bus     *progress.Bus
	runner  Runner
	logger  *observability.Logger
	metrics *observability.Metrics

	mu        sync.Mutex
	running   map[uuid.UUID]context.CancelFunc
	cancelled map[uuid.UUID]bool // queued jobs cancelled before a worker picked them up

	wg       sync.WaitGroup
	baseCtx  context.Context
	stopBase context.CancelFunc
	rng      *rand.Rand
	rngMu    sync.Mutex
}

// NewManager creates a job manager. Start must be called before submitted
// jobs make progress.
func NewManager(
	cfg Config,
	ids *identity.Service,
	repos *storage.Repositories,
	status *StatusStore,
	bus *progress.Bus,
	runner Runner,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *Manager {
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 4
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 3
	}
	if cfg.MaxRetryAttempts > attemptsCeiling {
		cfg.MaxRetryAttempts = attemptsCeiling
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 2 * time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 5 * time.Minute
	}
	if cfg.DuplicatePolicy == "" {
		cfg.DuplicatePolicy = DuplicateReuse
	}
	if cfg.DefaultPriority <= 0 {
		cfg.DefaultPriority = 5
	}
	return &Manager{
		cfg:       cfg,
		ids:       ids,
		repos:     repos,
		status:    status,
		queue:     NewQueue(),
		bus:       bus,
		runner:    runner,
		logger:    logger,
		metrics:   metrics,
		running:   make(map[uuid.UUID]context.CancelFunc),
		cancelled: make(map[uuid.UUID]bool),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start launches the worker pool. Workers stop when ctx is done.
func (m *Manager) Start(ctx context.Context) {
	m.baseCtx, m.stopBase = context.WithCancel(ctx)
	for i := 0; i < m.cfg.WorkerPoolSize; i++ {
		m.wg.Add(1)
		go m.workerLoop(i)
	}
	if m.logger != nil {
		m.logger.Info().Int("workers", m.cfg.WorkerPoolSize).Msg("Worker pool started")
	}
}

// Stop cancels all workers and waits for in-flight jobs to unwind.
func (m *Manager) Stop() {
	if m.stopBase != nil {
		m.stopBase()
	}
	m.wg.Wait()
}

// SubmitOptions carries optional submission parameters.
type SubmitOptions struct {
	Priority    int
	MaxAttempts int
}

// Submit validates the URL, applies the duplicate policy and enqueues a new
// job. It returns immediately; the job runs on the worker pool.
func (m *Manager) Submit(ctx context.Context, url string, opts SubmitOptions) (*storage.Job, error) {
	docID, err := m.ids.DocID(url)
	if err != nil {
		return nil, domain.InvalidInput("invalid URL", err)
	}

	priority := opts.Priority
	if priority == 0 {
		priority = m.cfg.DefaultPriority
	}
	if priority < 1 || priority > 10 {
		return nil, domain.InvalidInput("priority must be in [1,10]", nil)
	}

	// At most one active job per doc_id.
	if active, err := m.repos.Jobs.GetActiveByDoc(ctx, docID); err == nil {
		if m.cfg.DuplicatePolicy == DuplicateReject {
			return nil, domain.Duplicate("active job exists for this URL", nil)
		}
		return active, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, domain.StoreUnavailable("check active jobs", err)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = m.cfg.MaxRetryAttempts
	}
	if maxAttempts > attemptsCeiling {
		maxAttempts = attemptsCeiling
	}

	job := &storage.Job{
		DocID:       docID,
		SourceURL:   url,
		Status:      storage.JobStatusPending,
		Priority:    priority,
		MaxAttempts: maxAttempts,
	}
	if err := m.repos.Jobs.Create(ctx, job); err != nil {
		return nil, domain.StoreUnavailable("persist job", err)
	}

	m.transition(ctx, job, storage.JobStatusQueued)
	m.queue.Enqueue(job)
	m.observeQueue()
	if m.metrics != nil {
		m.metrics.JobsSubmitted.Inc()
	}
	if m.logger != nil {
		m.logger.Info().
			Str("job_id", job.JobID.String()).
			Str("doc_id", docID).
			Int("priority", priority).
			Msg("Job submitted")
	}
	return job, nil
}

// BatchOutcome is the per-URL result of a batch submission.
type BatchOutcome struct {
	URL   string     `json:"url"`
	JobID *uuid.UUID `json:"job_id,omitempty"`
	Error string     `json:"error,omitempty"`
}

// SubmitBatch maps Submit over the URLs. Partial failures never halt the
// batch; each URL carries its own outcome.
func (m *Manager) SubmitBatch(ctx context.Context, urls []string, opts SubmitOptions) ([]BatchOutcome, error) {
	if len(urls) == 0 {
		return nil, domain.InvalidInput("empty batch", nil)
	}
	outcomes := make([]BatchOutcome, 0, len(urls))
	for _, url := range urls {
		outcome := BatchOutcome{URL: url}
		if job, err := m.Submit(ctx, url, opts); err != nil {
			outcome.Error = err.Error()
		} else {
			id := job.JobID
			outcome.JobID = &id
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// Status merges the cached snapshot with the durable row. The snapshot is
// authoritative while a worker is mutating the job.
func (m *Manager) Status(ctx context.Context, jobID uuid.UUID) (*storage.Job, error) {
	if snap, err := m.status.Get(ctx, jobID); err == nil {
		return snap, nil
	}
	job, err := m.repos.Jobs.GetByID(ctx, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Cancel requests cooperative cancellation. Queued jobs are finalized here;
// running jobs unwind at their next stage boundary. Cancelling an already
// cancelled job is a no-op.
func (m *Manager) Cancel(ctx context.Context, jobID uuid.UUID) error {
	job, err := m.Status(ctx, jobID)
	if err != nil {
		return err
	}

	switch job.Status {
	case storage.JobStatusCancelled:
		return nil
	case storage.JobStatusCompleted, storage.JobStatusFailed:
		return ErrTerminalState
	case storage.JobStatusRunning:
		m.mu.Lock()
		cancel, ok := m.running[jobID]
		m.mu.Unlock()
		if ok {
			cancel()
		}
		return nil
	default: // pending, queued, retrying
		m.mu.Lock()
		m.cancelled[jobID] = true
		m.mu.Unlock()
		m.finalizeCancelled(ctx, job)
		return nil
	}
}

// Retry re-enqueues a failed job with a +2 priority boost, clamped to 10.
func (m *Manager) Retry(ctx context.Context, jobID uuid.UUID) (*storage.Job, error) {
	job, err := m.Status(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != storage.JobStatusFailed {
		return nil, ErrNotFailed
	}
	if job.Attempts >= job.MaxAttempts {
		return nil, ErrAttemptsExhausted
	}

	job.Priority += 2
	if job.Priority > 10 {
		job.Priority = 10
	}
	job.ErrorKind = nil
	job.ErrorMessage = nil

	m.transition(ctx, job, storage.JobStatusRetrying)
	m.transition(ctx, job, storage.JobStatusQueued)
	m.queue.Enqueue(job)
	m.observeQueue()
	if m.metrics != nil {
		m.metrics.JobsRetried.Inc()
	}
	return job, nil
}

// QueueDepth reports how many jobs are waiting.
func (m *Manager) QueueDepth() int {
	return m.queue.Len()
}

func (m *Manager) workerLoop(worker int) {
	defer m.wg.Done()
	for {
		job, err := m.queue.Dequeue(m.baseCtx)
		if err != nil {
			return
		}
		m.observeQueue()

		// Cancelled while queued; Cancel already finalized it.
		m.mu.Lock()
		wasCancelled := m.cancelled[job.JobID]
		delete(m.cancelled, job.JobID)
		m.mu.Unlock()
		if wasCancelled {
			continue
		}

		m.runJob(job, worker)
	}
}

func (m *Manager) runJob(job *storage.Job, worker int) {
	ctx, cancel := context.WithCancel(m.baseCtx)
	m.mu.Lock()
	m.running[job.JobID] = cancel
	m.mu.Unlock()
	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.running, job.JobID)
		m.mu.Unlock()
	}()

	now := time.Now().UTC()
	job.Attempts++
	job.StartedAt = &now
	m.transition(ctx, job, storage.JobStatusRunning)

	if m.metrics != nil {
		m.metrics.ActiveWorkers.Inc()
		defer m.metrics.ActiveWorkers.Dec()
	}
	if m.bus != nil {
		m.bus.JobStarted(job.JobID.String(), job.SourceURL)
	}
	if m.logger != nil {
		m.logger.Info().
			Str("job_id", job.JobID.String()).
			Int("worker", worker).
			Int("attempt", job.Attempts).
			Msg("Job running")
	}

	started := time.Now()
	result, err := m.runner.Run(ctx, job)
	if err != nil {
		m.handleFailure(job, err)
		return
	}
	m.finalizeCompleted(job, result, time.Since(started))
}

func (m *Manager) finalizeCompleted(job *storage.Job, result *RunResult, elapsed time.Duration) {
	ctx := context.Background()
	now := time.Now().UTC()
	job.ProgressPct = 100
	job.CompletedAt = &now
	job.CurrentStage = nil
	m.transition(ctx, job, storage.JobStatusCompleted)

	outcome := "completed"
	if result.Rejected {
		outcome = "rejected"
	}
	if m.metrics != nil {
		m.metrics.JobsCompleted.WithLabelValues(outcome).Inc()
	}
	if m.bus != nil {
		m.bus.JobCompleted(job.JobID.String(), elapsed, progress.Result{
			DocID: result.DocID,
			Tier:  string(result.Tier),
			Title: result.Title,
		})
	}
	if m.logger != nil {
		m.logger.Info().
			Str("job_id", job.JobID.String()).
			Str("doc_id", result.DocID).
			Str("tier", string(result.Tier)).
			Dur("duration", elapsed).
			Msg("Job completed")
	}
}

func (m *Manager) handleFailure(job *storage.Job, err error) {
	ctx := context.Background()
	classified := domain.Classify(err)

	if classified.Kind == domain.KindCancelled {
		m.finalizeCancelled(ctx, job)
		return
	}

	kind := string(classified.Kind)
	msg := classified.Message
	job.ErrorKind = &kind
	job.ErrorMessage = &msg
	m.transition(ctx, job, storage.JobStatusFailed)

	retryable := classified.Transient && job.Attempts < job.MaxAttempts && job.Attempts < attemptsCeiling
	if !retryable {
		now := time.Now().UTC()
		job.CompletedAt = &now
		_ = m.status.Save(ctx, job)
		if m.metrics != nil {
			m.metrics.JobsCompleted.WithLabelValues("failed").Inc()
		}
		if m.bus != nil {
			m.bus.JobFailed(job.JobID.String(), stageName(job), kind, msg)
		}
		if m.logger != nil {
			m.logger.Error().
				Str("job_id", job.JobID.String()).
				Str("error_kind", kind).
				Int("attempts", job.Attempts).
				Msg("Job failed")
		}
		return
	}

	delay := m.backoff(job.Attempts)
	m.transition(ctx, job, storage.JobStatusRetrying)
	if m.metrics != nil {
		m.metrics.JobsRetried.Inc()
	}
	if m.logger != nil {
		m.logger.Warn().
			Str("job_id", job.JobID.String()).
			Str("error_kind", kind).
			Int("attempt", job.Attempts).
			Dur("retry_in", delay).
			Msg("Job failed, retry scheduled")
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-m.baseCtx.Done():
			return
		case <-time.After(delay):
		}

		m.mu.Lock()
		wasCancelled := m.cancelled[job.JobID]
		m.mu.Unlock()
		if wasCancelled {
			return
		}
		m.transition(context.Background(), job, storage.JobStatusQueued)
		m.queue.Enqueue(job)
		m.observeQueue()
	}()
}

func (m *Manager) finalizeCancelled(ctx context.Context, job *storage.Job) {
	now := time.Now().UTC()
	job.CompletedAt = &now
	// Progress stays frozen at its last value.
	m.transition(ctx, job, storage.JobStatusCancelled)
	if m.metrics != nil {
		m.metrics.JobsCompleted.WithLabelValues("cancelled").Inc()
	}
	if m.bus != nil {
		m.bus.JobFailed(job.JobID.String(), stageName(job), string(domain.KindCancelled), "job cancelled")
	}
	if m.logger != nil {
		m.logger.Info().Str("job_id", job.JobID.String()).Msg("Job cancelled")
	}
}

// transition updates the status on the job, the durable row, and the
// snapshot. Persistence failures are logged, not fatal: the worker owns the
// job and will write again at the next boundary.
func (m *Manager) transition(ctx context.Context, job *storage.Job, status storage.JobStatus) {
	job.Status = status
	if err := m.repos.Jobs.Update(ctx, job); err != nil && m.logger != nil {
		m.logger.Warn().Err(err).Str("job_id", job.JobID.String()).Msg("Persist job row failed")
	}
	if err := m.status.Save(ctx, job); err != nil && m.logger != nil {
		m.logger.Warn().Err(err).Str("job_id", job.JobID.String()).Msg("Persist job snapshot failed")
	}
}

// backoff computes base * 2^(attempts-1), jittered by ±20% and capped.
func (m *Manager) backoff(attempts int) time.Duration {
	d := m.cfg.RetryBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= m.cfg.RetryMax {
			d = m.cfg.RetryMax
			break
		}
	}
	m.rngMu.Lock()
	jitter := 0.8 + 0.4*m.rng.Float64()
	m.rngMu.Unlock()
	jittered := time.Duration(float64(d) * jitter)
	if jittered > m.cfg.RetryMax {
		jittered = m.cfg.RetryMax
	}
	return jittered
}

func (m *Manager) observeQueue() {
	if m.metrics != nil {
		m.metrics.QueueDepth.Set(float64(m.queue.Len()))
	}
}

func stageName(job *storage.Job) string {
	if job.CurrentStage == nil {
		return ""
	}
	return string(*job.CurrentStage)
}
