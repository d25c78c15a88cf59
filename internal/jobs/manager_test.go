package jobs

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citetrace-ai/citetrace/internal/cache"
	"github.com/citetrace-ai/citetrace/internal/domain"
	"github.com/citetrace-ai/citetrace/internal/identity"
	"github.com/citetrace-ai/citetrace/internal/storage"
)

func testRepos(t *testing.T) *storage.Repositories {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, storage.Migrate(context.Background(), db))
	return storage.NewRepositories(db)
}

// funcRunner adapts a function to the Runner interface.
type funcRunner func(ctx context.Context, job *storage.Job) (*RunResult, error)

func (f funcRunner) Run(ctx context.Context, job *storage.Job) (*RunResult, error) {
	return f(ctx, job)
}

func testManager(t *testing.T, cfg Config, runner Runner) *Manager {
	t.Helper()
	return NewManager(
		cfg,
		identity.NewService(nil),
		testRepos(t),
		NewStatusStore(cache.NewMemoryClient(128), time.Hour),
		nil, // no event bus
		runner,
		nil, nil,
	)
}

func TestQueue_PriorityOrder(t *testing.T) {
	q := NewQueue()
	q.Enqueue(&storage.Job{SourceURL: "low", Priority: 2})
	q.Enqueue(&storage.Job{SourceURL: "high", Priority: 9})
	q.Enqueue(&storage.Job{SourceURL: "mid", Priority: 5})

	ctx := context.Background()
	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	third, err := q.Dequeue(ctx)
	require.NoError(t, err)

	assert.Equal(t, "high", first.SourceURL)
	assert.Equal(t, "mid", second.SourceURL)
	assert.Equal(t, "low", third.SourceURL)
}

func TestQueue_FIFOWithinPriority(t *testing.T) {
	q := NewQueue()
	q.Enqueue(&storage.Job{SourceURL: "a", Priority: 5})
	q.Enqueue(&storage.Job{SourceURL: "b", Priority: 5})
	q.Enqueue(&storage.Job{SourceURL: "c", Priority: 5})

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, job.SourceURL)
	}
}

func TestQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewQueue()

	done := make(chan *storage.Job, 1)
	go func() {
		job, err := q.Dequeue(context.Background())
		if err == nil {
			done <- job
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue(&storage.Job{SourceURL: "late", Priority: 5})

	select {
	case job := <-done:
		assert.Equal(t, "late", job.SourceURL)
	case <-time.After(time.Second):
		t.Fatal("dequeue never woke up")
	}
}

func TestQueue_DequeueHonorsContext(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStatusStore_Roundtrip(t *testing.T) {
	store := NewStatusStore(cache.NewMemoryClient(16), time.Hour)
	ctx := context.Background()

	job := &storage.Job{
		SourceURL: "https://example.com/a",
		Status:    storage.JobStatusRunning,
		Priority:  5,
	}
	require.NoError(t, testRepos(t).Jobs.Create(ctx, job)) // assigns JobID
	require.NoError(t, store.Save(ctx, job))

	got, err := store.Get(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.JobID, got.JobID)
	assert.Equal(t, storage.JobStatusRunning, got.Status)

	require.NoError(t, store.Delete(ctx, job.JobID))
	_, err = store.Get(ctx, job.JobID)
	assert.ErrorIs(t, err, ErrStatusNotFound)
}

func TestManager_SubmitValidation(t *testing.T) {
	m := testManager(t, Config{}, nil)
	ctx := context.Background()

	_, err := m.Submit(ctx, "not a url", SubmitOptions{})
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))

	_, err = m.Submit(ctx, "https://example.com/x", SubmitOptions{Priority: 11})
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))
}

func TestManager_DuplicateReuse(t *testing.T) {
	m := testManager(t, Config{DuplicatePolicy: DuplicateReuse}, nil)
	ctx := context.Background()

	first, err := m.Submit(ctx, "https://example.com/article", SubmitOptions{})
	require.NoError(t, err)
	second, err := m.Submit(ctx, "https://example.com/article", SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, first.JobID, second.JobID)
}

func TestManager_DuplicateReject(t *testing.T) {
	m := testManager(t, Config{DuplicatePolicy: DuplicateReject}, nil)
	ctx := context.Background()

	_, err := m.Submit(ctx, "https://example.com/article", SubmitOptions{})
	require.NoError(t, err)
	_, err = m.Submit(ctx, "https://example.com/article", SubmitOptions{})
	assert.Equal(t, domain.KindDuplicate, domain.KindOf(err))
}

func TestManager_SubmitBatch(t *testing.T) {
	m := testManager(t, Config{}, nil)
	ctx := context.Background()

	_, err := m.SubmitBatch(ctx, nil, SubmitOptions{})
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))

	outcomes, err := m.SubmitBatch(ctx, []string{
		"https://example.com/good",
		"::bad::",
		"https://example.com/also-good",
	}, SubmitOptions{})
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	assert.NotNil(t, outcomes[0].JobID)
	assert.Empty(t, outcomes[0].Error)
	assert.Nil(t, outcomes[1].JobID)
	assert.NotEmpty(t, outcomes[1].Error)
	assert.NotNil(t, outcomes[2].JobID)
}

func TestManager_RunToCompletion(t *testing.T) {
	var runs atomic.Int32
	runner := funcRunner(func(ctx context.Context, job *storage.Job) (*RunResult, error) {
		runs.Add(1)
		return &RunResult{DocID: "urn:ct:doc:abc", Tier: storage.TierB, Title: "T"}, nil
	})
	m := testManager(t, Config{WorkerPoolSize: 2}, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	job, err := m.Submit(ctx, "https://example.com/run", SubmitOptions{})
	require.NoError(t, err)

	final := pollStatus(t, m, job, storage.JobStatusCompleted)
	assert.Equal(t, 1, final.Attempts)
	assert.Equal(t, 100, final.ProgressPct)
	assert.NotNil(t, final.CompletedAt)
	assert.Equal(t, int32(1), runs.Load())
}

func TestManager_TransientFailureRetries(t *testing.T) {
	var runs atomic.Int32
	runner := funcRunner(func(ctx context.Context, job *storage.Job) (*RunResult, error) {
		if runs.Add(1) == 1 {
			return nil, domain.ExtractionTransient("fetch returned status 503", nil)
		}
		return &RunResult{DocID: "urn:ct:doc:abc", Tier: storage.TierC}, nil
	})
	m := testManager(t, Config{
		WorkerPoolSize:   1,
		MaxRetryAttempts: 3,
		RetryBase:        10 * time.Millisecond,
		RetryMax:         50 * time.Millisecond,
	}, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	job, err := m.Submit(ctx, "https://example.com/flaky", SubmitOptions{})
	require.NoError(t, err)

	final := pollStatus(t, m, job, storage.JobStatusCompleted)
	assert.Equal(t, 2, final.Attempts)
	assert.Equal(t, int32(2), runs.Load())
}

func TestManager_PermanentFailureDoesNotRetry(t *testing.T) {
	var runs atomic.Int32
	runner := funcRunner(func(ctx context.Context, job *storage.Job) (*RunResult, error) {
		runs.Add(1)
		return nil, domain.ExtractionPermanent("fetch returned status 404", nil)
	})
	m := testManager(t, Config{WorkerPoolSize: 1, RetryBase: 10 * time.Millisecond}, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	job, err := m.Submit(ctx, "https://example.com/gone", SubmitOptions{})
	require.NoError(t, err)

	final := pollStatus(t, m, job, storage.JobStatusFailed)
	assert.Equal(t, 1, final.Attempts)
	require.NotNil(t, final.ErrorKind)
	assert.Equal(t, string(domain.KindExtraction), *final.ErrorKind)
	assert.Equal(t, int32(1), runs.Load())
}

func TestManager_AttemptsExhausted(t *testing.T) {
	runner := funcRunner(func(ctx context.Context, job *storage.Job) (*RunResult, error) {
		return nil, domain.EmbeddingError("embedding service unavailable", nil)
	})
	m := testManager(t, Config{
		WorkerPoolSize:   1,
		MaxRetryAttempts: 2,
		RetryBase:        5 * time.Millisecond,
		RetryMax:         20 * time.Millisecond,
	}, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	job, err := m.Submit(ctx, "https://example.com/doomed", SubmitOptions{})
	require.NoError(t, err)

	final := pollStatus(t, m, job, storage.JobStatusFailed)
	assert.Equal(t, 2, final.Attempts)
}

func TestManager_CancelQueued(t *testing.T) {
	// No workers started: the job stays queued.
	m := testManager(t, Config{}, nil)
	ctx := context.Background()

	job, err := m.Submit(ctx, "https://example.com/queued", SubmitOptions{})
	require.NoError(t, err)
	require.NoError(t, m.Cancel(ctx, job.JobID))

	got, err := m.Status(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusCancelled, got.Status)

	// Cancelling again is a no-op, not a conflict.
	assert.NoError(t, m.Cancel(ctx, job.JobID))
}

func TestManager_CancelRunning(t *testing.T) {
	started := make(chan struct{})
	runner := funcRunner(func(ctx context.Context, job *storage.Job) (*RunResult, error) {
		close(started)
		<-ctx.Done()
		return nil, domain.Cancelled("job cancelled")
	})
	m := testManager(t, Config{WorkerPoolSize: 1}, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	job, err := m.Submit(ctx, "https://example.com/running", SubmitOptions{})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}
	require.NoError(t, m.Cancel(ctx, job.JobID))

	final := pollStatus(t, m, job, storage.JobStatusCancelled)
	assert.NotNil(t, final.CompletedAt)
}

func TestManager_CancelTerminalConflicts(t *testing.T) {
	runner := funcRunner(func(ctx context.Context, job *storage.Job) (*RunResult, error) {
		return &RunResult{DocID: "urn:ct:doc:abc", Tier: storage.TierA}, nil
	})
	m := testManager(t, Config{WorkerPoolSize: 1}, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	job, err := m.Submit(ctx, "https://example.com/done", SubmitOptions{})
	require.NoError(t, err)
	pollStatus(t, m, job, storage.JobStatusCompleted)

	assert.ErrorIs(t, m.Cancel(ctx, job.JobID), ErrTerminalState)
}

func TestManager_RetryValidation(t *testing.T) {
	m := testManager(t, Config{MaxRetryAttempts: 3}, nil)
	ctx := context.Background()

	job, err := m.Submit(ctx, "https://example.com/retry", SubmitOptions{Priority: 9})
	require.NoError(t, err)

	// Queued jobs cannot be retried.
	_, err = m.Retry(ctx, job.JobID)
	assert.ErrorIs(t, err, ErrNotFailed)

	// Force a failed state with attempts remaining.
	job.Attempts = 1
	kind := string(domain.KindExtraction)
	job.ErrorKind = &kind
	m.transition(ctx, job, storage.JobStatusFailed)

	retried, err := m.Retry(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusQueued, retried.Status)
	assert.Equal(t, 10, retried.Priority, "priority boost clamps at 10")
	assert.Nil(t, retried.ErrorKind)
	assert.Equal(t, 1, m.QueueDepth())

	// Exhausted attempts refuse a manual retry.
	retried.Attempts = retried.MaxAttempts
	m.transition(ctx, retried, storage.JobStatusFailed)
	_, err = m.Retry(ctx, retried.JobID)
	assert.ErrorIs(t, err, ErrAttemptsExhausted)
}

func TestManager_Backoff(t *testing.T) {
	m := testManager(t, Config{RetryBase: 100 * time.Millisecond, RetryMax: time.Second}, nil)

	for attempts, want := range map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 400 * time.Millisecond,
	} {
		d := m.backoff(attempts)
		low := time.Duration(float64(want) * 0.8)
		high := time.Duration(float64(want) * 1.2)
		assert.GreaterOrEqual(t, d, low, "attempt %d", attempts)
		assert.LessOrEqual(t, d, high, "attempt %d", attempts)
	}

	// Deep attempts hit the cap.
	assert.LessOrEqual(t, m.backoff(10), time.Second)
}

func pollStatus(t *testing.T, m *Manager, job *storage.Job, want storage.JobStatus) *storage.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := m.Status(context.Background(), job.JobID)
		if err == nil && got.Status == want {
			return got
		}
		if err != nil && !errors.Is(err, ErrJobNotFound) {
			t.Fatalf("status error: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job never reached status %s", want)
	return nil
}
