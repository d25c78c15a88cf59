package storage

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(context.Background(), db))
	return db
}

func TestDocumentRepository_UpsertIsIdempotent(t *testing.T) {
	repos := NewRepositories(testDB(t))
	ctx := context.Background()

	doc := &Document{
		DocID:        "urn:ct:doc:aaaa",
		SourceURL:    "https://example.com/a",
		SourceType:   SourceTypeWeb,
		Title:        "First title",
		QualityScore: 8.2,
		Tier:         TierB,
	}
	require.NoError(t, repos.Documents.Upsert(ctx, doc))

	doc.Title = "Corrected title"
	doc.QualityScore = 8.4
	require.NoError(t, repos.Documents.Upsert(ctx, doc))

	got, err := repos.Documents.GetByID(ctx, "urn:ct:doc:aaaa")
	require.NoError(t, err)
	assert.Equal(t, "Corrected title", got.Title)
	assert.InDelta(t, 8.4, got.QualityScore, 0.001)
	assert.Equal(t, TierB, got.Tier)
}

func TestDocumentRepository_GetMissing(t *testing.T) {
	repos := NewRepositories(testDB(t))

	_, err := repos.Documents.GetByID(context.Background(), "urn:ct:doc:missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDocumentRepository_Delete(t *testing.T) {
	repos := NewRepositories(testDB(t))
	ctx := context.Background()

	doc := &Document{
		DocID:      "urn:ct:doc:bbbb",
		SourceURL:  "https://example.com/b",
		SourceType: SourceTypeWeb,
		Title:      "To delete",
		Tier:       TierC,
	}
	require.NoError(t, repos.Documents.Upsert(ctx, doc))
	require.NoError(t, repos.Documents.Delete(ctx, "urn:ct:doc:bbbb"))

	_, err := repos.Documents.GetByID(ctx, "urn:ct:doc:bbbb")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, repos.Documents.Delete(ctx, "urn:ct:doc:bbbb"), ErrNotFound)
}

func TestJobRepository_Lifecycle(t *testing.T) {
	repos := NewRepositories(testDB(t))
	ctx := context.Background()

	job := &Job{
		DocID:       "urn:ct:doc:cccc",
		SourceURL:   "https://example.com/c",
		Status:      JobStatusQueued,
		Priority:    5,
		MaxAttempts: 3,
	}
	require.NoError(t, repos.Jobs.Create(ctx, job))
	require.NotEqual(t, "00000000-0000-0000-0000-000000000000", job.JobID.String())

	now := time.Now().UTC()
	stage := StageExtract
	job.Status = JobStatusRunning
	job.Attempts = 1
	job.CurrentStage = &stage
	job.StartedAt = &now
	job.ProgressPct = 15
	require.NoError(t, repos.Jobs.Update(ctx, job))

	got, err := repos.Jobs.GetByID(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, 15, got.ProgressPct)
	require.NotNil(t, got.CurrentStage)
	assert.Equal(t, StageExtract, *got.CurrentStage)
}

func TestJobRepository_GetActiveByDoc(t *testing.T) {
	repos := NewRepositories(testDB(t))
	ctx := context.Background()

	active := &Job{
		DocID:       "urn:ct:doc:dddd",
		SourceURL:   "https://example.com/d",
		Status:      JobStatusRunning,
		Priority:    5,
		MaxAttempts: 3,
	}
	require.NoError(t, repos.Jobs.Create(ctx, active))

	got, err := repos.Jobs.GetActiveByDoc(ctx, "urn:ct:doc:dddd")
	require.NoError(t, err)
	assert.Equal(t, active.JobID, got.JobID)

	// A terminal job does not count as active.
	done := time.Now().UTC()
	active.Status = JobStatusCompleted
	active.ProgressPct = 100
	active.CompletedAt = &done
	require.NoError(t, repos.Jobs.Update(ctx, active))

	_, err = repos.Jobs.GetActiveByDoc(ctx, "urn:ct:doc:dddd")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordRepository_History(t *testing.T) {
	repos := NewRepositories(testDB(t))
	ctx := context.Background()

	rec := &ProcessingRecord{
		DocID:     "urn:ct:doc:eeee",
		Operation: string(StageExtract),
		Status:    RecordStatusStarted,
	}
	require.NoError(t, repos.Records.Create(ctx, rec))
	require.NoError(t, repos.Records.Finish(ctx, rec.RecordID, RecordStatusCompleted, nil))

	history, err := repos.Records.GetByDoc(ctx, "urn:ct:doc:eeee")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, RecordStatusCompleted, history[0].Status)
	assert.NotNil(t, history[0].CompletedAt)

	require.NoError(t, repos.Records.DeleteByDoc(ctx, "urn:ct:doc:eeee"))
	history, err = repos.Records.GetByDoc(ctx, "urn:ct:doc:eeee")
	require.NoError(t, err)
	assert.Empty(t, history)
}
