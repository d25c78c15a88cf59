package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citetrace-ai/citetrace/internal/cache"
	"github.com/citetrace-ai/citetrace/internal/chunking"
	"github.com/citetrace-ai/citetrace/internal/domain"
	"github.com/citetrace-ai/citetrace/internal/embedding"
	"github.com/citetrace-ai/citetrace/internal/extract"
	"github.com/citetrace-ai/citetrace/internal/identity"
	"github.com/citetrace-ai/citetrace/internal/jobs"
	"github.com/citetrace-ai/citetrace/internal/llm"
	"github.com/citetrace-ai/citetrace/internal/provenance"
	"github.com/citetrace-ai/citetrace/internal/screening"
	"github.com/citetrace-ai/citetrace/internal/storage"
	"github.com/citetrace-ai/citetrace/internal/transform"
)

const articlePage = `<!DOCTYPE html>
<html>
<head>
  <title>Graph Provenance</title>
  <meta property="og:title" content="Graph Provenance in Practice">
  <meta name="author" content="Grace Hopper">
</head>
<body>
<article>
  <p>Grace Hopper joined Remington Rand Corp in 1949. She led the team
  that built the first compiler. The company was headquartered in New
  York at the time.</p>
  <p>Her later work shaped programming language design for decades.
  Colleagues at Remington Rand Corp credited her insistence on
  English-like syntax. This article revisits that history with an eye
  on how ideas travel between institutions.</p>
</article>
</body>
</html>`

type scriptedCompleter struct {
	response string
}

func (s *scriptedCompleter) Complete(ctx context.Context, messages []llm.Message) (*llm.Completion, error) {
	return &llm.Completion{Text: s.response, TokensUsed: 50}, nil
}

func (s *scriptedCompleter) Model() string { return "scripted" }

type testEnv struct {
	pipeline *Pipeline
	ids      *identity.Service
	repos    *storage.Repositories
	blob     storage.BlobStore
	vector   *storage.MemoryVectorIndex
	graph    *storage.MemoryGraphStore
	reader   *provenance.Reader
}

func newTestEnv(t *testing.T, screenResponse string) *testEnv {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, storage.Migrate(context.Background(), db))
	repos := storage.NewRepositories(db)

	blob, err := storage.NewLocalBlobStore(t.TempDir())
	require.NoError(t, err)
	vector := storage.NewMemoryVectorIndex("content_chunks", 16)
	graph := storage.NewMemoryGraphStore()
	ids := identity.NewService(nil)

	writer := provenance.NewWriter(blob, repos, vector, graph, time.Second, nil, nil)
	screener := screening.NewScreener(
		&scriptedCompleter{response: screenResponse},
		cache.NewMemoryClient(64),
		screening.Config{},
		nil, nil,
	)

	p := New(
		Config{EmbedConcurrency: 2},
		extract.NewRegistry(map[storage.SourceType]extract.Extractor{
			storage.SourceTypeWeb: extract.NewWebExtractor(5*time.Second, nil),
		}),
		screener,
		transform.NewTransformer(nil, nil, nil),
		chunking.NewChunker(200, 40),
		embedding.NewMockClient(16),
		writer,
		ids,
		repos,
		jobs.NewStatusStore(cache.NewMemoryClient(64), time.Hour),
		nil,
		nil, nil,
	)

	return &testEnv{
		pipeline: p,
		ids:      ids,
		repos:    repos,
		blob:     blob,
		vector:   vector,
		graph:    graph,
		reader:   provenance.NewReader(blob, repos, vector, graph),
	}
}

func (e *testEnv) jobFor(t *testing.T, url string) *storage.Job {
	t.Helper()
	docID, err := e.ids.DocID(url)
	require.NoError(t, err)
	return &storage.Job{
		JobID:       uuid.New(),
		DocID:       docID,
		SourceURL:   url,
		Status:      storage.JobStatusRunning,
		Priority:    5,
		MaxAttempts: 3,
	}
}

const acceptResponse = `{"quality_score": 8.1, "decision": "ACCEPT", "reasoning": "substantive history"}`

func TestPipeline_EndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, articlePage)
	}))
	defer srv.Close()

	env := newTestEnv(t, acceptResponse)
	job := env.jobFor(t, srv.URL+"/article")

	result, err := env.pipeline.Run(context.Background(), job)
	require.NoError(t, err)
	assert.False(t, result.Rejected)
	assert.Equal(t, job.DocID, result.DocID)
	assert.Equal(t, storage.TierB, result.Tier)
	assert.Equal(t, "Graph Provenance in Practice", result.Title)

	ctx := context.Background()

	// The document committed across all four backends.
	view, err := env.reader.GetDocument(ctx, job.DocID)
	require.NoError(t, err)
	assert.Equal(t, storage.TierB, view.Document.Tier)
	require.NotNil(t, view.Document.Author)
	assert.Equal(t, "Grace Hopper", *view.Document.Author)

	raw, err := env.blob.Get(ctx, job.DocID)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Grace Hopper joined Remington Rand Corp")

	chunks, err := env.vector.GetByDoc(ctx, job.DocID)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Payload.Ordinal)
		assert.Equal(t, env.ids.ChunkID(job.DocID, ch.Payload.ByteStart, ch.Payload.ByteEnd), ch.ChunkID)
	}

	// Entity extraction surfaced the named people and organizations.
	entities, err := env.graph.GetEntitiesByDoc(ctx, job.DocID)
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, e := range entities {
		names[e.CanonicalName] = true
	}
	assert.True(t, names["Remington Rand Corp"], "expected Remington Rand Corp among %v", names)

	// Mentions anchor in real chunks with chunk-relative spans.
	for _, ch := range chunks {
		mentions, err := env.graph.GetMentionsByChunk(ctx, ch.ChunkID)
		require.NoError(t, err)
		for _, m := range mentions {
			span := ch.Payload.Text[m.SpanStart:m.SpanEnd]
			assert.Equal(t, m.Surface, span)
		}
	}

	// Every stage left a completed processing record.
	history, err := env.repos.Records.GetByDoc(ctx, job.DocID)
	require.NoError(t, err)
	require.Len(t, history, len(storage.StageOrder))
	for i, rec := range history {
		assert.Equal(t, string(storage.StageOrder[i]), rec.Operation)
		assert.Equal(t, storage.RecordStatusCompleted, rec.Status)
	}

	assert.Equal(t, 100, progressAfter(storage.StageProvenance))
}

func TestPipeline_RejectStoresNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, articlePage)
	}))
	defer srv.Close()

	env := newTestEnv(t, `{"quality_score": 2.0, "decision": "REJECT", "reasoning": "thin content"}`)
	job := env.jobFor(t, srv.URL+"/spam")

	result, err := env.pipeline.Run(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, result.Rejected)
	assert.Equal(t, storage.TierNone, result.Tier)

	ctx := context.Background()
	_, err = env.repos.Documents.GetByID(ctx, job.DocID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	count, err := env.vector.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	exists, err := env.blob.Exists(ctx, job.DocID)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPipeline_ExtractFailurePropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	env := newTestEnv(t, acceptResponse)
	job := env.jobFor(t, srv.URL+"/missing")

	_, err := env.pipeline.Run(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, domain.KindExtraction, domain.KindOf(err))
	assert.False(t, domain.IsTransient(err), "404 is permanent")

	// The failed stage left a failed record; later stages never ran.
	history, err := env.repos.Records.GetByDoc(context.Background(), job.DocID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, string(storage.StageExtract), history[0].Operation)
	assert.Equal(t, storage.RecordStatusFailed, history[0].Status)
}

func TestPipeline_StageTimeoutKeepsStageKind(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	env := newTestEnv(t, acceptResponse)
	env.pipeline.cfg.Timeouts.Extract = 20 * time.Millisecond
	job := env.jobFor(t, srv.URL+"/slow")

	_, err := env.pipeline.Run(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, domain.KindExtraction, domain.KindOf(err))
	assert.True(t, domain.IsTransient(err), "stage timeouts are retryable")
	assert.Contains(t, err.Error(), "extract stage timed out")
}

func TestPipeline_CancelledBeforeStage(t *testing.T) {
	env := newTestEnv(t, acceptResponse)
	job := env.jobFor(t, "https://example.com/cancelled")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.pipeline.Run(ctx, job)
	require.Error(t, err)
	assert.Equal(t, domain.KindCancelled, domain.KindOf(err))
}

func TestPipeline_ReingestIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, articlePage)
	}))
	defer srv.Close()

	env := newTestEnv(t, acceptResponse)
	ctx := context.Background()

	first := env.jobFor(t, srv.URL+"/article")
	_, err := env.pipeline.Run(ctx, first)
	require.NoError(t, err)
	countBefore, err := env.vector.Count(ctx)
	require.NoError(t, err)

	second := env.jobFor(t, srv.URL+"/article")
	_, err = env.pipeline.Run(ctx, second)
	require.NoError(t, err)
	countAfter, err := env.vector.Count(ctx)
	require.NoError(t, err)

	assert.Equal(t, countBefore, countAfter, "identical content must not duplicate chunks")
}

func TestProgressWeights(t *testing.T) {
	assert.Equal(t, 0, progressBefore(storage.StageExtract))
	assert.Equal(t, 15, progressBefore(storage.StageScreen))
	assert.Equal(t, 25, progressBefore(storage.StageTransform))
	assert.Equal(t, 45, progressBefore(storage.StageChunkEmbed))
	assert.Equal(t, 70, progressBefore(storage.StageStore))
	assert.Equal(t, 95, progressBefore(storage.StageProvenance))
	assert.Equal(t, 100, progressAfter(storage.StageProvenance))
}
