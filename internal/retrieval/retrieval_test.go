package retrieval

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citetrace-ai/citetrace/internal/domain"
	"github.com/citetrace-ai/citetrace/internal/embedding"
	"github.com/citetrace-ai/citetrace/internal/llm"
	"github.com/citetrace-ai/citetrace/internal/storage"
)

func seedIndex(t *testing.T, embedder embedding.Embedder, texts map[string]storage.ChunkPayload) *storage.MemoryVectorIndex {
	t.Helper()
	index := storage.NewMemoryVectorIndex("content_chunks", embedder.Dimension())
	ctx := context.Background()

	var records []storage.ChunkRecord
	for chunkID, payload := range texts {
		vec, err := embedder.EmbedSingle(ctx, payload.Text)
		require.NoError(t, err)
		payload.ChunkID = chunkID
		records = append(records, storage.ChunkRecord{ChunkID: chunkID, Vector: vec, Payload: payload})
	}
	require.NoError(t, index.Upsert(ctx, records))
	return index
}

func testRetriever(t *testing.T) (*Retriever, *storage.MemoryVectorIndex) {
	t.Helper()
	embedder := embedding.NewMockClient(16)
	index := seedIndex(t, embedder, map[string]storage.ChunkPayload{
		"chunk-a": {
			DocID: "urn:ct:doc:aaaa", Ordinal: 0, SourceType: storage.SourceTypeWeb,
			Tier: storage.TierA, Tags: []string{"history"}, URL: "https://example.com/a",
			Title: "Compilers", Text: "Grace Hopper led the first compiler team.",
		},
		"chunk-b": {
			DocID: "urn:ct:doc:bbbb", Ordinal: 0, SourceType: storage.SourceTypeYouTube,
			Tier: storage.TierB, URL: "https://youtube.com/watch?v=x", Title: "Lecture",
			Text:    "A lecture on database systems and indexing.",
			VideoID: "x", TimestampStart: "00:01:00", TimestampEnd: "00:02:30",
		},
		"chunk-c": {
			DocID: "urn:ct:doc:cccc", Ordinal: 1, SourceType: storage.SourceTypeWeb,
			Tier: storage.TierC, URL: "https://example.com/c", Title: "Gardens",
			Text: "Tomatoes grow best with full sun and regular water.",
		},
	})
	return NewRetriever(Config{DefaultTopK: 8, MaxTopK: 50}, embedder, index, nil, nil), index
}

func TestRetriever_EmptyQueryRejected(t *testing.T) {
	r, _ := testRetriever(t)
	_, err := r.Search(context.Background(), "   ", -1, nil)
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))
}

func TestRetriever_TopKZeroReturnsNoHits(t *testing.T) {
	r, _ := testRetriever(t)
	hits, err := r.Search(context.Background(), "compilers", 0, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestRetriever_SearchIsDeterministic(t *testing.T) {
	r, _ := testRetriever(t)
	ctx := context.Background()

	first, err := r.Search(ctx, "who built the first compiler", -1, nil)
	require.NoError(t, err)
	second, err := r.Search(ctx, "who built the first compiler", -1, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	require.NotEmpty(t, first)
	for i := 1; i < len(first); i++ {
		assert.GreaterOrEqual(t, first[i-1].Score, first[i].Score)
	}
}

func TestRetriever_FilterNarrowsResults(t *testing.T) {
	r, _ := testRetriever(t)
	hits, err := r.Search(context.Background(), "anything at all", -1, map[string]any{
		"tier": "A",
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "chunk-a", hits[0].ChunkID)
}

func TestRetriever_UnknownFilterRejected(t *testing.T) {
	r, _ := testRetriever(t)
	_, err := r.Search(context.Background(), "anything", -1, map[string]any{
		"color": "blue",
	})
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))
}

func TestBuildFilter_Forms(t *testing.T) {
	filter, err := BuildFilter(map[string]any{
		"source_type":   "web",
		"tier":          []any{"A", "B"},
		"quality_score": map[string]any{"gte": 7.0},
	})
	require.NoError(t, err)
	require.Len(t, filter.Must, 3)

	byField := make(map[string]storage.Condition)
	for _, c := range filter.Must {
		byField[c.Field] = c
	}
	assert.Equal(t, storage.OpRange, byField["quality_score"].Op)
	assert.Equal(t, "7", byField["quality_score"].Values[0])
	assert.Equal(t, storage.OpIn, byField["tier"].Op)
	assert.Equal(t, storage.OpEq, byField["source_type"].Op)

	_, err = BuildFilter(map[string]any{"published_at": map[string]any{"before": "2024"}})
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))
}

func TestPaginate(t *testing.T) {
	hits := make([]storage.Hit, 5)
	for i := range hits {
		hits[i].ChunkID = fmt.Sprintf("chunk-%d", i)
	}

	assert.Len(t, Paginate(hits, 1, 2), 2)
	assert.Equal(t, "chunk-2", Paginate(hits, 2, 2)[0].ChunkID)
	assert.Len(t, Paginate(hits, 3, 2), 1)
	assert.Empty(t, Paginate(hits, 4, 2))
	assert.Len(t, Paginate(hits, 1, 0), 5, "no page size means no pagination")
}

func TestResolver_BuildTableLocators(t *testing.T) {
	page := 3
	hits := []storage.Hit{
		{ChunkID: "c1", DocID: "d1", Score: 0.9, Payload: storage.ChunkPayload{
			SourceType: storage.SourceTypePDF, Title: "Paper", PageNumber: &page,
			Text: "PDF chunk text.", ByteStart: 1200, ByteEnd: 1215,
		}},
		{ChunkID: "c2", DocID: "d2", Score: 0.8, Payload: storage.ChunkPayload{
			SourceType: storage.SourceTypeYouTube, Title: "Talk",
			TimestampStart: "00:05:00", TimestampEnd: "00:06:00",
			Text: "Video chunk text.",
		}},
	}

	citations := NewResolver(300).BuildTable(hits)
	require.Len(t, citations, 2)
	assert.Equal(t, 1, citations[0].Index)
	assert.Equal(t, "p. 3", citations[0].Locator)
	assert.Equal(t, 1200, citations[0].ByteStart)
	assert.Equal(t, 1215, citations[0].ByteEnd)
	assert.Equal(t, 2, citations[1].Index)
	assert.Equal(t, "00:05:00-00:06:00", citations[1].Locator)
}

func TestResolver_QuoteTruncation(t *testing.T) {
	long := "word "
	for len(long) < 500 {
		long += "word "
	}
	citations := NewResolver(50).BuildTable([]storage.Hit{
		{ChunkID: "c", Payload: storage.ChunkPayload{Text: long}},
	})
	assert.LessOrEqual(t, len([]rune(citations[0].Quote)), 51)
}

func TestResolver_ValidateAnswer(t *testing.T) {
	r := NewResolver(300)

	assert.NoError(t, r.ValidateAnswer("Fact one [1]. Fact two [2].", 2))

	err := r.ValidateAnswer("Fact [1]. Bogus [7]. Also bogus [0].", 2)
	require.Error(t, err)
	assert.Equal(t, domain.KindCitationValidation, domain.KindOf(err))
	assert.Contains(t, err.Error(), "[0 7]")
}

func TestResolver_ValidateAnswerIgnoresCodeBlocks(t *testing.T) {
	r := NewResolver(300)
	answer := "Arrays are indexed [1].\n```go\nx := arr[99]\n```\nDone [2]."
	assert.NoError(t, r.ValidateAnswer(answer, 2))

	// The same marker outside the fence still fails.
	assert.Error(t, r.ValidateAnswer("x := arr[99] is out of range", 2))
}

func TestResolver_ValidateAnswerIgnoresQuotedStrings(t *testing.T) {
	r := NewResolver(300)

	answer := `The memo literally says "refer to item [9] in the appendix" [1].`
	assert.NoError(t, r.ValidateAnswer(answer, 2))

	// Quoting resumes cleanly after a closed pair.
	assert.Error(t, r.ValidateAnswer(`It says "see [9]" and then cites [7].`, 2))

	// An unmatched quote hides nothing past itself.
	assert.Error(t, r.ValidateAnswer(`A dangling " quote before a bogus [9].`, 2))
}

func TestResolver_BuildPromptNamesRange(t *testing.T) {
	citations := NewResolver(300).BuildTable([]storage.Hit{
		{ChunkID: "c1", Payload: storage.ChunkPayload{Title: "A", Text: "alpha"}},
		{ChunkID: "c2", Payload: storage.ChunkPayload{Title: "B", Text: "beta"}},
	})
	prompt := NewResolver(300).BuildPrompt("what is alpha?", citations)
	assert.Contains(t, prompt, "[1] A")
	assert.Contains(t, prompt, "[2] B")
	assert.Contains(t, prompt, "indices 1 through 2")
	assert.Contains(t, prompt, "what is alpha?")
}

type cannedCompleter struct {
	answer string
	prompt string
}

func (c *cannedCompleter) Complete(ctx context.Context, messages []llm.Message) (*llm.Completion, error) {
	c.prompt = messages[len(messages)-1].Content
	return &llm.Completion{Text: c.answer, TokensUsed: 42}, nil
}

func (c *cannedCompleter) Model() string { return "canned" }

func TestAsker_AnswerFromPaginatedSubset(t *testing.T) {
	r, _ := testRetriever(t)
	completer := &cannedCompleter{answer: "Paged answer [1]."}
	asker := NewAsker(r, NewResolver(300), completer, nil, nil, nil)

	resp, err := asker.Ask(context.Background(), Request{
		Query:    "tell me about everything",
		TopK:     -1,
		Page:     2,
		PageSize: 1,
	})
	require.NoError(t, err)
	require.Len(t, resp.Citations, 1)
	assert.Equal(t, 1, resp.Citations[0].Index, "page citations renumber from 1")
	assert.Equal(t, 3, resp.TotalHits)
	assert.Equal(t, 42, resp.TokensUsed)

	// Only the one paged source reached the prompt.
	assert.Contains(t, completer.prompt, "indices 1 through 1")
}

func TestAsker_NoSourcesAnswer(t *testing.T) {
	r, _ := testRetriever(t)
	asker := NewAsker(r, NewResolver(300), &cannedCompleter{answer: "unused"}, nil, nil, nil)

	resp, err := asker.Ask(context.Background(), Request{Query: "anything", TopK: 0})
	require.NoError(t, err)
	assert.Equal(t, NoSourcesAnswer, resp.Answer)
	assert.Empty(t, resp.Citations)
}

func TestAsker_InvalidCitationFailsAnswer(t *testing.T) {
	r, _ := testRetriever(t)
	asker := NewAsker(r, NewResolver(300), &cannedCompleter{answer: "Claim [9]."}, nil, nil, nil)

	_, err := asker.Ask(context.Background(), Request{Query: "compilers", TopK: 2})
	require.Error(t, err)
	assert.Equal(t, domain.KindCitationValidation, domain.KindOf(err))
}

func TestAsker_FallbackWithoutCompleter(t *testing.T) {
	r, _ := testRetriever(t)
	asker := NewAsker(r, NewResolver(300), nil, nil, nil, nil)

	resp, err := asker.Ask(context.Background(), Request{Query: "compilers", TopK: 2})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Answer)
	assert.Contains(t, resp.Answer, "[1]")
}

func TestAsker_ExplainBuildsReasoningGraph(t *testing.T) {
	r, _ := testRetriever(t)
	graph := storage.NewMemoryGraphStore()
	ctx := context.Background()

	require.NoError(t, graph.CommitDocument(ctx, storage.DocGraph{
		DocID: "urn:ct:doc:aaaa",
		Entities: []storage.Entity{
			{EntityID: "e1", CanonicalName: "Grace Hopper", EntityType: "PERSON", Confidence: 0.9},
			{EntityID: "e2", CanonicalName: "Remington Rand Corporation", Aliases: []string{"Remington Rand"}, EntityType: "ORG", Confidence: 0.8},
			{EntityID: "e3", CanonicalName: "UNIVAC", EntityType: "PRODUCT", Confidence: 0.85},
		},
		Mentions: []storage.Mention{
			{MentionID: "m1", ChunkID: "chunk-a", EntityID: "e1"},
			{MentionID: "m2", ChunkID: "chunk-a", EntityID: "e2"},
			{MentionID: "m3", ChunkID: "chunk-a", EntityID: "e3"},
		},
		Relations: []storage.Relation{
			{SubjectID: "e1", Predicate: storage.PredicateEmployedBy, ObjectID: "e2", Confidence: 0.7},
			{SubjectID: "e2", Predicate: storage.PredicateFounded, ObjectID: "e3", Confidence: 0.6},
		},
	}))

	answer := "Grace Hopper was employed by Remington Rand [1]."
	asker := NewAsker(r, NewResolver(300), &cannedCompleter{answer: answer}, graph, nil, nil)
	resp, err := asker.Ask(ctx, Request{
		Query:   "who built the first compiler",
		TopK:    1,
		Filters: map[string]any{"doc_id": "urn:ct:doc:aaaa"},
		Explain: true,
	})
	require.NoError(t, err)
	require.NotNil(t, resp.ReasoningGraph)

	// Only entities named in the answer survive: UNIVAC is in the cited
	// document but not the answer, so it and its relation drop out.
	names := make([]string, 0, len(resp.ReasoningGraph.Entities))
	for _, e := range resp.ReasoningGraph.Entities {
		names = append(names, e.CanonicalName)
	}
	assert.ElementsMatch(t, []string{"Grace Hopper", "Remington Rand Corporation"}, names)
	require.Len(t, resp.ReasoningGraph.Relations, 1)
	assert.Equal(t, storage.PredicateEmployedBy, resp.ReasoningGraph.Relations[0].Predicate)
}
