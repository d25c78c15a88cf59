package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDocGraph(docID string) DocGraph {
	return DocGraph{
		DocID:     docID,
		Title:     "Sample",
		SourceURL: "https://example.com/a",
		Tier:      TierB,
		ChunkIDs:  []string{"ch1", "ch2"},
		Entities: []Entity{
			{EntityID: "e1", CanonicalName: "ada lovelace", EntityType: "PERSON", Confidence: 0.9},
			{EntityID: "e2", CanonicalName: "analytical engine", EntityType: "ORG", Confidence: 0.8},
		},
		Mentions: []Mention{
			{MentionID: "m1", ChunkID: "ch1", EntityID: "e1", EntityType: "PERSON", Surface: "Ada Lovelace", SpanStart: 0, SpanEnd: 12, Confidence: 0.9},
			{MentionID: "m2", ChunkID: "ch2", EntityID: "e2", EntityType: "ORG", Surface: "Analytical Engine", SpanStart: 5, SpanEnd: 22, Confidence: 0.8},
		},
		Relations: []Relation{
			{SubjectID: "e1", Predicate: PredicateAuthored, ObjectID: "e2", Confidence: 0.8, EvidenceChunkIDs: []string{"ch1"}},
		},
	}
}

func TestMemoryGraphStore_CommitAndHasDocument(t *testing.T) {
	store := NewMemoryGraphStore()
	ctx := context.Background()

	ok, err := store.HasDocument(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.CommitDocument(ctx, sampleDocGraph("d1")))

	ok, err = store.HasDocument(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryGraphStore_EntityMergeUnionsAliases(t *testing.T) {
	store := NewMemoryGraphStore()
	ctx := context.Background()

	g1 := sampleDocGraph("d1")
	g1.Entities[0].Aliases = []string{"Lovelace"}
	require.NoError(t, store.CommitDocument(ctx, g1))

	g2 := sampleDocGraph("d2")
	g2.Entities[0].Aliases = []string{"Countess of Lovelace"}
	require.NoError(t, store.CommitDocument(ctx, g2))

	entities, err := store.GetEntitiesByDoc(ctx, "d2")
	require.NoError(t, err)
	require.NotEmpty(t, entities)

	var ada *Entity
	for i := range entities {
		if entities[i].EntityID == "e1" {
			ada = &entities[i]
		}
	}
	require.NotNil(t, ada)
	// Both documents' aliases survive on the single merged node.
	assert.ElementsMatch(t, []string{"Lovelace", "Countess of Lovelace"}, ada.Aliases)
}

func TestMemoryGraphStore_RelationMergeAveragesConfidence(t *testing.T) {
	store := NewMemoryGraphStore()
	ctx := context.Background()

	g1 := sampleDocGraph("d1")
	g1.Relations[0].Confidence = 0.8
	require.NoError(t, store.CommitDocument(ctx, g1))

	g2 := sampleDocGraph("d2")
	g2.Relations[0].Confidence = 0.6
	g2.Relations[0].EvidenceChunkIDs = []string{"ch9"}
	require.NoError(t, store.CommitDocument(ctx, g2))

	relations, err := store.GetRelations(ctx, "e1", 1)
	require.NoError(t, err)
	require.Len(t, relations, 1)

	// (0.8 + 0.6) / 2 = 0.7, evidence is the union.
	assert.InDelta(t, 0.7, relations[0].Confidence, 0.001)
	assert.ElementsMatch(t, []string{"ch1", "ch9"}, relations[0].EvidenceChunkIDs)
}

func TestMemoryGraphStore_GetRelationsDepth(t *testing.T) {
	store := NewMemoryGraphStore()
	ctx := context.Background()

	g := sampleDocGraph("d1")
	g.Entities = append(g.Entities, Entity{EntityID: "e3", CanonicalName: "london", EntityType: "LOC", Confidence: 0.7})
	g.Relations = []Relation{
		{SubjectID: "e1", Predicate: PredicateAuthored, ObjectID: "e2", Confidence: 0.9, EvidenceChunkIDs: []string{"ch1"}},
		{SubjectID: "e2", Predicate: PredicateLocatedIn, ObjectID: "e3", Confidence: 0.5, EvidenceChunkIDs: []string{"ch2"}},
	}
	require.NoError(t, store.CommitDocument(ctx, g))

	// Depth 1 from e1 reaches only the direct relation.
	relations, err := store.GetRelations(ctx, "e1", 1)
	require.NoError(t, err)
	assert.Len(t, relations, 1)

	// Depth 2 picks up the second hop; confidence-desc ordering.
	relations, err = store.GetRelations(ctx, "e1", 2)
	require.NoError(t, err)
	require.Len(t, relations, 2)
	assert.Equal(t, PredicateAuthored, relations[0].Predicate)
	assert.Equal(t, PredicateLocatedIn, relations[1].Predicate)
}

func TestMemoryGraphStore_DeleteCascadeKeepsEntities(t *testing.T) {
	store := NewMemoryGraphStore()
	ctx := context.Background()

	require.NoError(t, store.CommitDocument(ctx, sampleDocGraph("d1")))
	require.NoError(t, store.CommitDocument(ctx, sampleDocGraph("d2")))

	require.NoError(t, store.DeleteDocumentCascade(ctx, "d1"))

	ok, err := store.HasDocument(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, ok)

	// The shared entity nodes remain reachable via the surviving document.
	entities, err := store.GetEntitiesByDoc(ctx, "d2")
	require.NoError(t, err)
	assert.Len(t, entities, 2)

	// Deleting an absent document reports not found.
	assert.ErrorIs(t, store.DeleteDocumentCascade(ctx, "d1"), ErrNotFound)
}

func TestMemoryGraphStore_Exports(t *testing.T) {
	store := NewMemoryGraphStore()
	ctx := context.Background()

	export := Export{
		ExportID:     "x1",
		SourceDocIDs: []string{"d1", "d2"},
		Format:       "video_script",
		Scenes: []Scene{
			{Ordinal: 0, Text: "Opening", SourceDocIDs: []string{"d1"}, SourceChunkIDs: []string{"ch1"}},
		},
		ModelsUsed: []string{"claude-3.5-sonnet"},
	}
	require.NoError(t, store.RecordExport(ctx, export))

	exports, err := store.GetExportsByDoc(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, exports, 1)
	assert.Equal(t, "x1", exports[0].ExportID)
	assert.False(t, exports[0].CreatedAt.IsZero())

	exports, err = store.GetExportsByDoc(ctx, "d9")
	require.NoError(t, err)
	assert.Empty(t, exports)
}
