package transform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citetrace-ai/citetrace/internal/storage"
)

func TestPatternMentions_Organizations(t *testing.T) {
	text := "Acme Corp announced a partnership with Stanford University yesterday."
	mentions := patternMentions(text, orgSuffixRe, TypeOrg, confPattern)

	require.Len(t, mentions, 2)
	assert.Equal(t, "Acme Corp", mentions[0].Surface)
	assert.Equal(t, "Stanford University", mentions[1].Surface)
	for _, m := range mentions {
		assert.Equal(t, m.Surface, text[m.SpanStart:m.SpanEnd])
		assert.Equal(t, TypeOrg, m.EntityType)
	}
}

func TestPatternMentions_DatesAndLaws(t *testing.T) {
	text := "The Data Protection Act of 2018 took effect on May 25, 2018."

	laws := patternMentions(text, lawRe, TypeLaw, confPattern)
	require.Len(t, laws, 1)
	assert.Equal(t, "Data Protection Act of 2018", laws[0].Surface)

	dates := patternMentions(text, dateRe, TypeDate, confDate)
	require.NotEmpty(t, dates)
	assert.Equal(t, "May 25, 2018", dates[len(dates)-1].Surface)
}

func TestDedupeMentions_PrefersLongerSpan(t *testing.T) {
	mentions := dedupeMentions([]Mention{
		{Surface: "Ada", SpanStart: 0, SpanEnd: 3, EntityType: TypePerson},
		{Surface: "Ada Lovelace", SpanStart: 0, SpanEnd: 12, EntityType: TypePerson},
		{Surface: "London", SpanStart: 20, SpanEnd: 26, EntityType: TypeLoc},
	})

	require.Len(t, mentions, 2)
	assert.Equal(t, "Ada Lovelace", mentions[0].Surface)
	assert.Equal(t, "London", mentions[1].Surface)
}

func TestResolveCoreferences_Pronoun(t *testing.T) {
	text := "Ada Lovelace wrote the first program. She collaborated with peers."
	mentions := []Mention{
		{Surface: "Ada Lovelace", Canonical: "Ada Lovelace", EntityType: TypePerson, SpanStart: 0, SpanEnd: 12, Confidence: confStatistical},
	}

	resolved := resolveCoreferences(text, mentions)
	require.Len(t, resolved, 2)

	pronoun := resolved[1]
	assert.Equal(t, "She", pronoun.Surface)
	assert.Equal(t, "Ada Lovelace", pronoun.Canonical)
	assert.Equal(t, TypePerson, pronoun.EntityType)
	assert.InDelta(t, confCoref, pronoun.Confidence, 0.001)
}

func TestResolveCoreferences_ShortForm(t *testing.T) {
	text := "Ada Lovelace pioneered computing. Lovelace annotated the engine."
	mentions := []Mention{
		{Surface: "Ada Lovelace", Canonical: "Ada Lovelace", EntityType: TypePerson, SpanStart: 0, SpanEnd: 12, Confidence: confStatistical},
		{Surface: "Lovelace", Canonical: "Lovelace", EntityType: TypePerson, SpanStart: 34, SpanEnd: 42, Confidence: confStatistical},
	}

	resolved := resolveCoreferences(text, mentions)
	assert.Equal(t, "Ada Lovelace", resolved[1].Canonical)
}

func TestLinkEntities_MergesByCanonicalName(t *testing.T) {
	mentions := []Mention{
		{Surface: "Ada Lovelace", Canonical: "Ada Lovelace", EntityType: TypePerson, Confidence: 0.85},
		{Surface: "Lovelace", Canonical: "Ada Lovelace", EntityType: TypePerson, Confidence: 0.85},
		{Surface: "ada lovelace", Canonical: "ada lovelace", EntityType: TypePerson, Confidence: 0.60},
		{Surface: "London", Canonical: "London", EntityType: TypeLoc, Confidence: 0.85},
	}

	entities, linked := linkEntities(mentions)
	require.Len(t, entities, 2)

	person := entities[0]
	assert.Equal(t, "Ada Lovelace", person.CanonicalName)
	assert.Contains(t, person.Aliases, "Lovelace")
	assert.InDelta(t, 0.85, person.Confidence, 0.001)

	// All three person mentions point at the same entity index.
	assert.Equal(t, linked[0].EntityIndex, linked[1].EntityIndex)
	assert.Equal(t, linked[0].EntityIndex, linked[2].EntityIndex)
	assert.NotEqual(t, linked[0].EntityIndex, linked[3].EntityIndex)
}

func TestExtractRelations(t *testing.T) {
	text := "Grace Hopper joined Remington Rand Corp in 1949. Remington Rand Corp was headquartered in New York."
	mentions := []Mention{
		{Surface: "Grace Hopper", Canonical: "Grace Hopper", EntityType: TypePerson, SpanStart: 0, SpanEnd: 12, EntityIndex: 0},
		{Surface: "Remington Rand Corp", Canonical: "Remington Rand Corp", EntityType: TypeOrg, SpanStart: 20, SpanEnd: 39, EntityIndex: 1},
		{Surface: "Remington Rand Corp", Canonical: "Remington Rand Corp", EntityType: TypeOrg, SpanStart: 49, SpanEnd: 68, EntityIndex: 1},
		{Surface: "New York", Canonical: "New York", EntityType: TypeLoc, SpanStart: 90, SpanEnd: 98, EntityIndex: 2},
	}

	relations := extractRelations(text, mentions)
	require.Len(t, relations, 2)

	assert.Equal(t, storage.PredicateEmployedBy, relations[0].Predicate)
	assert.Equal(t, 0, relations[0].SubjectIndex)
	assert.Equal(t, 1, relations[0].ObjectIndex)

	assert.Equal(t, storage.PredicateLocatedIn, relations[1].Predicate)
	assert.Equal(t, 1, relations[1].SubjectIndex)
	assert.Equal(t, 2, relations[1].ObjectIndex)

	// Evidence spans cover the supporting sentence.
	for _, rel := range relations {
		assert.Less(t, rel.EvidenceStart, rel.EvidenceEnd)
		assert.LessOrEqual(t, rel.EvidenceEnd, len(text))
	}
}

func TestSentenceSpans(t *testing.T) {
	text := "First sentence. Second one! Third?\nFourth without terminator"
	spans := sentenceSpans(text)

	require.Len(t, spans, 4)
	assert.Equal(t, "First sentence.", text[spans[0][0]:spans[0][1]])
	assert.Equal(t, "Fourth without terminator", text[spans[3][0]:spans[3][1]])
}

func TestTransformer_EndToEnd_NoLLM(t *testing.T) {
	text := "Acme Corp builds developer tools. Acme Corp was founded by engineers in 2015. " +
		"The company is headquartered in Berlin and ships a popular profiler."

	tr := NewTransformer(nil, nil, nil)
	processed, err := tr.Transform(context.Background(), text)
	require.NoError(t, err)

	assert.NotEmpty(t, processed.Summary)
	assert.NotEmpty(t, processed.KeyPoints)

	var foundOrg bool
	for _, ent := range processed.Entities {
		if ent.CanonicalName == "Acme Corp" {
			foundOrg = true
		}
	}
	assert.True(t, foundOrg, "expected Acme Corp entity, got %+v", processed.Entities)

	for _, m := range processed.Mentions {
		assert.Equal(t, m.Surface, text[m.SpanStart:m.SpanEnd])
	}
}

func TestTransformer_EmptyText(t *testing.T) {
	tr := NewTransformer(nil, nil, nil)
	_, err := tr.Transform(context.Background(), "   ")
	assert.Error(t, err)
}
