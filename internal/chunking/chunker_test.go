package chunking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citetrace-ai/citetrace/internal/extract"
)

func TestChunker_ShortTextSingleChunk(t *testing.T) {
	c := NewChunker(1000, 200)
	chunks := c.Split("A short document.")

	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Ordinal)
	assert.Equal(t, 0, chunks[0].ByteStart)
	assert.Equal(t, len("A short document."), chunks[0].ByteEnd)
	assert.Equal(t, "A short document.", chunks[0].Text)
}

func TestChunker_EmptyText(t *testing.T) {
	assert.Empty(t, NewChunker(1000, 200).Split(""))
}

func TestChunker_CoverageAndOverlap(t *testing.T) {
	sentence := "The quick brown fox jumps over the lazy dog near the river bank. "
	text := strings.TrimSpace(strings.Repeat(sentence, 80)) // ~5200 chars

	c := NewChunker(1000, 200)
	chunks := c.Split(text)
	require.Greater(t, len(chunks), 3)

	for i, ch := range chunks {
		assert.Equal(t, i, ch.Ordinal)
		assert.Greater(t, ch.ByteEnd, ch.ByteStart)
		assert.Equal(t, text[ch.ByteStart:ch.ByteEnd], ch.Text)
	}

	// First chunk starts at zero, last ends at len(text), and consecutive
	// chunks overlap without gaps.
	assert.Equal(t, 0, chunks[0].ByteStart)
	assert.Equal(t, len(text), chunks[len(chunks)-1].ByteEnd)
	for i := 1; i < len(chunks); i++ {
		assert.LessOrEqual(t, chunks[i].ByteStart, chunks[i-1].ByteEnd, "gap before chunk %d", i)
		assert.Greater(t, chunks[i].ByteEnd, chunks[i-1].ByteEnd, "chunk %d does not advance", i)
	}
}

func TestChunker_SentenceBias(t *testing.T) {
	sentence := "Provenance tracking links every answer back to source bytes. "
	text := strings.TrimSpace(strings.Repeat(sentence, 40))

	chunks := NewChunker(1000, 200).Split(text)
	require.Greater(t, len(chunks), 1)

	// Non-final chunks should end right after a sentence terminator.
	for _, ch := range chunks[:len(chunks)-1] {
		last := ch.Text[len(ch.Text)-1]
		assert.Contains(t, []byte{'.', '!', '?', '\n'}, last,
			"chunk %d ends mid-sentence: %q", ch.Ordinal, ch.Text[len(ch.Text)-10:])
	}
}

func TestChunker_Deterministic(t *testing.T) {
	text := strings.Repeat("Deterministic identifiers make reingestion idempotent. ", 60)
	c := NewChunker(800, 160)
	assert.Equal(t, c.Split(text), c.Split(text))
}

func TestChunker_MultibyteRunes(t *testing.T) {
	text := strings.TrimSpace(strings.Repeat("Zürich häuft Ähnliches an. ", 100))
	chunks := NewChunker(500, 100).Split(text)
	require.NotEmpty(t, chunks)

	for _, ch := range chunks {
		// Offsets must land on rune boundaries.
		assert.Equal(t, text[ch.ByteStart:ch.ByteEnd], ch.Text)
		assert.True(t, len(ch.Text) > 0)
	}
}

func TestAnnotatePages(t *testing.T) {
	chunks := []Chunk{
		{Ordinal: 0, ByteStart: 0, ByteEnd: 90},
		{Ordinal: 1, ByteStart: 80, ByteEnd: 200},
	}
	AnnotatePages(chunks, []extract.PageSpan{
		{Page: 1, ByteStart: 0, ByteEnd: 100},
		{Page: 2, ByteStart: 100, ByteEnd: 250},
	})

	require.NotNil(t, chunks[0].PageNumber)
	assert.Equal(t, 1, *chunks[0].PageNumber)
	require.NotNil(t, chunks[1].PageNumber)
	assert.Equal(t, 1, *chunks[1].PageNumber) // starts on page 1 despite spilling over
}

func TestAnnotateTimestamps(t *testing.T) {
	chunks := []Chunk{
		{Ordinal: 0, ByteStart: 0, ByteEnd: 50},
		{Ordinal: 1, ByteStart: 40, ByteEnd: 100},
	}
	AnnotateTimestamps(chunks, []extract.TranscriptSpan{
		{ByteStart: 0, ByteEnd: 30, Start: "00:00:00", End: "00:00:10"},
		{ByteStart: 31, ByteEnd: 60, Start: "00:00:10", End: "00:00:25"},
		{ByteStart: 61, ByteEnd: 100, Start: "00:00:25", End: "00:00:40"},
	})

	assert.Equal(t, "00:00:00", chunks[0].TimestampStart)
	assert.Equal(t, "00:00:25", chunks[0].TimestampEnd)
	assert.Equal(t, "00:00:10", chunks[1].TimestampStart)
	assert.Equal(t, "00:00:40", chunks[1].TimestampEnd)
}
