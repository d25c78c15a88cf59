// Package chunking slices normalized text into overlapping windows with
// byte-precise offsets, the retrieval unit of the engine.
package chunking

import (
	"github.com/citetrace-ai/citetrace/internal/extract"
)

// Chunk is one window over the document text. Byte offsets index the
// normalized UTF-8 text, not the original source bytes.
type Chunk struct {
	Ordinal   int
	Text      string
	ByteStart int
	ByteEnd   int

	// Filled by the annotators below for pdf / youtube sources.
	PageNumber     *int
	TimestampStart string
	TimestampEnd   string
}

// Chunker produces sliding-window chunks biased to sentence boundaries.
type Chunker struct {
	targetChars  int
	overlapChars int
}

// NewChunker creates a chunker. Zero values fall back to 1000/200.
func NewChunker(targetChars, overlapChars int) *Chunker {
	if targetChars <= 0 {
		targetChars = 1000
	}
	if overlapChars < 0 || overlapChars >= targetChars {
		overlapChars = targetChars / 5
	}
	return &Chunker{targetChars: targetChars, overlapChars: overlapChars}
}

// Split chunks the text. A text shorter than the target yields exactly one
// chunk spanning the whole input; an empty text yields none.
func (c *Chunker) Split(text string) []Chunk {
	if text == "" {
		return nil
	}

	// Byte offset of each rune, so windows are measured in characters but
	// recorded in bytes.
	offsets := runeOffsets(text)
	total := len(offsets) - 1 // rune count

	if total <= c.targetChars {
		return []Chunk{{
			Ordinal:   0,
			Text:      text,
			ByteStart: 0,
			ByteEnd:   len(text),
		}}
	}

	var chunks []Chunk
	start := 0
	for start < total {
		end := start + c.targetChars
		if end >= total {
			end = total
		} else {
			end = c.biasToSentenceEnd(text, offsets, start, end)
		}

		chunks = append(chunks, Chunk{
			Ordinal:   len(chunks),
			Text:      text[offsets[start]:offsets[end]],
			ByteStart: offsets[start],
			ByteEnd:   offsets[end],
		})

		if end >= total {
			break
		}
		next := end - c.overlapChars
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks
}

// biasToSentenceEnd pulls the window end back to just after the last sentence
// terminator, as long as that keeps at least half a window of text.
func (c *Chunker) biasToSentenceEnd(text string, offsets []int, start, end int) int {
	minEnd := start + c.targetChars/2
	for i := end - 1; i > minEnd; i-- {
		b := text[offsets[i]]
		if b != '.' && b != '!' && b != '?' && b != '\n' {
			continue
		}
		// Terminator must close a sentence, not an abbreviation mid-word.
		if b != '\n' && offsets[i+1] < len(text) {
			next := text[offsets[i+1]]
			if next != ' ' && next != '\n' {
				continue
			}
		}
		return i + 1
	}
	return end
}

func runeOffsets(text string) []int {
	offsets := make([]int, 0, len(text)+1)
	for i := range text {
		offsets = append(offsets, i)
	}
	return append(offsets, len(text))
}

// AnnotatePages stamps each chunk with the PDF page containing its first byte.
func AnnotatePages(chunks []Chunk, pages []extract.PageSpan) {
	for i := range chunks {
		for _, page := range pages {
			if chunks[i].ByteStart >= page.ByteStart && chunks[i].ByteStart < page.ByteEnd {
				p := page.Page
				chunks[i].PageNumber = &p
				break
			}
		}
	}
}

// AnnotateTimestamps stamps each chunk with the timestamp range of the
// transcript lines its byte range overlaps.
func AnnotateTimestamps(chunks []Chunk, transcript []extract.TranscriptSpan) {
	for i := range chunks {
		ch := &chunks[i]
		for _, span := range transcript {
			if span.ByteEnd <= ch.ByteStart || span.ByteStart >= ch.ByteEnd {
				continue
			}
			if ch.TimestampStart == "" {
				ch.TimestampStart = span.Start
			}
			ch.TimestampEnd = span.End
		}
	}
}
