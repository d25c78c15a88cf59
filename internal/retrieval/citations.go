package retrieval

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/citetrace-ai/citetrace/internal/domain"
	"github.com/citetrace-ai/citetrace/internal/storage"
)

// Citation is one numbered source in an answer. Indices start at 1 and
// are renumbered per results page, so the answer text and its citation
// table always agree.
type Citation struct {
	Index          int     `json:"index"`
	ChunkID        string  `json:"chunk_id"`
	DocID          string  `json:"doc_id"`
	URL            string  `json:"url"`
	Title          string  `json:"title"`
	Quote          string  `json:"quote"`
	ByteStart      int     `json:"byte_start"`
	ByteEnd        int     `json:"byte_end"`
	Tier           string  `json:"tier"`
	Score          float64 `json:"score"`
	SourceType     string  `json:"source_type"`
	PageNumber     *int    `json:"page_number,omitempty"`
	VideoID        string  `json:"video_id,omitempty"`
	TimestampStart string  `json:"timestamp_start,omitempty"`
	TimestampEnd   string  `json:"timestamp_end,omitempty"`
	Locator        string  `json:"locator,omitempty"`
}

// Resolver builds citation tables and validates answers against them.
type Resolver struct {
	quoteMaxChars int
}

// NewResolver creates a citation resolver. quoteMaxChars caps the
// verbatim quote carried per citation.
func NewResolver(quoteMaxChars int) *Resolver {
	if quoteMaxChars <= 0 {
		quoteMaxChars = 300
	}
	return &Resolver{quoteMaxChars: quoteMaxChars}
}

// BuildTable numbers the hits 1..N in their ranked order, carries each
// chunk's byte span in the transformed document, and attaches source
// locators: page numbers for PDFs, timestamp ranges for video.
func (r *Resolver) BuildTable(hits []storage.Hit) []Citation {
	citations := make([]Citation, len(hits))
	for i, hit := range hits {
		p := hit.Payload
		c := Citation{
			Index:          i + 1,
			ChunkID:        hit.ChunkID,
			DocID:          hit.DocID,
			URL:            p.URL,
			Title:          p.Title,
			Quote:          truncateQuote(p.Text, r.quoteMaxChars),
			ByteStart:      p.ByteStart,
			ByteEnd:        p.ByteEnd,
			Tier:           string(p.Tier),
			Score:          hit.Score,
			SourceType:     string(p.SourceType),
			PageNumber:     p.PageNumber,
			VideoID:        p.VideoID,
			TimestampStart: p.TimestampStart,
			TimestampEnd:   p.TimestampEnd,
		}
		switch p.SourceType {
		case storage.SourceTypePDF:
			if p.PageNumber != nil {
				c.Locator = fmt.Sprintf("p. %d", *p.PageNumber)
			}
		case storage.SourceTypeYouTube:
			if p.TimestampStart != "" {
				c.Locator = p.TimestampStart
				if p.TimestampEnd != "" {
					c.Locator += "-" + p.TimestampEnd
				}
			}
		}
		citations[i] = c
	}
	return citations
}

// BuildPrompt renders the synthesis prompt: the numbered sources, then
// the grounding rules, then the question. The model may only cite
// markers in [1..N].
func (r *Resolver) BuildPrompt(query string, citations []Citation) string {
	var b strings.Builder
	b.WriteString("Sources:\n\n")
	for _, c := range citations {
		fmt.Fprintf(&b, "[%d] %s", c.Index, c.Title)
		if c.Locator != "" {
			fmt.Fprintf(&b, " (%s)", c.Locator)
		}
		fmt.Fprintf(&b, "\n%s\n\n", c.Quote)
	}

	fmt.Fprintf(&b, `Rules:
(a) Answer using only the sources above.
(b) Mark every claim with the bracketed index of its supporting source, like [2].
(c) Only use indices 1 through %d. Never invent an index.
(d) If the sources do not answer the question, say so instead of guessing.

Question: %s`, len(citations), query)
	return b.String()
}

// NoSourcesAnswer is returned when retrieval produced nothing to cite.
const NoSourcesAnswer = "No sources were available to answer this question."

var citationMarkerRe = regexp.MustCompile(`\[(\d+)\]`)

// ValidateAnswer checks that every citation marker in the answer refers
// to a real source index. Markers inside fenced code blocks or quoted
// strings are verbatim source text, not citations, and are skipped.
func (r *Resolver) ValidateAnswer(answer string, numSources int) error {
	var invalid []int
	seen := make(map[int]bool)
	stripped := stripQuoted(stripFencedCode(answer))
	for _, match := range citationMarkerRe.FindAllStringSubmatch(stripped, -1) {
		idx, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		if (idx < 1 || idx > numSources) && !seen[idx] {
			seen[idx] = true
			invalid = append(invalid, idx)
		}
	}
	if len(invalid) == 0 {
		return nil
	}
	sort.Ints(invalid)
	return domain.CitationValidation(
		fmt.Sprintf("answer cites nonexistent sources %v (valid range 1-%d)", invalid, numSources), nil)
}

// stripFencedCode blanks out ``` fenced blocks, preserving offsets.
func stripFencedCode(text string) string {
	out := []byte(text)
	inFence := false
	lines := strings.SplitAfter(text, "\n")
	offset := 0
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		isFence := strings.HasPrefix(trimmed, "```")
		if inFence || isFence {
			for i := offset; i < offset+len(line); i++ {
				if out[i] != '\n' {
					out[i] = ' '
				}
			}
		}
		if isFence {
			inFence = !inFence
		}
		offset += len(line)
	}
	return string(out)
}

// stripQuoted blanks out text between paired double quotes, preserving
// offsets. An unmatched opening quote leaves its tail untouched.
func stripQuoted(text string) string {
	out := []byte(text)
	start := -1
	for i := 0; i < len(out); i++ {
		if out[i] != '"' {
			continue
		}
		if start < 0 {
			start = i
			continue
		}
		for j := start; j <= i; j++ {
			if out[j] != '\n' {
				out[j] = ' '
			}
		}
		start = -1
	}
	return string(out)
}

// truncateQuote caps a quote at max runes on a word boundary.
func truncateQuote(text string, max int) string {
	if utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	cut := max
	for cut > 0 && !isSpace(runes[cut-1]) {
		cut--
	}
	if cut == 0 {
		cut = max
	}
	return strings.TrimRight(string(runes[:cut]), " \t\n") + "…"
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n'
}
