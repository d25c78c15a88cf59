// Package extract fetches source content and normalizes it into UTF-8 text
// plus source metadata for the rest of the pipeline.
package extract

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/citetrace-ai/citetrace/internal/domain"
	"github.com/citetrace-ai/citetrace/internal/storage"
)

// TranscriptSpan locates one transcript line inside the normalized text.
type TranscriptSpan struct {
	ByteStart int
	ByteEnd   int
	Start     string // "HH:MM:SS"
	End       string
}

// PageSpan locates one PDF page inside the normalized text.
type PageSpan struct {
	Page      int
	ByteStart int
	ByteEnd   int
}

// RawContent is the output of the Extract stage: normalized text plus
// whatever source metadata the fetcher could recover.
type RawContent struct {
	SourceURL   string
	SourceType  storage.SourceType
	Text        string
	ContentType string
	Title       string
	Author      *string
	PublishedAt *time.Time

	// YouTube sources only.
	VideoID    string
	Channel    string
	Transcript []TranscriptSpan

	// PDF sources only.
	Pages []PageSpan
}

// Extractor fetches a URL of one source type and produces normalized content.
type Extractor interface {
	Extract(ctx context.Context, sourceURL string) (*RawContent, error)
}

// Registry selects an extractor by source type.
type Registry struct {
	extractors map[storage.SourceType]Extractor
}

// NewRegistry creates a registry over the given extractors.
func NewRegistry(extractors map[storage.SourceType]Extractor) *Registry {
	return &Registry{extractors: extractors}
}

// Extract detects the source type of the URL and dispatches to the matching
// extractor.
func (r *Registry) Extract(ctx context.Context, sourceURL string) (*RawContent, error) {
	sourceType := DetectSourceType(sourceURL)
	ex, ok := r.extractors[sourceType]
	if !ok {
		return nil, domain.ExtractionPermanent(
			fmt.Sprintf("no extractor registered for source type %q", sourceType), nil)
	}
	return ex.Extract(ctx, sourceURL)
}

// DetectSourceType classifies a URL as web, pdf or youtube.
func DetectSourceType(sourceURL string) storage.SourceType {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return storage.SourceTypeWeb
	}
	host := strings.ToLower(u.Hostname())
	if host == "youtu.be" || host == "youtube.com" || strings.HasSuffix(host, ".youtube.com") {
		return storage.SourceTypeYouTube
	}
	if strings.HasSuffix(strings.ToLower(u.Path), ".pdf") {
		return storage.SourceTypePDF
	}
	return storage.SourceTypeWeb
}

// NormalizeWhitespace collapses runs of spaces and blank lines so byte
// offsets computed over the result are stable across re-ingestion.
func NormalizeWhitespace(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = strings.TrimRight(collapseSpaces(line), " ")
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func collapseSpaces(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if r == ' ' || r == '\t' {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}
