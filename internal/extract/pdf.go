package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/citetrace-ai/citetrace/internal/domain"
	"github.com/citetrace-ai/citetrace/internal/storage"
)

const maxPDFBytes = 50 << 20

// ParsedPDF is the external parser's view of a document.
type ParsedPDF struct {
	Title       string
	Author      string
	PublishedAt *time.Time
	Pages       []string
}

// PDFParser is the external PDF parsing seam.
type PDFParser interface {
	Parse(ctx context.Context, data []byte) (*ParsedPDF, error)
}

// PDFExtractor fetches a PDF and flattens its pages into normalized text
// while recording the byte range each page occupies.
type PDFExtractor struct {
	httpClient *http.Client
	parser     PDFParser
}

// NewPDFExtractor creates a PDF extractor over the given parser.
func NewPDFExtractor(timeout time.Duration, parser PDFParser) *PDFExtractor {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &PDFExtractor{
		httpClient: &http.Client{Timeout: timeout},
		parser:     parser,
	}
}

// Extract fetches and parses the PDF.
func (e *PDFExtractor) Extract(ctx context.Context, sourceURL string) (*RawContent, error) {
	if e.parser == nil {
		return nil, domain.ExtractionPermanent("no PDF parser configured", nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, domain.InvalidInput(fmt.Sprintf("invalid URL %q", sourceURL), err)
	}
	req.Header.Set("User-Agent", webUserAgent)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.ExtractionTransient("fetch failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("fetch returned status %d", resp.StatusCode)
		if isTransientStatus(resp.StatusCode) {
			return nil, domain.ExtractionTransient(msg, nil)
		}
		return nil, domain.ExtractionPermanent(msg, nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPDFBytes))
	if err != nil {
		return nil, domain.ExtractionTransient("read response body", err)
	}

	parsed, err := e.parser.Parse(ctx, data)
	if err != nil {
		return nil, domain.Classify(err)
	}
	if len(parsed.Pages) == 0 {
		return nil, domain.ExtractionPermanent("PDF yielded no pages", nil)
	}

	var b strings.Builder
	spans := make([]PageSpan, 0, len(parsed.Pages))
	for i, page := range parsed.Pages {
		text := NormalizeWhitespace(page)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		start := b.Len()
		b.WriteString(text)
		spans = append(spans, PageSpan{
			Page:      i + 1,
			ByteStart: start,
			ByteEnd:   b.Len(),
		})
	}
	if b.Len() == 0 {
		return nil, domain.ExtractionPermanent("PDF yielded no extractable text", nil)
	}

	content := &RawContent{
		SourceURL:   sourceURL,
		SourceType:  storage.SourceTypePDF,
		Text:        b.String(),
		ContentType: "application/pdf",
		Title:       parsed.Title,
		PublishedAt: parsed.PublishedAt,
		Pages:       spans,
	}
	if parsed.Author != "" {
		author := parsed.Author
		content.Author = &author
	}
	return content, nil
}

var _ Extractor = (*PDFExtractor)(nil)
