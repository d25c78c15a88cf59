package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"

	"github.com/citetrace-ai/citetrace/internal/domain"
	"github.com/citetrace-ai/citetrace/internal/observability"
	"github.com/citetrace-ai/citetrace/internal/storage"
)

const webUserAgent = "citetrace/1.0 (+https://github.com/citetrace-ai/citetrace)"

// maxWebBodyBytes bounds how much of a response body is read.
const maxWebBodyBytes = 10 << 20

// WebExtractor fetches an HTML page, prunes boilerplate with readability and
// converts the article body to plain text via markdown.
type WebExtractor struct {
	httpClient *http.Client
	logger     *observability.Logger
}

// NewWebExtractor creates a web extractor with the given fetch timeout.
func NewWebExtractor(timeout time.Duration, logger *observability.Logger) *WebExtractor {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &WebExtractor{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Extract fetches the page and returns its normalized text and metadata.
func (e *WebExtractor) Extract(ctx context.Context, sourceURL string) (*RawContent, error) {
	pageURL, err := url.Parse(sourceURL)
	if err != nil {
		return nil, domain.InvalidInput(fmt.Sprintf("invalid URL %q", sourceURL), err)
	}

	body, contentType, err := e.fetch(ctx, sourceURL)
	if err != nil {
		return nil, err
	}

	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err != nil {
		return nil, domain.ExtractionPermanent("readability parse failed", err)
	}

	markdown, err := md.NewConverter("", true, nil).ConvertString(article.Content)
	if err != nil {
		// Fall back to readability's own text extraction.
		markdown = article.TextContent
	}

	text := NormalizeWhitespace(markdown)
	if text == "" {
		return nil, domain.ExtractionPermanent("page yielded no extractable text", nil)
	}

	content := &RawContent{
		SourceURL:   sourceURL,
		SourceType:  storage.SourceTypeWeb,
		Text:        text,
		ContentType: contentType,
		Title:       article.Title,
	}
	if article.Byline != "" {
		byline := article.Byline
		content.Author = &byline
	}
	e.fillMetaTags(body, content)

	if e.logger != nil {
		e.logger.Debug().
			Str("url", sourceURL).
			Str("title", content.Title).
			Int("text_bytes", len(text)).
			Msg("Extracted web page")
	}
	return content, nil
}

// fetch performs the HTTP GET and classifies failures per the error taxonomy.
func (e *WebExtractor) fetch(ctx context.Context, sourceURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, "", domain.InvalidInput(fmt.Sprintf("invalid URL %q", sourceURL), err)
	}
	req.Header.Set("User-Agent", webUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", domain.ExtractionTransient("fetch failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("fetch returned status %d", resp.StatusCode)
		if isTransientStatus(resp.StatusCode) {
			return nil, "", domain.ExtractionTransient(msg, nil)
		}
		return nil, "", domain.ExtractionPermanent(msg, nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebBodyBytes))
	if err != nil {
		return nil, "", domain.ExtractionTransient("read response body", err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// fillMetaTags recovers author and published_at from meta tags when
// readability could not.
func (e *WebExtractor) fillMetaTags(body []byte, content *RawContent) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return
	}

	if content.Title == "" {
		if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok && og != "" {
			content.Title = og
		} else {
			content.Title = strings.TrimSpace(doc.Find("title").First().Text())
		}
	}

	if content.Author == nil {
		if author, ok := doc.Find(`meta[name="author"]`).Attr("content"); ok && author != "" {
			content.Author = &author
		}
	}

	if content.PublishedAt == nil {
		for _, sel := range []string{
			`meta[property="article:published_time"]`,
			`meta[name="date"]`,
			`meta[itemprop="datePublished"]`,
		} {
			raw, ok := doc.Find(sel).Attr("content")
			if !ok || raw == "" {
				continue
			}
			if t, err := parseMetaTime(raw); err == nil {
				content.PublishedAt = &t
				break
			}
		}
	}
}

func parseMetaTime(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", raw)
}

func isTransientStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

var _ Extractor = (*WebExtractor)(nil)
