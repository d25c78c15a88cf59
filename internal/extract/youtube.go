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

// TranscriptLine is one caption line as delivered by a transcript provider.
type TranscriptLine struct {
	Text  string
	Start string // "HH:MM:SS"
	End   string
}

// Transcript is the provider's view of a video.
type Transcript struct {
	VideoID     string
	Title       string
	Channel     string
	PublishedAt *time.Time
	Lines       []TranscriptLine
}

// TranscriptFetcher is the external transcript provider seam.
type TranscriptFetcher interface {
	Fetch(ctx context.Context, videoID string) (*Transcript, error)
}

// YouTubeExtractor assembles a transcript into normalized text while
// recording the byte range each caption line occupies, so chunks can carry
// timestamp ranges.
type YouTubeExtractor struct {
	fetcher TranscriptFetcher
}

// NewYouTubeExtractor creates a YouTube extractor over the given fetcher.
func NewYouTubeExtractor(fetcher TranscriptFetcher) *YouTubeExtractor {
	return &YouTubeExtractor{fetcher: fetcher}
}

// Extract fetches the transcript and flattens it into text plus spans.
func (e *YouTubeExtractor) Extract(ctx context.Context, sourceURL string) (*RawContent, error) {
	videoID, err := ParseVideoID(sourceURL)
	if err != nil {
		return nil, err
	}
	if e.fetcher == nil {
		return nil, domain.ExtractionPermanent("no transcript provider configured", nil)
	}

	transcript, err := e.fetcher.Fetch(ctx, videoID)
	if err != nil {
		return nil, domain.Classify(err)
	}
	if len(transcript.Lines) == 0 {
		return nil, domain.ExtractionPermanent(
			fmt.Sprintf("video %s has no transcript", videoID), nil)
	}

	var b strings.Builder
	spans := make([]TranscriptSpan, 0, len(transcript.Lines))
	for i, line := range transcript.Lines {
		text := strings.TrimSpace(line.Text)
		if text == "" {
			continue
		}
		if i > 0 && b.Len() > 0 {
			b.WriteByte('\n')
		}
		start := b.Len()
		b.WriteString(text)
		spans = append(spans, TranscriptSpan{
			ByteStart: start,
			ByteEnd:   b.Len(),
			Start:     line.Start,
			End:       line.End,
		})
	}

	return &RawContent{
		SourceURL:   sourceURL,
		SourceType:  storage.SourceTypeYouTube,
		Text:        b.String(),
		ContentType: "text/plain",
		Title:       transcript.Title,
		PublishedAt: transcript.PublishedAt,
		VideoID:     videoID,
		Channel:     transcript.Channel,
		Transcript:  spans,
	}, nil
}

// ParseVideoID extracts the video ID from a watch URL or a youtu.be link.
func ParseVideoID(sourceURL string) (string, error) {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return "", domain.InvalidInput(fmt.Sprintf("invalid URL %q", sourceURL), err)
	}
	host := strings.ToLower(u.Hostname())

	if host == "youtu.be" {
		id := strings.Trim(u.Path, "/")
		if id == "" {
			return "", domain.InvalidInput("youtu.be URL carries no video ID", nil)
		}
		return id, nil
	}

	if id := u.Query().Get("v"); id != "" {
		return id, nil
	}
	// Shorts and embeds carry the ID as the last path segment.
	for _, prefix := range []string{"/shorts/", "/embed/", "/live/"} {
		if strings.HasPrefix(u.Path, prefix) {
			id := strings.Trim(strings.TrimPrefix(u.Path, prefix), "/")
			if id != "" {
				return id, nil
			}
		}
	}
	return "", domain.InvalidInput(fmt.Sprintf("no video ID in URL %q", sourceURL), nil)
}

var _ Extractor = (*YouTubeExtractor)(nil)
