// Package screening scores extracted content for quality and decides whether
// it enters the corpus. Decisions are cached by content hash so the same text
// published at multiple URLs is screened once.
package screening

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/citetrace-ai/citetrace/internal/cache"
	"github.com/citetrace-ai/citetrace/internal/domain"
	"github.com/citetrace-ai/citetrace/internal/llm"
	"github.com/citetrace-ai/citetrace/internal/observability"
	"github.com/citetrace-ai/citetrace/internal/storage"
)

// Decision is the screening verdict.
type Decision string

const (
	DecisionAccept Decision = "ACCEPT"
	DecisionReject Decision = "REJECT"
	DecisionMaybe  Decision = "MAYBE"
)

// Result is a screening outcome. The JSON form is what gets cached.
type Result struct {
	QualityScore float64  `json:"quality_score"`
	Decision     Decision `json:"decision"`
	Reasoning    string   `json:"reasoning"`
	TokensUsed   int      `json:"tokens_used"`
	Cost         float64  `json:"cost"`
	FromCache    bool     `json:"-"`
}

// TierThresholds holds the minimum score for each quality tier.
type TierThresholds struct {
	A float64
	B float64
	C float64
}

// Config holds screener settings.
type Config struct {
	CacheTTL       time.Duration
	Thresholds     TierThresholds
	CostPerKTokens float64
}

// Screener runs the quality screen against the LLM with a cache in front.
type Screener struct {
	completer llm.Completer
	cache     cache.Client
	cfg       Config
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewScreener creates a screener. The cache may be nil, in which case every
// call reaches the LLM.
func NewScreener(completer llm.Completer, cacheClient cache.Client, cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Screener {
	if cfg.Thresholds == (TierThresholds{}) {
		cfg.Thresholds = TierThresholds{A: 9.0, B: 7.0, C: 5.0}
	}
	return &Screener{
		completer: completer,
		cache:     cacheClient,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
	}
}

// ContentHash returns the SHA-256 hex digest of the normalized text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Screen scores the text, consulting the cache first.
func (s *Screener) Screen(ctx context.Context, text string) (*Result, error) {
	hash := ContentHash(text)
	key := cache.ScreeningKey(hash)

	if s.cache != nil {
		if data, err := s.cache.Get(ctx, key); err == nil {
			var cached Result
			if err := json.Unmarshal(data, &cached); err == nil {
				cached.FromCache = true
				s.countCache("hit")
				return &cached, nil
			}
		} else if !errors.Is(err, cache.ErrCacheMiss) && s.logger != nil {
			s.logger.Warn().Err(err).Msg("Screening cache read failed")
		}
		s.countCache("miss")
	}

	// Without a completer everything passes at the C threshold, so
	// ingestion keeps working in degraded deployments.
	if s.completer == nil {
		return &Result{
			QualityScore: s.cfg.Thresholds.C,
			Decision:     DecisionAccept,
			Reasoning:    "screening disabled: no completion provider configured",
		}, nil
	}

	result, err := s.callLLM(ctx, text)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if data, err := json.Marshal(result); err == nil {
			if err := s.cache.Set(ctx, key, data, s.cfg.CacheTTL); err != nil && s.logger != nil {
				s.logger.Warn().Err(err).Msg("Screening cache write failed")
			}
		}
	}
	return result, nil
}

// TierFor maps a screening result to a quality tier. Rejected content has
// no tier.
func (s *Screener) TierFor(result *Result) storage.Tier {
	if result.Decision == DecisionReject {
		return storage.TierNone
	}
	return storage.TierForScore(result.QualityScore, s.cfg.Thresholds.A, s.cfg.Thresholds.B, s.cfg.Thresholds.C)
}

func (s *Screener) callLLM(ctx context.Context, text string) (*Result, error) {
	completion, err := s.completer.Complete(ctx, []llm.Message{
		{Role: "system", Content: screeningSystemPrompt},
		{Role: "user", Content: buildScreeningPrompt(text)},
	})
	if err != nil {
		return nil, err
	}

	result, err := parseScreeningResponse(completion.Text)
	if err != nil {
		return nil, err
	}
	result.TokensUsed = completion.TokensUsed
	result.Cost = float64(completion.TokensUsed) / 1000.0 * s.cfg.CostPerKTokens

	if s.metrics != nil {
		s.metrics.LLMCalls.WithLabelValues("screening").Inc()
	}
	if s.logger != nil {
		s.logger.Debug().
			Float64("quality_score", result.QualityScore).
			Str("decision", string(result.Decision)).
			Int("tokens_used", result.TokensUsed).
			Msg("Screened content")
	}
	return result, nil
}

func (s *Screener) countCache(outcome string) {
	if s.metrics != nil {
		s.metrics.ScreeningCache.WithLabelValues(outcome).Inc()
	}
}

const screeningSystemPrompt = `You are a content quality screener for a research corpus.
Rate the provided text for factual density, clarity, and citation-worthiness.
Respond with exactly one JSON object and nothing else:
{"quality_score": <number 0-10>, "decision": "ACCEPT"|"REJECT"|"MAYBE", "reasoning": "<one sentence>"}`

// screeningSampleLimit bounds how much text is sent to the screener.
const screeningSampleLimit = 8000

func buildScreeningPrompt(text string) string {
	sample := text
	if len(sample) > screeningSampleLimit {
		sample = sample[:screeningSampleLimit]
	}
	return fmt.Sprintf("Screen the following content:\n\n%s", sample)
}

type screeningResponse struct {
	QualityScore float64 `json:"quality_score"`
	Decision     string  `json:"decision"`
	Reasoning    string  `json:"reasoning"`
}

// parseScreeningResponse extracts the JSON object from the completion text.
// Malformed output is a transient error so the job can retry.
func parseScreeningResponse(text string) (*Result, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, domain.ScreeningError("screening response carries no JSON object", nil)
	}

	var parsed screeningResponse
	if err := json.Unmarshal([]byte(text[start:end+1]), &parsed); err != nil {
		return nil, domain.ScreeningError("unparseable screening response", err)
	}

	score := parsed.QualityScore
	if score < 0 {
		score = 0
	}
	if score > 10 {
		score = 10
	}

	decision := Decision(strings.ToUpper(strings.TrimSpace(parsed.Decision)))
	switch decision {
	case DecisionAccept, DecisionReject, DecisionMaybe:
	default:
		return nil, domain.ScreeningError(
			fmt.Sprintf("unknown screening decision %q", parsed.Decision), nil)
	}

	return &Result{
		QualityScore: score,
		Decision:     decision,
		Reasoning:    strings.TrimSpace(parsed.Reasoning),
	}, nil
}
