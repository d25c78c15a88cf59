// Package transform derives summaries, typed entity mentions and relations
// from extracted text. Mentions carry byte spans into the normalized text so
// they can later be attributed to chunks.
package transform

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/jdkato/prose/v2"

	"github.com/citetrace-ai/citetrace/internal/domain"
	"github.com/citetrace-ai/citetrace/internal/llm"
	"github.com/citetrace-ai/citetrace/internal/observability"
)

// Entity type labels emitted by the mention extractor.
const (
	TypePerson = "PERSON"
	TypeOrg    = "ORG"
	TypeLoc    = "LOC"
	TypeDate   = "DATE"
	TypeLaw    = "LAW"
)

// Mention is one occurrence of an entity surface form in the text. Canonical
// is the surface form the mention resolves to; coreference resolution points
// pronouns and short forms at their antecedent's canonical form.
type Mention struct {
	Surface     string
	Canonical   string
	EntityType  string
	SpanStart   int // byte offset into the normalized text
	SpanEnd     int
	Confidence  float64
	EntityIndex int // index into Processed.Entities after linking
}

// Entity is a canonicalized referent the mentions resolve to.
type Entity struct {
	CanonicalName string
	EntityType    string
	Aliases       []string
	Confidence    float64
}

// Relation is a typed directed edge between two entities, with the byte span
// of the sentence that evidences it.
type Relation struct {
	SubjectIndex  int
	Predicate     string
	ObjectIndex   int
	Confidence    float64
	EvidenceStart int
	EvidenceEnd   int
}

// Processed is the Transform stage output.
type Processed struct {
	Summary   string
	KeyPoints []string
	Tags      []string
	Mentions  []Mention
	Entities  []Entity
	Relations []Relation
}

// Transformer runs the transform stage. The completer is optional; without
// it the summary, key points and tags fall back to extractive heuristics.
type Transformer struct {
	completer llm.Completer
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewTransformer creates a transformer.
func NewTransformer(completer llm.Completer, logger *observability.Logger, metrics *observability.Metrics) *Transformer {
	return &Transformer{completer: completer, logger: logger, metrics: metrics}
}

// Transform analyzes the text end to end.
func (t *Transformer) Transform(ctx context.Context, text string) (*Processed, error) {
	if strings.TrimSpace(text) == "" {
		return nil, domain.TransformError("empty text", nil)
	}

	doc, err := prose.NewDocument(text)
	if err != nil {
		return nil, domain.TransformError("NER tagging failed", err)
	}

	mentions := extractMentions(text, doc)
	mentions = resolveCoreferences(text, mentions)
	entities, mentions := linkEntities(mentions)
	relations := extractRelations(text, mentions)

	processed := &Processed{
		Mentions:  mentions,
		Entities:  entities,
		Relations: relations,
	}

	if err := t.enrich(ctx, text, processed); err != nil {
		// Summary enrichment is best effort; entity output stands on its own.
		if t.logger != nil {
			t.logger.Warn().Err(err).Msg("Summary enrichment failed, using extractive fallback")
		}
		t.fallbackEnrich(text, processed)
	}

	if t.logger != nil {
		t.logger.Debug().
			Int("mentions", len(processed.Mentions)).
			Int("entities", len(processed.Entities)).
			Int("relations", len(processed.Relations)).
			Msg("Transformed document")
	}
	return processed, nil
}

const enrichSystemPrompt = `You summarize documents for a research corpus.
Respond with exactly one JSON object and nothing else:
{"summary": "<2-3 sentences>", "key_points": ["..."], "tags": ["lowercase-tag", ...]}`

const enrichSampleLimit = 12000

type enrichResponse struct {
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"key_points"`
	Tags      []string `json:"tags"`
}

func (t *Transformer) enrich(ctx context.Context, text string, processed *Processed) error {
	if t.completer == nil {
		t.fallbackEnrich(text, processed)
		return nil
	}

	sample := text
	if len(sample) > enrichSampleLimit {
		sample = sample[:enrichSampleLimit]
	}
	completion, err := t.completer.Complete(ctx, []llm.Message{
		{Role: "system", Content: enrichSystemPrompt},
		{Role: "user", Content: sample},
	})
	if err != nil {
		return err
	}
	if t.metrics != nil {
		t.metrics.LLMCalls.WithLabelValues("transform").Inc()
	}

	start := strings.Index(completion.Text, "{")
	end := strings.LastIndex(completion.Text, "}")
	if start < 0 || end <= start {
		return domain.TransformError("enrichment response carries no JSON object", nil)
	}
	var parsed enrichResponse
	if err := json.Unmarshal([]byte(completion.Text[start:end+1]), &parsed); err != nil {
		return domain.TransformError("unparseable enrichment response", err)
	}

	processed.Summary = strings.TrimSpace(parsed.Summary)
	processed.KeyPoints = parsed.KeyPoints
	for _, tag := range parsed.Tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag != "" {
			processed.Tags = append(processed.Tags, tag)
		}
	}
	return nil
}

// fallbackEnrich builds an extractive summary from the leading sentences and
// tags from the most frequent entity names.
func (t *Transformer) fallbackEnrich(text string, processed *Processed) {
	sentences := sentenceSpans(text)

	var summary strings.Builder
	for i, span := range sentences {
		if i >= 3 || summary.Len() > 400 {
			break
		}
		if summary.Len() > 0 {
			summary.WriteByte(' ')
		}
		summary.WriteString(strings.TrimSpace(text[span[0]:span[1]]))
	}
	processed.Summary = summary.String()

	for i, span := range sentences {
		if i >= 5 {
			break
		}
		processed.KeyPoints = append(processed.KeyPoints, strings.TrimSpace(text[span[0]:span[1]]))
	}

	seen := make(map[string]bool)
	for _, ent := range processed.Entities {
		tag := strings.ToLower(ent.CanonicalName)
		if !seen[tag] && len(processed.Tags) < 8 {
			processed.Tags = append(processed.Tags, tag)
			seen[tag] = true
		}
	}
}
