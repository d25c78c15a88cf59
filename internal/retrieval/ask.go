package retrieval

import (
	"context"
	"strconv"
	"strings"

	"github.com/citetrace-ai/citetrace/internal/domain"
	"github.com/citetrace-ai/citetrace/internal/llm"
	"github.com/citetrace-ai/citetrace/internal/observability"
	"github.com/citetrace-ai/citetrace/internal/storage"
)

const answerSystemPrompt = "You are a research assistant. Answer questions " +
	"strictly from the numbered sources provided, citing each claim with its " +
	"bracketed source index."

// Request is one answer request. TopK -1 selects the configured
// default; 0 explicitly asks for an answer with no sources. Page and
// PageSize are optional citation pagination; the answer is generated
// only from the selected page.
type Request struct {
	Query    string         `json:"query"`
	TopK     int            `json:"top_k"`
	Filters  map[string]any `json:"filters,omitempty"`
	Page     int            `json:"page,omitempty"`
	PageSize int            `json:"page_size,omitempty"`
	Explain  bool           `json:"explain,omitempty"`
}

// Response is a cited answer.
type Response struct {
	Answer         string          `json:"answer"`
	Citations      []Citation      `json:"citations"`
	TotalHits      int             `json:"total_hits"`
	TokensUsed     int             `json:"tokens_used,omitempty"`
	ReasoningGraph *ReasoningGraph `json:"reasoning_graph,omitempty"`
}

// ReasoningGraph is the provenance context behind an answer: the cited
// documents' entities that the answer text mentions by name, and the
// relations that connect them.
type ReasoningGraph struct {
	Entities  []storage.Entity   `json:"entities"`
	Relations []storage.Relation `json:"relations"`
}

// Asker runs the full query path: search, citation table, synthesis,
// validation.
type Asker struct {
	retriever *Retriever
	resolver  *Resolver
	completer llm.Completer
	graph     storage.GraphStore
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewAsker creates an asker. The completer may be nil, in which case
// answers are a stitched summary of the citation quotes.
func NewAsker(retriever *Retriever, resolver *Resolver, completer llm.Completer, graph storage.GraphStore, logger *observability.Logger, metrics *observability.Metrics) *Asker {
	return &Asker{
		retriever: retriever,
		resolver:  resolver,
		completer: completer,
		graph:     graph,
		logger:    logger,
		metrics:   metrics,
	}
}

// Ask answers a question from the corpus. Citations are numbered from 1
// within the selected page, and the answer text is validated against
// that numbering before it is returned.
func (a *Asker) Ask(ctx context.Context, req Request) (*Response, error) {
	hits, err := a.retriever.Search(ctx, req.Query, req.TopK, req.Filters)
	if err != nil {
		return nil, err
	}
	totalHits := len(hits)

	page := Paginate(hits, req.Page, req.PageSize)
	citations := a.resolver.BuildTable(page)

	if a.metrics != nil {
		a.metrics.QueriesServed.Inc()
	}

	if len(citations) == 0 {
		return &Response{Answer: NoSourcesAnswer, Citations: []Citation{}, TotalHits: totalHits}, nil
	}

	answer, tokens, err := a.synthesize(ctx, req.Query, citations)
	if err != nil {
		return nil, err
	}
	if err := a.resolver.ValidateAnswer(answer, len(citations)); err != nil {
		return nil, err
	}

	resp := &Response{
		Answer:     answer,
		Citations:  citations,
		TotalHits:  totalHits,
		TokensUsed: tokens,
	}
	if req.Explain && a.graph != nil {
		resp.ReasoningGraph = a.explain(ctx, answer, citations)
	}
	return resp, nil
}

func (a *Asker) synthesize(ctx context.Context, query string, citations []Citation) (string, int, error) {
	if a.completer == nil {
		return fallbackAnswer(citations), 0, nil
	}

	prompt := a.resolver.BuildPrompt(query, citations)
	completion, err := a.completer.Complete(ctx, []llm.Message{
		{Role: "system", Content: answerSystemPrompt},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return "", 0, domain.Internal("answer synthesis", err)
	}
	if a.metrics != nil {
		a.metrics.LLMCalls.WithLabelValues("answer").Inc()
	}
	return strings.TrimSpace(completion.Text), completion.TokensUsed, nil
}

// fallbackAnswer stitches the top quotes with their markers when no
// completion provider is configured.
func fallbackAnswer(citations []Citation) string {
	var b strings.Builder
	for i, c := range citations {
		if i >= 3 {
			break
		}
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(strings.TrimRight(c.Quote, "…. "))
		b.WriteString(". [")
		b.WriteString(strconv.Itoa(c.Index))
		b.WriteString("]")
	}
	return b.String()
}

// explain builds the reasoning subgraph behind an answer: the cited
// documents' entities whose names actually appear in the answer text,
// plus the relations connecting them. Failures degrade to a partial
// graph rather than failing the answer.
func (a *Asker) explain(ctx context.Context, answer string, citations []Citation) *ReasoningGraph {
	lowered := strings.ToLower(answer)
	seenDocs := make(map[string]bool)
	mentioned := make(map[string]bool)
	graph := &ReasoningGraph{}

	for _, c := range citations {
		if seenDocs[c.DocID] {
			continue
		}
		seenDocs[c.DocID] = true

		entities, err := a.graph.GetEntitiesByDoc(ctx, c.DocID)
		if err != nil {
			if a.logger != nil {
				a.logger.Warn().Err(err).Str("doc_id", c.DocID).Msg("Reasoning graph lookup failed")
			}
			continue
		}
		for _, e := range entities {
			if mentioned[e.EntityID] || !mentionedIn(lowered, e) {
				continue
			}
			mentioned[e.EntityID] = true
			graph.Entities = append(graph.Entities, e)
		}
	}

	// Relations enter only when both endpoints made it into the graph.
	for _, e := range graph.Entities {
		relations, err := a.graph.GetRelations(ctx, e.EntityID, 1)
		if err != nil {
			continue
		}
		connected := relations[:0:0]
		for _, r := range relations {
			if mentioned[r.SubjectID] && mentioned[r.ObjectID] {
				connected = append(connected, r)
			}
		}
		graph.Relations = mergeRelations(graph.Relations, connected)
	}
	return graph
}

// mentionedIn reports whether the entity's canonical name or one of
// its aliases occurs in the lowercased answer text.
func mentionedIn(lowered string, e storage.Entity) bool {
	if name := strings.ToLower(e.CanonicalName); name != "" && strings.Contains(lowered, name) {
		return true
	}
	for _, alias := range e.Aliases {
		if alias != "" && strings.Contains(lowered, strings.ToLower(alias)) {
			return true
		}
	}
	return false
}

func mergeRelations(have, more []storage.Relation) []storage.Relation {
	type key struct{ s, p, o string }
	seen := make(map[key]bool, len(have))
	for _, r := range have {
		seen[key{r.SubjectID, r.Predicate, r.ObjectID}] = true
	}
	for _, r := range more {
		k := key{r.SubjectID, r.Predicate, r.ObjectID}
		if !seen[k] {
			seen[k] = true
			have = append(have, r)
		}
	}
	return have
}
