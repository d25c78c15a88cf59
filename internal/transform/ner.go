package transform

import (
	"regexp"
	"sort"
	"strings"

	"github.com/jdkato/prose/v2"

	"github.com/citetrace-ai/citetrace/internal/identity"
)

// Confidence assigned per extraction source.
const (
	confStatistical = 0.85
	confPattern     = 0.75
	confDate        = 0.90
	confCoref       = 0.60
)

var (
	orgSuffixRe = regexp.MustCompile(`\b(?:[A-Z][\w&.-]*\s+)+(?:Inc\.?|Corp\.?|Corporation|Ltd\.?|LLC|GmbH|Company|University|Institute|Foundation|Laboratories|Labs|Agency|Association)\b`)
	dateRe      = regexp.MustCompile(`\b(?:January|February|March|April|May|June|July|August|September|October|November|December)\s+\d{1,2},\s+\d{4}\b|\b(?:19|20)\d{2}\b`)
	lawRe       = regexp.MustCompile(`\b(?:[A-Z][a-z]+\s+)+Act(?:\s+of\s+\d{4})?\b`)
	pronounRe   = regexp.MustCompile(`\b(?:[Hh]e|[Ss]he|[Tt]hey|[Hh]is|[Hh]er|[Tt]heir)\b`)
)

// extractMentions combines prose's statistical NER with pattern-based
// detection of organizations, dates and statutes. Spans are byte offsets.
func extractMentions(text string, doc *prose.Document) []Mention {
	var mentions []Mention

	// Statistical entities: prose labels PERSON and GPE.
	surfaces := make(map[string]string) // surface -> type
	for _, ent := range doc.Entities() {
		surface := strings.TrimSpace(ent.Text)
		if surface == "" {
			continue
		}
		switch ent.Label {
		case "PERSON":
			surfaces[surface] = TypePerson
		case "GPE":
			surfaces[surface] = TypeLoc
		}
	}
	for surface, entityType := range surfaces {
		for _, span := range findOccurrences(text, surface) {
			mentions = append(mentions, Mention{
				Surface:    surface,
				Canonical:  surface,
				EntityType: entityType,
				SpanStart:  span[0],
				SpanEnd:    span[1],
				Confidence: confStatistical,
			})
		}
	}

	mentions = append(mentions, patternMentions(text, orgSuffixRe, TypeOrg, confPattern)...)
	mentions = append(mentions, patternMentions(text, lawRe, TypeLaw, confPattern)...)
	mentions = append(mentions, patternMentions(text, dateRe, TypeDate, confDate)...)

	return dedupeMentions(mentions)
}

func patternMentions(text string, re *regexp.Regexp, entityType string, confidence float64) []Mention {
	var mentions []Mention
	for _, loc := range re.FindAllStringIndex(text, -1) {
		surface := strings.TrimSpace(text[loc[0]:loc[1]])
		// Leading articles are not part of the name.
		if rest, ok := strings.CutPrefix(surface, "The "); ok {
			loc[0] += len(surface) - len(rest)
			surface = rest
		}
		mentions = append(mentions, Mention{
			Surface:    surface,
			Canonical:  surface,
			EntityType: entityType,
			SpanStart:  loc[0],
			SpanEnd:    loc[0] + len(surface),
			Confidence: confidence,
		})
	}
	return mentions
}

// findOccurrences locates every word-bounded occurrence of surface in text.
func findOccurrences(text, surface string) [][2]int {
	var spans [][2]int
	for cursor := 0; cursor < len(text); {
		idx := strings.Index(text[cursor:], surface)
		if idx < 0 {
			break
		}
		start := cursor + idx
		end := start + len(surface)
		if isWordBoundary(text, start, end) {
			spans = append(spans, [2]int{start, end})
		}
		cursor = start + len(surface)
	}
	return spans
}

func isWordBoundary(text string, start, end int) bool {
	if start > 0 && isWordByte(text[start-1]) {
		return false
	}
	if end < len(text) && isWordByte(text[end]) {
		return false
	}
	return true
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// dedupeMentions sorts by span and drops mentions contained in an earlier,
// longer one. "Ada Lovelace" beats a nested "Ada".
func dedupeMentions(mentions []Mention) []Mention {
	sort.Slice(mentions, func(i, j int) bool {
		if mentions[i].SpanStart != mentions[j].SpanStart {
			return mentions[i].SpanStart < mentions[j].SpanStart
		}
		if mentions[i].SpanEnd != mentions[j].SpanEnd {
			return mentions[i].SpanEnd > mentions[j].SpanEnd
		}
		return mentions[i].Confidence > mentions[j].Confidence
	})

	var out []Mention
	lastEnd := -1
	for _, m := range mentions {
		if m.SpanStart < lastEnd {
			continue
		}
		out = append(out, m)
		lastEnd = m.SpanEnd
	}
	return out
}

// resolveCoreferences links pronouns and short forms to antecedents. A
// pronoun resolves to the nearest preceding PERSON (he/she/his/her) or
// PERSON/ORG (they/their) mention; a single-token mention whose surface
// equals the last token of an earlier multi-token mention of the same type
// adopts that mention's canonical form.
func resolveCoreferences(text string, mentions []Mention) []Mention {
	// Short forms first, so pronouns can land on the canonical name.
	for i := range mentions {
		m := &mentions[i]
		if strings.Contains(m.Surface, " ") {
			continue
		}
		for j := i - 1; j >= 0; j-- {
			prev := mentions[j]
			if prev.EntityType != m.EntityType || !strings.Contains(prev.Canonical, " ") {
				continue
			}
			tokens := strings.Fields(prev.Canonical)
			if strings.EqualFold(tokens[len(tokens)-1], m.Surface) || matchesAcronym(prev.Canonical, m.Surface) {
				m.Canonical = prev.Canonical
				break
			}
		}
	}

	// Pronouns become low-confidence mentions of their antecedent.
	var pronounMentions []Mention
	for _, loc := range pronounRe.FindAllStringIndex(text, -1) {
		surface := text[loc[0]:loc[1]]
		personal := true
		switch strings.ToLower(surface) {
		case "they", "their":
			personal = false
		}

		antecedent := nearestAntecedent(mentions, loc[0], personal)
		if antecedent == nil {
			continue
		}
		pronounMentions = append(pronounMentions, Mention{
			Surface:    surface,
			Canonical:  antecedent.Canonical,
			EntityType: antecedent.EntityType,
			SpanStart:  loc[0],
			SpanEnd:    loc[1],
			Confidence: confCoref,
		})
	}

	return dedupeMentions(append(mentions, pronounMentions...))
}

func nearestAntecedent(mentions []Mention, before int, personalOnly bool) *Mention {
	var best *Mention
	for i := range mentions {
		m := &mentions[i]
		if m.SpanEnd > before {
			continue
		}
		if personalOnly && m.EntityType != TypePerson {
			continue
		}
		if !personalOnly && m.EntityType != TypePerson && m.EntityType != TypeOrg {
			continue
		}
		if best == nil || m.SpanEnd > best.SpanEnd {
			best = m
		}
	}
	return best
}

func matchesAcronym(name, candidate string) bool {
	tokens := strings.Fields(name)
	if len(tokens) < 2 || len(candidate) != len(tokens) {
		return false
	}
	for i, tok := range tokens {
		if !strings.EqualFold(string(tok[0]), string(candidate[i])) {
			return false
		}
	}
	return true
}

// linkEntities groups mentions into entities keyed by normalized canonical
// name and type, recording distinct surface forms as aliases.
func linkEntities(mentions []Mention) ([]Entity, []Mention) {
	type key struct {
		name string
		typ  string
	}
	index := make(map[key]int)
	var entities []Entity

	for i := range mentions {
		m := &mentions[i]
		k := key{name: identity.NormalizeName(m.Canonical), typ: m.EntityType}

		idx, ok := index[k]
		if !ok {
			idx = len(entities)
			index[k] = idx
			entities = append(entities, Entity{
				CanonicalName: m.Canonical,
				EntityType:    m.EntityType,
				Confidence:    m.Confidence,
			})
		}
		m.EntityIndex = idx

		ent := &entities[idx]
		if m.Confidence > ent.Confidence {
			ent.Confidence = m.Confidence
		}
		if !strings.EqualFold(m.Surface, ent.CanonicalName) && !containsFold(ent.Aliases, m.Surface) {
			ent.Aliases = append(ent.Aliases, m.Surface)
		}
	}
	return entities, mentions
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// sentenceSpans returns the byte span of each sentence, split on
// terminators followed by whitespace.
func sentenceSpans(text string) [][2]int {
	var spans [][2]int
	start := 0
	for i := 0; i < len(text); i++ {
		b := text[i]
		if b != '.' && b != '!' && b != '?' && b != '\n' {
			continue
		}
		if b != '\n' && i+1 < len(text) && text[i+1] != ' ' && text[i+1] != '\n' {
			continue
		}
		if i+1 > start && strings.TrimSpace(text[start:i+1]) != "" {
			spans = append(spans, [2]int{start, i + 1})
		}
		start = i + 1
	}
	if start < len(text) && strings.TrimSpace(text[start:]) != "" {
		spans = append(spans, [2]int{start, len(text)})
	}
	return spans
}
