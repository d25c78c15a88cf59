package transform

import (
	"strings"

	"github.com/citetrace-ai/citetrace/internal/storage"
)

const confRelation = 0.70

// relationCues maps connective phrases to predicates. The phrase must occur
// between the two entity mentions inside one sentence.
var relationCues = []struct {
	phrases   []string
	predicate string
	// subjectTypes / objectTypes constrain which entity types may fill each
	// slot; empty means any.
	subjectTypes []string
	objectTypes  []string
}{
	{
		phrases:      []string{"founded", "co-founded", "established", "launched"},
		predicate:    storage.PredicateFounded,
		subjectTypes: []string{TypePerson, TypeOrg},
		objectTypes:  []string{TypeOrg},
	},
	{
		phrases:      []string{"works at", "works for", "employed by", "joined", "is an engineer at", "is a researcher at"},
		predicate:    storage.PredicateEmployedBy,
		subjectTypes: []string{TypePerson},
		objectTypes:  []string{TypeOrg},
	},
	{
		phrases:      []string{"based in", "located in", "headquartered in"},
		predicate:    storage.PredicateLocatedIn,
		subjectTypes: []string{TypePerson, TypeOrg},
		objectTypes:  []string{TypeLoc},
	},
	{
		phrases:   []string{"cites", "cited", "references", "builds on"},
		predicate: storage.PredicateCites,
	},
	{
		phrases:      []string{"wrote", "authored", "co-authored", "published"},
		predicate:    storage.PredicateAuthored,
		subjectTypes: []string{TypePerson},
	},
}

// extractRelations emits (subject, predicate, object) tuples for entity
// mention pairs joined by a cue phrase within one sentence. Duplicate
// tuples collapse to one relation with the highest confidence seen.
func extractRelations(text string, mentions []Mention) []Relation {
	type tupleKey struct {
		subject   int
		predicate string
		object    int
	}
	seen := make(map[tupleKey]int)
	var relations []Relation

	for _, span := range sentenceSpans(text) {
		inSentence := mentionsInSpan(mentions, span[0], span[1])
		if len(inSentence) < 2 {
			continue
		}

		for i := 0; i < len(inSentence); i++ {
			for j := 0; j < len(inSentence); j++ {
				if i == j {
					continue
				}
				subj, obj := inSentence[i], inSentence[j]
				if subj.EntityIndex == obj.EntityIndex || subj.SpanEnd > obj.SpanStart {
					continue
				}
				between := strings.ToLower(text[subj.SpanEnd:obj.SpanStart])

				for _, cue := range relationCues {
					if !typeAllowed(cue.subjectTypes, subj.EntityType) || !typeAllowed(cue.objectTypes, obj.EntityType) {
						continue
					}
					if !containsAnyPhrase(between, cue.phrases) {
						continue
					}

					k := tupleKey{subject: subj.EntityIndex, predicate: cue.predicate, object: obj.EntityIndex}
					if idx, ok := seen[k]; ok {
						if confRelation > relations[idx].Confidence {
							relations[idx].Confidence = confRelation
						}
						continue
					}
					seen[k] = len(relations)
					relations = append(relations, Relation{
						SubjectIndex:  subj.EntityIndex,
						Predicate:     cue.predicate,
						ObjectIndex:   obj.EntityIndex,
						Confidence:    confRelation,
						EvidenceStart: span[0],
						EvidenceEnd:   span[1],
					})
				}
			}
		}
	}
	return relations
}

func mentionsInSpan(mentions []Mention, start, end int) []Mention {
	var out []Mention
	for _, m := range mentions {
		if m.SpanStart >= start && m.SpanEnd <= end {
			out = append(out, m)
		}
	}
	return out
}

func typeAllowed(allowed []string, entityType string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, t := range allowed {
		if t == entityType {
			return true
		}
	}
	return false
}

func containsAnyPhrase(haystack string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(haystack, p) {
			return true
		}
	}
	return false
}
