package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Entity is a canonicalized real-world referent. Deterministic entity
// IDs make MERGE an upsert: concurrent ingests of the same name and
// type land on one node.
type Entity struct {
	EntityID      string   `json:"entity_id"`
	CanonicalName string   `json:"canonical_name"`
	Aliases       []string `json:"aliases,omitempty"`
	EntityType    string   `json:"entity_type"`
	Confidence    float64  `json:"confidence"`
}

// Mention is an occurrence of an entity surface form inside a chunk.
type Mention struct {
	MentionID  string  `json:"mention_id"`
	ChunkID    string  `json:"chunk_id"`
	EntityID   string  `json:"entity_id"`
	EntityType string  `json:"entity_type"`
	Surface    string  `json:"surface_text"`
	SpanStart  int     `json:"span_start"`
	SpanEnd    int     `json:"span_end"`
	Confidence float64 `json:"confidence"`
}

// Relation is a typed directed edge between two entities, supported by
// chunk evidence.
type Relation struct {
	SubjectID        string   `json:"subject_entity_id"`
	Predicate        string   `json:"predicate"`
	ObjectID         string   `json:"object_entity_id"`
	Confidence       float64  `json:"confidence"`
	EvidenceChunkIDs []string `json:"evidence_chunk_ids"`
}

// Known relation predicates. Extraction may emit others; these are the
// common vocabulary.
const (
	PredicateEmployedBy = "EMPLOYED_BY"
	PredicateFounded    = "FOUNDED"
	PredicateCites      = "CITES"
	PredicateLocatedIn  = "LOCATED_IN"
	PredicateAuthored   = "AUTHORED"
)

// Scene is one attributable unit of a generated artifact.
type Scene struct {
	Ordinal        int      `json:"ordinal"`
	Text           string   `json:"text"`
	SourceDocIDs   []string `json:"source_doc_ids"`
	SourceChunkIDs []string `json:"source_chunk_ids"`
}

// Export is a downstream generated artifact with scene-level attribution.
type Export struct {
	ExportID     string    `json:"export_id"`
	SourceDocIDs []string  `json:"source_doc_ids"`
	Format       string    `json:"format"`
	Scenes       []Scene   `json:"scenes"`
	ModelsUsed   []string  `json:"models_used"`
	CreatedAt    time.Time `json:"created_at"`
}

// DocGraph is the subgraph committed for one ingested document: the
// Document node, its chunks with HAS_CHUNK edges, entities, mention
// edges, and entity-to-entity relations.
type DocGraph struct {
	DocID     string
	Title     string
	SourceURL string
	Tier      Tier
	ChunkIDs  []string // ordinal order
	Entities  []Entity
	Mentions  []Mention
	Relations []Relation
}

// GraphStore is the property graph backend. CommitDocument is the
// atomic "commit marker" for a document's provenance: a document with
// no graph node is treated as not fully ingested.
type GraphStore interface {
	CommitDocument(ctx context.Context, g DocGraph) error
	HasDocument(ctx context.Context, docID string) (bool, error)
	GetEntitiesByDoc(ctx context.Context, docID string) ([]Entity, error)
	GetMentionsByChunk(ctx context.Context, chunkID string) ([]Mention, error)
	GetRelations(ctx context.Context, entityID string, depth int) ([]Relation, error)
	DeleteDocumentCascade(ctx context.Context, docID string) error
	RecordExport(ctx context.Context, export Export) error
	GetExportsByDoc(ctx context.Context, docID string) ([]Export, error)
	Close() error
}

// MemoryGraphStore is an in-process adjacency store with MERGE
// semantics, used in development and tests. Nodes live in flat maps
// keyed by ID; edges carry endpoint IDs, never pointers.
type MemoryGraphStore struct {
	mu        sync.RWMutex
	docs      map[string]*docNode
	entities  map[string]*Entity
	relations map[relKey]*Relation
	exports   map[string]*Export
}

type docNode struct {
	graph       DocGraph
	committedAt time.Time
}

type relKey struct {
	subject   string
	predicate string
	object    string
}

// NewMemoryGraphStore creates an empty in-process graph store.
func NewMemoryGraphStore() *MemoryGraphStore {
	return &MemoryGraphStore{
		docs:      make(map[string]*docNode),
		entities:  make(map[string]*Entity),
		relations: make(map[relKey]*Relation),
		exports:   make(map[string]*Export),
	}
}

// CommitDocument merges the document subgraph. Re-committing the same
// document replaces its chunk and mention edges; entities merge by
// unioning aliases, relations merge by averaging confidence and
// unioning evidence.
func (m *MemoryGraphStore) CommitDocument(ctx context.Context, g DocGraph) error {
	if g.DocID == "" {
		return fmt.Errorf("doc graph has no doc_id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range g.Entities {
		m.mergeEntityLocked(e)
	}

	for _, r := range g.Relations {
		m.mergeRelationLocked(r)
	}

	m.docs[g.DocID] = &docNode{graph: g, committedAt: time.Now().UTC()}
	return nil
}

func (m *MemoryGraphStore) mergeEntityLocked(e Entity) {
	existing, ok := m.entities[e.EntityID]
	if !ok {
		copied := e
		copied.Aliases = append([]string(nil), e.Aliases...)
		m.entities[e.EntityID] = &copied
		return
	}

	// Merge: union aliases, keep the higher confidence. Canonical name
	// and type are fixed by the entity ID derivation.
	existing.Aliases = unionStrings(existing.Aliases, e.Aliases)
	if e.Confidence > existing.Confidence {
		existing.Confidence = e.Confidence
	}
}

func (m *MemoryGraphStore) mergeRelationLocked(r Relation) {
	key := relKey{subject: r.SubjectID, predicate: r.Predicate, object: r.ObjectID}
	existing, ok := m.relations[key]
	if !ok {
		copied := r
		copied.EvidenceChunkIDs = append([]string(nil), r.EvidenceChunkIDs...)
		m.relations[key] = &copied
		return
	}

	// Duplicate ingest averages confidence and unions evidence.
	existing.Confidence = (existing.Confidence + r.Confidence) / 2
	existing.EvidenceChunkIDs = unionStrings(existing.EvidenceChunkIDs, r.EvidenceChunkIDs)
}

// HasDocument reports whether the commit marker exists for a document.
func (m *MemoryGraphStore) HasDocument(ctx context.Context, docID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.docs[docID]
	return ok, nil
}

// GetEntitiesByDoc returns the entities mentioned in a document,
// ordered by confidence descending then ID.
func (m *MemoryGraphStore) GetEntitiesByDoc(ctx context.Context, docID string) ([]Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[docID]
	if !ok {
		return nil, ErrNotFound
	}

	seen := make(map[string]struct{})
	var entities []Entity
	for _, mention := range doc.graph.Mentions {
		if _, dup := seen[mention.EntityID]; dup {
			continue
		}
		seen[mention.EntityID] = struct{}{}
		if e, ok := m.entities[mention.EntityID]; ok {
			entities = append(entities, *e)
		}
	}

	sort.Slice(entities, func(i, j int) bool {
		if entities[i].Confidence != entities[j].Confidence {
			return entities[i].Confidence > entities[j].Confidence
		}
		return entities[i].EntityID < entities[j].EntityID
	})
	return entities, nil
}

// GetMentionsByChunk returns the mentions anchored in a chunk.
func (m *MemoryGraphStore) GetMentionsByChunk(ctx context.Context, chunkID string) ([]Mention, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var mentions []Mention
	for _, doc := range m.docs {
		for _, mention := range doc.graph.Mentions {
			if mention.ChunkID == chunkID {
				mentions = append(mentions, mention)
			}
		}
	}
	sort.Slice(mentions, func(i, j int) bool {
		return mentions[i].SpanStart < mentions[j].SpanStart
	})
	return mentions, nil
}

// GetRelations walks relations out from an entity up to depth hops
// (capped at 3), returning them ordered by confidence descending.
func (m *MemoryGraphStore) GetRelations(ctx context.Context, entityID string, depth int) ([]Relation, error) {
	if depth < 1 {
		depth = 1
	}
	if depth > 3 {
		depth = 3
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	frontier := map[string]struct{}{entityID: {}}
	visited := map[string]struct{}{entityID: {}}
	collected := make(map[relKey]*Relation)

	for hop := 0; hop < depth; hop++ {
		next := make(map[string]struct{})
		for key, rel := range m.relations {
			_, fromSubject := frontier[rel.SubjectID]
			_, fromObject := frontier[rel.ObjectID]
			if !fromSubject && !fromObject {
				continue
			}
			collected[key] = rel
			for _, endpoint := range []string{rel.SubjectID, rel.ObjectID} {
				if _, seen := visited[endpoint]; !seen {
					visited[endpoint] = struct{}{}
					next[endpoint] = struct{}{}
				}
			}
		}
		if len(next) == 0 {
			break
		}
		frontier = next
	}

	relations := make([]Relation, 0, len(collected))
	for _, rel := range collected {
		relations = append(relations, *rel)
	}
	sort.Slice(relations, func(i, j int) bool {
		if relations[i].Confidence != relations[j].Confidence {
			return relations[i].Confidence > relations[j].Confidence
		}
		if relations[i].SubjectID != relations[j].SubjectID {
			return relations[i].SubjectID < relations[j].SubjectID
		}
		return relations[i].Predicate < relations[j].Predicate
	})
	return relations, nil
}

// DeleteDocumentCascade removes a document's node, chunk edges, and
// mentions. Entity nodes survive: other documents may reference them.
func (m *MemoryGraphStore) DeleteDocumentCascade(ctx context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.docs[docID]; !ok {
		return ErrNotFound
	}
	delete(m.docs, docID)
	return nil
}

// RecordExport stores a generated artifact with GENERATED_FROM edges
// to its source documents.
func (m *MemoryGraphStore) RecordExport(ctx context.Context, export Export) error {
	if export.ExportID == "" {
		return fmt.Errorf("export has no export_id")
	}
	if export.CreatedAt.IsZero() {
		export.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	copied := export
	m.exports[export.ExportID] = &copied
	return nil
}

// GetExportsByDoc returns the generated artifacts sourced from a
// document, newest first.
func (m *MemoryGraphStore) GetExportsByDoc(ctx context.Context, docID string) ([]Export, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var exports []Export
	for _, export := range m.exports {
		for _, src := range export.SourceDocIDs {
			if src == docID {
				exports = append(exports, *export)
				break
			}
		}
	}
	sort.Slice(exports, func(i, j int) bool {
		if !exports[i].CreatedAt.Equal(exports[j].CreatedAt) {
			return exports[i].CreatedAt.After(exports[j].CreatedAt)
		}
		return exports[i].ExportID < exports[j].ExportID
	})
	return exports, nil
}

// Close releases the store.
func (m *MemoryGraphStore) Close() error {
	return nil
}

var _ GraphStore = (*MemoryGraphStore)(nil)

// unionStrings merges b into a preserving order and uniqueness.
func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a))
	out := append([]string(nil), a...)
	for _, s := range a {
		seen[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
