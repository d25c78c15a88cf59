package storage

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"
)

// ChunkPayload is the metadata stored alongside each chunk vector.
// Source-specific fields are set only for their source type: video_id,
// channel and the timestamp range for youtube, page_number for pdf.
type ChunkPayload struct {
	DocID          string     `json:"doc_id"`
	ChunkID        string     `json:"chunk_id"`
	Ordinal        int        `json:"ordinal"`
	SourceType     SourceType `json:"source_type"`
	Tier           Tier       `json:"tier"`
	Tags           []string   `json:"tags,omitempty"`
	URL            string     `json:"url"`
	Title          string     `json:"title"`
	QualityScore   float64    `json:"quality_score"`
	ByteStart      int        `json:"byte_start"`
	ByteEnd        int        `json:"byte_end"`
	Text           string     `json:"text"`
	PublishedAt    *time.Time `json:"published_at,omitempty"`
	VideoID        string     `json:"video_id,omitempty"`
	Channel        string     `json:"channel,omitempty"`
	PageNumber     *int       `json:"page_number,omitempty"`
	TimestampStart string     `json:"timestamp_start,omitempty"`
	TimestampEnd   string     `json:"timestamp_end,omitempty"`
}

// ChunkRecord is a chunk vector plus its payload.
type ChunkRecord struct {
	ChunkID string
	Vector  []float32
	Payload ChunkPayload
}

// Hit is a search result.
type Hit struct {
	ChunkID string
	DocID   string
	Score   float64 // 1 - cosine distance, higher is better
	Payload ChunkPayload
}

// ConditionOp selects how a filter condition matches.
type ConditionOp string

const (
	OpEq    ConditionOp = "eq"
	OpIn    ConditionOp = "in"
	OpRange ConditionOp = "range"
)

// Condition is one clause of a conjunctive payload filter. Values are
// string-encoded; numeric fields are parsed at match time.
type Condition struct {
	Field  string
	Op     ConditionOp
	Values []string // eq: one value; in: any; range: [min, max]
}

// Filter is a conjunction of conditions.
type Filter struct {
	Must []Condition
}

// CollectionInfo describes the live collection for startup validation.
type CollectionInfo struct {
	Name      string
	Dimension int
	Distance  string
}

// VectorStore is the chunk vector index.
type VectorStore interface {
	Upsert(ctx context.Context, records []ChunkRecord) error
	Search(ctx context.Context, vector []float32, topK int, minScore float64, filter *Filter) ([]Hit, error)
	GetByDoc(ctx context.Context, docID string) ([]ChunkRecord, error)
	DeleteByDoc(ctx context.Context, docID string) error
	Count(ctx context.Context) (int, error)
	Info(ctx context.Context) (CollectionInfo, error)
	Close() error
}

// ValidateCollection checks the live collection's dimension and metric
// against the configured values. A mismatch is a fatal startup error.
func ValidateCollection(ctx context.Context, store VectorStore, wantDim int, wantDistance string) error {
	info, err := store.Info(ctx)
	if err != nil {
		return fmt.Errorf("collection info: %w", err)
	}
	if info.Dimension != wantDim {
		return fmt.Errorf("collection %s has dimension %d, config declares %d",
			info.Name, info.Dimension, wantDim)
	}
	if info.Distance != wantDistance {
		return fmt.Errorf("collection %s uses %s distance, config declares %s",
			info.Name, info.Distance, wantDistance)
	}
	return nil
}

// MemoryVectorIndex is an in-process cosine index used in development
// and tests. Vectors are normalized on insert so similarity is a dot
// product.
type MemoryVectorIndex struct {
	mu        sync.RWMutex
	name      string
	dimension int
	records   map[string]indexedChunk // chunk_id -> record
}

type indexedChunk struct {
	vector  []float32 // normalized
	payload ChunkPayload
}

// NewMemoryVectorIndex creates an empty in-process index.
func NewMemoryVectorIndex(name string, dimension int) *MemoryVectorIndex {
	return &MemoryVectorIndex{
		name:      name,
		dimension: dimension,
		records:   make(map[string]indexedChunk),
	}
}

// Upsert inserts or replaces records in a single batch. Deterministic
// chunk IDs make re-ingestion idempotent.
func (m *MemoryVectorIndex) Upsert(ctx context.Context, records []ChunkRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range records {
		if len(rec.Vector) != m.dimension {
			return fmt.Errorf("chunk %s has dimension %d, collection requires %d",
				rec.ChunkID, len(rec.Vector), m.dimension)
		}
		m.records[rec.ChunkID] = indexedChunk{
			vector:  normalize(rec.Vector),
			payload: rec.Payload,
		}
	}
	return nil
}

// Search returns the topK closest chunks passing the filter, ordered by
// score descending. Ties break by ordinal then chunk_id so identical
// inputs yield identical orderings.
func (m *MemoryVectorIndex) Search(ctx context.Context, vector []float32, topK int, minScore float64, filter *Filter) ([]Hit, error) {
	if len(vector) != m.dimension {
		return nil, fmt.Errorf("query vector has dimension %d, collection requires %d",
			len(vector), m.dimension)
	}
	if topK <= 0 {
		return []Hit{}, nil
	}

	query := normalize(vector)

	m.mu.RLock()
	defer m.mu.RUnlock()

	hits := make([]Hit, 0, len(m.records))
	for chunkID, rec := range m.records {
		if filter != nil && !matchesFilter(rec.payload, filter) {
			continue
		}
		score := dot(query, rec.vector)
		if score < minScore {
			continue
		}
		hits = append(hits, Hit{
			ChunkID: chunkID,
			DocID:   rec.payload.DocID,
			Score:   score,
			Payload: rec.payload,
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Payload.Ordinal != hits[j].Payload.Ordinal {
			return hits[i].Payload.Ordinal < hits[j].Payload.Ordinal
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})

	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// GetByDoc returns a document's chunks in ordinal order.
func (m *MemoryVectorIndex) GetByDoc(ctx context.Context, docID string) ([]ChunkRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var records []ChunkRecord
	for chunkID, rec := range m.records {
		if rec.payload.DocID == docID {
			records = append(records, ChunkRecord{
				ChunkID: chunkID,
				Vector:  rec.vector,
				Payload: rec.payload,
			})
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Payload.Ordinal < records[j].Payload.Ordinal
	})
	return records, nil
}

// DeleteByDoc removes all chunks of a document.
func (m *MemoryVectorIndex) DeleteByDoc(ctx context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for chunkID, rec := range m.records {
		if rec.payload.DocID == docID {
			delete(m.records, chunkID)
		}
	}
	return nil
}

// Count returns the number of stored chunks.
func (m *MemoryVectorIndex) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

// Info describes the collection.
func (m *MemoryVectorIndex) Info(ctx context.Context) (CollectionInfo, error) {
	return CollectionInfo{Name: m.name, Dimension: m.dimension, Distance: "cosine"}, nil
}

// Close releases the index.
func (m *MemoryVectorIndex) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]indexedChunk)
	return nil
}

var _ VectorStore = (*MemoryVectorIndex)(nil)

// matchesFilter evaluates the conjunction against a payload.
func matchesFilter(p ChunkPayload, f *Filter) bool {
	for _, cond := range f.Must {
		if !matchesCondition(p, cond) {
			return false
		}
	}
	return true
}

func matchesCondition(p ChunkPayload, cond Condition) bool {
	switch cond.Field {
	case "tags":
		// Set membership: any requested tag present.
		for _, want := range cond.Values {
			for _, tag := range p.Tags {
				if tag == want {
					return true
				}
			}
		}
		return false
	case "published_at":
		if p.PublishedAt == nil {
			return false
		}
		return matchTime(*p.PublishedAt, cond)
	default:
		value, ok := payloadField(p, cond.Field)
		if !ok {
			return false
		}
		return matchScalar(value, cond)
	}
}

// payloadField resolves a filterable payload field to its string form.
func payloadField(p ChunkPayload, field string) (string, bool) {
	switch field {
	case "doc_id":
		return p.DocID, true
	case "chunk_id":
		return p.ChunkID, true
	case "ordinal":
		return strconv.Itoa(p.Ordinal), true
	case "source_type":
		return string(p.SourceType), true
	case "tier":
		return string(p.Tier), true
	case "url":
		return p.URL, true
	case "title":
		return p.Title, true
	case "quality_score":
		return strconv.FormatFloat(p.QualityScore, 'f', -1, 64), true
	case "video_id":
		return p.VideoID, true
	case "channel":
		return p.Channel, true
	case "page_number":
		if p.PageNumber == nil {
			return "", false
		}
		return strconv.Itoa(*p.PageNumber), true
	default:
		return "", false
	}
}

func matchScalar(value string, cond Condition) bool {
	switch cond.Op {
	case OpEq:
		return len(cond.Values) == 1 && value == cond.Values[0]
	case OpIn:
		for _, v := range cond.Values {
			if value == v {
				return true
			}
		}
		return false
	case OpRange:
		if len(cond.Values) != 2 {
			return false
		}
		have, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return false
		}
		min, errMin := strconv.ParseFloat(cond.Values[0], 64)
		max, errMax := strconv.ParseFloat(cond.Values[1], 64)
		if errMin != nil || errMax != nil {
			return false
		}
		return have >= min && have <= max
	}
	return false
}

func matchTime(t time.Time, cond Condition) bool {
	switch cond.Op {
	case OpEq:
		if len(cond.Values) != 1 {
			return false
		}
		want, err := time.Parse(time.RFC3339, cond.Values[0])
		return err == nil && t.Equal(want)
	case OpRange:
		if len(cond.Values) != 2 {
			return false
		}
		min, errMin := time.Parse(time.RFC3339, cond.Values[0])
		max, errMax := time.Parse(time.RFC3339, cond.Values[1])
		if errMin != nil || errMax != nil {
			return false
		}
		return !t.Before(min) && !t.After(max)
	}
	return false
}

// normalize returns a unit-length copy of v.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return append([]float32(nil), v...)
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// dot computes the inner product of two equal-length vectors.
func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
