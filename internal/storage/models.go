// Package storage provides the metadata models, repositories, and the
// blob, vector, and graph store adapters.
package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SourceType identifies the origin format of a document.
type SourceType string

const (
	SourceTypeWeb     SourceType = "web"
	SourceTypePDF     SourceType = "pdf"
	SourceTypeYouTube SourceType = "youtube"
)

// Tier is the quality bucket derived from the screening score.
type Tier string

const (
	TierA    Tier = "A"
	TierB    Tier = "B"
	TierC    Tier = "C"
	TierD    Tier = "D"
	TierNone Tier = "" // screened out, nothing stored
)

// JobStatus is the ingestion job state machine.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusRetrying  JobStatus = "retrying"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
// A failed job with attempts remaining can still be retried; the job
// manager checks attempts separately.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Stage names a pipeline stage.
type Stage string

const (
	StageExtract    Stage = "extract"
	StageScreen     Stage = "screen"
	StageTransform  Stage = "transform"
	StageChunkEmbed Stage = "chunk_embed"
	StageStore      Stage = "store"
	StageProvenance Stage = "provenance"
)

// StageOrder lists the stages in execution order.
var StageOrder = []Stage{
	StageExtract,
	StageScreen,
	StageTransform,
	StageChunkEmbed,
	StageStore,
	StageProvenance,
}

// StageWeights are the per-stage contributions to overall progress.
// They sum to 100.
var StageWeights = map[Stage]int{
	StageExtract:    15,
	StageScreen:     10,
	StageTransform:  20,
	StageChunkEmbed: 25,
	StageStore:      25,
	StageProvenance: 5,
}

// Document is a screened, ingested source.
type Document struct {
	DocID        string          `json:"doc_id" db:"doc_id"`
	SourceURL    string          `json:"source_url" db:"source_url"`
	SourceType   SourceType      `json:"source_type" db:"source_type"`
	Title        string          `json:"title" db:"title"`
	Author       *string         `json:"author,omitempty" db:"author"`
	PublishedAt  *time.Time      `json:"published_at,omitempty" db:"published_at"`
	QualityScore float64         `json:"quality_score" db:"quality_score"`
	Tier         Tier            `json:"tier" db:"tier"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	Metadata     json.RawMessage `json:"metadata,omitempty" db:"metadata"`
}

// Job is an ingestion job row. The in-flight progress snapshot lives in
// the status store; this row is the durable record.
type Job struct {
	JobID        uuid.UUID  `json:"job_id" db:"job_id"`
	DocID        string     `json:"doc_id" db:"doc_id"`
	SourceURL    string     `json:"url" db:"source_url"`
	Status       JobStatus  `json:"status" db:"status"`
	Priority     int        `json:"priority" db:"priority"`
	Attempts     int        `json:"attempts" db:"attempts"`
	MaxAttempts  int        `json:"max_attempts" db:"max_attempts"`
	CurrentStage *Stage     `json:"current_stage,omitempty" db:"current_stage"`
	ProgressPct  int        `json:"progress_pct" db:"progress_pct"`
	ErrorKind    *string    `json:"error_kind,omitempty" db:"error_kind"`
	ErrorMessage *string    `json:"error,omitempty" db:"error_message"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// ProcessingRecord is the per-stage audit trail for a document.
type ProcessingRecord struct {
	RecordID    uuid.UUID       `json:"record_id" db:"record_id"`
	DocID       string          `json:"doc_id" db:"doc_id"`
	Operation   string          `json:"operation" db:"operation"`
	Status      string          `json:"status" db:"status"`
	StartedAt   time.Time       `json:"started_at" db:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	Error       *string         `json:"error,omitempty" db:"error"`
	Metadata    json.RawMessage `json:"metadata,omitempty" db:"metadata"`
}

// Processing record statuses.
const (
	RecordStatusStarted   = "started"
	RecordStatusCompleted = "completed"
	RecordStatusFailed    = "failed"
)

// TierForScore maps a screening score onto a tier given the configured
// thresholds (a >= b >= c >= d).
func TierForScore(score, a, b, c float64) Tier {
	switch {
	case score >= a:
		return TierA
	case score >= b:
		return TierB
	case score >= c:
		return TierC
	default:
		return TierD
	}
}
