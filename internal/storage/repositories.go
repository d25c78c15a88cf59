package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record conflict")
)

// DB represents a database connection interface.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Migrate creates the metadata tables if they do not exist. The DDL is
// portable across SQLite and Postgres.
func Migrate(ctx context.Context, db DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			doc_id TEXT PRIMARY KEY,
			source_url TEXT NOT NULL,
			source_type TEXT NOT NULL,
			title TEXT NOT NULL,
			author TEXT,
			published_at TIMESTAMP,
			quality_score REAL NOT NULL,
			tier TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			doc_id TEXT NOT NULL,
			source_url TEXT NOT NULL,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL,
			attempts INTEGER NOT NULL,
			max_attempts INTEGER NOT NULL,
			current_stage TEXT,
			progress_pct INTEGER NOT NULL,
			error_kind TEXT,
			error_message TEXT,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_doc_id ON jobs (doc_id)`,
		`CREATE TABLE IF NOT EXISTS processing_records (
			record_id TEXT PRIMARY KEY,
			doc_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			error TEXT,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_processing_records_doc_id ON processing_records (doc_id)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// DocumentRepository handles document rows.
type DocumentRepository struct {
	db DB
}

// NewDocumentRepository creates a new document repository.
func NewDocumentRepository(db DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// Upsert inserts or replaces a document row. Deterministic doc IDs make
// re-ingestion an overwrite, never a duplicate.
func (r *DocumentRepository) Upsert(ctx context.Context, doc *Document) error {
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO documents (doc_id, source_url, source_type, title, author,
			published_at, quality_score, tier, created_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (doc_id) DO UPDATE SET
			source_url = $2, source_type = $3, title = $4, author = $5,
			published_at = $6, quality_score = $7, tier = $8, metadata = $10
	`
	_, err := r.db.ExecContext(ctx, query,
		doc.DocID, doc.SourceURL, doc.SourceType, doc.Title, doc.Author,
		doc.PublishedAt, doc.QualityScore, doc.Tier, doc.CreatedAt, doc.Metadata,
	)
	return err
}

// GetByID retrieves a document by ID.
func (r *DocumentRepository) GetByID(ctx context.Context, docID string) (*Document, error) {
	query := `
		SELECT doc_id, source_url, source_type, title, author, published_at,
			quality_score, tier, created_at, metadata
		FROM documents WHERE doc_id = $1
	`
	doc := &Document{}
	err := r.db.QueryRowContext(ctx, query, docID).Scan(
		&doc.DocID, &doc.SourceURL, &doc.SourceType, &doc.Title, &doc.Author,
		&doc.PublishedAt, &doc.QualityScore, &doc.Tier, &doc.CreatedAt, &doc.Metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return doc, err
}

// List retrieves documents ordered by creation time, newest first.
func (r *DocumentRepository) List(ctx context.Context, limit, offset int) ([]*Document, error) {
	query := `
		SELECT doc_id, source_url, source_type, title, author, published_at,
			quality_score, tier, created_at, metadata
		FROM documents
		ORDER BY created_at DESC, doc_id
		LIMIT $1 OFFSET $2
	`
	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc := &Document{}
		if err := rows.Scan(
			&doc.DocID, &doc.SourceURL, &doc.SourceType, &doc.Title, &doc.Author,
			&doc.PublishedAt, &doc.QualityScore, &doc.Tier, &doc.CreatedAt, &doc.Metadata,
		); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// ListIDs returns all document IDs. Used by the reconciliation sweep.
func (r *DocumentRepository) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT doc_id FROM documents ORDER BY doc_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes a document row.
func (r *DocumentRepository) Delete(ctx context.Context, docID string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM documents WHERE doc_id = $1`, docID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// JobRepository handles durable job rows.
type JobRepository struct {
	db DB
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new job row.
func (r *JobRepository) Create(ctx context.Context, job *Job) error {
	if job.JobID == uuid.Nil {
		job.JobID = uuid.New()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO jobs (job_id, doc_id, source_url, status, priority, attempts,
			max_attempts, current_stage, progress_pct, error_kind, error_message,
			created_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.db.ExecContext(ctx, query,
		job.JobID.String(), job.DocID, job.SourceURL, job.Status, job.Priority,
		job.Attempts, job.MaxAttempts, job.CurrentStage, job.ProgressPct,
		job.ErrorKind, job.ErrorMessage, job.CreatedAt, job.StartedAt, job.CompletedAt,
	)
	return err
}

// Update rewrites the mutable fields of a job row.
func (r *JobRepository) Update(ctx context.Context, job *Job) error {
	query := `
		UPDATE jobs SET
			status = $1, priority = $2, attempts = $3, current_stage = $4,
			progress_pct = $5, error_kind = $6, error_message = $7,
			started_at = $8, completed_at = $9
		WHERE job_id = $10
	`
	result, err := r.db.ExecContext(ctx, query,
		job.Status, job.Priority, job.Attempts, job.CurrentStage,
		job.ProgressPct, job.ErrorKind, job.ErrorMessage,
		job.StartedAt, job.CompletedAt, job.JobID.String(),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByID retrieves a job by ID.
func (r *JobRepository) GetByID(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	query := `
		SELECT job_id, doc_id, source_url, status, priority, attempts, max_attempts,
			current_stage, progress_pct, error_kind, error_message,
			created_at, started_at, completed_at
		FROM jobs WHERE job_id = $1
	`
	return r.scanJob(r.db.QueryRowContext(ctx, query, jobID.String()))
}

// GetActiveByDoc returns the non-terminal job for a document, if any.
// At most one active job may exist per doc_id.
func (r *JobRepository) GetActiveByDoc(ctx context.Context, docID string) (*Job, error) {
	query := `
		SELECT job_id, doc_id, source_url, status, priority, attempts, max_attempts,
			current_stage, progress_pct, error_kind, error_message,
			created_at, started_at, completed_at
		FROM jobs
		WHERE doc_id = $1 AND status IN ('pending', 'queued', 'running', 'retrying')
		ORDER BY created_at DESC
		LIMIT 1
	`
	return r.scanJob(r.db.QueryRowContext(ctx, query, docID))
}

func (r *JobRepository) scanJob(row *sql.Row) (*Job, error) {
	job := &Job{}
	var id string
	err := row.Scan(
		&id, &job.DocID, &job.SourceURL, &job.Status, &job.Priority,
		&job.Attempts, &job.MaxAttempts, &job.CurrentStage, &job.ProgressPct,
		&job.ErrorKind, &job.ErrorMessage, &job.CreatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	job.JobID, err = uuid.Parse(id)
	return job, err
}

// RecordRepository handles processing record rows.
type RecordRepository struct {
	db DB
}

// NewRecordRepository creates a new processing record repository.
func NewRecordRepository(db DB) *RecordRepository {
	return &RecordRepository{db: db}
}

// Create inserts a processing record.
func (r *RecordRepository) Create(ctx context.Context, rec *ProcessingRecord) error {
	if rec.RecordID == uuid.Nil {
		rec.RecordID = uuid.New()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO processing_records (record_id, doc_id, operation, status,
			started_at, completed_at, error, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, query,
		rec.RecordID.String(), rec.DocID, rec.Operation, rec.Status,
		rec.StartedAt, rec.CompletedAt, rec.Error, rec.Metadata,
	)
	return err
}

// Finish marks a record completed or failed.
func (r *RecordRepository) Finish(ctx context.Context, recordID uuid.UUID, status string, errMsg *string) error {
	now := time.Now().UTC()
	query := `
		UPDATE processing_records SET status = $1, completed_at = $2, error = $3
		WHERE record_id = $4
	`
	_, err := r.db.ExecContext(ctx, query, status, now, errMsg, recordID.String())
	return err
}

// GetByDoc retrieves the processing history for a document, oldest first.
func (r *RecordRepository) GetByDoc(ctx context.Context, docID string) ([]*ProcessingRecord, error) {
	query := `
		SELECT record_id, doc_id, operation, status, started_at, completed_at, error, metadata
		FROM processing_records
		WHERE doc_id = $1
		ORDER BY started_at
	`
	rows, err := r.db.QueryContext(ctx, query, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*ProcessingRecord
	for rows.Next() {
		rec := &ProcessingRecord{}
		var id string
		if err := rows.Scan(
			&id, &rec.DocID, &rec.Operation, &rec.Status,
			&rec.StartedAt, &rec.CompletedAt, &rec.Error, &rec.Metadata,
		); err != nil {
			return nil, err
		}
		rec.RecordID, err = uuid.Parse(id)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteByDoc removes the processing history for a document.
func (r *RecordRepository) DeleteByDoc(ctx context.Context, docID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM processing_records WHERE doc_id = $1`, docID)
	return err
}

// Repositories bundles all metadata repositories.
type Repositories struct {
	Documents *DocumentRepository
	Jobs      *JobRepository
	Records   *RecordRepository
}

// NewRepositories creates all repositories with the given database connection.
func NewRepositories(db DB) *Repositories {
	return &Repositories{
		Documents: NewDocumentRepository(db),
		Jobs:      NewJobRepository(db),
		Records:   NewRecordRepository(db),
	}
}
