// Package pipeline runs one ingestion job through the six stages:
// extract, screen, transform, chunk_embed, store, provenance.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/citetrace-ai/citetrace/internal/chunking"
	"github.com/citetrace-ai/citetrace/internal/domain"
	"github.com/citetrace-ai/citetrace/internal/embedding"
	"github.com/citetrace-ai/citetrace/internal/extract"
	"github.com/citetrace-ai/citetrace/internal/identity"
	"github.com/citetrace-ai/citetrace/internal/jobs"
	"github.com/citetrace-ai/citetrace/internal/observability"
	"github.com/citetrace-ai/citetrace/internal/progress"
	"github.com/citetrace-ai/citetrace/internal/provenance"
	"github.com/citetrace-ai/citetrace/internal/screening"
	"github.com/citetrace-ai/citetrace/internal/storage"
	"github.com/citetrace-ai/citetrace/internal/transform"
)

// Number of chunk texts sent per embedding call.
const embedBatchSize = 32

// StageTimeouts bound each blocking stage. Embed is per provider call,
// Store is handled inside the provenance writer per backend.
type StageTimeouts struct {
	Extract   time.Duration
	Screen    time.Duration
	Transform time.Duration
	Embed     time.Duration
}

// Config holds pipeline settings.
type Config struct {
	Timeouts         StageTimeouts
	EmbedConcurrency int
}

// Pipeline executes ingestion jobs. It implements jobs.Runner.
type Pipeline struct {
	cfg         Config
	extractor   *extract.Registry
	screener    *screening.Screener
	transformer *transform.Transformer
	chunker     *chunking.Chunker
	embedder    embedding.Embedder
	writer      *provenance.Writer
	ids         *identity.Service
	repos       *storage.Repositories
	status      *jobs.StatusStore
	bus         *progress.Bus
	logger      *observability.Logger
	metrics     *observability.Metrics
}

// New creates a pipeline.
func New(
	cfg Config,
	extractor *extract.Registry,
	screener *screening.Screener,
	transformer *transform.Transformer,
	chunker *chunking.Chunker,
	embedder embedding.Embedder,
	writer *provenance.Writer,
	ids *identity.Service,
	repos *storage.Repositories,
	status *jobs.StatusStore,
	bus *progress.Bus,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *Pipeline {
	if cfg.Timeouts.Extract <= 0 {
		cfg.Timeouts.Extract = 60 * time.Second
	}
	if cfg.Timeouts.Screen <= 0 {
		cfg.Timeouts.Screen = 15 * time.Second
	}
	if cfg.Timeouts.Transform <= 0 {
		cfg.Timeouts.Transform = 120 * time.Second
	}
	if cfg.Timeouts.Embed <= 0 {
		cfg.Timeouts.Embed = 10 * time.Second
	}
	if cfg.EmbedConcurrency <= 0 {
		cfg.EmbedConcurrency = 1
	}
	return &Pipeline{
		cfg:         cfg,
		extractor:   extractor,
		screener:    screener,
		transformer: transformer,
		chunker:     chunker,
		embedder:    embedder,
		writer:      writer,
		ids:         ids,
		repos:       repos,
		status:      status,
		bus:         bus,
		logger:      logger,
		metrics:     metrics,
	}
}

// run carries the intermediate products of one job between stages.
type run struct {
	job       *storage.Job
	raw       *extract.RawContent
	screening *screening.Result
	tier      storage.Tier
	processed *transform.Processed
	chunks    []chunking.Chunk
	vectors   [][]float32
	commit    *provenance.Commit
}

// Run executes the job end to end and reports the outcome. It is the
// jobs.Runner implementation the worker pool calls.
func (p *Pipeline) Run(ctx context.Context, job *storage.Job) (*jobs.RunResult, error) {
	r := &run{job: job}

	// Step 1: extract the source into normalized text.
	err := p.stage(ctx, r, storage.StageExtract, p.cfg.Timeouts.Extract, func(ctx context.Context) error {
		raw, err := p.extractor.Extract(ctx, job.SourceURL)
		if err != nil {
			return err
		}
		r.raw = raw
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Step 2: screen for quality. A rejection completes the job with no
	// stored artifacts.
	err = p.stage(ctx, r, storage.StageScreen, p.cfg.Timeouts.Screen, func(ctx context.Context) error {
		result, err := p.screener.Screen(ctx, r.raw.Text)
		if err != nil {
			return err
		}
		r.screening = result
		r.tier = p.screener.TierFor(result)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if r.screening.Decision == screening.DecisionReject {
		if p.logger != nil {
			p.logger.Info().
				Str("job_id", job.JobID.String()).
				Float64("quality_score", r.screening.QualityScore).
				Str("reasoning", r.screening.Reasoning).
				Msg("Content screened out")
		}
		return &jobs.RunResult{DocID: job.DocID, Tier: storage.TierNone, Title: r.raw.Title, Rejected: true}, nil
	}

	// Step 3: transform into summary, entities, mentions and relations.
	err = p.stage(ctx, r, storage.StageTransform, p.cfg.Timeouts.Transform, func(ctx context.Context) error {
		processed, err := p.transformer.Transform(ctx, r.raw.Text)
		if err != nil {
			return err
		}
		r.processed = processed
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Step 4: chunk and embed. Embedding calls fan out bounded by the
	// configured concurrency.
	err = p.stage(ctx, r, storage.StageChunkEmbed, 0, func(ctx context.Context) error {
		return p.chunkAndEmbed(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	// Step 5: store blob, metadata and vectors.
	err = p.stage(ctx, r, storage.StageStore, 0, func(ctx context.Context) error {
		commit, err := p.buildCommit(r)
		if err != nil {
			return err
		}
		r.commit = commit
		return p.writer.Store(ctx, commit)
	})
	if err != nil {
		return nil, err
	}

	// Step 6: commit the provenance graph. This node marks the document
	// fully ingested.
	err = p.stage(ctx, r, storage.StageProvenance, 0, func(ctx context.Context) error {
		return p.writer.CommitGraph(ctx, r.commit)
	})
	if err != nil {
		return nil, err
	}

	return &jobs.RunResult{
		DocID: job.DocID,
		Tier:  r.tier,
		Title: r.commit.Document.Title,
	}, nil
}

// stage wraps one pipeline stage with the cancellation check, the
// timeout, the processing record, progress events and metrics.
func (p *Pipeline) stage(ctx context.Context, r *run, stage storage.Stage, timeout time.Duration, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return domain.Cancelled("job cancelled")
	}

	job := r.job
	job.CurrentStage = &stage
	job.ProgressPct = progressBefore(stage)
	p.saveSnapshot(ctx, job)

	jobID := job.JobID.String()
	if p.bus != nil {
		p.bus.StageStarted(jobID, string(stage))
		p.bus.StageProgress(jobID, string(stage), job.ProgressPct, "")
	}

	recordID := p.startRecord(ctx, job, stage)

	sctx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		sctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	started := time.Now()
	err := fn(sctx)
	elapsed := time.Since(started)

	if p.metrics != nil {
		p.metrics.StageDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.As(err, new(*domain.Error)) {
			msg := fmt.Sprintf("%s stage timed out", stage)
			if timeout > 0 {
				msg = fmt.Sprintf("%s after %s", msg, timeout)
			}
			err = domain.NewError(stageKind(stage), msg, true, err)
		}
		classified := domain.Classify(err)
		if p.metrics != nil {
			p.metrics.StageFailures.WithLabelValues(string(stage), string(classified.Kind)).Inc()
		}
		p.finishRecord(ctx, recordID, storage.RecordStatusFailed, classified.Message)
		if p.logger != nil {
			p.logger.Error().Err(err).
				Str("job_id", jobID).
				Str("stage", string(stage)).
				Dur("duration", elapsed).
				Msg("Stage failed")
		}
		return err
	}

	job.ProgressPct = progressAfter(stage)
	p.saveSnapshot(ctx, job)
	p.finishRecord(ctx, recordID, storage.RecordStatusCompleted, "")
	if p.bus != nil {
		p.bus.StageCompleted(jobID, string(stage), elapsed)
		p.bus.StageProgress(jobID, string(stage), job.ProgressPct, "")
	}
	if p.logger != nil {
		p.logger.Debug().
			Str("job_id", jobID).
			Str("stage", string(stage)).
			Dur("duration", elapsed).
			Msg("Stage completed")
	}
	return nil
}

// stageKind maps a stage to the error kind its failures report, so a
// timed-out stage surfaces in the job's last_error under its own kind.
func stageKind(stage storage.Stage) domain.ErrorKind {
	switch stage {
	case storage.StageExtract:
		return domain.KindExtraction
	case storage.StageScreen:
		return domain.KindScreening
	case storage.StageTransform:
		return domain.KindTransform
	case storage.StageChunkEmbed:
		return domain.KindEmbedding
	default:
		return domain.KindStore
	}
}

// chunkAndEmbed splits the normalized text, annotates source-specific
// positions, and embeds the chunk texts in concurrent batches.
func (p *Pipeline) chunkAndEmbed(ctx context.Context, r *run) error {
	r.chunks = p.chunker.Split(r.raw.Text)
	if len(r.chunks) == 0 {
		return domain.TransformError("no chunks produced from extracted text", nil)
	}
	switch r.raw.SourceType {
	case storage.SourceTypePDF:
		chunking.AnnotatePages(r.chunks, r.raw.Pages)
	case storage.SourceTypeYouTube:
		chunking.AnnotateTimestamps(r.chunks, r.raw.Transcript)
	}

	r.vectors = make([][]float32, len(r.chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.EmbedConcurrency)

	total := len(r.chunks)
	for start := 0; start < total; start += embedBatchSize {
		end := start + embedBatchSize
		if end > total {
			end = total
		}
		start, end := start, end
		g.Go(func() error {
			texts := make([]string, 0, end-start)
			for _, ch := range r.chunks[start:end] {
				texts = append(texts, ch.Text)
			}

			ectx, cancel := context.WithTimeout(gctx, p.cfg.Timeouts.Embed)
			defer cancel()
			vectors, err := p.embedder.Embed(ectx, texts)
			if err != nil {
				return err
			}
			if p.metrics != nil {
				p.metrics.EmbeddingCalls.Inc()
			}
			copy(r.vectors[start:end], vectors)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if p.bus != nil {
		p.bus.StageProgress(r.job.JobID.String(), string(storage.StageChunkEmbed),
			progressBefore(storage.StageChunkEmbed), fmt.Sprintf("embedded %d chunks", total))
	}
	return nil
}

// buildCommit assembles the document, chunk records and provenance
// graph from the stage outputs. All IDs are deterministic.
func (p *Pipeline) buildCommit(r *run) (*provenance.Commit, error) {
	docID := r.job.DocID
	raw := r.raw

	title := raw.Title
	if title == "" {
		title = raw.SourceURL
	}

	meta, err := json.Marshal(map[string]any{
		"summary":    r.processed.Summary,
		"key_points": r.processed.KeyPoints,
		"tags":       r.processed.Tags,
		"screening": map[string]any{
			"decision":    r.screening.Decision,
			"reasoning":   r.screening.Reasoning,
			"tokens_used": r.screening.TokensUsed,
			"cost":        r.screening.Cost,
		},
	})
	if err != nil {
		return nil, domain.Internal("marshal document metadata", err)
	}

	doc := storage.Document{
		DocID:        docID,
		SourceURL:    raw.SourceURL,
		SourceType:   raw.SourceType,
		Title:        title,
		Author:       raw.Author,
		PublishedAt:  raw.PublishedAt,
		QualityScore: r.screening.QualityScore,
		Tier:         r.tier,
		Metadata:     meta,
	}

	records := make([]storage.ChunkRecord, len(r.chunks))
	chunkIDs := make([]string, len(r.chunks))
	for i, ch := range r.chunks {
		chunkID := p.ids.ChunkID(docID, ch.ByteStart, ch.ByteEnd)
		chunkIDs[i] = chunkID
		records[i] = storage.ChunkRecord{
			ChunkID: chunkID,
			Vector:  r.vectors[i],
			Payload: storage.ChunkPayload{
				DocID:          docID,
				ChunkID:        chunkID,
				Ordinal:        ch.Ordinal,
				SourceType:     raw.SourceType,
				Tier:           r.tier,
				Tags:           r.processed.Tags,
				URL:            raw.SourceURL,
				Title:          title,
				QualityScore:   r.screening.QualityScore,
				ByteStart:      ch.ByteStart,
				ByteEnd:        ch.ByteEnd,
				Text:           ch.Text,
				PublishedAt:    raw.PublishedAt,
				VideoID:        raw.VideoID,
				Channel:        raw.Channel,
				PageNumber:     ch.PageNumber,
				TimestampStart: ch.TimestampStart,
				TimestampEnd:   ch.TimestampEnd,
			},
		}
	}

	graph := p.buildGraph(r, doc, chunkIDs)

	return &provenance.Commit{
		Document:    doc,
		RawContent:  []byte(raw.Text),
		ContentType: raw.ContentType,
		Chunks:      records,
		Graph:       graph,
	}, nil
}

// buildGraph maps transform output onto graph nodes. Each mention is
// anchored in the chunk containing its span start, with the span
// re-based to chunk-relative offsets.
func (p *Pipeline) buildGraph(r *run, doc storage.Document, chunkIDs []string) storage.DocGraph {
	entityIDs := make([]string, len(r.processed.Entities))
	entities := make([]storage.Entity, len(r.processed.Entities))
	for i, e := range r.processed.Entities {
		id := p.ids.EntityID(e.CanonicalName, e.EntityType)
		entityIDs[i] = id
		entities[i] = storage.Entity{
			EntityID:      id,
			CanonicalName: e.CanonicalName,
			Aliases:       e.Aliases,
			EntityType:    e.EntityType,
			Confidence:    e.Confidence,
		}
	}

	var mentions []storage.Mention
	for _, m := range r.processed.Mentions {
		idx := chunkIndexForSpan(r.chunks, m.SpanStart, m.SpanEnd)
		if idx < 0 || m.EntityIndex < 0 || m.EntityIndex >= len(entityIDs) {
			continue
		}
		ch := r.chunks[idx]
		relStart := m.SpanStart - ch.ByteStart
		relEnd := m.SpanEnd - ch.ByteStart
		if relEnd > ch.ByteEnd-ch.ByteStart {
			relEnd = ch.ByteEnd - ch.ByteStart
		}
		mentions = append(mentions, storage.Mention{
			MentionID:  p.ids.MentionID(chunkIDs[idx], relStart, relEnd, m.Surface),
			ChunkID:    chunkIDs[idx],
			EntityID:   entityIDs[m.EntityIndex],
			EntityType: m.EntityType,
			Surface:    m.Surface,
			SpanStart:  relStart,
			SpanEnd:    relEnd,
			Confidence: m.Confidence,
		})
	}

	var relations []storage.Relation
	for _, rel := range r.processed.Relations {
		if rel.SubjectIndex < 0 || rel.SubjectIndex >= len(entityIDs) ||
			rel.ObjectIndex < 0 || rel.ObjectIndex >= len(entityIDs) {
			continue
		}
		var evidence []string
		if idx := chunkIndexFor(r.chunks, rel.EvidenceStart); idx >= 0 {
			evidence = []string{chunkIDs[idx]}
		}
		relations = append(relations, storage.Relation{
			SubjectID:        entityIDs[rel.SubjectIndex],
			Predicate:        rel.Predicate,
			ObjectID:         entityIDs[rel.ObjectIndex],
			Confidence:       rel.Confidence,
			EvidenceChunkIDs: evidence,
		})
	}

	return storage.DocGraph{
		DocID:     doc.DocID,
		Title:     doc.Title,
		SourceURL: doc.SourceURL,
		Tier:      doc.Tier,
		ChunkIDs:  chunkIDs,
		Entities:  entities,
		Mentions:  mentions,
		Relations: relations,
	}
}

// chunkIndexFor returns the index of the chunk whose byte range contains
// offset. Overlapping chunks resolve to the earliest match.
func chunkIndexFor(chunks []chunking.Chunk, offset int) int {
	for i, ch := range chunks {
		if offset >= ch.ByteStart && offset < ch.ByteEnd {
			return i
		}
	}
	return -1
}

// chunkIndexForSpan prefers the earliest chunk that contains the whole
// span. The window overlap means a span crossing one chunk's end almost
// always fits the next; only a span longer than the overlap falls back
// to its start chunk.
func chunkIndexForSpan(chunks []chunking.Chunk, start, end int) int {
	for i, ch := range chunks {
		if start >= ch.ByteStart && end <= ch.ByteEnd {
			return i
		}
	}
	return chunkIndexFor(chunks, start)
}

func (p *Pipeline) saveSnapshot(ctx context.Context, job *storage.Job) {
	if p.status == nil {
		return
	}
	if err := p.status.Save(ctx, job); err != nil && p.logger != nil {
		p.logger.Warn().Err(err).Str("job_id", job.JobID.String()).Msg("Persist progress snapshot failed")
	}
}

func (p *Pipeline) startRecord(ctx context.Context, job *storage.Job, stage storage.Stage) *storage.ProcessingRecord {
	if p.repos == nil {
		return nil
	}
	rec := &storage.ProcessingRecord{
		DocID:     job.DocID,
		Operation: string(stage),
		Status:    storage.RecordStatusStarted,
	}
	if err := p.repos.Records.Create(ctx, rec); err != nil {
		if p.logger != nil {
			p.logger.Warn().Err(err).Str("stage", string(stage)).Msg("Create processing record failed")
		}
		return nil
	}
	return rec
}

func (p *Pipeline) finishRecord(ctx context.Context, rec *storage.ProcessingRecord, status, errMsg string) {
	if p.repos == nil || rec == nil {
		return
	}
	var msg *string
	if errMsg != "" {
		msg = &errMsg
	}
	if err := p.repos.Records.Finish(ctx, rec.RecordID, status, msg); err != nil && p.logger != nil {
		p.logger.Warn().Err(err).Msg("Finish processing record failed")
	}
}

// progressBefore is the cumulative weight of the stages ahead of stage.
func progressBefore(stage storage.Stage) int {
	pct := 0
	for _, s := range storage.StageOrder {
		if s == stage {
			break
		}
		pct += storage.StageWeights[s]
	}
	return pct
}

// progressAfter includes the stage's own weight.
func progressAfter(stage storage.Stage) int {
	return progressBefore(stage) + storage.StageWeights[stage]
}

var _ jobs.Runner = (*Pipeline)(nil)
