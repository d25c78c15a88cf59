package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/citetrace-ai/citetrace/internal/cache"
	"github.com/citetrace-ai/citetrace/internal/chunking"
	"github.com/citetrace-ai/citetrace/internal/config"
	"github.com/citetrace-ai/citetrace/internal/embedding"
	"github.com/citetrace-ai/citetrace/internal/extract"
	"github.com/citetrace-ai/citetrace/internal/identity"
	"github.com/citetrace-ai/citetrace/internal/jobs"
	"github.com/citetrace-ai/citetrace/internal/llm"
	"github.com/citetrace-ai/citetrace/internal/observability"
	"github.com/citetrace-ai/citetrace/internal/pipeline"
	"github.com/citetrace-ai/citetrace/internal/progress"
	"github.com/citetrace-ai/citetrace/internal/provenance"
	"github.com/citetrace-ai/citetrace/internal/retrieval"
	"github.com/citetrace-ai/citetrace/internal/screening"
	"github.com/citetrace-ai/citetrace/internal/storage"
	"github.com/citetrace-ai/citetrace/internal/transform"
)

// Run wires the full service graph and serves HTTP until SIGINT or
// SIGTERM, then shuts down gracefully.
func Run(cfg *config.Config, logger *observability.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()

	db, err := openDatabase(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := storage.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	repos := storage.NewRepositories(db)

	cacheClient, err := openCache(cfg)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer cacheClient.Close()

	blob, err := openBlobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	vector := storage.NewMemoryVectorIndex(cfg.Vector.CollectionName, cfg.Vector.Dimension)
	if err := storage.ValidateCollection(ctx, vector, cfg.Embedding.Dimension, cfg.Vector.Distance); err != nil {
		return fmt.Errorf("validate vector collection: %w", err)
	}
	graph := storage.NewMemoryGraphStore()

	embedder, err := openEmbedder(cfg)
	if err != nil {
		return fmt.Errorf("open embedding client: %w", err)
	}

	var completer llm.Completer
	if cfg.LLM.APIKey != "" {
		completer = llm.NewClient(llm.Config{
			BaseURL:    cfg.LLM.BaseURL,
			APIKey:     cfg.LLM.APIKey,
			Model:      cfg.LLM.Model,
			Timeout:    cfg.LLM.Timeout,
			RatePerSec: cfg.LLM.RatePerSec,
			RateBurst:  cfg.LLM.RateBurst,
		})
	} else {
		logger.Warn().Msg("no LLM API key configured, screening and transform run degraded")
	}

	ids := identity.NewService(cfg.Pipeline.TrackingParams)
	bus := progress.NewBus(cfg.Jobs.SubscriberBufferSize, cfg.Jobs.HeartbeatInterval, logger, metrics)
	defer bus.Close()
	status := jobs.NewStatusStore(cacheClient, cfg.Jobs.StatusTTL)

	writer := provenance.NewWriter(blob, repos, vector, graph, cfg.Pipeline.StageTimeouts.Store, logger, metrics)
	reader := provenance.NewReader(blob, repos, vector, graph)
	sweeper := provenance.NewSweeper(blob, repos, vector, graph, logger, metrics)

	screener := screening.NewScreener(completer, cacheClient, screening.Config{
		CacheTTL: cfg.Screening.CacheTTL,
		Thresholds: screening.TierThresholds{
			A: cfg.Screening.TierThresholds.A,
			B: cfg.Screening.TierThresholds.B,
			C: cfg.Screening.TierThresholds.C,
		},
	}, logger, metrics)
	transformer := transform.NewTransformer(completer, logger, metrics)
	chunker := chunking.NewChunker(cfg.Pipeline.Chunk.TargetChars, cfg.Pipeline.Chunk.OverlapChars)

	// PDF parsing and transcript providers are deployment seams; without
	// them those source types fail with a permanent extraction error.
	registry := extract.NewRegistry(map[storage.SourceType]extract.Extractor{
		storage.SourceTypeWeb:     extract.NewWebExtractor(cfg.Pipeline.StageTimeouts.Extract, logger),
		storage.SourceTypePDF:     extract.NewPDFExtractor(cfg.Pipeline.StageTimeouts.Extract, nil),
		storage.SourceTypeYouTube: extract.NewYouTubeExtractor(nil),
	})

	pipe := pipeline.New(pipeline.Config{
		Timeouts: pipeline.StageTimeouts{
			Extract:   cfg.Pipeline.StageTimeouts.Extract,
			Screen:    cfg.Pipeline.StageTimeouts.Screen,
			Transform: cfg.Pipeline.StageTimeouts.Transform,
			Embed:     cfg.Pipeline.StageTimeouts.Embed,
		},
		EmbedConcurrency: cfg.EmbedConcurrency(),
	}, registry, screener, transformer, chunker, embedder, writer, ids, repos, status, bus, logger, metrics)

	manager := jobs.NewManager(jobs.Config{
		WorkerPoolSize:   cfg.Jobs.WorkerPoolSize,
		MaxRetryAttempts: cfg.Jobs.MaxRetryAttempts,
		RetryBase:        cfg.Jobs.RetryBase,
		RetryMax:         cfg.Jobs.RetryMax,
		DuplicatePolicy:  jobs.DuplicatePolicy(cfg.Jobs.DuplicatePolicy),
	}, ids, repos, status, bus, pipe, logger, metrics)
	manager.Start(ctx)
	defer manager.Stop()

	retriever := retrieval.NewRetriever(retrieval.Config{
		DefaultTopK:   cfg.Retrieval.DefaultTopK,
		MaxTopK:       cfg.Retrieval.MaxTopK,
		MinScore:      cfg.Retrieval.MinScore,
		QuoteMaxChars: cfg.Retrieval.QuoteMaxChars,
	}, embedder, vector, logger, metrics)
	resolver := retrieval.NewResolver(cfg.Retrieval.QuoteMaxChars)
	asker := retrieval.NewAsker(retriever, resolver, completer, graph, logger, metrics)

	app := &App{
		Logger:  logger,
		Manager: manager,
		Bus:     bus,
		Asker:   asker,
		Reader:  reader,
		Sweeper: sweeper,
		Ready:   db.Ping,
		APIKey:  cfg.Server.APIKey,
	}
	if cfg.Observability.MetricsEnabled {
		app.Metrics = metrics
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      NewRouter(app),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("database", cfg.Database.Driver).
			Str("blob", cfg.Blob.Driver).
			Str("embedding", cfg.Embedding.Provider).
			Int("workers", cfg.Jobs.WorkerPoolSize).
			Msg("starting citetrace API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func openDatabase(cfg *config.Config) (*sql.DB, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		dsn := fmt.Sprintf("file:%s?_journal_mode=%s&_busy_timeout=5000",
			cfg.Database.SQLite.Path, cfg.Database.SQLite.JournalMode)
		db, err := sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, err
		}
		maxConns := cfg.Database.SQLite.MaxOpenConns
		if maxConns <= 0 {
			maxConns = 1
		}
		db.SetMaxOpenConns(maxConns)
		return db, nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.Database.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(cfg.Database.Postgres.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.Postgres.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Database.Postgres.ConnMaxLifetime)
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}

func openCache(cfg *config.Config) (cache.Client, error) {
	if cfg.Cache.Driver == "redis" {
		return cache.NewRedisClient(cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			PoolSize: cfg.Cache.Redis.PoolSize,
		})
	}
	return cache.NewMemoryClient(0), nil
}

func openBlobStore(ctx context.Context, cfg *config.Config) (storage.BlobStore, error) {
	if cfg.Blob.Driver == "s3" {
		return storage.NewS3BlobStore(ctx, storage.S3BlobConfig{
			Bucket:    cfg.Blob.S3.Bucket,
			Region:    cfg.Blob.S3.Region,
			Endpoint:  cfg.Blob.S3.Endpoint,
			AccessKey: cfg.Blob.S3.AccessKey,
			SecretKey: cfg.Blob.S3.SecretKey,
		})
	}
	return storage.NewLocalBlobStore(cfg.Blob.LocalDir)
}

func openEmbedder(cfg *config.Config) (embedding.Embedder, error) {
	if cfg.Embedding.Provider == "mock" {
		return embedding.NewMockClient(cfg.Embedding.Dimension), nil
	}
	return embedding.NewClient(embedding.Config{
		APIKey:    cfg.Embedding.APIKey,
		Model:     cfg.Embedding.Model,
		BaseURL:   cfg.Embedding.BaseURL,
		Dimension: cfg.Embedding.Dimension,
		Timeout:   cfg.Embedding.Timeout,
	})
}
