// Package config provides unified configuration loading for the engine.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the engine.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Cache         CacheConfig         `yaml:"cache"`
	Blob          BlobConfig          `yaml:"blob"`
	Vector        VectorConfig        `yaml:"vector"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	LLM           LLMConfig           `yaml:"llm"`
	Screening     ScreeningConfig     `yaml:"screening"`
	Jobs          JobsConfig          `yaml:"jobs"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	APIKey           string        `yaml:"api_key"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// DatabaseConfig holds metadata store connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"` // sqlite or postgres
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	JournalMode  string `yaml:"journal_mode"`
}

// PostgresConfig holds Postgres-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// CacheConfig holds cache settings for job status snapshots and
// screening decisions.
type CacheConfig struct {
	Driver string        `yaml:"driver"` // memory or redis
	TTL    time.Duration `yaml:"ttl"`
	Redis  RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// BlobConfig holds blob store settings.
type BlobConfig struct {
	Driver   string   `yaml:"driver"` // local or s3
	LocalDir string   `yaml:"local_dir"`
	S3       S3Config `yaml:"s3"`
}

// S3Config holds S3-specific settings.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// VectorConfig holds vector index settings. Dimension and distance are
// declared here and validated against the live collection at startup.
type VectorConfig struct {
	CollectionName string `yaml:"collection_name"`
	Dimension      int    `yaml:"dimension"`
	Distance       string `yaml:"distance"` // cosine
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	Provider  string        `yaml:"provider"`
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	Dimension int           `yaml:"dimension"`
	BatchSize int           `yaml:"batch_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

// LLMConfig holds chat completion provider settings.
type LLMConfig struct {
	Provider   string        `yaml:"provider"`
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	Timeout    time.Duration `yaml:"timeout"`
	RatePerSec float64       `yaml:"rate_per_sec"`
	RateBurst  int           `yaml:"rate_burst"`
}

// ScreeningConfig holds quality screening settings.
type ScreeningConfig struct {
	Model          string         `yaml:"model"`
	CacheTTL       time.Duration  `yaml:"cache_ttl"`
	TierThresholds TierThresholds `yaml:"tier_thresholds"`
}

// TierThresholds maps quality scores to tiers. A score at or above a
// threshold lands in that tier; D is the floor.
type TierThresholds struct {
	A float64 `yaml:"a"`
	B float64 `yaml:"b"`
	C float64 `yaml:"c"`
	D float64 `yaml:"d"`
}

// JobsConfig holds job manager and worker pool settings.
type JobsConfig struct {
	WorkerPoolSize       int           `yaml:"worker_pool_size"`
	EmbedConcurrency     int           `yaml:"embed_concurrency_per_job"`
	PriorityLevels       int           `yaml:"priority_levels"`
	MaxRetryAttempts     int           `yaml:"max_retry_attempts"`
	RetryBase            time.Duration `yaml:"retry_base"`
	RetryMax             time.Duration `yaml:"retry_max"`
	DuplicatePolicy      string        `yaml:"duplicate_policy"` // reject or reuse
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	StatusTTL            time.Duration `yaml:"status_ttl"`
	SubscriberBufferSize int           `yaml:"subscriber_buffer_size"`
}

// PipelineConfig holds per-stage timeouts and chunking settings.
type PipelineConfig struct {
	StageTimeouts  StageTimeouts `yaml:"stage_timeouts"`
	Chunk          ChunkConfig   `yaml:"chunk"`
	TrackingParams []string      `yaml:"url_tracking_params_to_strip"`
}

// StageTimeouts bound each blocking pipeline stage.
type StageTimeouts struct {
	Extract   time.Duration `yaml:"extract"`
	Screen    time.Duration `yaml:"screen"`
	Transform time.Duration `yaml:"transform"`
	Embed     time.Duration `yaml:"embed"` // per embedding call
	Store     time.Duration `yaml:"store"` // per backend write
}

// ChunkConfig holds sliding-window chunking settings.
type ChunkConfig struct {
	TargetChars  int `yaml:"target_chars"`
	OverlapChars int `yaml:"overlap_chars"`
}

// RetrievalConfig holds retrieval and citation settings.
type RetrievalConfig struct {
	DefaultTopK   int     `yaml:"default_top_k"`
	MaxTopK       int     `yaml:"max_top_k"`
	MinScore      float64 `yaml:"min_score"`
	QuoteMaxChars int     `yaml:"quote_max_chars"`
}

// ObservabilityConfig holds logging and metrics settings.
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8090,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     0, // SSE streams must not be write-bounded
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{
				Path:         "/tmp/citetrace.db",
				MaxOpenConns: 1,
				JournalMode:  "WAL",
			},
			Postgres: PostgresConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Cache: CacheConfig{
			Driver: "memory",
			TTL:    24 * time.Hour,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				DB:       0,
				PoolSize: 10,
			},
		},
		Blob: BlobConfig{
			Driver:   "local",
			LocalDir: "/tmp/citetrace-blobs",
			S3: S3Config{
				Region: "us-east-1",
			},
		},
		Vector: VectorConfig{
			CollectionName: "content_chunks",
			Dimension:      384,
			Distance:       "cosine",
		},
		Embedding: EmbeddingConfig{
			Provider:  "mock",
			Model:     "all-MiniLM-L6-v2",
			Dimension: 384,
			BatchSize: 64,
			Timeout:   10 * time.Second,
		},
		LLM: LLMConfig{
			Provider:   "openrouter",
			BaseURL:    "https://openrouter.ai/api/v1",
			Model:      "anthropic/claude-3.5-sonnet",
			Timeout:    60 * time.Second,
			RatePerSec: 5,
			RateBurst:  10,
		},
		Screening: ScreeningConfig{
			Model:    "anthropic/claude-3.5-haiku",
			CacheTTL: 7 * 24 * time.Hour,
			TierThresholds: TierThresholds{
				A: 9.0,
				B: 7.0,
				C: 5.0,
				D: 0.0,
			},
		},
		Jobs: JobsConfig{
			WorkerPoolSize:       4,
			EmbedConcurrency:     8,
			PriorityLevels:       10,
			MaxRetryAttempts:     3,
			RetryBase:            2 * time.Second,
			RetryMax:             5 * time.Minute,
			DuplicatePolicy:      "reuse",
			HeartbeatInterval:    15 * time.Second,
			StatusTTL:            24 * time.Hour,
			SubscriberBufferSize: 64,
		},
		Pipeline: PipelineConfig{
			StageTimeouts: StageTimeouts{
				Extract:   60 * time.Second,
				Screen:    15 * time.Second,
				Transform: 120 * time.Second,
				Embed:     10 * time.Second,
				Store:     10 * time.Second,
			},
			Chunk: ChunkConfig{
				TargetChars:  1000,
				OverlapChars: 200,
			},
			TrackingParams: nil, // nil selects the identity package defaults
		},
		Retrieval: RetrievalConfig{
			DefaultTopK:   8,
			MaxTopK:       50,
			MinScore:      0.0,
			QuoteMaxChars: 300,
		},
		Observability: ObservabilityConfig{
			LogLevel:       "debug",
			LogFormat:      "json",
			MetricsEnabled: true,
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}

	if c.Cache.Driver != "memory" && c.Cache.Driver != "redis" {
		return fmt.Errorf("invalid cache driver: %s", c.Cache.Driver)
	}

	if c.Blob.Driver != "local" && c.Blob.Driver != "s3" {
		return fmt.Errorf("invalid blob driver: %s", c.Blob.Driver)
	}

	if c.Vector.Distance != "cosine" {
		return fmt.Errorf("unsupported distance metric: %s", c.Vector.Distance)
	}

	if c.Vector.Dimension < 1 {
		return fmt.Errorf("vector dimension must be positive: %d", c.Vector.Dimension)
	}

	if c.Embedding.Dimension != c.Vector.Dimension {
		return fmt.Errorf("embedding dimension %d does not match vector collection dimension %d",
			c.Embedding.Dimension, c.Vector.Dimension)
	}

	if c.Jobs.WorkerPoolSize < 1 {
		return fmt.Errorf("worker_pool_size must be at least 1")
	}

	if c.Jobs.MaxRetryAttempts < 1 || c.Jobs.MaxRetryAttempts > 10 {
		return fmt.Errorf("max_retry_attempts must be between 1 and 10")
	}

	if c.Jobs.DuplicatePolicy != "reject" && c.Jobs.DuplicatePolicy != "reuse" {
		return fmt.Errorf("invalid duplicate_policy: %s", c.Jobs.DuplicatePolicy)
	}

	if c.Pipeline.Chunk.TargetChars < 1 {
		return fmt.Errorf("chunk target_chars must be positive")
	}

	if c.Pipeline.Chunk.OverlapChars < 0 || c.Pipeline.Chunk.OverlapChars >= c.Pipeline.Chunk.TargetChars {
		return fmt.Errorf("chunk overlap_chars must be in [0, target_chars)")
	}

	th := c.Screening.TierThresholds
	if !(th.A >= th.B && th.B >= th.C && th.C >= th.D) {
		return fmt.Errorf("tier thresholds must be monotonically decreasing A >= B >= C >= D")
	}

	if c.Retrieval.MaxTopK < 1 {
		return fmt.Errorf("max_top_k must be at least 1")
	}

	return nil
}

// EmbedConcurrency returns the effective per-job embedding fan-out,
// defaulting to min(8, 2*workers) when unset.
func (c *Config) EmbedConcurrency() int {
	if c.Jobs.EmbedConcurrency > 0 {
		return c.Jobs.EmbedConcurrency
	}
	n := c.Jobs.WorkerPoolSize * 2
	if n > 8 {
		n = 8
	}
	if n < 1 {
		n = 1
	}
	return n
}

// IsDevelopment returns true if running against local backends.
func (c *Config) IsDevelopment() bool {
	return c.Database.Driver == "sqlite" && c.Blob.Driver == "local"
}

// DatabaseDSN returns the appropriate database connection string.
func (c *Config) DatabaseDSN() string {
	if c.Database.Driver == "sqlite" {
		return c.Database.SQLite.Path
	}
	return c.Database.Postgres.DSN
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := os.Getenv("API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		if strings.HasPrefix(v, "sqlite:") {
			cfg.Database.Driver = "sqlite"
			cfg.Database.SQLite.Path = strings.TrimPrefix(v, "sqlite:")
		} else if strings.HasPrefix(v, "postgres") {
			cfg.Database.Driver = "postgres"
			cfg.Database.Postgres.DSN = v
		}
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.Driver = "redis"
		cfg.Cache.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("BLOB_BUCKET"); v != "" {
		cfg.Blob.Driver = "s3"
		cfg.Blob.S3.Bucket = v
	}

	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Blob.S3.Region = v
	}

	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		cfg.Blob.S3.Endpoint = v
	}

	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}

	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}

	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}

	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}

	if v := os.Getenv("EMBEDDING_BASE_URL"); v != "" {
		cfg.Embedding.Provider = "http"
		cfg.Embedding.BaseURL = v
	}

	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}

	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Jobs.WorkerPoolSize = n
		}
	}

	if v := os.Getenv("DUPLICATE_POLICY"); v != "" {
		cfg.Jobs.DuplicatePolicy = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}

// ResolveRelativePath resolves a path relative to the config file location.
func ResolveRelativePath(configPath, targetPath string) string {
	if filepath.IsAbs(targetPath) {
		return targetPath
	}
	configDir := filepath.Dir(configPath)
	return filepath.Join(configDir, targetPath)
}
