// Package config provides application configuration with multi-source priority.
//
// Sources, highest priority first:
//  1. Environment variables (LOREKEEP_* overrides)
//  2. Config file (~/.lorekeep/config.yaml or ./config.yaml)
//  3. Defaults
//
// Categories:
//   - Storage: PostgreSQL + pgvector connection
//   - Embedder: provider model and vector dimensionality
//   - Chunker: token window bounds shared by both split strategies
//   - Pipeline: worker pool, run timeout, run lock
//   - Retrieval: top-K, similarity threshold, per-document cap, token budget
//   - Sources: the content origins to crawl, each with its own strategy
//
// Validation is fail-fast: Load returns a sentinel-wrapped error on the
// first invalid value so a misconfigured ingest run never starts.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Sentinel errors for configuration validation. Callers branch with errors.Is.
var (
	ErrConfigNil            = errors.New("configuration is nil")
	ErrInvalidPostgresHost  = errors.New("invalid PostgreSQL host")
	ErrInvalidPostgresPort  = errors.New("invalid PostgreSQL port")
	ErrInvalidPostgresDB    = errors.New("invalid PostgreSQL database name")
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")
	ErrInvalidBatchSize     = errors.New("invalid embed batch size")
	ErrInvalidVersion       = errors.New("invalid collection version")
	ErrInvalidChunkBounds   = errors.New("invalid chunk token bounds")
	ErrInvalidWorkerCount   = errors.New("invalid worker count")
	ErrInvalidTopK          = errors.New("invalid top-k")
	ErrInvalidSimilarity    = errors.New("invalid similarity threshold")
	ErrInvalidPerDocCap     = errors.New("invalid per-document cap")
	ErrNoSources            = errors.New("no sources configured")
	ErrInvalidSource        = errors.New("invalid source entry")
)

const (
	// DefaultEmbedderModel is the Gemini embedding model used for both
	// ingestion and query embedding. Both paths must share one model
	// version or similarity scores become meaningless.
	DefaultEmbedderModel = "gemini-embedding-001"

	// VectorDimension is the pgvector column width. gemini-embedding-001
	// emits 3072 dims by default and supports truncation to 768 via
	// OutputDimensionality; the schema in db/migrations pins 768.
	VectorDimension int32 = 768
)

// Source types understood by the connector registry.
const (
	SourceTypeWiki      = "wiki"
	SourceTypeCodex     = "codex"
	SourceTypeSite      = "site"
	SourceTypeGameFiles = "gamefiles"
)

// Chunk strategies. Which one a source uses is deliberate per-source
// configuration, never inferred from content shape.
const (
	StrategyFlat      = "flat"
	StrategyHierarchy = "hierarchy"
)

// SourceConfig declares one content origin.
type SourceConfig struct {
	ID       string   `mapstructure:"id" json:"id"`
	Type     string   `mapstructure:"type" json:"type"`
	Endpoint string   `mapstructure:"endpoint" json:"endpoint"`
	Strategy string   `mapstructure:"strategy" json:"strategy"`
	Pages    []string `mapstructure:"pages" json:"pages"` // wiki categories or site URLs
}

// Config stores application configuration.
type Config struct {
	// Storage
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"-"`
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Embedder
	EmbedderModel     string `mapstructure:"embedder_model" json:"embedder_model"`
	EmbedBatchSize    int    `mapstructure:"embed_batch_size" json:"embed_batch_size"`
	EmbedConcurrency  int    `mapstructure:"embed_concurrency" json:"embed_concurrency"`
	EmbedRatePerSec   int    `mapstructure:"embed_rate_per_sec" json:"embed_rate_per_sec"`
	EmbedMaxRetries   int    `mapstructure:"embed_max_retries" json:"embed_max_retries"`
	CollectionVersion int    `mapstructure:"collection_version" json:"collection_version"`

	// Chunker
	ChunkMaxTokens     int `mapstructure:"chunk_max_tokens" json:"chunk_max_tokens"`
	ChunkMinTokens     int `mapstructure:"chunk_min_tokens" json:"chunk_min_tokens"`
	ChunkOverlapTokens int `mapstructure:"chunk_overlap_tokens" json:"chunk_overlap_tokens"`

	// Pipeline
	Workers       int           `mapstructure:"workers" json:"workers"`
	RunTimeout    time.Duration `mapstructure:"run_timeout" json:"run_timeout"`
	FetchRetries  int           `mapstructure:"fetch_retries" json:"fetch_retries"`
	LockPath      string        `mapstructure:"lock_path" json:"lock_path"`
	UserAgent     string        `mapstructure:"user_agent" json:"user_agent"`
	FetchDelay    time.Duration `mapstructure:"fetch_delay" json:"fetch_delay"`
	GameFilesPath string        `mapstructure:"game_files_path" json:"game_files_path"`

	// Retrieval
	TopK          int     `mapstructure:"top_k" json:"top_k"`
	MinSimilarity float32 `mapstructure:"min_similarity" json:"min_similarity"`
	PerDocCap     int     `mapstructure:"per_doc_cap" json:"per_doc_cap"`
	TokenBudget   int     `mapstructure:"token_budget" json:"token_budget"`

	// Observability (optional OTLP trace export)
	TracingEnabled bool   `mapstructure:"tracing_enabled" json:"tracing_enabled"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint" json:"otlp_endpoint"`

	// Sources
	Sources []SourceConfig `mapstructure:"sources" json:"sources"`
}

// Load reads configuration following the priority order documented above.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".lorekeep")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")
	v.SetEnvPrefix("LOREKEEP")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, defaults carry the day.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Storage
	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "lorekeep")
	v.SetDefault("postgres_password", "lorekeep_dev_password")
	v.SetDefault("postgres_db_name", "lorekeep")
	v.SetDefault("postgres_ssl_mode", "disable")

	// Embedder
	v.SetDefault("embedder_model", DefaultEmbedderModel)
	v.SetDefault("embed_batch_size", 100)
	v.SetDefault("embed_concurrency", 4)
	v.SetDefault("embed_rate_per_sec", 10)
	v.SetDefault("embed_max_retries", 3)
	v.SetDefault("collection_version", 1)

	// Chunker
	v.SetDefault("chunk_max_tokens", 512)
	v.SetDefault("chunk_min_tokens", 128)
	v.SetDefault("chunk_overlap_tokens", 50)

	// Pipeline
	v.SetDefault("workers", 4)
	v.SetDefault("run_timeout", "30m")
	v.SetDefault("fetch_retries", 3)
	v.SetDefault("lock_path", filepath.Join(os.TempDir(), "lorekeep-ingest.lock"))
	v.SetDefault("user_agent", "lorekeep/1.0 (+https://github.com/lorekeep/lorekeep)")
	v.SetDefault("fetch_delay", "500ms")
	v.SetDefault("game_files_path", "")

	// Retrieval
	v.SetDefault("top_k", 5)
	v.SetDefault("min_similarity", 0.3)
	v.SetDefault("per_doc_cap", 2)
	v.SetDefault("token_budget", 2000)

	// Observability
	v.SetDefault("tracing_enabled", false)
	v.SetDefault("otlp_endpoint", "localhost:4318")
}

// PostgresURL returns the connection URL for pgx and golang-migrate.
func (c *Config) PostgresURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.PostgresUser, c.PostgresPassword,
		c.PostgresHost, c.PostgresPort,
		c.PostgresDBName, c.PostgresSSLMode)
}
