// Package config provides configuration loading for docbase.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the docbase service.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Qdrant     QdrantConfig     `koanf:"qdrant"`
	Redis      RedisConfig      `koanf:"redis"`
	Postgres   PostgresConfig   `koanf:"postgres"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Answer     AnswerConfig     `koanf:"answer"`
	Ingest     IngestConfig     `koanf:"ingest"`
	Retention  RetentionConfig  `koanf:"retention"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// QdrantConfig holds vector database connection settings.
type QdrantConfig struct {
	Host             string        `koanf:"host"`
	Port             int           `koanf:"port"`
	APIKey           string        `koanf:"api_key"`
	UseTLS           bool          `koanf:"use_tls"`
	CollectionPrefix string        `koanf:"collection_prefix"`
	VectorSize       uint64        `koanf:"vector_size"`
	Timeout          time.Duration `koanf:"timeout"`
}

// RedisConfig holds cache and progress-store connection settings.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// PostgresConfig holds the scrape status database settings.
type PostgresConfig struct {
	DSN string `koanf:"dsn"`
}

// EmbeddingsConfig holds the embedding provider settings.
type EmbeddingsConfig struct {
	BaseURL      string        `koanf:"base_url"`
	Model        string        `koanf:"model"`
	APIKey       string        `koanf:"api_key"`
	Timeout      time.Duration `koanf:"timeout"`
	CostPer1K    float64       `koanf:"cost_per_1k"`
	MaxRetries   int           `koanf:"max_retries"`
	MaxBatchSize int           `koanf:"max_batch_size"`
	TokenBudget  int           `koanf:"token_budget"`
	Concurrency  int           `koanf:"concurrency"`
}

// AnswerConfig holds the chat completion settings. APIKey and BaseURL fall
// back to the embeddings provider when unset.
type AnswerConfig struct {
	Model           string  `koanf:"model"`
	APIKey          string  `koanf:"api_key"`
	BaseURL         string  `koanf:"base_url"`
	Temperature     float64 `koanf:"temperature"`
	InputRatePer1K  float64 `koanf:"input_rate_per_1k"`
	OutputRatePer1K float64 `koanf:"output_rate_per_1k"`
}

// IngestConfig holds document splitting and crawl settings.
type IngestConfig struct {
	ChunkSize     int `koanf:"chunk_size"`
	ChunkOverlap  int `koanf:"chunk_overlap"`
	MinChunkChars int `koanf:"min_chunk_chars"`
	MaxCrawlDepth int `koanf:"max_crawl_depth"`
}

// RetentionConfig controls cleanup of stale status rows and progress keys.
type RetentionConfig struct {
	MaxAge   time.Duration `koanf:"max_age"`
	Interval time.Duration `koanf:"interval"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Qdrant.Host == "" {
		return fmt.Errorf("qdrant host is required")
	}
	if c.Qdrant.Port <= 0 || c.Qdrant.Port > 65535 {
		return fmt.Errorf("qdrant port must be 1-65535, got %d", c.Qdrant.Port)
	}
	if c.Qdrant.VectorSize == 0 {
		return fmt.Errorf("qdrant vector_size is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if c.Embeddings.Model == "" {
		return fmt.Errorf("embeddings model is required")
	}
	if c.Embeddings.MaxBatchSize <= 0 {
		return fmt.Errorf("embeddings max_batch_size must be positive, got %d", c.Embeddings.MaxBatchSize)
	}
	if c.Embeddings.TokenBudget <= 0 {
		return fmt.Errorf("embeddings token_budget must be positive, got %d", c.Embeddings.TokenBudget)
	}
	if c.Embeddings.Concurrency <= 0 {
		return fmt.Errorf("embeddings concurrency must be positive, got %d", c.Embeddings.Concurrency)
	}
	if c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		return fmt.Errorf("ingest chunk_overlap (%d) must be smaller than chunk_size (%d)",
			c.Ingest.ChunkOverlap, c.Ingest.ChunkSize)
	}
	return nil
}
