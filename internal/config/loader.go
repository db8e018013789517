package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Load reads configuration from environment variables.
//
// Environment variables use underscore separator and are uppercased. The
// transformer splits on the first underscore into section and field name:
//
//	SERVER_PORT            -> server.port
//	QDRANT_COLLECTION_PREFIX -> qdrant.collection_prefix
//	EMBEDDINGS_TOKEN_BUDGET  -> embeddings.token_budget
//
// Missing values fall back to hardcoded defaults, then the result is
// validated.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(env.Provider("", ".", func(s string) string {
		lower := strings.ToLower(s)
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// ApplyDefaults sets default values for missing configuration fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Qdrant.Host == "" {
		cfg.Qdrant.Host = "localhost"
	}
	if cfg.Qdrant.Port == 0 {
		cfg.Qdrant.Port = 6334
	}
	if cfg.Qdrant.CollectionPrefix == "" {
		cfg.Qdrant.CollectionPrefix = "docbase"
	}
	if cfg.Qdrant.VectorSize == 0 {
		cfg.Qdrant.VectorSize = 3072 // text-embedding-3-large dimensions
	}
	if cfg.Qdrant.Timeout == 0 {
		cfg.Qdrant.Timeout = 30 * time.Second
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}

	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "text-embedding-3-large"
	}
	if cfg.Embeddings.Timeout == 0 {
		cfg.Embeddings.Timeout = 60 * time.Second
	}
	if cfg.Embeddings.CostPer1K == 0 {
		cfg.Embeddings.CostPer1K = 0.00013
	}
	if cfg.Embeddings.MaxRetries == 0 {
		cfg.Embeddings.MaxRetries = 3
	}
	if cfg.Embeddings.MaxBatchSize == 0 {
		cfg.Embeddings.MaxBatchSize = 256
	}
	if cfg.Embeddings.TokenBudget == 0 {
		cfg.Embeddings.TokenBudget = 250_000
	}
	if cfg.Embeddings.Concurrency == 0 {
		cfg.Embeddings.Concurrency = 8
	}

	if cfg.Answer.Model == "" {
		cfg.Answer.Model = "gpt-4o-mini"
	}
	if cfg.Answer.APIKey == "" {
		cfg.Answer.APIKey = cfg.Embeddings.APIKey
	}
	if cfg.Answer.BaseURL == "" {
		cfg.Answer.BaseURL = cfg.Embeddings.BaseURL
	}
	if cfg.Answer.InputRatePer1K == 0 {
		cfg.Answer.InputRatePer1K = 0.00015
	}
	if cfg.Answer.OutputRatePer1K == 0 {
		cfg.Answer.OutputRatePer1K = 0.0006
	}

	if cfg.Ingest.ChunkSize == 0 {
		cfg.Ingest.ChunkSize = 500
	}
	if cfg.Ingest.ChunkOverlap == 0 {
		cfg.Ingest.ChunkOverlap = 100
	}
	if cfg.Ingest.MinChunkChars == 0 {
		cfg.Ingest.MinChunkChars = 5
	}
	if cfg.Ingest.MaxCrawlDepth == 0 {
		cfg.Ingest.MaxCrawlDepth = 2
	}

	if cfg.Retention.MaxAge == 0 {
		cfg.Retention.MaxAge = 8 * time.Hour
	}
	if cfg.Retention.Interval == 0 {
		cfg.Retention.Interval = time.Hour
	}
}
