// Docbase is the document knowledge-base service: multi-tenant document
// ingestion into Qdrant with token-budgeted embedding batching, plus
// retrieval-augmented question answering over the indexed content.
//
// Configuration is loaded from environment variables. See internal/config
// for the full list.
//
// Usage:
//
//	# Start with defaults
//	docbase
//
//	# Configure via environment
//	SERVER_PORT=9090 QDRANT_HOST=qdrant.internal docbase
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/oakheim/docbase/internal/answer"
	"github.com/oakheim/docbase/internal/config"
	"github.com/oakheim/docbase/internal/embeddings"
	"github.com/oakheim/docbase/internal/logging"
	"github.com/oakheim/docbase/internal/parser"
	"github.com/oakheim/docbase/internal/pipeline"
	"github.com/oakheim/docbase/internal/progress"
	"github.com/oakheim/docbase/internal/qdrant"
	"github.com/oakheim/docbase/internal/server"
	"github.com/oakheim/docbase/internal/sizing"
	"github.com/oakheim/docbase/internal/statusstore"
	"github.com/oakheim/docbase/internal/tokens"
	"github.com/oakheim/docbase/internal/vectorstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "docbase: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info(ctx, "received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}

	pool, err := statusstore.Connect(ctx, statusstore.Config{URL: cfg.Postgres.DSN})
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pool.Close()

	statuses := statusstore.New(pool, logger)
	if err := statuses.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("preparing status schema: %w", err)
	}

	qdrantClient, err := qdrant.NewGRPCClient(&qdrant.ClientConfig{
		Host:   cfg.Qdrant.Host,
		Port:   cfg.Qdrant.Port,
		UseTLS: cfg.Qdrant.UseTLS,
		APIKey: cfg.Qdrant.APIKey,
	}, logger)
	if err != nil {
		return fmt.Errorf("connecting to qdrant: %w", err)
	}
	defer qdrantClient.Close()

	embedService, err := embeddings.NewService(embeddings.Config{
		BaseURL: cfg.Embeddings.BaseURL,
		Model:   cfg.Embeddings.Model,
		APIKey:  cfg.Embeddings.APIKey,
		Timeout: cfg.Embeddings.Timeout,
	})
	if err != nil {
		return fmt.Errorf("creating embedding service: %w", err)
	}

	counter := tokens.NewCounter(cfg.Embeddings.Model)

	batcher := embeddings.NewBatchEmbedder(embedService, counter, logger, embeddings.BatchConfig{
		MaxBatchSize: cfg.Embeddings.MaxBatchSize,
		TokenBudget:  cfg.Embeddings.TokenBudget,
		Concurrency:  int64(cfg.Embeddings.Concurrency),
		MaxRetries:   cfg.Embeddings.MaxRetries,
		CostPer1K:    cfg.Embeddings.CostPer1K,
	})

	sizer := sizing.NewManager(redisClient, qdrantClient, logger)
	reporter := progress.NewReporter(redisClient, logger)

	store := vectorstore.New(qdrantClient, embedService, batcher, sizer, reporter, logger, vectorstore.Config{
		CollectionPrefix: cfg.Qdrant.CollectionPrefix,
		VectorSize:       cfg.Qdrant.VectorSize,
		MinChunkChars:    cfg.Ingest.MinChunkChars,
	})

	ingestor := pipeline.New(store, reporter, counter, logger, pipeline.SplitterConfig{
		ChunkSize:    cfg.Ingest.ChunkSize,
		ChunkOverlap: cfg.Ingest.ChunkOverlap,
	})
	crawler := pipeline.NewCrawler(statuses, nil, logger)

	llm, err := answer.NewLLM(answer.Config{
		Model:       cfg.Answer.Model,
		APIKey:      cfg.Answer.APIKey,
		BaseURL:     cfg.Answer.BaseURL,
		Temperature: cfg.Answer.Temperature,
	})
	if err != nil {
		return fmt.Errorf("creating answer model: %w", err)
	}
	asker := answer.NewService(store, llm, counter, logger, answer.Config{
		Model:           cfg.Answer.Model,
		Temperature:     cfg.Answer.Temperature,
		InputRatePer1K:  cfg.Answer.InputRatePer1K,
		OutputRatePer1K: cfg.Answer.OutputRatePer1K,
	})

	srv, err := server.NewServer(server.Deps{
		Store:      store,
		Ingestor:   ingestor,
		Crawler:    crawler,
		Progress:   reporter,
		Asker:      asker,
		Parsers:    parser.NewRegistry(logger),
		Statuses:   statuses,
		CrawlDepth: cfg.Ingest.MaxCrawlDepth,
	}, logger, server.Config{Port: cfg.Server.Port})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	go runMaintenance(ctx, statuses, srv, cfg.Retention, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	logger.Info(ctx, "docbase started", zap.Int("port", cfg.Server.Port))

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info(context.Background(), "docbase stopped")
	return nil
}

// runMaintenance periodically drops stale scrape-status rows and idle chat
// sessions.
func runMaintenance(ctx context.Context, statuses *statusstore.Store, srv *server.Server,
	cfg config.RetentionConfig, logger *logging.Logger) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			statuses.DeleteOldData(ctx, cfg.MaxAge)
			if removed := srv.Sessions().Sweep(server.DefaultSessionTTL); removed > 0 {
				logger.Info(ctx, "swept idle sessions", zap.Int("removed", removed))
			}
		}
	}
}

func newLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	return logging.NewLogger(&logging.Config{
		Level:  level,
		Format: cfg.Format,
		Fields: map[string]string{"service": "docbase"},
	})
}
