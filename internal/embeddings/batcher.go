package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oakheim/docbase/internal/logging"
	"github.com/oakheim/docbase/internal/tokens"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const maxRetryBackoff = 10 * time.Second

// errEmptyEmbeddingResult marks a batch whose provider response contained no
// vectors and that was too small to split further.
var errEmptyEmbeddingResult = errors.New("provider returned no vectors for batch")

// BatchConfig tunes the batch embedding pipeline.
type BatchConfig struct {
	// MaxBatchSize caps the number of texts per provider request.
	MaxBatchSize int

	// TokenBudget caps the total tokens per provider request.
	TokenBudget int

	// Concurrency is the number of batches embedded in parallel.
	Concurrency int64

	// MaxRetries is the number of attempts per batch before giving up.
	MaxRetries int

	// SplitThreshold is the minimum batch size worth halving after a
	// timeout. Smaller batches are retried whole.
	SplitThreshold int

	// EmptySplitThreshold is the minimum batch size worth halving once
	// when the provider returns no vectors at all.
	EmptySplitThreshold int

	// CostPer1K is the provider price per thousand tokens.
	CostPer1K float64
}

// DefaultBatchConfig returns the pipeline defaults.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxBatchSize:        256,
		TokenBudget:         250_000,
		Concurrency:         8,
		MaxRetries:          3,
		SplitThreshold:      32,
		EmptySplitThreshold: 64,
	}
}

// Result reports the outcome of a batch embedding run.
//
// Vectors is index-aligned with the input texts; entries for texts whose
// batch failed are nil. A failed batch never aborts the run.
type Result struct {
	Vectors     [][]float32
	Embedded    int
	Tokens      int
	Cost        float64
	BatchErrors []error
}

// AllFailed reports whether no text was embedded.
func (r *Result) AllFailed() bool {
	return r.Embedded == 0 && len(r.BatchErrors) > 0
}

// CostString renders the accumulated cost in dollars.
func (r *Result) CostString() string {
	return fmt.Sprintf("%.6f", r.Cost)
}

// BatchEmbedder embeds large text sets in token-budgeted batches with
// bounded concurrency, retrying and splitting batches on failure.
type BatchEmbedder struct {
	client  Client
	counter *tokens.Counter
	logger  *logging.Logger
	cfg     BatchConfig
}

// NewBatchEmbedder creates a batch embedder.
func NewBatchEmbedder(client Client, counter *tokens.Counter, logger *logging.Logger, cfg BatchConfig) *BatchEmbedder {
	defaults := DefaultBatchConfig()
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = defaults.MaxBatchSize
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = defaults.TokenBudget
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.SplitThreshold <= 0 {
		cfg.SplitThreshold = defaults.SplitThreshold
	}
	if cfg.EmptySplitThreshold <= 0 {
		cfg.EmptySplitThreshold = defaults.EmptySplitThreshold
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	return &BatchEmbedder{
		client:  client,
		counter: counter,
		logger:  logger,
		cfg:     cfg,
	}
}

// Batch is one successfully embedded group, index-aligned with the original
// texts passed to Run.
type Batch struct {
	Indices []int
	Vectors [][]float32
	Tokens  int
	Cost    float64
}

// Sink consumes a successfully embedded batch, typically to upsert it and
// publish progress. A non-nil error marks the batch failed. Sinks may be
// called concurrently.
type Sink func(ctx context.Context, batch Batch) error

// EmbedAll embeds every text, grouping them under the item and token caps and
// running up to Concurrency batches in parallel. A failing batch leaves nil
// vectors for its texts and records its error; other batches proceed.
func (b *BatchEmbedder) EmbedAll(ctx context.Context, texts []string) (*Result, error) {
	return b.Run(ctx, texts, nil)
}

// Run embeds every text like EmbedAll and additionally hands each embedded
// batch to sink before recording it. A sink failure counts the batch as
// failed without touching other batches.
func (b *BatchEmbedder) Run(ctx context.Context, texts []string, sink Sink) (*Result, error) {
	result := &Result{Vectors: make([][]float32, len(texts))}
	if len(texts) == 0 {
		return result, nil
	}

	groups := b.counter.GroupByBudget(texts, b.cfg.MaxBatchSize, b.cfg.TokenBudget)
	for batchNum, group := range groups {
		if len(group) == 1 {
			if n := b.counter.Count(texts[group[0]]); n > b.cfg.TokenBudget {
				b.logger.Warn(ctx, "single text exceeds token budget",
					zap.Int("batch", batchNum),
					zap.Int("index", group[0]),
					zap.Int("tokens", n),
					zap.Int("budget", b.cfg.TokenBudget),
				)
			}
		}
	}

	sem := semaphore.NewWeighted(b.cfg.Concurrency)
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	fail := func(batchNum, size int, err error) {
		mu.Lock()
		defer mu.Unlock()
		result.BatchErrors = append(result.BatchErrors,
			fmt.Errorf("batch %d (%d texts): %w", batchNum, size, err))
		b.logger.Warn(ctx, "embedding batch failed",
			zap.Int("batch", batchNum),
			zap.Int("size", size),
			zap.Error(err),
		)
	}

	for batchNum, group := range groups {
		if err := sem.Acquire(ctx, 1); err != nil {
			return result, fmt.Errorf("acquiring batch slot: %w", err)
		}

		wg.Add(1)
		go func(batchNum int, indices []int) {
			defer wg.Done()
			defer sem.Release(1)

			batch := make([]string, len(indices))
			for i, idx := range indices {
				batch[i] = texts[idx]
			}

			vectors, err := b.embedBatch(ctx, batch, true)
			if err != nil {
				fail(batchNum, len(batch), err)
				return
			}

			// The provider may return fewer vectors than texts; keep
			// the aligned prefix and let the rest re-ingest later.
			n := len(vectors)
			if n > len(indices) {
				n = len(indices)
			}
			tokens := 0
			for i := 0; i < n; i++ {
				tokens += b.counter.Count(batch[i])
			}

			if sink != nil {
				out := Batch{
					Indices: indices[:n],
					Vectors: vectors[:n],
					Tokens:  tokens,
					Cost:    float64(tokens) / 1000 * b.cfg.CostPer1K,
				}
				if err := sink(ctx, out); err != nil {
					fail(batchNum, len(batch), err)
					return
				}
			}

			mu.Lock()
			defer mu.Unlock()
			for i := 0; i < n; i++ {
				result.Vectors[indices[i]] = vectors[i]
			}
			result.Embedded += n
			result.Tokens += tokens
		}(batchNum, group)
	}

	wg.Wait()

	result.Cost = float64(result.Tokens) / 1000 * b.cfg.CostPer1K

	b.logger.Info(ctx, "embedding run complete",
		zap.Int("texts", len(texts)),
		zap.Int("batches", len(groups)),
		zap.Int("embedded", result.Embedded),
		zap.Int("failed_batches", len(result.BatchErrors)),
		zap.Int("tokens", result.Tokens),
	)

	return result, nil
}

// embedBatch embeds one batch with retries. Timed-out batches above the split
// threshold are halved and embedded recursively; a batch that comes back
// empty is halved at most once.
func (b *BatchEmbedder) embedBatch(ctx context.Context, batch []string, allowEmptySplit bool) ([][]float32, error) {
	var lastErr error

	for attempt := 0; attempt < b.cfg.MaxRetries; attempt++ {
		vectors, err := b.client.EmbedDocuments(ctx, batch)
		if err != nil {
			lastErr = err

			if isTimeoutError(err) && len(batch) > b.cfg.SplitThreshold {
				b.logger.Debug(ctx, "splitting batch after timeout",
					zap.Int("size", len(batch)),
				)
				return b.embedHalves(ctx, batch, allowEmptySplit)
			}

			if attempt == b.cfg.MaxRetries-1 {
				break
			}

			backoff := min(time.Second<<attempt, maxRetryBackoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			continue
		}

		if len(vectors) == 0 {
			if len(batch) > b.cfg.EmptySplitThreshold && allowEmptySplit {
				b.logger.Debug(ctx, "splitting batch after empty result",
					zap.Int("size", len(batch)),
				)
				return b.embedHalves(ctx, batch, false)
			}
			// An empty response for a small batch never recovers on
			// retry; the batch is permanently failed.
			return nil, errEmptyEmbeddingResult
		}

		return vectors, nil
	}

	return nil, fmt.Errorf("after %d attempts: %w", b.cfg.MaxRetries, lastErr)
}

func (b *BatchEmbedder) embedHalves(ctx context.Context, batch []string, allowEmptySplit bool) ([][]float32, error) {
	mid := len(batch) / 2

	left, err := b.embedBatch(ctx, batch[:mid], allowEmptySplit)
	if err != nil {
		return nil, err
	}
	right, err := b.embedBatch(ctx, batch[mid:], allowEmptySplit)
	if err != nil {
		return nil, err
	}

	// A truncated left half breaks index alignment past the midpoint.
	if len(left) < mid {
		return left, nil
	}
	return append(left, right...), nil
}

func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded")
}
