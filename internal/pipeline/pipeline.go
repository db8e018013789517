// Package pipeline turns raw document text into deduplicated chunks and
// hands them to the vector store. Splitting is token-aware so chunk budgets
// line up with what the embedder counts.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/tmc/langchaingo/textsplitter"
	"go.uber.org/zap"

	"github.com/oakheim/docbase/internal/logging"
	"github.com/oakheim/docbase/internal/tokens"
	"github.com/oakheim/docbase/internal/vectorstore"
)

// Defaults for the recursive splitter.
const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 100
)

// chunkSeparators is the preference order for split points.
var chunkSeparators = []string{"\n\n", "\n", "<br />", " ", ""}

// SplitterConfig tunes the text splitter.
type SplitterConfig struct {
	ChunkSize    int `koanf:"chunk_size"`
	ChunkOverlap int `koanf:"chunk_overlap"`
}

// hashFilter separates unseen content hashes from already-ingested ones.
type hashFilter interface {
	FilterNewHashes(ctx context.Context, clientID string, hashes []string) []string
}

// documentStore is the ingestion entry point of the vector store.
type documentStore interface {
	AddDocuments(ctx context.Context, docs []vectorstore.Document, taskID, clientID, deptID, urlCorrelationID string) (*vectorstore.AddSummary, error)
}

// Pipeline splits, deduplicates and ingests documents.
type Pipeline struct {
	splitter textsplitter.TextSplitter
	hashes   hashFilter
	store    documentStore
	logger   *logging.Logger
}

// New creates a Pipeline. The splitter measures length in tokens so the
// chunk size is a token budget, not a character count.
func New(store documentStore, hashes hashFilter, counter *tokens.Counter,
	logger *logging.Logger, cfg SplitterConfig) *Pipeline {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = DefaultChunkOverlap
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(cfg.ChunkSize),
		textsplitter.WithChunkOverlap(cfg.ChunkOverlap),
		textsplitter.WithSeparators(chunkSeparators),
		textsplitter.WithLenFunc(counter.Count),
	)

	return &Pipeline{
		splitter: splitter,
		hashes:   hashes,
		store:    store,
		logger:   logger,
	}
}

// Summary reports one pipeline run.
type Summary struct {
	Chunks     int
	Duplicates int
	Ingest     *vectorstore.AddSummary
}

// Process splits the documents into chunks, drops chunks whose content was
// already ingested for this tenant, and sends the rest to the vector store.
// A run where every chunk is a duplicate succeeds with a nil Ingest.
func (p *Pipeline) Process(ctx context.Context, docs []vectorstore.Document,
	taskID, clientID, deptID, urlCorrelationID string) (*Summary, error) {

	chunks, err := p.split(docs)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, vectorstore.ErrNoValidDocuments
	}

	fresh := p.dedupe(ctx, clientID, chunks)
	summary := &Summary{
		Chunks:     len(chunks),
		Duplicates: len(chunks) - len(fresh),
	}
	if summary.Duplicates > 0 {
		p.logger.Info(ctx, "skipping duplicate chunks",
			zap.String("client_id", clientID),
			zap.Int("duplicates", summary.Duplicates),
			zap.Int("total", len(chunks)),
		)
	}
	if len(fresh) == 0 {
		return summary, nil
	}

	ingest, err := p.store.AddDocuments(ctx, fresh, taskID, clientID, deptID, urlCorrelationID)
	if err != nil {
		return summary, err
	}
	summary.Ingest = ingest
	return summary, nil
}

// split breaks every document into chunk documents carrying the parent's
// source and metadata.
func (p *Pipeline) split(docs []vectorstore.Document) ([]vectorstore.Document, error) {
	var out []vectorstore.Document
	for _, doc := range docs {
		pieces, err := p.splitter.SplitText(doc.Content)
		if err != nil {
			return nil, fmt.Errorf("splitting document from %q: %w", doc.Source, err)
		}
		for _, piece := range pieces {
			out = append(out, vectorstore.Document{
				Content:  piece,
				Source:   doc.Source,
				Metadata: doc.Metadata,
			})
		}
	}
	return out, nil
}

// dedupe keeps only chunks whose content hash has not been ingested for this
// tenant before. Hash collisions across identical content are the point:
// re-uploading the same file is a no-op.
func (p *Pipeline) dedupe(ctx context.Context, clientID string, chunks []vectorstore.Document) []vectorstore.Document {
	hashes := make([]string, len(chunks))
	byHash := make(map[string][]vectorstore.Document, len(chunks))
	for i, chunk := range chunks {
		h := ContentHash(chunk.Content)
		hashes[i] = h
		byHash[h] = append(byHash[h], chunk)
	}

	var fresh []vectorstore.Document
	for _, h := range p.hashes.FilterNewHashes(ctx, clientID, hashes) {
		if docs, ok := byHash[h]; ok {
			// Identical chunks within one upload collapse to a single copy.
			fresh = append(fresh, docs[0])
			delete(byHash, h)
		}
	}
	return fresh
}

// ContentHash is the dedup key for a chunk body.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
