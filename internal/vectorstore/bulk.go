package vectorstore

import (
	"context"

	"github.com/oakheim/docbase/internal/qdrant"
	"go.uber.org/zap"
)

// Production HNSW parameters restored when bulk mode ends.
const (
	productionM                 uint64 = 64
	productionEfConstruct       uint64 = 600
	productionIndexingThreshold uint64 = 1_000
)

// startBulk increments the bulk-operation count for a collection, disabling
// index maintenance on the 0→1 transition. The disable is best effort:
// ingestion proceeds even if the config update fails.
func (s *Store) startBulk(ctx context.Context, collection string) {
	s.bulkMu.Lock()
	defer s.bulkMu.Unlock()

	n := s.bulkOps[collection]
	s.bulkOps[collection] = n + 1
	if n > 0 {
		return
	}

	var zero uint64
	err := s.client.UpdateTuning(ctx, collection, qdrant.Tuning{
		M:                 &zero,
		IndexingThreshold: &zero,
	})
	if err != nil {
		s.logger.Warn(ctx, "failed to disable indexing for bulk write",
			zap.String("collection", collection),
			zap.Error(err),
		)
		return
	}
	s.logger.Info(ctx, "bulk mode enabled",
		zap.String("collection", collection),
	)
}

// endBulk decrements the bulk-operation count, restoring production index
// parameters on the 1→0 transition. The counter entry is dropped even when
// the restore fails so later operations are not wedged; a collection can be
// left unindexed if this process then dies, which needs operator attention.
func (s *Store) endBulk(ctx context.Context, collection string) {
	s.bulkMu.Lock()
	defer s.bulkMu.Unlock()

	n := s.bulkOps[collection]
	if n <= 0 {
		return
	}
	if n > 1 {
		s.bulkOps[collection] = n - 1
		return
	}
	delete(s.bulkOps, collection)

	m := productionM
	ef := productionEfConstruct
	threshold := productionIndexingThreshold
	err := s.client.UpdateTuning(ctx, collection, qdrant.Tuning{
		M:                 &m,
		EfConstruct:       &ef,
		IndexingThreshold: &threshold,
	})
	if err != nil {
		s.logger.Error(ctx, "failed to restore indexing after bulk write, collection may stay unindexed",
			zap.String("collection", collection),
			zap.Error(err),
		)
		return
	}
	s.logger.Info(ctx, "bulk mode disabled, indexing restored",
		zap.String("collection", collection),
	)
}

// bulkDepth returns the outstanding bulk-operation count for a collection.
func (s *Store) bulkDepth(collection string) int {
	s.bulkMu.Lock()
	defer s.bulkMu.Unlock()
	return s.bulkOps[collection]
}
