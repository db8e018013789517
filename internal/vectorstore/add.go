package vectorstore

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/oakheim/docbase/internal/embeddings"
	"github.com/oakheim/docbase/internal/progress"
	"github.com/oakheim/docbase/internal/qdrant"
	"go.uber.org/zap"
)

// AddSummary reports the outcome of one ingestion call.
type AddSummary struct {
	TaskID        string
	Collection    string
	Total         int
	Processed     int
	Tokens        int
	Cost          string
	FailedBatches int
}

// AddDocuments ingests chunks into the tenant's collection.
//
// The whole call runs under a bulk-operation window, embeds in token-budgeted
// batches with bounded concurrency, and publishes incremental progress after
// every upserted batch plus a terminal 100% record. Per-batch failures are
// isolated and reported in the summary; only a setup failure (collection
// unreachable or uncreatable) returns an error.
func (s *Store) AddDocuments(ctx context.Context, docs []Document, taskID, clientID, deptID, urlCorrelationID string) (*AddSummary, error) {
	collection, err := s.GetOrCreateCollection(ctx, clientID)
	if err != nil {
		s.progress.Report(ctx, progress.Status{
			TaskID:  taskID,
			State:   progress.StateFailed,
			Percent: 100,
			Message: err.Error(),
		})
		return nil, err
	}

	valid := normalizeDocuments(docs, s.cfg.MinChunkChars)
	if len(valid) == 0 {
		s.logger.Warn(ctx, "no valid documents after filtering",
			zap.String("task_id", taskID),
			zap.Int("received", len(docs)),
		)
		s.progress.Report(ctx, progress.Status{
			TaskID:  taskID,
			State:   progress.StateFailed,
			Percent: 100,
			Message: ErrNoValidDocuments.Error(),
		})
		return nil, ErrNoValidDocuments
	}

	s.startBulk(ctx, collection)
	defer s.endBulk(ctx, collection)

	total := len(valid)
	s.progress.Report(ctx, progress.Status{
		TaskID: taskID,
		State:  progress.StateRunning,
		Total:  total,
	})

	texts := make([]string, total)
	for i, doc := range valid {
		texts[i] = doc.Content
	}

	var (
		mu        sync.Mutex
		processed int
		tokens    int
		cost      float64
	)

	sink := func(ctx context.Context, batch embeddings.Batch) error {
		points := make([]*qdrant.Point, len(batch.Indices))
		for i, idx := range batch.Indices {
			points[i] = &qdrant.Point{
				ID:      uuid.NewString(),
				Vector:  batch.Vectors[i],
				Payload: buildPayload(valid[idx], taskID, clientID, deptID, urlCorrelationID),
			}
		}
		if err := s.client.Upsert(ctx, collection, points, true); err != nil {
			return fmt.Errorf("upserting %d points: %w", len(points), err)
		}

		mu.Lock()
		processed += len(points)
		tokens += batch.Tokens
		cost += batch.Cost
		snapshot := progress.Status{
			TaskID:    taskID,
			State:     progress.StateRunning,
			Processed: processed,
			Total:     total,
			Tokens:    tokens,
			Cost:      fmt.Sprintf("%.6f", cost),
		}
		mu.Unlock()

		s.progress.Report(ctx, snapshot)
		return nil
	}

	result, runErr := s.batcher.Run(ctx, texts, sink)

	summary := &AddSummary{
		TaskID:        taskID,
		Collection:    collection,
		Total:         total,
		Processed:     result.Embedded,
		Tokens:        result.Tokens,
		Cost:          result.CostString(),
		FailedBatches: len(result.BatchErrors),
	}

	final := progress.Status{
		TaskID:    taskID,
		State:     progress.StateComplete,
		Processed: summary.Processed,
		Total:     total,
		Percent:   100,
		Tokens:    summary.Tokens,
		Cost:      summary.Cost,
	}
	switch {
	case runErr != nil:
		final.State = progress.StateFailed
		final.Message = runErr.Error()
	case result.AllFailed():
		final.State = progress.StateFailed
		final.Message = fmt.Sprintf("all %d batches failed", summary.FailedBatches)
	case summary.FailedBatches > 0:
		final.Message = fmt.Sprintf("partial: embedded %d of %d documents (%d batches failed)",
			summary.Processed, total, summary.FailedBatches)
	}
	s.progress.Report(ctx, final)

	s.sizer.Invalidate(ctx, collection)
	s.sizer.RefreshAsync(ctx, collection)

	s.logger.Info(ctx, "ingestion finished",
		zap.String("task_id", taskID),
		zap.String("collection", collection),
		zap.Int("processed", summary.Processed),
		zap.Int("total", total),
		zap.Int("failed_batches", summary.FailedBatches),
	)

	if runErr != nil {
		return summary, runErr
	}
	return summary, nil
}

// normalizeDocuments strips NUL bytes and drops chunks that are too short to
// carry meaning.
func normalizeDocuments(docs []Document, minChars int) []Document {
	valid := make([]Document, 0, len(docs))
	for _, doc := range docs {
		content := strings.ReplaceAll(doc.Content, "\x00", "")
		if len(strings.TrimSpace(content)) < minChars {
			continue
		}
		doc.Content = content
		valid = append(valid, doc)
	}
	return valid
}

func buildPayload(doc Document, taskID, clientID, deptID, urlCorrelationID string) map[string]interface{} {
	payload := make(map[string]interface{}, len(doc.Metadata)+6)
	for k, v := range doc.Metadata {
		payload[k] = v
	}
	payload[fieldContent] = doc.Content
	payload[fieldSource] = doc.Source
	payload[fieldClientID] = clientID
	payload[fieldDeptID] = deptID
	payload[fieldURLCorrelation] = urlCorrelationID
	payload[fieldTaskID] = taskID
	return payload
}
