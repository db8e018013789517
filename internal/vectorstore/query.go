package vectorstore

import (
	"context"

	"github.com/oakheim/docbase/internal/qdrant"
	"github.com/oakheim/docbase/internal/sizing"
	"go.uber.org/zap"
)

// QueryResult is the retrieval output for one question.
//
// Distances are 1 − similarity score, so smaller means closer. Sizing carries
// the parameters the answer layer should respect (context window above all).
type QueryResult struct {
	Documents []string
	Metadatas []map[string]interface{}
	Distances []float32
	Sizing    sizing.Info
}

func emptyResult(info sizing.Info) *QueryResult {
	return &QueryResult{
		Documents: []string{},
		Metadatas: []map[string]interface{}{},
		Distances: []float32{},
		Sizing:    info,
	}
}

// QueryDocuments retrieves the chunks most similar to queryText for a tenant.
//
// Retrieval parameters come from the cached sizing of the collection; the
// HNSW beam width scales with point count, clamped to [50, 200]. The query
// path sits on user-facing latency, so every failure degrades to an empty
// result with conservative sizing instead of an error.
func (s *Store) QueryDocuments(ctx context.Context, queryText, clientID, deptID string) *QueryResult {
	collection := s.CollectionName(clientID)

	vector, err := s.embedder.EmbedQuery(ctx, queryText)
	if err != nil {
		s.logger.Warn(ctx, "query embedding failed",
			zap.String("collection", collection),
			zap.Error(err),
		)
		return emptyResult(sizing.Fallback())
	}

	info := s.sizer.CachedInfo(ctx, collection)

	scored, err := s.client.Query(ctx, collection, vector, qdrant.QueryParams{
		Limit:          uint64(info.QueryLimit),
		ScoreThreshold: info.ScoreThreshold,
		HnswEf:         searchBeamWidth(info.Points),
		Filter:         tenantFilter(clientID, deptID, nil),
	})
	if err != nil {
		s.logger.Warn(ctx, "similarity search failed",
			zap.String("collection", collection),
			zap.Error(err),
		)
		return emptyResult(sizing.Fallback())
	}

	result := emptyResult(info)
	for _, point := range scored {
		content, _ := point.Payload[fieldContent].(string)
		result.Documents = append(result.Documents, content)
		result.Metadatas = append(result.Metadatas, point.Payload)
		result.Distances = append(result.Distances, 1-point.Score)
	}
	return result
}

// searchBeamWidth scales hnsw_ef with collection size, clamped to [50, 200].
func searchBeamWidth(points uint64) uint64 {
	ef := points / 100
	if ef < 50 {
		return 50
	}
	if ef > 200 {
		return 200
	}
	return ef
}
