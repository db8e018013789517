package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/oakheim/docbase/internal/qdrant"
	"github.com/oakheim/docbase/internal/sizing"
)

// CollectionRecord is one exported point: its identifier plus payload.
type CollectionRecord struct {
	ID      string                 `json:"id"`
	Payload map[string]interface{} `json:"payload"`
}

// GetCollectionData exports every payload of a tenant's collection,
// optionally narrowed to a department. Suitable for small collections; large
// exports should use StreamCollectionData.
func (s *Store) GetCollectionData(ctx context.Context, clientID, deptID string) ([]CollectionRecord, error) {
	var records []CollectionRecord
	err := s.scanCollection(ctx, clientID, deptID, func(point *qdrant.Point) error {
		records = append(records, CollectionRecord{ID: point.ID, Payload: point.Payload})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// StreamCollectionData writes one JSON record per point to w, newline
// delimited, without materializing the export in memory.
func (s *Store) StreamCollectionData(ctx context.Context, clientID, deptID string, w io.Writer) error {
	enc := json.NewEncoder(w)
	return s.scanCollection(ctx, clientID, deptID, func(point *qdrant.Point) error {
		return enc.Encode(CollectionRecord{ID: point.ID, Payload: point.Payload})
	})
}

// CollectionSizeMB sums the UTF-8 byte size of stored chunk text for a
// tenant, optionally narrowed to specific sources (exact for names, prefix
// for URLs), and reports it in megabytes.
func (s *Store) CollectionSizeMB(ctx context.Context, clientID, deptID string, sources []string) (float64, error) {
	var bytes int64
	err := s.scanCollection(ctx, clientID, deptID, func(point *qdrant.Point) error {
		if len(sources) > 0 {
			source, _ := point.Payload[fieldSource].(string)
			if !matchesSource(source, sources) {
				return nil
			}
		}
		if content, ok := point.Payload[fieldContent].(string); ok {
			bytes += int64(len(content))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return float64(bytes) / (1024 * 1024), nil
}

// scanCollection pages through a tenant's points without vectors, invoking
// visit for each.
func (s *Store) scanCollection(ctx context.Context, clientID, deptID string, visit func(*qdrant.Point) error) error {
	collection := s.CollectionName(clientID)
	filter := tenantFilter(clientID, deptID, nil)

	offset := ""
	for {
		page, err := s.client.Scroll(ctx, collection, qdrant.ScrollRequest{
			Filter: filter,
			Limit:  scanPageSize,
			Offset: offset,
		})
		if err != nil {
			return fmt.Errorf("scanning %q: %w", collection, err)
		}
		for _, point := range page.Points {
			if err := visit(point); err != nil {
				return err
			}
		}
		if page.NextOffset == "" {
			return nil
		}
		offset = page.NextOffset
	}
}

// SizeBreakdown itemizes where a tenant's storage goes.
type SizeBreakdown struct {
	VectorsMB  float64 `json:"vectors_mb"`
	PayloadMB  float64 `json:"payload_mb"`
	IDsMB      float64 `json:"ids_mb"`
	TotalItems int     `json:"total_items"`
	TotalMB    float64 `json:"total_mb"`
}

// CollectionSizeDetailed walks a tenant's points with vectors and reports a
// per-component size breakdown. A missing collection reports all zeros.
func (s *Store) CollectionSizeDetailed(ctx context.Context, clientID, deptID string) (*SizeBreakdown, error) {
	collection := s.CollectionName(clientID)
	exists, err := s.client.CollectionExists(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("checking collection %q: %w", collection, err)
	}
	if !exists {
		return &SizeBreakdown{}, nil
	}

	var vectorBytes, payloadBytes, idBytes int64
	breakdown := &SizeBreakdown{}
	filter := tenantFilter(clientID, deptID, nil)

	offset := ""
	for {
		page, err := s.client.Scroll(ctx, collection, qdrant.ScrollRequest{
			Filter:      filter,
			Limit:       scanPageSize,
			Offset:      offset,
			WithVectors: true,
		})
		if err != nil {
			return nil, fmt.Errorf("scanning %q: %w", collection, err)
		}
		for _, point := range page.Points {
			breakdown.TotalItems++
			vectorBytes += int64(len(point.Vector)) * 4
			idBytes += int64(len(point.ID))
			if encoded, err := json.Marshal(point.Payload); err == nil {
				payloadBytes += int64(len(encoded))
			}
		}
		if page.NextOffset == "" {
			break
		}
		offset = page.NextOffset
	}

	const mb = 1024 * 1024
	breakdown.VectorsMB = float64(vectorBytes) / mb
	breakdown.PayloadMB = float64(payloadBytes) / mb
	breakdown.IDsMB = float64(idBytes) / mb
	breakdown.TotalMB = breakdown.VectorsMB + breakdown.PayloadMB + breakdown.IDsMB
	return breakdown, nil
}

// Properties summarizes a tenant's collection state.
type Properties struct {
	Name   string      `json:"name"`
	Exists bool        `json:"exists"`
	Points uint64      `json:"points_count"`
	Sizing sizing.Info `json:"sizing"`
}

// CollectionProperties reports the collection's name, live point count and
// current sizing classification.
func (s *Store) CollectionProperties(ctx context.Context, clientID string) (*Properties, error) {
	collection := s.CollectionName(clientID)
	props := &Properties{Name: collection}

	exists, err := s.client.CollectionExists(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("checking collection %q: %w", collection, err)
	}
	if !exists {
		return props, nil
	}
	props.Exists = true

	count, err := s.client.PointCount(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("counting points in %q: %w", collection, err)
	}
	props.Points = count
	props.Sizing = s.sizer.CachedInfo(ctx, collection)
	return props, nil
}
