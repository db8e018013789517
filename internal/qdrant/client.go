// Package qdrant provides a narrow client interface over the Qdrant vector
// database, decoupling storage orchestration from the gRPC transport.
package qdrant

import (
	"context"
)

// Client defines the vector database operations docbase relies on.
//
// Implementations must be safe for concurrent use. The production
// implementation is GRPCClient; tests substitute an in-memory fake.
type Client interface {
	// Health verifies the server is reachable.
	Health(ctx context.Context) error

	// CollectionExists reports whether the named collection exists.
	CollectionExists(ctx context.Context, name string) (bool, error)

	// CreateCollection creates a collection with the given parameters.
	CreateCollection(ctx context.Context, name string, spec CollectionSpec) error

	// DeleteCollection removes a collection and all its points.
	DeleteCollection(ctx context.Context, name string) error

	// ListCollections returns all collection names.
	ListCollections(ctx context.Context) ([]string, error)

	// UpdateTuning applies HNSW and optimizer parameter changes to an
	// existing collection. Nil fields are left unchanged.
	UpdateTuning(ctx context.Context, name string, tuning Tuning) error

	// PointCount returns the exact number of points in a collection.
	PointCount(ctx context.Context, name string) (uint64, error)

	// Upsert inserts or replaces points. When wait is true the call blocks
	// until the change is durable.
	Upsert(ctx context.Context, collection string, points []*Point, wait bool) error

	// Query performs similarity search returning up to limit points scoring
	// at or above scoreThreshold. hnswEf tunes the search beam width; zero
	// means server default.
	Query(ctx context.Context, collection string, vector []float32, params QueryParams) ([]*ScoredPoint, error)

	// Scroll pages through points matching filter. Pass the NextOffset of
	// the previous page to continue; an empty NextOffset in the result means
	// the scan is complete.
	Scroll(ctx context.Context, collection string, req ScrollRequest) (*Page, error)

	// DeleteByIDs removes the identified points.
	DeleteByIDs(ctx context.Context, collection string, ids []string) error

	// DeleteByFilter removes all points matching the filter.
	DeleteByFilter(ctx context.Context, collection string, filter *Filter) error

	// SetPayload merges payload fields into all points matching the filter.
	SetPayload(ctx context.Context, collection string, filter *Filter, payload map[string]interface{}) error

	// Close releases the underlying connection.
	Close() error
}

// CollectionSpec holds the parameters for creating a collection.
type CollectionSpec struct {
	VectorSize         uint64
	M                  uint64
	EfConstruct        uint64
	FullScanThreshold  uint64
	MaxIndexingThreads uint64
	OnDisk             bool
	ShardNumber        uint32
	IndexingThreshold  uint64
}

// Tuning carries HNSW and optimizer parameter updates. Nil means "leave as
// is"; setting M to zero disables HNSW index construction entirely.
type Tuning struct {
	M                 *uint64
	EfConstruct       *uint64
	IndexingThreshold *uint64
}

// QueryParams bundles similarity search knobs.
type QueryParams struct {
	Limit          uint64
	ScoreThreshold float32
	HnswEf         uint64
	Filter         *Filter
}

// ScrollRequest describes one page of a filtered scan.
type ScrollRequest struct {
	Filter      *Filter
	Limit       uint32
	Offset      string
	WithVectors bool
}

// Page is one page of scroll results. NextOffset is empty when the scan is
// exhausted.
type Page struct {
	Points     []*Point
	NextOffset string
}

// Point represents a vector with its payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]interface{}
}

// ScoredPoint is a point with its similarity score.
type ScoredPoint struct {
	Point
	Score float32
}

// Filter represents search filter conditions.
type Filter struct {
	Must    []Condition
	Should  []Condition
	MustNot []Condition
}

// Condition is a single filter condition on a payload field. Exactly one of
// Match, MatchAny, or Range should be set.
type Condition struct {
	Field    string
	Match    interface{}
	MatchAny []string
	Range    *RangeCondition
}

// RangeCondition represents a numeric range filter.
type RangeCondition struct {
	Gte *float64
	Lte *float64
	Gt  *float64
	Lt  *float64
}

// MatchField builds a filter requiring field == value.
func MatchField(field string, value interface{}) *Filter {
	return &Filter{Must: []Condition{{Field: field, Match: value}}}
}
