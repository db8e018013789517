// Package vectorstore owns per-tenant vector collections: ingestion with
// bulk-indexing toggling, size-adaptive querying, and safe mutation of live
// collections by source identity.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/oakheim/docbase/internal/embeddings"
	"github.com/oakheim/docbase/internal/logging"
	"github.com/oakheim/docbase/internal/progress"
	"github.com/oakheim/docbase/internal/qdrant"
	"github.com/oakheim/docbase/internal/sizing"
	"go.uber.org/zap"
)

// Payload field names on every point.
const (
	fieldContent        = "content"
	fieldSource         = "source"
	fieldClientID       = "client_id"
	fieldDeptID         = "dept_id"
	fieldURLCorrelation = "url_correlation_id"
	fieldTaskID         = "task_id"
)

// InactiveTenant is the sentinel client_id carried by deactivated points.
const InactiveTenant = "inactive"

// tempSuffix names the shadow collection holding deactivated sources.
const tempSuffix = "_temp"

var (
	// ErrSetupFailed indicates the store could not be reached or the
	// collection could not be prepared; nothing was ingested.
	ErrSetupFailed = errors.New("vector store setup failed")

	// ErrNoValidDocuments indicates every chunk was filtered out during
	// normalization.
	ErrNoValidDocuments = errors.New("no valid documents after filtering")
)

// Sizer resolves cached collection sizing.
type Sizer interface {
	CachedInfo(ctx context.Context, collection string) sizing.Info
	Invalidate(ctx context.Context, collection string)
	RefreshAsync(ctx context.Context, collection string)
}

// ProgressReporter publishes ingestion progress records.
type ProgressReporter interface {
	Report(ctx context.Context, status progress.Status)
}

// Document is one chunk of text to ingest.
type Document struct {
	Content  string
	Source   string
	Metadata map[string]interface{}
}

// Config holds store-level settings.
type Config struct {
	// CollectionPrefix namespaces all collections, e.g. "docbase".
	CollectionPrefix string

	// VectorSize is the embedding dimension.
	VectorSize uint64

	// MinChunkChars drops chunks shorter than this after normalization.
	MinChunkChars int
}

// ApplyDefaults sets defaults for unset fields.
func (c *Config) ApplyDefaults() {
	if c.CollectionPrefix == "" {
		c.CollectionPrefix = "docbase"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 3072
	}
	if c.MinChunkChars == 0 {
		c.MinChunkChars = 5
	}
}

// Store coordinates one collection per tenant plus its temp shadow.
type Store struct {
	client   qdrant.Client
	embedder embeddings.Client
	batcher  *embeddings.BatchEmbedder
	sizer    Sizer
	progress ProgressReporter
	logger   *logging.Logger
	cfg      Config

	// createMu guards the collection existence check-and-create path.
	createMu sync.Mutex

	// bulkMu guards the bulk-operation reference counts.
	bulkMu  sync.Mutex
	bulkOps map[string]int

	// epochMu guards reset-epoch bookkeeping per tenant.
	epochMu     sync.Mutex
	resetEpochs map[string]string
}

// New creates a Store.
func New(client qdrant.Client, embedder embeddings.Client, batcher *embeddings.BatchEmbedder,
	sizer Sizer, reporter ProgressReporter, logger *logging.Logger, cfg Config) *Store {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Store{
		client:      client,
		embedder:    embedder,
		batcher:     batcher,
		sizer:       sizer,
		progress:    reporter,
		logger:      logger,
		cfg:         cfg,
		bulkOps:     make(map[string]int),
		resetEpochs: make(map[string]string),
	}
}

// CollectionName resolves the active collection name for a tenant. During a
// reset an epoch suffix disambiguates the fresh collection from the one being
// torn down.
func (s *Store) CollectionName(clientID string) string {
	base := fmt.Sprintf("%s_client_%s", s.cfg.CollectionPrefix, clientID)

	s.epochMu.Lock()
	defer s.epochMu.Unlock()
	if epoch := s.resetEpochs[clientID]; epoch != "" {
		return base + "_" + epoch
	}
	return base
}

// TempCollectionName resolves the shadow collection holding deactivated
// sources for a tenant.
func (s *Store) TempCollectionName(clientID string) string {
	return s.CollectionName(clientID) + tempSuffix
}

// GetOrCreateCollection ensures the tenant's collection exists and returns
// its name. The existence check and create run under a single lock so
// concurrent first calls cannot race a duplicate create.
func (s *Store) GetOrCreateCollection(ctx context.Context, clientID string) (string, error) {
	name := s.CollectionName(clientID)

	s.createMu.Lock()
	defer s.createMu.Unlock()

	return name, s.ensureCollection(ctx, name)
}

// ensureCollection creates name with production parameters if absent.
// Callers must hold createMu.
func (s *Store) ensureCollection(ctx context.Context, name string) error {
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: checking collection %q: %v", ErrSetupFailed, name, err)
	}
	if exists {
		return nil
	}

	if err := s.client.CreateCollection(ctx, name, s.productionSpec()); err != nil {
		return fmt.Errorf("%w: creating collection %q: %v", ErrSetupFailed, name, err)
	}

	s.logger.Info(ctx, "collection created",
		zap.String("collection", name),
		zap.Uint64("vector_size", s.cfg.VectorSize),
	)
	return nil
}

// productionSpec is the steady-state index configuration.
func (s *Store) productionSpec() qdrant.CollectionSpec {
	return qdrant.CollectionSpec{
		VectorSize:         s.cfg.VectorSize,
		M:                  productionM,
		EfConstruct:        productionEfConstruct,
		FullScanThreshold:  10_000,
		MaxIndexingThreads: 2,
		OnDisk:             true,
		ShardNumber:        4,
		IndexingThreshold:  productionIndexingThreshold,
	}
}

// tenantFilter builds the server-side filter narrowing to one tenant, with
// optional department and url-correlation constraints.
func tenantFilter(clientID, deptID string, urlCorrelation *string) *qdrant.Filter {
	f := &qdrant.Filter{Must: []qdrant.Condition{{Field: fieldClientID, Match: clientID}}}
	if deptID != "" {
		f.Must = append(f.Must, qdrant.Condition{Field: fieldDeptID, Match: deptID})
	}
	if urlCorrelation != nil {
		f.Must = append(f.Must, qdrant.Condition{Field: fieldURLCorrelation, Match: *urlCorrelation})
	}
	return f
}

// matchesSource tests a point's source against the requested names: exact
// match for plain names, prefix match for URLs.
func matchesSource(source string, wanted []string) bool {
	for _, w := range wanted {
		if source == w {
			return true
		}
		if isURL(w) && strings.HasPrefix(source, strings.TrimRight(w, "/")) {
			return true
		}
	}
	return false
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
