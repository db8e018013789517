package qdrant

import (
	"context"
	"fmt"
	"time"

	"github.com/oakheim/docbase/internal/logging"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// GRPCClient implements Client using Qdrant's official Go client.
type GRPCClient struct {
	client *qdrant.Client
	config *ClientConfig
	logger *logging.Logger
}

// ClientConfig configures the Qdrant gRPC client.
type ClientConfig struct {
	// Host is the Qdrant server hostname or IP address.
	Host string

	// Port is the Qdrant gRPC port (6334), not the HTTP REST port.
	Port int

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// APIKey is the optional API key. Leave empty for local development.
	APIKey string

	// MaxMessageSize is the maximum gRPC message size in bytes.
	MaxMessageSize int

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration

	// RequestTimeout bounds individual requests.
	RequestTimeout time.Duration

	// RetryAttempts is the number of retries for transient failures.
	RetryAttempts int
}

// DefaultClientConfig returns sensible defaults for local development.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Host:           "localhost",
		Port:           6334,
		MaxMessageSize: 50 * 1024 * 1024,
		DialTimeout:    5 * time.Second,
		RequestTimeout: 30 * time.Second,
		RetryAttempts:  3,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *ClientConfig) ApplyDefaults() {
	defaults := DefaultClientConfig()

	if c.Host == "" {
		c.Host = defaults.Host
	}
	if c.Port == 0 {
		c.Port = defaults.Port
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = defaults.MaxMessageSize
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaults.DialTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = defaults.RetryAttempts
	}
}

// Validate validates the client configuration.
func (c *ClientConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Port)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("invalid max message size: %d (must be > 0)", c.MaxMessageSize)
	}
	return nil
}

// NewGRPCClient creates a new Qdrant gRPC client and verifies connectivity.
func NewGRPCClient(config *ClientConfig, logger *logging.Logger) (*GRPCClient, error) {
	if config == nil {
		config = DefaultClientConfig()
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	qdrantConfig := &qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		APIKey: config.APIKey,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	}
	if !config.UseTLS {
		qdrantConfig.GrpcOptions = append(qdrantConfig.GrpcOptions,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
	}

	client, err := qdrant.NewClient(qdrantConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	c := &GRPCClient{
		client: client,
		config: config,
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()

	if err := c.Health(ctx); err != nil {
		_ = client.Close()
		logger.Error(ctx, "qdrant health check failed",
			zap.String("host", config.Host),
			zap.Int("port", config.Port),
			zap.Error(err),
		)
		return nil, fmt.Errorf("health check failed: %w", err)
	}

	logger.Info(ctx, "qdrant connection established",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
	)

	return c, nil
}

// Health performs a health check on the Qdrant connection.
func (c *GRPCClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	if _, err := c.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// CollectionExists checks if a collection exists.
func (c *GRPCClient) CollectionExists(ctx context.Context, name string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	var exists bool
	err := c.retryOperation(ctx, func() error {
		info, err := c.client.GetCollectionInfo(ctx, name)
		if err != nil {
			st, ok := status.FromError(err)
			if ok && st.Code() == codes.NotFound {
				exists = false
				return nil
			}
			return err
		}
		exists = info != nil
		return nil
	})
	if err != nil {
		return false, err
	}
	return exists, nil
}

// CreateCollection creates a collection with the given HNSW and optimizer
// parameters.
func (c *GRPCClient) CreateCollection(ctx context.Context, name string, spec CollectionSpec) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	return c.retryOperation(ctx, func() error {
		return c.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     spec.VectorSize,
				Distance: qdrant.Distance_Cosine,
				OnDisk:   qdrant.PtrOf(spec.OnDisk),
			}),
			HnswConfig: &qdrant.HnswConfigDiff{
				M:                  qdrant.PtrOf(spec.M),
				EfConstruct:        qdrant.PtrOf(spec.EfConstruct),
				FullScanThreshold:  qdrant.PtrOf(spec.FullScanThreshold),
				MaxIndexingThreads: qdrant.PtrOf(spec.MaxIndexingThreads),
				OnDisk:             qdrant.PtrOf(spec.OnDisk),
			},
			OptimizersConfig: &qdrant.OptimizersConfigDiff{
				IndexingThreshold: qdrant.PtrOf(spec.IndexingThreshold),
			},
			ShardNumber:   qdrant.PtrOf(spec.ShardNumber),
			OnDiskPayload: qdrant.PtrOf(spec.OnDisk),
		})
	})
}

// DeleteCollection deletes a collection and all its points.
func (c *GRPCClient) DeleteCollection(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	return c.retryOperation(ctx, func() error {
		return c.client.DeleteCollection(ctx, name)
	})
}

// ListCollections returns all collection names.
func (c *GRPCClient) ListCollections(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	var collections []string
	err := c.retryOperation(ctx, func() error {
		result, err := c.client.ListCollections(ctx)
		if err != nil {
			return err
		}
		collections = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return collections, nil
}

// UpdateTuning applies HNSW and optimizer diffs to an existing collection.
func (c *GRPCClient) UpdateTuning(ctx context.Context, name string, tuning Tuning) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	update := &qdrant.UpdateCollection{CollectionName: name}
	if tuning.M != nil || tuning.EfConstruct != nil {
		update.HnswConfig = &qdrant.HnswConfigDiff{
			M:           tuning.M,
			EfConstruct: tuning.EfConstruct,
		}
	}
	if tuning.IndexingThreshold != nil {
		update.OptimizersConfig = &qdrant.OptimizersConfigDiff{
			IndexingThreshold: tuning.IndexingThreshold,
		}
	}

	return c.retryOperation(ctx, func() error {
		return c.client.UpdateCollection(ctx, update)
	})
}

// PointCount returns the exact number of points in a collection.
func (c *GRPCClient) PointCount(ctx context.Context, name string) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	var count uint64
	err := c.retryOperation(ctx, func() error {
		n, err := c.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: name,
			Exact:          qdrant.PtrOf(true),
		})
		if err != nil {
			return err
		}
		count = n
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Upsert inserts or replaces points in a collection.
func (c *GRPCClient) Upsert(ctx context.Context, collection string, points []*Point, wait bool) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, point := range points {
		qdrantPoints[i] = toQdrantPoint(point)
	}

	return c.retryOperation(ctx, func() error {
		_, err := c.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Points:         qdrantPoints,
			Wait:           qdrant.PtrOf(wait),
		})
		return err
	})
}

// Query performs similarity search in a collection.
func (c *GRPCClient) Query(ctx context.Context, collection string, vector []float32, params QueryParams) ([]*ScoredPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	req := &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(params.Limit),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         toQdrantFilter(params.Filter),
	}
	if params.ScoreThreshold > 0 {
		req.ScoreThreshold = qdrant.PtrOf(params.ScoreThreshold)
	}
	if params.HnswEf > 0 {
		req.Params = &qdrant.SearchParams{HnswEf: qdrant.PtrOf(params.HnswEf)}
	}

	var results []*qdrant.ScoredPoint
	err := c.retryOperation(ctx, func() error {
		res, err := c.client.Query(ctx, req)
		if err != nil {
			return err
		}
		results = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	scoredPoints := make([]*ScoredPoint, len(results))
	for i, result := range results {
		scoredPoints[i] = fromQdrantScoredPoint(result)
	}
	return scoredPoints, nil
}

// Scroll pages through points matching a filter. The high-level client
// discards the next page offset, so this goes through the raw points service.
func (c *GRPCClient) Scroll(ctx context.Context, collection string, req ScrollRequest) (*Page, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	scroll := &qdrant.ScrollPoints{
		CollectionName: collection,
		Filter:         toQdrantFilter(req.Filter),
		Limit:          qdrant.PtrOf(req.Limit),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(req.WithVectors),
	}
	if req.Offset != "" {
		scroll.Offset = qdrant.NewIDUUID(req.Offset)
	}

	var resp *qdrant.ScrollResponse
	err := c.retryOperation(ctx, func() error {
		r, err := c.client.GetPointsClient().Scroll(ctx, scroll)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	page := &Page{
		Points:     make([]*Point, len(resp.GetResult())),
		NextOffset: extractPointID(resp.GetNextPageOffset()),
	}
	for i, p := range resp.GetResult() {
		page.Points[i] = fromQdrantRetrievedPoint(p)
	}
	return page, nil
}

// DeleteByIDs removes the identified points from a collection.
func (c *GRPCClient) DeleteByIDs(ctx context.Context, collection string, ids []string) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(id)
	}

	return c.retryOperation(ctx, func() error {
		_, err := c.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: collection,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Points{
					Points: &qdrant.PointsIdsList{Ids: pointIDs},
				},
			},
		})
		return err
	})
}

// DeleteByFilter removes all points matching a filter.
func (c *GRPCClient) DeleteByFilter(ctx context.Context, collection string, filter *Filter) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	return c.retryOperation(ctx, func() error {
		_, err := c.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: collection,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
					Filter: toQdrantFilter(filter),
				},
			},
		})
		return err
	})
}

// SetPayload merges payload fields into all points matching a filter.
func (c *GRPCClient) SetPayload(ctx context.Context, collection string, filter *Filter, payload map[string]interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	qdrantPayload := make(map[string]*qdrant.Value, len(payload))
	for k, v := range payload {
		qdrantPayload[k] = toQdrantValue(v)
	}

	return c.retryOperation(ctx, func() error {
		_, err := c.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
			CollectionName: collection,
			Payload:        qdrantPayload,
			PointsSelector: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
					Filter: toQdrantFilter(filter),
				},
			},
		})
		return err
	})
}

// Close closes the client connection.
func (c *GRPCClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// retryOperation retries an operation with exponential backoff on transient
// gRPC failures.
func (c *GRPCClient) retryOperation(ctx context.Context, operation func() error) error {
	var lastErr error
	backoff := time.Second
	startTime := time.Now()

	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		err := operation()
		if err == nil {
			if attempt > 0 {
				c.logger.Info(ctx, "operation recovered after retries",
					zap.Int("attempts", attempt),
					zap.Duration("total_time", time.Since(startTime)),
				)
			}
			return nil
		}

		lastErr = err

		if !isTransientError(err) {
			return err
		}
		if attempt == c.config.RetryAttempts {
			break
		}

		c.logger.Debug(ctx, "retrying operation after transient error",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", c.config.RetryAttempts),
			zap.Error(err),
			zap.Duration("backoff", backoff),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}

	c.logger.Warn(ctx, "operation failed after all retries exhausted",
		zap.Int("total_attempts", c.config.RetryAttempts+1),
		zap.Duration("total_time", time.Since(startTime)),
		zap.Error(lastErr),
	)

	return fmt.Errorf("operation failed after %d retries: %w", c.config.RetryAttempts, lastErr)
}

// isTransientError checks if an error should be retried.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	st, ok := status.FromError(err)
	if !ok {
		return false
	}

	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// Ensure GRPCClient implements Client.
var _ Client = (*GRPCClient)(nil)
