package sizing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oakheim/docbase/internal/logging"
	"github.com/oakheim/docbase/internal/qdrant"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	cacheKeyPrefix = "sizing_cache:"

	// DefaultCacheTTL bounds how stale a cached sizing entry may get.
	DefaultCacheTTL = 5 * time.Minute

	// DefaultSettleDelay is how long an async refresh waits before counting,
	// giving the optimizer time to settle after bulk writes.
	DefaultSettleDelay = 2 * time.Second
)

// cache is the subset of redis commands the manager needs.
type cache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Manager resolves collection sizing with a redis-backed TTL cache over
// exact point counts.
type Manager struct {
	redis       cache
	qdrant      qdrant.Client
	logger      *logging.Logger
	ttl         time.Duration
	settleDelay time.Duration
}

// NewManager creates a sizing manager.
func NewManager(redisClient cache, qdrantClient qdrant.Client, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		redis:       redisClient,
		qdrant:      qdrantClient,
		logger:      logger,
		ttl:         DefaultCacheTTL,
		settleDelay: DefaultSettleDelay,
	}
}

// CachedInfo returns the sizing for a collection, serving from cache when a
// fresh entry exists and otherwise counting points and repopulating. If the
// count fails, sizing falls back to an assumed point count so retrieval keeps
// working.
func (m *Manager) CachedInfo(ctx context.Context, collection string) Info {
	key := cacheKeyPrefix + collection

	raw, err := m.redis.Get(ctx, key).Result()
	if err == nil {
		var info Info
		if jsonErr := json.Unmarshal([]byte(raw), &info); jsonErr == nil {
			return info
		}
		// Corrupt entry: fall through to recompute.
		m.logger.Warn(ctx, "discarding corrupt sizing cache entry",
			zap.String("collection", collection),
		)
	} else if err != redis.Nil {
		m.logger.Warn(ctx, "sizing cache read failed",
			zap.String("collection", collection),
			zap.Error(err),
		)
	}

	info, _ := m.refresh(ctx, collection)
	return info
}

// Invalidate drops the cached sizing for a collection.
func (m *Manager) Invalidate(ctx context.Context, collection string) {
	if err := m.redis.Del(ctx, cacheKeyPrefix+collection).Err(); err != nil {
		m.logger.Warn(ctx, "sizing cache invalidation failed",
			zap.String("collection", collection),
			zap.Error(err),
		)
	}
}

// RefreshAsync recomputes the sizing in the background after a settle delay.
// Called after bulk writes so the next query sees fresh parameters without
// paying for the count inline.
func (m *Manager) RefreshAsync(ctx context.Context, collection string) {
	go func() {
		// Detach from the request context; the refresh outlives it.
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()

		select {
		case <-bg.Done():
			return
		case <-time.After(m.settleDelay):
		}

		if _, err := m.refresh(bg, collection); err != nil {
			m.logger.Warn(bg, "async sizing refresh failed",
				zap.String("collection", collection),
				zap.Error(err),
			)
		}
	}()
}

func (m *Manager) refresh(ctx context.Context, collection string) (Info, error) {
	points, err := m.qdrant.PointCount(ctx, collection)
	if err != nil {
		m.logger.Warn(ctx, "point count failed, assuming default size",
			zap.String("collection", collection),
			zap.Error(err),
		)
		return Classify(DefaultAssumedPoints), fmt.Errorf("counting points: %w", err)
	}

	info := Classify(points)

	payload, err := json.Marshal(info)
	if err != nil {
		return info, nil
	}
	if err := m.redis.Set(ctx, cacheKeyPrefix+collection, payload, m.ttl).Err(); err != nil {
		m.logger.Warn(ctx, "sizing cache write failed",
			zap.String("collection", collection),
			zap.Error(err),
		)
	}

	return info, nil
}
