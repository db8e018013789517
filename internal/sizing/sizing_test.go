package sizing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/oakheim/docbase/internal/logging"
	"github.com/oakheim/docbase/internal/qdrant"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyBoundaries(t *testing.T) {
	tests := []struct {
		points        uint64
		wantCategory  Category
		wantContext   int
		wantLimit     int
		wantThreshold float32
	}{
		{0, CategoryTiny, 4096, 5, 0.15},
		{999, CategoryTiny, 4096, 5, 0.15},
		{1_000, CategorySmall, 8192, 10, 0.25},
		{9_999, CategorySmall, 8192, 10, 0.25},
		{10_000, CategoryMedium, 16384, 15, 0.30},
		{999_999, CategoryMedium, 16384, 15, 0.30},
		{1_000_000, CategoryLarge, 32768, 20, 0.40},
		{99_999_999, CategoryLarge, 32768, 20, 0.40},
		{100_000_000, CategoryHuge, 65536, 25, 0.45},
		{5_000_000_000, CategoryHuge, 65536, 25, 0.45},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d points", tt.points), func(t *testing.T) {
			info := Classify(tt.points)
			assert.Equal(t, tt.wantCategory, info.Category)
			assert.Equal(t, tt.wantContext, info.ContextWindow)
			assert.Equal(t, tt.wantLimit, info.QueryLimit)
			assert.InDelta(t, tt.wantThreshold, info.ScoreThreshold, 1e-6)
			assert.Equal(t, tt.points, info.Points)
		})
	}
}

func TestFallbackShape(t *testing.T) {
	fb := Fallback()
	assert.Equal(t, CategorySmall, fb.Category)
	assert.Equal(t, 4096, fb.ContextWindow)
}

// fakeRedis is a map-backed stand-in for the redis commands the manager uses.
type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
	sets int
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string)}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStringCmd(ctx)
	if v, ok := f.data[key]; ok {
		cmd.SetVal(v)
	} else {
		cmd.SetErr(redis.Nil)
	}
	return cmd
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	default:
		f.data[key] = fmt.Sprintf("%v", v)
	}
	f.sets++
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(n)
	return cmd
}

func seedCollection(t *testing.T, fake *qdrant.Fake, name string, points int) {
	t.Helper()
	require.NoError(t, fake.CreateCollection(context.Background(), name, qdrant.CollectionSpec{VectorSize: 4}))
	batch := make([]*qdrant.Point, points)
	for i := range batch {
		batch[i] = &qdrant.Point{ID: fmt.Sprintf("p-%d", i), Vector: []float32{1, 0, 0, 0}}
	}
	require.NoError(t, fake.Upsert(context.Background(), name, batch, true))
}

func TestCachedInfoPopulatesAndServesFromCache(t *testing.T) {
	ctx := context.Background()
	store := newFakeRedis()
	backend := qdrant.NewFake()
	seedCollection(t, backend, "docbase_client_acme", 1500)

	m := NewManager(store, backend, logging.NewNop())

	info := m.CachedInfo(ctx, "docbase_client_acme")
	assert.Equal(t, CategorySmall, info.Category)
	assert.Equal(t, uint64(1500), info.Points)
	assert.Equal(t, 1, backend.Calls("PointCount"))

	// Second lookup stays on the cache.
	info = m.CachedInfo(ctx, "docbase_client_acme")
	assert.Equal(t, CategorySmall, info.Category)
	assert.Equal(t, 1, backend.Calls("PointCount"))
}

func TestCachedInfoCountFailureAssumesDefault(t *testing.T) {
	ctx := context.Background()
	store := newFakeRedis()
	backend := qdrant.NewFake()
	backend.FailWith("PointCount", errors.New("unavailable"))

	m := NewManager(store, backend, logging.NewNop())

	info := m.CachedInfo(ctx, "missing")
	assert.Equal(t, CategoryMedium, info.Category)
	assert.Equal(t, uint64(DefaultAssumedPoints), info.Points)
	// Failed counts are not cached.
	assert.Equal(t, 0, store.sets)
}

func TestInvalidateForcesRecount(t *testing.T) {
	ctx := context.Background()
	store := newFakeRedis()
	backend := qdrant.NewFake()
	seedCollection(t, backend, "col", 10)

	m := NewManager(store, backend, logging.NewNop())

	m.CachedInfo(ctx, "col")
	m.Invalidate(ctx, "col")
	m.CachedInfo(ctx, "col")
	assert.Equal(t, 2, backend.Calls("PointCount"))
}

func TestRefreshAsyncRecountsAfterSettle(t *testing.T) {
	ctx := context.Background()
	store := newFakeRedis()
	backend := qdrant.NewFake()
	seedCollection(t, backend, "col", 10)

	m := NewManager(store, backend, logging.NewNop())
	m.settleDelay = 5 * time.Millisecond

	m.RefreshAsync(ctx, "col")
	require.Eventually(t, func() bool {
		return backend.Calls("PointCount") == 1
	}, time.Second, 5*time.Millisecond)

	// The refreshed entry serves subsequent lookups without a new count.
	info := m.CachedInfo(ctx, "col")
	assert.Equal(t, CategoryTiny, info.Category)
	assert.Equal(t, 1, backend.Calls("PointCount"))
}
