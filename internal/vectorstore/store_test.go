package vectorstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/oakheim/docbase/internal/embeddings"
	"github.com/oakheim/docbase/internal/logging"
	"github.com/oakheim/docbase/internal/progress"
	"github.com/oakheim/docbase/internal/qdrant"
	"github.com/oakheim/docbase/internal/sizing"
	"github.com/oakheim/docbase/internal/tokens"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubEmbedder returns unit vectors and delegates failure decisions to an
// optional hook.
type stubEmbedder struct {
	mu      sync.Mutex
	calls   int
	onEmbed func(call int, texts []string) ([][]float32, error)
}

func (e *stubEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	call := e.calls
	e.calls++
	hook := e.onEmbed
	e.mu.Unlock()

	if hook != nil {
		return hook(call, texts)
	}
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{1, 0, 0, 0}
	}
	return vectors, nil
}

func (e *stubEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.onEmbed != nil {
		vectors, err := e.onEmbed(-1, []string{text})
		if err != nil {
			return nil, err
		}
		return vectors[0], nil
	}
	return []float32{1, 0, 0, 0}, nil
}

type fakeSizer struct {
	mu          sync.Mutex
	info        sizing.Info
	invalidated []string
	refreshed   []string
	warmed      []string
}

func (f *fakeSizer) CachedInfo(ctx context.Context, collection string) sizing.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.warmed = append(f.warmed, collection)
	return f.info
}

func (f *fakeSizer) Invalidate(ctx context.Context, collection string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, collection)
}

func (f *fakeSizer) RefreshAsync(ctx context.Context, collection string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, collection)
}

type fakeReporter struct {
	mu      sync.Mutex
	records []progress.Status
}

func (f *fakeReporter) Report(ctx context.Context, status progress.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, status)
}

func (f *fakeReporter) last() progress.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.records) == 0 {
		return progress.Status{}
	}
	return f.records[len(f.records)-1]
}

type testEnv struct {
	backend  *qdrant.Fake
	embedder *stubEmbedder
	sizer    *fakeSizer
	reporter *fakeReporter
	store    *Store
}

func newTestEnv(t *testing.T, batchCfg embeddings.BatchConfig) *testEnv {
	t.Helper()
	backend := qdrant.NewFake()
	embedder := &stubEmbedder{}
	sizer := &fakeSizer{info: sizing.Classify(100)}
	reporter := &fakeReporter{}

	if batchCfg.Concurrency == 0 {
		batchCfg.Concurrency = 1
	}
	batcher := embeddings.NewBatchEmbedder(embedder, tokens.NewCounter("text-embedding-3-large"),
		logging.NewNop(), batchCfg)

	store := New(backend, embedder, batcher, sizer, reporter, logging.NewNop(), Config{
		CollectionPrefix: "docbase",
		VectorSize:       4,
		MinChunkChars:    5,
	})

	return &testEnv{
		backend:  backend,
		embedder: embedder,
		sizer:    sizer,
		reporter: reporter,
		store:    store,
	}
}

func (e *testEnv) seedPoint(t *testing.T, collection, source, clientID, content string, vector []float32) string {
	t.Helper()
	ctx := context.Background()
	if exists, _ := e.backend.CollectionExists(ctx, collection); !exists {
		require.NoError(t, e.backend.CreateCollection(ctx, collection, qdrant.CollectionSpec{VectorSize: 4}))
	}
	id := uuid.NewString()
	require.NoError(t, e.backend.Upsert(ctx, collection, []*qdrant.Point{{
		ID:     id,
		Vector: vector,
		Payload: map[string]interface{}{
			fieldContent:        content,
			fieldSource:         source,
			fieldClientID:       clientID,
			fieldDeptID:         "dept1",
			fieldURLCorrelation: "",
			fieldTaskID:         "seed",
		},
	}}, true))
	return id
}

func makeDocs(n int) []Document {
	docs := make([]Document, n)
	for i := range docs {
		docs[i] = Document{
			Content: fmt.Sprintf("chunk number %d with enough text to matter", i),
			Source:  "docs/guide.md",
		}
	}
	return docs
}

func TestCollectionNaming(t *testing.T) {
	env := newTestEnv(t, embeddings.BatchConfig{})
	assert.Equal(t, "docbase_client_acme", env.store.CollectionName("acme"))
	assert.Equal(t, "docbase_client_acme_temp", env.store.TempCollectionName("acme"))
}

func TestGetOrCreateCollectionIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, embeddings.BatchConfig{})

	name, err := env.store.GetOrCreateCollection(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "docbase_client_acme", name)

	_, err = env.store.GetOrCreateCollection(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, env.backend.Calls("CreateCollection"))

	spec := env.backend.SpecOf(name)
	assert.Equal(t, uint64(64), spec.M)
	assert.Equal(t, uint64(600), spec.EfConstruct)
	assert.Equal(t, uint64(10_000), spec.FullScanThreshold)
	assert.Equal(t, uint32(4), spec.ShardNumber)
	assert.Equal(t, uint64(1_000), spec.IndexingThreshold)
	assert.True(t, spec.OnDisk)
}

func TestBulkModeReferenceCounting(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, embeddings.BatchConfig{})

	name, err := env.store.GetOrCreateCollection(ctx, "acme")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		env.store.startBulk(ctx, name)
	}
	// Indexing disabled exactly once, on the first start.
	assert.Equal(t, 1, env.backend.Calls("UpdateTuning"))
	tuning := env.backend.TuningOf(name)
	require.NotNil(t, tuning.M)
	assert.Equal(t, uint64(0), *tuning.M)

	env.store.endBulk(ctx, name)
	env.store.endBulk(ctx, name)
	assert.Equal(t, 1, env.backend.Calls("UpdateTuning"))

	env.store.endBulk(ctx, name)
	// Restored exactly once when the count returns to zero.
	assert.Equal(t, 2, env.backend.Calls("UpdateTuning"))
	tuning = env.backend.TuningOf(name)
	require.NotNil(t, tuning.M)
	assert.Equal(t, uint64(64), *tuning.M)
	require.NotNil(t, tuning.IndexingThreshold)
	assert.Equal(t, uint64(1_000), *tuning.IndexingThreshold)

	// Extra end never drives the count negative or re-restores.
	env.store.endBulk(ctx, name)
	assert.Equal(t, 2, env.backend.Calls("UpdateTuning"))
	assert.Equal(t, 0, env.store.bulkDepth(name))
}

func TestBulkModeConcurrentStartEnd(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, embeddings.BatchConfig{})

	name, err := env.store.GetOrCreateCollection(ctx, "acme")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.store.startBulk(ctx, name)
			env.store.endBulk(ctx, name)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, env.store.bulkDepth(name))
	tuning := env.backend.TuningOf(name)
	require.NotNil(t, tuning.M)
	assert.Equal(t, uint64(64), *tuning.M)
}

func TestAddDocuments(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, embeddings.BatchConfig{MaxBatchSize: 256})

	summary, err := env.store.AddDocuments(ctx, makeDocs(10), "task-1", "acme", "dept1", "corr-1")
	require.NoError(t, err)

	assert.Equal(t, 10, summary.Processed)
	assert.Equal(t, 10, summary.Total)
	assert.Zero(t, summary.FailedBatches)
	assert.Greater(t, summary.Tokens, 0)

	points := env.backend.PointsIn("docbase_client_acme")
	require.Len(t, points, 10)
	payload := points[0].Payload
	assert.Equal(t, "acme", payload[fieldClientID])
	assert.Equal(t, "dept1", payload[fieldDeptID])
	assert.Equal(t, "corr-1", payload[fieldURLCorrelation])
	assert.Equal(t, "task-1", payload[fieldTaskID])
	assert.Equal(t, "docs/guide.md", payload[fieldSource])
	assert.NotEmpty(t, payload[fieldContent])

	final := env.reporter.last()
	assert.Equal(t, progress.StateComplete, final.State)
	assert.Equal(t, float64(100), final.Percent)
	assert.Equal(t, 10, final.Processed)

	assert.Contains(t, env.sizer.invalidated, "docbase_client_acme")
	assert.Contains(t, env.sizer.refreshed, "docbase_client_acme")

	// Bulk mode opened and closed around the write.
	assert.Equal(t, 2, env.backend.Calls("UpdateTuning"))
	assert.Equal(t, 0, env.store.bulkDepth("docbase_client_acme"))
}

func TestAddDocumentsNormalization(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, embeddings.BatchConfig{})

	docs := []Document{
		{Content: "clean and long enough", Source: "a"},
		{Content: "with\x00null\x00bytes inside", Source: "b"},
		{Content: "hi", Source: "c"},
		{Content: "    ", Source: "d"},
	}
	summary, err := env.store.AddDocuments(ctx, docs, "task-1", "acme", "", "")
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 2, summary.Processed)

	for _, p := range env.backend.PointsIn("docbase_client_acme") {
		content := p.Payload[fieldContent].(string)
		assert.NotContains(t, content, "\x00")
	}
}

func TestAddDocumentsNoValidDocuments(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, embeddings.BatchConfig{})

	_, err := env.store.AddDocuments(ctx, []Document{{Content: "x"}}, "task-1", "acme", "", "")
	assert.ErrorIs(t, err, ErrNoValidDocuments)

	final := env.reporter.last()
	assert.Equal(t, progress.StateFailed, final.State)
	assert.Equal(t, float64(100), final.Percent)
}

func TestAddDocumentsSetupFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, embeddings.BatchConfig{})
	env.backend.FailWith("CollectionExists", errors.New("store unreachable"))

	_, err := env.store.AddDocuments(ctx, makeDocs(3), "task-1", "acme", "", "")
	assert.ErrorIs(t, err, ErrSetupFailed)

	final := env.reporter.last()
	assert.Equal(t, progress.StateFailed, final.State)
	assert.Zero(t, final.Processed)
}

func TestAddDocumentsIsolatesFailingBatch(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, embeddings.BatchConfig{MaxBatchSize: 2, MaxRetries: 2})

	// 10 docs in batches of 2; the batch holding doc 4 fails every attempt.
	env.embedder.onEmbed = func(call int, texts []string) ([][]float32, error) {
		for _, txt := range texts {
			if strings.HasPrefix(txt, "chunk number 4 ") {
				return nil, errors.New("provider rejected batch")
			}
		}
		vectors := make([][]float32, len(texts))
		for i := range texts {
			vectors[i] = []float32{1, 0, 0, 0}
		}
		return vectors, nil
	}

	summary, err := env.store.AddDocuments(ctx, makeDocs(10), "task-1", "acme", "", "")
	require.NoError(t, err)

	assert.Equal(t, 8, summary.Processed)
	assert.Equal(t, 10, summary.Total)
	assert.Equal(t, 1, summary.FailedBatches)
	assert.Len(t, env.backend.PointsIn("docbase_client_acme"), 8)

	final := env.reporter.last()
	assert.Equal(t, progress.StateComplete, final.State)
	assert.Equal(t, float64(100), final.Percent)
	assert.Contains(t, final.Message, "partial")
}

func TestAddDocumentsEndToEndWithRecovery(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, embeddings.BatchConfig{MaxBatchSize: 256, MaxRetries: 3, Concurrency: 2})

	// 300 chunks under a 256-item cap split into batches of 256 and 44. The
	// second batch fails twice, then succeeds.
	var mu sync.Mutex
	smallBatchFailures := 0
	env.embedder.onEmbed = func(call int, texts []string) ([][]float32, error) {
		if len(texts) == 44 {
			mu.Lock()
			fail := smallBatchFailures < 2
			if fail {
				smallBatchFailures++
			}
			mu.Unlock()
			if fail {
				return nil, errors.New("transient provider error")
			}
		}
		vectors := make([][]float32, len(texts))
		for i := range texts {
			vectors[i] = []float32{1, 0, 0, 0}
		}
		return vectors, nil
	}

	summary, err := env.store.AddDocuments(ctx, makeDocs(300), "task-1", "acme", "", "")
	require.NoError(t, err)

	assert.Equal(t, 300, summary.Processed)
	assert.Zero(t, summary.FailedBatches)
	assert.Len(t, env.backend.PointsIn("docbase_client_acme"), 300)

	final := env.reporter.last()
	assert.Equal(t, progress.StateComplete, final.State)
	assert.Equal(t, float64(100), final.Percent)
	assert.Equal(t, 300, final.Processed)
}

func TestQueryDocuments(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, embeddings.BatchConfig{})
	env.sizer.info = sizing.Classify(500)

	col := "docbase_client_acme"
	env.seedPoint(t, col, "docs/a.md", "acme", "close match", []float32{1, 0, 0, 0})
	env.seedPoint(t, col, "docs/b.md", "acme", "weak match", []float32{0.5, 0, 0, 0})
	env.seedPoint(t, col, "docs/c.md", "other", "other tenant", []float32{1, 0, 0, 0})

	result := env.store.QueryDocuments(ctx, "what is it", "acme", "dept1")

	require.Len(t, result.Documents, 2)
	assert.Equal(t, "close match", result.Documents[0])
	assert.InDelta(t, 0.0, result.Distances[0], 1e-6)
	assert.InDelta(t, 0.5, result.Distances[1], 1e-6)
	assert.Equal(t, sizing.CategoryTiny, result.Sizing.Category)
}

func TestQueryDocumentsDegradesOnSearchFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, embeddings.BatchConfig{})
	env.backend.FailWith("Query", errors.New("search exploded"))

	result := env.store.QueryDocuments(ctx, "anything", "acme", "")

	assert.Empty(t, result.Documents)
	assert.Empty(t, result.Metadatas)
	assert.Empty(t, result.Distances)
	assert.Equal(t, sizing.CategorySmall, result.Sizing.Category)
	assert.Equal(t, 4096, result.Sizing.ContextWindow)
}

func TestQueryDocumentsDegradesOnEmbedFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, embeddings.BatchConfig{})
	env.embedder.onEmbed = func(int, []string) ([][]float32, error) {
		return nil, errors.New("embedding api down")
	}

	result := env.store.QueryDocuments(ctx, "anything", "acme", "")
	assert.Empty(t, result.Documents)
	assert.Equal(t, 4096, result.Sizing.ContextWindow)
}

func TestSearchBeamWidth(t *testing.T) {
	assert.Equal(t, uint64(50), searchBeamWidth(0))
	assert.Equal(t, uint64(50), searchBeamWidth(4_999))
	assert.Equal(t, uint64(60), searchBeamWidth(6_000))
	assert.Equal(t, uint64(200), searchBeamWidth(20_000))
	assert.Equal(t, uint64(200), searchBeamWidth(10_000_000))
}

func TestDeleteDocumentsBySource(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, embeddings.BatchConfig{})

	col := "docbase_client_acme"
	env.seedPoint(t, col, "docs/a.md", "acme", "first", []float32{1, 0, 0, 0})
	env.seedPoint(t, col, "docs/a.md", "acme", "second", []float32{1, 0, 0, 0})
	env.seedPoint(t, col, "docs/b.md", "acme", "third", []float32{1, 0, 0, 0})
	// Temp shadow holds a deactivated copy of the same source.
	env.seedPoint(t, col+"_temp", "docs/a.md", "acme", "shadow", []float32{1, 0, 0, 0})

	require.NoError(t, env.store.DeleteDocumentsBySource(ctx, []string{"docs/a.md"}, "acme", "dept1"))

	remaining := env.backend.PointsIn(col)
	require.Len(t, remaining, 1)
	assert.Equal(t, "docs/b.md", remaining[0].Payload[fieldSource])
	assert.Empty(t, env.backend.PointsIn(col+"_temp"))

	assert.Contains(t, env.sizer.invalidated, col)
	assert.Contains(t, env.sizer.invalidated, col+"_temp")
}

func TestDeleteDocumentsByURLPattern(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, embeddings.BatchConfig{})

	col := "docbase_client_acme"
	env.seedPoint(t, col, "https://a.com/x", "acme", "page x", []float32{1, 0, 0, 0})
	env.seedPoint(t, col, "https://a.com/y", "acme", "page y", []float32{1, 0, 0, 0})
	env.seedPoint(t, col, "https://b.com/z", "acme", "page z", []float32{1, 0, 0, 0})
	env.seedPoint(t, col, "https://a.company.com/q", "acme", "lookalike host", []float32{1, 0, 0, 0})

	deleted, err := env.store.DeleteDocumentsByURLPattern(ctx, "https://a.com", "acme", "dept1", "")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	var sources []string
	for _, p := range env.backend.PointsIn(col) {
		sources = append(sources, p.Payload[fieldSource].(string))
	}
	assert.ElementsMatch(t, []string{"https://b.com/z", "https://a.company.com/q"}, sources)
}

func TestMoveSourcesToTempIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, embeddings.BatchConfig{})

	col := "docbase_client_acme"
	env.seedPoint(t, col, "docs/a.md", "acme", "first", []float32{1, 0, 0, 0})
	env.seedPoint(t, col, "docs/a.md", "acme", "second", []float32{0, 1, 0, 0})
	env.seedPoint(t, col, "docs/b.md", "acme", "third", []float32{0, 0, 1, 0})

	moved, err := env.store.MoveSourcesToTemp(ctx, []string{"docs/a.md"}, "acme", "dept1", "")
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	assert.Len(t, env.backend.PointsIn(col), 1)
	assert.Len(t, env.backend.PointsIn(col+"_temp"), 2)

	// Retrying the same move is a no-op, never a duplication.
	moved, err = env.store.MoveSourcesToTemp(ctx, []string{"docs/a.md"}, "acme", "dept1", "")
	require.NoError(t, err)
	assert.Zero(t, moved)
	assert.Len(t, env.backend.PointsIn(col), 1)
	assert.Len(t, env.backend.PointsIn(col+"_temp"), 2)

	// Vectors and payloads survive the move intact.
	for _, p := range env.backend.PointsIn(col + "_temp") {
		assert.NotEmpty(t, p.Vector)
		assert.Equal(t, "docs/a.md", p.Payload[fieldSource])
		assert.Equal(t, "acme", p.Payload[fieldClientID])
	}
}

func TestMoveSourcesFromTemp(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, embeddings.BatchConfig{})

	col := "docbase_client_acme"
	env.seedPoint(t, col, "docs/b.md", "acme", "stays", []float32{1, 0, 0, 0})
	env.seedPoint(t, col+"_temp", "docs/a.md", "acme", "comes back", []float32{0, 1, 0, 0})

	moved, err := env.store.MoveSourcesFromTemp(ctx, []string{"docs/a.md"}, "acme", "dept1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	assert.Len(t, env.backend.PointsIn(col), 2)
	assert.Empty(t, env.backend.PointsIn(col+"_temp"))
}

func TestMoveSourcesFromTempMissingCollection(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, embeddings.BatchConfig{})

	moved, err := env.store.MoveSourcesFromTemp(ctx, []string{"docs/a.md"}, "acme", "", "")
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestMoveSourcesURLPrefixMatch(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, embeddings.BatchConfig{})

	col := "docbase_client_acme"
	env.seedPoint(t, col, "https://a.com/page/1", "acme", "one", []float32{1, 0, 0, 0})
	env.seedPoint(t, col, "https://a.com/page/2", "acme", "two", []float32{1, 0, 0, 0})
	env.seedPoint(t, col, "https://b.com/other", "acme", "three", []float32{1, 0, 0, 0})

	moved, err := env.store.MoveSourcesToTemp(ctx, []string{"https://a.com"}, "acme", "dept1", "")
	require.NoError(t, err)
	assert.Equal(t, 2, moved)
	assert.Len(t, env.backend.PointsIn(col), 1)
}

func TestUpdateClientID(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, embeddings.BatchConfig{})

	col := "docbase_client_acme"
	env.seedPoint(t, col, "docs/a.md", "acme", "doc a", []float32{1, 0, 0, 0})
	env.seedPoint(t, col, "docs/b.md", "acme", "doc b", []float32{0, 1, 0, 0})

	require.NoError(t, env.store.UpdateClientID(ctx, "acme", []string{"docs/a.md"}, "deactivate", "dept1", ""))

	for _, p := range env.backend.PointsIn(col) {
		if p.Payload[fieldSource] == "docs/a.md" {
			assert.Equal(t, InactiveTenant, p.Payload[fieldClientID])
			assert.NotEmpty(t, p.Vector)
		} else {
			assert.Equal(t, "acme", p.Payload[fieldClientID])
		}
	}

	require.NoError(t, env.store.UpdateClientID(ctx, "acme", []string{"docs/a.md"}, "activate", "dept1", ""))
	for _, p := range env.backend.PointsIn(col) {
		assert.Equal(t, "acme", p.Payload[fieldClientID])
	}

	err := env.store.UpdateClientID(ctx, "acme", []string{"docs/a.md"}, "purge", "", "")
	assert.Error(t, err)
}

func TestResetCollection(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, embeddings.BatchConfig{})

	col := "docbase_client_acme"
	env.seedPoint(t, col, "docs/a.md", "acme", "old data", []float32{1, 0, 0, 0})
	env.seedPoint(t, col+"_temp", "docs/b.md", "acme", "old shadow", []float32{1, 0, 0, 0})
	env.seedPoint(t, "docbase_client_globex", "docs/c.md", "globex", "untouched", []float32{1, 0, 0, 0})

	name, err := env.store.ResetCollection(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, col, name)

	// Fresh and empty, temp gone, other tenants untouched.
	assert.Empty(t, env.backend.PointsIn(col))
	exists, _ := env.backend.CollectionExists(ctx, col+"_temp")
	assert.False(t, exists)
	assert.Len(t, env.backend.PointsIn("docbase_client_globex"), 1)

	// Sizing cache invalidated for torn-down collections and warmed for the
	// fresh one.
	assert.Contains(t, env.sizer.invalidated, col)
	assert.Contains(t, env.sizer.invalidated, col+"_temp")
	assert.Contains(t, env.sizer.warmed, col)
}

func TestResetCollectionCreateFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, embeddings.BatchConfig{})
	env.backend.FailWith("CreateCollection", errors.New("cluster red"))

	_, err := env.store.ResetCollection(ctx, "acme")
	assert.ErrorIs(t, err, ErrSetupFailed)
	assert.Equal(t, 3, env.backend.Calls("CreateCollection"))
}

func TestGetCollectionData(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, embeddings.BatchConfig{})

	col := "docbase_client_acme"
	env.seedPoint(t, col, "docs/a.md", "acme", "alpha", []float32{1, 0, 0, 0})
	env.seedPoint(t, col, "docs/b.md", "acme", "beta", []float32{0, 1, 0, 0})

	records, err := env.store.GetCollectionData(ctx, "acme", "dept1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.NotEmpty(t, records[0].ID)
	assert.Contains(t, records[0].Payload, fieldContent)
}

func TestStreamCollectionData(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, embeddings.BatchConfig{})

	col := "docbase_client_acme"
	env.seedPoint(t, col, "docs/a.md", "acme", "alpha", []float32{1, 0, 0, 0})
	env.seedPoint(t, col, "docs/b.md", "acme", "beta", []float32{0, 1, 0, 0})

	var buf bytes.Buffer
	require.NoError(t, env.store.StreamCollectionData(ctx, "acme", "", &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, `{"id":`))
	}
}

func TestCollectionSizeMB(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, embeddings.BatchConfig{})

	col := "docbase_client_acme"
	env.seedPoint(t, col, "docs/a.md", "acme", strings.Repeat("a", 1024), []float32{1, 0, 0, 0})
	env.seedPoint(t, col, "docs/b.md", "acme", strings.Repeat("b", 2048), []float32{0, 1, 0, 0})

	size, err := env.store.CollectionSizeMB(ctx, "acme", "dept1", nil)
	require.NoError(t, err)
	assert.InDelta(t, 3072.0/(1024*1024), size, 1e-9)

	size, err = env.store.CollectionSizeMB(ctx, "acme", "dept1", []string{"docs/a.md"})
	require.NoError(t, err)
	assert.InDelta(t, 1024.0/(1024*1024), size, 1e-9)
}

func TestCollectionSizeDetailed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, embeddings.BatchConfig{})

	col := "docbase_client_acme"
	env.seedPoint(t, col, "docs/a.md", "acme", "alpha content", []float32{1, 0, 0, 0})
	env.seedPoint(t, col, "docs/b.md", "acme", "beta content", []float32{0, 1, 0, 0})

	breakdown, err := env.store.CollectionSizeDetailed(ctx, "acme", "dept1")
	require.NoError(t, err)

	assert.Equal(t, 2, breakdown.TotalItems)
	// Two 4-dim float32 vectors are 32 bytes.
	assert.InDelta(t, 32.0/(1024*1024), breakdown.VectorsMB, 1e-9)
	assert.Greater(t, breakdown.PayloadMB, 0.0)
	assert.Greater(t, breakdown.IDsMB, 0.0)
	assert.InDelta(t, breakdown.VectorsMB+breakdown.PayloadMB+breakdown.IDsMB, breakdown.TotalMB, 1e-12)
}

func TestCollectionSizeDetailedMissingCollection(t *testing.T) {
	env := newTestEnv(t, embeddings.BatchConfig{})

	breakdown, err := env.store.CollectionSizeDetailed(context.Background(), "ghost", "")
	require.NoError(t, err)
	assert.Equal(t, &SizeBreakdown{}, breakdown)
}

func TestCollectionProperties(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, embeddings.BatchConfig{})

	props, err := env.store.CollectionProperties(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "docbase_client_acme", props.Name)
	assert.False(t, props.Exists)

	env.seedPoint(t, "docbase_client_acme", "docs/a.md", "acme", "alpha", []float32{1, 0, 0, 0})
	props, err = env.store.CollectionProperties(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, props.Exists)
	assert.Equal(t, uint64(1), props.Points)
	assert.Equal(t, env.sizer.info.Category, props.Sizing.Category)
}

func TestScanPagination(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, embeddings.BatchConfig{})

	col := "docbase_client_acme"
	for i := 0; i < 25; i++ {
		env.seedPoint(t, col, fmt.Sprintf("docs/%d.md", i), "acme", "content here", []float32{1, 0, 0, 0})
	}

	var visited int
	filter := tenantFilter("acme", "", nil)
	offset := ""
	pages := 0
	for {
		page, err := env.backend.Scroll(ctx, col, qdrant.ScrollRequest{Filter: filter, Limit: 10, Offset: offset})
		require.NoError(t, err)
		visited += len(page.Points)
		pages++
		if page.NextOffset == "" {
			break
		}
		offset = page.NextOffset
	}
	assert.Equal(t, 25, visited)
	assert.Equal(t, 3, pages)
}
