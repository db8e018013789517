package qdrant

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Fake is an in-memory Client used by tests. It implements filtered scans,
// similarity search by dot product, and per-method error injection.
type Fake struct {
	mu          sync.Mutex
	collections map[string]*fakeCollection
	failures    map[string]error
	calls       map[string]int
}

type fakeCollection struct {
	spec   CollectionSpec
	tuning Tuning
	points map[string]*Point
	order  []string
}

// NewFake creates an empty in-memory client.
func NewFake() *Fake {
	return &Fake{
		collections: make(map[string]*fakeCollection),
		failures:    make(map[string]error),
		calls:       make(map[string]int),
	}
}

// FailWith makes the named method return err on every call until cleared
// with a nil err. Method names match the Client interface.
func (f *Fake) FailWith(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, method)
		return
	}
	f.failures[method] = err
}

// Calls returns how many times the named method was invoked.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *Fake) enter(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	return f.failures[method]
}

func (f *Fake) Health(ctx context.Context) error {
	return f.enter("Health")
}

func (f *Fake) CollectionExists(ctx context.Context, name string) (bool, error) {
	if err := f.enter("CollectionExists"); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.collections[name]
	return ok, nil
}

func (f *Fake) CreateCollection(ctx context.Context, name string, spec CollectionSpec) error {
	if err := f.enter("CreateCollection"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.collections[name]; ok {
		return fmt.Errorf("collection %q already exists", name)
	}
	f.collections[name] = &fakeCollection{
		spec:   spec,
		points: make(map[string]*Point),
	}
	return nil
}

func (f *Fake) DeleteCollection(ctx context.Context, name string) error {
	if err := f.enter("DeleteCollection"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.collections, name)
	return nil
}

func (f *Fake) ListCollections(ctx context.Context) ([]string, error) {
	if err := f.enter("ListCollections"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.collections))
	for name := range f.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (f *Fake) UpdateTuning(ctx context.Context, name string, tuning Tuning) error {
	if err := f.enter("UpdateTuning"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	col, ok := f.collections[name]
	if !ok {
		return fmt.Errorf("collection %q not found", name)
	}
	if tuning.M != nil {
		col.tuning.M = tuning.M
	}
	if tuning.EfConstruct != nil {
		col.tuning.EfConstruct = tuning.EfConstruct
	}
	if tuning.IndexingThreshold != nil {
		col.tuning.IndexingThreshold = tuning.IndexingThreshold
	}
	return nil
}

func (f *Fake) PointCount(ctx context.Context, name string) (uint64, error) {
	if err := f.enter("PointCount"); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	col, ok := f.collections[name]
	if !ok {
		return 0, fmt.Errorf("collection %q not found", name)
	}
	return uint64(len(col.points)), nil
}

func (f *Fake) Upsert(ctx context.Context, collection string, points []*Point, wait bool) error {
	if err := f.enter("Upsert"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	col, ok := f.collections[collection]
	if !ok {
		return fmt.Errorf("collection %q not found", collection)
	}
	for _, p := range points {
		if _, exists := col.points[p.ID]; !exists {
			col.order = append(col.order, p.ID)
		}
		cp := *p
		col.points[p.ID] = &cp
	}
	return nil
}

func (f *Fake) Query(ctx context.Context, collection string, vector []float32, params QueryParams) ([]*ScoredPoint, error) {
	if err := f.enter("Query"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	col, ok := f.collections[collection]
	if !ok {
		return nil, fmt.Errorf("collection %q not found", collection)
	}

	var results []*ScoredPoint
	for _, id := range col.order {
		p, ok := col.points[id]
		if !ok || !matches(p, params.Filter) {
			continue
		}
		score := dot(vector, p.Vector)
		if params.ScoreThreshold > 0 && score < params.ScoreThreshold {
			continue
		}
		results = append(results, &ScoredPoint{Point: *p, Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if params.Limit > 0 && uint64(len(results)) > params.Limit {
		results = results[:params.Limit]
	}
	return results, nil
}

func (f *Fake) Scroll(ctx context.Context, collection string, req ScrollRequest) (*Page, error) {
	if err := f.enter("Scroll"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	col, ok := f.collections[collection]
	if !ok {
		return nil, fmt.Errorf("collection %q not found", collection)
	}

	var matching []string
	for _, id := range col.order {
		p, ok := col.points[id]
		if ok && matches(p, req.Filter) {
			matching = append(matching, id)
		}
	}

	start := 0
	if req.Offset != "" {
		for i, id := range matching {
			if id == req.Offset {
				start = i
				break
			}
		}
	}

	limit := int(req.Limit)
	if limit <= 0 {
		limit = len(matching)
	}
	end := start + limit
	if end > len(matching) {
		end = len(matching)
	}

	page := &Page{}
	for _, id := range matching[start:end] {
		cp := *col.points[id]
		if !req.WithVectors {
			cp.Vector = nil
		}
		page.Points = append(page.Points, &cp)
	}
	if end < len(matching) {
		page.NextOffset = matching[end]
	}
	return page, nil
}

func (f *Fake) DeleteByIDs(ctx context.Context, collection string, ids []string) error {
	if err := f.enter("DeleteByIDs"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	col, ok := f.collections[collection]
	if !ok {
		return fmt.Errorf("collection %q not found", collection)
	}
	for _, id := range ids {
		delete(col.points, id)
	}
	col.compactOrder()
	return nil
}

func (f *Fake) DeleteByFilter(ctx context.Context, collection string, filter *Filter) error {
	if err := f.enter("DeleteByFilter"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	col, ok := f.collections[collection]
	if !ok {
		return fmt.Errorf("collection %q not found", collection)
	}
	for id, p := range col.points {
		if matches(p, filter) {
			delete(col.points, id)
		}
	}
	col.compactOrder()
	return nil
}

func (f *Fake) SetPayload(ctx context.Context, collection string, filter *Filter, payload map[string]interface{}) error {
	if err := f.enter("SetPayload"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	col, ok := f.collections[collection]
	if !ok {
		return fmt.Errorf("collection %q not found", collection)
	}
	for _, p := range col.points {
		if !matches(p, filter) {
			continue
		}
		if p.Payload == nil {
			p.Payload = make(map[string]interface{})
		}
		for k, v := range payload {
			p.Payload[k] = v
		}
	}
	return nil
}

func (f *Fake) Close() error {
	return f.enter("Close")
}

// PointsIn returns the points of a collection in insertion order. Test helper.
func (f *Fake) PointsIn(collection string) []*Point {
	f.mu.Lock()
	defer f.mu.Unlock()
	col, ok := f.collections[collection]
	if !ok {
		return nil
	}
	points := make([]*Point, 0, len(col.points))
	for _, id := range col.order {
		if p, ok := col.points[id]; ok {
			cp := *p
			points = append(points, &cp)
		}
	}
	return points
}

// TuningOf returns the last tuning applied to a collection. Test helper.
func (f *Fake) TuningOf(collection string) Tuning {
	f.mu.Lock()
	defer f.mu.Unlock()
	if col, ok := f.collections[collection]; ok {
		return col.tuning
	}
	return Tuning{}
}

// SpecOf returns the spec a collection was created with. Test helper.
func (f *Fake) SpecOf(collection string) CollectionSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	if col, ok := f.collections[collection]; ok {
		return col.spec
	}
	return CollectionSpec{}
}

func (c *fakeCollection) compactOrder() {
	kept := c.order[:0]
	for _, id := range c.order {
		if _, ok := c.points[id]; ok {
			kept = append(kept, id)
		}
	}
	c.order = kept
}

func matches(p *Point, f *Filter) bool {
	if f == nil {
		return true
	}
	for _, cond := range f.Must {
		if !condMatches(p, cond) {
			return false
		}
	}
	for _, cond := range f.MustNot {
		if condMatches(p, cond) {
			return false
		}
	}
	if len(f.Should) > 0 {
		any := false
		for _, cond := range f.Should {
			if condMatches(p, cond) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	return true
}

func condMatches(p *Point, c Condition) bool {
	v, ok := p.Payload[c.Field]
	if !ok {
		return false
	}
	if c.Match != nil {
		return fmt.Sprintf("%v", v) == fmt.Sprintf("%v", c.Match)
	}
	if len(c.MatchAny) > 0 {
		s := fmt.Sprintf("%v", v)
		for _, candidate := range c.MatchAny {
			if s == candidate {
				return true
			}
		}
	}
	return false
}

func dot(a, b []float32) float32 {
	var sum float32
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

var _ Client = (*Fake)(nil)
