package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"magray/internal/cache"
	"magray/internal/hnsw"
	"magray/internal/memory"
	"magray/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dims = 4

type fakeEmbedder struct {
	vecs  map[string][]float32
	delay time.Duration
	err   error
	ttls  []time.Duration
	mu    sync.Mutex
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string, ttl time.Duration) ([]float32, error) {
	f.mu.Lock()
	f.ttls = append(f.ttls, ttl)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vecs[text]; ok {
		return v, nil
	}
	return []float32{1, 0, 0, 0}, nil
}

type fakeRecords struct {
	mu   sync.Mutex
	recs map[string]memory.Record
	gets int
}

func (f *fakeRecords) Get(ctx context.Context, id string) (memory.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	rec, ok := f.recs[id]
	if !ok {
		return memory.Record{}, memory.ErrNotFound
	}
	return rec, nil
}

func (f *fakeRecords) delete(id string) {
	f.mu.Lock()
	delete(f.recs, id)
	f.mu.Unlock()
}

type fixture struct {
	indices [len(memory.Tiers)]*hnsw.Index
	records *fakeRecords
	embed   *fakeEmbedder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		records: &fakeRecords{recs: make(map[string]memory.Record)},
		embed:   &fakeEmbedder{vecs: make(map[string][]float32)},
	}
	for _, tier := range memory.Tiers {
		idx, err := hnsw.New(hnsw.Config{Dimensions: dims, Seed: 1})
		require.NoError(t, err)
		f.indices[tier] = idx
	}
	return f
}

func (f *fixture) add(t *testing.T, id, text string, tier memory.Tier, vec []float32) {
	t.Helper()
	require.NoError(t, f.indices[tier].Insert(id, vec))
	f.records.recs[id] = memory.Record{ID: id, Text: text, Tier: tier, Embedding: vec}
}

func (f *fixture) coordinator(cfg Config, opts ...Option) *Coordinator {
	return NewCoordinator(cfg, f.indices, f.embed, f.records, opts...)
}

func ids(res *Result) []string {
	out := make([]string, len(res.Hits))
	for i, h := range res.Hits {
		out[i] = h.Record.ID
	}
	return out
}

func TestSearchRanksBySimilarity(t *testing.T) {
	f := newFixture(t)
	f.add(t, "exact", "cats", memory.TierInteraction, []float32{1, 0, 0, 0})
	f.add(t, "close", "kittens", memory.TierInteraction, []float32{0.9, 0.1, 0, 0})
	f.add(t, "far", "taxes", memory.TierInteraction, []float32{0, 0, 0, 1})

	c := f.coordinator(Config{Deadline: time.Second})
	res, err := c.Search(context.Background(), "cats", 2, Options{})
	require.NoError(t, err)
	assert.False(t, res.Partial)
	assert.Equal(t, []string{"exact", "close"}, ids(res))
	assert.InDelta(t, 1.0, res.Hits[0].Score, 1e-5)
	assert.GreaterOrEqual(t, res.Hits[0].Score, res.Hits[1].Score)
}

func TestSearchEmptyIndexIsNotAnError(t *testing.T) {
	f := newFixture(t)
	res, err := f.coordinator(Config{}).Search(context.Background(), "anything", 5, Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Hits)
	assert.NotNil(t, res.Hits)
	assert.False(t, res.Partial)
}

func TestSearchStopsAtFirstTierWithEnoughHits(t *testing.T) {
	f := newFixture(t)
	f.add(t, "recent", "a", memory.TierInteraction, []float32{0.5, 0.5, 0, 0})
	f.add(t, "asset", "b", memory.TierAsset, []float32{1, 0, 0, 0})

	c := f.coordinator(Config{Deadline: time.Second})
	res, err := c.Search(context.Background(), "q", 1, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"recent"}, ids(res), "most recent tier answers first")

	res, err = c.Search(context.Background(), "q", 1, Options{CrossTier: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"asset"}, ids(res), "cross-tier merges by similarity")

	res, err = c.Search(context.Background(), "q", 5, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"asset", "recent"}, ids(res))
}

func TestSearchRestrictsTiers(t *testing.T) {
	f := newFixture(t)
	f.add(t, "i", "a", memory.TierInteraction, []float32{1, 0, 0, 0})
	f.add(t, "s", "b", memory.TierInsight, []float32{1, 0, 0, 0})

	res, err := f.coordinator(Config{Deadline: time.Second}).
		Search(context.Background(), "q", 5, Options{Tiers: []memory.Tier{memory.TierInsight}})
	require.NoError(t, err)
	assert.Equal(t, []string{"s"}, ids(res))

	_, err = f.coordinator(Config{}).Search(context.Background(), "q", 5, Options{Tiers: []memory.Tier{7}})
	assert.Error(t, err)
}

func TestSearchDropsDeletedRecords(t *testing.T) {
	f := newFixture(t)
	f.add(t, "keep", "a", memory.TierInteraction, []float32{1, 0, 0, 0})
	f.add(t, "gone", "b", memory.TierInteraction, []float32{0.99, 0.01, 0, 0})
	f.records.delete("gone")

	res, err := f.coordinator(Config{Deadline: time.Second}).Search(context.Background(), "q", 5, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"keep"}, ids(res))
}

func TestSearchFiltersByTag(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", "x", memory.TierInteraction, []float32{1, 0, 0, 0})
	f.add(t, "b", "y", memory.TierInteraction, []float32{0.9, 0.1, 0, 0})
	rec := f.records.recs["b"]
	rec.Tag = "work"
	f.records.recs["b"] = rec

	res, err := f.coordinator(Config{Deadline: time.Second}).Search(context.Background(), "q", 1, Options{Tag: "work"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(res))
}

// A deadline far below embedding latency yields an explicit partial,
// empty result, never an error or a hang.
func TestSearchDeadlineReturnsPartial(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", "x", memory.TierInteraction, []float32{1, 0, 0, 0})
	f.embed.delay = time.Second

	c := f.coordinator(Config{Deadline: 5 * time.Millisecond})
	start := time.Now()
	res, err := c.Search(context.Background(), "slow", 3, Options{})
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Empty(t, res.Hits)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, uint64(1), c.Stats().Partial)
}

func TestSearchPropagatesDegradedEmbedding(t *testing.T) {
	f := newFixture(t)
	f.embed.err = memory.Wrap("embedding", memory.KindTransient, memory.ErrDegraded)
	_, err := f.coordinator(Config{Deadline: time.Second}).Search(context.Background(), "q", 3, Options{})
	assert.ErrorIs(t, err, memory.ErrDegraded)
}

func TestQueryTTLUsesFastestTier(t *testing.T) {
	f := newFixture(t)
	cfg := Config{Deadline: time.Second}
	cfg.QueryTTL = [3]time.Duration{time.Minute, time.Hour, 24 * time.Hour}
	c := f.coordinator(cfg)

	_, err := c.Search(context.Background(), "q", 1, Options{})
	require.NoError(t, err)
	_, err = c.Search(context.Background(), "q", 1, Options{Tiers: []memory.Tier{memory.TierAsset, memory.TierInsight}})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Minute, time.Hour}, f.embed.ttls)
}

func TestRerankReorders(t *testing.T) {
	f := newFixture(t)
	f.add(t, "vector", "unrelated words", memory.TierInteraction, []float32{1, 0, 0, 0})
	f.add(t, "lexical", "golang memory engine", memory.TierInteraction, []float32{0.95, 0.05, 0, 0})

	c := f.coordinator(Config{Deadline: time.Second}, WithReranker(LexicalReranker{Weight: 0.5}))
	res, err := c.Search(context.Background(), "golang memory engine", 2, Options{})
	require.NoError(t, err)
	assert.False(t, res.Reranked)
	assert.Equal(t, "vector", res.Hits[0].Record.ID)

	res, err = c.Search(context.Background(), "golang memory engine", 2, Options{Rerank: true})
	require.NoError(t, err)
	assert.True(t, res.Reranked)
	assert.Equal(t, "lexical", res.Hits[0].Record.ID)
}

type failingReranker struct{ calls int }

func (f *failingReranker) Name() string { return "failing" }
func (f *failingReranker) Rerank(context.Context, string, []Hit) ([]float32, error) {
	f.calls++
	return nil, errors.New("model crashed")
}

func TestRerankFailureKeepsOrderAndTripsBreaker(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", "x", memory.TierInteraction, []float32{1, 0, 0, 0})
	f.add(t, "b", "y", memory.TierInteraction, []float32{0.9, 0.1, 0, 0})

	r := &failingReranker{}
	cfg := Config{Deadline: time.Second}
	cfg.Breaker.FailureThreshold = 2
	cfg.Breaker.Cooldown = time.Hour
	c := f.coordinator(cfg, WithReranker(r))

	for i := 0; i < 4; i++ {
		res, err := c.Search(context.Background(), "q", 2, Options{Rerank: true})
		require.NoError(t, err)
		assert.False(t, res.Reranked)
		assert.Equal(t, []string{"a", "b"}, ids(res))
	}
	assert.Equal(t, 2, r.calls, "open breaker skips the reranker")
	assert.Equal(t, "open", c.Breaker().State)
}

func TestHydrationUsesCache(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", "x", memory.TierInteraction, []float32{1, 0, 0, 0})
	shared := cache.NewShared(cache.Config{MaxEntries: 10})
	c := f.coordinator(Config{Deadline: time.Second}, WithCache(shared))

	for i := 0; i < 3; i++ {
		_, err := c.Search(context.Background(), "q", 1, Options{})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.records.gets)
}

func TestHydrationDoesNotCacheRetiredRecords(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", "x", memory.TierInteraction, []float32{1, 0, 0, 0})
	// The store already has "a" in insight while the interaction index still
	// lists it, as in the middle of a promotion.
	f.records.recs["a"] = memory.Record{ID: "a", Text: "x", Tier: memory.TierInsight, Embedding: []float32{1, 0, 0, 0}}
	shared := cache.NewShared(cache.Config{MaxEntries: 10})
	c := f.coordinator(Config{Deadline: time.Second}, WithCache(shared))

	res, err := c.Search(context.Background(), "q", 1, Options{})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	_, cached := shared.Record("a")
	assert.False(t, cached)

	require.NoError(t, f.indices[memory.TierInsight].Insert("a", []float32{1, 0, 0, 0}))
	f.indices[memory.TierInteraction].Remove("a")
	_, err = c.Search(context.Background(), "q", 1, Options{})
	require.NoError(t, err)
	_, cached = shared.Record("a")
	assert.True(t, cached)
}

type recordingToucher struct {
	mu    sync.Mutex
	seen  map[string]uint64
	calls int
}

func (r *recordingToucher) Touch(_ context.Context, accesses []store.Access) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	for _, a := range accesses {
		r.seen[a.ID] += a.Count
	}
	return nil
}

func TestAccessRecorderBatchesAndFlushesOnStop(t *testing.T) {
	tch := &recordingToucher{seen: make(map[string]uint64)}
	rec := NewAccessRecorder(tch, RecorderConfig{Buffer: 100, MaxBatch: 100, FlushInterval: time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go rec.Run(ctx)

	rec.Record("a", "b", "a")
	rec.Record("a")
	cancel()
	<-rec.Done()

	tch.mu.Lock()
	defer tch.mu.Unlock()
	assert.Equal(t, uint64(3), tch.seen["a"])
	assert.Equal(t, uint64(1), tch.seen["b"])
	assert.Equal(t, uint64(2), rec.Flushed())
}

func TestAccessRecorderDropsWhenFull(t *testing.T) {
	tch := &recordingToucher{seen: make(map[string]uint64)}
	rec := NewAccessRecorder(tch, RecorderConfig{Buffer: 2}, nil)
	rec.Record("a", "b", "c", "d")
	assert.Equal(t, uint64(2), rec.Dropped())
}

func TestSearchRecordsAccesses(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", "x", memory.TierInteraction, []float32{1, 0, 0, 0})
	tch := &recordingToucher{seen: make(map[string]uint64)}
	rec := NewAccessRecorder(tch, RecorderConfig{FlushInterval: time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go rec.Run(ctx)

	c := f.coordinator(Config{Deadline: time.Second}, WithAccessRecorder(rec))
	_, err := c.Search(context.Background(), "q", 1, Options{})
	require.NoError(t, err)
	cancel()
	<-rec.Done()

	tch.mu.Lock()
	defer tch.mu.Unlock()
	assert.Equal(t, uint64(1), tch.seen["a"])
}

func TestLatencyStats(t *testing.T) {
	l := newLatencyTracker(0.5)
	l.observe(10*time.Millisecond, false)
	l.observe(20*time.Millisecond, true)
	s := l.stats()
	assert.Equal(t, uint64(2), s.Searches)
	assert.Equal(t, uint64(1), s.Partial)
	assert.Equal(t, 15*time.Millisecond, s.AvgLatency)
	assert.Equal(t, 20*time.Millisecond, s.MaxLatency)
}
