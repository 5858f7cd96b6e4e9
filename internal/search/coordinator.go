// Package search answers text queries against the per-tier indices under a
// latency budget. On deadline it returns what it has gathered, marked
// partial, rather than failing.
package search

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"magray/internal/cache"
	"magray/internal/hnsw"
	"magray/internal/memory"
	"magray/internal/resilience"
)

// Embedder produces query embeddings, caching them for ttl.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string, ttl time.Duration) ([]float32, error)
}

// Records hydrates index hits.
type Records interface {
	Get(ctx context.Context, id string) (memory.Record, error)
}

// Config configures a Coordinator.
type Config struct {
	Deadline   time.Duration                    // used when the caller's ctx has none
	EfSearch   [len(memory.Tiers)]int           // per-tier override; zero uses the index default
	QueryTTL   [len(memory.Tiers)]time.Duration // query-embedding cache TTL per tier
	RecordTTL  time.Duration                    // hydrated-record cache TTL
	RerankTopN int                              // candidates passed to the reranker
	Breaker    resilience.BreakerConfig         // reranker breaker
}

// Options narrows one search.
type Options struct {
	Tiers     []memory.Tier // default: every tier, most recent first
	CrossTier bool          // query all selected tiers concurrently
	Rerank    bool
	Tag       string // when set, only records with this tag are returned
}

// Hit is one ranked result.
type Hit struct {
	Record   memory.Record `json:"record"`
	Score    float32       `json:"score"` // cosine similarity, or reranked relevance
	Distance float32       `json:"distance"`
}

// Result is a completed (or partial) search.
type Result struct {
	Hits     []Hit         `json:"hits"`
	Partial  bool          `json:"partial"`
	Reranked bool          `json:"reranked"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Coordinator runs searches. It is safe for concurrent use.
type Coordinator struct {
	cfg      Config
	indices  [len(memory.Tiers)]*hnsw.Index
	embedder Embedder
	records  Records
	cache    *cache.Shared
	reranker Reranker
	breaker  *resilience.Breaker
	recorder *AccessRecorder
	logger   *zap.Logger
	latency  *latencyTracker
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithReranker sets the second-stage reranker.
func WithReranker(r Reranker) Option {
	return func(c *Coordinator) { c.reranker = r }
}

// WithAccessRecorder routes access metadata updates through r.
func WithAccessRecorder(r *AccessRecorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// WithCache sets the shared cache for records.
func WithCache(s *cache.Shared) Option {
	return func(c *Coordinator) { c.cache = s }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator creates a Coordinator over one index per tier.
func NewCoordinator(cfg Config, indices [len(memory.Tiers)]*hnsw.Index, embedder Embedder, records Records, opts ...Option) *Coordinator {
	if cfg.Deadline <= 0 {
		cfg.Deadline = 50 * time.Millisecond
	}
	if cfg.RerankTopN <= 0 {
		cfg.RerankTopN = 20
	}
	c := &Coordinator{
		cfg:      cfg,
		indices:  indices,
		embedder: embedder,
		records:  records,
		reranker: LexicalReranker{},
		logger:   zap.NewNop(),
		latency:  newLatencyTracker(0.2),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.Named("search")
	bc := cfg.Breaker
	bc.Name = "rerank." + c.reranker.Name()
	c.breaker = resilience.NewBreaker(bc, resilience.WithStateChange(func(name string, from, to resilience.State) {
		c.logger.Warn("Breaker state changed",
			zap.String("breaker", name), zap.Stringer("from", from), zap.Stringer("to", to))
	}))
	return c
}

// Search returns up to k records most similar to query. Timeouts are never
// errors: the result is marked partial and holds whatever was gathered.
func (c *Coordinator) Search(ctx context.Context, query string, k int, opts Options) (*Result, error) {
	start := time.Now()
	res := &Result{Hits: []Hit{}}
	defer func() {
		res.Elapsed = time.Since(start)
		c.latency.observe(res.Elapsed, res.Partial)
	}()
	if k <= 0 {
		return res, nil
	}

	tiers, err := selectTiers(opts.Tiers)
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Deadline)
		defer cancel()
	}

	vec, err := c.embedder.EmbedQuery(ctx, query, c.queryTTL(tiers))
	if err != nil {
		if isDeadline(ctx, err) {
			res.Partial = true
			return res, nil
		}
		return nil, err
	}

	// Over-fetch so tag filtering and concurrent deletes still leave k.
	fetch := k
	if opts.Tag != "" {
		fetch = k * 4
	}

	var cands []hnsw.Hit
	var complete bool
	if opts.CrossTier {
		cands, complete = c.fanOut(ctx, tiers, vec, fetch)
	} else {
		cands, complete = c.sequential(ctx, tiers, vec, fetch)
	}
	res.Partial = !complete
	cands = mergeHits(cands)

	hits, complete := c.hydrate(ctx, cands, fetch, opts.Tag)
	res.Partial = res.Partial || !complete

	if opts.Rerank && len(hits) > 1 && ctx.Err() == nil {
		res.Reranked = c.rerank(ctx, query, hits)
	}
	if len(hits) > k {
		hits = hits[:k]
	}
	res.Hits = hits

	if c.recorder != nil && len(hits) > 0 {
		ids := make([]string, len(hits))
		for i, h := range hits {
			ids[i] = h.Record.ID
		}
		c.recorder.Record(ids...)
	}
	return res, nil
}

func selectTiers(tiers []memory.Tier) ([]memory.Tier, error) {
	if len(tiers) == 0 {
		return memory.Tiers[:], nil
	}
	seen := make(map[memory.Tier]bool, len(tiers))
	out := make([]memory.Tier, 0, len(tiers))
	for _, t := range tiers {
		if !t.Valid() {
			return nil, memory.Wrap("search", memory.KindData, errors.New("invalid tier in options"))
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// queryTTL is the TTL of the fastest-changing tier searched.
func (c *Coordinator) queryTTL(tiers []memory.Tier) time.Duration {
	ttl := c.cfg.QueryTTL[tiers[0]]
	for _, t := range tiers[1:] {
		if d := c.cfg.QueryTTL[t]; d > 0 && (ttl <= 0 || d < ttl) {
			ttl = d
		}
	}
	return ttl
}

func (c *Coordinator) sequential(ctx context.Context, tiers []memory.Tier, vec []float32, k int) ([]hnsw.Hit, bool) {
	var all []hnsw.Hit
	for _, t := range tiers {
		if ctx.Err() != nil {
			return all, false
		}
		hits, complete := c.indices[t].Search(ctx, vec, k, c.cfg.EfSearch[t])
		all = append(all, hits...)
		if !complete {
			return all, false
		}
		if len(all) >= k {
			break
		}
	}
	return all, true
}

func (c *Coordinator) fanOut(ctx context.Context, tiers []memory.Tier, vec []float32, k int) ([]hnsw.Hit, bool) {
	var (
		mu       sync.Mutex
		all      []hnsw.Hit
		complete = true
	)
	var g errgroup.Group
	for _, t := range tiers {
		g.Go(func() error {
			hits, ok := c.indices[t].Search(ctx, vec, k, c.cfg.EfSearch[t])
			mu.Lock()
			all = append(all, hits...)
			complete = complete && ok
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return all, complete
}

// mergeHits orders by ascending distance and keeps each id's best hit.
func mergeHits(hits []hnsw.Hit) []hnsw.Hit {
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	seen := make(map[string]bool, len(hits))
	out := hits[:0]
	for _, h := range hits {
		if seen[h.ID] {
			continue
		}
		seen[h.ID] = true
		out = append(out, h)
	}
	return out
}

// hydrate resolves candidates to records in order, stopping at k. Records
// deleted since indexing are dropped. The bool is false when ctx ended the
// loop early.
func (c *Coordinator) hydrate(ctx context.Context, cands []hnsw.Hit, k int, tag string) ([]Hit, bool) {
	hits := make([]Hit, 0, min(k, len(cands)))
	for _, cand := range cands {
		if len(hits) == k {
			break
		}
		if ctx.Err() != nil {
			return hits, false
		}
		rec, ok := c.record(ctx, cand.ID)
		if !ok {
			continue
		}
		if tag != "" && rec.Tag != tag {
			continue
		}
		hits = append(hits, Hit{Record: rec, Score: 1 - cand.Distance, Distance: cand.Distance})
	}
	return hits, true
}

func (c *Coordinator) record(ctx context.Context, id string) (memory.Record, bool) {
	if c.cache != nil {
		if rec, ok := c.cache.Record(id); ok {
			return rec, true
		}
	}
	rec, err := c.records.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, memory.ErrNotFound) && ctx.Err() == nil {
			c.logger.Warn("Hydration failed", zap.String("id", id), zap.Error(err))
		}
		return memory.Record{}, false
	}
	// A record deleted or promoted out of its tier since the index walk must
	// not be cached back in after its invalidation.
	if c.cache != nil && c.live(rec) {
		if err := c.cache.PutRecord(rec, c.cfg.RecordTTL); err != nil {
			c.logger.Debug("Record not cached", zap.String("id", id), zap.Error(err))
		}
	}
	return rec, true
}

func (c *Coordinator) live(rec memory.Record) bool {
	return rec.Tier.Valid() && c.indices[rec.Tier] != nil && c.indices[rec.Tier].Contains(rec.ID)
}

// rerank reorders the top of hits in place. It reports whether the reranker
// ran; any failure leaves the similarity order untouched.
func (c *Coordinator) rerank(ctx context.Context, query string, hits []Hit) bool {
	n := min(c.cfg.RerankTopN, len(hits))
	top := hits[:n]

	done, err := c.breaker.Allow()
	if err != nil {
		return false
	}
	scores, err := c.reranker.Rerank(ctx, query, top)
	if err == nil && len(scores) != n {
		err = errors.New("reranker returned wrong number of scores")
	}
	if ctx.Err() != nil {
		done(resilience.ErrAbandoned)
		return false
	}
	done(err)
	if err != nil {
		c.logger.Warn("Rerank failed", zap.Error(err))
		return false
	}
	for i := range top {
		top[i].Score = scores[i]
	}
	sort.SliceStable(top, func(i, j int) bool { return top[i].Score > top[j].Score })
	return true
}

// Breaker returns the reranker breaker snapshot.
func (c *Coordinator) Breaker() resilience.Snapshot {
	return c.breaker.Snapshot()
}

// Stats returns latency counters.
func (c *Coordinator) Stats() Stats {
	return c.latency.stats()
}

func isDeadline(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
}
