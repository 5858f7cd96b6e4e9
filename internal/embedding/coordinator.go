package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"magray/internal/cache"
	"magray/internal/memory"
	"magray/internal/resilience"
)

// Config configures a Coordinator.
type Config struct {
	Dimensions  int
	Batch       BatchConfig
	Breaker     resilience.BreakerConfig
	Retry       resilience.RetryConfig
	CallTimeout time.Duration // per backend call; zero means only the caller's ctx bounds it
	CacheTTL    time.Duration // TTL for embeddings cached by Embed
}

// Stats is a point-in-time view of coordinator counters.
type Stats struct {
	Backend   string `json:"backend"`
	Fallback  string `json:"fallback,omitempty"`
	Requests  uint64 `json:"requests"`
	Texts     uint64 `json:"texts"`
	CacheHits uint64 `json:"cache_hits"`
	Batches   uint64 `json:"batches"`
	Fallbacks uint64 `json:"fallbacks"`
	Failures  uint64 `json:"failures"`
	BatchSize int    `json:"batch_size"`
}

type guarded struct {
	backend Backend
	breaker *resilience.Breaker
}

// Coordinator is the single entry point for embeddings.
type Coordinator struct {
	cfg      Config
	primary  guarded
	fallback *guarded
	batcher  *Batcher
	cache    *cache.Shared
	flight   singleflight.Group
	logger   *zap.Logger

	requests, texts, cacheHits, batches, fallbacks, failures atomic.Uint64
}

// NewCoordinator wires primary (and an optional CPU fallback) behind their
// own breakers. shared may be nil.
func NewCoordinator(cfg Config, primary, fallback Backend, shared *cache.Shared, logger *zap.Logger) (*Coordinator, error) {
	if primary == nil {
		return nil, fmt.Errorf("embedding: primary backend is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("embedding")
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = primary.Dimensions()
	}
	for _, b := range []Backend{primary, fallback} {
		if b != nil && b.Dimensions() != cfg.Dimensions {
			return nil, memory.Wrap("embedding.new", memory.KindFatal,
				fmt.Errorf("%w: backend %s produces %d, configured %d",
					memory.ErrDimensionMismatch, b.Name(), b.Dimensions(), cfg.Dimensions))
		}
	}

	c := &Coordinator{
		cfg:     cfg,
		batcher: NewBatcher(cfg.Batch),
		cache:   shared,
		logger:  logger,
	}
	c.primary = guarded{backend: primary, breaker: c.newBreaker(primary)}
	if fallback != nil {
		c.fallback = &guarded{backend: fallback, breaker: c.newBreaker(fallback)}
	}
	return c, nil
}

func (c *Coordinator) newBreaker(b Backend) *resilience.Breaker {
	bc := c.cfg.Breaker
	bc.Name = "embedding." + b.Name()
	return resilience.NewBreaker(bc, resilience.WithStateChange(func(name string, from, to resilience.State) {
		c.logger.Warn("Breaker state changed",
			zap.String("breaker", name), zap.Stringer("from", from), zap.Stringer("to", to))
	}))
}

// Dimensions returns the embedding length.
func (c *Coordinator) Dimensions() int {
	return c.cfg.Dimensions
}

// EmbedOne embeds a single text, caching it with the default TTL.
func (c *Coordinator) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	return c.EmbedQuery(ctx, text, c.cfg.CacheTTL)
}

// EmbedQuery embeds one text and caches the result for ttl. Concurrent calls
// for the same text share one backend call.
func (c *Coordinator) EmbedQuery(ctx context.Context, text string, ttl time.Duration) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, memory.Wrap("embedding.embed", memory.KindData, memory.ErrEmptyText)
	}
	c.requests.Add(1)
	c.texts.Add(1)
	if vec, ok := c.cachedVector(text); ok {
		return vec, nil
	}

	ch := c.flight.DoChan(cache.TextKey(text), func() (any, error) {
		vecs, err := c.embedBatch(context.WithoutCancel(ctx), []string{text})
		if err != nil {
			return nil, err
		}
		c.storeVector(text, vecs[0], ttl)
		return vecs[0], nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]float32), nil
	}
}

// Embed returns one vector per text, in order. Duplicate texts are embedded
// once; cached texts are not sent to a backend at all.
func (c *Coordinator) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.requests.Add(1)
	c.texts.Add(uint64(len(texts)))
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out, nil
	}

	resolved := make(map[string][]float32, len(texts))
	var misses []string
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, memory.Wrap("embedding.embed", memory.KindData,
				fmt.Errorf("%w at position %d", memory.ErrEmptyText, i))
		}
		if _, seen := resolved[t]; seen {
			continue
		}
		if vec, ok := c.cachedVector(t); ok {
			resolved[t] = vec
			continue
		}
		resolved[t] = nil
		misses = append(misses, t)
	}

	for len(misses) > 0 {
		n := min(c.batcher.Size(), len(misses))
		chunk := misses[:n]
		misses = misses[n:]

		vecs, err := c.embedBatch(ctx, chunk)
		if err != nil {
			return nil, err
		}
		for j, t := range chunk {
			resolved[t] = vecs[j]
			c.storeVector(t, vecs[j], c.cfg.CacheTTL)
		}
	}

	for i, t := range texts {
		out[i] = resolved[t]
	}
	return out, nil
}

func (c *Coordinator) cachedVector(text string) ([]float32, bool) {
	if c.cache == nil {
		return nil, false
	}
	vec, ok := c.cache.Vector(text)
	if ok && len(vec) == c.cfg.Dimensions {
		c.cacheHits.Add(1)
		return vec, true
	}
	return nil, false
}

func (c *Coordinator) storeVector(text string, vec []float32, ttl time.Duration) {
	if c.cache == nil {
		return
	}
	if err := c.cache.PutVector(text, vec, ttl); err != nil {
		c.logger.Debug("Embedding not cached", zap.Error(err))
	}
}

// embedBatch sends one batch to the primary backend, then the fallback.
func (c *Coordinator) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.batches.Add(1)
	vecs, err := c.call(ctx, c.primary, texts)
	if err == nil {
		return vecs, nil
	}
	if ctx.Err() != nil || c.fallback == nil || errors.Is(err, memory.ErrDimensionMismatch) {
		c.failures.Add(1)
		return nil, err
	}

	c.fallbacks.Add(1)
	c.logger.Warn("Primary embedding backend failed, using fallback",
		zap.String("primary", c.primary.backend.Name()),
		zap.String("fallback", c.fallback.backend.Name()),
		zap.Error(err))
	vecs, ferr := c.call(ctx, *c.fallback, texts)
	if ferr != nil {
		c.failures.Add(1)
		return nil, ferr
	}
	return vecs, nil
}

func (c *Coordinator) call(ctx context.Context, g guarded, texts []string) ([][]float32, error) {
	return resilience.Call(ctx, g.breaker, c.cfg.Retry, func(ctx context.Context) ([][]float32, error) {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if c.cfg.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		}
		defer cancel()

		start := time.Now()
		vecs, err := g.backend.Embed(callCtx, texts)
		latency := time.Since(start)
		if err == nil {
			err = c.validate(g.backend, texts, vecs)
		}
		if memory.KindOf(err) != memory.KindData {
			c.batcher.Observe(latency, err)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if memory.KindOf(err) == memory.KindUnknown {
				err = memory.Wrap("embedding."+g.backend.Name(), memory.KindTransient, err)
			}
			return nil, err
		}
		return vecs, nil
	})
}

func (c *Coordinator) validate(b Backend, texts []string, vecs [][]float32) error {
	if len(vecs) != len(texts) {
		return memory.Wrap("embedding."+b.Name(), memory.KindTransient,
			fmt.Errorf("backend returned %d vectors for %d texts", len(vecs), len(texts)))
	}
	for _, v := range vecs {
		if len(v) != c.cfg.Dimensions {
			return memory.Wrap("embedding."+b.Name(), memory.KindData,
				fmt.Errorf("%w: got %d, want %d", memory.ErrDimensionMismatch, len(v), c.cfg.Dimensions))
		}
	}
	return nil
}

// Breakers returns a snapshot of every backend breaker, primary first.
func (c *Coordinator) Breakers() []resilience.Snapshot {
	out := []resilience.Snapshot{c.primary.breaker.Snapshot()}
	if c.fallback != nil {
		out = append(out, c.fallback.breaker.Snapshot())
	}
	return out
}

// Degraded reports whether no backend would currently accept a call.
func (c *Coordinator) Degraded() bool {
	if c.primary.breaker.State() != resilience.StateOpen {
		return false
	}
	return c.fallback == nil || c.fallback.breaker.State() == resilience.StateOpen
}

// Stats returns the coordinator's counters.
func (c *Coordinator) Stats() Stats {
	s := Stats{
		Backend:   c.primary.backend.Name(),
		Requests:  c.requests.Load(),
		Texts:     c.texts.Load(),
		CacheHits: c.cacheHits.Load(),
		Batches:   c.batches.Load(),
		Fallbacks: c.fallbacks.Load(),
		Failures:  c.failures.Load(),
		BatchSize: c.batcher.Size(),
	}
	if c.fallback != nil {
		s.Fallback = c.fallback.backend.Name()
	}
	return s
}

// Close releases every backend.
func (c *Coordinator) Close() error {
	errs := []error{c.primary.backend.Close()}
	if c.fallback != nil {
		errs = append(errs, c.fallback.backend.Close())
	}
	return errors.Join(errs...)
}
