// Package orchestrator owns the engine's lifecycle. It opens the store,
// brings every tier index up to date with it, starts the coordinators in
// dependency order, admits external operations through a single global gate
// and shuts everything down in reverse.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"magray/internal/cache"
	"magray/internal/config"
	"magray/internal/datadir"
	"magray/internal/embedding"
	"magray/internal/hnsw"
	"magray/internal/memory"
	"magray/internal/promotion"
	"magray/internal/resilience"
	"magray/internal/search"
	"magray/internal/store"
)

type lifecycle int32

const (
	stateNew lifecycle = iota
	stateStarting
	stateRunning
	stateStopping
	stateStopped
)

func (s lifecycle) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateStarting:
		return "starting"
	case stateRunning:
		return "running"
	case stateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Orchestrator is the engine's public surface. It is safe for concurrent use.
type Orchestrator struct {
	cfg        *config.Config
	logger     *zap.Logger
	now        func() time.Time
	instanceID string

	// Injected embedding backends; nil means select from config.
	primary, fallback embedding.Backend
	scorer            promotion.Scorer

	state     atomic.Int32
	startedAt time.Time
	// lifeMu is held for read by Health and for write while components are
	// released, since Health runs outside the admission gate.
	lifeMu sync.RWMutex

	gate     *semaphore.Weighted
	inFlight atomic.Int64
	rejected atomic.Uint64

	dir      *datadir.DataDir
	store    *store.Store
	indices  [len(memory.Tiers)]*hnsw.Index
	cache    *cache.Shared
	embedder *embedding.Coordinator
	searcher *search.Coordinator
	recorder *search.AccessRecorder
	promoter *promotion.Engine

	cancel context.CancelFunc
	loops  sync.WaitGroup

	health      atomic.Pointer[Health]
	lastSummary atomic.Pointer[promotion.Summary]
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithBackends bypasses backend selection. fallback may be nil.
func WithBackends(primary, fallback embedding.Backend) Option {
	return func(o *Orchestrator) { o.primary, o.fallback = primary, fallback }
}

// WithClock replaces time.Now for record timestamps and promotion.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithScorer replaces the heuristic promotion scorer.
func WithScorer(s promotion.Scorer) Option {
	return func(o *Orchestrator) { o.scorer = s }
}

// New validates cfg and returns an orchestrator ready to Start. It does no
// I/O.
func New(cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:        cfg,
		logger:     zap.NewNop(),
		now:        time.Now,
		instanceID: uuid.NewString(),
		gate:       semaphore.NewWeighted(cfg.Orchestrator.MaxConcurrent),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Named("orchestrator").With(zap.String("instance", o.instanceID))
	return o, nil
}

// Start brings the engine up. Any failure is fatal: everything opened so far
// is released and the error is returned.
func (o *Orchestrator) Start(ctx context.Context) (err error) {
	if !o.state.CompareAndSwap(int32(stateNew), int32(stateStarting)) {
		return memory.Wrap("orchestrator.start", memory.KindFatal,
			fmt.Errorf("already %s", lifecycle(o.state.Load())))
	}
	start := time.Now()
	defer func() {
		if err != nil {
			o.release()
			o.state.Store(int32(stateStopped))
			o.logger.Error("Startup failed", zap.Error(err))
		}
	}()

	cfg := o.cfg
	fatal := func(step string, err error) error {
		if memory.KindOf(err) == memory.KindFatal {
			return err
		}
		return memory.Wrap("orchestrator.start", memory.KindFatal, fmt.Errorf("%s: %w", step, err))
	}

	o.dir, err = datadir.New(cfg.DataDir)
	if err != nil {
		return fatal("data dir", err)
	}
	if err := o.dir.EnsureDirs(); err != nil {
		return fatal("data dir", err)
	}

	o.store, err = store.Open(ctx, store.Options{
		Path:       o.dir.StorePath(cfg.StorePath),
		Dimensions: cfg.Dimensions,
		Logger:     o.logger,
	})
	if err != nil {
		return fatal("store", err)
	}

	if err := o.loadIndices(ctx); err != nil {
		return fatal("indices", err)
	}

	o.cache = cache.NewShared(cache.Config{
		MaxEntries: cfg.Cache.MaxEntries,
		MaxBytes:   cfg.Cache.MaxBytes,
		DefaultTTL: cfg.Cache.RecordTTL,
	})

	if err := o.startEmbedding(); err != nil {
		return fatal("embedding", err)
	}

	o.recorder = search.NewAccessRecorder(o.store, search.RecorderConfig{
		Buffer:        cfg.Orchestrator.AccessBuffer,
		FlushInterval: cfg.Orchestrator.AccessFlushInterval,
	}, o.logger)

	tiers := cfg.Tiers.ByTier()
	searchCfg := search.Config{
		Deadline:   cfg.Search.Deadline,
		RecordTTL:  cfg.Cache.RecordTTL,
		RerankTopN: cfg.Search.RerankTopN,
		Breaker:    breakerConfig(cfg.Search.Breaker),
	}
	for i, t := range tiers {
		searchCfg.EfSearch[i] = t.EfSearch
		searchCfg.QueryTTL[i] = t.QueryCacheTTL
	}
	o.searcher = search.NewCoordinator(searchCfg, o.indices, o.embedder, o.store,
		search.WithCache(o.cache),
		search.WithAccessRecorder(o.recorder),
		search.WithLogger(o.logger),
	)

	promoCfg := promotion.Config{Schedule: cfg.Promotion.Schedule}
	var promoIndices [len(memory.Tiers)]promotion.Index
	for i, t := range tiers {
		promoCfg.Policies[i] = promotion.Policy{
			MinAge:          t.MinAge,
			MinAccessCount:  t.MinAccessCount,
			AcceptThreshold: t.AcceptThreshold,
			TTL:             t.TTL,
		}
		promoIndices[i] = o.indices[i]
	}
	promoOpts := []promotion.Option{
		promotion.WithCache(o.cache),
		promotion.WithLogger(o.logger),
		promotion.WithClock(o.now),
	}
	if o.scorer != nil {
		promoOpts = append(promoOpts, promotion.WithScorer(o.scorer))
	}
	o.promoter = promotion.New(promoCfg, o.store, promoIndices, promoOpts...)
	if err := o.promoter.Start(); err != nil {
		return fatal("promotion", err)
	}

	bg, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	go o.recorder.Run(bg)
	o.loops.Add(2)
	go o.healthLoop(bg)
	go o.summaryLoop(bg)

	o.startedAt = o.now()
	o.state.Store(int32(stateRunning))
	h := o.Health(ctx)
	o.logger.Info("Engine started",
		zap.String("store", o.store.Path()),
		zap.Int("dimensions", cfg.Dimensions),
		zap.String("status", string(h.Status)),
		zap.Duration("took", time.Since(start)))
	return nil
}

func (o *Orchestrator) startEmbedding() error {
	cfg := o.cfg
	primary, fallback := o.primary, o.fallback
	if primary == nil {
		onnx := cfg.Embedding.ONNX
		onnx.ModelPath = o.dir.ModelPath(onnx.ModelPath)
		onnx.TokenizerPath = o.dir.ModelPath(onnx.TokenizerPath)
		var err error
		primary, fallback, err = embedding.Select(embedding.SelectConfig{
			Mode:       cfg.Embedding.Mode,
			Dimensions: cfg.Dimensions,
			ONNX:       onnx,
		}, o.logger)
		if err != nil {
			return err
		}
	}

	coord, err := embedding.NewCoordinator(embedding.Config{
		Dimensions: cfg.Dimensions,
		Batch:      cfg.Embedding.Batch,
		Breaker:    breakerConfig(cfg.Embedding.Breaker),
		Retry: resilience.RetryConfig{
			MaxAttempts:     cfg.Embedding.Retry.MaxAttempts,
			InitialInterval: cfg.Embedding.Retry.InitialInterval,
			MaxInterval:     cfg.Embedding.Retry.MaxInterval,
		},
		CallTimeout: cfg.Embedding.CallTimeout,
		CacheTTL:    cfg.Embedding.CacheTTL,
	}, primary, fallback, o.cache, o.logger)
	if err != nil {
		primary.Close()
		if fallback != nil {
			fallback.Close()
		}
		return err
	}
	o.embedder = coord
	return nil
}

// breakerConfig leaves Name empty; each coordinator names its own breakers.
func breakerConfig(c config.BreakerConfig) resilience.BreakerConfig {
	return resilience.BreakerConfig{
		FailureThreshold: c.FailureThreshold,
		Window:           c.Window,
		Cooldown:         c.Cooldown,
		HalfOpenMaxCalls: c.HalfOpenMaxCalls,
	}
}

// Shutdown stops background work, waits up to the configured grace period
// for in-flight operations, persists index snapshots and closes the store.
// It is safe to call more than once.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if !o.state.CompareAndSwap(int32(stateRunning), int32(stateStopping)) {
		return nil
	}
	o.logger.Info("Shutting down")
	var errs []error

	grace, cancel := context.WithTimeout(ctx, o.cfg.Orchestrator.ShutdownGrace)
	defer cancel()

	if err := o.promoter.Stop(grace); err != nil {
		errs = append(errs, fmt.Errorf("stop promotion: %w", err))
	}

	// Holding every slot means nothing is in flight and nothing new gets in.
	if err := o.gate.Acquire(grace, o.cfg.Orchestrator.MaxConcurrent); err != nil {
		o.logger.Warn("Grace period expired with operations in flight", zap.Int64("in_flight", o.inFlight.Load()))
	}

	o.cancel()
	o.loops.Wait()
	select {
	case <-o.recorder.Done():
	case <-grace.Done():
		o.logger.Warn("Access recorder did not drain in time")
	}

	persist := context.WithoutCancel(ctx)
	if err := o.saveIndices(persist); err != nil {
		errs = append(errs, err)
	}
	if err := o.store.Flush(persist); err != nil {
		errs = append(errs, fmt.Errorf("flush store: %w", err))
	}
	if err := o.release(); err != nil {
		errs = append(errs, err)
	}

	o.state.Store(int32(stateStopped))
	if err := errors.Join(errs...); err != nil {
		o.logger.Error("Shutdown finished with errors", zap.Error(err))
		return err
	}
	o.logger.Info("Shutdown complete")
	return nil
}

// release closes whatever has been opened.
func (o *Orchestrator) release() error {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()

	var errs []error
	if o.embedder != nil {
		if err := o.embedder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close embedding backends: %w", err))
		}
		o.embedder = nil
	}
	if o.store != nil {
		if err := o.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		o.store = nil
	}
	return errors.Join(errs...)
}

// admit takes one slot of the global gate. It never waits: a full gate is a
// capacity error.
func (o *Orchestrator) admit(op string) (func(), error) {
	if s := lifecycle(o.state.Load()); s != stateRunning {
		return nil, memory.Wrap(op, memory.KindFatal, fmt.Errorf("%w: engine is %s", memory.ErrClosed, s))
	}
	if !o.gate.TryAcquire(1) {
		o.rejected.Add(1)
		return nil, memory.Wrap(op, memory.KindCapacity, fmt.Errorf("%w: %d operations in flight", memory.ErrBusy, o.inFlight.Load()))
	}
	o.inFlight.Add(1)
	return func() {
		o.inFlight.Add(-1)
		o.gate.Release(1)
	}, nil
}

// InstanceID identifies this engine instance in logs.
func (o *Orchestrator) InstanceID() string {
	return o.instanceID
}
