// Package promotion periodically moves records forward through the retention
// tiers and expires the ones that outlive their tier.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"magray/internal/memory"
)

// Policy is one tier's retention and promotion rule.
type Policy struct {
	// MinAge is how long a record must have been in this tier before it is
	// considered for promotion.
	MinAge time.Duration
	// MinAccessCount makes a record eligible early once it has been read this
	// often and has been read since entering the tier. Zero disables it.
	MinAccessCount uint64
	// AcceptThreshold is the score a record from the previous tier needs to
	// enter this one.
	AcceptThreshold float64
	// TTL expires records that have been in this tier this long without being
	// promoted. Zero keeps them forever.
	TTL time.Duration
}

// Config configures an Engine.
type Config struct {
	Policies [len(memory.Tiers)]Policy
	Schedule string // cron spec with optional seconds field; empty disables scheduling
}

// Store is the persistence the engine needs.
type Store interface {
	Scan(ctx context.Context, tier memory.Tier, fn func(memory.Record) error) error
	Promote(ctx context.Context, id string, from, to memory.Tier, at time.Time, apply func(memory.Record) error) error
	Delete(ctx context.Context, id string, apply func(memory.Tier) error) (memory.Tier, error)
	AddCounter(ctx context.Context, name string, delta int64) error
}

// Index is the slice of a tier index the engine mutates.
type Index interface {
	Insert(id string, vec []float32) error
	Remove(id string) bool
}

// Invalidator drops stale cached copies of a record.
type Invalidator interface {
	InvalidateRecord(id string)
}

// Move is one promotion performed by a scan.
type Move struct {
	ID   string      `json:"id"`
	From memory.Tier `json:"from"`
	To   memory.Tier `json:"to"`
}

// Summary describes one scan.
type Summary struct {
	RunID       string        `json:"run_id"`
	Trigger     string        `json:"trigger"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Scanned     int           `json:"scanned"`
	Moves       []Move        `json:"moves"`
	Promoted    int           `json:"promoted"`
	Expired     int           `json:"expired"`
	Failed      int           `json:"failed"`
	Interrupted bool          `json:"interrupted"`
}

// Stats are engine-lifetime counters.
type Stats struct {
	Runs      uint64   `json:"runs"`
	Coalesced uint64   `json:"coalesced"`
	Rejected  uint64   `json:"rejected"`
	Dropped   uint64   `json:"dropped_summaries"`
	Last      *Summary `json:"last,omitempty"`
}

// Engine runs promotion scans, one at a time.
type Engine struct {
	cfg     Config
	store   Store
	indices [len(memory.Tiers)]Index
	cache   Invalidator
	scorer  Scorer
	now     func() time.Time
	logger  *zap.Logger

	cron      *cron.Cron
	summaries chan Summary

	running   atomic.Bool
	runs      atomic.Uint64
	coalesced atomic.Uint64
	rejected  atomic.Uint64
	dropped   atomic.Uint64
	last      atomic.Pointer[Summary]
}

// Option customises an Engine.
type Option func(*Engine)

// WithScorer replaces the heuristic scorer.
func WithScorer(s Scorer) Option {
	return func(e *Engine) { e.scorer = s }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithCache invalidates cached records as they move.
func WithCache(c Invalidator) Option {
	return func(e *Engine) { e.cache = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an engine. Call Start to enable the schedule.
func New(cfg Config, store Store, indices [len(memory.Tiers)]Index, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg,
		store:     store,
		indices:   indices,
		scorer:    DefaultScorer(),
		now:       time.Now,
		logger:    zap.NewNop(),
		summaries: make(chan Summary, 16),
	}
	for _, o := range opts {
		o(e)
	}
	e.logger = e.logger.Named("promotion")
	return e
}

// Summaries delivers a Summary after every scan. Summaries that nobody
// receives in time are dropped.
func (e *Engine) Summaries() <-chan Summary {
	return e.summaries
}

// Start schedules scans. Ticks that arrive while a scan is still running are
// coalesced into it rather than queued.
func (e *Engine) Start() error {
	if e.cfg.Schedule == "" {
		e.logger.Info("Promotion schedule disabled")
		return nil
	}
	cl := cronLogger{s: e.logger.Sugar()}
	e.cron = cron.New(cron.WithSeconds(), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))
	if _, err := e.cron.AddFunc(e.cfg.Schedule, e.tick); err != nil {
		return memory.Wrap("promotion.start", memory.KindFatal,
			fmt.Errorf("%w: schedule %q: %v", memory.ErrInvalidConfig, e.cfg.Schedule, err))
	}
	e.cron.Start()
	e.logger.Info("Promotion scheduled", zap.String("schedule", e.cfg.Schedule))
	return nil
}

// Stop stops the schedule and waits for a running scan up to ctx.
func (e *Engine) Stop(ctx context.Context) error {
	if e.cron == nil {
		return nil
	}
	select {
	case <-e.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		e.logger.Warn("Promotion stop timed out")
		return ctx.Err()
	}
}

func (e *Engine) tick() {
	if !e.running.CompareAndSwap(false, true) {
		n := e.coalesced.Add(1)
		e.logger.Debug("Promotion tick coalesced", zap.Uint64("coalesced", n))
		return
	}
	defer e.running.Store(false)
	e.scan(context.Background(), "schedule")
}

// RunNow runs a scan immediately. It fails with memory.ErrBusy when a scan is
// already in progress.
func (e *Engine) RunNow(ctx context.Context) (Summary, error) {
	if !e.running.CompareAndSwap(false, true) {
		e.rejected.Add(1)
		return Summary{}, memory.Wrap("promotion.run", memory.KindCapacity,
			fmt.Errorf("%w: promotion scan already running", memory.ErrBusy))
	}
	defer e.running.Store(false)
	return e.scan(ctx, "manual"), nil
}

// Running reports whether a scan is in progress.
func (e *Engine) Running() bool {
	return e.running.Load()
}

type candidate struct {
	rec     memory.Record
	promote bool
}

func (e *Engine) scan(ctx context.Context, trigger string) Summary {
	sum := Summary{RunID: uuid.NewString(), Trigger: trigger, StartedAt: e.now(), Moves: []Move{}}
	log := e.logger.With(zap.String("run_id", sum.RunID), zap.String("trigger", trigger))
	log.Debug("Promotion scan started")
	now := sum.StartedAt

	// Highest source first so nothing moves twice in one scan.
	for i := len(memory.Tiers) - 1; i >= 0; i-- {
		src := memory.Tiers[i]
		cands, scanned, err := e.collect(ctx, src, now)
		sum.Scanned += scanned
		if err != nil {
			if ctx.Err() != nil {
				sum.Interrupted = true
				break
			}
			log.Error("Tier scan failed", zap.Stringer("tier", src), zap.Error(err))
			sum.Failed++
			continue
		}

		for _, c := range cands {
			if ctx.Err() != nil {
				sum.Interrupted = true
				break
			}
			if c.promote {
				dst, _ := src.Next()
				if err := e.promote(ctx, c.rec, src, dst, now); err != nil {
					// Deleted since it was collected.
					if !errors.Is(err, memory.ErrNotFound) {
						sum.Failed++
						log.Warn("Promotion failed", zap.String("id", c.rec.ID), zap.Error(err))
					}
					continue
				}
				sum.Moves = append(sum.Moves, Move{ID: c.rec.ID, From: src, To: dst})
				continue
			}
			if err := e.expire(ctx, c.rec, src); err != nil {
				if !errors.Is(err, memory.ErrNotFound) {
					sum.Failed++
					log.Warn("Expiry failed", zap.String("id", c.rec.ID), zap.Error(err))
				}
				continue
			}
			sum.Expired++
		}
		if sum.Interrupted {
			break
		}
	}

	sum.Duration = e.now().Sub(sum.StartedAt)
	sum.Promoted = len(sum.Moves)
	e.finish(ctx, sum)
	log.Info("Promotion scan finished",
		zap.Int("scanned", sum.Scanned),
		zap.Int("promoted", sum.Promoted),
		zap.Int("expired", sum.Expired),
		zap.Int("failed", sum.Failed),
		zap.Bool("interrupted", sum.Interrupted))
	return sum
}

// collect decides, for every record in src, whether it moves, expires or
// stays.
func (e *Engine) collect(ctx context.Context, src memory.Tier, now time.Time) ([]candidate, int, error) {
	pol := e.cfg.Policies[src]
	dst, canPromote := src.Next()
	var accept float64
	if canPromote {
		accept = e.cfg.Policies[dst].AcceptThreshold
	}

	var out []candidate
	scanned := 0
	err := e.store.Scan(ctx, src, func(rec memory.Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		scanned++
		if canPromote && eligible(pol, rec, now) && e.scorer.Score(rec, now) >= accept {
			out = append(out, candidate{rec: rec, promote: true})
			return nil
		}
		if pol.TTL > 0 && now.Sub(rec.TierSince) >= pol.TTL {
			out = append(out, candidate{rec: rec})
		}
		return nil
	})
	return out, scanned, err
}

// eligible reports whether rec has crossed its tier's age or access
// threshold. A record that has just entered its tier and not been read since
// is never eligible, so a repeated scan without elapsed time moves nothing.
func eligible(p Policy, rec memory.Record, now time.Time) bool {
	if now.Sub(rec.TierSince) > p.MinAge {
		return true
	}
	return p.MinAccessCount > 0 && rec.AccessCount >= p.MinAccessCount && rec.LastAccess.After(rec.TierSince)
}

// promote moves rec from src to dst in the store, inserting it into the
// destination index inside the same transaction. The source index entry is
// only removed once the store has committed.
func (e *Engine) promote(ctx context.Context, rec memory.Record, src, dst memory.Tier, now time.Time) error {
	inserted := false
	err := e.store.Promote(ctx, rec.ID, src, dst, now, func(moved memory.Record) error {
		if err := e.indices[dst].Insert(moved.ID, moved.Embedding); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		if inserted {
			e.indices[dst].Remove(rec.ID)
		}
		return err
	}
	e.indices[src].Remove(rec.ID)
	if e.cache != nil {
		e.cache.InvalidateRecord(rec.ID)
	}
	return nil
}

func (e *Engine) expire(ctx context.Context, rec memory.Record, src memory.Tier) error {
	tier, err := e.store.Delete(ctx, rec.ID, nil)
	if err != nil {
		return err
	}
	e.indices[tier].Remove(rec.ID)
	if tier != src {
		e.indices[src].Remove(rec.ID)
	}
	if e.cache != nil {
		e.cache.InvalidateRecord(rec.ID)
	}
	return nil
}

func (e *Engine) finish(ctx context.Context, sum Summary) {
	e.runs.Add(1)
	e.last.Store(&sum)

	counterCtx := context.WithoutCancel(ctx)
	for name, v := range map[string]int{"promoted": sum.Promoted, "expired": sum.Expired, "promotion_runs": 1} {
		if v == 0 {
			continue
		}
		if err := e.store.AddCounter(counterCtx, name, int64(v)); err != nil {
			e.logger.Warn("Counter update failed", zap.String("counter", name), zap.Error(err))
		}
	}

	select {
	case e.summaries <- sum:
	default:
		e.dropped.Add(1)
	}
}

// Stats returns the engine's counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Runs:      e.runs.Load(),
		Coalesced: e.coalesced.Load(),
		Rejected:  e.rejected.Load(),
		Dropped:   e.dropped.Load(),
		Last:      e.last.Load(),
	}
}
