package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"magray/internal/memory"
	"magray/internal/promotion"
	"magray/internal/search"
)

// StoreOptions qualifies a new record.
type StoreOptions struct {
	Tier       memory.Tier // defaults to the interaction tier
	Importance *float64    // optional, in [0,1]
	Tag        string
}

// SearchOptions narrows a search.
type SearchOptions struct {
	Tiers     []memory.Tier // default: every tier
	Deadline  time.Duration // zero uses the configured search deadline
	CrossTier bool          // query tiers concurrently instead of in order
	NoRerank  bool
	Tag       string
}

// Store embeds text and persists it as a new record, returning its id.
func (o *Orchestrator) Store(ctx context.Context, text string, opts StoreOptions) (string, error) {
	const op = "orchestrator.store"
	if strings.TrimSpace(text) == "" {
		return "", memory.Wrap(op, memory.KindData, memory.ErrEmptyText)
	}
	if !opts.Tier.Valid() {
		return "", memory.Wrap(op, memory.KindData, fmt.Errorf("invalid tier %d", opts.Tier))
	}
	if opts.Importance != nil && (*opts.Importance < 0 || *opts.Importance > 1) {
		return "", memory.Wrap(op, memory.KindData, fmt.Errorf("importance %v outside [0,1]", *opts.Importance))
	}

	done, err := o.admit(op)
	if err != nil {
		return "", err
	}
	defer done()

	vec, err := o.embedder.EmbedOne(ctx, text)
	if err != nil {
		return "", err
	}

	now := o.now()
	rec := memory.Record{
		ID:         o.store.NewID(now),
		Text:       text,
		Embedding:  vec,
		Tier:       opts.Tier,
		CreatedAt:  now,
		TierSince:  now,
		LastAccess: now,
		Importance: opts.Importance,
		Tag:        opts.Tag,
	}
	idx := o.indices[rec.Tier]
	indexed := false
	err = o.store.Insert(ctx, rec, func() error {
		if err := idx.Insert(rec.ID, rec.Embedding); err != nil {
			return memory.Wrap(op, memory.KindOf(err), err)
		}
		indexed = true
		return nil
	})
	if err != nil {
		if indexed {
			idx.Remove(rec.ID)
		}
		return "", err
	}
	o.count(ctx, "stored")
	return rec.ID, nil
}

// Search returns up to k records ranked by similarity to query. Running out
// of time yields a partial result, not an error.
func (o *Orchestrator) Search(ctx context.Context, query string, k int, opts SearchOptions) (*search.Result, error) {
	done, err := o.admit("orchestrator.search")
	if err != nil {
		return nil, err
	}
	defer done()

	if opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Deadline)
		defer cancel()
	}
	return o.searcher.Search(ctx, query, k, search.Options{
		Tiers:     opts.Tiers,
		CrossTier: opts.CrossTier,
		Rerank:    o.cfg.Search.Rerank && !opts.NoRerank,
		Tag:       opts.Tag,
	})
}

// Get returns a record by id.
func (o *Orchestrator) Get(ctx context.Context, id string) (memory.Record, error) {
	done, err := o.admit("orchestrator.get")
	if err != nil {
		return memory.Record{}, err
	}
	defer done()

	// A cached copy counts only while its tier index still holds it.
	if rec, ok := o.cache.Record(id); ok && rec.Tier.Valid() && o.indices[rec.Tier].Contains(id) {
		return rec, nil
	}
	return o.store.Get(ctx, id)
}

// Delete removes a record. The index entry goes once the store has
// committed, so a search can never resurrect it.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	done, err := o.admit("orchestrator.delete")
	if err != nil {
		return err
	}
	defer done()

	tier, err := o.store.Delete(ctx, id, nil)
	if err != nil {
		return err
	}
	o.indices[tier].Remove(id)
	o.cache.InvalidateRecord(id)
	o.count(ctx, "deleted")
	return nil
}

// RunPromotionNow runs a promotion scan immediately. It fails with
// memory.ErrBusy when a scan is already running.
func (o *Orchestrator) RunPromotionNow(ctx context.Context) (promotion.Summary, error) {
	done, err := o.admit("orchestrator.promote")
	if err != nil {
		return promotion.Summary{}, err
	}
	defer done()
	return o.promoter.RunNow(ctx)
}

func (o *Orchestrator) count(ctx context.Context, name string) {
	if err := o.store.AddCounter(context.WithoutCancel(ctx), name, 1); err != nil {
		o.logger.Warn("Counter update failed", zap.String("counter", name), zap.Error(err))
	}
}
