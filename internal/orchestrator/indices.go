package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"magray/internal/hnsw"
	"magray/internal/memory"
)

func (o *Orchestrator) newIndex(tier memory.Tier) (*hnsw.Index, error) {
	t := o.cfg.Tiers.ByTier()[tier]
	return hnsw.New(hnsw.Config{
		Dimensions:     o.cfg.Dimensions,
		M:              t.M,
		EfConstruction: t.EfConstruction,
		EfSearch:       t.EfSearch,
	})
}

// loadIndices restores each tier's index from its snapshot and checks it
// against the store. A missing, unreadable or stale snapshot triggers a full
// rebuild from the store; a failed rebuild is fatal.
func (o *Orchestrator) loadIndices(ctx context.Context) error {
	for _, tier := range memory.Tiers {
		idx, err := o.loadIndex(ctx, tier)
		if err != nil {
			return fmt.Errorf("tier %s: %w", tier, err)
		}
		o.indices[tier] = idx
	}
	return nil
}

func (o *Orchestrator) loadIndex(ctx context.Context, tier memory.Tier) (*hnsw.Index, error) {
	log := o.logger.With(zap.Stringer("tier", tier))

	ids, err := o.store.IDs(ctx, tier)
	if err != nil {
		return nil, err
	}

	data, err := o.store.LoadIndexMeta(ctx, tier)
	if err != nil {
		return nil, err
	}
	if data != nil {
		idx, err := o.newIndex(tier)
		if err != nil {
			return nil, err
		}
		switch err := idx.Restore(data); {
		case err != nil:
			log.Warn("Index snapshot unusable, rebuilding", zap.Error(err))
		case !sameIDs(idx.IDs(), ids):
			log.Warn("Index snapshot out of date, rebuilding",
				zap.Int("snapshot", idx.Len()), zap.Int("store", len(ids)))
		default:
			log.Info("Index restored", zap.Int("records", idx.Len()))
			return idx, nil
		}
	}
	return o.rebuildIndex(ctx, tier)
}

func (o *Orchestrator) rebuildIndex(ctx context.Context, tier memory.Tier) (*hnsw.Index, error) {
	start := time.Now()
	idx, err := o.newIndex(tier)
	if err != nil {
		return nil, err
	}
	err = o.store.Scan(ctx, tier, func(rec memory.Record) error {
		return idx.Insert(rec.ID, rec.Embedding)
	})
	if err != nil {
		return nil, memory.Wrap("orchestrator.rebuild", memory.KindFatal, err)
	}
	o.logger.Info("Index rebuilt",
		zap.Stringer("tier", tier),
		zap.Int("records", idx.Len()),
		zap.Duration("took", time.Since(start)))
	return idx, nil
}

// saveIndices writes a snapshot of every tier for the next start.
func (o *Orchestrator) saveIndices(ctx context.Context) error {
	for _, tier := range memory.Tiers {
		data, err := o.indices[tier].Snapshot()
		if err != nil {
			return fmt.Errorf("snapshot %s index: %w", tier, err)
		}
		if err := o.store.SaveIndexMeta(ctx, tier, data); err != nil {
			return fmt.Errorf("save %s index: %w", tier, err)
		}
	}
	return nil
}

// compactIndices reclaims tombstones in indices where they outnumber live
// entries.
func (o *Orchestrator) compactIndices() {
	for _, tier := range memory.Tiers {
		idx := o.indices[tier]
		if dead := idx.Tombstones(); dead > 0 && dead > idx.Len() {
			n := idx.Compact()
			o.logger.Info("Index compacted", zap.Stringer("tier", tier), zap.Int("reclaimed", n))
		}
	}
}

func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}
