package orchestrator

import (
	"context"
	"time"

	"magray/internal/cache"
	"magray/internal/embedding"
	"magray/internal/memory"
	"magray/internal/promotion"
	"magray/internal/search"
)

// TierStats describes one tier.
type TierStats struct {
	Records    int `json:"records"`
	Indexed    int `json:"indexed"`
	Tombstones int `json:"tombstones"`
}

// AdmissionStats describes the global gate.
type AdmissionStats struct {
	Limit    int64  `json:"limit"`
	InFlight int64  `json:"in_flight"`
	Rejected uint64 `json:"rejected"`
}

// Stats is a point-in-time view of the whole engine.
type Stats struct {
	InstanceID  string               `json:"instance_id"`
	Uptime      time.Duration        `json:"uptime"`
	Tiers       map[string]TierStats `json:"tiers"`
	Quarantined int                  `json:"quarantined"`
	Counters    map[string]int64     `json:"counters"`
	Cache       cache.Stats          `json:"cache"`
	Search      search.Stats         `json:"search"`
	Embedding   embedding.Stats      `json:"embedding"`
	Promotion   promotion.Stats      `json:"promotion"`
	Admission   AdmissionStats       `json:"admission"`
	Accesses    AccessStats          `json:"accesses"`
}

// AccessStats describes the access-metadata recorder.
type AccessStats struct {
	Flushed uint64 `json:"flushed"`
	Dropped uint64 `json:"dropped"`
}

// Stats collects counters from every component.
func (o *Orchestrator) Stats(ctx context.Context) (Stats, error) {
	done, err := o.admit("orchestrator.stats")
	if err != nil {
		return Stats{}, err
	}
	defer done()

	s := Stats{
		InstanceID: o.instanceID,
		Uptime:     o.now().Sub(o.startedAt),
		Tiers:      make(map[string]TierStats, len(memory.Tiers)),
		Cache:      o.cache.Stats(),
		Search:     o.searcher.Stats(),
		Embedding:  o.embedder.Stats(),
		Promotion:  o.promoter.Stats(),
		Admission: AdmissionStats{
			Limit:    o.cfg.Orchestrator.MaxConcurrent,
			InFlight: o.inFlight.Load(),
			Rejected: o.rejected.Load(),
		},
		Accesses: AccessStats{
			Flushed: o.recorder.Flushed(),
			Dropped: o.recorder.Dropped(),
		},
	}
	for _, tier := range memory.Tiers {
		n, err := o.store.Count(ctx, tier)
		if err != nil {
			return Stats{}, err
		}
		idx := o.indices[tier]
		s.Tiers[tier.String()] = TierStats{Records: n, Indexed: idx.Len(), Tombstones: idx.Tombstones()}
	}
	if s.Quarantined, err = o.store.Quarantined(ctx); err != nil {
		return Stats{}, err
	}
	if s.Counters, err = o.store.Counters(ctx); err != nil {
		return Stats{}, err
	}
	return s, nil
}
