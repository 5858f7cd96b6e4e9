package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"magray/internal/memory"
	"magray/internal/resilience"
)

// Status is an aggregated health level. Order matters: a higher value is
// worse.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

func worst(a, b Status) Status {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// ComponentHealth is one component's status.
type ComponentHealth struct {
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Health is the engine-wide status: the worst of its components.
type Health struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Breakers   []resilience.Snapshot      `json:"breakers"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

func (h *Health) set(name string, s Status, format string, args ...any) {
	h.Components[name] = ComponentHealth{Status: s, Detail: fmt.Sprintf(format, args...)}
	h.Status = worst(h.Status, s)
}

// Health checks every component. It bypasses the admission gate so it can
// report on a saturated engine, and holds off Shutdown from closing
// components until it is done.
func (o *Orchestrator) Health(ctx context.Context) Health {
	o.lifeMu.RLock()
	defer o.lifeMu.RUnlock()

	h := Health{
		Status:     StatusHealthy,
		Components: make(map[string]ComponentHealth),
		CheckedAt:  o.now(),
	}

	if s := lifecycle(o.state.Load()); s != stateRunning {
		h.set("lifecycle", StatusUnhealthy, "engine is %s", s)
		return h
	}
	h.set("lifecycle", StatusHealthy, "up %s", o.now().Sub(o.startedAt).Truncate(time.Second))

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := o.store.Ping(ctx); err != nil {
		h.set("store", StatusUnhealthy, "ping failed: %v", err)
	} else if q, err := o.store.Quarantined(ctx); err == nil && q > 0 {
		h.set("store", StatusHealthy, "%d records quarantined", q)
	} else {
		h.set("store", StatusHealthy, "")
	}

	for _, tier := range memory.Tiers {
		idx := o.indices[tier]
		h.set("index."+tier.String(), StatusHealthy, "%d live, %d tombstones", idx.Len(), idx.Tombstones())
	}

	breakers := o.embedder.Breakers()
	switch {
	case o.embedder.Degraded():
		// Search still serves cached query embeddings.
		h.set("embedding", StatusDegraded, "no backend available")
	case breakers[0].State == resilience.StateOpen.String():
		h.set("embedding", StatusDegraded, "primary %s open, using fallback", breakers[0].Name)
	default:
		h.set("embedding", StatusHealthy, "%s", o.embedder.Stats().Backend)
	}

	rerank := o.searcher.Breaker()
	if rerank.State == resilience.StateOpen.String() {
		h.set("search", StatusDegraded, "reranker disabled")
	} else {
		st := o.searcher.Stats()
		h.set("search", StatusHealthy, "avg %s over %d searches", st.AvgLatency, st.Searches)
	}
	h.Breakers = append(breakers, rerank)

	if last := o.lastSummary.Load(); last != nil && last.Failed > 0 {
		h.set("promotion", StatusDegraded, "last scan %s had %d failures", last.RunID, last.Failed)
	} else {
		h.set("promotion", StatusHealthy, "%d scans", o.promoter.Stats().Runs)
	}

	h.set("admission", StatusHealthy, "%d/%d in flight, %d rejected",
		o.inFlight.Load(), o.cfg.Orchestrator.MaxConcurrent, o.rejected.Load())

	o.health.Store(&h)
	return h
}

// healthLoop re-checks health periodically, logs status transitions and
// compacts indices with too many tombstones.
func (o *Orchestrator) healthLoop(ctx context.Context) {
	defer o.loops.Done()
	ticker := time.NewTicker(o.cfg.Orchestrator.HealthInterval)
	defer ticker.Stop()

	prev := StatusHealthy
	if h := o.health.Load(); h != nil {
		prev = h.Status
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h := o.Health(ctx)
			if h.Status != prev {
				fields := []zap.Field{zap.String("from", string(prev)), zap.String("to", string(h.Status))}
				for name, c := range h.Components {
					if c.Status != StatusHealthy {
						fields = append(fields, zap.String(name, c.Detail))
					}
				}
				o.logger.Warn("Health changed", fields...)
				prev = h.Status
			}
			o.compactIndices()
		}
	}
}

// summaryLoop receives promotion summaries as the scheduler publishes them.
func (o *Orchestrator) summaryLoop(ctx context.Context) {
	defer o.loops.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case sum := <-o.promoter.Summaries():
			o.lastSummary.Store(&sum)
			if sum.Promoted > 0 || sum.Expired > 0 || sum.Failed > 0 {
				o.logger.Info("Promotion summary",
					zap.String("run_id", sum.RunID),
					zap.String("trigger", sum.Trigger),
					zap.Int("promoted", sum.Promoted),
					zap.Int("expired", sum.Expired),
					zap.Int("failed", sum.Failed))
			}
		}
	}
}
