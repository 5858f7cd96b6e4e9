package search

import (
	"sync"
	"time"
)

// Stats summarises search latency.
type Stats struct {
	Searches   uint64        `json:"searches"`
	Partial    uint64        `json:"partial"`
	AvgLatency time.Duration `json:"avg_latency"` // exponentially weighted
	MaxLatency time.Duration `json:"max_latency"`
}

type latencyTracker struct {
	alpha float64

	mu       sync.Mutex
	searches uint64
	partial  uint64
	ewma     float64
	max      time.Duration
}

func newLatencyTracker(alpha float64) *latencyTracker {
	return &latencyTracker{alpha: alpha}
}

func (l *latencyTracker) observe(d time.Duration, partial bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.searches++
	if partial {
		l.partial++
	}
	if l.searches == 1 {
		l.ewma = float64(d)
	} else {
		l.ewma = l.alpha*float64(d) + (1-l.alpha)*l.ewma
	}
	l.max = max(l.max, d)
}

func (l *latencyTracker) stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Searches:   l.searches,
		Partial:    l.partial,
		AvgLatency: time.Duration(l.ewma),
		MaxLatency: l.max,
	}
}
