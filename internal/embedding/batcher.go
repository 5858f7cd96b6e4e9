package embedding

import (
	"sync"
	"time"
)

// BatchConfig bounds the adaptive batch size.
type BatchConfig struct {
	Initial       int           `yaml:"initial"`
	Min           int           `yaml:"min"`
	Max           int           `yaml:"max"`
	Step          int           `yaml:"step"`
	TargetLatency time.Duration `yaml:"target_latency"`
}

func (c BatchConfig) withDefaults() BatchConfig {
	if c.Min <= 0 {
		c.Min = 1
	}
	if c.Max <= 0 {
		c.Max = 64
	}
	if c.Max < c.Min {
		c.Max = c.Min
	}
	if c.Initial <= 0 {
		c.Initial = 8
	}
	c.Initial = min(max(c.Initial, c.Min), c.Max)
	if c.Step <= 0 {
		c.Step = 1
	}
	if c.TargetLatency <= 0 {
		c.TargetLatency = 50 * time.Millisecond
	}
	return c
}

// Batcher adapts the batch size to observed backend latency: additive growth
// while calls finish under target, halving on timeout or error.
type Batcher struct {
	cfg BatchConfig

	mu      sync.Mutex
	size    int
	grows   uint64
	shrinks uint64
}

// NewBatcher creates a Batcher at cfg.Initial.
func NewBatcher(cfg BatchConfig) *Batcher {
	cfg = cfg.withDefaults()
	return &Batcher{cfg: cfg, size: cfg.Initial}
}

// Size returns the current batch size.
func (b *Batcher) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Observe feeds back one call's latency and outcome.
func (b *Batcher) Observe(latency time.Duration, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case err != nil:
		if next := max(b.size/2, b.cfg.Min); next != b.size {
			b.size = next
			b.shrinks++
		}
	case latency < b.cfg.TargetLatency:
		if next := min(b.size+b.cfg.Step, b.cfg.Max); next != b.size {
			b.size = next
			b.grows++
		}
	}
}
