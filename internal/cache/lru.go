// Package cache provides the bounded LRU shared by the embedding and search
// paths. Entries are reconstructable copies; nothing here is authoritative.
package cache

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"magray/internal/memory"
)

// Config bounds an LRU. A zero MaxEntries or MaxBytes disables that bound.
type Config struct {
	MaxEntries int
	MaxBytes   int64
	DefaultTTL time.Duration // zero means entries never expire
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Entries   int     `json:"entries"`
	Bytes     int64   `json:"bytes"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	Expired   uint64  `json:"expired"`
	HitRate   float64 `json:"hit_rate"`
}

type entry[K comparable, V any] struct {
	key       K
	value     V
	size      int64
	expiresAt time.Time
}

// LRU is a size- and count-bounded least-recently-used cache with optional
// per-entry expiry. It is safe for concurrent use.
type LRU[K comparable, V any] struct {
	cfg    Config
	sizeOf func(V) int64
	now    func() time.Time

	mu    sync.Mutex
	ll    *list.List // front is most recently used
	items map[K]*list.Element
	bytes int64

	hits, misses, evictions, expired uint64
}

// NewLRU creates a cache. sizeOf reports the byte cost of a value; nil
// charges every value one byte.
func NewLRU[K comparable, V any](cfg Config, sizeOf func(V) int64) *LRU[K, V] {
	if sizeOf == nil {
		sizeOf = func(V) int64 { return 1 }
	}
	return &LRU[K, V]{
		cfg:    cfg,
		sizeOf: sizeOf,
		now:    time.Now,
		ll:     list.New(),
		items:  make(map[K]*list.Element),
	}
}

// Get returns the value for key and marks it most recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		c.misses++
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		c.removeElement(el)
		c.expired++
		c.misses++
		return zero, false
	}
	c.ll.MoveToFront(el)
	c.hits++
	return e.value, true
}

// Put stores value under key with the default TTL.
func (c *LRU[K, V]) Put(key K, value V) error {
	return c.PutTTL(key, value, c.cfg.DefaultTTL)
}

// PutTTL stores value under key, expiring after ttl (zero means never).
// Least recently used entries are evicted until both budgets hold. A value
// larger than the whole byte budget is rejected with memory.ErrOverBudget
// and nothing is evicted.
func (c *LRU[K, V]) PutTTL(key K, value V, ttl time.Duration) error {
	size := c.sizeOf(value)
	if c.cfg.MaxBytes > 0 && size > c.cfg.MaxBytes {
		return memory.Wrap("cache.put", memory.KindCapacity,
			fmt.Errorf("%w: entry of %d bytes exceeds budget of %d", memory.ErrOverBudget, size, c.cfg.MaxBytes))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[K, V])
		c.bytes += size - e.size
		e.value, e.size, e.expiresAt = value, size, expiresAt
		c.ll.MoveToFront(el)
	} else {
		el := c.ll.PushFront(&entry[K, V]{key: key, value: value, size: size, expiresAt: expiresAt})
		c.items[key] = el
		c.bytes += size
	}

	for c.overBudget() {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
		c.evictions++
	}
	return nil
}

func (c *LRU[K, V]) overBudget() bool {
	if c.cfg.MaxEntries > 0 && c.ll.Len() > c.cfg.MaxEntries {
		return true
	}
	return c.cfg.MaxBytes > 0 && c.bytes > c.cfg.MaxBytes
}

// Remove drops key and reports whether it was present.
func (c *LRU[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(el)
	return true
}

// RemoveFunc drops every entry whose key matches and returns how many went.
func (c *LRU[K, V]) RemoveFunc(match func(K) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		if match(el.Value.(*entry[K, V]).key) {
			c.removeElement(el)
			n++
		}
		el = prev
	}
	return n
}

// Purge drops every expired entry and returns how many went.
func (c *LRU[K, V]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*entry[K, V])
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			c.removeElement(el)
			c.expired++
			n++
		}
		el = prev
	}
	return n
}

// Clear drops every entry. Counters are kept.
func (c *LRU[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[K]*list.Element)
	c.bytes = 0
}

// Len returns the number of entries, including ones that have expired but
// not yet been purged.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Stats returns the current counters.
func (c *LRU[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Entries:   c.ll.Len(),
		Bytes:     c.bytes,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Expired:   c.expired,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

func (c *LRU[K, V]) removeElement(el *list.Element) {
	e := c.ll.Remove(el).(*entry[K, V])
	delete(c.items, e.key)
	c.bytes -= e.size
}
