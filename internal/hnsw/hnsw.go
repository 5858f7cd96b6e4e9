// Package hnsw implements a Hierarchical Navigable Small World graph index for
// approximate nearest-neighbour search over fixed-dimension embeddings.
//
// Nodes live in an arena addressed by stable uint32 slots. Each node guards
// its own neighbour lists, so concurrent inserts only contend on the nodes
// they actually relink. The graph-level lock is taken for write only to grow
// the arena, publish or retire ids, or move the entry point. Compaction
// renumbers slots and so also excludes in-flight inserts and removes.
package hnsw

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"magray/internal/memory"
	"magray/internal/vecmath"
)

const maxLevelCap = 16

// Config configures an index.
type Config struct {
	Dimensions     int     // Embedding length; inserts of any other length fail
	M              int     // Max connections per node on upper layers (default 16)
	EfConstruction int     // Construction search depth (default 200)
	EfSearch       int     // Default query search depth (default 50)
	LevelMult      float64 // Level multiplier (default 1/ln(M))
	Seed           int64   // Level RNG seed; zero uses the clock
}

func (c Config) withDefaults() Config {
	if c.M == 0 {
		c.M = 16
	}
	if c.EfConstruction == 0 {
		c.EfConstruction = 200
	}
	if c.EfSearch == 0 {
		c.EfSearch = 50
	}
	if c.LevelMult == 0 {
		c.LevelMult = 1.0 / math.Log(float64(c.M))
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	return c
}

// Hit is a nearest-neighbour match.
type Hit struct {
	ID       string
	Distance float32
}

type node struct {
	id      string
	vec     []float32 // unit length, never mutated after creation
	level   int
	deleted atomic.Bool
	linked  atomic.Bool // set once Insert has wired the node in

	mu    sync.RWMutex
	links [][]uint32 // links[level] = neighbour slots
}

// Index is an HNSW graph. It is safe for concurrent use.
type Index struct {
	cfg Config

	// compactMu is held for read by Insert and Remove across slot
	// allocation and linking, and for write while the arena is renumbered.
	compactMu sync.RWMutex

	mu         sync.RWMutex
	nodes      []*node
	ids        map[string]uint32
	entry      int32 // -1 when empty
	maxLevel   int
	tombstones int

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates an empty index.
func New(cfg Config) (*Index, error) {
	cfg = cfg.withDefaults()
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("hnsw: dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.M < 2 {
		return nil, fmt.Errorf("hnsw: M must be at least 2, got %d", cfg.M)
	}
	return &Index{
		cfg:   cfg,
		ids:   make(map[string]uint32),
		entry: -1,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Config returns the effective configuration.
func (h *Index) Config() Config {
	return h.cfg
}

// Insert adds id with the given embedding. An existing entry for id is
// replaced.
func (h *Index) Insert(id string, vec []float32) error {
	if len(vec) != h.cfg.Dimensions {
		return memory.Wrap("hnsw.insert", memory.KindData,
			fmt.Errorf("%w: got %d, want %d", memory.ErrDimensionMismatch, len(vec), h.cfg.Dimensions))
	}

	// Slot numbers stay valid until compactMu is released.
	h.compactMu.RLock()
	defer h.compactMu.RUnlock()
	h.remove(id)

	unit := vecmath.Normalize(vec)
	level := h.randomLevel()
	n := &node{id: id, vec: unit, level: level, links: make([][]uint32, level+1)}
	for l := range n.links {
		n.links[l] = make([]uint32, 0, h.maxConn(l))
	}

	h.mu.Lock()
	if uint64(len(h.nodes)) >= math.MaxUint32 {
		h.mu.Unlock()
		return memory.Wrap("hnsw.insert", memory.KindFatal, fmt.Errorf("hnsw: arena exhausted"))
	}
	idx := uint32(len(h.nodes))
	h.nodes = append(h.nodes, n)
	h.ids[id] = idx
	if h.entry < 0 {
		n.linked.Store(true)
		h.entry = int32(idx)
		h.maxLevel = level
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	entry, top := h.link(idx, unit, level)
	n.linked.Store(true)

	if entry < 0 || level > top {
		h.mu.Lock()
		if !n.deleted.Load() && (h.entry < 0 || level > h.maxLevel) {
			h.maxLevel = level
			h.entry = int32(idx)
		}
		h.mu.Unlock()
	}
	return nil
}

// link wires slot idx into every level up to level and returns the entry
// point and top level it started from. The entry point is read here rather
// than at allocation: a concurrent Remove may have moved it since.
func (h *Index) link(idx uint32, unit []float32, level int) (int32, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	entry, top := h.entry, h.maxLevel
	if entry < 0 || uint32(entry) == idx {
		return entry, top
	}
	curr := uint32(entry)
	for l := top; l > level; l-- {
		curr = h.greedy(unit, curr, l)
	}
	for l := min(level, top); l >= 0; l-- {
		found, _ := h.searchLayer(context.Background(), unit, curr, h.cfg.EfConstruction, l)
		h.connect(idx, found, l)
		if len(found) > 0 {
			curr = found[0].idx
		}
	}
	return entry, top
}

func (h *Index) randomLevel() int {
	h.rngMu.Lock()
	r := h.rng.Float64()
	h.rngMu.Unlock()
	level := int(-math.Log(1-r) * h.cfg.LevelMult)
	return min(level, maxLevelCap)
}

func (h *Index) maxConn(level int) int {
	if level == 0 {
		return h.cfg.M * 2
	}
	return h.cfg.M
}

// greedy walks level toward query and returns the closest slot it reaches.
// Caller holds h.mu for read.
func (h *Index) greedy(query []float32, entry uint32, level int) uint32 {
	curr := entry
	currDist := vecmath.UnitDistance(query, h.nodes[curr].vec)
	for {
		changed := false
		n := h.nodes[curr]
		n.mu.RLock()
		if level < len(n.links) {
			for _, nb := range n.links[level] {
				m := h.nodes[nb]
				if m.deleted.Load() {
					continue
				}
				if d := vecmath.UnitDistance(query, m.vec); d < currDist {
					curr, currDist = nb, d
					changed = true
				}
			}
		}
		n.mu.RUnlock()
		if !changed {
			return curr
		}
	}
}

// searchLayer runs best-first search on one level with a frontier of ef and
// returns live candidates ordered by ascending distance. ctx is polled
// while expanding; the bool is false when ctx ended the walk early.
// Caller holds h.mu for read.
func (h *Index) searchLayer(ctx context.Context, query []float32, entry uint32, ef, level int) ([]item, bool) {
	visited := make(map[uint32]struct{}, ef*4)
	candidates := &minHeap{}
	results := &maxHeap{}

	d := vecmath.UnitDistance(query, h.nodes[entry].vec)
	candidates.push(item{idx: entry, dist: d})
	visited[entry] = struct{}{}
	if !h.nodes[entry].deleted.Load() {
		results.push(item{idx: entry, dist: d})
	}

	complete := true
	for steps := 0; candidates.Len() > 0; steps++ {
		if steps&31 == 0 && ctx.Err() != nil {
			complete = false
			break
		}
		c := candidates.pop()
		if results.Len() >= ef && c.dist > results.peek().dist {
			break
		}

		n := h.nodes[c.idx]
		n.mu.RLock()
		if level < len(n.links) {
			for _, nb := range n.links[level] {
				if _, seen := visited[nb]; seen {
					continue
				}
				visited[nb] = struct{}{}
				m := h.nodes[nb]
				nd := vecmath.UnitDistance(query, m.vec)
				if results.Len() < ef || nd < results.peek().dist {
					candidates.push(item{idx: nb, dist: nd})
					if !m.deleted.Load() {
						results.push(item{idx: nb, dist: nd})
						if results.Len() > ef {
							results.pop()
						}
					}
				}
			}
		}
		n.mu.RUnlock()
	}

	out := make([]item, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = results.pop()
	}
	return out, complete
}

// connect links idx to the closest of found on level and back-links each
// chosen neighbour, pruning neighbours that overflow. Only one node lock is
// held at a time.
func (h *Index) connect(idx uint32, found []item, level int) {
	limit := h.maxConn(level)
	selected := make([]uint32, 0, limit)
	for _, f := range found {
		if len(selected) == limit {
			break
		}
		if f.idx == idx {
			continue
		}
		selected = append(selected, f.idx)
	}

	// Merge rather than overwrite: a concurrent insert may already have
	// back-linked to idx on this level.
	n := h.nodes[idx]
	n.mu.Lock()
	for _, s := range selected {
		if !containsSlot(n.links[level], s) {
			n.links[level] = append(n.links[level], s)
		}
	}
	if len(n.links[level]) > limit {
		n.links[level] = h.prune(n, n.links[level], limit)
	}
	n.mu.Unlock()

	for _, nb := range selected {
		m := h.nodes[nb]
		m.mu.Lock()
		if level < len(m.links) && !m.deleted.Load() {
			m.links[level] = append(m.links[level], idx)
			if len(m.links[level]) > limit {
				m.links[level] = h.prune(m, m.links[level], limit)
			}
		}
		m.mu.Unlock()
	}
}

// prune keeps the limit closest live neighbours of n. Caller holds n.mu.
func (h *Index) prune(n *node, links []uint32, limit int) []uint32 {
	type scored struct {
		idx  uint32
		dist float32
	}
	cands := make([]scored, 0, len(links))
	for _, l := range links {
		m := h.nodes[l]
		if m.deleted.Load() {
			continue
		}
		cands = append(cands, scored{idx: l, dist: vecmath.UnitDistance(n.vec, m.vec)})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })
	if len(cands) > limit {
		cands = cands[:limit]
	}
	out := make([]uint32, len(cands))
	for i, c := range cands {
		out[i] = c.idx
	}
	return out
}

// Search returns up to k nearest neighbours of query ordered by ascending
// cosine distance. ef widens the candidate frontier; zero uses the configured
// EfSearch. The bool is false when ctx expired mid-walk, in which case the
// hits are the best found so far. An empty index yields an empty slice.
func (h *Index) Search(ctx context.Context, query []float32, k, ef int) ([]Hit, bool) {
	if k <= 0 || len(query) != h.cfg.Dimensions {
		return []Hit{}, true
	}
	if ef <= 0 {
		ef = h.cfg.EfSearch
	}
	ef = max(ef, k)
	unit := vecmath.Normalize(query)

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.entry < 0 {
		return []Hit{}, true
	}

	curr := uint32(h.entry)
	for l := h.maxLevel; l > 0; l-- {
		curr = h.greedy(unit, curr, l)
	}
	found, complete := h.searchLayer(ctx, unit, curr, ef, 0)

	hits := make([]Hit, 0, min(k, len(found)))
	for _, f := range found {
		if len(hits) == k {
			break
		}
		hits = append(hits, Hit{ID: h.nodes[f.idx].id, Distance: max(f.dist, 0)})
	}
	return hits, complete
}

// Remove deletes id from the graph, relinking its former neighbours among
// themselves. It reports whether id was present.
func (h *Index) Remove(id string) bool {
	h.compactMu.RLock()
	defer h.compactMu.RUnlock()
	return h.remove(id)
}

// remove is Remove for callers already holding compactMu. The entry point
// moves off the node before any of its links are cut, so a concurrent
// Search never starts from a detached node.
func (h *Index) remove(id string) bool {
	h.mu.Lock()
	idx, ok := h.ids[id]
	if !ok {
		h.mu.Unlock()
		return false
	}
	n := h.nodes[idx]
	n.deleted.Store(true)
	delete(h.ids, id)
	h.tombstones++
	if h.entry == int32(idx) {
		h.reassignEntry()
	}
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for l := 0; l <= n.level; l++ {
		n.mu.Lock()
		former := n.links[l]
		n.links[l] = nil
		n.mu.Unlock()

		limit := h.maxConn(l)
		for _, nb := range former {
			m := h.nodes[nb]
			if m.deleted.Load() {
				continue
			}
			m.mu.Lock()
			if l < len(m.links) {
				links := removeSlot(m.links[l], idx)
				for _, c := range former {
					if c == nb || h.nodes[c].deleted.Load() || containsSlot(links, c) {
						continue
					}
					links = append(links, c)
				}
				if len(links) > limit {
					links = h.prune(m, links, limit)
				}
				m.links[l] = links
			}
			m.mu.Unlock()
		}
	}
	return true
}

// reassignEntry picks the highest live node as the new entry point,
// preferring nodes whose insert has finished linking. Caller holds h.mu for
// write.
func (h *Index) reassignEntry() {
	h.entry = -1
	h.maxLevel = 0
	fallback := int32(-1)
	for i, n := range h.nodes {
		if n.deleted.Load() {
			continue
		}
		if !n.linked.Load() {
			if fallback < 0 {
				fallback = int32(i)
			}
			continue
		}
		if h.entry < 0 || n.level > h.maxLevel {
			h.entry = int32(i)
			h.maxLevel = n.level
		}
	}
	if h.entry < 0 && fallback >= 0 {
		h.entry = fallback
		h.maxLevel = h.nodes[fallback].level
	}
}

// Contains reports whether id has a live entry.
func (h *Index) Contains(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.ids[id]
	return ok
}

// Len returns the number of live entries.
func (h *Index) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.ids)
}

// Tombstones returns the number of removed slots still held by the arena.
func (h *Index) Tombstones() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tombstones
}

// IDs returns the ids of every live entry, in no particular order.
func (h *Index) IDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.ids))
	for id := range h.ids {
		out = append(out, id)
	}
	return out
}

func removeSlot(links []uint32, slot uint32) []uint32 {
	out := links[:0]
	for _, l := range links {
		if l != slot {
			out = append(out, l)
		}
	}
	return out
}

func containsSlot(links []uint32, slot uint32) bool {
	for _, l := range links {
		if l == slot {
			return true
		}
	}
	return false
}
