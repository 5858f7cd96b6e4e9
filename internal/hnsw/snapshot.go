package hnsw

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"magray/internal/memory"
)

// snapshotNode is the serialisable form of a live node. Fields are exported
// for gob.
type snapshotNode struct {
	ID     string
	Vector []float32
	Level  int
	Links  [][]uint32
}

type snapshot struct {
	Dimensions int
	Nodes      []snapshotNode
	Entry      int32
	MaxLevel   int
}

// Snapshot serialises the live graph. Tombstoned slots are dropped and the
// remaining slots renumbered, so a Restore of the result is also a
// compaction.
func (h *Index) Snapshot() ([]byte, error) {
	h.mu.Lock()
	snap := h.buildSnapshot()
	h.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return nil, fmt.Errorf("hnsw: encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// buildSnapshot copies the live graph. Caller holds h.mu for write.
func (h *Index) buildSnapshot() snapshot {
	remap := make(map[uint32]uint32, len(h.ids))
	live := make([]uint32, 0, len(h.ids))
	for i, n := range h.nodes {
		if n.deleted.Load() {
			continue
		}
		remap[uint32(i)] = uint32(len(live))
		live = append(live, uint32(i))
	}

	snap := snapshot{
		Dimensions: h.cfg.Dimensions,
		Nodes:      make([]snapshotNode, len(live)),
		Entry:      -1,
		MaxLevel:   h.maxLevel,
	}
	for newIdx, oldIdx := range live {
		n := h.nodes[oldIdx]
		links := make([][]uint32, len(n.links))
		for l, ls := range n.links {
			out := make([]uint32, 0, len(ls))
			for _, nb := range ls {
				if mapped, ok := remap[nb]; ok {
					out = append(out, mapped)
				}
			}
			links[l] = out
		}
		snap.Nodes[newIdx] = snapshotNode{ID: n.id, Vector: n.vec, Level: n.level, Links: links}
	}
	if h.entry >= 0 {
		if mapped, ok := remap[uint32(h.entry)]; ok {
			snap.Entry = int32(mapped)
		}
	}
	return snap
}

// Restore replaces the graph with a snapshot produced by Snapshot.
func (h *Index) Restore(data []byte) error {
	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return memory.Wrap("hnsw.restore", memory.KindData, fmt.Errorf("%w: %v", memory.ErrCorrupt, err))
	}
	if snap.Dimensions != h.cfg.Dimensions {
		return memory.Wrap("hnsw.restore", memory.KindData,
			fmt.Errorf("%w: snapshot has %d dimensions, index wants %d",
				memory.ErrDimensionMismatch, snap.Dimensions, h.cfg.Dimensions))
	}

	nodes := make([]*node, len(snap.Nodes))
	ids := make(map[string]uint32, len(snap.Nodes))
	for i, sn := range snap.Nodes {
		if len(sn.Vector) != h.cfg.Dimensions || len(sn.Links) != sn.Level+1 {
			return memory.Wrap("hnsw.restore", memory.KindData,
				fmt.Errorf("%w: node %q malformed", memory.ErrCorrupt, sn.ID))
		}
		for _, ls := range sn.Links {
			for _, nb := range ls {
				if int(nb) >= len(snap.Nodes) {
					return memory.Wrap("hnsw.restore", memory.KindData,
						fmt.Errorf("%w: node %q links past arena", memory.ErrCorrupt, sn.ID))
				}
			}
		}
		nodes[i] = restoredNode(sn)
		ids[sn.ID] = uint32(i)
	}
	if snap.Entry >= int32(len(nodes)) {
		return memory.Wrap("hnsw.restore", memory.KindData, fmt.Errorf("%w: entry out of range", memory.ErrCorrupt))
	}

	h.compactMu.Lock()
	h.mu.Lock()
	h.install(nodes, ids, snap.Entry, snap.MaxLevel)
	h.mu.Unlock()
	h.compactMu.Unlock()
	return nil
}

// Compact drops tombstoned slots and returns how many were reclaimed. It
// waits for in-flight inserts and removes to finish.
func (h *Index) Compact() int {
	h.compactMu.Lock()
	defer h.compactMu.Unlock()
	h.mu.Lock()
	defer h.mu.Unlock()

	reclaimed := h.tombstones
	snap := h.buildSnapshot()
	nodes := make([]*node, len(snap.Nodes))
	ids := make(map[string]uint32, len(snap.Nodes))
	for i, sn := range snap.Nodes {
		nodes[i] = restoredNode(sn)
		ids[sn.ID] = uint32(i)
	}
	h.install(nodes, ids, snap.Entry, snap.MaxLevel)
	return reclaimed
}

func restoredNode(sn snapshotNode) *node {
	n := &node{id: sn.ID, vec: sn.Vector, level: sn.Level, links: sn.Links}
	n.linked.Store(true)
	return n
}

// install swaps in a new arena. Caller holds h.mu for write.
func (h *Index) install(nodes []*node, ids map[string]uint32, entry int32, maxLevel int) {
	h.nodes = nodes
	h.ids = ids
	h.entry = entry
	h.maxLevel = maxLevel
	h.tombstones = 0
	if h.entry < 0 && len(nodes) > 0 {
		h.reassignEntry()
	}
}
