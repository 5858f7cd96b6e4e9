package hnsw

// item pairs an arena slot with its distance to the current query.
type item struct {
	idx  uint32
	dist float32
}

// minHeap pops the closest item first (search frontier).
type minHeap struct {
	items []item
}

func (h *minHeap) Len() int { return len(h.items) }

func (h *minHeap) push(it item) {
	h.items = append(h.items, it)
	i := len(h.items) - 1
	for i > 0 {
		parent := (i - 1) / 2
		if h.items[i].dist >= h.items[parent].dist {
			break
		}
		h.items[i], h.items[parent] = h.items[parent], h.items[i]
		i = parent
	}
}

func (h *minHeap) pop() item {
	top := h.items[0]
	last := len(h.items) - 1
	h.items[0] = h.items[last]
	h.items = h.items[:last]
	for i := 0; ; {
		l, r, small := 2*i+1, 2*i+2, i
		if l < len(h.items) && h.items[l].dist < h.items[small].dist {
			small = l
		}
		if r < len(h.items) && h.items[r].dist < h.items[small].dist {
			small = r
		}
		if small == i {
			break
		}
		h.items[i], h.items[small] = h.items[small], h.items[i]
		i = small
	}
	return top
}

// maxHeap keeps the farthest item on top so the result set can be trimmed to
// ef in O(log ef).
type maxHeap struct {
	items []item
}

func (h *maxHeap) Len() int { return len(h.items) }

func (h *maxHeap) peek() item { return h.items[0] }

func (h *maxHeap) push(it item) {
	h.items = append(h.items, it)
	i := len(h.items) - 1
	for i > 0 {
		parent := (i - 1) / 2
		if h.items[i].dist <= h.items[parent].dist {
			break
		}
		h.items[i], h.items[parent] = h.items[parent], h.items[i]
		i = parent
	}
}

func (h *maxHeap) pop() item {
	top := h.items[0]
	last := len(h.items) - 1
	h.items[0] = h.items[last]
	h.items = h.items[:last]
	for i := 0; ; {
		l, r, big := 2*i+1, 2*i+2, i
		if l < len(h.items) && h.items[l].dist > h.items[big].dist {
			big = l
		}
		if r < len(h.items) && h.items[r].dist > h.items[big].dist {
			big = r
		}
		if big == i {
			break
		}
		h.items[i], h.items[big] = h.items[big], h.items[i]
		i = big
	}
	return top
}
