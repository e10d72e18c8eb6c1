package queue

import "github.com/nadmax/calbulk/internal/operation"

// opHeap orders queued operations by priority, highest first, then by arrival
// sequence.
type opHeap struct {
	items []*operation.Operation
	index map[string]int
}

func newOpHeap() *opHeap {
	return &opHeap{index: make(map[string]int)}
}

func (h *opHeap) Len() int { return len(h.items) }

func (h *opHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Sequence < b.Sequence
}

func (h *opHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.index[h.items[i].ID] = i
	h.index[h.items[j].ID] = j
}

func (h *opHeap) Push(x any) {
	op := x.(*operation.Operation)
	h.index[op.ID] = len(h.items)
	h.items = append(h.items, op)
}

func (h *opHeap) Pop() any {
	n := len(h.items)
	op := h.items[n-1]
	h.items[n-1] = nil
	h.items = h.items[:n-1]
	delete(h.index, op.ID)
	return op
}

func (h *opHeap) find(id string) (int, bool) {
	i, ok := h.index[id]
	return i, ok
}
