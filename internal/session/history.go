package session

import (
	"slices"
	"sync"
)

// history keeps the most recent changes so late subscribers can catch up.
type history struct {
	mu    sync.Mutex
	limit int
	items []Change
}

func newHistory(limit int) *history {
	if limit <= 0 {
		limit = 1
	}
	return &history{limit: limit, items: make([]Change, 0, limit)}
}

func (h *history) add(c Change) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.items = append(h.items, c)
	if over := len(h.items) - h.limit; over > 0 {
		// Shift in place so the backing array does not grow without bound.
		n := copy(h.items, h.items[over:])
		h.items = h.items[:n]
	}
}

// snapshot returns the retained changes, oldest first.
func (h *history) snapshot() []Change {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.items)
}
