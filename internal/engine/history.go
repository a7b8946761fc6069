package engine

import (
	"sync"

	"txwatch/internal/model"
)

// HistoryTracker owns the previous cycle's failed counts. Only the monitor
// loop calls Update; readers get copies.
type HistoryTracker struct {
	mu   sync.RWMutex
	prev model.History
}

func NewHistoryTracker() *HistoryTracker {
	return &HistoryTracker{prev: make(model.History)}
}

func (h *HistoryTracker) Previous() model.History {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.prev.Clone()
}

// Update replaces the tracked map with the failed counts of every readable
// category in current. Categories missing from current are dropped.
func (h *HistoryTracker) Update(current model.Snapshot) model.History {
	next := make(model.History, current.Len())
	for _, e := range current.Readable() {
		next[e.Category] = e.Counters.Failed
	}
	h.mu.Lock()
	h.prev = next
	h.mu.Unlock()
	return next.Clone()
}

func (h *HistoryTracker) Reset() {
	h.mu.Lock()
	h.prev = make(model.History)
	h.mu.Unlock()
}
