package alerts

import (
	"sync"
	"time"

	"txwatch/internal/model"
)

// Store keeps the most recent dispatched alerts in memory for the status
// API. Nothing is persisted across restarts.
type Store struct {
	mu    sync.RWMutex
	buf   []model.DispatchedAlert
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(alert model.DispatchedAlert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, alert)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = alert
}

// List returns up to limit of the newest alerts, oldest first.
func (s *Store) List(limit int) []model.DispatchedAlert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.DispatchedAlert, limit)
	copy(out, s.buf[len(s.buf)-limit:])
	return out
}

func (s *Store) Since(ts time.Time) []model.DispatchedAlert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.DispatchedAlert, 0)
	for _, a := range s.buf {
		if !a.CreatedAt.Before(ts) {
			out = append(out, a)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
