package metrics

import (
	"sort"
	"sync"
	"time"

	"txwatch/internal/model"
)

// CategoryCounters is the latest observation of one category.
type CategoryCounters struct {
	Category  string         `json:"category"`
	Counters  model.Counters `json:"counters"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Store holds the last readable counters per category. Categories not seen
// for a while are kept until the limit forces the oldest out.
type Store struct {
	mu         sync.RWMutex
	byCategory map[string]CategoryCounters
	limit      int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		byCategory: make(map[string]CategoryCounters),
		limit:      limit,
	}
}

func (s *Store) Update(snap model.Snapshot) {
	readable := snap.Readable()
	if len(readable) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range readable {
		s.byCategory[e.Category] = CategoryCounters{
			Category:  e.Category,
			Counters:  e.Counters,
			UpdatedAt: snap.TakenAt(),
		}
	}
	for len(s.byCategory) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(category string) (CategoryCounters, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byCategory[category]
	return c, ok
}

// GetAll returns every category sorted by name.
func (s *Store) GetAll() []CategoryCounters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CategoryCounters, 0, len(s.byCategory))
	for _, c := range s.byCategory {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

func (s *Store) evictOldest() {
	var oldestCategory string
	var oldest time.Time
	for category, c := range s.byCategory {
		if oldestCategory == "" || c.UpdatedAt.Before(oldest) {
			oldestCategory = category
			oldest = c.UpdatedAt
		}
	}
	if oldestCategory != "" {
		delete(s.byCategory, oldestCategory)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byCategory = make(map[string]CategoryCounters)
}
