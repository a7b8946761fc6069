package model

import (
	"errors"
	"strings"
	"time"
)

var ErrDuplicateCategory = errors.New("duplicate category")

type Counters struct {
	Total      int64 `json:"total"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
}

func (c Counters) Valid() bool {
	return c.Total >= 0 && c.Successful >= 0 && c.Failed >= 0
}

// Entry is one category row of a snapshot. A non-nil Err marks a category
// the source could not read this cycle.
type Entry struct {
	Category string   `json:"category"`
	Counters Counters `json:"counters"`
	Err      error    `json:"-"`
}

// Snapshot is one polling cycle's per-category counters, in source order.
// It is not modified after NewSnapshot returns.
type Snapshot struct {
	takenAt time.Time
	entries []Entry
	index   map[string]int
}

func NewSnapshot(takenAt time.Time, entries []Entry) Snapshot {
	s := Snapshot{
		takenAt: takenAt.UTC(),
		entries: make([]Entry, 0, len(entries)),
		index:   make(map[string]int, len(entries)),
	}
	for _, e := range entries {
		e.Category = strings.TrimSpace(e.Category)
		if e.Category == "" {
			continue
		}
		if _, dup := s.index[e.Category]; dup {
			e.Err = ErrDuplicateCategory
			s.entries = append(s.entries, e)
			continue
		}
		s.index[e.Category] = len(s.entries)
		s.entries = append(s.entries, e)
	}
	return s
}

func (s Snapshot) TakenAt() time.Time {
	return s.takenAt
}

// Entries returns a copy of the snapshot rows in source order.
func (s Snapshot) Entries() []Entry {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s Snapshot) Len() int {
	return len(s.index)
}

func (s Snapshot) Get(category string) (Entry, bool) {
	i, ok := s.index[category]
	if !ok {
		return Entry{}, false
	}
	return s.entries[i], true
}

// Readable returns the rows that carry usable counters.
func (s Snapshot) Readable() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Err != nil || !e.Counters.Valid() {
			continue
		}
		out = append(out, e)
	}
	return out
}

// History maps a category to the failed count seen in the previous cycle.
type History map[string]int64

func (h History) Clone() History {
	out := make(History, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

type Kind string

const (
	KindThresholdBreach Kind = "threshold_breach"
	KindSpike           Kind = "spike"
	KindZeroSuccess     Kind = "zero_success"
)

func (k Kind) Title() string {
	switch k {
	case KindThresholdBreach:
		return "Failed transactions above threshold"
	case KindSpike:
		return "Failed transaction spike"
	case KindZeroSuccess:
		return "No successful transactions"
	default:
		return string(k)
	}
}

// Finding is one detected anomaly for one category. Failed is set for
// breaches; Previous and Current are set for spikes.
type Finding struct {
	Kind     Kind   `json:"kind"`
	Category string `json:"category"`
	Failed   int64  `json:"failed,omitempty"`
	Previous int64  `json:"previous,omitempty"`
	Current  int64  `json:"current,omitempty"`
}

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type AlertMessage struct {
	Kind      Kind      `json:"kind"`
	Severity  Severity  `json:"severity"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Findings  []Finding `json:"findings"`
	CreatedAt time.Time `json:"created_at"`
}

// DispatchedAlert is an alert message together with its delivery outcome.
type DispatchedAlert struct {
	AlertMessage
	Cycle     uint64 `json:"cycle"`
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

// Sample is one trend row: a category's failed count at a point in time.
type Sample struct {
	Timestamp  time.Time `json:"timestamp"`
	Category   string    `json:"category"`
	Total      int64     `json:"total"`
	Successful int64     `json:"successful"`
	Failed     int64     `json:"failed"`
}

func SamplesFrom(s Snapshot) []Sample {
	readable := s.Readable()
	out := make([]Sample, 0, len(readable))
	for _, e := range readable {
		out = append(out, Sample{
			Timestamp:  s.TakenAt(),
			Category:   e.Category,
			Total:      e.Counters.Total,
			Successful: e.Counters.Successful,
			Failed:     e.Counters.Failed,
		})
	}
	return out
}
