package storage

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"txwatch/internal/model"
)

// csvStore appends headerless rows of timestamp, transaction_type and
// failed_count, the layout the trend plotting script reads.
type csvStore struct {
	mu   sync.Mutex
	path string
}

func NewCSV(path string) Store {
	if strings.TrimSpace(path) == "" {
		path = "failure_trends.csv"
	}
	return &csvStore{path: path}
}

func (s *csvStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func (s *csvStore) Close() error {
	return nil
}

func (s *csvStore) SaveSamples(ctx context.Context, samples []model.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	for _, sm := range samples {
		if err := w.Write([]string{
			sm.Timestamp.UTC().Format(time.RFC3339),
			sm.Category,
			strconv.FormatInt(sm.Failed, 10),
		}); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Samples reads back the rows for category. Only the failed count is kept
// in this format, so Total and Successful are zero.
func (s *csvStore) Samples(ctx context.Context, category string, since time.Time) ([]model.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = 3
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	out := make([]model.Sample, 0)
	for i, rec := range records {
		if rec[1] != category {
			continue
		}
		ts, err := time.Parse(time.RFC3339, rec[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		if ts.Before(since) {
			continue
		}
		failed, err := strconv.ParseInt(rec[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		out = append(out, model.Sample{Timestamp: ts.UTC(), Category: rec[1], Failed: failed})
	}
	return out, nil
}
