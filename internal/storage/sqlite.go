package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"txwatch/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:txwatch.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts DATETIME NOT NULL,
			category TEXT NOT NULL,
			total INTEGER NOT NULL,
			successful INTEGER NOT NULL,
			failed INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_samples_category_ts ON samples(category, ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) SaveSamples(ctx context.Context, samples []model.Sample) error {
	return s.insertSamples(ctx,
		`INSERT INTO samples (ts, category, total, successful, failed) VALUES (?, ?, ?, ?, ?)`,
		samples)
}

func (s *sqliteStore) Samples(ctx context.Context, category string, since time.Time) ([]model.Sample, error) {
	return s.querySamples(ctx,
		`SELECT ts, category, total, successful, failed FROM samples
		WHERE category = ? AND ts >= ? ORDER BY ts, id`,
		category, since.UTC())
}
