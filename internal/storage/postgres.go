package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"txwatch/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/txwatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS samples (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			category TEXT NOT NULL,
			total BIGINT NOT NULL,
			successful BIGINT NOT NULL,
			failed BIGINT NOT NULL
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

func (s *postgresStore) SaveSamples(ctx context.Context, samples []model.Sample) error {
	return s.insertSamples(ctx,
		`INSERT INTO samples (ts, category, total, successful, failed) VALUES ($1, $2, $3, $4, $5)`,
		samples)
}

func (s *postgresStore) Samples(ctx context.Context, category string, since time.Time) ([]model.Sample, error) {
	return s.querySamples(ctx,
		`SELECT ts, category, total, successful, failed FROM samples
		WHERE category = $1 AND ts >= $2 ORDER BY ts, id`,
		category, since.UTC())
}
