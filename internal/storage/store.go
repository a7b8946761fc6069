package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"txwatch/internal/config"
	"txwatch/internal/model"
)

// Store records per-cycle counter samples for trend analysis.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveSamples(ctx context.Context, samples []model.Sample) error
	Samples(ctx context.Context, category string, since time.Time) ([]model.Sample, error)
}

var ErrUnsupportedDriver = errors.New("unsupported storage driver")

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "csv":
		return NewCSV(cfg.DSN), nil
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, ErrUnsupportedDriver
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// insertSamples writes samples in one transaction using the driver's
// placeholder syntax.
func (b *baseStore) insertSamples(ctx context.Context, query string, samples []model.Sample) error {
	if b.db == nil || len(samples) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, s := range samples {
		if _, err := stmt.ExecContext(ctx,
			s.Timestamp.UTC(),
			s.Category,
			s.Total,
			s.Successful,
			s.Failed,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (b *baseStore) querySamples(ctx context.Context, query string, args ...any) ([]model.Sample, error) {
	if b.db == nil {
		return nil, nil
	}
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Sample, 0)
	for rows.Next() {
		var s model.Sample
		if err := rows.Scan(&s.Timestamp, &s.Category, &s.Total, &s.Successful, &s.Failed); err != nil {
			return nil, err
		}
		s.Timestamp = s.Timestamp.UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}
