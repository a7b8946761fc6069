package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"txwatch/internal/config"
	"txwatch/internal/model"
)

// Source produces the current cycle's snapshot.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (model.Snapshot, error)
}

type FetchKind string

const (
	FetchAuthenticationFailed FetchKind = "authentication_failed"
	FetchSourceUnreachable    FetchKind = "source_unreachable"
	FetchMalformedData        FetchKind = "malformed_data"
)

type FetchError struct {
	Kind   FetchKind
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Source, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func fetchErr(kind FetchKind, source string, err error) *FetchError {
	return &FetchError{Kind: kind, Source: source, Err: err}
}

// KindOf reports the fetch error kind carried by err, or "" if there is none.
func KindOf(err error) FetchKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// NewSource builds the configured snapshot source.
func NewSource(ctx context.Context, cfg config.SourceConfig, logger *slog.Logger) (Source, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sheets":
		return NewSheetsSource(ctx, cfg.Sheets, logger)
	case "file":
		return NewFileSource(cfg.File.Path), nil
	default:
		return nil, fmt.Errorf("unsupported source driver %q", cfg.Driver)
	}
}

// BackoffSleep waits for d or until ctx is done. It reports whether the full
// wait elapsed.
func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
