package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"txwatch/internal/config"
	"txwatch/internal/model"
)

const sheetsReadonlyScope = "https://www.googleapis.com/auth/spreadsheets.readonly"

// SheetsSource reads counters from a Google Sheets range through the v4
// values API, authenticated with a service account.
type SheetsSource struct {
	cfg    config.SheetsConfig
	client *http.Client
	parser *RowParser
	logger *slog.Logger
	now    func() time.Time
}

type valueRange struct {
	Range          string  `json:"range"`
	MajorDimension string  `json:"majorDimension"`
	Values         [][]any `json:"values"`
}

func NewSheetsSource(ctx context.Context, cfg config.SheetsConfig, logger *slog.Logger) (*SheetsSource, error) {
	data, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, sheetsReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	client := oauth2.NewClient(ctx, creds.TokenSource)
	client.Timeout = cfg.Timeout.Std()
	return NewSheetsSourceWithClient(cfg, client, logger), nil
}

// NewSheetsSourceWithClient uses client as is; it must already attach
// credentials to outgoing requests.
func NewSheetsSourceWithClient(cfg config.SheetsConfig, client *http.Client, logger *slog.Logger) *SheetsSource {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout.Std()}
	}
	return &SheetsSource{
		cfg:    cfg,
		client: client,
		parser: NewRowParser(),
		logger: logger,
		now:    time.Now,
	}
}

func (s *SheetsSource) Name() string {
	if s.cfg.SpreadsheetName != "" {
		return "sheets:" + s.cfg.SpreadsheetName
	}
	return "sheets:" + s.cfg.SpreadsheetID
}

func (s *SheetsSource) Fetch(ctx context.Context) (model.Snapshot, error) {
	rows, err := s.fetchRows(ctx)
	if err != nil {
		return model.Snapshot{}, err
	}
	entries, err := s.parser.Parse(rows)
	if err != nil {
		return model.Snapshot{}, fetchErr(FetchMalformedData, s.Name(), err)
	}
	return model.NewSnapshot(s.now(), entries), nil
}

func (s *SheetsSource) valuesURL() string {
	base := strings.TrimRight(s.cfg.BaseURL, "/")
	return fmt.Sprintf("%s/%s/values/%s?majorDimension=ROWS",
		base, url.PathEscape(s.cfg.SpreadsheetID), url.PathEscape(s.cfg.Range))
}

func (s *SheetsSource) fetchRows(ctx context.Context) ([][]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.valuesURL(), nil)
	if err != nil {
		return nil, fetchErr(FetchSourceUnreachable, s.Name(), err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return nil, fetchErr(FetchAuthenticationFailed, s.Name(), err)
		}
		return nil, fetchErr(FetchSourceUnreachable, s.Name(), err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fetchErr(FetchSourceUnreachable, s.Name(), err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fetchErr(FetchAuthenticationFailed, s.Name(), statusError(resp.StatusCode, body))
	case resp.StatusCode != http.StatusOK:
		return nil, fetchErr(FetchSourceUnreachable, s.Name(), statusError(resp.StatusCode, body))
	}
	var vr valueRange
	if err := json.Unmarshal(body, &vr); err != nil {
		return nil, fetchErr(FetchMalformedData, s.Name(), fmt.Errorf("decode values: %w", err))
	}
	if s.logger != nil {
		s.logger.Debug("sheet range fetched", "range", vr.Range, "rows", len(vr.Values))
	}
	return stringRows(vr.Values), nil
}

func statusError(code int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return fmt.Errorf("http %d: %s", code, msg)
}

func stringRows(values [][]any) [][]string {
	rows := make([][]string, len(values))
	for i, row := range values {
		rows[i] = make([]string, len(row))
		for j, v := range row {
			rows[i][j] = cellString(v)
		}
	}
	return rows
}

func cellString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
