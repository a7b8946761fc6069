package ingest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"txwatch/internal/model"
)

// FileSource reads a local export of the sheet, either CSV or JSON. JSON may
// be a values response ({"values": [[...]]}) or a list of row objects.
type FileSource struct {
	path   string
	parser *RowParser
	now    func() time.Time
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path, parser: NewRowParser(), now: time.Now}
}

func (s *FileSource) Name() string {
	return "file:" + filepath.Base(s.path)
}

func (s *FileSource) Fetch(ctx context.Context) (model.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return model.Snapshot{}, fetchErr(FetchSourceUnreachable, s.Name(), err)
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return model.Snapshot{}, fetchErr(FetchAuthenticationFailed, s.Name(), err)
		}
		return model.Snapshot{}, fetchErr(FetchSourceUnreachable, s.Name(), err)
	}
	var rows [][]string
	if strings.EqualFold(filepath.Ext(s.path), ".json") || looksLikeJSON(string(data)) {
		rows, err = parseJSONRows(data)
	} else {
		rows, err = parseCSVRows(string(data))
	}
	if err != nil {
		return model.Snapshot{}, fetchErr(FetchMalformedData, s.Name(), err)
	}
	entries, err := s.parser.Parse(rows)
	if err != nil {
		return model.Snapshot{}, fetchErr(FetchMalformedData, s.Name(), err)
	}
	return model.NewSnapshot(s.now(), entries), nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func parseCSVRows(content string) ([][]string, error) {
	r := csv.NewReader(strings.NewReader(content))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1
	return r.ReadAll()
}

func parseJSONRows(data []byte) ([][]string, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var vr valueRange
		if err := json.Unmarshal(data, &vr); err != nil {
			return nil, fmt.Errorf("decode values: %w", err)
		}
		return stringRows(vr.Values), nil
	}
	var objects []map[string]any
	if err := json.Unmarshal(data, &objects); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	return objectRows(objects), nil
}

// objectRows flattens row objects into a header row followed by value rows.
func objectRows(objects []map[string]any) [][]string {
	keySet := make(map[string]struct{})
	for _, obj := range objects {
		for k := range obj {
			keySet[k] = struct{}{}
		}
	}
	header := make([]string, 0, len(keySet))
	for k := range keySet {
		header = append(header, k)
	}
	sort.Strings(header)
	rows := make([][]string, 0, len(objects)+1)
	rows = append(rows, header)
	for _, obj := range objects {
		row := make([]string, len(header))
		for i, k := range header {
			row[i] = cellString(obj[k])
		}
		rows = append(rows, row)
	}
	return rows
}
