package ingest

import (
	"errors"
	"fmt"
	"strings"

	"txwatch/internal/model"
	"txwatch/internal/normalize"
)

const maxHeaderScan = 10

var (
	ErrNoHeader     = errors.New("no header row with category and failed columns")
	ErrNoRows       = errors.New("no rows")
	ErrMissingCells = errors.New("row has no failed cell")
)

type column int

const (
	colCategory column = iota
	colTotal
	colSuccessful
	colFailed
	numColumns
)

var columnNames = [numColumns]string{"category", "total", "successful", "failed"}

var headerAliases = map[string]column{
	"category":                colCategory,
	"transaction_type":        colCategory,
	"transaction":             colCategory,
	"type":                    colCategory,
	"name":                    colCategory,
	"total":                   colTotal,
	"total_transactions":      colTotal,
	"transactions":            colTotal,
	"count":                   colTotal,
	"successful":              colSuccessful,
	"success":                 colSuccessful,
	"succeeded":               colSuccessful,
	"successful_transactions": colSuccessful,
	"failed":                  colFailed,
	"failure":                 colFailed,
	"failures":                colFailed,
	"failed_transactions":     colFailed,
}

// positionalLayout is used when no header row is present: category, total,
// successful, failed in columns A to D.
var positionalLayout = [numColumns]int{0, 1, 2, 3}

// RowParser turns raw sheet rows into snapshot entries. It finds the header
// row among the first rows and maps columns by name.
type RowParser struct{}

func NewRowParser() *RowParser {
	return &RowParser{}
}

// Parse returns one entry per data row. A row whose counters cannot be read
// becomes an entry with Err set; only a sheet with no usable layout fails.
func (p *RowParser) Parse(rows [][]string) ([]model.Entry, error) {
	if len(rows) == 0 {
		return nil, ErrNoRows
	}
	layout, start, err := p.detectLayout(rows)
	if err != nil {
		return nil, err
	}
	entries := make([]model.Entry, 0, len(rows)-start)
	for i := start; i < len(rows); i++ {
		row := rows[i]
		if isBlank(row) {
			continue
		}
		category := normalize.Category(cell(row, layout[colCategory]))
		if category == "" {
			continue
		}
		entries = append(entries, parseEntry(category, row, layout, i+1))
	}
	return entries, nil
}

func (p *RowParser) detectLayout(rows [][]string) ([numColumns]int, int, error) {
	limit := len(rows)
	if limit > maxHeaderScan {
		limit = maxHeaderScan
	}
	for i := 0; i < limit; i++ {
		if layout, ok := headerLayout(rows[i]); ok {
			return layout, i + 1, nil
		}
	}
	if looksPositional(rows[0]) {
		return positionalLayout, 0, nil
	}
	return [numColumns]int{}, 0, ErrNoHeader
}

func headerLayout(row []string) ([numColumns]int, bool) {
	layout := [numColumns]int{-1, -1, -1, -1}
	for i, v := range row {
		col, ok := headerAliases[normalize.Header(v)]
		if !ok || layout[col] >= 0 {
			continue
		}
		layout[col] = i
	}
	return layout, layout[colCategory] >= 0 && layout[colFailed] >= 0
}

func looksPositional(row []string) bool {
	if len(row) < 4 || strings.TrimSpace(row[0]) == "" {
		return false
	}
	for _, v := range row[1:4] {
		if _, err := normalize.Count(v); err != nil {
			return false
		}
	}
	return true
}

func parseEntry(category string, row []string, layout [numColumns]int, line int) model.Entry {
	e := model.Entry{Category: category}
	if layout[colFailed] >= len(row) {
		e.Err = fmt.Errorf("row %d: %w", line, ErrMissingCells)
		return e
	}
	targets := [numColumns]*int64{nil, &e.Counters.Total, &e.Counters.Successful, &e.Counters.Failed}
	for col := colTotal; col < numColumns; col++ {
		n, err := normalize.Count(cell(row, layout[col]))
		if err != nil {
			e.Err = fmt.Errorf("row %d column %s: %w", line, columnNames[col], err)
			return e
		}
		*targets[col] = n
	}
	return e
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}

func isBlank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
