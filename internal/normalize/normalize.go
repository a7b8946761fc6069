package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrNegativeCount = errors.New("negative count")

// Header folds a column title to a lookup key: lower case, with runs of
// spaces, dashes and underscores collapsed to a single underscore.
func Header(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	b.Grow(len(name))
	sep := false
	for _, r := range name {
		switch r {
		case ' ', '\t', '-', '_':
			sep = true
			continue
		}
		if sep && b.Len() > 0 {
			b.WriteByte('_')
		}
		sep = false
		b.WriteRune(r)
	}
	return b.String()
}

// Category trims a category name and collapses inner whitespace.
func Category(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

// Count parses a counter cell. Empty cells count as zero; thousands
// separators and a trailing ".0" from spreadsheet formatting are accepted.
func Count(cell string) (int64, error) {
	v := strings.TrimSpace(cell)
	if v == "" {
		return 0, nil
	}
	v = strings.NewReplacer(",", "", "_", "", " ", "", "\u00a0", "").Replace(v)
	if whole, frac, ok := strings.Cut(v, "."); ok && strings.Trim(frac, "0") == "" {
		v = whole
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse count %q: %w", cell, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("parse count %q: %w", cell, ErrNegativeCount)
	}
	return n, nil
}
