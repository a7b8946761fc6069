package engine

import (
	"fmt"
	"strings"
	"time"

	"txwatch/internal/model"
)

// kindOrder fixes the order messages are produced in, most severe first.
var kindOrder = []model.Kind{
	model.KindZeroSuccess,
	model.KindSpike,
	model.KindThresholdBreach,
}

type Aggregation struct {
	Messages []model.AlertMessage
	AllClear bool
}

// Aggregate renders one message per non-empty group of same-kind findings.
func Aggregate(findings []model.Finding, now time.Time) Aggregation {
	if len(findings) == 0 {
		return Aggregation{AllClear: true}
	}
	groups := make(map[model.Kind][]model.Finding, len(kindOrder))
	for _, f := range findings {
		groups[f.Kind] = append(groups[f.Kind], f)
	}
	out := Aggregation{Messages: make([]model.AlertMessage, 0, len(groups))}
	for _, kind := range kindOrder {
		group := groups[kind]
		if len(group) == 0 {
			continue
		}
		sev := SeverityFor(kind)
		out.Messages = append(out.Messages, model.AlertMessage{
			Kind:      kind,
			Severity:  sev,
			Subject:   fmt.Sprintf("[%s] %s", strings.ToUpper(sev.String()), kind.Title()),
			Body:      renderBody(kind, group),
			Findings:  group,
			CreatedAt: now.UTC(),
		})
	}
	return out
}

func SeverityFor(kind model.Kind) model.Severity {
	if kind == model.KindZeroSuccess {
		return model.SeverityCritical
	}
	return model.SeverityWarning
}

func renderBody(kind model.Kind, group []model.Finding) string {
	var b strings.Builder
	noun := "categories"
	if len(group) == 1 {
		noun = "category"
	}
	fmt.Fprintf(&b, "%s (%d %s)\n", kind.Title(), len(group), noun)
	for _, f := range group {
		b.WriteString(FindingLine(f))
		b.WriteByte('\n')
	}
	return b.String()
}

// FindingLine renders the per-finding line used in messages and logs.
func FindingLine(f model.Finding) string {
	switch f.Kind {
	case model.KindThresholdBreach:
		return fmt.Sprintf("%s: %d failed", f.Category, f.Failed)
	case model.KindSpike:
		return fmt.Sprintf("%s: %d -> %d failed", f.Category, f.Previous, f.Current)
	case model.KindZeroSuccess:
		return fmt.Sprintf("%s: no successful transactions", f.Category)
	default:
		return f.Category
	}
}
