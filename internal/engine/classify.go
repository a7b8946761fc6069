package engine

import (
	"log/slog"

	"txwatch/internal/config"
	"txwatch/internal/model"
)

type Thresholds struct {
	Threshold       int64
	SpikeMultiplier float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{Threshold: config.DefaultThreshold, SpikeMultiplier: config.DefaultSpikeMultiplier}
}

func ThresholdsFrom(cfg *config.Config) Thresholds {
	return Thresholds{
		Threshold:       cfg.Detection.Threshold,
		SpikeMultiplier: cfg.Detection.SpikeMultiplier,
	}
}

// Classify evaluates every readable category of current against previous.
// Rules fire independently, so one category may yield several findings.
// Unreadable or negative counters are skipped and logged.
func Classify(current model.Snapshot, previous model.History, th Thresholds, logger *slog.Logger) []model.Finding {
	findings := make([]model.Finding, 0)
	for _, e := range current.Entries() {
		if e.Err != nil {
			if logger != nil {
				logger.Warn("skipping unreadable category", "category", e.Category, "err", e.Err)
			}
			continue
		}
		if !e.Counters.Valid() {
			if logger != nil {
				logger.Warn("skipping category with negative counters",
					"category", e.Category,
					"total", e.Counters.Total,
					"successful", e.Counters.Successful,
					"failed", e.Counters.Failed,
				)
			}
			continue
		}
		findings = append(findings, classifyEntry(e, previous, th)...)
	}
	return findings
}

func classifyEntry(e model.Entry, previous model.History, th Thresholds) []model.Finding {
	var out []model.Finding
	c := e.Counters
	if c.Failed > th.Threshold {
		out = append(out, model.Finding{Kind: model.KindThresholdBreach, Category: e.Category, Failed: c.Failed})
	}
	if prev, ok := previous[e.Category]; ok && isSpike(prev, c.Failed, th.SpikeMultiplier) {
		out = append(out, model.Finding{Kind: model.KindSpike, Category: e.Category, Previous: prev, Current: c.Failed})
	}
	if c.Total > 0 && c.Successful == 0 {
		out = append(out, model.Finding{Kind: model.KindZeroSuccess, Category: e.Category})
	}
	return out
}

// isSpike never fires from a zero baseline; there is no ratio to compare.
func isSpike(prev, current int64, multiplier float64) bool {
	if prev <= 0 {
		return false
	}
	return float64(current) >= float64(prev)*multiplier
}
