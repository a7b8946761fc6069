package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeOK labels cycles that fetched a snapshot.
	OutcomeOK = "ok"
	// OutcomeFetchError labels cycles skipped because the fetch failed.
	OutcomeFetchError = "fetch_error"

	DeliverySuccess = "success"
	DeliveryFailure = "failure"
)

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txwatch",
			Name:      "cycles_total",
			Help:      "Monitor cycles run, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	findingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txwatch",
			Name:      "findings_total",
			Help:      "Anomaly findings produced, partitioned by kind.",
		},
		[]string{"kind"},
	)

	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txwatch",
			Name:      "deliveries_total",
			Help:      "Alert delivery attempts, partitioned by severity and outcome.",
		},
		[]string{"severity", "outcome"},
	)

	cycleDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "txwatch",
			Name:      "cycle_seconds",
			Help:      "Time spent in one monitor cycle, excluding the sleep.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	failedTransactions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "txwatch",
			Name:      "failed_transactions",
			Help:      "Failed transaction count per category in the latest snapshot.",
		},
		[]string{"category"},
	)
)

// Register attaches txwatch collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		cyclesTotal,
		findingsTotal,
		deliveriesTotal,
		cycleDurationSeconds,
		failedTransactions,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

func ObserveCycle(duration time.Duration, outcome string) {
	cyclesTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	cycleDurationSeconds.Observe(duration.Seconds())
}

func ObserveFinding(kind string) {
	findingsTotal.WithLabelValues(kind).Inc()
}

func ObserveDelivery(severity string, ok bool) {
	outcome := DeliverySuccess
	if !ok {
		outcome = DeliveryFailure
	}
	deliveriesTotal.WithLabelValues(severity, outcome).Inc()
}

// SetFailed replaces the per-category gauge so categories that stopped
// reporting disappear from the exposition.
func SetFailed(failed map[string]int64) {
	failedTransactions.Reset()
	for category, n := range failed {
		failedTransactions.WithLabelValues(category).Set(float64(n))
	}
}
