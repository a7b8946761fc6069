package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"txwatch/internal/alerts"
	"txwatch/internal/config"
	"txwatch/internal/ingest"
	"txwatch/internal/metrics"
	"txwatch/internal/model"
	"txwatch/internal/notify"
	"txwatch/internal/storage"
)

type State int32

const (
	StateIdle State = iota
	StateFetching
	StateClassifying
	StateAggregating
	StateNotifying
	StateSleeping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateClassifying:
		return "classifying"
	case StateAggregating:
		return "aggregating"
	case StateNotifying:
		return "notifying"
	case StateSleeping:
		return "sleeping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CycleReport is the observable outcome of one cycle. It is derived only
// from the snapshot, the history it was compared with, and the findings.
type CycleReport struct {
	Cycle          uint64               `json:"cycle"`
	StartedAt      time.Time            `json:"started_at"`
	Duration       time.Duration        `json:"duration"`
	Skipped        bool                 `json:"skipped"`
	FetchError     string               `json:"fetch_error,omitempty"`
	Categories     int                  `json:"categories"`
	Unreadable     int                  `json:"unreadable"`
	Failed         map[string]int64     `json:"failed,omitempty"`
	Findings       []model.Finding      `json:"findings"`
	Messages       []model.AlertMessage `json:"messages"`
	Delivered      int                  `json:"delivered"`
	DeliveryErrors []string             `json:"delivery_errors,omitempty"`
	AllClear       bool                 `json:"all_clear"`
}

type Options struct {
	Logger *slog.Logger
	Alerts *alerts.Store
	Latest *metrics.Store
	Store  storage.Store
	// MaxCycles stops Run after that many cycles; zero runs until cancelled.
	MaxCycles int
}

// Monitor runs fetch, classify, aggregate, notify and history update as one
// sequential cycle, then waits the poll interval. The interval is measured
// from the end of a cycle, so slow cycles push later ones back rather than
// overlapping them.
type Monitor struct {
	source    ingest.Source
	sink      notify.Sink
	history   *HistoryTracker
	logger    *slog.Logger
	alerts    *alerts.Store
	latest    *metrics.Store
	store     storage.Store
	maxCycles int

	cfg   atomic.Value
	state atomic.Int32
	cycle atomic.Uint64

	mu   sync.RWMutex
	last *CycleReport

	sleep func(ctx context.Context, d time.Duration) bool
	now   func() time.Time
}

func NewMonitor(cfg *config.Config, source ingest.Source, sink notify.Sink, opts Options) *Monitor {
	m := &Monitor{
		source:    source,
		sink:      sink,
		history:   NewHistoryTracker(),
		logger:    opts.Logger,
		alerts:    opts.Alerts,
		latest:    opts.Latest,
		store:     opts.Store,
		maxCycles: opts.MaxCycles,
		sleep:     ingest.BackoffSleep,
		now:       time.Now,
	}
	m.cfg.Store(cfg)
	return m
}

// UpdateConfig swaps the detection settings; the next cycle picks them up.
func (m *Monitor) UpdateConfig(cfg *config.Config) {
	m.cfg.Store(cfg)
}

func (m *Monitor) config() *config.Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (m *Monitor) State() State {
	return State(m.state.Load())
}

func (m *Monitor) setState(s State) {
	m.state.Store(int32(s))
}

func (m *Monitor) History() model.History {
	return m.history.Previous()
}

func (m *Monitor) LastReport() (CycleReport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return CycleReport{}, false
	}
	return *m.last, true
}

// Reset forgets the spike baseline; the next cycle behaves like the first.
func (m *Monitor) Reset() {
	m.history.Reset()
}

// Run loops until ctx is cancelled. Errors inside a cycle never end the
// loop; cancellation is observed before each cycle and during the wait.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.setState(StateStopped)
	if m.logger != nil {
		cfg := m.config()
		m.logger.Info("monitor started",
			"source", m.sourceName(),
			"threshold", cfg.Detection.Threshold,
			"spike_multiplier", cfg.Detection.SpikeMultiplier,
			"poll_interval", cfg.Detection.PollInterval.String(),
		)
	}
	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			m.logStopped(err)
			return err
		}
		m.RunCycle(ctx)
		if m.maxCycles > 0 && n >= m.maxCycles {
			return nil
		}
		m.setState(StateSleeping)
		wait := m.config().Detection.PollInterval.Std()
		if wait <= 0 {
			wait = config.DefaultPollInterval
		}
		if !m.sleep(ctx, wait) {
			m.logStopped(ctx.Err())
			return ctx.Err()
		}
	}
}

// RunCycle performs one full cycle. Calls to the source and sinks run to
// completion even if ctx is cancelled meanwhile; their own timeouts apply.
func (m *Monitor) RunCycle(ctx context.Context) CycleReport {
	cfg := m.config()
	th := ThresholdsFrom(cfg)
	ioCtx := context.WithoutCancel(ctx)
	start := m.now()
	report := CycleReport{Cycle: m.cycle.Add(1), StartedAt: start.UTC()}

	m.setState(StateFetching)
	snap, err := m.source.Fetch(ioCtx)
	if err != nil {
		report.Skipped = true
		report.FetchError = err.Error()
		if m.logger != nil {
			m.logger.Warn("fetch failed, skipping cycle",
				"cycle", report.Cycle,
				"source", m.sourceName(),
				"kind", string(ingest.KindOf(err)),
				"err", err,
			)
		}
		return m.finish(report, start, metrics.OutcomeFetchError)
	}

	previous := m.history.Previous()
	report.Categories = snap.Len()
	report.Failed = failedCounts(snap)
	report.Unreadable = len(snap.Entries()) - len(report.Failed)
	if m.logger != nil {
		m.logger.Info("fetched failed counts",
			"cycle", report.Cycle,
			"categories", report.Categories,
			"unreadable", report.Unreadable,
			"failed", report.Failed,
		)
	}
	metrics.SetFailed(report.Failed)
	if m.latest != nil {
		m.latest.Update(snap)
	}
	m.recordSamples(ioCtx, snap)

	m.setState(StateClassifying)
	report.Findings = Classify(snap, previous, th, m.logger)
	for _, f := range report.Findings {
		metrics.ObserveFinding(string(f.Kind))
		if m.logger != nil {
			m.logger.Warn("anomaly detected",
				"cycle", report.Cycle,
				"kind", string(f.Kind),
				"category", f.Category,
				"detail", FindingLine(f),
			)
		}
	}

	m.setState(StateAggregating)
	agg := Aggregate(report.Findings, m.now())
	report.Messages = agg.Messages
	report.AllClear = agg.AllClear
	if agg.AllClear {
		if m.logger != nil {
			m.logger.Info("all clear", "cycle", report.Cycle, "categories", report.Categories)
		}
	} else {
		m.setState(StateNotifying)
		m.dispatch(ioCtx, &report)
	}

	m.history.Update(snap)
	return m.finish(report, start, metrics.OutcomeOK)
}

// dispatch makes one delivery attempt per message; failures are logged and
// left for the next cycle to re-evaluate.
func (m *Monitor) dispatch(ctx context.Context, report *CycleReport) {
	for _, msg := range report.Messages {
		var err error = &notify.DeliveryError{Kind: notify.DeliveryTransportFailure, Sink: "none", Err: notify.ErrNoSinks}
		if m.sink != nil {
			err = m.sink.Send(ctx, msg)
		}
		metrics.ObserveDelivery(msg.Severity.String(), err == nil)
		rec := model.DispatchedAlert{AlertMessage: msg, Cycle: report.Cycle, Delivered: err == nil}
		if err != nil {
			rec.Error = err.Error()
			report.DeliveryErrors = append(report.DeliveryErrors, err.Error())
			if m.logger != nil {
				m.logger.Error("alert delivery failed",
					"cycle", report.Cycle,
					"kind", string(msg.Kind),
					"severity", msg.Severity.String(),
					"delivery_kind", string(notify.KindOf(err)),
					"err", err,
				)
			}
		} else {
			report.Delivered++
			if m.logger != nil {
				m.logger.Info("alert sent",
					"cycle", report.Cycle,
					"kind", string(msg.Kind),
					"severity", msg.Severity.String(),
					"findings", len(msg.Findings),
				)
			}
		}
		if m.alerts != nil {
			m.alerts.Add(rec)
		}
	}
}

func (m *Monitor) recordSamples(ctx context.Context, snap model.Snapshot) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveSamples(ctx, model.SamplesFrom(snap)); err != nil && m.logger != nil {
		m.logger.Warn("save samples failed", "err", err)
	}
}

func (m *Monitor) finish(report CycleReport, start time.Time, outcome string) CycleReport {
	report.Duration = m.now().Sub(start)
	metrics.ObserveCycle(report.Duration, outcome)
	m.mu.Lock()
	m.last = &report
	m.mu.Unlock()
	m.setState(StateIdle)
	return report
}

func (m *Monitor) sourceName() string {
	if m.source == nil {
		return ""
	}
	return m.source.Name()
}

func (m *Monitor) logStopped(err error) {
	if m.logger != nil {
		m.logger.Info("monitor stopped", "reason", err)
	}
}

func failedCounts(snap model.Snapshot) map[string]int64 {
	readable := snap.Readable()
	out := make(map[string]int64, len(readable))
	for _, e := range readable {
		out[e.Category] = e.Counters.Failed
	}
	return out
}
