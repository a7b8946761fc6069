package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"txwatch/internal/alerts"
	"txwatch/internal/config"
	"txwatch/internal/ingest"
	"txwatch/internal/metrics"
	"txwatch/internal/model"
	"txwatch/internal/notify"
)

type scriptedSource struct {
	mu    sync.Mutex
	steps []func() (model.Snapshot, error)
	calls int
}

func (s *scriptedSource) Name() string { return "scripted" }

func (s *scriptedSource) Fetch(context.Context) (model.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	return s.steps[i]()
}

func returns(entries ...model.Entry) func() (model.Snapshot, error) {
	return func() (model.Snapshot, error) { return snapshotOf(entries...), nil }
}

func fails(err error) func() (model.Snapshot, error) {
	return func() (model.Snapshot, error) { return model.Snapshot{}, err }
}

type recordingSink struct {
	mu   sync.Mutex
	sent []model.AlertMessage
	err  error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Send(_ context.Context, msg model.AlertMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func monitorConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Detection.Threshold = 100
	cfg.Detection.SpikeMultiplier = 2
	cfg.Detection.PollInterval = config.Duration(time.Minute)
	return cfg
}

func newTestMonitor(source ingest.Source, sink notify.Sink, maxCycles int) (*Monitor, *[]time.Duration) {
	m := NewMonitor(monitorConfig(), source, sink, Options{
		Alerts:    alerts.NewStore(10),
		Latest:    metrics.NewStore(10),
		MaxCycles: maxCycles,
	})
	var sleeps []time.Duration
	m.sleep = func(ctx context.Context, d time.Duration) bool {
		sleeps = append(sleeps, d)
		return ctx.Err() == nil
	}
	return m, &sleeps
}

func TestRunCycleBreachSendsOneMessage(t *testing.T) {
	src := &scriptedSource{steps: []func() (model.Snapshot, error){
		returns(entry("A", 300, 150, 150), entry("B", 300, 290, 10)),
	}}
	sink := &recordingSink{}
	m, _ := newTestMonitor(src, sink, 0)

	report := m.RunCycle(context.Background())
	if report.Skipped || report.AllClear {
		t.Fatalf("unexpected report %+v", report)
	}
	if sink.count() != 1 || report.Delivered != 1 {
		t.Fatalf("expected one delivery, sink=%d delivered=%d", sink.count(), report.Delivered)
	}
	if sink.sent[0].Kind != model.KindThresholdBreach {
		t.Fatalf("kind = %s", sink.sent[0].Kind)
	}
	if h := m.History(); h["A"] != 150 || h["B"] != 10 {
		t.Fatalf("history = %v", h)
	}
	if last, ok := m.LastReport(); !ok || last.Cycle != report.Cycle {
		t.Fatalf("last report not stored")
	}
	if m.State() != StateIdle {
		t.Fatalf("state = %s, want idle", m.State())
	}
}

func TestFirstCycleNeverSpikes(t *testing.T) {
	src := &scriptedSource{steps: []func() (model.Snapshot, error){
		returns(entry("A", 1000, 10, 90)),
	}}
	sink := &recordingSink{}
	m, _ := newTestMonitor(src, sink, 0)
	report := m.RunCycle(context.Background())
	if !report.AllClear || sink.count() != 0 {
		t.Fatalf("first cycle should be all clear, got %+v", report)
	}
}

func TestSpikeAcrossCycles(t *testing.T) {
	src := &scriptedSource{steps: []func() (model.Snapshot, error){
		returns(entry("A", 500, 480, 20)),
		returns(entry("A", 500, 455, 45)),
	}}
	sink := &recordingSink{}
	m, _ := newTestMonitor(src, sink, 2)
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if sink.count() != 1 {
		t.Fatalf("expected one spike message, got %d", sink.count())
	}
	msg := sink.sent[0]
	if msg.Kind != model.KindSpike || len(msg.Findings) != 1 {
		t.Fatalf("unexpected message %+v", msg)
	}
	if f := msg.Findings[0]; f.Previous != 20 || f.Current != 45 {
		t.Fatalf("spike values %+v", f)
	}
	if m.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", m.State())
	}
}

func TestFetchFailureKeepsHistory(t *testing.T) {
	src := &scriptedSource{steps: []func() (model.Snapshot, error){
		returns(entry("A", 500, 480, 20)),
		fails(&ingest.FetchError{Kind: ingest.FetchSourceUnreachable, Source: "scripted", Err: errors.New("timeout")}),
		returns(entry("A", 500, 450, 50)),
	}}
	sink := &recordingSink{}
	m, _ := newTestMonitor(src, sink, 0)
	ctx := context.Background()

	m.RunCycle(ctx)
	before := m.History()

	skipped := m.RunCycle(ctx)
	if !skipped.Skipped || skipped.FetchError == "" {
		t.Fatalf("expected skipped cycle, got %+v", skipped)
	}
	if len(skipped.Findings) != 0 || sink.count() != 0 {
		t.Fatalf("skipped cycle produced findings or messages")
	}
	after := m.History()
	if len(after) != len(before) || after["A"] != before["A"] {
		t.Fatalf("history changed on failed fetch: %v -> %v", before, after)
	}

	third := m.RunCycle(ctx)
	if len(third.Findings) != 1 || third.Findings[0].Kind != model.KindSpike {
		t.Fatalf("expected spike against pre-failure baseline, got %+v", third.Findings)
	}
}

func TestDeliveryFailureIsNotFatal(t *testing.T) {
	src := &scriptedSource{steps: []func() (model.Snapshot, error){
		returns(entry("A", 10, 0, 10)),
		returns(entry("A", 10, 0, 10)),
	}}
	sink := &recordingSink{err: &notify.DeliveryError{Kind: notify.DeliveryTransportFailure, Sink: "recording", Err: errors.New("connection refused")}}
	store := alerts.NewStore(10)
	m := NewMonitor(monitorConfig(), src, sink, Options{Alerts: store, MaxCycles: 2})
	m.sleep = func(context.Context, time.Duration) bool { return true }

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if sink.count() != 2 {
		t.Fatalf("expected one attempt per cycle, got %d", sink.count())
	}
	last, _ := m.LastReport()
	if last.Delivered != 0 || len(last.DeliveryErrors) != 1 {
		t.Fatalf("delivery errors not reported: %+v", last)
	}
	if h := m.History(); h["A"] != 10 {
		t.Fatalf("history not updated after failed delivery: %v", h)
	}
	list := store.List(0)
	if len(list) != 2 || list[0].Delivered || list[0].Error == "" {
		t.Fatalf("dispatched alerts = %+v", list)
	}
}

func TestNoSinksIsNotDelivered(t *testing.T) {
	src := &scriptedSource{steps: []func() (model.Snapshot, error){returns(entry("A", 300, 150, 150))}}
	store := alerts.NewStore(10)
	m := NewMonitor(monitorConfig(), src, notify.NewMultiSink(), Options{Alerts: store})
	report := m.RunCycle(context.Background())
	if report.Delivered != 0 || len(report.DeliveryErrors) != 1 {
		t.Fatalf("alert counted as delivered without sinks: %+v", report)
	}
	if list := store.List(0); len(list) != 1 || list[0].Delivered {
		t.Fatalf("dispatched alerts = %+v", list)
	}
}

func TestNilSinkIsNotDelivered(t *testing.T) {
	src := &scriptedSource{steps: []func() (model.Snapshot, error){returns(entry("A", 300, 150, 150))}}
	m := NewMonitor(monitorConfig(), src, nil, Options{})
	if report := m.RunCycle(context.Background()); report.Delivered != 0 || len(report.DeliveryErrors) != 1 {
		t.Fatalf("alert counted as delivered without a sink: %+v", report)
	}
}

func TestRunSleepsPollInterval(t *testing.T) {
	src := &scriptedSource{steps: []func() (model.Snapshot, error){returns(entry("A", 1, 1, 0))}}
	m, sleeps := newTestMonitor(src, &recordingSink{}, 3)
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if src.calls != 3 {
		t.Fatalf("fetches = %d, want 3", src.calls)
	}
	if len(*sleeps) != 2 {
		t.Fatalf("sleeps = %d, want 2", len(*sleeps))
	}
	for _, d := range *sleeps {
		if d != time.Minute {
			t.Fatalf("slept %s, want 1m", d)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	src := &scriptedSource{steps: []func() (model.Snapshot, error){returns(entry("A", 1, 1, 0))}}
	m, _ := newTestMonitor(src, &recordingSink{}, 0)
	ctx, cancel := context.WithCancel(context.Background())
	m.sleep = func(ctx context.Context, _ time.Duration) bool {
		cancel()
		return ctx.Err() == nil
	}
	err := m.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if src.calls != 1 {
		t.Fatalf("fetches = %d, want 1", src.calls)
	}
	if m.State() != StateStopped {
		t.Fatalf("state = %s", m.State())
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	src := &scriptedSource{steps: []func() (model.Snapshot, error){returns(entry("A", 1, 1, 0))}}
	m, _ := newTestMonitor(src, &recordingSink{}, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if src.calls != 0 {
		t.Fatalf("fetched after cancellation")
	}
}

func TestUpdateConfigAppliesNextCycle(t *testing.T) {
	src := &scriptedSource{steps: []func() (model.Snapshot, error){returns(entry("A", 100, 50, 50))}}
	sink := &recordingSink{}
	m, _ := newTestMonitor(src, sink, 0)
	if r := m.RunCycle(context.Background()); !r.AllClear {
		t.Fatalf("expected all clear at threshold 100")
	}
	cfg := monitorConfig()
	cfg.Detection.Threshold = 10
	cfg.Detection.SpikeMultiplier = 100
	m.UpdateConfig(cfg)
	r := m.RunCycle(context.Background())
	if len(r.Findings) != 1 || r.Findings[0].Kind != model.KindThresholdBreach {
		t.Fatalf("expected breach at threshold 10, got %+v", r.Findings)
	}
}

func TestResetClearsBaseline(t *testing.T) {
	src := &scriptedSource{steps: []func() (model.Snapshot, error){
		returns(entry("A", 100, 90, 10)),
		returns(entry("A", 100, 50, 50)),
	}}
	m, _ := newTestMonitor(src, &recordingSink{}, 0)
	m.RunCycle(context.Background())
	m.Reset()
	if r := m.RunCycle(context.Background()); !r.AllClear {
		t.Fatalf("spike reported after reset: %+v", r.Findings)
	}
}
