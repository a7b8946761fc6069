package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"txwatch/internal/alerts"
	"txwatch/internal/api"
	"txwatch/internal/config"
	"txwatch/internal/engine"
	"txwatch/internal/ingest"
	"txwatch/internal/logging"
	"txwatch/internal/metrics"
	"txwatch/internal/model"
	"txwatch/internal/notify"
	"txwatch/internal/storage"
)

var version = "dev"

func main() {
	var (
		configPath string
		once       bool
		testAlert  bool
	)
	flag.StringVar(&configPath, "config", os.Getenv("TXWATCH_CONFIG"), "Path to YAML or JSON configuration file")
	flag.BoolVar(&once, "once", false, "Fetch one snapshot, print failed counts and exit")
	flag.BoolVar(&testAlert, "test-alert", false, "Send a test message through the configured sinks and exit")
	flag.Parse()

	if configPath != "" {
		configPath = config.ResolvePath(configPath)
	}
	cfgManager, err := config.NewManager(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}
	cfg := cfgManager.Get()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sink := notify.FromConfig(cfg.Notify, logger)
	defer sink.Close()

	if testAlert {
		if err := sendTestAlert(ctx, sink); err != nil {
			logger.Error("test alert failed", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("test alert sent", slog.String("sinks", sink.Name()))
		return
	}

	source, err := ingest.NewSource(ctx, cfg.Source, logger)
	if err != nil {
		logger.Error("failed to create snapshot source", slog.Any("error", err))
		os.Exit(1)
	}

	if once {
		if err := queryOnce(ctx, source, os.Stdout); err != nil {
			logger.Error("query failed", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("failed to open storage", slog.String("driver", cfg.Storage.Driver), slog.Any("error", err))
		os.Exit(1)
	}
	if store != nil {
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := store.Init(initCtx)
		cancel()
		if err != nil {
			logger.Error("failed to init storage", slog.Any("error", err))
			os.Exit(1)
		}
		defer store.Close()
	}

	alertsStore := alerts.NewStore(cfg.Alerts.StoreLimit)
	latest := metrics.NewStore(0)
	monitor := engine.NewMonitor(cfg, source, sink, engine.Options{
		Logger: logger,
		Alerts: alertsStore,
		Latest: latest,
		Store:  store,
	})

	api.Start(ctx, api.Deps{
		Config:  cfgManager,
		Monitor: monitor,
		Latest:  latest,
		Alerts:  alertsStore,
		Store:   store,
		Logger:  logger,
		Version: version,
	})

	if configPath != "" {
		go cfgManager.Watch(5*time.Second, func(next *config.Config) {
			monitor.UpdateConfig(next)
			logger.Info("config reloaded",
				slog.Int64("threshold", next.Detection.Threshold),
				slog.Float64("spike_multiplier", next.Detection.SpikeMultiplier),
				slog.String("poll_interval", next.Detection.PollInterval.String()),
			)
		}, func(err error) {
			logger.Warn("config reload failed", slog.Any("error", err))
		}, ctx.Done())
	}

	logger.Info("starting txwatch", slog.String("version", version), slog.String("sinks", sink.Name()))
	_ = monitor.Run(ctx)
	logger.Info("txwatch stopped")
}

func queryOnce(ctx context.Context, source ingest.Source, w io.Writer) error {
	snap, err := source.Fetch(ctx)
	if err != nil {
		return err
	}
	for _, e := range snap.Entries() {
		if e.Err != nil {
			fmt.Fprintf(w, "%s: unreadable (%v)\n", e.Category, e.Err)
			continue
		}
		fmt.Fprintf(w, "%s: %d failed (%d successful of %d)\n",
			e.Category, e.Counters.Failed, e.Counters.Successful, e.Counters.Total)
	}
	return nil
}

func sendTestAlert(ctx context.Context, sink notify.Sink) error {
	return sink.Send(ctx, model.AlertMessage{
		Severity:  model.SeverityInfo,
		Subject:   "[INFO] Test message",
		Body:      "This is a test message from txwatch.\n",
		CreatedAt: time.Now().UTC(),
	})
}
