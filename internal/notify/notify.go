package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"txwatch/internal/config"
	"txwatch/internal/model"
)

// Sink delivers one rendered alert message. Implementations do not retry.
type Sink interface {
	Name() string
	Send(ctx context.Context, msg model.AlertMessage) error
}

type DeliveryKind string

const (
	DeliveryTransportFailure     DeliveryKind = "transport_failure"
	DeliveryAuthenticationFailed DeliveryKind = "authentication_failed"
)

var ErrNoSinks = errors.New("no sinks configured")

type DeliveryError struct {
	Kind DeliveryKind
	Sink string
	Err  error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Sink, e.Kind, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

func KindOf(err error) DeliveryKind {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// MultiSink fans a message out to every sink and joins their failures.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &MultiSink{sinks: out}
}

func (m *MultiSink) Name() string {
	names := make([]string, 0, len(m.sinks))
	for _, s := range m.sinks {
		names = append(names, s.Name())
	}
	return "multi(" + strings.Join(names, ",") + ")"
}

func (m *MultiSink) Len() int {
	return len(m.sinks)
}

// Send fails when no sink is configured; an alert that reached nobody is not
// delivered.
func (m *MultiSink) Send(ctx context.Context, msg model.AlertMessage) error {
	if len(m.sinks) == 0 {
		return &DeliveryError{Kind: DeliveryTransportFailure, Sink: m.Name(), Err: ErrNoSinks}
	}
	var errs []error
	for _, s := range m.sinks {
		if err := s.Send(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(ctx context.Context, msg model.AlertMessage) error {
	if s.logger == nil {
		return nil
	}
	level := slog.LevelInfo
	switch msg.Severity {
	case model.SeverityWarning:
		level = slog.LevelWarn
	case model.SeverityCritical:
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, "alert",
		"subject", msg.Subject,
		"severity", msg.Severity.String(),
		"kind", string(msg.Kind),
		"findings", len(msg.Findings),
		"body", msg.Body,
	)
	return nil
}

// FromConfig builds the sinks enabled in cfg.
func FromConfig(cfg config.NotifyConfig, logger *slog.Logger) *MultiSink {
	var sinks []Sink
	if cfg.Log {
		sinks = append(sinks, NewLogSink(logger))
	}
	if cfg.Email.Enabled {
		email := NewEmailSink(cfg.Email)
		if logger != nil {
			logger.Info("email notifications enabled", "destination", email.Describe())
		}
		sinks = append(sinks, email)
	}
	if cfg.Kafka.Enabled {
		if logger != nil {
			logger.Info("kafka notifications enabled", "brokers", strings.Join(cfg.Kafka.Brokers, ","), "topic", cfg.Kafka.Topic)
		}
		sinks = append(sinks, NewKafkaSink(cfg.Kafka))
	}
	return NewMultiSink(sinks...)
}
