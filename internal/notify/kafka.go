package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"txwatch/internal/config"
	"txwatch/internal/model"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes alerts as JSON records keyed by anomaly kind.
type KafkaSink struct {
	topic   string
	timeout time.Duration
	writer  messageWriter
}

func NewKafkaSink(cfg config.KafkaConfig) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: cfg.Timeout.Std(),
		MaxAttempts:  1,
	}
	return &KafkaSink{topic: cfg.Topic, timeout: cfg.Timeout.Std(), writer: w}
}

func (s *KafkaSink) Name() string { return "kafka:" + s.topic }

func (s *KafkaSink) Send(ctx context.Context, msg model.AlertMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return &DeliveryError{Kind: DeliveryTransportFailure, Sink: s.Name(), Err: err}
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	record := kafka.Message{
		Key:   []byte(msg.Kind),
		Value: payload,
		Time:  msg.CreatedAt,
		Headers: []kafka.Header{
			{Key: "severity", Value: []byte(msg.Severity.String())},
		},
	}
	if err := s.writer.WriteMessages(ctx, record); err != nil {
		kind := DeliveryTransportFailure
		if isKafkaAuthError(err) {
			kind = DeliveryAuthenticationFailed
		}
		return &DeliveryError{Kind: kind, Sink: s.Name(), Err: err}
	}
	return nil
}

func isKafkaAuthError(err error) bool {
	return errors.Is(err, kafka.SASLAuthenticationFailed) ||
		errors.Is(err, kafka.TopicAuthorizationFailed) ||
		errors.Is(err, kafka.ClusterAuthorizationFailed)
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
