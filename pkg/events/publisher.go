// Package events publishes fraud alerts to Kafka for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ethiq/callguard/pkg/alert"
	"github.com/ethiq/callguard/pkg/errorsx"
	"github.com/ethiq/callguard/pkg/logging"
)

const EventFraudAlert = "fraud_alert"

type Config struct {
	Enabled   bool     `mapstructure:"enabled"`
	Brokers   []string `mapstructure:"brokers"`
	Topic     string   `mapstructure:"topic"`
	Principal string   `mapstructure:"principal"`
}

// FraudAlertEvent is the JSON payload written for each alert.
type FraudAlertEvent struct {
	Type       string    `json:"type"`
	CallKey    string    `json:"call_key"`
	StreamID   string    `json:"stream_id"`
	CallSID    string    `json:"call_sid,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"`
	Transcript string    `json:"transcript"`
	DetectedAt time.Time `json:"detected_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes alerts keyed by call key. When disabled it only logs.
type Publisher struct {
	writer    messageWriter
	topic     string
	principal string
	logger    *slog.Logger
}

func New(cfg Config) *Publisher {
	logger := logging.NewComponentLogger(slog.Default(), "events")
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		logger.Info("events_log_only")
		return &Publisher{topic: cfg.Topic, principal: cfg.Principal, logger: logger}
	}
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}
	logger.Info("events_publisher_ready",
		slog.Any("brokers", cfg.Brokers),
		slog.String("topic", cfg.Topic),
		slog.String("principal", cfg.Principal))
	return newPublisher(writer, cfg, logger)
}

func newPublisher(w messageWriter, cfg Config, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = logging.NewComponentLogger(slog.Default(), "events")
	}
	return &Publisher{writer: w, topic: cfg.Topic, principal: cfg.Principal, logger: logger}
}

func (p *Publisher) Enabled() bool { return p.writer != nil }

func (p *Publisher) Publish(ctx context.Context, a alert.Alert) error {
	payload, err := json.Marshal(FraudAlertEvent{
		Type:       EventFraudAlert,
		CallKey:    a.CallKey,
		StreamID:   a.StreamID,
		CallSID:    a.CallSID,
		TraceID:    a.TraceID,
		Transcript: a.Transcript,
		DetectedAt: a.At.UTC(),
	})
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("marshal fraud alert: %w", err), errorsx.ReasonDispatchPublish)
	}
	p.logger.Debug("events_publish",
		slog.String("topic", p.topic),
		slog.String("key", a.CallKey),
		slog.String("stream_id", a.StreamID))
	if p.writer == nil {
		return nil
	}
	msg := kafka.Message{
		Key:   []byte(a.CallKey),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(EventFraudAlert)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return errorsx.Wrap(fmt.Errorf("kafka write %s: %w", p.topic, err), errorsx.ReasonDispatchPublish)
	}
	return nil
}

func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

var _ alert.Publisher = (*Publisher)(nil)
