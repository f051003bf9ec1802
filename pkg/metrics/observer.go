package metrics

import (
	"context"
	"log/slog"
	"time"
)

// Event names recorded by sessions, the classifier gate, the dispatcher and transports.
const (
	EventSessionStarted       = "session_started"
	EventSessionStopped       = "session_stopped"
	EventChannelOpenFailed    = "channel_open_failed"
	EventTranscriptReceived   = "transcript_received"
	EventTranscriptSuppressed = "transcript_suppressed"
	EventClassification       = "classification"
	EventClassificationError  = "classification_error"
	EventVerdictDiscarded     = "verdict_discarded"
	EventAlertLatched         = "alert_latched"
	EventAlertDispatched      = "alert_dispatched"
	EventAlertStepFailed      = "alert_step_failed"
	EventSignalMalformed      = "signal_malformed"
	EventBreakerOpen          = "breaker_open"
	EventBreakerClose         = "breaker_close"
	EventBreakerDenied        = "breaker_denied"
	EventRateLimit            = "rate_limit"
	EventProviderUnavailable  = "provider_unavailable"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Record is a shorthand for emitting a tagged event stamped with the current time.
func Record(obs Observer, name string, tags map[string]string) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{Name: name, Time: time.Now(), Value: 1, Tags: tags})
}

type MultiObserver struct {
	list []Observer
}

func NewMultiObserver(list ...Observer) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) RecordEvent(ev MetricsEvent) {
	for _, obs := range m.list {
		if obs != nil {
			obs.RecordEvent(ev)
		}
	}
}

// LoggerObserver writes every event at debug level.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

func (o *LoggerObserver) RecordEvent(ev MetricsEvent) {
	attrs := []slog.Attr{
		slog.String("name", ev.Name),
		slog.Time("time", ev.Time),
		slog.Float64("value", ev.Value),
	}
	for k, v := range ev.Tags {
		attrs = append(attrs, slog.String(k, v))
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	o.log.LogAttrs(context.TODO(), slog.LevelDebug, "metrics", attrs...)
}
