package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "callguard"

// PrometheusObserver translates observer events into Prometheus series.
type PrometheusObserver struct {
	registry *prometheus.Registry

	sessionsStarted    prometheus.Counter
	sessionsActive     prometheus.Gauge
	channelOpenFailed  prometheus.Counter
	transcripts        *prometheus.CounterVec
	suppressed         prometheus.Counter
	classifications    *prometheus.CounterVec
	classifierErrors   prometheus.Counter
	verdictsDiscarded  prometheus.Counter
	alerts             prometheus.Counter
	alertStepFailures  *prometheus.CounterVec
	signalsMalformed   prometheus.Counter
	classifierBreakers *prometheus.CounterVec
}

// NewPrometheusObserver registers the callguard series on reg, or on a fresh registry when nil.
func NewPrometheusObserver(reg *prometheus.Registry) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &PrometheusObserver{
		registry: reg,
		sessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Call sessions that opened a transcription channel",
		}),
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_streaming",
			Help:      "Call sessions currently streaming",
		}),
		channelOpenFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_open_failures_total",
			Help:      "Transcription channels rejected by the backend",
		}),
		transcripts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_total",
			Help:      "Transcript events received",
		}, []string{"final"}),
		suppressed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_suppressed_total",
			Help:      "Transcript events discarded after an alert fired",
		}),
		classifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifications_total",
			Help:      "Classifier verdicts by outcome",
		}, []string{"verdict"}),
		classifierErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classification_errors_total",
			Help:      "Classifier calls that failed and were treated as not suspected",
		}),
		verdictsDiscarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_discarded_total",
			Help:      "Positive verdicts that arrived after the latch was set or the stream ended",
		}),
		alerts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Fraud alerts dispatched",
		}),
		alertStepFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_step_failures_total",
			Help:      "Alert dispatch steps that failed",
		}, []string{"step"}),
		signalsMalformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_malformed_total",
			Help:      "Inbound signals that could not be parsed",
		}),
		classifierBreakers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifier_breaker_events_total",
			Help:      "Classifier circuit breaker and rate limit events",
		}, []string{"event"}),
	}
}

func (p *PrometheusObserver) RecordEvent(ev MetricsEvent) {
	switch ev.Name {
	case EventSessionStarted:
		p.sessionsStarted.Inc()
		p.sessionsActive.Inc()
	case EventSessionStopped:
		if ev.Tags["was_streaming"] == "true" {
			p.sessionsActive.Dec()
		}
	case EventChannelOpenFailed:
		p.channelOpenFailed.Inc()
	case EventTranscriptReceived:
		p.transcripts.WithLabelValues(tagOr(ev.Tags, "final", "false")).Inc()
	case EventTranscriptSuppressed:
		p.suppressed.Inc()
	case EventClassification:
		p.classifications.WithLabelValues(tagOr(ev.Tags, "verdict", "unknown")).Inc()
	case EventClassificationError:
		p.classifierErrors.Inc()
	case EventVerdictDiscarded:
		p.verdictsDiscarded.Inc()
	case EventAlertDispatched:
		p.alerts.Inc()
	case EventAlertStepFailed:
		p.alertStepFailures.WithLabelValues(tagOr(ev.Tags, "step", "unknown")).Inc()
	case EventSignalMalformed:
		p.signalsMalformed.Inc()
	case EventBreakerOpen, EventBreakerClose, EventBreakerDenied, EventRateLimit, EventProviderUnavailable:
		p.classifierBreakers.WithLabelValues(ev.Name).Inc()
	}
}

// Registry exposes the underlying registry for tests and custom exporters.
func (p *PrometheusObserver) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus text format.
func (p *PrometheusObserver) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func tagOr(tags map[string]string, key, fallback string) string {
	if v := tags[key]; v != "" {
		return v
	}
	return fallback
}
