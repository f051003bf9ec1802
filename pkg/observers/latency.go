package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ethiq/callguard/pkg/metrics"
)

// LatencyObserver logs how long each stream took from its first transcript
// to the dispatched alert.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	started        time.Time
	firstText      time.Time
	firstPositive  time.Time
	alertCompleted time.Time
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	streamID := ev.Tags["stream_id"]
	if streamID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if ev.Name == metrics.EventSessionStopped {
		delete(o.traces, streamID)
		return
	}
	t := o.traces[streamID]
	if t == nil {
		t = &trace{}
		o.traces[streamID] = t
	}
	switch ev.Name {
	case metrics.EventSessionStarted:
		t.started = ev.Time
	case metrics.EventTranscriptReceived:
		if t.firstText.IsZero() {
			t.firstText = ev.Time
		}
	case metrics.EventAlertLatched:
		if t.firstPositive.IsZero() {
			t.firstPositive = ev.Time
		}
	case metrics.EventAlertDispatched:
		t.alertCompleted = ev.Time
		o.log.Info("alert_latency",
			slog.String("stream_id", streamID),
			slog.Int64("since_start_ms", durationMs(t.started, t.alertCompleted)),
			slog.Int64("since_first_transcript_ms", durationMs(t.firstText, t.alertCompleted)),
			slog.Int64("dispatch_ms", durationMs(t.firstPositive, t.alertCompleted)),
		)
	}
}

// Pending reports how many streams are being tracked.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.traces)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}

var _ metrics.Observer = (*LatencyObserver)(nil)
