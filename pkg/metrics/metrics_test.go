package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestMemoryObserverCount(t *testing.T) {
	m := NewMemoryObserver()
	Record(m, EventAlertDispatched, map[string]string{"stream_id": "MZ1"})
	Record(m, EventAlertDispatched, nil)
	Record(m, EventSessionStarted, nil)
	if got := m.Count(EventAlertDispatched); got != 2 {
		t.Fatalf("expected 2 alerts, got %d", got)
	}
	if len(m.Snapshot()) != 3 {
		t.Fatalf("expected 3 events")
	}
}

func TestAsyncObserverDelivers(t *testing.T) {
	m := NewMemoryObserver()
	a := NewAsyncObserver(m, 8)
	Record(a, EventSessionStarted, nil)
	deadline := time.Now().Add(time.Second)
	for m.Count(EventSessionStarted) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	a.Close()
	a.Close()
	if m.Count(EventSessionStarted) != 1 {
		t.Fatalf("expected event delivered")
	}
	Record(a, EventSessionStarted, nil)
}

func TestMultiObserverFanOut(t *testing.T) {
	a, b := NewMemoryObserver(), NewMemoryObserver()
	multi := NewMultiObserver(a, nil, b)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Record(multi, EventClassification, nil)
		}()
	}
	wg.Wait()
	if a.Count(EventClassification) != 10 || b.Count(EventClassification) != 10 {
		t.Fatalf("expected fan-out to both observers")
	}
}

func TestPrometheusObserverExport(t *testing.T) {
	p := NewPrometheusObserver(nil)
	p.RecordEvent(MetricsEvent{Name: EventSessionStarted})
	p.RecordEvent(MetricsEvent{Name: EventClassification, Tags: map[string]string{"verdict": "fraud_suspected"}})
	p.RecordEvent(MetricsEvent{Name: EventAlertDispatched})
	p.RecordEvent(MetricsEvent{Name: EventAlertStepFailed, Tags: map[string]string{"step": "announce"}})
	p.RecordEvent(MetricsEvent{Name: EventSessionStopped, Tags: map[string]string{"was_streaming": "true"}})

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)
	for _, want := range []string{
		"callguard_sessions_started_total 1",
		"callguard_sessions_streaming 0",
		`callguard_classifications_total{verdict="fraud_suspected"} 1`,
		"callguard_alerts_total 1",
		`callguard_alert_step_failures_total{step="announce"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in metrics output:\n%s", want, out)
		}
	}
}

func TestAsyncObserverCloseFlushes(t *testing.T) {
	m := NewMemoryObserver()
	a := NewAsyncObserver(m, 16)
	for i := 0; i < 5; i++ {
		Record(a, EventTranscriptReceived, nil)
	}
	a.Close()
	if m.Count(EventTranscriptReceived) != 5 {
		t.Fatalf("expected 5 events after close, got %d", m.Count(EventTranscriptReceived))
	}
	if a.Dropped() != 0 {
		t.Fatalf("expected no drops, got %d", a.Dropped())
	}
}
