package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethiq/callguard/pkg/adapters/stt"
	"github.com/ethiq/callguard/pkg/alert"
	"github.com/ethiq/callguard/pkg/classifier"
	"github.com/ethiq/callguard/pkg/errorsx"
	"github.com/ethiq/callguard/pkg/frames"
	"github.com/ethiq/callguard/pkg/metrics"
	"github.com/ethiq/callguard/pkg/providers/mock"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	alerts []alert.Alert
	fired  chan struct{}
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{fired: make(chan struct{}, 16)}
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, a alert.Alert) alert.Report {
	d.mu.Lock()
	d.alerts = append(d.alerts, a)
	d.mu.Unlock()
	d.fired <- struct{}{}
	return alert.Report{Alert: a}
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.alerts)
}

type harness struct {
	sess       *Session
	opener     *mock.STTOpener
	llm        *mock.LLMAdapter
	dispatcher *recordingDispatcher
	obs        *metrics.MemoryObserver
}

func newHarness(t *testing.T, sttCfg mock.STTConfig, llmCfg mock.LLMConfig, policy classifier.Policy) *harness {
	t.Helper()
	h := &harness{
		opener:     mock.NewSTT(sttCfg),
		llm:        mock.NewLLMAdapter(llmCfg),
		dispatcher: newRecordingDispatcher(),
		obs:        metrics.NewMemoryObserver(),
	}
	gate := classifier.NewGate(classifier.Config{Phrase: classifier.DefaultPhrase, Policy: policy}, h.llm)
	h.sess = New(context.Background(), Config{
		ConnID:       "conn-1",
		Opener:       h.opener,
		Classifier:   gate,
		Dispatcher:   h.dispatcher,
		Observer:     h.obs,
		CloseTimeout: time.Second,
	})
	t.Cleanup(h.sess.Close)
	return h
}

func startFrame(streamID string, meta map[string]string) frames.SystemFrame {
	m := map[string]string{frames.MetaCallSID: "CA-" + streamID}
	for k, v := range meta {
		m[k] = v
	}
	return frames.NewSystemFrame(streamID, 0, frames.SystemCallStart, m)
}

func audio(streamID string, seq int) frames.AudioFrame {
	return frames.NewAudioFrame(streamID, int64(seq), []byte{byte(seq)}, 8000, 1, nil)
}

func (h *harness) channel(t *testing.T) *mock.STTChannel {
	t.Helper()
	chans := h.opener.Channels()
	if len(chans) == 0 {
		t.Fatalf("expected an open channel")
	}
	return chans[len(chans)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEndToEndSingleAlert(t *testing.T) {
	h := newHarness(t, mock.STTConfig{
		Script: []stt.Event{
			{Text: "bonjour", IsFinal: true},
			{Text: "votre banque a un problème", IsFinal: true},
			{Text: "donnez-moi votre code banque", IsFinal: true},
		},
	}, mock.LLMConfig{ResponseText: "Y"}, classifier.PolicyAny)

	h.sess.Handle(frames.NewSystemFrame("", 0, frames.SystemConnected, nil))
	h.sess.Handle(startFrame("MZ1", nil))
	for i := 0; i < 3; i++ {
		h.sess.Handle(audio("MZ1", i))
	}

	select {
	case <-h.dispatcher.fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected an alert")
	}
	h.sess.Handle(frames.NewSystemFrame("MZ1", 0, frames.SystemCallEnd, nil))
	if err := h.sess.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}

	if got := h.dispatcher.count(); got != 1 {
		t.Fatalf("expected exactly one alert, got %d", got)
	}
	a := h.dispatcher.alerts[0]
	if a.CallKey != "Conf-MZ1" || a.StreamID != "MZ1" || a.CallSID != "CA-MZ1" {
		t.Fatalf("unexpected alert %+v", a)
	}
	snap := h.sess.Snapshot()
	if snap.State != StateStopped || !snap.Latched || snap.Alerts != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if calls := h.llm.Calls(); len(calls) < 1 || len(calls) > 2 || strings.Contains(calls[0], "bonjour") {
		t.Fatalf("unexpected classifier calls %v", calls)
	}
}

func TestAtMostOnceUnderConcurrentVerdicts(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, mock.STTConfig{}, mock.LLMConfig{ResponseText: "Y", Block: release}, classifier.PolicyAny)
	h.sess.Handle(startFrame("MZ1", nil))
	ch := h.channel(t)

	const n = 20
	for i := 0; i < n; i++ {
		ch.Emit(stt.Event{Text: "appel de la banque"})
	}
	waitFor(t, "pending classifications", func() bool { return len(h.llm.Calls()) == n })
	close(release)

	<-h.dispatcher.fired
	waitFor(t, "discarded verdicts", func() bool { return h.obs.Count(metrics.EventVerdictDiscarded) == n-1 })
	if got := h.dispatcher.count(); got != 1 {
		t.Fatalf("expected one alert, got %d", got)
	}
}

func TestEventsSuppressedAfterLatch(t *testing.T) {
	h := newHarness(t, mock.STTConfig{}, mock.LLMConfig{ResponseText: "Y"}, classifier.PolicyAny)
	h.sess.Handle(startFrame("MZ1", nil))
	ch := h.channel(t)

	ch.Emit(stt.Event{Text: "votre banque"})
	<-h.dispatcher.fired
	calls := len(h.llm.Calls())

	for i := 0; i < 5; i++ {
		ch.Emit(stt.Event{Text: "encore la banque"})
	}
	waitFor(t, "suppressed events", func() bool { return h.obs.Count(metrics.EventTranscriptSuppressed) == 5 })
	if got := len(h.llm.Calls()); got != calls {
		t.Fatalf("expected no classification after latch, got %d calls (was %d)", got, calls)
	}

	// Audio relay continues after the alert.
	h.sess.Handle(audio("MZ1", 1))
	if len(ch.Frames()) != 1 {
		t.Fatalf("expected audio relayed after alert")
	}
	if h.sess.Snapshot().State != StateStreaming {
		t.Fatalf("expected session to keep streaming")
	}
}

func TestStopBeforeTriggerReleasesOnce(t *testing.T) {
	h := newHarness(t, mock.STTConfig{}, mock.LLMConfig{ResponseText: "Y"}, classifier.PolicyAny)
	h.sess.Handle(startFrame("MZ1", nil))
	ch := h.channel(t)
	ch.Emit(stt.Event{Text: "bonjour"})

	h.sess.Stop("call_end")
	h.sess.Stop("call_end")
	h.sess.Close()

	if ch.Closes() != 1 {
		t.Fatalf("expected channel closed once, got %d", ch.Closes())
	}
	if h.dispatcher.count() != 0 {
		t.Fatalf("expected no alert")
	}
	if h.obs.Count(metrics.EventSessionStopped) != 1 {
		t.Fatalf("expected a single stop event")
	}
}

func TestVerdictAfterStopIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, mock.STTConfig{}, mock.LLMConfig{ResponseText: "Y", Block: release}, classifier.PolicyAny)
	h.sess.Handle(startFrame("MZ1", nil))
	h.channel(t).Emit(stt.Event{Text: "banque"})
	waitFor(t, "classification", func() bool { return len(h.llm.Calls()) == 1 })

	h.sess.Stop("call_end")
	close(release)
	if err := h.sess.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if h.dispatcher.count() != 0 {
		t.Fatalf("expected no alert after stop")
	}
}

func TestMediaBeforeStartIgnored(t *testing.T) {
	h := newHarness(t, mock.STTConfig{}, mock.LLMConfig{}, classifier.PolicyAny)
	h.sess.Handle(audio("MZ1", 0))
	h.sess.Handle(audio("MZ1", 1))
	if h.opener.Opens() != 0 {
		t.Fatalf("expected no channel opened")
	}
	if h.sess.Snapshot().State != StateIdle {
		t.Fatalf("expected idle session")
	}
}

func TestOpenFailureThenStop(t *testing.T) {
	h := newHarness(t, mock.STTConfig{FailOpen: true}, mock.LLMConfig{}, classifier.PolicyAny)
	h.sess.Handle(startFrame("MZ1", nil))
	if h.sess.Snapshot().State != StateIdle {
		t.Fatalf("expected session to stay idle after open failure")
	}
	if h.obs.Count(metrics.EventChannelOpenFailed) != 1 {
		t.Fatalf("expected open failure event")
	}
	h.sess.Handle(audio("MZ1", 0))
	h.sess.Handle(frames.NewSystemFrame("MZ1", 0, frames.SystemCallEnd, nil))
	h.sess.Handle(frames.NewSystemFrame("MZ1", 0, frames.SystemCallEnd, nil))
	if h.sess.Snapshot().State != StateStopped {
		t.Fatalf("expected stopped")
	}
}

func TestDuplicateStartIgnored(t *testing.T) {
	h := newHarness(t, mock.STTConfig{}, mock.LLMConfig{}, classifier.PolicyAny)
	h.sess.Handle(startFrame("MZ1", nil))
	h.sess.Handle(startFrame("MZ2", nil))
	if h.opener.Opens() != 1 {
		t.Fatalf("expected one open, got %d", h.opener.Opens())
	}
	if h.sess.Snapshot().StreamID != "MZ1" {
		t.Fatalf("expected first stream to stay active")
	}
}

func TestSignalsAfterStopIgnored(t *testing.T) {
	h := newHarness(t, mock.STTConfig{}, mock.LLMConfig{}, classifier.PolicyAny)
	h.sess.Stop("call_end")
	h.sess.Handle(startFrame("MZ1", nil))
	h.sess.Handle(audio("MZ1", 0))
	if h.opener.Opens() != 0 || h.sess.Snapshot().State != StateStopped {
		t.Fatalf("expected stopped session to ignore start")
	}
}

func TestChannelErrorStopsSession(t *testing.T) {
	h := newHarness(t, mock.STTConfig{}, mock.LLMConfig{}, classifier.PolicyAny)
	h.sess.Handle(startFrame("MZ1", nil))
	h.channel(t).Fail(errors.New("upstream reset"))
	waitFor(t, "stop on channel error", func() bool { return h.sess.Snapshot().State == StateStopped })
	if reason := h.sess.Snapshot().StopReason; reason != string(errorsx.ReasonChannelError) {
		t.Fatalf("unexpected stop reason %q", reason)
	}
}

func TestSendFailureStopsSession(t *testing.T) {
	h := newHarness(t, mock.STTConfig{}, mock.LLMConfig{}, classifier.PolicyAny)
	h.sess.Handle(startFrame("MZ1", nil))
	ch := h.channel(t)
	_ = ch.Close()
	h.sess.Handle(audio("MZ1", 0))
	if h.sess.Snapshot().State != StateStopped {
		t.Fatalf("expected send failure to stop the session")
	}
}

func TestFinalPolicySkipsPartials(t *testing.T) {
	h := newHarness(t, mock.STTConfig{}, mock.LLMConfig{ResponseText: "Y"}, classifier.PolicyFinal)
	h.sess.Handle(startFrame("MZ1", nil))
	ch := h.channel(t)
	ch.Emit(stt.Event{Text: "votre banque", IsFinal: false})
	ch.Emit(stt.Event{Text: "bonjour", IsFinal: true})
	waitFor(t, "transcripts", func() bool { return h.obs.Count(metrics.EventTranscriptReceived) == 2 })
	if len(h.llm.Calls()) != 0 {
		t.Fatalf("expected partial trigger to be skipped")
	}
	ch.Emit(stt.Event{Text: "votre banque", IsFinal: true})
	<-h.dispatcher.fired
}

func TestCallKeyFromStartParameter(t *testing.T) {
	h := newHarness(t, mock.STTConfig{}, mock.LLMConfig{ResponseText: "Y"}, classifier.PolicyAny)
	h.sess.Handle(startFrame("MZ1", map[string]string{frames.MetaConferenceKey: "room-42"}))
	h.channel(t).Emit(stt.Event{Text: "banque"})
	<-h.dispatcher.fired
	if got := h.dispatcher.alerts[0].CallKey; got != "room-42" {
		t.Fatalf("expected call key from start signal, got %q", got)
	}
}

func TestRenderCallKey(t *testing.T) {
	if got := renderCallKey("Conf-{stream_id}", "MZ9", "CA1"); got != "Conf-MZ9" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := renderCallKey("{call_sid}/{stream_id}", "MZ9", "CA1"); got != "CA1/MZ9" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestTransitionTable(t *testing.T) {
	if !transitionValid(StateIdle, StateStreaming) || !transitionValid(StateStreaming, StateStopped) {
		t.Fatalf("expected forward transitions")
	}
	if transitionValid(StateStopped, StateIdle) || transitionValid(StateStreaming, StateIdle) {
		t.Fatalf("expected stopped to be terminal and no way back to idle")
	}
}

func TestStoppedSessionDropsChannelHandle(t *testing.T) {
	h := newHarness(t, mock.STTConfig{}, mock.LLMConfig{}, classifier.PolicyAny)
	h.sess.Handle(startFrame("MZ1", nil))
	h.sess.mu.Lock()
	live := h.sess.current != nil
	h.sess.mu.Unlock()
	if !live {
		t.Fatalf("expected a stream handle while streaming")
	}

	h.sess.Stop("call_end")
	h.sess.mu.Lock()
	current := h.sess.current
	h.sess.mu.Unlock()
	if current != nil {
		t.Fatalf("expected stream handle cleared after stop")
	}
	if snap := h.sess.Snapshot(); snap.StreamID != "MZ1" || snap.CallSID != "CA-MZ1" || snap.CallKey != "Conf-MZ1" {
		t.Fatalf("expected stopped snapshot to keep stream identity, got %+v", snap)
	}
}

func TestChannelErrorDropsChannelHandle(t *testing.T) {
	h := newHarness(t, mock.STTConfig{}, mock.LLMConfig{}, classifier.PolicyAny)
	h.sess.Handle(startFrame("MZ1", nil))
	ch := h.channel(t)
	ch.Fail(errors.New("upstream reset"))
	waitFor(t, "stop on channel error", func() bool { return h.sess.Snapshot().State == StateStopped })

	h.sess.mu.Lock()
	current := h.sess.current
	h.sess.mu.Unlock()
	if current != nil {
		t.Fatalf("expected stream handle cleared after channel error")
	}
	if ch.Closes() != 1 {
		t.Fatalf("expected channel released once, got %d", ch.Closes())
	}
	if snap := h.sess.Snapshot(); snap.StreamID != "MZ1" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestConnectedWhileStreamingKeepsStream(t *testing.T) {
	h := newHarness(t, mock.STTConfig{}, mock.LLMConfig{}, classifier.PolicyAny)
	h.sess.Handle(startFrame("MZ1", nil))
	ch := h.channel(t)
	h.sess.Handle(frames.NewSystemFrame("MZ1", 0, frames.SystemConnected, nil))

	snap := h.sess.Snapshot()
	if snap.State != StateStreaming || snap.StreamID != "MZ1" {
		t.Fatalf("expected late connected ignored, got %+v", snap)
	}
	if ch.Closes() != 0 {
		t.Fatalf("expected channel left open, got %d closes", ch.Closes())
	}
}
