// Package session owns the per-call state machine: it relays call audio to a
// transcription channel, runs the classifier gate on transcripts and fires
// the fraud alert at most once per stream.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ethiq/callguard/pkg/adapters/stt"
	"github.com/ethiq/callguard/pkg/alert"
	"github.com/ethiq/callguard/pkg/classifier"
	"github.com/ethiq/callguard/pkg/errorsx"
	"github.com/ethiq/callguard/pkg/frames"
	"github.com/ethiq/callguard/pkg/logging"
	"github.com/ethiq/callguard/pkg/metrics"
	"github.com/ethiq/callguard/pkg/redact"
)

// Classifier is the part of classifier.Gate a session needs.
type Classifier interface {
	ShouldClassify(text string) bool
	Classify(ctx context.Context, text string) (classifier.Verdict, error)
	Policy() classifier.Policy
}

type Dispatcher interface {
	Dispatch(ctx context.Context, a alert.Alert) alert.Report
}

const DefaultCallKeyTemplate = "Conf-{stream_id}"

type Config struct {
	ConnID     string
	Opener     stt.Opener
	Audio      stt.Config
	Classifier Classifier
	Dispatcher Dispatcher
	// CallKeyTemplate renders the call key when the start signal carries none.
	// Placeholders: {stream_id}, {call_sid}.
	CallKeyTemplate string
	DispatchTimeout time.Duration
	CloseTimeout    time.Duration
	Observer        metrics.Observer
	Logger          *slog.Logger
}

// stream is the scope of one started media stream. The latch and the context
// live and die with it.
type stream struct {
	id       string
	callSID  string
	traceID  string
	callKey  string
	channel  stt.Channel
	ctx      context.Context
	cancel   context.CancelFunc
	latch    atomic.Bool
	released sync.Once
}

func (st *stream) info() streamInfo {
	return streamInfo{id: st.id, callSID: st.callSID, callKey: st.callKey, latched: st.latch.Load()}
}

func (st *stream) release() {
	st.released.Do(func() {
		st.cancel()
		_ = st.channel.Close()
	})
}

// streamInfo is what remains of a stream once it has stopped.
type streamInfo struct {
	id      string
	callSID string
	callKey string
	latched bool
}

// Session handles the frames of one media connection. It is safe for
// concurrent use; audio frames must come from a single goroutine to keep
// their order.
type Session struct {
	cfg    Config
	logger *slog.Logger
	obs    metrics.Observer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	state State
	// current is non-nil only while Streaming.
	current *stream
	last    streamInfo
	alerts  int
	stopped string
}

func New(ctx context.Context, cfg Config) *Session {
	if cfg.CallKeyTemplate == "" {
		cfg.CallKeyTemplate = DefaultCallKeyTemplate
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 15 * time.Second
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 5 * time.Second
	}
	if cfg.Observer == nil {
		cfg.Observer = metrics.NoopObserver{}
	}
	logger := logging.NewComponentLogger(cfg.Logger, "session")
	if cfg.ConnID != "" {
		logger = logger.With(slog.String("conn_id", cfg.ConnID))
	}
	sctx, cancel := context.WithCancel(ctx)
	return &Session{
		cfg:    cfg,
		logger: logger,
		obs:    cfg.Observer,
		ctx:    sctx,
		cancel: cancel,
		state:  StateIdle,
	}
}

func (s *Session) ID() string { return s.cfg.ConnID }

// Handle routes one frame by kind and lifecycle name.
func (s *Session) Handle(f frames.Frame) {
	switch fr := f.(type) {
	case frames.AudioFrame:
		s.handleMedia(fr)
	case frames.SystemFrame:
		switch fr.Name() {
		case frames.SystemConnected:
			s.handleConnected()
		case frames.SystemCallStart:
			s.handleStart(fr.Meta())
		case frames.SystemCallEnd:
			reason := fr.Meta()[frames.MetaCallEndReason]
			if reason == "" {
				reason = "call_end"
			}
			s.Stop(reason)
		default:
			s.logger.Debug("session_signal_ignored", slog.String("name", fr.Name()))
		}
	}
}

func (s *Session) handleConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		s.logger.Debug("session_connected_ignored", slog.String("state", s.state.String()))
		return
	}
	s.logger.Info("session_connected")
}

func (s *Session) handleStart(meta map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	streamID := meta[frames.MetaStreamID]
	switch s.state {
	case StateStreaming:
		s.logger.Warn("session_duplicate_start_ignored",
			slog.String("stream_id", streamID),
			slog.String("active_stream_id", s.current.id))
		return
	case StateStopped:
		s.logger.Debug("session_start_after_stop_ignored", slog.String("stream_id", streamID))
		return
	}

	traceID := meta[frames.MetaTraceID]
	if traceID == "" {
		traceID = uuid.NewString()
	}
	callSID := meta[frames.MetaCallSID]
	callKey := meta[frames.MetaConferenceKey]
	if callKey == "" {
		callKey = renderCallKey(s.cfg.CallKeyTemplate, streamID, callSID)
	}

	audio := s.cfg.Audio
	audio.StreamID, audio.CallSID, audio.TraceID = streamID, callSID, traceID
	if enc := meta[frames.MetaEncoding]; enc != "" && audio.Encoding == "" {
		audio.Encoding = enc
	}

	ch, err := s.cfg.Opener.Open(s.ctx, audio)
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonChannelUnavailable)
		s.logger.Error("session_channel_open_failed", errorsx.Attrs(err,
			slog.String("stream_id", streamID),
			slog.String("call_sid", callSID),
			slog.String("trace_id", traceID))...)
		metrics.Record(s.obs, metrics.EventChannelOpenFailed, map[string]string{"stream_id": streamID})
		return
	}

	sctx, cancel := context.WithCancel(s.ctx)
	st := &stream{
		id:      streamID,
		callSID: callSID,
		traceID: traceID,
		callKey: callKey,
		channel: ch,
		ctx:     sctx,
		cancel:  cancel,
	}
	s.current = st
	s.transition(StateStreaming)

	s.wg.Add(1)
	go s.pump(st)

	s.logger.Info("session_stream_started",
		slog.String("stream_id", streamID),
		slog.String("call_sid", callSID),
		slog.String("trace_id", traceID),
		slog.String("call_key", callKey))
	metrics.Record(s.obs, metrics.EventSessionStarted, map[string]string{"stream_id": streamID})
}

func (s *Session) handleMedia(f frames.AudioFrame) {
	s.mu.Lock()
	if s.state != StateStreaming {
		state := s.state
		s.mu.Unlock()
		s.logger.Debug("session_media_ignored", slog.String("state", state.String()))
		return
	}
	st := s.current
	s.mu.Unlock()

	if err := st.channel.Send(f); err != nil {
		reason := errorsx.ReasonChannelSend
		if errors.Is(err, stt.ErrChannelClosed) {
			reason = errorsx.ReasonChannelClosed
		}
		err = errorsx.Wrap(err, reason)
		s.logger.Warn("session_channel_send_failed", errorsx.Attrs(err, slog.String("stream_id", st.id))...)
		s.stopStream(st, string(errorsx.Reason(err)))
	}
}

func (s *Session) pump(st *stream) {
	defer s.wg.Done()
	policy := s.cfg.Classifier.Policy()
	for ev := range st.channel.Events() {
		if st.latch.Load() {
			metrics.Record(s.obs, metrics.EventTranscriptSuppressed, map[string]string{"stream_id": st.id})
			continue
		}
		metrics.Record(s.obs, metrics.EventTranscriptReceived, map[string]string{
			"stream_id": st.id,
			"final":     boolTag(ev.IsFinal),
		})
		s.logger.Debug("session_transcript",
			slog.String("stream_id", st.id),
			slog.String("text", redact.Text(ev.Text)),
			slog.Bool("is_final", ev.IsFinal))

		if !policy.Allows(ev.IsFinal) || !s.cfg.Classifier.ShouldClassify(ev.Text) {
			continue
		}
		s.logger.Info("session_trigger_matched",
			slog.String("stream_id", st.id),
			slog.Bool("is_final", ev.IsFinal))
		s.wg.Add(1)
		go s.classify(st, ev)
	}

	if err := st.channel.Err(); err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonChannelError)
		s.logger.Error("session_channel_error", errorsx.Attrs(err, slog.String("stream_id", st.id))...)
		s.stopStream(st, string(errorsx.ReasonChannelError))
	}
}

func (s *Session) classify(st *stream, ev stt.Event) {
	defer s.wg.Done()
	verdict, err := s.cfg.Classifier.Classify(st.ctx, ev.Text)
	if st.ctx.Err() != nil {
		s.logger.Debug("session_verdict_after_stop", slog.String("stream_id", st.id))
		metrics.Record(s.obs, metrics.EventVerdictDiscarded, map[string]string{"stream_id": st.id})
		return
	}
	if err != nil {
		s.logger.Warn("session_classifier_failed", errorsx.Attrs(err, slog.String("stream_id", st.id))...)
		return
	}
	s.logger.Info("classifier_verdict",
		slog.String("stream_id", st.id),
		slog.String("verdict", verdict.String()))
	if verdict != classifier.VerdictFraudSuspected {
		return
	}
	s.onFraudSuspected(st, ev)
}

func (s *Session) onFraudSuspected(st *stream, ev stt.Event) {
	s.mu.Lock()
	if s.state != StateStreaming || s.current != st || !st.latch.CompareAndSwap(false, true) {
		s.mu.Unlock()
		s.logger.Debug("session_verdict_discarded", slog.String("stream_id", st.id))
		metrics.Record(s.obs, metrics.EventVerdictDiscarded, map[string]string{"stream_id": st.id})
		return
	}
	s.alerts++
	a := alert.Alert{
		CallKey:    st.callKey,
		StreamID:   st.id,
		CallSID:    st.callSID,
		TraceID:    st.traceID,
		Transcript: redact.Text(ev.Text),
		At:         time.Now(),
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Warn("session_fraud_alert",
		slog.String("stream_id", st.id),
		slog.String("call_sid", st.callSID),
		slog.String("trace_id", st.traceID),
		slog.String("call_key", st.callKey))
	metrics.Record(s.obs, metrics.EventAlertLatched, map[string]string{
		"stream_id": st.id,
		"call_key":  st.callKey,
	})
	go s.dispatch(a)
}

func (s *Session) dispatch(a alert.Alert) {
	defer s.wg.Done()
	if s.cfg.Dispatcher == nil {
		s.logger.Warn("session_no_dispatcher", slog.String("stream_id", a.StreamID))
		return
	}
	// The alert outlives the stream that raised it.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.cfg.DispatchTimeout)
	defer cancel()
	report := s.cfg.Dispatcher.Dispatch(ctx, a)
	if failed := report.Failed(); len(failed) > 0 {
		s.logger.Warn("session_alert_partial",
			slog.String("stream_id", a.StreamID),
			slog.String("failed_steps", strings.Join(failed, ",")))
	}
}

// stopStream ends st if it is still the active stream.
func (s *Session) stopStream(st *stream, reason string) {
	s.mu.Lock()
	if s.state != StateStreaming || s.current != st {
		s.mu.Unlock()
		return
	}
	s.transition(StateStopped)
	s.stopped = reason
	s.last = st.info()
	s.current = nil
	s.mu.Unlock()

	s.cancel()
	st.release()
	s.logStopped(st.id, reason, true)
}

// Stop ends the session. Repeated calls are no-ops.
func (s *Session) Stop(reason string) {
	// Unblocks an Open still in progress under the session lock.
	s.cancel()

	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		s.logger.Debug("session_stop_ignored", slog.String("reason", reason))
		return
	}
	wasStreaming := s.state == StateStreaming
	st := s.current
	s.transition(StateStopped)
	s.stopped = reason
	if st != nil {
		s.last = st.info()
		s.current = nil
	}
	s.mu.Unlock()

	streamID := ""
	if wasStreaming && st != nil {
		st.release()
		streamID = st.id
	}
	s.logStopped(streamID, reason, wasStreaming)
}

// Close stops the session and waits for in-flight work up to CloseTimeout.
func (s *Session) Close() {
	s.Stop("connection_closed")
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CloseTimeout)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		s.logger.Warn("session_close_timeout", slog.Duration("timeout", s.cfg.CloseTimeout))
	}
}

// Wait blocks until the pump, classification and dispatch goroutines finish.
func (s *Session) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Snapshot struct {
	State      State
	StreamID   string
	CallSID    string
	CallKey    string
	Latched    bool
	Alerts     int
	StopReason string
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.last
	if st := s.current; st != nil {
		info = st.info()
	}
	return Snapshot{
		State:      s.state,
		StreamID:   info.id,
		CallSID:    info.callSID,
		CallKey:    info.callKey,
		Latched:    info.latched,
		Alerts:     s.alerts,
		StopReason: s.stopped,
	}
}

// transition must be called with s.mu held.
func (s *Session) transition(to State) {
	if !transitionValid(s.state, to) {
		s.logger.Error("session_invalid_transition", slog.String("error", (&InvalidTransitionError{From: s.state, To: to}).Error()))
		return
	}
	s.state = to
}

func (s *Session) logStopped(streamID, reason string, wasStreaming bool) {
	s.logger.Info("session_stopped",
		slog.String("stream_id", streamID),
		slog.String("reason", reason),
		slog.Bool("was_streaming", wasStreaming))
	metrics.Record(s.obs, metrics.EventSessionStopped, map[string]string{
		"stream_id":     streamID,
		"reason":        reason,
		"was_streaming": boolTag(wasStreaming),
	})
}

func renderCallKey(template, streamID, callSID string) string {
	return strings.NewReplacer("{stream_id}", streamID, "{call_sid}", callSID).Replace(template)
}

func boolTag(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
