// Package alert delivers the fraud alert for a call: a notification to the
// protected party and an announcement into the live conference.
package alert

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ethiq/callguard/pkg/errorsx"
	"github.com/ethiq/callguard/pkg/logging"
	"github.com/ethiq/callguard/pkg/metrics"
)

// ErrNoActiveConference is returned by an Announcer when no live conference matches the call key.
var ErrNoActiveConference = errors.New("no active conference")

type Alert struct {
	CallKey    string
	StreamID   string
	CallSID    string
	TraceID    string
	Transcript string
	At         time.Time
}

// Notifier sends the out-of-band notification and returns the provider reference.
type Notifier interface {
	Notify(ctx context.Context, a Alert) (string, error)
}

// Announcer plays the warning into the conference addressed by the call key.
type Announcer interface {
	Announce(ctx context.Context, a Alert) (string, error)
}

// Publisher emits the alert as an event for downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, a Alert) error
}

const (
	StepNotify   = "notify"
	StepAnnounce = "announce"
	StepPublish  = "publish"
)

type StepResult struct {
	Step     string
	Skipped  bool
	Ref      string
	Err      error
	Duration time.Duration
}

func (r StepResult) OK() bool { return !r.Skipped && r.Err == nil }

type Report struct {
	Alert    Alert
	Notify   StepResult
	Announce StepResult
	Publish  StepResult
}

// Failed lists the steps that ran and failed.
func (r Report) Failed() []string {
	var out []string
	for _, s := range []StepResult{r.Notify, r.Announce, r.Publish} {
		if !s.Skipped && s.Err != nil {
			out = append(out, s.Step)
		}
	}
	return out
}

type Dispatcher struct {
	notifier  Notifier
	announcer Announcer
	publisher Publisher
	obs       metrics.Observer
	logger    *slog.Logger
}

// NewDispatcher accepts nil steps; they are reported as skipped.
func NewDispatcher(notifier Notifier, announcer Announcer, publisher Publisher) *Dispatcher {
	return &Dispatcher{
		notifier:  notifier,
		announcer: announcer,
		publisher: publisher,
		obs:       metrics.NoopObserver{},
		logger:    logging.NewComponentLogger(slog.Default(), "alert"),
	}
}

func (d *Dispatcher) SetObserver(obs metrics.Observer) {
	if obs != nil {
		d.obs = obs
	}
}

// Dispatch runs every step independently and concurrently. Failures are
// logged and reported; none is returned to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, a Alert) Report {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	report := Report{Alert: a}

	var wg sync.WaitGroup
	run := func(dst *StepResult, step string, enabled bool, fn func() (string, error)) {
		dst.Step = step
		if !enabled {
			dst.Skipped = true
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			ref, err := fn()
			dst.Ref, dst.Err, dst.Duration = ref, err, time.Since(start)
		}()
	}
	run(&report.Notify, StepNotify, d.notifier != nil, func() (string, error) {
		return d.notifier.Notify(ctx, a)
	})
	run(&report.Announce, StepAnnounce, d.announcer != nil, func() (string, error) {
		return d.announcer.Announce(ctx, a)
	})
	run(&report.Publish, StepPublish, d.publisher != nil, func() (string, error) {
		return "", d.publisher.Publish(ctx, a)
	})
	wg.Wait()

	for _, step := range []StepResult{report.Notify, report.Announce, report.Publish} {
		d.logStep(a, step)
	}
	metrics.Record(d.obs, metrics.EventAlertDispatched, map[string]string{
		"stream_id": a.StreamID,
		"call_key":  a.CallKey,
	})
	return report
}

func (d *Dispatcher) logStep(a Alert, step StepResult) {
	if step.Skipped {
		d.logger.Debug("alert_step_skipped", slog.String("step", step.Step), slog.String("stream_id", a.StreamID))
		return
	}
	attrs := []any{
		slog.String("step", step.Step),
		slog.String("stream_id", a.StreamID),
		slog.String("call_sid", a.CallSID),
		slog.String("call_key", a.CallKey),
		slog.String("trace_id", a.TraceID),
		slog.Duration("duration", step.Duration),
	}
	if step.Err == nil {
		d.logger.Info("alert_step_ok", append(attrs, slog.String("ref", step.Ref))...)
		return
	}
	err := errorsx.Wrap(step.Err, stepReason(step.Step, step.Err))
	d.logger.Error("alert_step_failed", errorsx.Attrs(err, attrs...)...)
	metrics.Record(d.obs, metrics.EventAlertStepFailed, map[string]string{
		"step":        step.Step,
		"stream_id":   a.StreamID,
		"reason_code": string(errorsx.Reason(err)),
	})
}

func stepReason(step string, err error) errorsx.ReasonCode {
	switch {
	case errors.Is(err, ErrNoActiveConference):
		return errorsx.ReasonNoConference
	case step == StepNotify:
		return errorsx.ReasonDispatchNotify
	case step == StepAnnounce:
		return errorsx.ReasonDispatchAnnounce
	default:
		return errorsx.ReasonDispatchPublish
	}
}
