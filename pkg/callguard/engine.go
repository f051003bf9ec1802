// Package callguard assembles the fraud-detection service from configuration:
// transcription, classification, alert delivery and the media transport.
package callguard

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ethiq/callguard/pkg/adapters/stt"
	"github.com/ethiq/callguard/pkg/alert"
	"github.com/ethiq/callguard/pkg/classifier"
	"github.com/ethiq/callguard/pkg/configutil"
	"github.com/ethiq/callguard/pkg/events"
	"github.com/ethiq/callguard/pkg/logging"
	"github.com/ethiq/callguard/pkg/metrics"
	"github.com/ethiq/callguard/pkg/observers"
	"github.com/ethiq/callguard/pkg/redact"
	"github.com/ethiq/callguard/pkg/runner"
	"github.com/ethiq/callguard/pkg/session"
	"github.com/ethiq/callguard/pkg/transports"
)

type Engine struct {
	cfg        Config
	logger     *slog.Logger
	providers  *ProviderRegistry
	opener     stt.Opener
	gate       *classifier.Gate
	dispatcher *alert.Dispatcher
	publisher  *events.Publisher
	registry   *session.Registry
	transport  transports.Transport
	prom       *metrics.PrometheusObserver
	timeline   *observers.TimelineObserver
	asyncObs   *metrics.AsyncObserver
	runner     *runner.LifecycleRunner
	ctx        context.Context
	cancel     context.CancelFunc
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Logger overrides the logger built from log_level and log_format.
	Logger *slog.Logger
	// Observer receives every metrics event in addition to the built-in observers.
	Observer metrics.Observer
	// NoBanner skips the startup banner.
	NoBanner bool
}

type metricsMounter interface {
	SetMetricsHandler(h http.Handler)
}

type observable interface {
	SetObserver(obs metrics.Observer)
}

type drainable interface {
	Drain()
}

func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)

	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}

	logger.Info("callguard_init",
		slog.String("environment", cfg.Environment),
		slog.String("stt_provider", cfg.Vendors.STT.Provider),
		slog.String("classifier_provider", cfg.Vendors.Classifier.Provider),
		slog.String("alert_provider", cfg.Alert.Provider),
		slog.String("transport", cfg.Transports.Provider),
		slog.String("trigger_phrase", cfg.Trigger.Phrase),
		slog.String("trigger_policy", cfg.Trigger.Policy),
		slog.Any("stt_settings", configutil.Redacted(cfg.Vendors.STT.Settings, secretSettings)),
		slog.Any("classifier_settings", configutil.Redacted(cfg.Vendors.Classifier.Settings, secretSettings)),
		slog.Any("alert_settings", configutil.Redacted(cfg.Alert.Settings, secretSettings)),
	)

	obsList := []metrics.Observer{
		metrics.NewLoggerObserver(logger),
		observers.NewLatencyObserver(logger),
	}
	var timeline *observers.TimelineObserver
	if dir := strings.TrimSpace(cfg.Observability.ArtifactsDir); dir != "" {
		if days := cfg.Observability.RetentionDays; days > 0 {
			if n, err := observers.PurgeTimelines(dir, time.Duration(days)*24*time.Hour); err != nil {
				logger.Warn("timeline_purge_failed", slog.String("error", err.Error()))
			} else if n > 0 {
				logger.Info("timeline_purged", slog.Int("removed", n))
			}
		}
		timeline = observers.NewTimelineObserver(dir)
		obsList = append(obsList, timeline)
	}
	var prom *metrics.PrometheusObserver
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheusObserver(prometheus.NewRegistry())
		obsList = append(obsList, prom)
	}
	if opts.Observer != nil {
		obsList = append(obsList, opts.Observer)
	}
	asyncObs := metrics.NewAsyncObserver(metrics.NewMultiObserver(obsList...), cfg.Metrics.Buffer)

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		providers: providers,
		prom:      prom,
		timeline:  timeline,
		asyncObs:  asyncObs,
	}
	if err := e.build(ctx); err != nil {
		asyncObs.Close()
		return nil, err
	}

	e.runner = runner.NewLifecycleRunner(runner.DrainerFunc(e.drain), runner.Hooks{
		OnStart: e.onStart,
		OnStop:  e.onStop,
	}, time.Duration(cfg.ShutdownTimeoutMS)*time.Millisecond)
	if opts.NoBanner {
		e.runner.DisableBanner()
	}
	return e, nil
}

func (e *Engine) build(ctx context.Context) error {
	cfg := e.cfg
	opener, err := e.providers.BuildOpener(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build stt: %w", err)
	}
	e.opener = opener

	backend, err := e.providers.BuildClassifier(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build classifier: %w", err)
	}
	backend.SetObserver(e.asyncObs)
	policy, err := classifier.ParsePolicy(cfg.Trigger.Policy)
	if err != nil {
		return err
	}
	e.gate = classifier.NewGate(classifier.Config{
		Phrase: cfg.Trigger.Phrase,
		Policy: policy,
		Prompt: cfg.Trigger.Prompt,
		Logger: e.logger,
	}, backend)
	e.gate.SetObserver(e.asyncObs)

	notifier, announcer, err := e.providers.BuildAlert(cfg)
	if err != nil {
		return fmt.Errorf("build alert: %w", err)
	}
	e.publisher = events.New(cfg.Events)
	e.dispatcher = alert.NewDispatcher(notifier, announcer, e.publisher)
	e.dispatcher.SetObserver(e.asyncObs)

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.registry = session.NewRegistry(e.ctx, e.newSession)

	transport, err := e.providers.BuildTransport(cfg, e.registry)
	if err != nil {
		e.cancel()
		return fmt.Errorf("build transport: %w", err)
	}
	if o, ok := transport.(observable); ok {
		o.SetObserver(e.asyncObs)
	}
	if m, ok := transport.(metricsMounter); ok && e.prom != nil {
		m.SetMetricsHandler(e.prom.Handler())
	}
	e.transport = transport
	return nil
}

func (e *Engine) newSession(ctx context.Context, connID string) *session.Session {
	audio := stt.Config{
		Encoding:   e.cfg.Audio.Encoding,
		SampleRate: e.cfg.Audio.SampleRate,
		Language:   e.cfg.Audio.Language,
		Interim:    e.cfg.Audio.Interim,
		Model:      e.cfg.Audio.Model,
	}
	return session.New(ctx, session.Config{
		ConnID:          connID,
		Opener:          e.opener,
		Audio:           audio,
		Classifier:      e.gate,
		Dispatcher:      e.dispatcher,
		CallKeyTemplate: e.cfg.CallKey.Template,
		DispatchTimeout: e.dispatchTimeout(),
		CloseTimeout:    e.closeTimeout(),
		Observer:        e.asyncObs,
		Logger:          e.logger,
	})
}

// Start starts the transport and the lifecycle runner; it returns once the engine is running.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := e.transport.Start(ctx); err != nil {
		return err
	}
	go func() {
		if err := e.runner.Run(ctx); err != nil {
			e.logger.Warn("engine_stop_error", slog.String("error", err.Error()))
		}
	}()
	<-e.runner.Started()
	return nil
}

// Stop drains live calls and releases resources. Safe to call more than once.
func (e *Engine) Stop() error {
	return e.runner.Stop()
}

func (e *Engine) drain() error {
	e.registry.SetDraining(true)
	if d, ok := e.transport.(drainable); ok {
		d.Drain()
	}

	latched := 0
	snaps := e.registry.Snapshots()
	for _, snap := range snaps {
		if snap.Latched {
			latched++
		}
	}
	e.logger.Info("engine_draining",
		slog.Int("active_calls", len(snaps)),
		slog.Int("latched_calls", latched))

	e.registry.CloseAll()
	emptyCtx, cancelEmpty := context.WithTimeout(context.Background(), e.closeTimeout())
	_ = e.registry.WaitForEmpty(emptyCtx, 50*time.Millisecond)
	cancelEmpty()

	// Publisher and observers close in onStop; detached dispatches must finish first.
	idleCtx, cancelIdle := context.WithTimeout(context.Background(), e.dispatchTimeout())
	if err := e.registry.WaitIdle(idleCtx); err != nil {
		e.logger.Warn("engine_drain_dispatch_timeout", slog.Duration("timeout", e.dispatchTimeout()))
	}
	cancelIdle()

	e.cancel()
	return e.transport.Stop()
}

func (e *Engine) dispatchTimeout() time.Duration {
	if ms := e.cfg.Session.DispatchTimeoutMS; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return 15 * time.Second
}

func (e *Engine) closeTimeout() time.Duration {
	if ms := e.cfg.Session.CloseTimeoutMS; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return 5 * time.Second
}

func (e *Engine) onStart() {
	attrs := []any{slog.String("transport", e.transport.Name())}
	if rr, ok := e.transport.(transports.ReadyReporter); ok {
		for k, v := range rr.ReadyFields() {
			attrs = append(attrs, slog.Any(k, v))
		}
	}
	e.logger.Info("engine_ready", attrs...)
}

func (e *Engine) onStop() {
	if err := e.publisher.Close(); err != nil {
		e.logger.Warn("events_close_failed", slog.String("error", err.Error()))
	}
	e.asyncObs.Close()
	if e.timeline != nil {
		_ = e.timeline.Close()
	}
	e.logger.Info("shutdown",
		slog.Int("goroutines", runtime.NumGoroutine()),
		slog.Int64("active_calls", e.registry.Count()),
		slog.Int64("metrics_dropped", e.asyncObs.Dropped()))
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Registry() *session.Registry { return e.registry }

func (e *Engine) Transport() transports.Transport { return e.transport }

func (e *Engine) ProviderRegistry() *ProviderRegistry { return e.providers }

func (e *Engine) State() runner.State { return e.runner.State() }

// MetricsHandler returns the Prometheus handler, or nil when metrics are disabled.
func (e *Engine) MetricsHandler() http.Handler {
	if e.prom == nil {
		return nil
	}
	return e.prom.Handler()
}
