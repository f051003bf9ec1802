package callguard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethiq/callguard/pkg/adapters/stt"
	"github.com/ethiq/callguard/pkg/alert"
	"github.com/ethiq/callguard/pkg/configutil"
	"github.com/ethiq/callguard/pkg/llm"
	"github.com/ethiq/callguard/pkg/providers/deepgram"
	"github.com/ethiq/callguard/pkg/providers/gemini"
	"github.com/ethiq/callguard/pkg/providers/google"
	"github.com/ethiq/callguard/pkg/providers/mock"
	"github.com/ethiq/callguard/pkg/providers/openai"
	"github.com/ethiq/callguard/pkg/resilience"
	"github.com/ethiq/callguard/pkg/transports"
	mocktransport "github.com/ethiq/callguard/pkg/transports/mock"
	"github.com/ethiq/callguard/pkg/transports/twilio"
)

type OpenerBuilder func(ctx context.Context, cfg Config) (stt.Opener, error)
type ClassifierBuilder func(ctx context.Context, cfg Config) (llm.Adapter, error)

// AlertBuilder returns the notifier and announcer; either may be nil to skip that step.
type AlertBuilder func(cfg Config) (alert.Notifier, alert.Announcer, error)
type TransportBuilder func(cfg Config, factory transports.ConnFactory) (transports.Transport, error)

// ProviderRegistry maps configured provider names to constructors.
type ProviderRegistry struct {
	stt        map[string]OpenerBuilder
	classifier map[string]ClassifierBuilder
	alert      map[string]AlertBuilder
	transport  map[string]TransportBuilder
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt:        make(map[string]OpenerBuilder),
		classifier: make(map[string]ClassifierBuilder),
		alert:      make(map[string]AlertBuilder),
		transport:  make(map[string]TransportBuilder),
	}
}

// DefaultProviders registers every built-in provider.
func DefaultProviders() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterSTT("google", buildGoogleSTT)
	r.RegisterSTT("deepgram", buildDeepgramSTT)
	r.RegisterSTT("mock", buildMockSTT)
	r.RegisterClassifier("openai", buildOpenAI)
	r.RegisterClassifier("gemini", buildGemini)
	r.RegisterClassifier("mock", buildMockClassifier)
	r.RegisterAlert("twilio", buildTwilioAlert)
	r.RegisterAlert("none", func(Config) (alert.Notifier, alert.Announcer, error) { return nil, nil, nil })
	r.RegisterTransport("twilio", buildTwilioTransport)
	r.RegisterTransport("mock", func(_ Config, factory transports.ConnFactory) (transports.Transport, error) {
		return mocktransport.New(factory), nil
	})
	return r
}

func providerKey(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

func (r *ProviderRegistry) RegisterSTT(name string, b OpenerBuilder) { r.stt[providerKey(name)] = b }

func (r *ProviderRegistry) RegisterClassifier(name string, b ClassifierBuilder) {
	r.classifier[providerKey(name)] = b
}

func (r *ProviderRegistry) RegisterAlert(name string, b AlertBuilder) { r.alert[providerKey(name)] = b }

func (r *ProviderRegistry) RegisterTransport(name string, b TransportBuilder) {
	r.transport[providerKey(name)] = b
}

func (r *ProviderRegistry) BuildOpener(ctx context.Context, cfg Config) (stt.Opener, error) {
	fn := r.stt[providerKey(cfg.Vendors.STT.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", cfg.Vendors.STT.Provider)
	}
	return fn(ctx, cfg)
}

// BuildClassifier builds the configured backend wrapped in a rate-limit circuit breaker.
func (r *ProviderRegistry) BuildClassifier(ctx context.Context, cfg Config) (*llm.CircuitBreakerAdapter, error) {
	fn := r.classifier[providerKey(cfg.Vendors.Classifier.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("classifier provider not registered: %s", cfg.Vendors.Classifier.Provider)
	}
	backend, err := fn(ctx, cfg)
	if err != nil {
		return nil, err
	}
	var bs breakerSettings
	if err := configutil.DecodeSettings(cfg.Vendors.Classifier.Settings, &bs); err != nil {
		return nil, fmt.Errorf("vendors.classifier.settings: %w", err)
	}
	breaker := resilience.NewCircuitBreaker(
		configutil.IntValue(bs.Threshold, 3),
		configutil.DurationMS(bs.CooldownMS, 30*time.Second),
	)
	return llm.NewCircuitBreakerAdapter(backend, breaker), nil
}

func (r *ProviderRegistry) BuildAlert(cfg Config) (alert.Notifier, alert.Announcer, error) {
	fn := r.alert[providerKey(cfg.Alert.Provider)]
	if fn == nil {
		return nil, nil, fmt.Errorf("alert provider not registered: %s", cfg.Alert.Provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildTransport(cfg Config, factory transports.ConnFactory) (transports.Transport, error) {
	fn := r.transport[providerKey(cfg.Transports.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("transport provider not registered: %s", cfg.Transports.Provider)
	}
	return fn(cfg, factory)
}

type breakerSettings struct {
	Threshold  *int `mapstructure:"breaker_threshold"`
	CooldownMS *int `mapstructure:"breaker_cooldown_ms"`
}

var breakerKeys = []string{"breaker_threshold", "breaker_cooldown_ms"}

// secretSettings masks credentials when vendor settings are logged.
var secretSettings = configutil.Schema{Secret: []string{"api_key", "auth_token", "account_sid"}}

func buildGoogleSTT(ctx context.Context, cfg Config) (stt.Opener, error) {
	settings := cfg.Vendors.STT.Settings
	if err := configutil.ValidateSettings(settings, configutil.Schema{
		Optional: []string{"credentials_file", "model"},
	}); err != nil {
		return nil, fmt.Errorf("vendors.stt.settings: %w", err)
	}
	var s struct {
		CredentialsFile string `mapstructure:"credentials_file"`
		Model           string `mapstructure:"model"`
	}
	if err := configutil.DecodeSettings(settings, &s); err != nil {
		return nil, fmt.Errorf("vendors.stt.settings: %w", err)
	}
	client, err := google.NewClient(ctx, s.CredentialsFile)
	if err != nil {
		return nil, err
	}
	return google.NewOpener(client, configutil.StringValue(s.Model, cfg.Audio.Model)), nil
}

func buildDeepgramSTT(_ context.Context, cfg Config) (stt.Opener, error) {
	settings := cfg.Vendors.STT.Settings
	if err := configutil.ValidateSettings(settings, configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "utterance_end_ms"},
	}); err != nil {
		return nil, fmt.Errorf("vendors.stt.settings: %w", err)
	}
	var s struct {
		APIKey         string `mapstructure:"api_key"`
		Model          string `mapstructure:"model"`
		UtteranceEndMS *int   `mapstructure:"utterance_end_ms"`
	}
	if err := configutil.DecodeSettings(settings, &s); err != nil {
		return nil, fmt.Errorf("vendors.stt.settings: %w", err)
	}
	return deepgram.New(deepgram.Config{
		APIKey:         s.APIKey,
		Model:          configutil.StringValue(s.Model, cfg.Audio.Model),
		UtteranceEndMS: configutil.IntValue(s.UtteranceEndMS, 0),
	}), nil
}

func buildMockSTT(_ context.Context, cfg Config) (stt.Opener, error) {
	var s struct {
		Transcripts []string `mapstructure:"transcripts"`
		EmitEvery   *int     `mapstructure:"emit_every"`
		Final       *bool    `mapstructure:"final"`
	}
	if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &s); err != nil {
		return nil, fmt.Errorf("vendors.stt.settings: %w", err)
	}
	final := configutil.BoolValue(s.Final, true)
	script := make([]stt.Event, 0, len(s.Transcripts))
	for _, text := range s.Transcripts {
		script = append(script, stt.Event{Text: text, IsFinal: final, Confidence: 1})
	}
	return mock.NewSTT(mock.STTConfig{Script: script, EmitEvery: configutil.IntValue(s.EmitEvery, 1)}), nil
}

func buildOpenAI(_ context.Context, cfg Config) (llm.Adapter, error) {
	settings := cfg.Vendors.Classifier.Settings
	if err := configutil.ValidateSettings(settings, configutil.Schema{
		Required: []string{"api_key"},
		Optional: append([]string{"model", "base_url", "timeout_ms"}, breakerKeys...),
	}); err != nil {
		return nil, fmt.Errorf("vendors.classifier.settings: %w", err)
	}
	var s struct {
		APIKey    string `mapstructure:"api_key"`
		Model     string `mapstructure:"model"`
		BaseURL   string `mapstructure:"base_url"`
		TimeoutMS *int   `mapstructure:"timeout_ms"`
	}
	if err := configutil.DecodeSettings(settings, &s); err != nil {
		return nil, fmt.Errorf("vendors.classifier.settings: %w", err)
	}
	adapter := openai.NewAdapter(s.APIKey, s.Model)
	if s.BaseURL != "" {
		adapter.BaseURL = strings.TrimRight(s.BaseURL, "/")
	}
	if s.TimeoutMS != nil {
		adapter.Client.Timeout = configutil.DurationMS(s.TimeoutMS, adapter.Client.Timeout)
	}
	return adapter, nil
}

func buildGemini(ctx context.Context, cfg Config) (llm.Adapter, error) {
	settings := cfg.Vendors.Classifier.Settings
	if err := configutil.ValidateSettings(settings, configutil.Schema{
		Required: []string{"api_key"},
		Optional: append([]string{"model"}, breakerKeys...),
	}); err != nil {
		return nil, fmt.Errorf("vendors.classifier.settings: %w", err)
	}
	var s struct {
		APIKey string `mapstructure:"api_key"`
		Model  string `mapstructure:"model"`
	}
	if err := configutil.DecodeSettings(settings, &s); err != nil {
		return nil, fmt.Errorf("vendors.classifier.settings: %w", err)
	}
	return gemini.NewAdapter(ctx, s.APIKey, s.Model)
}

func buildMockClassifier(_ context.Context, cfg Config) (llm.Adapter, error) {
	var s struct {
		Response string            `mapstructure:"response"`
		Rules    map[string]string `mapstructure:"rules"`
	}
	if err := configutil.DecodeSettings(cfg.Vendors.Classifier.Settings, &s); err != nil {
		return nil, fmt.Errorf("vendors.classifier.settings: %w", err)
	}
	return mock.NewLLMAdapter(mock.LLMConfig{ResponseText: s.Response, Rules: s.Rules}), nil
}

var twilioAlertSchema = configutil.Schema{
	Required: []string{"account_sid", "auth_token"},
	Optional: []string{
		"from", "to", "body",
		"announce_message", "announce_url", "fallback_first_in_progress", "list_limit",
	},
}

func buildTwilioAlert(cfg Config) (alert.Notifier, alert.Announcer, error) {
	settings := cfg.Alert.Settings
	if err := configutil.ValidateSettings(settings, twilioAlertSchema); err != nil {
		return nil, nil, fmt.Errorf("alert.settings: %w", err)
	}
	var ac twilio.AnnouncerConfig
	if err := configutil.DecodeSettings(settings, &ac); err != nil {
		return nil, nil, fmt.Errorf("alert.settings: %w", err)
	}
	announcer, err := twilio.NewAnnouncer(ac)
	if err != nil {
		return nil, nil, err
	}

	var nc twilio.NotifierConfig
	if err := configutil.DecodeSettings(settings, &nc); err != nil {
		return nil, nil, fmt.Errorf("alert.settings: %w", err)
	}
	// Without a recipient the SMS step is skipped and only the announcement runs.
	if strings.TrimSpace(nc.To) == "" {
		return nil, announcer, nil
	}
	notifier, err := twilio.NewNotifier(nc)
	if err != nil {
		return nil, nil, err
	}
	return notifier, announcer, nil
}

func buildTwilioTransport(cfg Config, factory transports.ConnFactory) (transports.Transport, error) {
	var tc twilio.Config
	if err := configutil.DecodeSettings(cfg.Transports.Settings, &tc); err != nil {
		return nil, fmt.Errorf("transports.settings: %w", err)
	}
	if tc.CallKeyParameter == "" {
		tc.CallKeyParameter = cfg.CallKey.Parameter
	}
	if cfg.Metrics.Enabled && tc.MetricsPath == "" {
		tc.MetricsPath = cfg.Metrics.Path
	}
	return twilio.New(tc, factory), nil
}
