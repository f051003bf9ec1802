package callguard

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/ethiq/callguard/pkg/classifier"
	"github.com/ethiq/callguard/pkg/events"
)

type Config struct {
	Environment       string              `mapstructure:"environment"`
	LogLevel          string              `mapstructure:"log_level"`
	LogFormat         string              `mapstructure:"log_format"`
	Privacy           PrivacyConfig       `mapstructure:"privacy"`
	Trigger           TriggerConfig       `mapstructure:"trigger"`
	CallKey           CallKeyConfig       `mapstructure:"call_key"`
	Vendors           VendorsConfig       `mapstructure:"vendors"`
	Audio             AudioConfig         `mapstructure:"audio"`
	Session           SessionConfig       `mapstructure:"session"`
	Alert             VendorConfig        `mapstructure:"alert"`
	Events            events.Config       `mapstructure:"events"`
	Metrics           MetricsConfig       `mapstructure:"metrics"`
	Observability     ObservabilityConfig `mapstructure:"observability"`
	Transports        TransportsConfig    `mapstructure:"transports"`
	ShutdownTimeoutMS int                 `mapstructure:"shutdown_timeout_ms"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT        VendorConfig `mapstructure:"stt"`
	Classifier VendorConfig `mapstructure:"classifier"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type TriggerConfig struct {
	Phrase string `mapstructure:"phrase"`
	Policy string `mapstructure:"policy"`
	Prompt string `mapstructure:"prompt"`
}

type CallKeyConfig struct {
	Parameter string `mapstructure:"parameter"`
	Template  string `mapstructure:"template"`
}

type AudioConfig struct {
	Encoding   string `mapstructure:"encoding"`
	SampleRate int    `mapstructure:"sample_rate"`
	Language   string `mapstructure:"language"`
	Interim    bool   `mapstructure:"interim"`
	Model      string `mapstructure:"model"`
}

type SessionConfig struct {
	DispatchTimeoutMS int `mapstructure:"dispatch_timeout_ms"`
	CloseTimeoutMS    int `mapstructure:"close_timeout_ms"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Buffer  int    `mapstructure:"buffer"`
}

// LoadConfig reads the YAML file at path. A .env file next to the working
// directory is loaded first so ${VAR} references can resolve against it.
func LoadConfig(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("trigger.phrase", classifier.DefaultPhrase)
	v.SetDefault("trigger.policy", string(classifier.PolicyAny))
	v.SetDefault("call_key.parameter", "conference")
	v.SetDefault("call_key.template", "Conf-{stream_id}")
	v.SetDefault("vendors.stt.provider", "google")
	v.SetDefault("vendors.classifier.provider", "openai")
	v.SetDefault("audio.encoding", "MULAW")
	v.SetDefault("audio.sample_rate", 8000)
	v.SetDefault("audio.language", "fr-FR")
	v.SetDefault("audio.interim", true)
	v.SetDefault("session.dispatch_timeout_ms", 15000)
	v.SetDefault("session.close_timeout_ms", 5000)
	v.SetDefault("alert.provider", "twilio")
	v.SetDefault("events.enabled", false)
	v.SetDefault("events.topic", "callguard.fraud_alerts")
	v.SetDefault("events.principal", "callguard")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.buffer", 2048)
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("transports.provider", "twilio")
	v.SetDefault("shutdown_timeout_ms", 30000)
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transports.Provider) == "" {
		return fmt.Errorf("transports.provider is required")
	}
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required")
	}
	if strings.TrimSpace(c.Vendors.Classifier.Provider) == "" {
		return fmt.Errorf("vendors.classifier.provider is required")
	}
	if strings.TrimSpace(c.Trigger.Phrase) == "" {
		return fmt.Errorf("trigger.phrase is required")
	}
	if _, err := classifier.ParsePolicy(c.Trigger.Policy); err != nil {
		return fmt.Errorf("trigger.policy: %w", err)
	}
	if c.Events.Enabled && len(c.Events.Brokers) > 0 && strings.TrimSpace(c.Events.Topic) == "" {
		return fmt.Errorf("events.topic is required when events are enabled")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.Classifier.Settings = expandSettings(cfg.Vendors.Classifier.Settings)
	cfg.Alert.Settings = expandSettings(cfg.Alert.Settings)
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
