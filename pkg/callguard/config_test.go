package callguard

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "callguard.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaultsAndEnv(t *testing.T) {
	t.Setenv("CALLGUARD_TEST_TOKEN", "secret-token")
	t.Setenv("CALLGUARD_TEST_ORIGIN", "media.twilio.com")
	path := writeConfig(t, `
vendors:
  stt:
    provider: mock
  classifier:
    provider: mock
    settings:
      response: "N"
alert:
  provider: twilio
  settings:
    account_sid: AC123
    auth_token: ${CALLGUARD_TEST_TOKEN}
transports:
  provider: twilio
  settings:
    allowed_origins:
      - ${CALLGUARD_TEST_ORIGIN}
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Trigger.Phrase != "banque" || cfg.Trigger.Policy != "any" {
		t.Fatalf("unexpected trigger defaults %+v", cfg.Trigger)
	}
	if cfg.Audio.Encoding != "MULAW" || cfg.Audio.SampleRate != 8000 || cfg.Audio.Language != "fr-FR" || !cfg.Audio.Interim {
		t.Fatalf("unexpected audio defaults %+v", cfg.Audio)
	}
	if cfg.CallKey.Template != "Conf-{stream_id}" || cfg.CallKey.Parameter != "conference" {
		t.Fatalf("unexpected call key defaults %+v", cfg.CallKey)
	}
	if cfg.Alert.Settings["auth_token"] != "secret-token" {
		t.Fatalf("expected env expansion, got %v", cfg.Alert.Settings["auth_token"])
	}
	origins, ok := cfg.Transports.Settings["allowed_origins"].([]any)
	if !ok || len(origins) != 1 || origins[0] != "media.twilio.com" {
		t.Fatalf("expected expanded origins, got %#v", cfg.Transports.Settings["allowed_origins"])
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Fatalf("unexpected metrics defaults %+v", cfg.Metrics)
	}
	if cfg.Events.Enabled || cfg.Events.Topic == "" {
		t.Fatalf("unexpected events defaults %+v", cfg.Events)
	}
}

func TestLoadConfigRejectsUnknownPolicy(t *testing.T) {
	path := writeConfig(t, `
trigger:
  policy: sometimes
`)
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "trigger.policy") {
		t.Fatalf("expected trigger.policy error, got %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestValidateRequiresProviders(t *testing.T) {
	cfg := Config{Trigger: TriggerConfig{Phrase: "banque"}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing provider error")
	}
}
