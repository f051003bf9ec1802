package classifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ethiq/callguard/pkg/errorsx"
	"github.com/ethiq/callguard/pkg/llm"
	"github.com/ethiq/callguard/pkg/logging"
	"github.com/ethiq/callguard/pkg/metrics"
	"github.com/ethiq/callguard/pkg/resilience"
)

type stubBackend struct {
	text  string
	err   error
	calls int
	last  llm.Context
}

func (s *stubBackend) Name() string { return "stub" }

func (s *stubBackend) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	s.calls++
	s.last = input
	return llm.Response{Text: s.text}, s.err
}

func TestShouldClassify(t *testing.T) {
	g := NewGate(Config{Phrase: DefaultPhrase}, nil)
	cases := map[string]bool{
		"Bonjour, je vous appelle de votre BANQUE": true,
		"la banque":              true,
		"banquet":                true,
		"Bonjour, comment allez": false,
		"":                       false,
	}
	for text, want := range cases {
		if got := g.ShouldClassify(text); got != want {
			t.Fatalf("ShouldClassify(%q) = %v, want %v", text, got, want)
		}
	}
}

func TestEmptyPhraseNeverMatches(t *testing.T) {
	g := NewGate(Config{Phrase: "  "}, nil)
	if g.ShouldClassify("banque") {
		t.Fatalf("expected empty phrase to never match")
	}
}

func TestClassifyVerdicts(t *testing.T) {
	backend := &stubBackend{text: "Y"}
	obs := metrics.NewMemoryObserver()
	g := NewGate(Config{Phrase: DefaultPhrase}, backend)
	g.SetObserver(obs)

	v, err := g.Classify(context.Background(), "donnez-moi votre code de banque")
	if err != nil || v != VerdictFraudSuspected {
		t.Fatalf("expected fraud suspected, got %v err=%v", v, err)
	}
	if backend.last.System != SystemPrompt || backend.last.Messages[0].Content != "donnez-moi votre code de banque" {
		t.Fatalf("unexpected prompt %+v", backend.last)
	}

	backend.text = " N\n"
	v, err = g.Classify(context.Background(), "ma banque ferme a 17h")
	if err != nil || v != VerdictNotSuspected {
		t.Fatalf("expected not suspected, got %v err=%v", v, err)
	}
	if obs.Count(metrics.EventClassification) != 2 {
		t.Fatalf("expected 2 classification events")
	}
}

func TestClassifyMalformedAnswer(t *testing.T) {
	for _, answer := range []string{"y", "Yes", "", "YN", "Maybe"} {
		g := NewGate(Config{}, &stubBackend{text: answer})
		v, err := g.Classify(context.Background(), "banque")
		if !errors.Is(err, ErrClassifier) || v != VerdictNotSuspected {
			t.Fatalf("answer %q: expected classifier error, got %v err=%v", answer, v, err)
		}
		if !errorsx.HasReason(err, errorsx.ReasonClassifierVerdict) {
			t.Fatalf("answer %q: expected verdict reason, got %s", answer, errorsx.Reason(err))
		}
	}
}

func TestClassifyBackendFailureDoesNotRetry(t *testing.T) {
	backend := &stubBackend{err: resilience.RateLimitError{Provider: "stub"}}
	g := NewGate(Config{}, backend)
	v, err := g.Classify(context.Background(), "banque")
	if !errors.Is(err, ErrClassifier) || v != VerdictNotSuspected {
		t.Fatalf("expected classifier error, got %v err=%v", v, err)
	}
	if backend.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", backend.calls)
	}
	if !errorsx.HasReason(err, errorsx.ReasonClassifierRateLimit) {
		t.Fatalf("expected rate limit reason, got %s", errorsx.Reason(err))
	}
}

func TestClassifyFailureReasons(t *testing.T) {
	cases := []struct {
		err  error
		want errorsx.ReasonCode
	}{
		{resilience.UnavailableError{Provider: "stub", Status: 503}, errorsx.ReasonClassifierUnavailable},
		{fmt.Errorf("%w: stub", resilience.ErrCircuitOpen), errorsx.ReasonClassifierCircuitOpen},
		{errors.New("decode response"), errorsx.ReasonClassifier},
	}
	for _, tc := range cases {
		g := NewGate(Config{Phrase: DefaultPhrase}, &stubBackend{err: tc.err})
		_, err := g.Classify(context.Background(), "banque")
		if got := errorsx.Reason(err); got != tc.want {
			t.Fatalf("error %v: got reason %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestPolicy(t *testing.T) {
	p, err := ParsePolicy("FINAL")
	if err != nil || p != PolicyFinal {
		t.Fatalf("expected final policy, got %v err=%v", p, err)
	}
	if p.Allows(false) || !p.Allows(true) {
		t.Fatalf("final policy should only allow final events")
	}
	p, _ = ParsePolicy("")
	if !p.Allows(false) {
		t.Fatalf("default policy should allow partial events")
	}
	if _, err := ParsePolicy("sometimes"); err == nil {
		t.Fatalf("expected unknown policy error")
	}
}

func TestClassifyFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	g := NewGate(Config{
		Phrase: DefaultPhrase,
		Logger: logging.NewLogger(&buf, "info", "json"),
	}, &stubBackend{text: "peut-être"})

	if _, err := g.Classify(context.Background(), "votre banque"); !errors.Is(err, ErrClassifier) {
		t.Fatalf("expected ErrClassifier, got %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"msg":"classifier_failed"`) ||
		!strings.Contains(out, `"reason_code":"classifier_bad_verdict"`) ||
		!strings.Contains(out, `"component":"classifier"`) {
		t.Fatalf("unexpected log output: %s", out)
	}
}
