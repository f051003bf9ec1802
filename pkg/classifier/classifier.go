// Package classifier decides which transcript fragments are worth sending to
// the fraud classifier and turns its single-character answer into a verdict.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethiq/callguard/pkg/errorsx"
	"github.com/ethiq/callguard/pkg/llm"
	"github.com/ethiq/callguard/pkg/logging"
	"github.com/ethiq/callguard/pkg/metrics"
	"github.com/ethiq/callguard/pkg/resilience"
)

// ErrClassifier marks a backend failure or an answer that is neither Y nor N.
var ErrClassifier = errors.New("classifier error")

type Verdict int

const (
	VerdictNotSuspected Verdict = iota
	VerdictFraudSuspected
)

func (v Verdict) String() string {
	if v == VerdictFraudSuspected {
		return "fraud_suspected"
	}
	return "not_suspected"
}

// Policy selects which transcript events may reach the classifier.
type Policy string

const (
	PolicyAny   Policy = "any"
	PolicyFinal Policy = "final"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyAny:
		return PolicyAny, nil
	case PolicyFinal:
		return PolicyFinal, nil
	default:
		return "", fmt.Errorf("classifier: unknown trigger policy %q", s)
	}
}

// Allows reports whether an event with the given finality passes the policy.
func (p Policy) Allows(isFinal bool) bool {
	return p != PolicyFinal || isFinal
}

const DefaultPhrase = "banque"

// SystemPrompt instructs the model to answer with a single Y or N.
const SystemPrompt = "Analyze the provided transcript of a phone conversation in French to determine if there are indications that the person is attempting to commit a scam.\n\n" +
	"Identify common scam indicators or phrases that could suggest fraudulent intent. Provide a response of `Y` if the transcript contains elements that suggest a scam is likely occurring, otherwise, provide a response of `N`.\n\n" +
	"# Output Format\n\n" +
	"- A single character: `Y` if a scam is indicated, `N` if no scam is present.\n\n" +
	"# Notes\n\n" +
	"- Consider patterns such as requests for sensitive information, offers that seem too good to be true, urgent demands, or any manipulation tactics common in scam scenarios.\n" +
	"- Your determination should focus on the presence or absence of these indicators rather than making a subjective judgment of the overall conversation quality."

type Config struct {
	Phrase string
	Policy Policy
	Prompt string
	Logger *slog.Logger
}

// Gate is safe for concurrent use by any number of sessions.
type Gate struct {
	phrase  string
	policy  Policy
	prompt  string
	backend llm.Adapter
	obs     metrics.Observer
	logger  *slog.Logger
}

func NewGate(cfg Config, backend llm.Adapter) *Gate {
	if cfg.Policy == "" {
		cfg.Policy = PolicyAny
	}
	if cfg.Prompt == "" {
		cfg.Prompt = SystemPrompt
	}
	return &Gate{
		phrase:  strings.ToLower(strings.TrimSpace(cfg.Phrase)),
		policy:  cfg.Policy,
		prompt:  cfg.Prompt,
		backend: backend,
		obs:     metrics.NoopObserver{},
		logger:  logging.NewComponentLogger(cfg.Logger, "classifier"),
	}
}

func (g *Gate) SetObserver(obs metrics.Observer) {
	if obs != nil {
		g.obs = obs
	}
}

func (g *Gate) Policy() Policy { return g.policy }

// ShouldClassify reports whether text contains the trigger phrase, ignoring case.
func (g *Gate) ShouldClassify(text string) bool {
	if g.phrase == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), g.phrase)
}

// Classify asks the backend for a verdict. Failures yield VerdictNotSuspected
// together with an error matching ErrClassifier. It never retries.
func (g *Gate) Classify(ctx context.Context, text string) (Verdict, error) {
	if g.backend == nil {
		return VerdictNotSuspected, g.fail(errorsx.ReasonClassifier, errors.New("no backend configured"))
	}
	resp, err := g.backend.Generate(ctx, llm.Context{
		System:   g.prompt,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: text}},
	})
	if err != nil {
		reason := errorsx.ReasonClassifier
		switch {
		case errors.Is(err, resilience.ErrCircuitOpen):
			reason = errorsx.ReasonClassifierCircuitOpen
		case resilience.IsRateLimit(err):
			reason = errorsx.ReasonClassifierRateLimit
		case resilience.IsUnavailable(err):
			reason = errorsx.ReasonClassifierUnavailable
		}
		return VerdictNotSuspected, g.fail(reason, err)
	}
	verdict, err := ParseVerdict(resp.Text)
	if err != nil {
		return VerdictNotSuspected, g.fail(errorsx.ReasonClassifierVerdict, err)
	}
	metrics.Record(g.obs, metrics.EventClassification, map[string]string{
		"verdict":  verdict.String(),
		"provider": g.backend.Name(),
	})
	return verdict, nil
}

// ParseVerdict accepts exactly one of Y or N after trimming whitespace.
func ParseVerdict(answer string) (Verdict, error) {
	switch strings.TrimSpace(answer) {
	case "Y":
		return VerdictFraudSuspected, nil
	case "N":
		return VerdictNotSuspected, nil
	default:
		return VerdictNotSuspected, fmt.Errorf("unexpected answer %q", answer)
	}
}

func (g *Gate) fail(reason errorsx.ReasonCode, cause error) error {
	err := errorsx.Newf(reason, "%w: %w", ErrClassifier, cause)
	g.logger.Warn("classifier_failed", errorsx.Attrs(err)...)
	metrics.Record(g.obs, metrics.EventClassificationError, map[string]string{
		"reason_code": string(errorsx.Reason(err)),
	})
	return err
}
