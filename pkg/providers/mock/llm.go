package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/ethiq/callguard/pkg/llm"
)

type LLMConfig struct {
	// ResponseText is returned when no rule matches.
	ResponseText string
	// Rules maps a lowercase substring of the user message to a reply.
	Rules map[string]string
	Err   error
	// Block holds Generate until the channel is closed or ctx ends.
	Block <-chan struct{}
}

type LLMAdapter struct {
	cfg LLMConfig

	mu    sync.Mutex
	calls []string
}

func NewLLMAdapter(cfg LLMConfig) *LLMAdapter {
	if cfg.ResponseText == "" {
		cfg.ResponseText = "N"
	}
	return &LLMAdapter{cfg: cfg}
}

func (a *LLMAdapter) Name() string { return "mock_llm" }

func (a *LLMAdapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	var text string
	for _, m := range input.Messages {
		if m.Role == llm.RoleUser {
			text = m.Content
		}
	}
	a.mu.Lock()
	a.calls = append(a.calls, text)
	a.mu.Unlock()

	if a.cfg.Block != nil {
		select {
		case <-a.cfg.Block:
		case <-ctx.Done():
			return llm.Response{}, ctx.Err()
		}
	}
	if a.cfg.Err != nil {
		return llm.Response{}, a.cfg.Err
	}
	lower := strings.ToLower(text)
	for sub, reply := range a.cfg.Rules {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return llm.Response{Text: reply, FinishReason: "stop"}, nil
		}
	}
	return llm.Response{Text: a.cfg.ResponseText, FinishReason: "stop"}, nil
}

// Calls returns the user messages seen so far.
func (a *LLMAdapter) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

var _ llm.Adapter = (*LLMAdapter)(nil)
