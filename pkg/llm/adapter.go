package llm

import "context"

type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
)

type Message struct {
	Role    Role
	Content string
}

// Context is a single completion request. Classification prompts are one-shot,
// so there is no conversation memory here.
type Context struct {
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Response struct {
	Text         string
	Usage        Usage
	FinishReason string
}

type Adapter interface {
	Generate(ctx context.Context, input Context) (Response, error)
	Name() string
}

// UserPrompt builds a Context holding one user message.
func UserPrompt(system, text string) Context {
	return Context{
		System:   system,
		Messages: []Message{{Role: RoleUser, Content: text}},
	}
}
