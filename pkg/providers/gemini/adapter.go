package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/ethiq/callguard/pkg/llm"
	"github.com/ethiq/callguard/pkg/resilience"
)

const DefaultModel = "gemini-2.0-flash"

type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Adapter classifies through the Gemini API.
type Adapter struct {
	models contentGenerator
	model  string
}

func NewAdapter(ctx context.Context, apiKey, model string) (*Adapter, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return newAdapter(client.Models, model), nil
}

func newAdapter(models contentGenerator, model string) *Adapter {
	if model == "" {
		model = DefaultModel
	}
	return &Adapter{models: models, model: model}
}

func (a *Adapter) Name() string { return "gemini" }

func (a *Adapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	var contents []*genai.Content
	for _, m := range input.Messages {
		role := genai.RoleUser
		if m.Role != llm.RoleUser {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, genai.Role(role)))
	}
	config := &genai.GenerateContentConfig{}
	if input.System != "" {
		config.SystemInstruction = genai.NewContentFromText(input.System, genai.RoleUser)
	}
	if input.MaxTokens > 0 {
		config.MaxOutputTokens = int32(input.MaxTokens)
	}
	if input.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(input.Temperature))
	}

	response, err := a.models.GenerateContent(ctx, a.model, contents, config)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			switch {
			case apiErr.Code == 429:
				return llm.Response{}, resilience.RateLimitError{Provider: "gemini", Message: err.Error()}
			case apiErr.Code >= 500:
				return llm.Response{}, resilience.UnavailableError{Provider: "gemini", Status: apiErr.Code, Message: apiErr.Message}
			}
		}
		return llm.Response{}, fmt.Errorf("gemini: generate: %w", err)
	}
	if response == nil || len(response.Candidates) == 0 || response.Candidates[0].Content == nil {
		return llm.Response{}, errors.New("gemini: no candidates")
	}
	var text strings.Builder
	for _, part := range response.Candidates[0].Content.Parts {
		if part != nil && part.Text != "" {
			text.WriteString(part.Text)
		}
	}
	out := llm.Response{
		Text:         text.String(),
		FinishReason: string(response.Candidates[0].FinishReason),
	}
	if u := response.UsageMetadata; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

var _ llm.Adapter = (*Adapter)(nil)
