package enrich

import (
	"context"
	"fmt"
	"os"

	"corpusflow/internal/ratelimit"

	"github.com/sashabaranov/go-openai"
	log "github.com/sirupsen/logrus"
)

// OpenAIProvider is the primary AI provider, using chat completions in JSON mode.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

var _ Completer = (*OpenAIProvider)(nil)

// NewOpenAIProvider returns nil and no error when no key is configured, so the
// provider is simply left out of the chain.
func NewOpenAIProvider(apiKey, model, baseURL string) (*OpenAIProvider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		log.Warn("OpenAI API key not provided. OpenAI provider will be disabled.")
		return nil, nil
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	log.Infof("OpenAI provider initialized with model %s", model)
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Family() ratelimit.Family { return ratelimit.FamilyAI }

func (p *OpenAIProvider) ModelName() string { return p.model }

func (p *OpenAIProvider) Complete(ctx context.Context, system, prompt string) (*Completion, error) {
	req := openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		Temperature:    0.2,
	}
	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, newProviderError(p.Name(), Classify(err), err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, newProviderError(p.Name(), ErrTransient, fmt.Errorf("OpenAI API returned no choices"))
	}
	return &Completion{
		Text:         resp.Choices[0].Message.Content,
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}
