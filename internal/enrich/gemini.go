package enrich

import (
	"context"
	"fmt"
	"os"
	"strings"

	"corpusflow/internal/ratelimit"

	"github.com/google/generative-ai-go/genai"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// GeminiProvider is the fallback AI provider.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

var _ Completer = (*GeminiProvider)(nil)

func NewGeminiProvider(ctx context.Context, apiKey, model string) (*GeminiProvider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		log.Warn("Gemini API key not provided. Gemini provider will be disabled.")
		return nil, nil
	}
	if model == "" {
		model = "gemini-1.5-flash"
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	log.Infof("Gemini provider initialized with model %s", model)
	return &GeminiProvider{client: client, model: model}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Family() ratelimit.Family { return ratelimit.FamilyAI }

func (p *GeminiProvider) ModelName() string { return p.model }

func (p *GeminiProvider) Complete(ctx context.Context, system, prompt string) (*Completion, error) {
	model := p.client.GenerativeModel(p.model)
	model.ResponseMIMEType = "application/json"
	model.SetTemperature(0.2)
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, newProviderError(p.Name(), Classify(err), err)
	}
	var sb strings.Builder
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if text, ok := part.(genai.Text); ok {
				sb.WriteString(string(text))
			}
		}
	}
	if sb.Len() == 0 {
		return nil, newProviderError(p.Name(), ErrTransient, fmt.Errorf("Gemini API returned no text"))
	}
	out := &Completion{Text: sb.String(), Model: p.model}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

func (p *GeminiProvider) Close() error {
	return p.client.Close()
}
