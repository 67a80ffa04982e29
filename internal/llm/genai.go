package llm

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// GenAIProvider streams completions from Google's Gemini API.
type GenAIProvider struct {
	client *genai.Client
	models models
	logger *zap.Logger
}

// NewGenAIProvider creates a Gemini streaming client.
func NewGenAIProvider(ctx context.Context, cfg Config, logger *zap.Logger) (*GenAIProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: genai API key is required", ErrInvalidConfig)
	}
	m := models{reasoning: cfg.ReasoningModel, realtime: cfg.RealtimeModel}
	if m.reasoning == "" {
		m.reasoning = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return &GenAIProvider{client: client, models: m, logger: logger}, nil
}

// Stream implements Provider.
func (p *GenAIProvider) Stream(ctx context.Context, req Request) (<-chan string, <-chan error) {
	if req.Prompt == "" {
		return failed(ErrEmptyPrompt)
	}

	var config *genai.GenerateContentConfig
	if req.System != "" {
		config = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(req.System, genai.RoleUser),
		}
	}
	contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}
	model := p.models.forKind(req.Kind)

	tokens := make(chan string, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer close(tokens)

		for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Debug("genai stream failed", zap.String("model", model), zap.Error(err))
					errs <- fmt.Errorf("generating content: %w", err)
				}
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			if !send(ctx, tokens, text) {
				return
			}
		}
	}()

	return tokens, errs
}
