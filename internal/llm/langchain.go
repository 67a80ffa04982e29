package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"
)

// LangchainProvider streams completions from OpenAI-compatible or Ollama
// servers through langchaingo. One client is held per model kind.
type LangchainProvider struct {
	reasoning llms.Model
	realtime  llms.Model
	logger    *zap.Logger
}

// NewLangchainProvider creates a provider for cfg.Provider "openai" or "ollama".
func NewLangchainProvider(cfg Config, logger *zap.Logger) (*LangchainProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReasoningModel == "" {
		return nil, fmt.Errorf("%w: reasoning model is required", ErrInvalidConfig)
	}
	m := models{reasoning: cfg.ReasoningModel, realtime: cfg.RealtimeModel}

	build := func(model string) (llms.Model, error) {
		switch cfg.Provider {
		case "openai":
			if cfg.APIKey == "" && cfg.BaseURL == "" {
				return nil, fmt.Errorf("%w: openai requires an API key or a base URL", ErrInvalidConfig)
			}
			opts := []openai.Option{openai.WithModel(model), openai.WithToken(cfg.APIKey)}
			if cfg.BaseURL != "" {
				opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
			}
			return openai.New(opts...)
		case "ollama":
			opts := []ollama.Option{ollama.WithModel(model)}
			if cfg.BaseURL != "" {
				opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
			}
			return ollama.New(opts...)
		default:
			return nil, fmt.Errorf("%w: langchain does not serve %q", ErrInvalidConfig, cfg.Provider)
		}
	}

	reasoning, err := build(m.forKind(KindReasoning))
	if err != nil {
		return nil, fmt.Errorf("creating reasoning client: %w", err)
	}
	realtime := reasoning
	if m.realtime != "" && m.realtime != m.reasoning {
		realtime, err = build(m.realtime)
		if err != nil {
			return nil, fmt.Errorf("creating realtime client: %w", err)
		}
	}

	logger.Info("llm provider ready",
		zap.String("provider", cfg.Provider),
		zap.String("reasoning_model", m.reasoning),
		zap.String("realtime_model", m.forKind(KindRealtime)))

	return &LangchainProvider{reasoning: reasoning, realtime: realtime, logger: logger}, nil
}

// Stream implements Provider.
func (p *LangchainProvider) Stream(ctx context.Context, req Request) (<-chan string, <-chan error) {
	if req.Prompt == "" {
		return failed(ErrEmptyPrompt)
	}
	model := p.reasoning
	if req.Kind == KindRealtime {
		model = p.realtime
	}

	messages := chatMessages(req)

	tokens := make(chan string, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer close(tokens)

		_, err := model.GenerateContent(ctx, messages,
			llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
				if len(chunk) == 0 {
					return nil
				}
				if !send(ctx, tokens, string(chunk)) {
					return ctx.Err()
				}
				return nil
			}),
		)
		if err != nil && ctx.Err() == nil && !errors.Is(err, context.Canceled) {
			p.logger.Debug("llm stream failed", zap.String("kind", string(req.Kind)), zap.Error(err))
			errs <- fmt.Errorf("generating content: %w", err)
		}
	}()

	return tokens, errs
}

// chatMessages renders req as an optional system turn followed by the prompt.
func chatMessages(req Request) []llms.MessageContent {
	messages := make([]llms.MessageContent, 0, 2)
	if req.System != "" {
		messages = append(messages, llms.TextParts(schema.ChatMessageTypeSystem, req.System))
	}
	return append(messages, llms.TextParts(schema.ChatMessageTypeHuman, req.Prompt))
}
