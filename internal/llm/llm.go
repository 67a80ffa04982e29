// Package llm streams completions from language model providers.
//
// A Provider serves two model kinds: a reasoning model for explicit
// questions and a lower-latency realtime model for reflections. Both
// stream through the same channel pair: tokens arrive on the first
// channel, at most one error on the second, and both close when the
// stream ends.
package llm

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrNotConfigured is returned when no LLM provider is configured.
	ErrNotConfigured = errors.New("llm provider not configured")

	// ErrInvalidConfig indicates a provider could not be built from its config.
	ErrInvalidConfig = errors.New("invalid llm config")

	// ErrEmptyPrompt is returned for a request without prompt text.
	ErrEmptyPrompt = errors.New("prompt cannot be empty")
)

// Kind selects which configured model serves a request.
type Kind string

const (
	KindReasoning Kind = "reasoning"
	KindRealtime  Kind = "realtime"
)

// Request is a single completion request.
type Request struct {
	System string
	Prompt string
	Kind   Kind
}

// Provider streams completion tokens.
//
// Stream never blocks on the network; the request runs in a goroutine
// until the tokens are exhausted or ctx is cancelled. The error channel is
// buffered so the producer never waits on an absent reader.
type Provider interface {
	Stream(ctx context.Context, req Request) (<-chan string, <-chan error)
}

// Config holds configuration for creating a provider.
type Config struct {
	// Provider is "openai", "ollama", "genai" or "none".
	Provider       string
	BaseURL        string
	APIKey         string
	ReasoningModel string
	RealtimeModel  string
}

// models maps request kinds to model names, falling back to the reasoning
// model when no realtime model is set.
type models struct {
	reasoning string
	realtime  string
}

func (m models) forKind(kind Kind) string {
	if kind == KindRealtime && m.realtime != "" {
		return m.realtime
	}
	return m.reasoning
}

// NewProvider creates a provider from cfg. Provider "none" returns
// ErrNotConfigured so callers can run degraded.
func NewProvider(ctx context.Context, cfg Config, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Provider {
	case "openai", "ollama":
		return NewLangchainProvider(cfg, logger)
	case "genai":
		return NewGenAIProvider(ctx, cfg, logger)
	case "none", "":
		return nil, ErrNotConfigured
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// Unconfigured fails every request with ErrNotConfigured without I/O.
type Unconfigured struct{}

// Stream returns closed channels carrying ErrNotConfigured.
func (Unconfigured) Stream(context.Context, Request) (<-chan string, <-chan error) {
	return failed(ErrNotConfigured)
}

func failed(err error) (<-chan string, <-chan error) {
	tokens := make(chan string)
	errs := make(chan error, 1)
	errs <- err
	close(tokens)
	close(errs)
	return tokens, errs
}

// send delivers a token unless ctx is done first.
func send(ctx context.Context, tokens chan<- string, token string) bool {
	select {
	case tokens <- token:
		return true
	case <-ctx.Done():
		return false
	}
}
