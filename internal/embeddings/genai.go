package embeddings

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// GenAIConfig configures the Gemini embedding provider.
type GenAIConfig struct {
	APIKey string
	// Model defaults to gemini-embedding-001.
	Model string
	// Dimensions is the requested output size. Zero means 768.
	Dimensions int
}

const defaultGenAIDimensions = 768

// GenAIProvider generates embeddings with Google's Gemini API.
type GenAIProvider struct {
	client     *genai.Client
	model      string
	dimensions int
	metrics    *callMetrics
}

// NewGenAIProvider creates a Gemini embedding client.
func NewGenAIProvider(ctx context.Context, cfg GenAIConfig, logger *zap.Logger) (*GenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: genai API key is required", ErrInvalidConfig)
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-embedding-001"
	}
	if cfg.Dimensions < 0 {
		return nil, fmt.Errorf("%w: dimensions must not be negative", ErrInvalidConfig)
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = defaultGenAIDimensions
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return &GenAIProvider{
		client:     client,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		metrics:    newCallMetrics("genai", cfg.Model, logger),
	}, nil
}

// EmbedDocuments embeds texts in one batched call.
func (p *GenAIProvider) EmbedDocuments(ctx context.Context, texts []string) (vectors [][]float32, err error) {
	defer func(start time.Time) { p.metrics.observe(ctx, "embed_documents", start, len(texts), err) }(time.Now())

	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	return p.embed(ctx, texts, "RETRIEVAL_DOCUMENT")
}

// EmbedQuery embeds a single query.
func (p *GenAIProvider) EmbedQuery(ctx context.Context, text string) (vector []float32, err error) {
	defer func(start time.Time) { p.metrics.observe(ctx, "embed_query", start, 1, err) }(time.Now())

	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	vectors, err := p.embed(ctx, []string{text}, "RETRIEVAL_QUERY")
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (p *GenAIProvider) embed(ctx context.Context, texts []string, task string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	result, err := p.client.Models.EmbedContent(ctx, p.model, contents, p.embedConfig(task))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d texts", ErrEmbeddingFailed, len(result.Embeddings), len(texts))
	}

	vectors := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		vectors[i] = emb.Values
	}
	return vectors, nil
}

// embedConfig pins the output size so vectors match Dimension; the model
// default for gemini-embedding-001 is 3072.
func (p *GenAIProvider) embedConfig(task string) *genai.EmbedContentConfig {
	dims := int32(p.dimensions)
	return &genai.EmbedContentConfig{
		TaskType:             task,
		OutputDimensionality: &dims,
	}
}

// Dimension returns the configured output size.
func (p *GenAIProvider) Dimension() int {
	return p.dimensions
}

// Close is a no-op; the genai client holds no persistent connection.
func (p *GenAIProvider) Close() error {
	return nil
}
