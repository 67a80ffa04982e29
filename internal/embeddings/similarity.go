package embeddings

import (
	"context"
	"fmt"
	"math"

	"github.com/fyrsmithlabs/reflectd/internal/textutil"
)

// Similarity scores how alike two texts are, in [0,1] for typical inputs.
type Similarity interface {
	Similarity(ctx context.Context, a, b string) (float64, error)
}

// NewSimilarity returns a cosine similarity over embedder vectors, or a token
// overlap score when embedder is nil.
func NewSimilarity(embedder Embedder) Similarity {
	if embedder == nil {
		return TokenSimilarity{}
	}
	return &VectorSimilarity{embedder: embedder}
}

// VectorSimilarity embeds both texts in one call and compares them by cosine.
type VectorSimilarity struct {
	embedder Embedder
}

// Similarity implements Similarity.
func (s *VectorSimilarity) Similarity(ctx context.Context, a, b string) (float64, error) {
	vectors, err := s.embedder.EmbedDocuments(ctx, []string{a, b})
	if err != nil {
		return 0, err
	}
	if len(vectors) != 2 {
		return 0, fmt.Errorf("%w: got %d vectors for 2 texts", ErrEmbeddingFailed, len(vectors))
	}
	return Cosine(vectors[0], vectors[1]), nil
}

// TokenSimilarity is the Jaccard index of the two texts' word sets.
type TokenSimilarity struct{}

// Similarity implements Similarity.
func (TokenSimilarity) Similarity(_ context.Context, a, b string) (float64, error) {
	sa, sb := textutil.TokenSet(a), textutil.TokenSet(b)
	if len(sa) == 0 && len(sb) == 0 {
		return 1, nil
	}
	var inter int
	for tok := range sa {
		if _, ok := sb[tok]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	return float64(inter) / float64(union), nil
}

// Cosine computes cosine similarity between two vectors. Mismatched or zero
// vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
