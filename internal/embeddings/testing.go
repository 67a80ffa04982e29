package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"sync"

	"github.com/fyrsmithlabs/reflectd/internal/textutil"
)

// HashEmbedder is a deterministic bag-of-words embedder for tests. Texts
// sharing words get proportionally similar vectors.
type HashEmbedder struct {
	dim int

	mu    sync.Mutex
	calls int
	err   error
}

// NewHashEmbedder creates a HashEmbedder producing dim-sized vectors.
func NewHashEmbedder(dim int) *HashEmbedder {
	return &HashEmbedder{dim: dim}
}

// FailWith makes subsequent calls return err (nil restores success).
func (e *HashEmbedder) FailWith(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

// Calls returns how many embedding calls were made.
func (e *HashEmbedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *HashEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	if err := e.record(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *HashEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if err := e.record(); err != nil {
		return nil, err
	}
	return e.vector(text), nil
}

func (e *HashEmbedder) Dimension() int { return e.dim }

func (e *HashEmbedder) Close() error { return nil }

func (e *HashEmbedder) record() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return e.err
}

func (e *HashEmbedder) vector(text string) []float32 {
	v := make([]float32, e.dim)
	for _, tok := range textutil.Tokens(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		v[h.Sum32()%uint32(e.dim)]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		// Non-zero so cosine-based stores can normalise it.
		v[0] = 1
		return v
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}
