package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"github.com/locimem/loci/internal/models"
)

// Stub is a deterministic, model-free Provider for tests: each word hashes
// to a vocabulary bucket, giving texts with shared words high cosine
// similarity and unrelated texts near-orthogonal vectors.
type Stub struct{}

func (Stub) Dimensions() int { return models.EmbeddingDim }

func (s Stub) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, models.EmbeddingDim)
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		v[0] = 1
		return v, nil
	}
	for _, word := range words {
		h := fnv.New32a()
		h.Write([]byte(strings.Trim(word, ".,!?;:\"'")))
		v[h.Sum32()%models.EmbeddingDim] += 1
	}
	var sum float32
	for _, x := range v {
		sum += x * x
	}
	norm := float32(math.Sqrt(float64(sum)))
	for i := range v {
		v[i] /= norm
	}
	return v, nil
}

func (s Stub) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Unavailable is a Provider for read-only paths that must never embed:
// every call fails with models.ErrModelUnavailable.
type Unavailable struct{}

func (Unavailable) Dimensions() int { return models.EmbeddingDim }

func (Unavailable) Embed(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("%w: embedder not loaded", models.ErrModelUnavailable)
}

func (Unavailable) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, fmt.Errorf("%w: embedder not loaded", models.ErrModelUnavailable)
}
