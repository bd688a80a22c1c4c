// Package embedding turns text into unit-length 384-dimensional vectors
// using a locally loaded all-MiniLM-L6-v2 model.
package embedding

import (
	"context"
	"math"

	"github.com/locimem/loci/internal/models"
)

// Provider embeds text into L2-normalized vectors of models.EmbeddingDim
// dimensions. Implementations are safe for concurrent use; the local ONNX
// session serializes callers internally.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch embeds several texts in one pass. Used by maintenance and
	// bulk re-index paths.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// L2Normalize scales v to unit length. A zero vector is returned unchanged.
func L2Normalize(v []float32) []float32 {
	var sum float32
	for _, x := range v {
		sum += x * x
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(float64(sum)))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

// Cosine returns the cosine similarity of two vectors.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// CosineToL2 converts a cosine-similarity threshold to the equivalent
// Euclidean distance for unit vectors: L2² = 2 − 2·cos.
func CosineToL2(cosine float64) float64 {
	d := 2 - 2*cosine
	if d < 0 {
		d = 0
	}
	return math.Sqrt(d)
}

// Mean returns the re-normalized mean of several unit vectors.
func Mean(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return make([]float32, models.EmbeddingDim)
	}
	sum := make([]float32, len(vectors[0]))
	for _, v := range vectors {
		for i, x := range v {
			sum[i] += x
		}
	}
	n := float32(len(vectors))
	for i := range sum {
		sum[i] /= n
	}
	return L2Normalize(sum)
}
