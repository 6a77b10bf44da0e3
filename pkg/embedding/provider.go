// Package embedding provides the text-to-vector service used by the
// semantic matcher: a provider abstraction, a deterministic local model,
// and a concurrent LRU cache keyed by content hash.
package embedding

import (
	"context"
	"errors"
	"math"
)

// Dimensions is the embedding width the engine is built around.
const Dimensions = 384

// ErrProviderFailed indicates the underlying model failed. Embedding
// failures are fatal for the calling operation; there is no silent
// degradation to a zero vector.
var ErrProviderFailed = errors.New("embedding provider failed")

// Provider encodes text into a vector. Implementations must be
// deterministic: identical input produces identical output.
type Provider interface {
	// Embed returns the vector for text. The result has Dimensions
	// elements and unit L2 norm so cosine similarity reduces to a dot
	// product.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Name identifies the provider in logs and health reports.
	Name() string
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Inputs from Provider implementations are unit-normalized, but the full
// formula is used so raw vectors compare correctly too.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if sim > 1 {
		sim = 1
	}
	if sim < -1 {
		sim = -1
	}
	return sim
}
