package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// LocalProvider is a deterministic bag-of-tokens embedder. Each token is
// hashed into a fixed bucket of the vector and the result is
// L2-normalized, so texts sharing tokens have positive cosine similarity.
// It needs no external model, which makes it the default for tests and
// air-gapped deployments; production wires a real model behind the same
// Provider interface.
type LocalProvider struct {
	dims int
}

// NewLocalProvider creates a LocalProvider producing Dimensions-wide vectors.
func NewLocalProvider() *LocalProvider {
	return &LocalProvider{dims: Dimensions}
}

// Name implements Provider.
func (p *LocalProvider) Name() string { return "local-hash" }

// Embed implements Provider.
func (p *LocalProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, p.dims)
	for _, tok := range Tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		vec[int(h.Sum32())%p.dims]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// Empty input embeds to a fixed unit vector rather than zero, so
		// cosine stays well defined.
		vec[0] = 1
		return vec, nil
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec, nil
}

// Tokenize lowercases text and splits on non-alphanumeric runes. Shared
// with the keyword index so both score the same token stream.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
