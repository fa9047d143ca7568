// Package embeddings implements pluggable embedding providers and the
// batch worker that drains the embedding_queue (spec.md §4.D): a
// deterministic local hash provider for development, and a remote
// OpenAI-compatible REST provider for production, selected by
// config.Config.EmbeddingModel ("<provider>:<model>").
package embeddings

import (
	"context"
	"crypto/sha512"
	"encoding/binary"
	"math"
)

// Provider generates embedding vectors from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
	Dimensions() int
}

// LocalProvider is a deterministic, dependency-free hash-based embedder:
// the same text always maps to the same unit-normalized vector. Good for
// development and tests, useless for real semantic search since it has no
// learned representation.
type LocalProvider struct {
	dims int
}

// NewLocalProvider builds a LocalProvider producing vectors of dims floats.
func NewLocalProvider(dims int) *LocalProvider {
	if dims <= 0 {
		dims = 1536
	}
	return &LocalProvider{dims: dims}
}

func (p *LocalProvider) Name() string    { return "local" }
func (p *LocalProvider) Dimensions() int { return p.dims }

func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.hashEmbed(t)
	}
	return out, nil
}

// hashEmbed expands a chained SHA-512 hash into p.dims floats in [-1, 1],
// then L2-normalizes so cosine similarity is meaningful.
func (p *LocalProvider) hashEmbed(text string) []float32 {
	raw := make([]float32, 0, p.dims)
	seed := []byte(text)
	for len(raw) < p.dims {
		sum := sha512.Sum512(seed)
		seed = sum[:]
		for i := 0; i+2 <= len(sum) && len(raw) < p.dims; i += 2 {
			v := binary.LittleEndian.Uint16(sum[i : i+2])
			raw = append(raw, float32(v)/32767.5-1.0)
		}
	}

	var sumSq float64
	for _, v := range raw {
		sumSq += float64(v) * float64(v)
	}
	norm := math.Sqrt(sumSq)
	if norm > 0 {
		for i, v := range raw {
			raw[i] = float32(float64(v) / norm)
		}
	}
	return raw
}
