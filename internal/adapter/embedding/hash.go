package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"agentd/internal/domain"
)

const defaultHashDimensions = 256

// HashEmbedder maps text to a normalized bag-of-words vector by feature
// hashing. It needs no network, so similarity only reflects shared words.
type HashEmbedder struct {
	dims int
}

var _ domain.EmbeddingProvider = (*HashEmbedder)(nil)

// NewHashEmbedder creates a hashing embedder; dims <= 0 selects 256.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = defaultHashDimensions
	}
	return &HashEmbedder{dims: dims}
}

// Embed implements domain.EmbeddingProvider.
func (e *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *HashEmbedder) vector(text string) []float32 {
	vec := make([]float32, e.dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		h := fnv.New64a()
		h.Write([]byte(w))
		sum := h.Sum64()
		sign := float32(1)
		if sum>>63 == 1 {
			sign = -1
		}
		vec[sum%uint64(e.dims)] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

// Dimensions implements domain.EmbeddingProvider.
func (e *HashEmbedder) Dimensions() int { return e.dims }

// Name implements domain.EmbeddingProvider.
func (e *HashEmbedder) Name() string { return "hash" }
