package embedding

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

func TestHashEmbedder(t *testing.T) {
	e := NewHashEmbedder(0)
	assert.Equal(t, 256, e.Dimensions())
	assert.Equal(t, "hash", e.Name())

	vecs, err := e.Embed(context.Background(), []string{
		"The deploy target is eu-west-1",
		"deploy target: EU-WEST-1!",
		"bananas are yellow",
		"",
	})
	require.NoError(t, err)
	require.Len(t, vecs, 4)

	var norm float64
	for _, v := range vecs[0] {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)

	assert.Greater(t, cosine(vecs[0], vecs[1]), 0.6)
	assert.Less(t, cosine(vecs[0], vecs[2]), 0.5)
	assert.Zero(t, cosine(vecs[3], vecs[3]), "empty text embeds to the zero vector")

	again, err := e.Embed(context.Background(), []string{"bananas are yellow"})
	require.NoError(t, err)
	assert.Equal(t, vecs[2], again[0])
}

func TestHashEmbedder_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHashEmbedder(8).Embed(ctx, []string{"x"})
	assert.ErrorIs(t, err, context.Canceled)
}
