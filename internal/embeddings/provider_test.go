package embeddings

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalProviderDefaultsDimensions(t *testing.T) {
	p := NewLocalProvider(0)
	assert.Equal(t, 1536, p.Dimensions())

	p = NewLocalProvider(-5)
	assert.Equal(t, 1536, p.Dimensions())

	p = NewLocalProvider(64)
	assert.Equal(t, 64, p.Dimensions())
}

func TestLocalProviderIsDeterministic(t *testing.T) {
	p := NewLocalProvider(64)
	ctx := context.Background()

	v1, err := p.Embed(ctx, []string{"hello world"})
	require.NoError(t, err)
	v2, err := p.Embed(ctx, []string{"hello world"})
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
}

func TestLocalProviderDistinguishesInputs(t *testing.T) {
	p := NewLocalProvider(64)
	ctx := context.Background()

	out, err := p.Embed(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.NotEqual(t, out[0], out[1])
}

func TestLocalProviderVectorsAreUnitNormalized(t *testing.T) {
	p := NewLocalProvider(128)
	ctx := context.Background()

	out, err := p.Embed(ctx, []string{"normalize me"})
	require.NoError(t, err)
	require.Len(t, out, 1)

	var sumSq float64
	for _, v := range out[0] {
		sumSq += float64(v) * float64(v)
	}
	norm := math.Sqrt(sumSq)
	assert.InDelta(t, 1.0, norm, 1e-3)
}

func TestLocalProviderProducesExactDimensionCount(t *testing.T) {
	p := NewLocalProvider(777)
	ctx := context.Background()

	out, err := p.Embed(ctx, []string{"x"})
	require.NoError(t, err)
	assert.Len(t, out[0], 777)
}

func TestLocalProviderName(t *testing.T) {
	p := NewLocalProvider(16)
	assert.Equal(t, "local", p.Name())
}

func TestLocalProviderHandlesEmptyInput(t *testing.T) {
	p := NewLocalProvider(16)
	out, err := p.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}
