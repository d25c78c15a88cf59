package embedding

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockClient_Deterministic(t *testing.T) {
	mock := NewMockClient(384)
	ctx := context.Background()

	a, err := mock.EmbedSingle(ctx, "provenance tracking engine")
	require.NoError(t, err)
	b, err := mock.EmbedSingle(ctx, "provenance tracking engine")
	require.NoError(t, err)
	c, err := mock.EmbedSingle(ctx, "something else entirely")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 384)
}

func TestMockClient_Normalized(t *testing.T) {
	mock := NewMockClient(64)
	vecs, err := mock.Embed(context.Background(), []string{"some text to embed"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)

	var sum float64
	for _, x := range vecs[0] {
		sum += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 0.001)
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Config{Model: "m", Dimension: 384})
	assert.Error(t, err) // missing base URL

	_, err = NewClient(Config{BaseURL: "http://localhost", Dimension: 384})
	assert.Error(t, err) // missing model

	c, err := NewClient(Config{BaseURL: "http://localhost", Model: "m", Dimension: 384})
	require.NoError(t, err)
	assert.Equal(t, 384, c.Dimension())
	assert.Equal(t, "m", c.Model())
}
