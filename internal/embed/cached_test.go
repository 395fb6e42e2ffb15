package embed

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingEmbedder counts how many times Embed is invoked, so tests can
// assert on cache hits without depending on HashEmbedder's own behavior.
type countingEmbedder struct {
	calls int
	vec   []float32
	err   error
}

func (c *countingEmbedder) Embed(text string) ([]float32, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.vec, nil
}
func (c *countingEmbedder) Dimension() int    { return len(c.vec) }
func (c *countingEmbedder) BackendID() string { return "counting-v1" }

func TestCachedEmbedder_Embed_CachesRepeatedText(t *testing.T) {
	inner := &countingEmbedder{vec: []float32{1, 0, 0}}
	cached := NewCachedEmbedder(inner, 10)

	first, err := cached.Embed("repeat me")
	require.NoError(t, err)
	second, err := cached.Embed("repeat me")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.calls)
}

func TestCachedEmbedder_Embed_DistinctTextMisses(t *testing.T) {
	inner := &countingEmbedder{vec: []float32{0, 1, 0}}
	cached := NewCachedEmbedder(inner, 10)

	_, err := cached.Embed("first")
	require.NoError(t, err)
	_, err = cached.Embed("second")
	require.NoError(t, err)

	assert.Equal(t, 2, inner.calls)
}

func TestCachedEmbedder_Embed_PropagatesInnerError(t *testing.T) {
	inner := &countingEmbedder{err: errors.New("backend unavailable")}
	cached := NewCachedEmbedder(inner, 10)

	_, err := cached.Embed("text")
	require.Error(t, err)
}

func TestCachedEmbedder_PassesThroughIdentity(t *testing.T) {
	inner := &countingEmbedder{vec: []float32{1, 2, 3}}
	cached := NewCachedEmbedder(inner, 10)

	assert.Equal(t, inner.Dimension(), cached.Dimension())
	assert.Equal(t, inner.BackendID(), cached.BackendID())
	assert.Same(t, inner, cached.Inner())
}
