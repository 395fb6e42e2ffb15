package embed

import (
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedEmbedder wraps an Embedder with LRU caching so repeated queries
// (spec §4.G's query normalization can surface the same text many times)
// skip recomputation. Grounded on the teacher's CachedEmbedder, adapted to
// the synchronous, context-free Embedder interface used here.
type CachedEmbedder struct {
	inner Embedder
	cache *lru.Cache[string, []float32]
}

// NewCachedEmbedder wraps inner with an LRU cache of the given size,
// defaulting to DefaultCacheSize when size <= 0.
func NewCachedEmbedder(inner Embedder, size int) *CachedEmbedder {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, _ := lru.New[string, []float32](size)
	return &CachedEmbedder{inner: inner, cache: cache}
}

func (c *CachedEmbedder) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(c.inner.BackendID() + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// Embed implements Embedder.
func (c *CachedEmbedder) Embed(text string) ([]float32, error) {
	key := c.cacheKey(text)
	if vec, ok := c.cache.Get(key); ok {
		return vec, nil
	}
	vec, err := c.inner.Embed(text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, vec)
	return vec, nil
}

// Dimension implements Embedder.
func (c *CachedEmbedder) Dimension() int { return c.inner.Dimension() }

// BackendID implements Embedder.
func (c *CachedEmbedder) BackendID() string { return c.inner.BackendID() }

// Inner returns the wrapped Embedder, for callers needing backend-specific
// behavior not exposed by the Embedder interface.
func (c *CachedEmbedder) Inner() Embedder { return c.inner }
