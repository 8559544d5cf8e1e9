package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultEmbeddingCacheSize is the default number of cached embeddings.
// At 384 dimensions * 4 bytes * 2048 entries that is about 3MB.
const DefaultEmbeddingCacheSize = 2048

// CachedEmbedder wraps an Embedder with an LRU cache so repeated texts
// (re-ingested chunks, repeated queries) skip the embedding round trip.
type CachedEmbedder struct {
	inner Embedder
	cache *lru.Cache[string, []float32]
}

var _ Embedder = (*CachedEmbedder)(nil)

// NewCachedEmbedder creates a cached embedder wrapping inner. A non-positive
// cacheSize falls back to DefaultEmbeddingCacheSize.
func NewCachedEmbedder(inner Embedder, cacheSize int) *CachedEmbedder {
	if cacheSize <= 0 {
		cacheSize = DefaultEmbeddingCacheSize
	}
	cache, _ := lru.New[string, []float32](cacheSize)
	return &CachedEmbedder{inner: inner, cache: cache}
}

// cacheKey derives a fixed-length key from text and model so a model change
// never serves stale vectors.
func (c *CachedEmbedder) cacheKey(text string) string {
	hash := sha256.Sum256([]byte(text + "\x00" + c.inner.ModelName()))
	return hex.EncodeToString(hash[:])
}

// Embed returns a cached embedding if available, otherwise computes and caches.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.cacheKey(text)
	if vec, ok := c.cache.Get(key); ok {
		return vec, nil
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, vec)
	return vec, nil
}

// EmbedBatch embeds texts, sending only cache misses to the inner embedder.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	uncachedIndices := make([]int, 0, len(texts))
	uncachedTexts := make([]string, 0, len(texts))

	for i, text := range texts {
		if vec, ok := c.cache.Get(c.cacheKey(text)); ok {
			results[i] = vec
		} else {
			uncachedIndices = append(uncachedIndices, i)
			uncachedTexts = append(uncachedTexts, text)
		}
	}

	if len(uncachedTexts) == 0 {
		return results, nil
	}

	newEmbeddings, err := c.inner.EmbedBatch(ctx, uncachedTexts)
	if err != nil {
		return nil, err
	}

	for j, idx := range uncachedIndices {
		results[idx] = newEmbeddings[j]
		c.cache.Add(c.cacheKey(texts[idx]), newEmbeddings[j])
	}

	return results, nil
}

// Dimensions returns the embedding dimension of the inner embedder.
func (c *CachedEmbedder) Dimensions() int {
	return c.inner.Dimensions()
}

// ModelName returns the model identifier of the inner embedder.
func (c *CachedEmbedder) ModelName() string {
	return c.inner.ModelName()
}

// Close closes the inner embedder.
func (c *CachedEmbedder) Close() error {
	return c.inner.Close()
}
