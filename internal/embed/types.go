// Package embed generates dense vector embeddings for chunk and query text.
//
// A deployment runs exactly one embedding model; its name is recorded on
// every stored vector so stale embeddings are detectable after a model
// change.
package embed

import (
	"context"
	"math"
	"time"
)

// Embedding constants.
const (
	// DefaultDimensions is the reference embedding width (all-MiniLM family).
	DefaultDimensions = 384

	// DefaultBatchSize is the number of texts per embedding request.
	DefaultBatchSize = 64

	// DefaultTimeout bounds a single embedding HTTP request.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxRetries is the number of attempts per batch.
	DefaultMaxRetries = 3
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts. The result has
	// exactly one vector per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier recorded on stored vectors.
	ModelName() string

	// Close releases resources.
	Close() error
}

// normalizeVector normalizes a vector to unit length.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
