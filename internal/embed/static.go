package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"
	"unicode"
)

// StaticEmbedder generates embeddings with a hash-based scheme. It needs no
// network and no model download, so it serves tests and offline deployments.
// Semantic quality is far below a real model; retrieval still works on
// lexical overlap.
type StaticEmbedder struct {
	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*StaticEmbedder)(nil)

// proseStopWords contains high-frequency English words carrying little
// retrieval signal.
var proseStopWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true,
	"of": true, "in": true, "on": true, "at": true, "to": true,
	"is": true, "are": true, "was": true, "were": true, "be": true,
	"it": true, "this": true, "that": true, "with": true, "for": true,
	"as": true, "by": true, "from": true, "not": true, "but": true,
}

// Weights for vector generation.
const (
	tokenWeight = 0.7
	ngramWeight = 0.3
	ngramSize   = 3
)

// tokenRegex matches alphanumeric sequences.
var tokenRegex = regexp.MustCompile(`[a-zA-Z0-9]+`)

// NewStaticEmbedder creates a new static embedder.
func NewStaticEmbedder() *StaticEmbedder {
	return &StaticEmbedder{}
}

// Embed generates the embedding for a single text.
func (e *StaticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, fmt.Errorf("embedder is closed")
	}
	e.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return make([]float32, DefaultDimensions), nil
	}

	return normalizeVector(e.generateVector(trimmed)), nil
}

// EmbedBatch generates embeddings for multiple texts.
func (e *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		results[i] = vec
	}
	return results, nil
}

// generateVector creates a hash-based vector from text. Tokens carry most of
// the weight; character trigrams add robustness to inflection and typos.
func (e *StaticEmbedder) generateVector(text string) []float32 {
	vector := make([]float32, DefaultDimensions)

	for _, token := range tokenize(text) {
		vector[hashToIndex(token, DefaultDimensions)] += tokenWeight
	}

	normalized := normalizeForNgrams(text)
	for _, ngram := range extractNgrams(normalized, ngramSize) {
		vector[hashToIndex(ngram, DefaultDimensions)] += ngramWeight
	}

	return vector
}

// tokenize lowercases, splits on non-alphanumerics, and drops stop words.
func tokenize(text string) []string {
	var tokens []string
	for _, word := range tokenRegex.FindAllString(text, -1) {
		lower := strings.ToLower(word)
		if lower != "" && !proseStopWords[lower] {
			tokens = append(tokens, lower)
		}
	}
	return tokens
}

// normalizeForNgrams prepares text for n-gram extraction.
func normalizeForNgrams(text string) string {
	var result strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// extractNgrams extracts n-character sliding windows.
func extractNgrams(text string, n int) []string {
	if len(text) < n {
		return []string{}
	}
	ngrams := make([]string, 0, len(text)-n+1)
	for i := 0; i <= len(text)-n; i++ {
		ngrams = append(ngrams, text[i:i+n])
	}
	return ngrams
}

// hashToIndex uses FNV-64 to map a string to a vector index.
func hashToIndex(s string, size int) int {
	h := fnv.New64()
	_, _ = h.Write([]byte(s))
	return int(h.Sum64() % uint64(size))
}

// Dimensions returns the embedding dimension.
func (e *StaticEmbedder) Dimensions() int {
	return DefaultDimensions
}

// ModelName returns the model identifier.
func (e *StaticEmbedder) ModelName() string {
	return "static"
}

// Close releases resources.
func (e *StaticEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
