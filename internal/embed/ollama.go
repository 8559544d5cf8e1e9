package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// OllamaConfig configures the Ollama-backed embedder.
type OllamaConfig struct {
	// Host is the Ollama API endpoint (default: http://localhost:11434).
	Host string

	// Model is the embedding model name.
	Model string

	// Dimensions is the fixed embedding width. Vectors of any other width
	// returned by the backend are rejected.
	Dimensions int

	// BatchSize is the number of texts per /api/embed request.
	BatchSize int

	// Timeout bounds a single request.
	Timeout time.Duration

	// MaxRetries is the number of attempts per batch.
	MaxRetries int
}

// OllamaEmbedder generates embeddings through Ollama's HTTP API.
// The API itself runs model inference off-process, so calls here are pure
// I/O and safe to issue from request goroutines.
type OllamaEmbedder struct {
	client *http.Client
	config OllamaConfig

	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*OllamaEmbedder)(nil)

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// NewOllamaEmbedder creates an Ollama embedder, applying defaults for unset
// configuration fields.
func NewOllamaEmbedder(cfg OllamaConfig) *OllamaEmbedder {
	if cfg.Host == "" {
		cfg.Host = "http://localhost:11434"
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultDimensions
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	return &OllamaEmbedder{
		// Timeout is applied per request via context, not on the client,
		// so a caller's shorter deadline still wins.
		client: &http.Client{},
		config: cfg,
	}
}

// Embed generates the embedding for a single text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for texts, mini-batching by BatchSize.
// Blank texts embed to the zero vector without a round trip.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, fmt.Errorf("embedder is closed")
	}
	e.mu.RUnlock()

	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	type indexedText struct {
		idx  int
		text string
	}
	var nonEmpty []indexedText
	results := make([][]float32, len(texts))

	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			results[i] = make([]float32, e.config.Dimensions)
		} else {
			nonEmpty = append(nonEmpty, indexedText{i, text})
		}
	}

	for start := 0; start < len(nonEmpty); start += e.config.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		end := min(start+e.config.BatchSize, len(nonEmpty))
		batch := nonEmpty[start:end]
		batchTexts := make([]string, len(batch))
		for i, it := range batch {
			batchTexts[i] = it.text
		}

		vectors, err := e.embedWithRetry(ctx, batchTexts)
		if err != nil {
			return nil, fmt.Errorf("embed batch [%d:%d]: %w", start, end, err)
		}
		for i, vec := range vectors {
			results[batch[i].idx] = vec
		}
	}

	return results, nil
}

// embedWithRetry performs one batch request with exponential backoff.
func (e *OllamaEmbedder) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error

	for attempt := 0; attempt < e.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(100<<attempt) * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			slog.Debug("embedding_retry",
				slog.Int("attempt", attempt+1),
				slog.Int("texts", len(texts)),
				slog.String("error", lastErr.Error()))
		}

		reqCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
		vectors, err := e.doEmbed(reqCtx, texts)
		cancel()

		if err == nil {
			return vectors, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("failed after %d attempts: %w", e.config.MaxRetries, lastErr)
}

// doEmbed performs a single /api/embed request.
func (e *OllamaEmbedder) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	var input any
	if len(texts) == 1 {
		input = texts[0]
	} else {
		input = texts
	}

	body, err := json.Marshal(ollamaEmbedRequest{Model: e.config.Model, Input: input})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.Host+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(result.Embeddings))
	}

	vectors := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		if len(emb) != e.config.Dimensions {
			return nil, fmt.Errorf("dimension mismatch: expected %d, got %d", e.config.Dimensions, len(emb))
		}
		vec := make([]float32, len(emb))
		for j, v := range emb {
			vec[j] = float32(v)
		}
		vectors[i] = normalizeVector(vec)
	}
	return vectors, nil
}

// Dimensions returns the embedding dimension.
func (e *OllamaEmbedder) Dimensions() int {
	return e.config.Dimensions
}

// ModelName returns the model identifier.
func (e *OllamaEmbedder) ModelName() string {
	return e.config.Model
}

// Close releases resources.
func (e *OllamaEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	e.client.CloseIdleConnections()
	return nil
}
