package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// HTTP reranker defaults.
const (
	DefaultEndpoint = "http://localhost:9659"
	DefaultModel    = "cross-encoder/ms-marco-MiniLM-L-6-v2"
	DefaultTimeout  = 30 * time.Second
)

// HTTPConfig configures the HTTP cross-encoder client.
type HTTPConfig struct {
	// Endpoint is the reranking server URL.
	Endpoint string

	// Model is the cross-encoder model name.
	Model string

	// Timeout bounds a single rerank request.
	Timeout time.Duration
}

// HTTPReranker calls an external cross-encoder service over HTTP.
// The service scores (query, document) pairs; ordering is enforced
// client-side so a permissive server cannot break the sorted contract.
type HTTPReranker struct {
	client *http.Client
	config HTTPConfig

	mu     sync.RWMutex
	closed bool
}

var _ Reranker = (*HTTPReranker)(nil)

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model,omitempty"`
	TopK      int      `json:"top_k,omitempty"`
}

type rerankResponse struct {
	Results []struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	} `json:"results"`
}

// NewHTTPReranker creates an HTTP reranker, applying defaults for unset
// configuration fields.
func NewHTTPReranker(cfg HTTPConfig) *HTTPReranker {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &HTTPReranker{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		config: cfg,
	}
}

// Rerank scores documents against the query via the /rerank endpoint.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, documents []string, topK int) ([]Result, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, fmt.Errorf("reranker is closed")
	}
	r.mu.RUnlock()

	if len(documents) == 0 {
		return []Result{}, nil
	}

	start := time.Now()

	reqBody := rerankRequest{Query: query, Documents: documents, Model: r.config.Model}
	if topK > 0 {
		reqBody.TopK = topK
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, r.config.Endpoint+"/rerank", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rerank failed (status %d): %s", resp.StatusCode, string(body))
	}

	var result rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}

	results := make([]Result, 0, len(result.Results))
	for _, item := range result.Results {
		if item.Index < 0 || item.Index >= len(documents) {
			return nil, fmt.Errorf("rerank response references index %d out of %d documents", item.Index, len(documents))
		}
		results = append(results, Result{Index: item.Index, Score: item.Score})
	}

	slog.Debug("rerank_completed",
		slog.Int("doc_count", len(documents)),
		slog.Int("result_count", len(results)),
		slog.Duration("elapsed", time.Since(start)))

	return sortAndTrim(results, topK), nil
}

// Close releases resources.
func (r *HTTPReranker) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	if transport, ok := r.client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
	return nil
}
