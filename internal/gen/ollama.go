// Package gen turns retrieved context passages into a grounded answer with
// citations. Generation goes through Ollama's chat API; the model is
// instructed to cite passages with [P<i>] markers which are parsed back
// into structured citations.
package gen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Generator defaults.
const (
	DefaultHost    = "http://localhost:11434"
	DefaultTimeout = 300 * time.Second
)

// OllamaConfig configures the chat-completion client.
type OllamaConfig struct {
	// Host is the Ollama API endpoint.
	Host string

	// Model is the chat model name.
	Model string

	// Timeout bounds a single chat request. Answer generation over long
	// contexts on local hardware can take minutes.
	Timeout time.Duration
}

// OllamaGenerator produces chat completions via Ollama's /api/chat.
type OllamaGenerator struct {
	client *http.Client
	config OllamaConfig
}

var _ Generator = (*OllamaGenerator)(nil)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

// NewOllamaGenerator creates a chat client, applying defaults for unset
// configuration fields.
func NewOllamaGenerator(cfg OllamaConfig) *OllamaGenerator {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &OllamaGenerator{client: &http.Client{}, config: cfg}
}

// Chat sends messages and returns the assistant's reply content.
func (g *OllamaGenerator) Chat(ctx context.Context, system, user string, options map[string]any) (string, error) {
	messages := make([]chatMessage, 0, 2)
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: user})

	body, err := json.Marshal(chatRequest{
		Model:    g.config.Model,
		Messages: messages,
		Stream:   false,
		Options:  options,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, g.config.Host+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("chat failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	return strings.TrimSpace(result.Message.Content), nil
}
