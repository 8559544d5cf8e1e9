package gen

import (
	"context"
	"log/slog"
	"time"
)

// HyDE expansion parameters. The hypothetical answer is kept short; it only
// needs to look like the document text being searched for.
const (
	// DefaultHyDETimeout bounds one expansion attempt.
	DefaultHyDETimeout = 60 * time.Second

	hydeNumPredict = 160
)

const hydePrompt = "Write a short hypothetical answer that would likely appear in a document. " +
	"Do not mention that this is hypothetical. Keep it concise.\n\nQuestion: "

// Expander rewrites a question into a retrieval-friendlier query.
type Expander struct {
	generator Generator
	enabled   bool
	timeout   time.Duration
}

// NewExpander creates a HyDE expander. When disabled, Expand passes the
// question through untouched. A non-positive timeout uses the default.
func NewExpander(g Generator, enabled bool, timeout time.Duration) *Expander {
	if timeout <= 0 {
		timeout = DefaultHyDETimeout
	}
	return &Expander{generator: g, enabled: enabled, timeout: timeout}
}

// Expand appends a hypothetical answer to the question for retrieval.
// Expansion fails open: any generation error returns the original question,
// never an error, because retrieval on the raw question still works.
func (e *Expander) Expand(ctx context.Context, question string) string {
	if !e.enabled {
		return question
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	hypothetical, err := e.generator.Chat(timeoutCtx, "", hydePrompt+question,
		map[string]any{"num_predict": hydeNumPredict})
	if err != nil || hypothetical == "" {
		if err != nil {
			slog.Debug("hyde_expansion_failed", slog.String("error", err.Error()))
		}
		return question
	}
	return question + "\n\n" + hypothetical
}
