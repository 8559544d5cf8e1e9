// Package rerank scores retrieval candidates against the user's question
// with a cross-encoder. Cross-encoders jointly encode query-document pairs
// for more accurate relevance scoring than bi-encoders, at higher cost per
// pair, so only a small fused pool is reranked.
package rerank

import (
	"context"
	"sort"
)

// Result is a single reranked candidate.
type Result struct {
	// Index is the original position in the input documents slice.
	Index int
	// Score is the relevance score, higher is more relevant.
	Score float64
}

// Reranker reorders candidate texts by relevance to a query.
type Reranker interface {
	// Rerank scores documents against the query and returns results sorted
	// by score descending. Equal scores keep input order. topK limits the
	// result when positive; zero returns all.
	Rerank(ctx context.Context, query string, documents []string, topK int) ([]Result, error)

	// Close releases resources.
	Close() error
}

// sortAndTrim orders results by score descending with stable ties and
// applies the topK cut.
func sortAndTrim(results []Result, topK int) []Result {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if topK > 0 && topK < len(results) {
		results = results[:topK]
	}
	return results
}

// NoOpReranker keeps candidates in their incoming order. Used when the
// reranking service is disabled or unreachable.
type NoOpReranker struct{}

var _ Reranker = (*NoOpReranker)(nil)

// Rerank returns documents in original order with decreasing scores.
func (n *NoOpReranker) Rerank(_ context.Context, _ string, documents []string, topK int) ([]Result, error) {
	results := make([]Result, len(documents))
	for i := range documents {
		results[i] = Result{Index: i, Score: 1.0 - float64(i)*0.01}
	}
	return sortAndTrim(results, topK), nil
}

// Close is a no-op.
func (n *NoOpReranker) Close() error {
	return nil
}
