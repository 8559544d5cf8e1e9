// Package query runs the retrieval and answer pipeline: optional HyDE
// expansion, parallel lexical and vector retrieval, reciprocal rank fusion,
// cross-encoder reranking, small-to-big parent expansion, and grounded
// generation with citations.
package query

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"docsearch/internal/embed"
	"docsearch/internal/errors"
	"docsearch/internal/gen"
	"docsearch/internal/rerank"
	"docsearch/internal/store"
)

// NoRelevantChunksMessage is the answer returned when retrieval comes up
// empty.
const NoRelevantChunksMessage = "No relevant chunks found."

// Options are the retrieval tunables.
type Options struct {
	// KKeyword and KVector are the per-retriever candidate pool sizes.
	KKeyword int
	KVector  int

	// KMerge caps the fused candidate list (raised to TopK if smaller).
	KMerge int

	// RRFConstant is the reciprocal-rank-fusion damping term.
	RRFConstant int

	// RerankTopN is how many fused candidates survive reranking.
	RerankTopN int

	// MaxParents caps the parent passages handed to the generator
	// (raised to TopK if smaller).
	MaxParents int

	// ParentWindowChars is the per-parent snippet budget in bytes.
	ParentWindowChars int
}

// Request is one question against the collection.
type Request struct {
	Question    string
	TopK        int
	DocumentIDs []string
}

// Response is the generated answer with its citations.
type Response struct {
	Answer    string
	Citations []gen.Citation
}

// Expander rewrites the question for retrieval. *gen.Expander satisfies it.
type Expander interface {
	Expand(ctx context.Context, question string) string
}

// LexicalSearcher is the read side of the lexical index.
type LexicalSearcher interface {
	Search(ctx context.Context, query string, limit int, docIDs []string) ([]store.LexicalHit, error)
}

// VectorSearcher is the read side of the vector index.
type VectorSearcher interface {
	Search(ctx context.Context, vector []float32, k int, docIDs []string) ([]store.VectorHit, error)
}

// Pipeline answers questions over the indexed collection.
type Pipeline struct {
	expander  Expander
	embedder  embed.Embedder
	lexical   LexicalSearcher
	vectors   VectorSearcher
	reranker  rerank.Reranker
	meta      store.MetadataStore
	generator gen.Generator
	opts      Options
}

// NewPipeline wires the query pipeline.
func NewPipeline(expander Expander, embedder embed.Embedder, lexical LexicalSearcher,
	vectors VectorSearcher, reranker rerank.Reranker, meta store.MetadataStore,
	generator gen.Generator, opts Options) *Pipeline {
	return &Pipeline{
		expander:  expander,
		embedder:  embedder,
		lexical:   lexical,
		vectors:   vectors,
		reranker:  reranker,
		meta:      meta,
		generator: generator,
		opts:      opts,
	}
}

// Answer runs the full pipeline for one question.
func (p *Pipeline) Answer(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	// Expansion feeds retrieval only; reranking and generation see the
	// user's original question.
	expanded := p.expander.Expand(ctx, req.Question)

	keywordIDs, vectorIDs, err := p.retrieve(ctx, expanded, req.DocumentIDs)
	if err != nil {
		return nil, err
	}

	merged := fuseRRF(keywordIDs, vectorIDs, p.opts.RRFConstant)
	mergeCap := max(p.opts.KMerge, req.TopK)
	if len(merged) > mergeCap {
		merged = merged[:mergeCap]
	}
	if len(merged) == 0 {
		return nil, errors.New(errors.CodeNoRelevantChunks, errors.KindNotFound,
			NoRelevantChunksMessage)
	}

	children, err := p.meta.GetChildrenByIDs(ctx, merged)
	if err != nil {
		return nil, err
	}

	// Keep fused order, dropping IDs whose rows vanished underneath the
	// indexes.
	ordered := make([]*store.ChildChunk, 0, len(merged))
	for _, id := range merged {
		if c, ok := children[id]; ok {
			ordered = append(ordered, c)
		}
	}
	if len(ordered) == 0 {
		return nil, errors.New(errors.CodeNoRelevantChunks, errors.KindNotFound,
			NoRelevantChunksMessage)
	}

	anchors, err := p.rerankAndPickParents(ctx, req, ordered)
	if err != nil {
		return nil, err
	}
	if len(anchors) == 0 {
		return nil, errors.New(errors.CodeNoRelevantChunks, errors.KindNotFound,
			NoRelevantChunksMessage)
	}

	contexts, err := p.expandToParents(ctx, anchors)
	if err != nil {
		return nil, err
	}
	if len(contexts) == 0 {
		return nil, errors.New(errors.CodeNoRelevantChunks, errors.KindNotFound,
			NoRelevantChunksMessage)
	}

	answer, citations := gen.AnswerWithCitations(ctx, p.generator, req.Question, contexts)

	slog.Info("query_answered",
		slog.Int("keyword_hits", len(keywordIDs)),
		slog.Int("vector_hits", len(vectorIDs)),
		slog.Int("merged", len(merged)),
		slog.Int("parents", len(contexts)),
		slog.Int("citations", len(citations)),
		slog.Duration("elapsed", time.Since(start)))

	return &Response{Answer: answer, Citations: citations}, nil
}

// retrieve runs the lexical and vector retrievers concurrently.
func (p *Pipeline) retrieve(ctx context.Context, query string, docIDs []string) ([]string, []string, error) {
	var keywordIDs, vectorIDs []string

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := p.lexical.Search(gctx, query, p.opts.KKeyword, docIDs)
		if err != nil {
			return err
		}
		keywordIDs = make([]string, len(hits))
		for i, h := range hits {
			keywordIDs[i] = h.ChildID
		}
		return nil
	})
	g.Go(func() error {
		vec, err := p.embedder.Embed(gctx, query)
		if err != nil {
			return errors.Wrap(errors.CodeEmbedder, errors.KindExternal,
				"embed query", err)
		}
		hits, err := p.vectors.Search(gctx, vec, p.opts.KVector, docIDs)
		if err != nil {
			return errors.Wrap(errors.CodeVectorIndex, errors.KindExternal,
				"vector search", err)
		}
		vectorIDs = make([]string, len(hits))
		for i, h := range hits {
			vectorIDs[i] = h.ChildID
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return keywordIDs, vectorIDs, nil
}

// rerankAndPickParents reranks the fused children against the original
// question, then walks the reranked list picking the first (anchor) child
// per distinct parent.
func (p *Pipeline) rerankAndPickParents(ctx context.Context, req Request, ordered []*store.ChildChunk) ([]*store.ChildChunk, error) {
	texts := make([]string, len(ordered))
	for i, c := range ordered {
		texts[i] = c.Text
	}

	results, err := p.reranker.Rerank(ctx, req.Question, texts, p.opts.RerankTopN)
	if err != nil {
		// Reranking is an optimization; fall back to fused order rather
		// than failing the query.
		slog.Warn("rerank_failed", slog.String("error", err.Error()))
		results = make([]rerank.Result, 0, min(p.opts.RerankTopN, len(ordered)))
		for i := range min(p.opts.RerankTopN, len(ordered)) {
			results = append(results, rerank.Result{Index: i})
		}
	}

	parentCap := max(p.opts.MaxParents, req.TopK)
	seen := make(map[string]bool)
	anchors := make([]*store.ChildChunk, 0, parentCap)
	for _, r := range results {
		child := ordered[r.Index]
		if seen[child.ParentID] {
			continue
		}
		seen[child.ParentID] = true
		anchors = append(anchors, child)
		if len(anchors) >= parentCap {
			break
		}
	}

	slog.Debug("rerank_selected",
		slog.Int("candidates", len(ordered)),
		slog.Int("reranked", len(results)),
		slog.Int("anchors", len(anchors)))
	return anchors, nil
}

// expandToParents loads each anchor's parent and slices a window around the
// anchor child span (small-to-big retrieval).
func (p *Pipeline) expandToParents(ctx context.Context, anchors []*store.ChildChunk) ([]gen.ContextChunk, error) {
	parentIDs := make([]string, len(anchors))
	for i, c := range anchors {
		parentIDs[i] = c.ParentID
	}

	parents, err := p.meta.GetParentsByIDs(ctx, parentIDs)
	if err != nil {
		return nil, err
	}

	contexts := make([]gen.ContextChunk, 0, len(anchors))
	for _, child := range anchors {
		pw, ok := parents[child.ParentID]
		if !ok {
			continue
		}
		snippet := sliceWindow(pw.Parent.Text,
			child.CharStart-pw.Parent.CharStart,
			child.CharEnd-pw.Parent.CharStart,
			p.opts.ParentWindowChars)
		if snippet == "" {
			continue
		}
		contexts = append(contexts, gen.ContextChunk{
			ChunkID:    pw.Parent.ID,
			DocumentID: pw.Document.ID,
			Filename:   pw.Document.Filename,
			PageStart:  pw.Parent.PageStart,
			PageEnd:    pw.Parent.PageEnd,
			Text:       snippet,
		})
	}
	return contexts, nil
}
