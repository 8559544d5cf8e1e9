// Package ingest runs the document processing pipeline: fetch raw bytes,
// parse, chunk, embed, and index. Processing happens on a background worker
// pool detached from the upload request.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"docsearch/internal/blob"
	"docsearch/internal/chunk"
	"docsearch/internal/embed"
	"docsearch/internal/errors"
	"docsearch/internal/parse"
	"docsearch/internal/store"
)

// LexicalIndexer is the slice of the lexical index the pipeline writes to.
type LexicalIndexer interface {
	IndexChildren(ctx context.Context, children []store.ChildChunk) error
	DeleteByIDs(ctx context.Context, ids []string) error
}

// VectorIndexer is the slice of the vector index the pipeline writes to.
type VectorIndexer interface {
	Add(ctx context.Context, childIDs, documentIDs []string, vectors [][]float32) error
	Delete(ctx context.Context, childIDs []string) error
}

// Pipeline processes uploaded documents into searchable chunks.
type Pipeline struct {
	meta     store.MetadataStore
	blobs    blob.Store
	embedder embed.Embedder
	lexical  LexicalIndexer
	vectors  VectorIndexer
	chunking chunk.Options
}

// NewPipeline wires the ingestion pipeline.
func NewPipeline(meta store.MetadataStore, blobs blob.Store, embedder embed.Embedder,
	lexical LexicalIndexer, vectors VectorIndexer, chunking chunk.Options) *Pipeline {
	return &Pipeline{
		meta:     meta,
		blobs:    blobs,
		embedder: embedder,
		lexical:  lexical,
		vectors:  vectors,
		chunking: chunking,
	}
}

// Process runs the full pipeline for one document. A document that no
// longer exists or is past UPLOADED is skipped without error; any pipeline
// failure marks the document FAILED, which is terminal.
func (p *Pipeline) Process(ctx context.Context, documentID string) error {
	start := time.Now()

	doc, err := p.meta.GetDocument(ctx, documentID)
	if err != nil {
		if errors.KindOf(err) == errors.KindNotFound {
			slog.Warn("ingest_document_missing", slog.String("document_id", documentID))
			return nil
		}
		return err
	}
	if doc.Status != store.StatusUploaded {
		slog.Info("ingest_skipped",
			slog.String("document_id", documentID),
			slog.String("status", string(doc.Status)))
		return nil
	}

	if err := p.meta.UpdateStatus(ctx, documentID, store.StatusProcessing); err != nil {
		return err
	}

	if err := p.process(ctx, doc); err != nil {
		p.markFailed(ctx, documentID, err)
		return err
	}

	if err := p.meta.UpdateStatus(ctx, documentID, store.StatusReady); err != nil {
		return err
	}

	slog.Info("ingest_completed",
		slog.String("document_id", documentID),
		slog.String("filename", doc.Filename),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

func (p *Pipeline) process(ctx context.Context, doc *store.Document) error {
	content, err := p.blobs.Get(ctx, doc.BlobKey)
	if err != nil {
		return fmt.Errorf("fetch payload: %w", err)
	}

	pages, err := parse.Document(content, doc.ContentType)
	if err != nil {
		return err
	}

	parentChunks := chunk.Split(pages, p.chunking)
	if len(parentChunks) == 0 {
		return errors.New(errors.CodeParseFailure, errors.KindCorruption,
			fmt.Sprintf("document %s produced no text", doc.ID))
	}

	// An interrupted earlier pass may have left this document's children in
	// the search indexes; purge them so the new chunk set is the only one
	// visible.
	staleIDs, err := p.meta.ListChildIDs(ctx, doc.ID)
	if err != nil {
		return err
	}

	parents, children := buildChunkRows(doc.ID, parentChunks)
	if err := p.meta.ReplaceChunks(ctx, doc.ID, parents, children); err != nil {
		return err
	}

	if len(staleIDs) > 0 {
		if err := p.lexical.DeleteByIDs(ctx, staleIDs); err != nil {
			return err
		}
		if err := p.vectors.Delete(ctx, staleIDs); err != nil {
			return errors.Wrap(errors.CodeVectorIndex, errors.KindExternal,
				"purge stale vectors", err)
		}
	}

	texts := make([]string, len(children))
	childIDs := make([]string, len(children))
	docIDs := make([]string, len(children))
	for i, c := range children {
		texts[i] = c.Text
		childIDs[i] = c.ID
		docIDs[i] = doc.ID
	}

	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return errors.Wrap(errors.CodeEmbedder, errors.KindExternal,
			"embed child chunks", err)
	}

	embeddings := make([]store.ChunkEmbedding, len(children))
	for i := range children {
		embeddings[i] = store.ChunkEmbedding{
			ChildID: childIDs[i],
			Model:   p.embedder.ModelName(),
			Vector:  vectors[i],
		}
	}
	if err := p.meta.UpsertEmbeddings(ctx, embeddings); err != nil {
		return err
	}

	if err := p.lexical.IndexChildren(ctx, children); err != nil {
		return err
	}
	if err := p.vectors.Add(ctx, childIDs, docIDs, vectors); err != nil {
		return errors.Wrap(errors.CodeVectorIndex, errors.KindExternal,
			"add vectors", err)
	}

	slog.Debug("ingest_indexed",
		slog.String("document_id", doc.ID),
		slog.Int("parents", len(parents)),
		slog.Int("children", len(children)))
	return nil
}

// markFailed records the terminal FAILED status. It runs on a context
// detached from cancellation so a canceled pipeline still leaves a
// consistent status behind.
func (p *Pipeline) markFailed(ctx context.Context, documentID string, cause error) {
	slog.Error("ingest_failed",
		slog.String("document_id", documentID),
		slog.String("error", cause.Error()))

	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.meta.UpdateStatus(failCtx, documentID, store.StatusFailed); err != nil {
		slog.Error("ingest_mark_failed_error",
			slog.String("document_id", documentID),
			slog.String("error", err.Error()))
	}
}

// buildChunkRows assigns IDs and flattens the chunker output into store rows.
func buildChunkRows(documentID string, parentChunks []chunk.ParentChunk) ([]store.ParentChunk, []store.ChildChunk) {
	parents := make([]store.ParentChunk, 0, len(parentChunks))
	var children []store.ChildChunk

	for seq, pc := range parentChunks {
		parentID := uuid.NewString()
		parents = append(parents, store.ParentChunk{
			ID:         parentID,
			DocumentID: documentID,
			Seq:        seq,
			Text:       pc.Text,
			PageStart:  pc.PageStart,
			PageEnd:    pc.PageEnd,
			CharStart:  pc.CharStart,
			CharEnd:    pc.CharEnd,
			Hash:       pc.Hash,
		})
		for cseq, cc := range pc.Children {
			children = append(children, store.ChildChunk{
				ID:         uuid.NewString(),
				DocumentID: documentID,
				ParentID:   parentID,
				Seq:        cseq,
				Text:       cc.Text,
				PageStart:  cc.PageStart,
				PageEnd:    cc.PageEnd,
				CharStart:  cc.CharStart,
				CharEnd:    cc.CharEnd,
				Hash:       cc.Hash,
			})
		}
	}
	return parents, children
}
