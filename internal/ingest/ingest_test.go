package ingest

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsearch/internal/blob"
	"docsearch/internal/chunk"
	"docsearch/internal/embed"
	"docsearch/internal/store"
)

type testEnv struct {
	meta     *store.SQLiteStore
	blobs    *blob.MemoryStore
	lexical  *store.BleveLexicalIndex
	vectors  *store.HNSWIndex
	pipeline *Pipeline
}

func newTestEnv(t *testing.T, embedder embed.Embedder) *testEnv {
	t.Helper()

	meta, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	lexical, err := store.NewBleveLexicalIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = lexical.Close() })

	vectors, err := store.NewHNSWIndex(store.VectorConfig{Dimensions: embedder.Dimensions()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = vectors.Close() })

	blobs := blob.NewMemoryStore()
	opts := chunk.Options{
		ParentChunkChars:   200,
		ParentOverlapChars: 20,
		ChildChunkChars:    60,
		ChildOverlapChars:  10,
	}

	return &testEnv{
		meta:     meta,
		blobs:    blobs,
		lexical:  lexical,
		vectors:  vectors,
		pipeline: NewPipeline(meta, blobs, embedder, lexical, vectors, opts),
	}
}

func (e *testEnv) uploadDocument(t *testing.T, content string) *store.Document {
	t.Helper()
	ctx := context.Background()

	id := uuid.New()
	key := blob.ObjectKey(id, "notes.txt")
	require.NoError(t, e.blobs.Put(ctx, key, []byte(content), "text/plain"))

	now := time.Now().UTC()
	doc := &store.Document{
		ID:          id.String(),
		TenantID:    "default",
		Filename:    "notes.txt",
		ContentType: "text/plain",
		SHA256:      chunk.HashText(content),
		BlobKey:     key,
		Status:      store.StatusUploaded,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, e.meta.InsertDocument(ctx, doc))
	return doc
}

func sampleText() string {
	return strings.Repeat("The handbook says employees accrue two vacation days per month. ", 10)
}

func TestProcessHappyPath(t *testing.T) {
	env := newTestEnv(t, embed.NewStaticEmbedder())
	ctx := context.Background()

	doc := env.uploadDocument(t, sampleText())
	require.NoError(t, env.pipeline.Process(ctx, doc.ID))

	got, err := env.meta.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusReady, got.Status)

	// Lexical and vector indexes both hold the children.
	hits, err := env.lexical.Search(ctx, "vacation days", 10, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, hits)

	assert.Greater(t, env.vectors.Count(), 0)

	// Embeddings are durable in the metadata store.
	var stored int
	require.NoError(t, env.meta.GetAllEmbeddings(ctx, func(childID, documentID string, vector []float32) error {
		assert.Equal(t, doc.ID, documentID)
		assert.Len(t, vector, embed.DefaultDimensions)
		stored++
		return nil
	}))
	assert.Equal(t, env.vectors.Count(), stored)
}

func TestProcessPurgesStaleIndexEntries(t *testing.T) {
	embedder := embed.NewStaticEmbedder()
	env := newTestEnv(t, embedder)
	ctx := context.Background()

	doc := env.uploadDocument(t, sampleText())

	// An interrupted earlier pass indexed a chunk set but never advanced
	// the document past UPLOADED.
	staleParent := store.ParentChunk{
		ID: uuid.NewString(), DocumentID: doc.ID, Seq: 0,
		Text: "obsolete draft passage", PageStart: 1, PageEnd: 1, CharStart: 0, CharEnd: 22,
	}
	staleChild := store.ChildChunk{
		ID: uuid.NewString(), DocumentID: doc.ID, ParentID: staleParent.ID, Seq: 0,
		Text: "obsolete draft passage", PageStart: 1, PageEnd: 1, CharStart: 0, CharEnd: 22, Hash: "hs",
	}
	require.NoError(t, env.meta.ReplaceChunks(ctx, doc.ID,
		[]store.ParentChunk{staleParent}, []store.ChildChunk{staleChild}))
	require.NoError(t, env.lexical.IndexChildren(ctx, []store.ChildChunk{staleChild}))
	vec, err := embedder.Embed(ctx, staleChild.Text)
	require.NoError(t, err)
	require.NoError(t, env.vectors.Add(ctx, []string{staleChild.ID}, []string{doc.ID}, [][]float32{vec}))

	require.NoError(t, env.pipeline.Process(ctx, doc.ID))

	hits, err := env.lexical.Search(ctx, "obsolete draft passage", 10, nil)
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, staleChild.ID, h.ChildID, "stale child still searchable")
	}

	// The vector index holds exactly the surviving embeddings.
	var stored int
	require.NoError(t, env.meta.GetAllEmbeddings(ctx, func(string, string, []float32) error {
		stored++
		return nil
	}))
	assert.Equal(t, stored, env.vectors.Count())
}

func TestProcessSkipsNonUploaded(t *testing.T) {
	env := newTestEnv(t, embed.NewStaticEmbedder())
	ctx := context.Background()

	doc := env.uploadDocument(t, sampleText())
	require.NoError(t, env.meta.UpdateStatus(ctx, doc.ID, store.StatusProcessing))
	require.NoError(t, env.meta.UpdateStatus(ctx, doc.ID, store.StatusReady))

	require.NoError(t, env.pipeline.Process(ctx, doc.ID))

	got, err := env.meta.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusReady, got.Status)
	assert.Equal(t, 0, env.vectors.Count(), "skipped document is not reindexed")
}

func TestProcessMissingDocumentIsNoop(t *testing.T) {
	env := newTestEnv(t, embed.NewStaticEmbedder())
	assert.NoError(t, env.pipeline.Process(context.Background(), uuid.NewString()))
}

func TestProcessMissingBlobMarksFailed(t *testing.T) {
	env := newTestEnv(t, embed.NewStaticEmbedder())
	ctx := context.Background()

	doc := env.uploadDocument(t, sampleText())
	// Simulate a lost payload.
	env.blobs = blob.NewMemoryStore()
	env.pipeline = NewPipeline(env.meta, env.blobs, embed.NewStaticEmbedder(), env.lexical, env.vectors, chunk.DefaultOptions())

	err := env.pipeline.Process(ctx, doc.ID)
	require.Error(t, err)

	got, getErr := env.meta.GetDocument(ctx, doc.ID)
	require.NoError(t, getErr)
	assert.Equal(t, store.StatusFailed, got.Status)
}

func TestProcessEmptyDocumentMarksFailed(t *testing.T) {
	env := newTestEnv(t, embed.NewStaticEmbedder())
	ctx := context.Background()

	doc := env.uploadDocument(t, "   \n\t  ")
	err := env.pipeline.Process(ctx, doc.ID)
	require.Error(t, err)

	got, getErr := env.meta.GetDocument(ctx, doc.ID)
	require.NoError(t, getErr)
	assert.Equal(t, store.StatusFailed, got.Status)
}

func TestProcessFailureIsTerminal(t *testing.T) {
	env := newTestEnv(t, embed.NewStaticEmbedder())
	ctx := context.Background()

	doc := env.uploadDocument(t, "   ")
	require.Error(t, env.pipeline.Process(ctx, doc.ID))

	// A second attempt is skipped: FAILED admits no transitions.
	require.NoError(t, env.pipeline.Process(ctx, doc.ID))
	got, err := env.meta.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
}

// gatedEmbedder blocks EmbedBatch until released, to hold a worker busy.
type gatedEmbedder struct {
	*embed.StaticEmbedder
	gate chan struct{}
}

func (g *gatedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	<-g.gate
	return g.StaticEmbedder.EmbedBatch(ctx, texts)
}

func TestWorkerProcessesEnqueuedDocuments(t *testing.T) {
	env := newTestEnv(t, embed.NewStaticEmbedder())
	ctx := context.Background()

	doc := env.uploadDocument(t, sampleText())

	w := NewWorker(ctx, env.pipeline, 2, 8)
	require.NoError(t, w.Enqueue(doc.ID))
	require.NoError(t, w.Close())

	got, err := env.meta.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusReady, got.Status)
}

func TestWorkerQueueFull(t *testing.T) {
	gated := &gatedEmbedder{StaticEmbedder: embed.NewStaticEmbedder(), gate: make(chan struct{})}
	env := newTestEnv(t, gated)
	ctx := context.Background()

	busy := env.uploadDocument(t, sampleText())
	queued := env.uploadDocument(t, sampleText()+"extra")
	rejected := env.uploadDocument(t, sampleText()+"more")

	w := NewWorker(ctx, env.pipeline, 1, 1)
	require.NoError(t, w.Enqueue(busy.ID))

	// Wait for the worker to pick up the first job and block in the
	// embedder, leaving exactly one queue slot.
	require.Eventually(t, func() bool {
		doc, err := env.meta.GetDocument(ctx, busy.ID)
		return err == nil && doc.Status == store.StatusProcessing
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, w.Enqueue(queued.ID))
	err := w.Enqueue(rejected.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue is full")

	close(gated.gate)
	require.NoError(t, w.Close())
}

func TestWorkerEnqueueAfterClose(t *testing.T) {
	env := newTestEnv(t, embed.NewStaticEmbedder())
	w := NewWorker(context.Background(), env.pipeline, 1, 1)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "close is idempotent")

	assert.Error(t, w.Enqueue(uuid.NewString()))
}
