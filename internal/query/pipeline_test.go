package query

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsearch/internal/embed"
	"docsearch/internal/errors"
	"docsearch/internal/rerank"
	"docsearch/internal/store"
)

// passthroughExpander skips HyDE.
type passthroughExpander struct{ lastInput string }

func (p *passthroughExpander) Expand(_ context.Context, q string) string {
	p.lastInput = q
	return q
}

// recordingGenerator captures the prompt and replies with markers.
type recordingGenerator struct {
	reply    string
	lastUser string
	calls    int
}

func (r *recordingGenerator) Chat(_ context.Context, _, user string, _ map[string]any) (string, error) {
	r.calls++
	r.lastUser = user
	return r.reply, nil
}

type fixture struct {
	meta     *store.SQLiteStore
	lexical  *store.BleveLexicalIndex
	vectors  *store.HNSWIndex
	embedder embed.Embedder
	gen      *recordingGenerator
	expander *passthroughExpander
	pipeline *Pipeline
}

func defaultOptions() Options {
	return Options{
		KKeyword:          50,
		KVector:           50,
		KMerge:            80,
		RRFConstant:       60,
		RerankTopN:        15,
		MaxParents:        10,
		ParentWindowChars: 1500,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	meta, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	lexical, err := store.NewBleveLexicalIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = lexical.Close() })

	embedder := embed.NewStaticEmbedder()
	vectors, err := store.NewHNSWIndex(store.VectorConfig{Dimensions: embedder.Dimensions()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = vectors.Close() })

	g := &recordingGenerator{reply: "Answer [P1]."}
	exp := &passthroughExpander{}

	return &fixture{
		meta:     meta,
		lexical:  lexical,
		vectors:  vectors,
		embedder: embedder,
		gen:      g,
		expander: exp,
		pipeline: NewPipeline(exp, embedder, lexical, vectors, &rerank.NoOpReranker{},
			meta, g, defaultOptions()),
	}
}

// indexDocument stores one READY document with a single parent whose
// children cover the given texts.
func (f *fixture) indexDocument(t *testing.T, filename string, childTexts ...string) string {
	t.Helper()
	return f.indexDocumentWithStatus(t, filename, store.StatusReady, childTexts...)
}

// indexDocumentWithStatus indexes a document into every store and leaves it
// in the given terminal status. A FAILED final status reproduces the state an
// ingestion crash leaves behind: chunks present in the lexical and vector
// indexes with the document never reaching READY.
func (f *fixture) indexDocumentWithStatus(t *testing.T, filename string, final store.DocumentStatus, childTexts ...string) string {
	t.Helper()
	ctx := context.Background()

	docID := uuid.NewString()
	now := time.Now().UTC()
	require.NoError(t, f.meta.InsertDocument(ctx, &store.Document{
		ID: docID, TenantID: "default", Filename: filename,
		ContentType: "text/plain", SHA256: uuid.NewString(), BlobKey: "k",
		Status: store.StatusUploaded, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, f.meta.UpdateStatus(ctx, docID, store.StatusProcessing))

	parentText := strings.Join(childTexts, " ")
	parent := store.ParentChunk{
		ID: uuid.NewString(), DocumentID: docID, Seq: 0, Text: parentText,
		PageStart: 1, PageEnd: 1, CharStart: 0, CharEnd: len(parentText),
	}

	var children []store.ChildChunk
	offset := 0
	for i, text := range childTexts {
		children = append(children, store.ChildChunk{
			ID: uuid.NewString(), DocumentID: docID, ParentID: parent.ID,
			Seq: i, Text: text, PageStart: 1, PageEnd: 1,
			CharStart: offset, CharEnd: offset + len(text), Hash: fmt.Sprintf("h%d", i),
		})
		offset += len(text) + 1
	}
	require.NoError(t, f.meta.ReplaceChunks(ctx, docID, []store.ParentChunk{parent}, children))
	require.NoError(t, f.lexical.IndexChildren(ctx, children))

	childIDs := make([]string, len(children))
	docIDs := make([]string, len(children))
	texts := make([]string, len(children))
	embeddings := make([]store.ChunkEmbedding, len(children))
	for i, c := range children {
		childIDs[i] = c.ID
		docIDs[i] = docID
		texts[i] = c.Text
	}
	vecs, err := f.embedder.EmbedBatch(ctx, texts)
	require.NoError(t, err)
	for i := range children {
		embeddings[i] = store.ChunkEmbedding{ChildID: childIDs[i], Model: "static", Vector: vecs[i]}
	}
	require.NoError(t, f.meta.UpsertEmbeddings(ctx, embeddings))
	require.NoError(t, f.vectors.Add(ctx, childIDs, docIDs, vecs))

	require.NoError(t, f.meta.UpdateStatus(ctx, docID, final))
	return docID
}

func TestAnswerEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.indexDocument(t, "handbook.pdf",
		"Employees accrue two vacation days per month of service.",
		"Unused vacation days expire at the end of the calendar year.",
		"The office dress code is business casual on weekdays.",
	)

	resp, err := f.pipeline.Answer(context.Background(), Request{
		Question: "How many vacation days do employees accrue?",
		TopK:     5,
	})
	require.NoError(t, err)

	assert.Equal(t, "Answer [P1].", resp.Answer)
	require.NotEmpty(t, resp.Citations)
	assert.Equal(t, "handbook.pdf", resp.Citations[0].Filename)
	assert.Contains(t, f.gen.lastUser, "vacation days")
	assert.Contains(t, f.gen.lastUser, "How many vacation days do employees accrue?")
}

func TestAnswerNoRelevantChunks(t *testing.T) {
	f := newFixture(t)
	// Nothing indexed at all.
	_, err := f.pipeline.Answer(context.Background(), Request{Question: "anything", TopK: 5})
	require.Error(t, err)
	assert.Equal(t, errors.CodeNoRelevantChunks, errors.CodeOf(err))
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
	assert.Zero(t, f.gen.calls)
}

func TestAnswerExcludesFailedDocument(t *testing.T) {
	f := newFixture(t)
	f.indexDocumentWithStatus(t, "broken.pdf", store.StatusFailed,
		"the reactor shutdown procedure requires two operators")

	// Index hits exist for the FAILED document, but the metadata store
	// drops them and the query reports no relevant chunks.
	_, err := f.pipeline.Answer(context.Background(), Request{
		Question: "reactor shutdown procedure", TopK: 5,
	})
	require.Error(t, err)
	assert.Equal(t, errors.CodeNoRelevantChunks, errors.CodeOf(err))
	assert.Zero(t, f.gen.calls)

	// With a READY document alongside, only the READY one is cited.
	readyDoc := f.indexDocument(t, "current.pdf",
		"the reactor shutdown procedure was revised last quarter")
	resp, err := f.pipeline.Answer(context.Background(), Request{
		Question: "reactor shutdown procedure", TopK: 5,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Citations)
	for _, c := range resp.Citations {
		assert.Equal(t, readyDoc, c.DocumentID)
	}
}

func TestAnswerDocumentFilter(t *testing.T) {
	f := newFixture(t)
	f.indexDocument(t, "a.txt", "The rocket launch is scheduled for March.")
	wantedDoc := f.indexDocument(t, "b.txt", "The rocket launch was postponed to June.")

	resp, err := f.pipeline.Answer(context.Background(), Request{
		Question:    "When is the rocket launch?",
		TopK:        5,
		DocumentIDs: []string{wantedDoc},
	})
	require.NoError(t, err)
	for _, c := range resp.Citations {
		assert.Equal(t, wantedDoc, c.DocumentID)
		assert.Equal(t, "b.txt", c.Filename)
	}
}

func TestAnswerDedupesParents(t *testing.T) {
	f := newFixture(t)
	// Three children of the same parent all match; only one parent
	// passage may reach the generator.
	f.indexDocument(t, "doc.txt",
		"satellite orbit data first segment",
		"satellite orbit data second segment",
		"satellite orbit data third segment",
	)

	_, err := f.pipeline.Answer(context.Background(), Request{Question: "satellite orbit data", TopK: 5})
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(f.gen.lastUser, "[P1]"))
	assert.NotContains(t, f.gen.lastUser, "[P2]")
}

func TestAnswerUsesOriginalQuestionForRerank(t *testing.T) {
	f := newFixture(t)
	f.indexDocument(t, "doc.txt", "quarterly revenue grew by twelve percent")

	// An expander that mangles the query: retrieval sees the expansion,
	// the generator prompt must still carry the original question.
	f.expander.lastInput = ""
	mangling := &manglingExpander{}
	f.pipeline = NewPipeline(mangling, f.embedder, f.lexical, f.vectors,
		&rerank.NoOpReranker{}, f.meta, f.gen, defaultOptions())

	_, err := f.pipeline.Answer(context.Background(), Request{Question: "How did revenue grow?", TopK: 3})
	require.NoError(t, err)
	assert.Equal(t, "How did revenue grow?", mangling.sawQuestion)
	assert.True(t, strings.HasSuffix(f.gen.lastUser, "Question: How did revenue grow?"))
}

type manglingExpander struct{ sawQuestion string }

func (m *manglingExpander) Expand(_ context.Context, q string) string {
	m.sawQuestion = q
	return q + "\n\nquarterly revenue grew by twelve percent"
}

// failingReranker always errors.
type failingReranker struct{}

func (failingReranker) Rerank(context.Context, string, []string, int) ([]rerank.Result, error) {
	return nil, fmt.Errorf("reranker unavailable")
}
func (failingReranker) Close() error { return nil }

func TestAnswerSurvivesRerankerFailure(t *testing.T) {
	f := newFixture(t)
	f.indexDocument(t, "doc.txt", "emergency contact procedures are posted in the hallway")

	f.pipeline = NewPipeline(f.expander, f.embedder, f.lexical, f.vectors,
		failingReranker{}, f.meta, f.gen, defaultOptions())

	resp, err := f.pipeline.Answer(context.Background(), Request{Question: "emergency contact procedures", TopK: 3})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Citations)
}

func TestAnswerParentWindowLimitsContext(t *testing.T) {
	f := newFixture(t)

	opts := defaultOptions()
	opts.ParentWindowChars = 120
	f.pipeline = NewPipeline(f.expander, f.embedder, f.lexical, f.vectors,
		&rerank.NoOpReranker{}, f.meta, f.gen, opts)

	filler := strings.Repeat("irrelevant padding text ", 40)
	f.indexDocument(t, "doc.txt",
		filler,
		"the vault access code rotates every ninety days",
		filler,
	)

	_, err := f.pipeline.Answer(context.Background(), Request{Question: "vault access code", TopK: 3})
	require.NoError(t, err)
	assert.Contains(t, f.gen.lastUser, "vault access code")
}
