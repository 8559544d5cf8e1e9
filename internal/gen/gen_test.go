package gen

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedGenerator returns a fixed reply or error.
type scriptedGenerator struct {
	reply      string
	err        error
	lastSystem string
	lastUser   string
	lastOpts   map[string]any
}

func (s *scriptedGenerator) Chat(_ context.Context, system, user string, options map[string]any) (string, error) {
	s.lastSystem = system
	s.lastUser = user
	s.lastOpts = options
	return s.reply, s.err
}

func testChunks() []ContextChunk {
	return []ContextChunk{
		{ChunkID: "p1", DocumentID: "d1", Filename: "handbook.pdf", PageStart: 2, PageEnd: 3, Text: "Employees accrue two vacation days per month."},
		{ChunkID: "p2", DocumentID: "d1", Filename: "handbook.pdf", PageStart: 7, PageEnd: 7, Text: "Unused vacation days expire at year end."},
		{ChunkID: "p3", DocumentID: "d2", Filename: "faq.txt", PageStart: 1, PageEnd: 1, Text: "Contact HR for leave questions."},
	}
}

func TestAnswerWithCitationsParsesMarkers(t *testing.T) {
	g := &scriptedGenerator{reply: "You accrue two days per month [P1], and they expire at year end [P2]."}

	answer, citations := AnswerWithCitations(context.Background(), g, "How does vacation work?", testChunks())

	assert.Contains(t, answer, "[P1]")
	require.Len(t, citations, 2)
	assert.Equal(t, "p1", citations[0].ChunkID)
	assert.Equal(t, "p2", citations[1].ChunkID)
	assert.Equal(t, "handbook.pdf", citations[0].Filename)
	assert.Equal(t, 2, citations[0].PageStart)
}

func TestAnswerWithCitationsDeduplicatesAndOrders(t *testing.T) {
	g := &scriptedGenerator{reply: "See [P3] and again [P1], also [P3] [P1]."}

	_, citations := AnswerWithCitations(context.Background(), g, "q", testChunks())
	require.Len(t, citations, 2)
	assert.Equal(t, "p1", citations[0].ChunkID)
	assert.Equal(t, "p3", citations[1].ChunkID)
}

func TestAnswerWithCitationsIgnoresOutOfRangeMarkers(t *testing.T) {
	g := &scriptedGenerator{reply: "Supported by [P2] but also [P9] and [P0]."}

	_, citations := AnswerWithCitations(context.Background(), g, "q", testChunks())
	require.Len(t, citations, 1)
	assert.Equal(t, "p2", citations[0].ChunkID)
}

func TestAnswerWithCitationsNoMarkersCitesFirstChunk(t *testing.T) {
	g := &scriptedGenerator{reply: "Vacation accrues monthly."}

	answer, citations := AnswerWithCitations(context.Background(), g, "q", testChunks())
	assert.Equal(t, "Vacation accrues monthly.", answer)
	require.Len(t, citations, 1)
	assert.Equal(t, "p1", citations[0].ChunkID)
}

func TestAnswerWithCitationsGeneratorFailureStitchesFallback(t *testing.T) {
	g := &scriptedGenerator{err: fmt.Errorf("connection refused")}

	answer, citations := AnswerWithCitations(context.Background(), g, "q", testChunks())
	assert.Contains(t, answer, "[P1]")
	assert.Contains(t, answer, "[P2]")
	assert.Contains(t, answer, "[P3]")
	assert.Contains(t, answer, "Employees accrue")
	assert.Len(t, citations, 3)
}

func TestAnswerWithCitationsEmptyChunks(t *testing.T) {
	g := &scriptedGenerator{reply: "should not be called"}
	answer, citations := AnswerWithCitations(context.Background(), g, "q", nil)
	assert.Equal(t, "I could not find relevant information.", answer)
	assert.Empty(t, citations)
}

func TestBuildUserPromptNumbersPassages(t *testing.T) {
	g := &scriptedGenerator{reply: "ok [P1]"}
	AnswerWithCitations(context.Background(), g, "What is the policy?", testChunks())

	assert.Contains(t, g.lastUser, "[P1] (handbook.pdf, pages 2-3)")
	assert.Contains(t, g.lastUser, "[P2] (handbook.pdf, page 7)")
	assert.Contains(t, g.lastUser, "[P3] (faq.txt, page 1)")
	assert.True(t, strings.HasSuffix(g.lastUser, "Question: What is the policy?"))
	assert.Contains(t, g.lastSystem, "ONLY the numbered context passages")
}

func TestExcerptTruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("é", 200) // 400 bytes of 2-byte runes
	got := excerpt(long)
	assert.LessOrEqual(t, len(got), excerptChars)
	assert.Equal(t, strings.Repeat("é", 150), got)

	short := "short text"
	assert.Equal(t, short, excerpt(short))
}

func TestExpanderDisabledPassesThrough(t *testing.T) {
	g := &scriptedGenerator{reply: "should not be used"}
	e := NewExpander(g, false, 0)
	assert.Equal(t, "original question", e.Expand(context.Background(), "original question"))
	assert.Empty(t, g.lastUser)
}

func TestExpanderAppendsHypotheticalAnswer(t *testing.T) {
	g := &scriptedGenerator{reply: "The policy grants two days monthly."}
	e := NewExpander(g, true, 0)

	got := e.Expand(context.Background(), "How many vacation days?")
	assert.Equal(t, "How many vacation days?\n\nThe policy grants two days monthly.", got)
	assert.Contains(t, g.lastUser, "hypothetical answer")
	assert.Equal(t, hydeNumPredict, g.lastOpts["num_predict"])
}

func TestExpanderFailsOpen(t *testing.T) {
	g := &scriptedGenerator{err: fmt.Errorf("model not loaded")}
	e := NewExpander(g, true, 0)
	assert.Equal(t, "the question", e.Expand(context.Background(), "the question"))

	empty := &scriptedGenerator{reply: ""}
	e = NewExpander(empty, true, 0)
	assert.Equal(t, "the question", e.Expand(context.Background(), "the question"))
}

func TestOllamaGeneratorChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.Equal(t, "llama3", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "user", req.Messages[1].Role)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{"content": "  the reply  "},
		})
	}))
	defer srv.Close()

	g := NewOllamaGenerator(OllamaConfig{Host: srv.URL, Model: "llama3"})
	reply, err := g.Chat(context.Background(), "be strict", "the question", nil)
	require.NoError(t, err)
	assert.Equal(t, "the reply", reply)
}

func TestOllamaGeneratorServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	g := NewOllamaGenerator(OllamaConfig{Host: srv.URL, Model: "missing"})
	_, err := g.Chat(context.Background(), "", "q", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestOllamaGeneratorOmitsSystemWhenEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{"content": "ok"},
		})
	}))
	defer srv.Close()

	g := NewOllamaGenerator(OllamaConfig{Host: srv.URL, Model: "llama3"})
	_, err := g.Chat(context.Background(), "", "q", nil)
	require.NoError(t, err)
}
