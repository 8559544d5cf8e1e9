package gen

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// excerptChars is the citation excerpt length.
const excerptChars = 300

// systemPrompt pins the model to the supplied passages.
const systemPrompt = "You are a question answering assistant for a document collection. " +
	"Answer the question using ONLY the numbered context passages provided. " +
	"After every claim, cite the passage that supports it with its marker, " +
	"for example [P1] or [P3]. Do not invent markers that were not provided. " +
	"If the passages do not contain the answer, reply exactly \"I do not know.\""

// ContextChunk is one parent-window passage handed to the generator.
type ContextChunk struct {
	ChunkID    string
	DocumentID string
	Filename   string
	PageStart  int
	PageEnd    int
	Text       string
}

// Citation points a span of the answer back at a source passage.
type Citation struct {
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename"`
	PageStart  int    `json:"page_start"`
	PageEnd    int    `json:"page_end"`
	Excerpt    string `json:"excerpt"`
	ChunkID    string `json:"chunk_id"`
}

// Generator is the chat backend used for answer generation.
type Generator interface {
	Chat(ctx context.Context, system, user string, options map[string]any) (string, error)
}

// markerPattern matches [P<i>] citation markers in model output.
var markerPattern = regexp.MustCompile(`\[P(\d+)\]`)

// AnswerWithCitations generates a grounded answer over the passages.
//
// The passages are numbered [P1]..[Pn] in the prompt. Markers in the reply
// select which passages become citations, deduplicated and ordered by
// passage number. A reply without markers is still returned, cited against
// the first passage. If generation fails outright the passages themselves
// are stitched into a fallback answer citing everything.
func AnswerWithCitations(ctx context.Context, g Generator, question string, chunks []ContextChunk) (string, []Citation) {
	if len(chunks) == 0 {
		return "I could not find relevant information.", []Citation{}
	}

	answer, err := g.Chat(ctx, systemPrompt, buildUserPrompt(question, chunks), nil)
	if err != nil || answer == "" {
		if err != nil {
			slog.Warn("answer_generation_failed",
				slog.String("error", err.Error()),
				slog.Int("chunks", len(chunks)))
		}
		return stitchedFallback(chunks)
	}

	cited := citedIndexes(answer, len(chunks))
	if len(cited) == 0 {
		cited = []int{1}
	}

	citations := make([]Citation, 0, len(cited))
	for _, i := range cited {
		citations = append(citations, toCitation(chunks[i-1]))
	}
	return answer, citations
}

// buildUserPrompt renders the numbered passages followed by the question.
func buildUserPrompt(question string, chunks []ContextChunk) string {
	var sb strings.Builder
	sb.WriteString("Context passages:\n\n")
	for i, c := range chunks {
		fmt.Fprintf(&sb, "[P%d] (%s", i+1, c.Filename)
		if c.PageStart > 0 {
			if c.PageEnd > c.PageStart {
				fmt.Fprintf(&sb, ", pages %d-%d", c.PageStart, c.PageEnd)
			} else {
				fmt.Fprintf(&sb, ", page %d", c.PageStart)
			}
		}
		sb.WriteString(")\n")
		sb.WriteString(c.Text)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Question: ")
	sb.WriteString(question)
	return sb.String()
}

// citedIndexes extracts the distinct in-range [P<i>] markers from the
// answer, ascending by passage number.
func citedIndexes(answer string, n int) []int {
	seen := make(map[int]bool)
	for _, match := range markerPattern.FindAllStringSubmatch(answer, -1) {
		i, err := strconv.Atoi(match[1])
		if err != nil || i < 1 || i > n {
			continue
		}
		seen[i] = true
	}

	indexes := make([]int, 0, len(seen))
	for i := 1; i <= n; i++ {
		if seen[i] {
			indexes = append(indexes, i)
		}
	}
	return indexes
}

// stitchedFallback concatenates the passages as the answer, citing all of
// them, so retrieval results still reach the caller when the generator is
// down.
func stitchedFallback(chunks []ContextChunk) (string, []Citation) {
	parts := make([]string, 0, len(chunks))
	citations := make([]Citation, 0, len(chunks))
	for i, c := range chunks {
		parts = append(parts, fmt.Sprintf("[P%d] %s", i+1, excerpt(c.Text)))
		citations = append(citations, toCitation(c))
	}
	return strings.Join(parts, "\n\n"), citations
}

func toCitation(c ContextChunk) Citation {
	return Citation{
		DocumentID: c.DocumentID,
		Filename:   c.Filename,
		PageStart:  c.PageStart,
		PageEnd:    c.PageEnd,
		Excerpt:    excerpt(c.Text),
		ChunkID:    c.ChunkID,
	}
}

// excerpt returns the first excerptChars bytes of text, snapped back to a
// rune boundary.
func excerpt(text string) string {
	if len(text) <= excerptChars {
		return text
	}
	cut := excerptChars
	for cut > 0 && !isRuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
