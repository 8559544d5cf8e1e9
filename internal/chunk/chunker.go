// Package chunk splits page-structured text into parent and child windows
// with stable offsets.
//
// Offsets live in a document-global coordinate space: the concatenation of
// page texts joined by a single newline separator, measured in UTF-8 bytes.
// Window boundaries snap back to rune starts so every chunk is valid UTF-8.
// The page offset table maps any [CharStart, CharEnd) range back to a
// (PageStart, PageEnd) page range.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"
)

// PageSeparator joins consecutive page texts in the global coordinate space.
const PageSeparator = "\n"

// Page is one ordered page of parsed document text.
type Page struct {
	Number int
	Text   string
}

// Chunk is a single text window with document-global coordinates.
// CharStart is inclusive, CharEnd exclusive. Hash is the SHA-256 of Text in
// lowercase hex.
type Chunk struct {
	Text      string
	PageStart int
	PageEnd   int
	CharStart int
	CharEnd   int
	Hash      string
}

// ParentChunk is a large window carrying the child windows cut from it.
// Children offsets are document-global, not parent-relative.
type ParentChunk struct {
	Chunk
	Children []Chunk
}

// Options holds the window sizes in bytes of UTF-8 text.
type Options struct {
	ParentChunkChars   int
	ParentOverlapChars int
	ChildChunkChars    int
	ChildOverlapChars  int
}

// DefaultOptions returns the reference window sizes.
func DefaultOptions() Options {
	return Options{
		ParentChunkChars:   4000,
		ParentOverlapChars: 200,
		ChildChunkChars:    1000,
		ChildOverlapChars:  100,
	}
}

// pageSpan records where one page lives in the global coordinate space.
type pageSpan struct {
	number int
	start  int
	end    int // exclusive; does not include the separator
}

// Split cuts the document into parent windows and each parent into child
// windows. Pages with no text still occupy a separator position. An empty
// document produces no chunks.
//
// NUL bytes are stripped from page text before the coordinate space is
// built, so persisted chunk text is NUL-free and every child's text equals
// the substring of its parent at the corresponding relative offsets.
func Split(pages []Page, opts Options) []ParentChunk {
	text, table := buildDocument(pages)
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var parents []ParentChunk
	for _, ps := range slideWindows(text, opts.ParentChunkChars, opts.ParentOverlapChars) {
		body := text[ps.start:ps.end]
		if strings.TrimSpace(body) == "" {
			continue
		}

		pageStart, pageEnd := pageRange(table, ps.start, ps.end)
		parent := ParentChunk{
			Chunk: Chunk{
				Text:      body,
				PageStart: pageStart,
				PageEnd:   pageEnd,
				CharStart: ps.start,
				CharEnd:   ps.end,
				Hash:      HashText(body),
			},
		}

		for _, cs := range slideWindows(body, opts.ChildChunkChars, opts.ChildOverlapChars) {
			childBody := body[cs.start:cs.end]
			if strings.TrimSpace(childBody) == "" {
				continue
			}
			gStart := ps.start + cs.start
			gEnd := ps.start + cs.end
			cPageStart, cPageEnd := pageRange(table, gStart, gEnd)
			parent.Children = append(parent.Children, Chunk{
				Text:      childBody,
				PageStart: cPageStart,
				PageEnd:   cPageEnd,
				CharStart: gStart,
				CharEnd:   gEnd,
				Hash:      HashText(childBody),
			})
		}

		parents = append(parents, parent)
	}

	return parents
}

// HashText returns the SHA-256 of the UTF-8 text as lowercase hex.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// StripNUL removes U+0000 bytes from text.
func StripNUL(text string) string {
	if !strings.ContainsRune(text, 0) {
		return text
	}
	return strings.ReplaceAll(text, "\x00", "")
}

// buildDocument concatenates sanitized page texts with PageSeparator and
// returns the global text plus the page offset table.
func buildDocument(pages []Page) (string, []pageSpan) {
	if len(pages) == 0 {
		return "", nil
	}

	var sb strings.Builder
	table := make([]pageSpan, 0, len(pages))
	for i, p := range pages {
		if i > 0 {
			sb.WriteString(PageSeparator)
		}
		start := sb.Len()
		sb.WriteString(StripNUL(p.Text))
		table = append(table, pageSpan{number: p.Number, start: start, end: sb.Len()})
	}
	return sb.String(), table
}

// pageRange maps a global [charStart, charEnd) range to a page range.
// PageStart is the first page whose end > charStart; PageEnd is the last
// page whose start < charEnd.
func pageRange(table []pageSpan, charStart, charEnd int) (int, int) {
	if len(table) == 0 {
		return 0, 0
	}

	pageStart := table[len(table)-1].number
	for _, ps := range table {
		if ps.end > charStart {
			pageStart = ps.number
			break
		}
	}

	pageEnd := table[0].number
	for i := len(table) - 1; i >= 0; i-- {
		if table[i].start < charEnd {
			pageEnd = table[i].number
			break
		}
	}

	return pageStart, pageEnd
}

// span is a half-open [start, end) byte range.
type span struct {
	start int
	end   int
}

// slideWindows cuts text into fixed-width windows of size bytes advancing by
// max(size-overlap, 1). Boundaries snap back to rune starts so no window
// splits a UTF-8 sequence.
func slideWindows(text string, size, overlap int) []span {
	if size <= 0 || len(text) == 0 {
		return nil
	}
	step := size - overlap
	if step < 1 {
		step = 1
	}

	var spans []span
	start := 0
	for start < len(text) {
		end := start + size
		if end >= len(text) {
			end = len(text)
		} else {
			end = alignRuneStart(text, end)
			if end <= start {
				// Window narrower than one rune: take that rune whole.
				_, w := utf8.DecodeRuneInString(text[start:])
				end = start + w
			}
		}

		spans = append(spans, span{start: start, end: end})
		if end == len(text) {
			break
		}

		next := alignRuneStart(text, start+step)
		if next <= start {
			_, w := utf8.DecodeRuneInString(text[start:])
			next = start + w
		}
		start = next
	}
	return spans
}

// alignRuneStart moves pos back to the nearest rune start at or before it.
func alignRuneStart(text string, pos int) int {
	for pos > 0 && pos < len(text) && !utf8.RuneStart(text[pos]) {
		pos--
	}
	return pos
}
