package query

import (
	"strings"
	"unicode/utf8"
)

// sliceWindow extracts a window of up to windowChars bytes from text,
// centered on the [relStart, relEnd) span that triggered retrieval, so the
// generator sees the matching part of a long parent instead of a truncated
// head. Boundaries snap back to rune starts so the snippet stays valid
// UTF-8.
func sliceWindow(text string, relStart, relEnd, windowChars int) string {
	if text == "" || windowChars <= 0 {
		return ""
	}
	if len(text) <= windowChars {
		return strings.TrimSpace(text)
	}

	relStart = max(relStart, 0)
	relEnd = max(relEnd, relStart)
	center := (relStart + relEnd) / 2

	half := max(windowChars/2, 1)
	start := max(center-half, 0)
	end := min(start+windowChars, len(text))
	start = max(end-windowChars, 0)

	start = alignRuneStart(text, start)
	end = alignRuneStart(text, end)

	return strings.TrimSpace(text[start:end])
}

// alignRuneStart moves pos back to the nearest rune boundary.
func alignRuneStart(text string, pos int) int {
	if pos >= len(text) {
		return len(text)
	}
	for pos > 0 && !utf8.RuneStart(text[pos]) {
		pos--
	}
	return pos
}
