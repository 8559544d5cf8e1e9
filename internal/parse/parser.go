// Package parse turns raw uploaded bytes into an ordered page sequence.
//
// Dispatch is by MIME type (case-insensitive substring match) plus a content
// sniff of the leading bytes. Anything that is not a PDF is decoded as UTF-8
// with invalid sequences replaced and treated as a single page.
package parse

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"docsearch/internal/chunk"
	"docsearch/internal/errors"
)

// pdfMagic is the signature checked in the first bytes of the payload.
var pdfMagic = []byte("%PDF")

// Document parses content into ordered (page number, text) pages.
// Page numbers are 1-based. Parse failures are surfaced to the caller; the
// ingestion pipeline turns them into a terminal FAILED status.
func Document(content []byte, contentType string) ([]chunk.Page, error) {
	if isPDF(content, contentType) {
		pages, err := pdfPages(content)
		if err != nil {
			return nil, errors.Wrap(errors.CodeParseFailure, errors.KindCorruption,
				fmt.Sprintf("parse pdf: %v", err), err)
		}
		return pages, nil
	}
	return []chunk.Page{{Number: 1, Text: decodeUTF8(content)}}, nil
}

// isPDF reports whether the payload should take the PDF path.
func isPDF(content []byte, contentType string) bool {
	if strings.Contains(strings.ToLower(contentType), "pdf") {
		return true
	}
	head := content
	if len(head) > 5 {
		head = head[:5]
	}
	return bytes.HasPrefix(head, pdfMagic)
}

// pdfPages extracts per-page text. Pages with no extractable text yield an
// empty string but keep their position in the sequence.
// The pdf library panics on some malformed files; the recover turns that
// into a parse error.
func pdfPages(content []byte) (pages []chunk.Page, err error) {
	defer func() {
		if r := recover(); r != nil {
			pages, err = nil, fmt.Errorf("malformed pdf: %v", r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, err
	}

	numPages := reader.NumPage()
	pages = make([]chunk.Page, 0, numPages)
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		text := ""
		if !page.V.IsNull() {
			if extracted, err := page.GetPlainText(nil); err == nil {
				text = extracted
			}
		}
		pages = append(pages, chunk.Page{Number: i, Text: text})
	}
	return pages, nil
}

// decodeUTF8 interprets raw bytes as UTF-8, replacing invalid sequences.
func decodeUTF8(content []byte) string {
	return strings.ToValidUTF8(string(content), "�")
}
