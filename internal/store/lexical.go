package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"docsearch/internal/errors"
)

// BleveLexicalIndex is the BM25 keyword index over child chunks, backed by
// Bleve v2. Document-scoped queries filter on the doc_id keyword field
// inside the index rather than post-filtering, so the limit applies to the
// filtered result set.
type BleveLexicalIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

// lexicalDocument is the indexed shape of a child chunk. Coordinates and
// linkage ride along as stored fields so a hit can be traced without a
// metadata lookup; only content and doc_id participate in matching.
type lexicalDocument struct {
	Content   string `json:"content"`
	DocID     string `json:"doc_id"`
	ParentID  string `json:"parent_id"`
	PageStart int    `json:"page_start"`
	PageEnd   int    `json:"page_end"`
	CharStart int    `json:"char_start"`
	CharEnd   int    `json:"char_end"`
	Hash      string `json:"hash"`
}

// validateIndexIntegrity checks a Bleve index directory before opening so a
// half-written index from a crashed process is cleared instead of wedging
// startup.
func validateIndexIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing (corrupted index)")
	}
	if err != nil {
		return fmt.Errorf("cannot stat index_meta.json: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("index_meta.json is empty (corrupted)")
	}

	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("cannot read index_meta.json: %w", err)
	}
	var meta map[string]any
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

// isCorruptionError checks if an error indicates Bleve index corruption.
func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "unexpected end of JSON") ||
		strings.Contains(errStr, "error parsing mapping JSON") ||
		strings.Contains(errStr, "failed to load segment") ||
		strings.Contains(errStr, "error opening bolt") ||
		err == bleve.ErrorIndexMetaCorrupt
}

// NewBleveLexicalIndex opens (or creates) the lexical index at path. An
// empty path creates an in-memory index for testing. A corrupted on-disk
// index is cleared and recreated; the caller is expected to reindex.
func NewBleveLexicalIndex(path string) (*BleveLexicalIndex, error) {
	indexMapping := createLexicalMapping()

	var idx bleve.Index
	var err error
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return nil, fmt.Errorf("create index directory: %w", mkErr)
		}

		if validErr := validateIndexIntegrity(path); validErr != nil {
			slog.Warn("lexical_index_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))
			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, fmt.Errorf("lexical index corrupted at %s and cannot remove: %w (original error: %v)",
					path, removeErr, validErr)
			}
			slog.Info("lexical_index_cleared", slog.String("path", path))
		}

		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, indexMapping)
		} else if err != nil && isCorruptionError(err) {
			slog.Warn("lexical_index_open_failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, fmt.Errorf("lexical index corrupted, cannot clear: %w (original: %v)", removeErr, err)
			}
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create/open lexical index: %w", err)
	}

	return &BleveLexicalIndex{index: idx, path: path}, nil
}

// createLexicalMapping builds the index mapping: English-analyzed content
// plus an exact-match doc_id field for filtering.
func createLexicalMapping() *mapping.IndexMappingImpl {
	contentField := bleve.NewTextFieldMapping()
	contentField.Analyzer = en.AnalyzerName
	contentField.Store = false

	docIDField := bleve.NewTextFieldMapping()
	docIDField.Analyzer = keyword.Name
	docIDField.Store = true

	storedKeyword := bleve.NewTextFieldMapping()
	storedKeyword.Analyzer = keyword.Name
	storedKeyword.Store = true
	storedKeyword.IncludeInAll = false

	storedNumber := bleve.NewNumericFieldMapping()
	storedNumber.Store = true
	storedNumber.IncludeInAll = false

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt("content", contentField)
	docMapping.AddFieldMappingsAt("doc_id", docIDField)
	docMapping.AddFieldMappingsAt("parent_id", storedKeyword)
	docMapping.AddFieldMappingsAt("hash", storedKeyword)
	docMapping.AddFieldMappingsAt("page_start", storedNumber)
	docMapping.AddFieldMappingsAt("page_end", storedNumber)
	docMapping.AddFieldMappingsAt("char_start", storedNumber)
	docMapping.AddFieldMappingsAt("char_end", storedNumber)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping
	indexMapping.DefaultAnalyzer = en.AnalyzerName
	return indexMapping
}

// IndexChildren upserts child chunks into the index keyed by child ID.
func (b *BleveLexicalIndex) IndexChildren(ctx context.Context, children []ChildChunk) error {
	if len(children) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("index is closed")
	}

	batch := b.index.NewBatch()
	for _, c := range children {
		doc := lexicalDocument{
			Content:   c.Text,
			DocID:     c.DocumentID,
			ParentID:  c.ParentID,
			PageStart: c.PageStart,
			PageEnd:   c.PageEnd,
			CharStart: c.CharStart,
			CharEnd:   c.CharEnd,
			Hash:      c.Hash,
		}
		if err := batch.Index(c.ID, doc); err != nil {
			return errors.Wrap(errors.CodeLexicalIndex, errors.KindExternal,
				fmt.Sprintf("index child chunk %s", c.ID), err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return errors.Wrap(errors.CodeLexicalIndex, errors.KindExternal,
			"execute index batch", err)
	}
	return nil
}

// DeleteByIDs removes child chunks from the index.
func (b *BleveLexicalIndex) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("index is closed")
	}

	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := b.index.Batch(batch); err != nil {
		return errors.Wrap(errors.CodeLexicalIndex, errors.KindExternal,
			"delete from index", err)
	}
	return nil
}

// Search returns the top-limit children matching the keyword query, scored
// by BM25. When docIDs is non-empty, only children of those documents match.
func (b *BleveLexicalIndex) Search(ctx context.Context, queryStr string, limit int, docIDs []string) ([]LexicalHit, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, fmt.Errorf("index is closed")
	}

	if strings.TrimSpace(queryStr) == "" || limit <= 0 {
		return []LexicalHit{}, nil
	}

	matchQuery := bleve.NewMatchQuery(queryStr)
	matchQuery.SetField("content")

	var searchQuery query.Query = matchQuery
	if len(docIDs) > 0 {
		terms := make([]query.Query, len(docIDs))
		for i, id := range docIDs {
			tq := bleve.NewTermQuery(id)
			tq.SetField("doc_id")
			terms[i] = tq
		}
		searchQuery = bleve.NewConjunctionQuery(matchQuery, bleve.NewDisjunctionQuery(terms...))
	}

	req := bleve.NewSearchRequest(searchQuery)
	req.Size = limit

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, errors.Wrap(errors.CodeLexicalIndex, errors.KindExternal,
			"lexical search", err)
	}

	hits := make([]LexicalHit, 0, len(result.Hits))
	for _, hit := range result.Hits {
		hits = append(hits, LexicalHit{ChildID: hit.ID, Score: hit.Score})
	}
	return hits, nil
}

// Count returns the number of indexed child chunks.
func (b *BleveLexicalIndex) Count() (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, fmt.Errorf("index is closed")
	}
	n, err := b.index.DocCount()
	return int(n), err
}

// Close closes the index. Idempotent.
func (b *BleveLexicalIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	if b.index != nil {
		return b.index.Close()
	}
	return nil
}
