package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"
)

// HNSW defaults, tuned for small-to-medium document collections.
const (
	DefaultHNSWM        = 16
	DefaultHNSWEfSearch = 40
)

// VectorConfig configures the HNSW vector index.
type VectorConfig struct {
	// Dimensions is the fixed embedding width.
	Dimensions int

	// M is the maximum number of graph neighbors per node.
	M int

	// EfSearch is the search beam width.
	EfSearch int
}

// HNSWIndex is the in-process approximate-nearest-neighbor index over child
// chunk embeddings. It is not durable on its own: embeddings live in the
// metadata store and the graph is rebuilt from them at startup, with
// optional snapshot save/load to skip the rebuild cost.
//
// Deletion is lazy. Removing a child only drops its ID mappings; the graph
// node stays behind as an orphan and is skipped during search. Rebuild
// compacts orphans away.
type HNSWIndex struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config VectorConfig

	idMap   map[string]uint64 // child ID -> internal key
	keyMap  map[uint64]string // internal key -> child ID
	docOf   map[string]string // child ID -> document ID
	nextKey uint64

	closed bool
}

// hnswSnapshot is the gob-encoded sidecar holding ID mappings.
type hnswSnapshot struct {
	IDMap   map[string]uint64
	DocOf   map[string]string
	NextKey uint64
	Config  VectorConfig
}

// NewHNSWIndex creates an empty vector index.
func NewHNSWIndex(cfg VectorConfig) (*HNSWIndex, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.M <= 0 {
		cfg.M = DefaultHNSWM
	}
	if cfg.EfSearch <= 0 {
		cfg.EfSearch = DefaultHNSWEfSearch
	}

	s := &HNSWIndex{config: cfg}
	s.resetGraph()
	return s, nil
}

func (s *HNSWIndex) resetGraph() {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = s.config.M
	graph.EfSearch = s.config.EfSearch
	s.graph = graph
	s.idMap = make(map[string]uint64)
	s.keyMap = make(map[uint64]string)
	s.docOf = make(map[string]string)
	s.nextKey = 0
}

// Add inserts child vectors with their owning document IDs. Re-adding an
// existing child ID replaces its vector via lazy deletion.
func (s *HNSWIndex) Add(ctx context.Context, childIDs, documentIDs []string, vectors [][]float32) error {
	if len(childIDs) == 0 {
		return nil
	}
	if len(childIDs) != len(vectors) || len(childIDs) != len(documentIDs) {
		return fmt.Errorf("ids, documents and vectors length mismatch: %d, %d, %d",
			len(childIDs), len(documentIDs), len(vectors))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("index is closed")
	}

	for _, v := range vectors {
		if len(v) != s.config.Dimensions {
			return fmt.Errorf("dimension mismatch: expected %d, got %d", s.config.Dimensions, len(v))
		}
	}

	for i, id := range childIDs {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Lazy-delete a prior vector for this child; deleting graph nodes
		// directly can break the coder/hnsw graph.
		if existingKey, exists := s.idMap[id]; exists {
			delete(s.keyMap, existingKey)
			delete(s.idMap, id)
			delete(s.docOf, id)
		}

		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		normalizeInPlace(vec)

		s.graph.Add(hnsw.MakeNode(key, vec))
		s.idMap[id] = key
		s.keyMap[key] = id
		s.docOf[id] = documentIDs[i]
	}
	return nil
}

// Search finds the k nearest children to the query vector. When docIDs is
// non-empty, only children of those documents are returned; the graph is
// over-fetched until k filtered matches are found or the graph is exhausted.
func (s *HNSWIndex) Search(ctx context.Context, query []float32, k int, docIDs []string) ([]VectorHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("index is closed")
	}
	if len(query) != s.config.Dimensions {
		return nil, fmt.Errorf("dimension mismatch: expected %d, got %d", s.config.Dimensions, len(query))
	}
	if k <= 0 || s.graph.Len() == 0 {
		return []VectorHit{}, nil
	}

	allowed := make(map[string]bool, len(docIDs))
	for _, id := range docIDs {
		allowed[id] = true
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	normalizeInPlace(normalized)

	graphSize := s.graph.Len()
	fetchK := k
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		nodes := s.graph.Search(normalized, min(fetchK, graphSize))

		hits := make([]VectorHit, 0, k)
		for _, node := range nodes {
			childID, exists := s.keyMap[node.Key]
			if !exists {
				continue // lazy-deleted orphan
			}
			if len(allowed) > 0 && !allowed[s.docOf[childID]] {
				continue
			}
			distance := s.graph.Distance(normalized, node.Value)
			hits = append(hits, VectorHit{ChildID: childID, Score: 1.0 - distance/2.0})
			if len(hits) == k {
				return hits, nil
			}
		}

		if fetchK >= graphSize {
			return hits, nil
		}
		fetchK *= 2
	}
}

// Delete removes children from the index via lazy deletion.
func (s *HNSWIndex) Delete(ctx context.Context, childIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("index is closed")
	}

	for _, id := range childIDs {
		if key, exists := s.idMap[id]; exists {
			delete(s.keyMap, key)
			delete(s.idMap, id)
			delete(s.docOf, id)
		}
	}
	return nil
}

// Count returns the number of active (non-orphaned) vectors.
func (s *HNSWIndex) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0
	}
	return len(s.idMap)
}

// EmbeddingSource supplies stored embeddings for rebuilding the graph.
// *SQLiteStore satisfies it.
type EmbeddingSource interface {
	GetAllEmbeddings(ctx context.Context, fn func(childID, documentID string, vector []float32) error) error
}

// Rebuild replaces the graph with a fresh one built from the metadata
// store's embeddings, compacting away lazy-deleted orphans.
func (s *HNSWIndex) Rebuild(ctx context.Context, source EmbeddingSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("index is closed")
	}

	s.resetGraph()
	return source.GetAllEmbeddings(ctx, func(childID, documentID string, vector []float32) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(vector) != s.config.Dimensions {
			return fmt.Errorf("stored embedding for child %s has %d dimensions, expected %d",
				childID, len(vector), s.config.Dimensions)
		}

		vec := make([]float32, len(vector))
		copy(vec, vector)
		normalizeInPlace(vec)

		key := s.nextKey
		s.nextKey++
		s.graph.Add(hnsw.MakeNode(key, vec))
		s.idMap[childID] = key
		s.keyMap[key] = childID
		s.docOf[childID] = documentID
		return nil
	})
}

// Save snapshots the graph and ID mappings to disk atomically.
func (s *HNSWIndex) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("index is closed")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	if err := s.graph.Export(file); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("export graph: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close index file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename index file: %w", err)
	}

	return s.saveSnapshotMeta(path + ".meta")
}

func (s *HNSWIndex) saveSnapshotMeta(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create snapshot metadata: %w", err)
	}

	snap := hnswSnapshot{
		IDMap:   s.idMap,
		DocOf:   s.docOf,
		NextKey: s.nextKey,
		Config:  s.config,
	}
	if err := gob.NewEncoder(file).Encode(snap); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("encode snapshot metadata: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close snapshot metadata: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// Load restores a snapshot written by Save.
func (s *HNSWIndex) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("index is closed")
	}

	metaFile, err := os.Open(path + ".meta")
	if err != nil {
		return fmt.Errorf("open snapshot metadata: %w", err)
	}
	defer func() { _ = metaFile.Close() }()

	var snap hnswSnapshot
	if err := gob.NewDecoder(metaFile).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot metadata: %w", err)
	}
	if snap.Config.Dimensions != s.config.Dimensions {
		return fmt.Errorf("snapshot has %d dimensions, index expects %d",
			snap.Config.Dimensions, s.config.Dimensions)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open index file: %w", err)
	}
	defer func() { _ = file.Close() }()

	// coder/hnsw Import requires an io.ByteReader.
	s.resetGraph()
	if err := s.graph.Import(bufio.NewReader(file)); err != nil {
		return fmt.Errorf("import graph: %w", err)
	}

	s.idMap = snap.IDMap
	s.docOf = snap.DocOf
	s.nextKey = snap.NextKey
	s.keyMap = make(map[uint64]string, len(snap.IDMap))
	for id, key := range snap.IDMap {
		s.keyMap[key] = id
	}
	return nil
}

// Close releases the graph.
func (s *HNSWIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.graph = nil
	return nil
}

// normalizeInPlace normalizes a vector to unit length in place.
func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}
