// Package store holds the persistence layer: durable document and chunk
// metadata in SQLite, a BM25 lexical index in Bleve, and an in-process HNSW
// vector index. The vector index is rebuilt from stored embeddings at
// startup, so SQLite remains the single durable source of truth for vectors.
package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// DocumentStatus is the lifecycle state of an uploaded document.
type DocumentStatus string

const (
	StatusUploaded   DocumentStatus = "UPLOADED"
	StatusProcessing DocumentStatus = "PROCESSING"
	StatusReady      DocumentStatus = "READY"
	StatusFailed     DocumentStatus = "FAILED"
)

// Valid reports whether s is a known status.
func (s DocumentStatus) Valid() bool {
	switch s {
	case StatusUploaded, StatusProcessing, StatusReady, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s DocumentStatus) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// CanTransition reports whether the status move from -> to is legal.
// The lifecycle is strictly forward: UPLOADED -> PROCESSING -> READY|FAILED.
func CanTransition(from, to DocumentStatus) bool {
	switch from {
	case StatusUploaded:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusReady || to == StatusFailed
	}
	return false
}

// Document is the durable record of an uploaded file.
type Document struct {
	ID          string
	TenantID    string
	Filename    string
	ContentType string
	SHA256      string
	BlobKey     string
	Status      DocumentStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ParentChunk is a large retrieval-context window over a document.
type ParentChunk struct {
	ID         string
	DocumentID string
	Seq        int
	Text       string
	PageStart  int
	PageEnd    int
	CharStart  int
	CharEnd    int
	Hash       string
}

// ChildChunk is a small retrieval-unit window nested inside a parent.
type ChildChunk struct {
	ID         string
	DocumentID string
	ParentID   string
	Seq        int
	Text       string
	PageStart  int
	PageEnd    int
	CharStart  int
	CharEnd    int
	Hash       string
}

// ChunkEmbedding is a stored dense vector for one child chunk.
type ChunkEmbedding struct {
	ChildID string
	Model   string
	Vector  []float32
}

// ParentWithDocument joins a parent chunk with its owning document, as the
// answer assembly stage needs both.
type ParentWithDocument struct {
	Parent   ParentChunk
	Document Document
}

// MetadataStore is the durable metadata interface backed by SQLite.
type MetadataStore interface {
	// InsertDocument stores a new document record.
	InsertDocument(ctx context.Context, doc *Document) error

	// GetDocument fetches a document by ID. Returns a not-found error when
	// no row exists.
	GetDocument(ctx context.Context, id string) (*Document, error)

	// FindByTenantAndHash looks up an existing document with the same
	// content hash for the tenant. Returns (nil, nil) when none exists.
	FindByTenantAndHash(ctx context.Context, tenantID, sha256 string) (*Document, error)

	// UpdateStatus moves a document through its lifecycle, rejecting
	// illegal transitions.
	UpdateStatus(ctx context.Context, id string, to DocumentStatus) error

	// ReplaceChunks atomically replaces all chunks of a document with the
	// given parents and children.
	ReplaceChunks(ctx context.Context, documentID string, parents []ParentChunk, children []ChildChunk) error

	// UpsertEmbeddings stores embeddings, overwriting any existing vector
	// for the same child chunk.
	UpsertEmbeddings(ctx context.Context, embeddings []ChunkEmbedding) error

	// ListChildIDs returns the IDs of all child chunks of a document,
	// regardless of document status.
	ListChildIDs(ctx context.Context, documentID string) ([]string, error)

	// GetChildrenByIDs fetches child chunks by ID. Missing IDs and
	// children of non-READY documents are omitted.
	GetChildrenByIDs(ctx context.Context, ids []string) (map[string]*ChildChunk, error)

	// GetParentsByIDs fetches parent chunks joined with their documents.
	// Missing IDs and parents of non-READY documents are omitted.
	GetParentsByIDs(ctx context.Context, ids []string) (map[string]*ParentWithDocument, error)

	// GetAllEmbeddings streams the stored embeddings of READY documents
	// with their owning document IDs, for rebuilding the vector index at
	// startup.
	GetAllEmbeddings(ctx context.Context, fn func(childID, documentID string, vector []float32) error) error

	// Close releases the underlying database.
	Close() error
}

// LexicalHit is one BM25 match from the lexical index.
type LexicalHit struct {
	ChildID string
	Score   float64
}

// VectorHit is one nearest-neighbor match from the vector index.
type VectorHit struct {
	ChildID string
	Score   float32
}

// encodeVector serializes a float32 vector as little-endian bytes.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector deserializes a little-endian float32 vector.
func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d not a multiple of 4", len(buf))
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v, nil
}
