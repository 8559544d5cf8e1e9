// Package blob stores raw uploaded document bytes. The production backend
// is S3-compatible object storage (MinIO in development); a memory backend
// serves tests.
package blob

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Store is the raw-bytes persistence interface.
type Store interface {
	// Put writes content under key with the given content type.
	Put(ctx context.Context, key string, content []byte, contentType string) error

	// Get reads the content stored under key.
	Get(ctx context.Context, key string) ([]byte, error)

	// EnsureBucket creates the backing bucket if it does not already
	// exist. Safe to call repeatedly.
	EnsureBucket(ctx context.Context) error
}

// ObjectKey derives the storage key for an uploaded document. The UUID
// prefix keeps re-uploads of the same filename from colliding.
func ObjectKey(documentID uuid.UUID, filename string) string {
	return fmt.Sprintf("documents/%s-%s", documentID, filename)
}
