package blob

import (
	"context"
	"fmt"
	"sync"

	"docsearch/internal/errors"
)

// MemoryStore is an in-memory Store for tests and single-process setups.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Put stores a copy of content under key.
func (m *MemoryStore) Put(_ context.Context, key string, content []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf := make([]byte, len(content))
	copy(buf, content)
	m.objects[key] = buf
	return nil
}

// Get returns a copy of the content stored under key.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	content, ok := m.objects[key]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, errors.KindNotFound,
			fmt.Sprintf("object %s not found", key))
	}
	buf := make([]byte, len(content))
	copy(buf, content)
	return buf, nil
}

// EnsureBucket is a no-op for the memory store.
func (m *MemoryStore) EnsureBucket(context.Context) error {
	return nil
}
