package linker

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// Loader fetches the raw text of a referenced document.
type Loader interface {
	Load(ctx context.Context, locator string) ([]byte, error)
}

// FileLoader reads referenced documents from the local filesystem.
type FileLoader struct{}

// Load implements Loader.
func (FileLoader) Load(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(locator)
	if err != nil {
		return nil, fmt.Errorf("read ref %s: %w", locator, err)
	}
	return data, nil
}

// MapLoader serves documents from memory, keyed by locator.
type MapLoader struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMapLoader creates a MapLoader seeded with docs.
func NewMapLoader(docs map[string]string) *MapLoader {
	m := &MapLoader{docs: make(map[string][]byte, len(docs))}
	for k, v := range docs {
		m.docs[k] = []byte(v)
	}
	return m
}

// Set adds or replaces a document.
func (m *MapLoader) Set(locator, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[locator] = []byte(text)
}

// Load implements Loader.
func (m *MapLoader) Load(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.docs[locator]
	if !ok {
		return nil, fmt.Errorf("ref %s: %w", locator, os.ErrNotExist)
	}
	return data, nil
}
