// Package persist stores document snapshots by name on pluggable backends
package persist

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
)

// ErrNotFound is returned by Load for a name that was never stored
var ErrNotFound = errors.New("persist: not found")

// ErrInvalidDocID is returned for ids that cannot name a storage path
var ErrInvalidDocID = errors.New("persist: invalid document id")

// Persist makes bytes accessible by name. Storing under an existing name
// replaces its bytes.
type Persist interface {
	Store(ctx context.Context, name string, b []byte) error
	Load(ctx context.Context, name string) ([]byte, error)
}

var docIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]{0,127}$`)

// ValidateDocID rejects ids that cannot be used as a storage path segment
func ValidateDocID(docID string) error {
	if !docIDPattern.MatchString(docID) {
		return fmt.Errorf("%w %q", ErrInvalidDocID, docID)
	}
	return nil
}

// InMemory is a Persist backed by a map
type InMemory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewInMemory returns an empty in-memory store
func NewInMemory() *InMemory {
	return &InMemory{objects: make(map[string][]byte)}
}

// Store copies b under name
func (m *InMemory) Store(_ context.Context, name string, b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = append([]byte(nil), b...)
	return nil
}

// Load returns a copy of the bytes under name
func (m *InMemory) Load(_ context.Context, name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return append([]byte(nil), b...), nil
}

// Len returns the number of stored objects
func (m *InMemory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
