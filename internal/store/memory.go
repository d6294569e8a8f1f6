package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryBackend implements Backend with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryBackend struct {
	mu   sync.RWMutex
	docs map[string]map[string][]byte
}

// NewMemoryBackend creates a new in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		docs: make(map[string]map[string][]byte),
	}
}

// NewMemoryStore is shorthand for New(NewMemoryBackend()).
func NewMemoryStore() (*Store, *MemoryBackend) {
	b := NewMemoryBackend()
	return New(b), b
}

func (m *MemoryBackend) Load(_ context.Context, kind, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.docs[kind][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	// Return a copy to avoid external mutation.
	return append([]byte(nil), data...), nil
}

func (m *MemoryBackend) Save(_ context.Context, kind, id string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID, ok := m.docs[kind]
	if !ok {
		byID = make(map[string][]byte)
		m.docs[kind] = byID
	}
	byID[id] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryBackend) List(_ context.Context, kind, prefix string) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0)
	for id := range m.docs[kind] {
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	out := make([][]byte, 0, len(ids))
	for _, id := range ids {
		out = append(out, append([]byte(nil), m.docs[kind][id]...))
	}
	return out, nil
}

func (m *MemoryBackend) Delete(_ context.Context, kind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.docs[kind], id)
	return nil
}

// Dump returns a copy of every document, keyed "kind/id". Tests use it to
// compare whole-store state across replays.
func (m *MemoryBackend) Dump() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string)
	for kind, byID := range m.docs {
		for id, data := range byID {
			out[kind+"/"+id] = string(data)
		}
	}
	return out
}

// Count returns the number of documents of kind.
func (m *MemoryBackend) Count(kind string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs[kind])
}
