package llm

import (
	"context"
	"sync"
)

// MemoryStore is the default ILLMContextStore backend: one window per
// conversation id, held in a map guarded by a single mutex, mirroring the
// teacher's internal/store/memory single-mutex-per-table idiom.
type MemoryStore struct {
	mu      sync.RWMutex
	windows map[string][]Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: map[string][]Message{}}
}

func (m *MemoryStore) Get(ctx context.Context, id string) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Message(nil), m.windows[id]...), nil
}

func (m *MemoryStore) Set(ctx context.Context, id string, window []Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows[id] = append([]Message(nil), window...)
	return nil
}

var _ ILLMContextStore = (*MemoryStore)(nil)
