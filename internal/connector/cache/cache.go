// Package cache implements the Cache Connector (spec §4.6, C8): a
// short-lived, best-effort store used for the resolved-ACL cache and
// temp-URL tokens. Callers must tolerate cold misses; cache writes never
// block a request on a missing entry.
//
// Grounded on the map+mutex shape used throughout the teacher's
// internal/store/memory package, narrowed to a single TTL-keyed table.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rakunlabs/at/internal/connector"
)

// Cache is the subsystem contract. Get returns (value, found); Set without
// a ttl means "no expiry" (still subject to eviction at the connector's
// discretion).
type Cache interface {
	connector.Connector
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type entry struct {
	value   string
	expires time.Time // zero means no expiry
}

// Memory is the default in-process Cache backend.
type Memory struct {
	mu   sync.RWMutex
	data map[string]entry
}

func NewMemory(context.Context, map[string]any) (connector.Connector, error) {
	return &Memory{data: map[string]entry{}}, nil
}

func (m *Memory) Start(context.Context) error { return nil }
func (m *Memory) Stop(context.Context) error   { return nil }

func (m *Memory) Get(_ context.Context, key string) (string, bool) {
	m.mu.RLock()
	e, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return "", false
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		m.mu.Lock()
		delete(m.data, key)
		m.mu.Unlock()
		return "", false
	}
	return e.value, true
}

func (m *Memory) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	e := entry{value: value}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	m.mu.Lock()
	m.data[key] = e
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}
