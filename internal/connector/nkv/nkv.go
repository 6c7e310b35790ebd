// Package nkv implements the Namespaced Key-Value Connector (spec §4.6,
// C7), a scoped key-value store used primarily by VectorDB to persist
// datasource descriptors. Resource id is "nkv:<store>": one ACL covers
// every key of a store.
//
// Grounded on the sqlite3/postgres key-value table shape in the teacher's
// internal/store packages (ListX/GetX/CreateX/DeleteX CRUD), narrowed to
// opaque string values scoped by store name.
package nkv

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rakunlabs/at/internal/connector"
	"github.com/rakunlabs/at/internal/identity"
	"github.com/rakunlabs/at/internal/secure"
	"github.com/rakunlabs/at/internal/sreerr"
)

// NKV is the subsystem contract. Every method is ACL-checked against the
// (store, candidate) resource id.
type NKV interface {
	connector.Connector
	secure.ACLResolver

	Set(ctx context.Context, candidate identity.AccessCandidate, store, key, value string) error
	Get(ctx context.Context, candidate identity.AccessCandidate, store, key string) (string, error)
	Delete(ctx context.Context, candidate identity.AccessCandidate, store, key string) error
	List(ctx context.Context, candidate identity.AccessCandidate, store string) ([]string, error)
}

func resourceID(store string) string { return "nkv:" + store }

// Memory is the default in-process NKV backend: one map of key->value per
// store, guarded by a single mutex (namespaces are small and short-lived).
type Memory struct {
	mu    sync.RWMutex
	stores map[string]map[string]string
	acls  map[string]*identity.ACL
}

func NewMemory(context.Context, map[string]any) (connector.Connector, error) {
	return &Memory{stores: map[string]map[string]string{}, acls: map[string]*identity.ACL{}}, nil
}

func (m *Memory) Start(context.Context) error { return nil }
func (m *Memory) Stop(context.Context) error   { return nil }

func (m *Memory) GetResourceACL(_ context.Context, resID string, candidate identity.AccessCandidate) (*identity.ACL, error) {
	m.mu.RLock()
	acl, ok := m.acls[resID]
	m.mu.RUnlock()
	if ok {
		return acl, nil
	}
	return identity.OwnerACL(candidate), nil
}

func (m *Memory) ensure(store string, candidate identity.AccessCandidate) {
	resID := resourceID(store)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stores[store]; !ok {
		m.stores[store] = map[string]string{}
	}
	if _, ok := m.acls[resID]; !ok {
		m.acls[resID] = identity.OwnerACL(candidate)
	}
}

func (m *Memory) Set(ctx context.Context, candidate identity.AccessCandidate, store, key, value string) error {
	m.ensure(store, candidate)
	return secure.CallVoid(ctx, m, candidate, resourceID(store), identity.LevelWrite, func(context.Context) error {
		m.mu.Lock()
		m.stores[store][key] = value
		m.mu.Unlock()
		return nil
	})
}

func (m *Memory) Get(ctx context.Context, candidate identity.AccessCandidate, store, key string) (string, error) {
	m.ensure(store, candidate)
	return secure.Call(ctx, m, candidate, resourceID(store), identity.LevelRead, func(context.Context) (string, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		value, ok := m.stores[store][key]
		if !ok {
			return "", sreerr.Wrap(sreerr.NotFound, fmt.Sprintf("nkv key %s/%s", store, key), nil)
		}
		return value, nil
	})
}

func (m *Memory) Delete(ctx context.Context, candidate identity.AccessCandidate, store, key string) error {
	m.ensure(store, candidate)
	return secure.CallVoid(ctx, m, candidate, resourceID(store), identity.LevelWrite, func(context.Context) error {
		m.mu.Lock()
		delete(m.stores[store], key)
		m.mu.Unlock()
		return nil
	})
}

func (m *Memory) List(ctx context.Context, candidate identity.AccessCandidate, store string) ([]string, error) {
	m.ensure(store, candidate)
	return secure.Call(ctx, m, candidate, resourceID(store), identity.LevelRead, func(context.Context) ([]string, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		keys := make([]string, 0, len(m.stores[store]))
		for k := range m.stores[store] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return keys, nil
	})
}
