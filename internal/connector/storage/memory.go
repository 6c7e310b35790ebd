package storage

import (
	"context"
	"sync"
	"time"

	"github.com/rakunlabs/at/internal/connector"
	"github.com/rakunlabs/at/internal/identity"
	"github.com/rakunlabs/at/internal/secure"
	"github.com/rakunlabs/at/internal/sreerr"
)

type object struct {
	data        []byte
	meta        map[string]string
	contentType string
}

// Memory is the default in-process Storage backend. Data does not survive
// process restarts (mirrors the teacher's memory store).
type Memory struct {
	mu      sync.RWMutex
	objects map[string]object
	acls    map[string]*identity.ACL
}

func NewMemory(context.Context, map[string]any) (connector.Connector, error) {
	return &Memory{
		objects: map[string]object{},
		acls:    map[string]*identity.ACL{},
	}, nil
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

func (m *Memory) ensureACL(path string, candidate identity.AccessCandidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.acls[path]; !ok {
		m.acls[path] = identity.OwnerACL(candidate)
	}
}

func (m *Memory) Read(ctx context.Context, candidate identity.AccessCandidate, path string) ([]byte, error) {
	m.ensureACL(path, candidate)
	return secure.Call(ctx, m, candidate, path, identity.LevelRead, func(context.Context) ([]byte, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		obj, ok := m.objects[path]
		if !ok {
			return nil, sreerr.Wrap(sreerr.StorageObjectMissing, path, nil)
		}
		out := make([]byte, len(obj.data))
		copy(out, obj.data)
		return out, nil
	})
}

func (m *Memory) Write(ctx context.Context, candidate identity.AccessCandidate, path string, data []byte, opts ...WriteOptions) error {
	m.ensureACL(path, candidate)
	return secure.CallVoid(ctx, m, candidate, path, identity.LevelWrite, func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		existing := m.objects[path]
		buf := make([]byte, len(data))
		copy(buf, data)
		existing.data = buf
		for _, opt := range opts {
			if opt.ContentType != "" {
				existing.contentType = opt.ContentType
			}
			if opt.Metadata != nil {
				existing.meta = opt.Metadata
			}
			if opt.ACL != nil {
				m.acls[path] = opt.ACL
			}
		}
		m.objects[path] = existing
		return nil
	})
}

func (m *Memory) ContentType(ctx context.Context, candidate identity.AccessCandidate, path string) (string, error) {
	m.ensureACL(path, candidate)
	return secure.Call(ctx, m, candidate, path, identity.LevelRead, func(context.Context) (string, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		obj, ok := m.objects[path]
		if !ok {
			return "", sreerr.Wrap(sreerr.StorageObjectMissing, path, nil)
		}
		return obj.contentType, nil
	})
}

func (m *Memory) Delete(ctx context.Context, candidate identity.AccessCandidate, path string) error {
	m.ensureACL(path, candidate)
	return secure.CallVoid(ctx, m, candidate, path, identity.LevelWrite, func(context.Context) error {
		m.mu.Lock()
		delete(m.objects, path)
		delete(m.acls, path)
		m.mu.Unlock()
		return nil
	})
}

func (m *Memory) Exists(ctx context.Context, candidate identity.AccessCandidate, path string) (bool, error) {
	m.ensureACL(path, candidate)
	return secure.Call(ctx, m, candidate, path, identity.LevelRead, func(context.Context) (bool, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		_, ok := m.objects[path]
		return ok, nil
	})
}

func (m *Memory) GetMetadata(ctx context.Context, candidate identity.AccessCandidate, path string) (map[string]string, error) {
	m.ensureACL(path, candidate)
	return secure.Call(ctx, m, candidate, path, identity.LevelRead, func(context.Context) (map[string]string, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		obj, ok := m.objects[path]
		if !ok {
			return nil, sreerr.Wrap(sreerr.StorageObjectMissing, path, nil)
		}
		out := make(map[string]string, len(obj.meta))
		for k, v := range obj.meta {
			out[k] = v
		}
		return out, nil
	})
}

func (m *Memory) SetMetadata(ctx context.Context, candidate identity.AccessCandidate, path string, meta map[string]string) error {
	m.ensureACL(path, candidate)
	return secure.CallVoid(ctx, m, candidate, path, identity.LevelWrite, func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		existing := m.objects[path]
		copied := make(map[string]string, len(meta))
		for k, v := range meta {
			copied[k] = v
		}
		existing.meta = copied
		m.objects[path] = existing
		return nil
	})
}

func (m *Memory) GetACL(ctx context.Context, candidate identity.AccessCandidate, path string) (*identity.ACL, error) {
	m.ensureACL(path, candidate)
	return secure.Call(ctx, m, candidate, path, identity.LevelRead, func(context.Context) (*identity.ACL, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return m.acls[path], nil
	})
}

func (m *Memory) SetACL(ctx context.Context, candidate identity.AccessCandidate, path string, acl *identity.ACL) error {
	m.ensureACL(path, candidate)
	return secure.CallVoid(ctx, m, candidate, path, identity.LevelOwner, func(context.Context) error {
		m.mu.Lock()
		m.acls[path] = acl
		m.mu.Unlock()
		return nil
	})
}

// Expire is unsupported on the in-memory backend: there is no background
// reaper, and pretending to honor a TTL here would silently drop data
// semantics the caller depends on.
func (m *Memory) Expire(context.Context, identity.AccessCandidate, string, time.Duration) error {
	return sreerr.New(sreerr.Unsupported, "storage: expire is not supported by the memory backend")
}
