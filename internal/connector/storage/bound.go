package storage

import (
	"context"
	"time"

	"github.com/rakunlabs/at/internal/identity"
)

// Bound is a Storage connector view with the candidate already fixed, the
// per-subsystem instance of the spec §4.2 Requester pattern (bus.Requester
// binds the candidate; Bound binds it to this subsystem's method set).
type Bound struct {
	storage   Storage
	candidate identity.AccessCandidate
}

// Bind fixes candidate onto storage for the rest of a request's lifetime.
func Bind(storage Storage, candidate identity.AccessCandidate) Bound {
	return Bound{storage: storage, candidate: candidate}
}

func (b Bound) Read(ctx context.Context, path string) ([]byte, error) {
	return b.storage.Read(ctx, b.candidate, path)
}

func (b Bound) Write(ctx context.Context, path string, data []byte, opts ...WriteOptions) error {
	return b.storage.Write(ctx, b.candidate, path, data, opts...)
}

func (b Bound) ContentType(ctx context.Context, path string) (string, error) {
	return b.storage.ContentType(ctx, b.candidate, path)
}

func (b Bound) Delete(ctx context.Context, path string) error {
	return b.storage.Delete(ctx, b.candidate, path)
}

func (b Bound) Exists(ctx context.Context, path string) (bool, error) {
	return b.storage.Exists(ctx, b.candidate, path)
}

func (b Bound) GetMetadata(ctx context.Context, path string) (map[string]string, error) {
	return b.storage.GetMetadata(ctx, b.candidate, path)
}

func (b Bound) SetMetadata(ctx context.Context, path string, meta map[string]string) error {
	return b.storage.SetMetadata(ctx, b.candidate, path, meta)
}

func (b Bound) GetACL(ctx context.Context, path string) (*identity.ACL, error) {
	return b.storage.GetACL(ctx, b.candidate, path)
}

func (b Bound) SetACL(ctx context.Context, path string, acl *identity.ACL) error {
	return b.storage.SetACL(ctx, b.candidate, path, acl)
}

func (b Bound) Expire(ctx context.Context, path string, ttl time.Duration) error {
	return b.storage.Expire(ctx, b.candidate, path, ttl)
}
