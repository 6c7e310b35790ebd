// Package storage implements the Storage Connector (spec §4.5, C6): a
// byte-addressable object store keyed by an opaque path, with metadata and
// an ACL kept per path.
//
// Grounded on the teacher's internal/store/memory package (one map, one
// mutex, ulid ids, JSON round-tripping to normalize values) generalized
// from named record tables to a single path-keyed object table. Memory
// keeps metadata on the object record and ACLs in a path-keyed map;
// Postgres keeps both as columns of the object's row.
package storage

import (
	"context"
	"time"

	"github.com/rakunlabs/at/internal/connector"
	"github.com/rakunlabs/at/internal/identity"
	"github.com/rakunlabs/at/internal/secure"
)

// WriteOptions carries the optional fields of a Storage Object write
// (spec §3: "(bytes, ContentType, ACL, UserMetadata)"; spec §4.5:
// "write(path, bytes, acl?, metadata?)"). The zero value writes plain
// bytes with no content type, no ACL change, and no metadata change.
type WriteOptions struct {
	// ContentType is recorded alongside the object and returned verbatim
	// by ContentType/served as the HTTP Content-Type header by SmythFS
	// (spec §6: "Content-Type header MUST equal the stored value").
	ContentType string
	ACL         *identity.ACL
	Metadata    map[string]string
}

// Storage is the subsystem contract. Every path is ACL-checked against the
// path itself as the resource id (spec §4.5).
type Storage interface {
	connector.Connector
	secure.ACLResolver

	Read(ctx context.Context, candidate identity.AccessCandidate, path string) ([]byte, error)
	Write(ctx context.Context, candidate identity.AccessCandidate, path string, data []byte, opts ...WriteOptions) error
	Delete(ctx context.Context, candidate identity.AccessCandidate, path string) error
	Exists(ctx context.Context, candidate identity.AccessCandidate, path string) (bool, error)

	// ContentType returns the MIME type recorded at the last Write, or ""
	// if none was given.
	ContentType(ctx context.Context, candidate identity.AccessCandidate, path string) (string, error)

	GetMetadata(ctx context.Context, candidate identity.AccessCandidate, path string) (map[string]string, error)
	SetMetadata(ctx context.Context, candidate identity.AccessCandidate, path string, meta map[string]string) error

	GetACL(ctx context.Context, candidate identity.AccessCandidate, path string) (*identity.ACL, error)
	SetACL(ctx context.Context, candidate identity.AccessCandidate, path string, acl *identity.ACL) error

	// Expire schedules path for deletion after ttl. Backends without native
	// TTL support return sreerr.Unsupported rather than silently no-op
	// (an Open Question the spec explicitly preserves: expire must be
	// honest about its absence, never a quiet success).
	Expire(ctx context.Context, candidate identity.AccessCandidate, path string, ttl time.Duration) error
}
