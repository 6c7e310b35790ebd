package smythfs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"mime"
	"path/filepath"
	"time"

	"github.com/rakunlabs/at/internal/connector/cache"
	"github.com/rakunlabs/at/internal/connector/storage"
	"github.com/rakunlabs/at/internal/identity"
	"github.com/rakunlabs/at/internal/sreerr"
)

// contentTypeFor derives the MIME type to record for a write from the
// URI path's extension (spec §6: resource URLs derive "<ext> ... via the
// standard MIME->extension table" from the Content-Type; the inverse
// lookup at write time keeps that table the single source of truth).
func contentTypeFor(path string) string {
	ct := mime.TypeByExtension(filepath.Ext(path))
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}

// FS is SmythFS: a Storage Connector instance plus a Cache Connector
// instance used for temp-URL token bookkeeping.
type FS struct {
	storage storage.Storage
	cache   cache.Cache

	// publicBase is prefixed onto issued temp/resource URLs, e.g.
	// "https://sre.example.com".
	publicBase string
}

func New(store storage.Storage, c cache.Cache, publicBase string) *FS {
	return &FS{storage: store, cache: c, publicBase: publicBase}
}

func (fs *FS) Read(ctx context.Context, candidate identity.AccessCandidate, uri string) ([]byte, error) {
	u, err := Parse(uri)
	if err != nil {
		return nil, sreerr.Wrap(sreerr.InvalidArgument, "smythfs: read", err)
	}
	return fs.storage.Read(ctx, candidate, u.storagePath())
}

func (fs *FS) Write(ctx context.Context, candidate identity.AccessCandidate, uri string, data []byte) error {
	u, err := Parse(uri)
	if err != nil {
		return sreerr.Wrap(sreerr.InvalidArgument, "smythfs: write", err)
	}
	return fs.storage.Write(ctx, candidate, u.storagePath(), data, storage.WriteOptions{ContentType: contentTypeFor(u.Path)})
}

// ReadWithContentType is Read plus the recorded Content-Type, used by the
// HTTP handlers so a GET response carries the same header the bytes were
// written with (spec §6: "Content-Type header MUST equal the stored value").
func (fs *FS) ReadWithContentType(ctx context.Context, candidate identity.AccessCandidate, uri string) ([]byte, string, error) {
	u, err := Parse(uri)
	if err != nil {
		return nil, "", sreerr.Wrap(sreerr.InvalidArgument, "smythfs: read", err)
	}
	data, err := fs.storage.Read(ctx, candidate, u.storagePath())
	if err != nil {
		return nil, "", err
	}
	contentType, err := fs.storage.ContentType(ctx, candidate, u.storagePath())
	if err != nil {
		return nil, "", err
	}
	if contentType == "" {
		contentType = contentTypeFor(u.Path)
	}
	return data, contentType, nil
}

func (fs *FS) Delete(ctx context.Context, candidate identity.AccessCandidate, uri string) error {
	u, err := Parse(uri)
	if err != nil {
		return sreerr.Wrap(sreerr.InvalidArgument, "smythfs: delete", err)
	}
	return fs.storage.Delete(ctx, candidate, u.storagePath())
}

func (fs *FS) Exists(ctx context.Context, candidate identity.AccessCandidate, uri string) (bool, error) {
	u, err := Parse(uri)
	if err != nil {
		return false, sreerr.Wrap(sreerr.InvalidArgument, "smythfs: exists", err)
	}
	return fs.storage.Exists(ctx, candidate, u.storagePath())
}

const tempTokenPrefix = "smythfs:temp:"

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// GenTempURL issues a short-lived, unauthenticated URL for uri, valid for
// ttl. The token maps back to (candidate, uri) in the Cache Connector
// (spec §4.5: "temp-URL issuance with TTL via Cache").
func (fs *FS) GenTempURL(ctx context.Context, candidate identity.AccessCandidate, uri string, ttl time.Duration) (string, error) {
	// Validate the candidate actually has read access up front, so a
	// temp URL is never issued for a resource the caller cannot read.
	if _, err := fs.Read(ctx, candidate, uri); err != nil {
		return "", err
	}

	token, err := newToken()
	if err != nil {
		return "", sreerr.Wrap(sreerr.BackendFailure, "smythfs: generate temp token", err)
	}

	record := candidate.String() + "|" + uri
	if err := fs.cache.Set(ctx, tempTokenPrefix+token, record, ttl); err != nil {
		return "", sreerr.Wrap(sreerr.BackendFailure, "smythfs: store temp token", err)
	}

	return fmt.Sprintf("%s/_temp/%s", fs.publicBase, token), nil
}

// DestroyTempURL revokes a previously issued temp URL before its TTL
// expires.
func (fs *FS) DestroyTempURL(ctx context.Context, token string) error {
	return fs.cache.Delete(ctx, tempTokenPrefix+token)
}

// ResolveTempURL is called by the HTTP handler serving GET /_temp/{token}.
// It returns the bytes and Content-Type behind the token, or sreerr.NotFound
// if the token is unknown or expired.
func (fs *FS) ResolveTempURL(ctx context.Context, token string) ([]byte, string, error) {
	record, ok := fs.cache.Get(ctx, tempTokenPrefix+token)
	if !ok {
		return nil, "", sreerr.New(sreerr.NotFound, "smythfs: temp url token not found or expired")
	}

	candidate, uri, err := splitRecord(record)
	if err != nil {
		return nil, "", sreerr.Wrap(sreerr.BackendFailure, "smythfs: decode temp token record", err)
	}

	return fs.ReadWithContentType(ctx, candidate, uri)
}

func splitRecord(record string) (identity.AccessCandidate, string, error) {
	for i := 0; i < len(record); i++ {
		if record[i] == '|' {
			candStr, uri := record[:i], record[i+1:]
			cand, err := parseCandidate(candStr)
			if err != nil {
				return identity.AccessCandidate{}, "", err
			}
			return cand, uri, nil
		}
	}
	return identity.AccessCandidate{}, "", fmt.Errorf("malformed temp token record %q", record)
}

func parseCandidate(s string) (identity.AccessCandidate, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			roleStr, id := s[:i], s[i+1:]
			switch roleStr {
			case "user":
				return identity.User(id), nil
			case "team":
				return identity.Team(id), nil
			case "agent":
				return identity.Agent(id), nil
			}
			return identity.AccessCandidate{}, fmt.Errorf("unknown role %q", roleStr)
		}
	}
	return identity.AccessCandidate{}, fmt.Errorf("malformed candidate %q", s)
}

const resourceRecordPrefix = "smythfs:resource:"

// GenResourceURL issues a stable, directly-addressable URL for uri.
// Restricted to Agent candidates (spec §4.5, Open Question resolved in
// the original: "Only agents can generate resource urls"). Unlike temp
// URLs, the mapping never expires: it is meant to be embedded in content
// the agent hands out (e.g. an image link in a chat response).
func (fs *FS) GenResourceURL(ctx context.Context, candidate identity.AccessCandidate, uri string) (string, error) {
	if candidate.Role != identity.RoleAgent {
		return "", sreerr.New(sreerr.InvalidArgument, "Only agents can generate resource urls")
	}
	if _, err := fs.Read(ctx, candidate, uri); err != nil {
		return "", err
	}

	u, err := Parse(uri)
	if err != nil {
		return "", sreerr.Wrap(sreerr.InvalidArgument, "smythfs: gen resource url", err)
	}

	record := candidate.String() + "|" + uri
	if err := fs.cache.Set(ctx, resourceRecordPrefix+u.storagePath(), record, 0); err != nil {
		return "", sreerr.Wrap(sreerr.BackendFailure, "smythfs: store resource mapping", err)
	}

	return fmt.Sprintf("%s/_resource/%s", fs.publicBase, u.storagePath()), nil
}

// ResolveResourceURL is called by the HTTP handler serving
// GET /_resource/<storagePath>. It replays the read under the same
// candidate that issued the URL, so the object's ACL is still the
// authority on whether the bytes are returned.
func (fs *FS) ResolveResourceURL(ctx context.Context, storagePath string) ([]byte, string, error) {
	record, ok := fs.cache.Get(ctx, resourceRecordPrefix+storagePath)
	if !ok {
		return nil, "", sreerr.New(sreerr.NotFound, "smythfs: resource url not found")
	}

	candidate, uri, err := splitRecord(record)
	if err != nil {
		return nil, "", sreerr.Wrap(sreerr.BackendFailure, "smythfs: decode resource record", err)
	}

	return fs.ReadWithContentType(ctx, candidate, uri)
}
