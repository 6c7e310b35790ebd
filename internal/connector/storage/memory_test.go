package storage

import (
	"context"
	"testing"

	"github.com/rakunlabs/at/internal/identity"
	"github.com/rakunlabs/at/internal/sreerr"
)

func newMemory(t *testing.T) *Memory {
	t.Helper()
	c, err := NewMemory(context.Background(), nil)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	return c.(*Memory)
}

func TestMemoryWriteRead(t *testing.T) {
	m := newMemory(t)
	owner := identity.User("u1")
	ctx := context.Background()

	if err := m.Write(ctx, owner, "a/b.txt", []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := m.Read(ctx, owner, "a/b.txt")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("Read = %q, want %q", got, "hello")
	}
}

func TestMemoryReadMissingReturnsNotFound(t *testing.T) {
	m := newMemory(t)
	owner := identity.User("u1")

	_, err := m.Read(context.Background(), owner, "missing")
	if !sreerr.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestMemoryAccessDeniedForOtherUser(t *testing.T) {
	m := newMemory(t)
	owner := identity.User("owner")
	stranger := identity.User("stranger")
	ctx := context.Background()

	if err := m.Write(ctx, owner, "secret.txt", []byte("shh")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	_, err := m.Read(ctx, stranger, "secret.txt")
	if !sreerr.IsAccessDenied(err) {
		t.Fatalf("expected AccessDenied, got %v", err)
	}
}

func TestMemorySetACLGrantsAccess(t *testing.T) {
	m := newMemory(t)
	owner := identity.User("owner")
	reader := identity.User("reader")
	ctx := context.Background()

	if err := m.Write(ctx, owner, "shared.txt", []byte("data")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	acl := identity.OwnerACL(owner)
	acl.Grant(identity.RoleUser, "reader", identity.LevelRead)
	if err := m.SetACL(ctx, owner, "shared.txt", acl); err != nil {
		t.Fatalf("SetACL: %v", err)
	}

	if _, err := m.Read(ctx, reader, "shared.txt"); err != nil {
		t.Fatalf("Read as granted reader: %v", err)
	}
}

func TestMemoryMetadataRoundTrip(t *testing.T) {
	m := newMemory(t)
	owner := identity.User("u1")
	ctx := context.Background()

	if err := m.Write(ctx, owner, "f", []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := m.SetMetadata(ctx, owner, "f", map[string]string{"content-type": "text/plain"}); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}

	meta, err := m.GetMetadata(ctx, owner, "f")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if meta["content-type"] != "text/plain" {
		t.Fatalf("GetMetadata = %v", meta)
	}
}

func TestMemoryExpireUnsupported(t *testing.T) {
	m := newMemory(t)
	owner := identity.User("u1")
	ctx := context.Background()

	if err := m.Write(ctx, owner, "f", []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	err := m.Expire(ctx, owner, "f", 0)
	if !sreerr.IsUnsupported(err) {
		t.Fatalf("expected Unsupported, got %v", err)
	}
}

func TestMemoryDelete(t *testing.T) {
	m := newMemory(t)
	owner := identity.User("u1")
	ctx := context.Background()

	if err := m.Write(ctx, owner, "f", []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := m.Delete(ctx, owner, "f"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Read(ctx, owner, "f"); !sreerr.IsNotFound(err) {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
}
