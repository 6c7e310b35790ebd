package smythfs

import (
	"context"
	"testing"
	"time"

	"github.com/rakunlabs/at/internal/connector/cache"
	"github.com/rakunlabs/at/internal/connector/storage"
	"github.com/rakunlabs/at/internal/identity"
	"github.com/rakunlabs/at/internal/sreerr"
)

func newTestFS(t *testing.T) *FS {
	t.Helper()
	ctx := context.Background()

	s, err := storage.NewMemory(ctx, nil)
	if err != nil {
		t.Fatalf("NewMemory storage: %v", err)
	}
	c, err := cache.NewMemory(ctx, nil)
	if err != nil {
		t.Fatalf("NewMemory cache: %v", err)
	}

	return New(s.(storage.Storage), c.(cache.Cache), "https://sre.example.com")
}

func TestParseURI(t *testing.T) {
	u, err := Parse("smythfs://acme.team/reports/q1.pdf")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if u.Owner.Role != identity.RoleTeam || u.Owner.ID != "acme" {
		t.Fatalf("Parse owner = %+v", u.Owner)
	}
	if u.Path != "reports/q1.pdf" {
		t.Fatalf("Parse path = %q", u.Path)
	}
}

func TestParseURIRejectsMissingScheme(t *testing.T) {
	if _, err := Parse("acme.team/reports/q1.pdf"); err == nil {
		t.Fatal("expected error for missing scheme")
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	owner := identity.User("alice")
	uri := "smythfs://alice.user/notes.txt"

	if err := fs.Write(ctx, owner, uri, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := fs.Read(ctx, owner, uri)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("Read = %q", got)
	}
}

func TestGenTempURLAndResolve(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	owner := identity.User("alice")
	uri := "smythfs://alice.user/notes.txt"

	if err := fs.Write(ctx, owner, uri, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	link, err := fs.GenTempURL(ctx, owner, uri, time.Minute)
	if err != nil {
		t.Fatalf("GenTempURL: %v", err)
	}
	token := link[len(link)-32:]

	data, contentType, err := fs.ResolveTempURL(ctx, token)
	if err != nil {
		t.Fatalf("ResolveTempURL: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("ResolveTempURL = %q", data)
	}
	if contentType != "text/plain; charset=utf-8" {
		t.Fatalf("ResolveTempURL content type = %q", contentType)
	}
}

// TestGenTempURLContentType is spec.md S4: a PNG write is served back with
// Content-Type: image/png.
func TestGenTempURLContentType(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	owner := identity.Agent("image-agent")
	uri := "smythfs://image-agent.agent/smythos.png"

	pngBytes := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}
	if err := fs.Write(ctx, owner, uri, pngBytes); err != nil {
		t.Fatalf("Write: %v", err)
	}

	link, err := fs.GenTempURL(ctx, owner, uri, 2*time.Second)
	if err != nil {
		t.Fatalf("GenTempURL: %v", err)
	}
	token := link[len(link)-32:]

	data, contentType, err := fs.ResolveTempURL(ctx, token)
	if err != nil {
		t.Fatalf("ResolveTempURL: %v", err)
	}
	if string(data) != string(pngBytes) {
		t.Fatalf("ResolveTempURL bytes mismatch")
	}
	if contentType != "image/png" {
		t.Fatalf("ResolveTempURL content type = %q, want image/png", contentType)
	}
}

func TestDestroyTempURLRevokes(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	owner := identity.User("alice")
	uri := "smythfs://alice.user/notes.txt"

	if err := fs.Write(ctx, owner, uri, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	link, err := fs.GenTempURL(ctx, owner, uri, time.Minute)
	if err != nil {
		t.Fatalf("GenTempURL: %v", err)
	}
	token := link[len(link)-32:]

	if err := fs.DestroyTempURL(ctx, token); err != nil {
		t.Fatalf("DestroyTempURL: %v", err)
	}
	if _, _, err := fs.ResolveTempURL(ctx, token); !sreerr.IsNotFound(err) {
		t.Fatalf("expected NotFound after destroy, got %v", err)
	}
}

// TestCrossAgentReadDenied is spec.md S1: one agent's write is not
// readable by a different agent identity.
func TestCrossAgentReadDenied(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	writer := identity.Agent("agent-123456")
	uri := "smythfs://default.team/myTestAgent/myTestFile.txt"

	if err := fs.Write(ctx, writer, uri, []byte("Hello World!")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := fs.Read(ctx, writer, uri)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "Hello World!" {
		t.Fatalf("Read = %q", got)
	}

	other := identity.Agent("agent-000000")
	if _, err := fs.Read(ctx, other, uri); !sreerr.IsAccessDenied(err) {
		t.Fatalf("expected AccessDenied for a different agent, got %v", err)
	}
}

func TestGenResourceURLRequiresAgent(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	owner := identity.User("alice")
	uri := "smythfs://alice.user/notes.txt"

	if err := fs.Write(ctx, owner, uri, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	_, err := fs.GenResourceURL(ctx, owner, uri)
	if !sreerr.IsInvalidArgument(err) {
		t.Fatalf("expected InvalidArgument for non-agent candidate, got %v", err)
	}
}
