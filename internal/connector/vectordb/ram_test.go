package vectordb

import (
	"context"
	"strings"
	"testing"

	"github.com/rakunlabs/at/internal/identity"
	"github.com/rakunlabs/at/internal/sreerr"
)

func newTestRAM() *RAM {
	return NewRAM(NewHashEmbedder(), nil)
}

func TestNamespaceIsolationBetweenCandidates(t *testing.T) {
	ctx := context.Background()
	db := newTestRAM()
	alice := identity.User("alice")
	bob := identity.User("bob")

	if err := db.CreateNamespace(ctx, alice, "docs", nil); err != nil {
		t.Fatalf("CreateNamespace(alice): %v", err)
	}
	if err := db.CreateNamespace(ctx, bob, "docs", nil); err != nil {
		t.Fatalf("CreateNamespace(bob): %v", err)
	}
	if err := db.Insert(ctx, alice, "docs", []Source{{ID: "a1", Text: "alice secret"}}); err != nil {
		t.Fatalf("Insert(alice): %v", err)
	}

	results, err := db.Search(ctx, bob, "docs", "alice secret", nil, SearchOptions{TopK: 5})
	if err != nil {
		t.Fatalf("Search(bob): %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected bob's namespace to be empty, got %d results", len(results))
	}
}

func TestCreateNamespaceIdempotent(t *testing.T) {
	ctx := context.Background()
	db := newTestRAM()
	alice := identity.User("alice")

	if err := db.CreateNamespace(ctx, alice, "docs", nil); err != nil {
		t.Fatalf("first CreateNamespace: %v", err)
	}
	if err := db.Insert(ctx, alice, "docs", []Source{{ID: "a1", Text: "hello"}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := db.CreateNamespace(ctx, alice, "docs", nil); err != nil {
		t.Fatalf("second CreateNamespace: %v", err)
	}

	ds, err := db.ListDatasources(ctx, alice, "docs")
	if err != nil {
		t.Fatalf("ListDatasources: %v", err)
	}
	_ = ds
	results, err := db.Search(ctx, alice, "docs", "hello", nil, SearchOptions{TopK: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected the earlier insert to survive re-creation, got %d results", len(results))
	}
}

func TestInsertRejectsHeterogeneousSources(t *testing.T) {
	ctx := context.Background()
	db := newTestRAM()
	alice := identity.User("alice")
	if err := db.CreateNamespace(ctx, alice, "docs", nil); err != nil {
		t.Fatalf("CreateNamespace: %v", err)
	}

	err := db.Insert(ctx, alice, "docs", []Source{
		{ID: "a1", Text: "text source"},
		{ID: "a2", Vector: []float64{1, 0, 0}},
	})
	if !sreerr.IsInvalidArgument(err) {
		t.Fatalf("expected InvalidArgument for heterogeneous sources, got %v", err)
	}
}

func TestSearchOverMissingNamespaceThrows(t *testing.T) {
	ctx := context.Background()
	db := newTestRAM()
	alice := identity.User("alice")

	_, err := db.Search(ctx, alice, "nope", "q", nil, SearchOptions{})
	if !sreerr.IsNotFound(err) {
		t.Fatalf("expected NotFound for missing namespace, got %v", err)
	}
}

func TestGetDatasourceMissingReturnsNilNotError(t *testing.T) {
	ctx := context.Background()
	db := newTestRAM()
	alice := identity.User("alice")
	if err := db.CreateNamespace(ctx, alice, "docs", nil); err != nil {
		t.Fatalf("CreateNamespace: %v", err)
	}

	ds, err := db.GetDatasource(ctx, alice, "docs", "missing-id")
	if err != nil {
		t.Fatalf("GetDatasource: expected nil error, got %v", err)
	}
	if ds != nil {
		t.Fatalf("GetDatasource: expected nil datasource, got %+v", ds)
	}
}

func TestListDatasourcesMissingNamespaceReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	db := newTestRAM()
	alice := identity.User("alice")

	list, err := db.ListDatasources(ctx, alice, "nope")
	if err != nil {
		t.Fatalf("ListDatasources: expected nil error, got %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty list, got %d", len(list))
	}
}

func TestCreateDatasourceChunksAndIsSearchable(t *testing.T) {
	ctx := context.Background()
	db := newTestRAM()
	alice := identity.User("alice")
	if err := db.CreateNamespace(ctx, alice, "docs", nil); err != nil {
		t.Fatalf("CreateNamespace: %v", err)
	}

	text := strings.Repeat("A", 8) + "KLM" + strings.Repeat("B", 15)
	ds, err := db.CreateDatasource(ctx, alice, "docs", CreateDatasourceInput{
		Label:        "report",
		Text:         text,
		ChunkSize:    10,
		ChunkOverlap: 2,
	})
	if err != nil {
		t.Fatalf("CreateDatasource: %v", err)
	}
	if len(ds.VectorIDs) == 0 {
		t.Fatalf("expected at least one chunk vector")
	}

	results, err := db.Search(ctx, alice, "docs", "KLM", nil, SearchOptions{TopK: 1, IncludeMetadata: true})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if !strings.Contains(results[0].Text, "KLM") {
		t.Fatalf("expected top hit to contain KLM, got %q", results[0].Text)
	}
	if results[0].Metadata["datasourceId"] != ds.ID {
		t.Fatalf("expected metadata.datasourceId = %q, got %v", ds.ID, results[0].Metadata["datasourceId"])
	}
}

func TestSearchWithoutMetadataOmitsField(t *testing.T) {
	ctx := context.Background()
	db := newTestRAM()
	alice := identity.User("alice")
	if err := db.CreateNamespace(ctx, alice, "docs", nil); err != nil {
		t.Fatalf("CreateNamespace: %v", err)
	}
	if err := db.Insert(ctx, alice, "docs", []Source{{ID: "a1", Text: "hello world", Metadata: map[string]any{"k": "v"}}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	results, err := db.Search(ctx, alice, "docs", "hello world", nil, SearchOptions{TopK: 1, IncludeMetadata: false})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if results[0].Metadata != nil {
		t.Fatalf("expected nil metadata when IncludeMetadata=false, got %v", results[0].Metadata)
	}
}

func TestDeleteDatasourceCascadesVectors(t *testing.T) {
	ctx := context.Background()
	db := newTestRAM()
	alice := identity.User("alice")
	if err := db.CreateNamespace(ctx, alice, "docs", nil); err != nil {
		t.Fatalf("CreateNamespace: %v", err)
	}

	ds, err := db.CreateDatasource(ctx, alice, "docs", CreateDatasourceInput{
		Label: "x", Text: "some short text", ChunkSize: 5, ChunkOverlap: 1,
	})
	if err != nil {
		t.Fatalf("CreateDatasource: %v", err)
	}

	if err := db.DeleteDatasource(ctx, alice, "docs", ds.ID); err != nil {
		t.Fatalf("DeleteDatasource: %v", err)
	}

	got, err := db.GetDatasource(ctx, alice, "docs", ds.ID)
	if err != nil {
		t.Fatalf("GetDatasource after delete: %v", err)
	}
	if got != nil {
		t.Fatalf("expected datasource gone after delete, got %+v", got)
	}

	results, err := db.Search(ctx, alice, "docs", "some short text", nil, SearchOptions{TopK: 5})
	if err != nil {
		t.Fatalf("Search after delete: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected the datasource's vectors gone after delete, got %d results", len(results))
	}

	if err := db.DeleteDatasource(ctx, alice, "docs", "never-existed"); !sreerr.IsNotFound(err) {
		t.Fatalf("expected NotFound deleting an absent datasource, got %v", err)
	}
}

func TestDeleteNamespaceCascades(t *testing.T) {
	ctx := context.Background()
	db := newTestRAM()
	alice := identity.User("alice")
	if err := db.CreateNamespace(ctx, alice, "docs", nil); err != nil {
		t.Fatalf("CreateNamespace: %v", err)
	}
	if err := db.Insert(ctx, alice, "docs", []Source{{ID: "a1", Text: "hello"}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := db.DeleteNamespace(ctx, alice, "docs"); err != nil {
		t.Fatalf("DeleteNamespace: %v", err)
	}

	exists, err := db.NamespaceExists(ctx, alice, "docs")
	if err != nil {
		t.Fatalf("NamespaceExists: %v", err)
	}
	if exists {
		t.Fatalf("expected namespace to be gone after delete")
	}
}
