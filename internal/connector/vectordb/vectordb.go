// Package vectordb implements the VectorDB Connector (spec §4.7, C9):
// per-candidate namespaces holding chunked, embedded datasources, with
// cosine-similarity search.
//
// Grounded on the teacher's own github.com/milvus-io/milvus-sdk-go/v2
// dependency for the "real backend exists" shape (see milvus.go), on
// other_examples' semantic-embeddings chunk→embed→insert pipeline for
// createDatasource's loop, and on internal/store/memory/memory.go's
// map+mutex concurrency idiom for the RAM backend.
package vectordb

import (
	"context"
	"math"

	"github.com/rakunlabs/at/internal/connector"
	"github.com/rakunlabs/at/internal/identity"
	"github.com/rakunlabs/at/internal/secure"
)

// PreparedName derives the per-candidate isolated namespace name (spec
// §4.7): "role[0]_id_namespace". Two candidates never observe each
// other's data under the same user-visible namespace name.
func PreparedName(candidate identity.AccessCandidate, ns string) string {
	return candidate.Role.Initial() + "_" + candidate.ID + "_" + ns
}

// Embedder turns text into a vector. Production backends plug in a real
// embedding model; tests use a deterministic stub (see embedder.go).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Source is one item passed to Insert. Exactly one of Text/Vector must be
// set; a single Insert call must not mix the two across its items
// (sreerr.HeterogeneousSources, spec §4.7).
type Source struct {
	ID       string
	Text     string
	Vector   []float64
	Metadata map[string]any
}

func (s Source) isVector() bool { return s.Vector != nil }

// SearchOptions configures Search.
type SearchOptions struct {
	TopK            int
	IncludeMetadata bool
	Threshold       *float64
	Filter          func(metadata map[string]any) bool
}

// SearchResult is one hit. Metadata is nil when the caller asked for
// IncludeMetadata=false, distinct from an empty map (spec §4.7).
type SearchResult struct {
	ID       string
	Score    float64
	Values   []float64
	Text     string
	Metadata map[string]any
}

// NamespaceDescriptor is the record returned by GetNamespace.
type NamespaceDescriptor struct {
	DisplayName   string
	CandidateID   string
	CandidateRole identity.Role
	Metadata      map[string]any
	StorageType   string
}

// Datasource is the descriptor createDatasource/getDatasource/
// listDatasources operate on.
type Datasource struct {
	ID        string
	Label     string
	Text      string
	VectorIDs []string
	Metadata  map[string]any
}

// CreateDatasourceInput is createDatasource's argument bundle.
type CreateDatasourceInput struct {
	ID           string
	Label        string
	Text         string
	ChunkSize    int
	ChunkOverlap int
	Metadata     map[string]any
}

// VectorDB is the subsystem contract. ns is always the user-visible
// namespace name; implementations derive the prepared name internally.
type VectorDB interface {
	connector.Connector
	secure.ACLResolver

	CreateNamespace(ctx context.Context, candidate identity.AccessCandidate, ns string, meta map[string]any) error
	NamespaceExists(ctx context.Context, candidate identity.AccessCandidate, ns string) (bool, error)
	GetNamespace(ctx context.Context, candidate identity.AccessCandidate, ns string) (*NamespaceDescriptor, error)
	DeleteNamespace(ctx context.Context, candidate identity.AccessCandidate, ns string) error

	Insert(ctx context.Context, candidate identity.AccessCandidate, ns string, sources []Source) error
	Delete(ctx context.Context, candidate identity.AccessCandidate, ns string, ids []string, datasourceID string) error
	Search(ctx context.Context, candidate identity.AccessCandidate, ns string, query string, queryVector []float64, opts SearchOptions) ([]SearchResult, error)

	CreateDatasource(ctx context.Context, candidate identity.AccessCandidate, ns string, in CreateDatasourceInput) (*Datasource, error)
	GetDatasource(ctx context.Context, candidate identity.AccessCandidate, ns string, id string) (*Datasource, error)
	DeleteDatasource(ctx context.Context, candidate identity.AccessCandidate, ns string, id string) error
	ListDatasources(ctx context.Context, candidate identity.AccessCandidate, ns string) ([]Datasource, error)
}

// cosine computes cosine similarity between two equal-length vectors.
func cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
