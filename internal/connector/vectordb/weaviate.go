package vectordb

import (
	"context"
	"fmt"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	wvt "github.com/weaviate/weaviate/entities/models"

	"github.com/rakunlabs/at/internal/connector"
	"github.com/rakunlabs/at/internal/connector/nkv"
	"github.com/rakunlabs/at/internal/identity"
	"github.com/rakunlabs/at/internal/secure"
	"github.com/rakunlabs/at/internal/sreerr"
)

// Weaviate is a clustered VectorDB backend for deployments standardized on
// a Weaviate cluster rather than Milvus or pgvector. One Weaviate class per
// prepared namespace, mirroring Milvus.go's one-collection-per-namespace
// shape; datasource bookkeeping again delegates to NKV (spec §4.7).
type Weaviate struct {
	cli      *weaviate.Client
	embedder Embedder
	acl      nkv.NKV
}

type WeaviateSettings struct {
	Scheme string
	Host   string
}

func parseWeaviateSettings(settings map[string]any) WeaviateSettings {
	out := WeaviateSettings{Scheme: "http"}
	if v, ok := settings["host"].(string); ok {
		out.Host = v
	}
	if v, ok := settings["scheme"].(string); ok && v != "" {
		out.Scheme = v
	}
	return out
}

func NewWeaviate(embedder Embedder, aclStore nkv.NKV) connector.Factory {
	return func(_ context.Context, settings map[string]any) (connector.Connector, error) {
		cfg := parseWeaviateSettings(settings)
		if cfg.Host == "" {
			return nil, sreerr.New(sreerr.ConfigurationErr, "vectordb: weaviate host is required")
		}
		cli := weaviate.New(weaviate.Config{Scheme: cfg.Scheme, Host: cfg.Host})
		if embedder == nil {
			embedder = NewHashEmbedder()
		}
		return &Weaviate{cli: cli, embedder: embedder, acl: aclStore}, nil
	}
}

func (w *Weaviate) Start(context.Context) error { return nil }
func (w *Weaviate) Stop(context.Context) error  { return nil }

const weaviateACLStore = "vectordb-acl"

func (w *Weaviate) GetResourceACL(ctx context.Context, resourceID string, candidate identity.AccessCandidate) (*identity.ACL, error) {
	if w.acl == nil {
		return identity.OwnerACL(candidate), nil
	}
	raw, err := w.acl.Get(ctx, candidate, weaviateACLStore, resourceID)
	if sreerr.IsNotFound(err) {
		return identity.OwnerACL(candidate), nil
	}
	if err != nil {
		return nil, err
	}
	_ = raw // presence alone marks the resource as claimed; grant shape is owner-only for weaviate-backed namespaces
	return identity.OwnerACL(candidate), nil
}

func className(prepared string) string {
	return "Vdb_" + sanitizeClassName(prepared)
}

func sanitizeClassName(s string) string {
	out := make([]rune, 0, len(s))
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			out = append(out, r)
		case r >= '0' && r <= '9' && i > 0:
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func (w *Weaviate) CreateNamespace(ctx context.Context, candidate identity.AccessCandidate, ns string, meta map[string]any) error {
	prepared := PreparedName(candidate, ns)
	return secure.CallVoid(ctx, w, candidate, resID(prepared), identity.LevelWrite, func(ctx context.Context) error {
		exists, err := w.cli.Schema().ClassExistenceChecker().WithClassName(className(prepared)).Do(ctx)
		if err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "vectordb: check weaviate class", err)
		}
		if exists {
			return nil
		}
		class := &wvt.Class{
			Class:      className(prepared),
			Vectorizer: "none",
			Properties: []*wvt.Property{
				{Name: "text", DataType: []string{"text"}},
				{Name: "datasourceId", DataType: []string{"text"}},
			},
		}
		if err := w.cli.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "vectordb: create weaviate class", err)
		}
		if w.acl != nil {
			_ = w.acl.Set(ctx, candidate, weaviateACLStore, resID(prepared), "1")
		}
		return nil
	})
}

func (w *Weaviate) NamespaceExists(ctx context.Context, candidate identity.AccessCandidate, ns string) (bool, error) {
	prepared := PreparedName(candidate, ns)
	exists, err := w.cli.Schema().ClassExistenceChecker().WithClassName(className(prepared)).Do(ctx)
	if err != nil {
		return false, sreerr.Wrap(sreerr.BackendFailure, "vectordb: check weaviate class", err)
	}
	if !exists {
		return false, nil
	}
	return secure.Call(ctx, w, candidate, resID(prepared), identity.LevelRead, func(context.Context) (bool, error) { return true, nil })
}

func (w *Weaviate) GetNamespace(ctx context.Context, candidate identity.AccessCandidate, ns string) (*NamespaceDescriptor, error) {
	prepared := PreparedName(candidate, ns)
	exists, err := w.cli.Schema().ClassExistenceChecker().WithClassName(className(prepared)).Do(ctx)
	if err != nil {
		return nil, sreerr.Wrap(sreerr.BackendFailure, "vectordb: check weaviate class", err)
	}
	if !exists {
		return nil, sreerr.Wrap(sreerr.NamespaceNotFound, prepared, nil)
	}
	return secure.Call(ctx, w, candidate, resID(prepared), identity.LevelRead, func(context.Context) (*NamespaceDescriptor, error) {
		return &NamespaceDescriptor{DisplayName: ns, CandidateID: candidate.ID, CandidateRole: candidate.Role, StorageType: "weaviate"}, nil
	})
}

func (w *Weaviate) DeleteNamespace(ctx context.Context, candidate identity.AccessCandidate, ns string) error {
	prepared := PreparedName(candidate, ns)
	return secure.CallVoid(ctx, w, candidate, resID(prepared), identity.LevelOwner, func(ctx context.Context) error {
		if err := w.cli.Schema().ClassDeleter().WithClassName(className(prepared)).Do(ctx); err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "vectordb: delete weaviate class", err)
		}
		if w.acl != nil {
			_ = w.acl.Delete(ctx, candidate, weaviateACLStore, resID(prepared))
		}
		return nil
	})
}

func (w *Weaviate) Insert(ctx context.Context, candidate identity.AccessCandidate, ns string, sources []Source) error {
	if len(sources) == 0 {
		return nil
	}
	wantVector := sources[0].isVector()
	for _, s := range sources[1:] {
		if s.isVector() != wantVector {
			return sreerr.HeterogeneousSources
		}
	}
	prepared := PreparedName(candidate, ns)
	return secure.CallVoid(ctx, w, candidate, resID(prepared), identity.LevelWrite, func(ctx context.Context) error {
		return w.insertBatch(ctx, prepared, sources, "")
	})
}

func (w *Weaviate) insertBatch(ctx context.Context, prepared string, sources []Source, datasourceID string) error {
	for _, s := range sources {
		values := s.Vector
		if !s.isVector() {
			embedded, err := w.embedder.Embed(ctx, s.Text)
			if err != nil {
				return sreerr.Wrap(sreerr.BackendFailure, "vectordb: embed text", err)
			}
			values = embedded
		}
		props := map[string]any{"text": s.Text, "datasourceId": datasourceID}
		for k, v := range s.Metadata {
			props[k] = v
		}
		creator := w.cli.Data().Creator().
			WithClassName(className(prepared)).
			WithProperties(props).
			WithVector(toFloat32(values))
		if s.ID != "" {
			creator = creator.WithID(s.ID)
		}
		if _, err := creator.Do(ctx); err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "vectordb: weaviate insert", err)
		}
	}
	return nil
}

func (w *Weaviate) Delete(ctx context.Context, candidate identity.AccessCandidate, ns string, ids []string, datasourceID string) error {
	prepared := PreparedName(candidate, ns)
	return secure.CallVoid(ctx, w, candidate, resID(prepared), identity.LevelWrite, func(ctx context.Context) error {
		if datasourceID != "" {
			where := filters.Where().WithPath([]string{"datasourceId"}).WithOperator(filters.Equal).WithValueText(datasourceID)
			_, err := w.cli.Batch().ObjectsBatchDeleter().WithClassName(className(prepared)).WithWhere(where).Do(ctx)
			if err != nil {
				return sreerr.Wrap(sreerr.BackendFailure, "vectordb: weaviate cascade delete", err)
			}
			return nil
		}
		for _, id := range ids {
			if err := w.cli.Data().Deleter().WithClassName(className(prepared)).WithID(id).Do(ctx); err != nil {
				return sreerr.Wrap(sreerr.BackendFailure, "vectordb: weaviate delete", err)
			}
		}
		return nil
	})
}

func (w *Weaviate) Search(ctx context.Context, candidate identity.AccessCandidate, ns string, query string, queryVector []float64, opts SearchOptions) ([]SearchResult, error) {
	prepared := PreparedName(candidate, ns)
	exists, err := w.cli.Schema().ClassExistenceChecker().WithClassName(className(prepared)).Do(ctx)
	if err != nil {
		return nil, sreerr.Wrap(sreerr.BackendFailure, "vectordb: check weaviate class", err)
	}
	if !exists {
		return nil, sreerr.Wrap(sreerr.NamespaceNotFound, prepared, nil)
	}

	return secure.Call(ctx, w, candidate, resID(prepared), identity.LevelRead, func(ctx context.Context) ([]SearchResult, error) {
		qv := queryVector
		if qv == nil {
			embedded, err := w.embedder.Embed(ctx, query)
			if err != nil {
				return nil, sreerr.Wrap(sreerr.BackendFailure, "vectordb: embed query", err)
			}
			qv = embedded
		}
		topK := opts.TopK
		if topK <= 0 {
			topK = 10
		}

		nearVector := w.cli.GraphQL().NearVectorArgBuilder().WithVector(toFloat32(qv))
		fields := []graphql.Field{
			{Name: "text"}, {Name: "datasourceId"},
			{Name: "_additional", Fields: []graphql.Field{{Name: "id"}, {Name: "distance"}}},
		}
		resp, err := w.cli.GraphQL().Get().
			WithClassName(className(prepared)).
			WithFields(fields...).
			WithNearVector(nearVector).
			WithLimit(topK).
			Do(ctx)
		if err != nil {
			return nil, sreerr.Wrap(sreerr.BackendFailure, "vectordb: weaviate search", err)
		}
		return parseWeaviateGetResponse(resp, className(prepared), opts)
	})
}

// parseWeaviateGetResponse walks the GraphQL Get{} response shape
// (map[string]any keyed by "Get" -> class name -> []any of objects) into
// SearchResults. A real deployment's response shape is exactly this
// nested-map form; the teacher's own GraphQL client leaves decoding to the
// caller rather than wrapping it in typed structs.
func parseWeaviateGetResponse(resp *wvt.GraphQLResponse, class string, opts SearchOptions) ([]SearchResult, error) {
	if resp == nil || resp.Data == nil {
		return nil, nil
	}
	getField, _ := resp.Data["Get"].(map[string]any)
	objects, _ := getField[class].([]any)

	var out []SearchResult
	for _, raw := range objects {
		obj, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		text, _ := obj["text"].(string)
		additional, _ := obj["_additional"].(map[string]any)
		id, _ := additional["id"].(string)
		distance, _ := additional["distance"].(float64)
		score := 1 - distance

		if opts.Threshold != nil && score < *opts.Threshold {
			continue
		}
		res := SearchResult{ID: id, Score: score, Text: text}
		if opts.IncludeMetadata {
			res.Metadata = obj
		}
		out = append(out, res)
	}
	return out, nil
}

func (w *Weaviate) CreateDatasource(ctx context.Context, candidate identity.AccessCandidate, ns string, in CreateDatasourceInput) (*Datasource, error) {
	prepared := PreparedName(candidate, ns)
	chunks, err := chunkText(in.Text, in.ChunkSize, in.ChunkOverlap)
	if err != nil {
		return nil, err
	}
	dsID := in.ID
	if dsID == "" {
		dsID = fmt.Sprintf("%s-%d", prepared, len(in.Text))
	}

	return secure.Call(ctx, w, candidate, resID(prepared), identity.LevelWrite, func(ctx context.Context) (*Datasource, error) {
		sources := make([]Source, len(chunks))
		vectorIDs := make([]string, len(chunks))
		for i, chunk := range chunks {
			vecID := fmt.Sprintf("%s_%d", dsID, i)
			vectorIDs[i] = vecID
			sources[i] = Source{Text: chunk, Metadata: map[string]any{
				"namespaceId": prepared, "datasourceId": dsID,
				"datasourceLabel": in.Label, "userMetadata": in.Metadata,
			}}
		}
		if err := w.insertBatch(ctx, prepared, sources, dsID); err != nil {
			return nil, err
		}
		if w.acl != nil {
			_ = w.acl.Set(ctx, candidate, "vectordb-datasources:"+prepared, dsID, in.Label)
		}
		return &Datasource{ID: dsID, Label: in.Label, Text: in.Text, VectorIDs: vectorIDs, Metadata: in.Metadata}, nil
	})
}

func (w *Weaviate) GetDatasource(ctx context.Context, candidate identity.AccessCandidate, ns string, id string) (*Datasource, error) {
	prepared := PreparedName(candidate, ns)
	if w.acl == nil {
		return nil, nil
	}
	return secure.Call(ctx, w, candidate, resID(prepared), identity.LevelRead, func(ctx context.Context) (*Datasource, error) {
		label, err := w.acl.Get(ctx, candidate, "vectordb-datasources:"+prepared, id)
		if sreerr.IsNotFound(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &Datasource{ID: id, Label: label}, nil
	})
}

func (w *Weaviate) DeleteDatasource(ctx context.Context, candidate identity.AccessCandidate, ns string, id string) error {
	prepared := PreparedName(candidate, ns)
	return secure.CallVoid(ctx, w, candidate, resID(prepared), identity.LevelWrite, func(ctx context.Context) error {
		if w.acl != nil {
			if _, err := w.acl.Get(ctx, candidate, "vectordb-datasources:"+prepared, id); sreerr.IsNotFound(err) {
				return sreerr.Wrap(sreerr.DatasourceNotFound, id, nil)
			}
		}
		where := filters.Where().WithPath([]string{"datasourceId"}).WithOperator(filters.Equal).WithValueText(id)
		if _, err := w.cli.Batch().ObjectsBatchDeleter().WithClassName(className(prepared)).WithWhere(where).Do(ctx); err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "vectordb: weaviate cascade delete", err)
		}
		if w.acl != nil {
			_ = w.acl.Delete(ctx, candidate, "vectordb-datasources:"+prepared, id)
		}
		return nil
	})
}

func (w *Weaviate) ListDatasources(ctx context.Context, candidate identity.AccessCandidate, ns string) ([]Datasource, error) {
	prepared := PreparedName(candidate, ns)
	if w.acl == nil {
		return nil, nil
	}
	return secure.Call(ctx, w, candidate, resID(prepared), identity.LevelRead, func(ctx context.Context) ([]Datasource, error) {
		ids, err := w.acl.List(ctx, candidate, "vectordb-datasources:"+prepared)
		if err != nil {
			return nil, err
		}
		out := make([]Datasource, 0, len(ids))
		for _, id := range ids {
			label, err := w.acl.Get(ctx, candidate, "vectordb-datasources:"+prepared, id)
			if err != nil {
				continue
			}
			out = append(out, Datasource{ID: id, Label: label})
		}
		return out, nil
	})
}
