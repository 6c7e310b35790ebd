package vectordb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/rakunlabs/at/internal/connector"
	"github.com/rakunlabs/at/internal/connector/nkv"
	"github.com/rakunlabs/at/internal/identity"
	"github.com/rakunlabs/at/internal/secure"
	"github.com/rakunlabs/at/internal/sreerr"
)

// Milvus is the clustered VectorDB backend, grounded on the teacher's own
// direct github.com/milvus-io/milvus-sdk-go/v2 dependency. One Milvus
// collection per prepared namespace; ACL and datasource bookkeeping live
// in the NKV connector (spec §4.7: VectorDB persists descriptors via NKV),
// since Milvus collections have no notion of an owning ACL.
type Milvus struct {
	cli      client.Client
	embedder Embedder
	acl      nkv.NKV
}

type MilvusSettings struct {
	Address    string
	Dimensions int
}

func parseMilvusSettings(settings map[string]any) MilvusSettings {
	out := MilvusSettings{Dimensions: 32}
	if v, ok := settings["address"].(string); ok {
		out.Address = v
	}
	if v, ok := settings["dimensions"].(int); ok && v > 0 {
		out.Dimensions = v
	}
	return out
}

func NewMilvus(embedder Embedder, aclStore nkv.NKV) connector.Factory {
	return func(ctx context.Context, settings map[string]any) (connector.Connector, error) {
		cfg := parseMilvusSettings(settings)
		if cfg.Address == "" {
			return nil, sreerr.New(sreerr.ConfigurationErr, "vectordb: milvus address is required")
		}
		cli, err := client.NewGrpcClient(ctx, cfg.Address)
		if err != nil {
			return nil, sreerr.Wrap(sreerr.ConfigurationErr, "vectordb: connect milvus", err)
		}
		if embedder == nil {
			embedder = NewHashEmbedder()
		}
		return &Milvus{cli: cli, embedder: embedder, acl: aclStore}, nil
	}
}

func (m *Milvus) Start(context.Context) error { return nil }
func (m *Milvus) Stop(ctx context.Context) error {
	return m.cli.Close()
}

const milvusACLStore = "vectordb-acl"

func (m *Milvus) GetResourceACL(ctx context.Context, resourceID string, candidate identity.AccessCandidate) (*identity.ACL, error) {
	if m.acl == nil {
		return identity.OwnerACL(candidate), nil
	}
	raw, err := m.acl.Get(ctx, candidate, milvusACLStore, resourceID)
	if sreerr.IsNotFound(err) {
		return identity.OwnerACL(candidate), nil
	}
	if err != nil {
		return nil, err
	}
	var serialized struct {
		Hash   identity.HashAlgorithm    `json:"hash"`
		Grants map[string]map[string]int `json:"grants"`
	}
	if err := json.Unmarshal([]byte(raw), &serialized); err != nil {
		return nil, sreerr.Wrap(sreerr.BackendFailure, "vectordb: decode milvus acl record", err)
	}
	return identity.From(serialized.Hash, serialized.Grants)
}

func collectionName(prepared string) string {
	return "vdb_" + prepared
}

func (m *Milvus) CreateNamespace(ctx context.Context, candidate identity.AccessCandidate, ns string, meta map[string]any) error {
	prepared := PreparedName(candidate, ns)
	return secure.CallVoid(ctx, m, candidate, resID(prepared), identity.LevelWrite, func(ctx context.Context) error {
		exists, err := m.cli.HasCollection(ctx, collectionName(prepared))
		if err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "vectordb: check milvus collection", err)
		}
		if exists {
			return nil
		}

		schema := entity.NewSchema().WithName(collectionName(prepared)).
			WithField(entity.NewField().WithName("id").WithDataType(entity.FieldTypeVarChar).WithMaxLength(256).WithIsPrimaryKey(true)).
			WithField(entity.NewField().WithName("text").WithDataType(entity.FieldTypeVarChar).WithMaxLength(65535)).
			WithField(entity.NewField().WithName("datasource_id").WithDataType(entity.FieldTypeVarChar).WithMaxLength(256)).
			WithField(entity.NewField().WithName("metadata").WithDataType(entity.FieldTypeJSON)).
			WithField(entity.NewField().WithName("embedding").WithDataType(entity.FieldTypeFloatVector).WithDim(32))

		if err := m.cli.CreateCollection(ctx, schema, 1); err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "vectordb: create milvus collection", err)
		}
		idx, err := entity.NewIndexAUTOINDEX(entity.COSINE)
		if err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "vectordb: build milvus index spec", err)
		}
		if err := m.cli.CreateIndex(ctx, collectionName(prepared), "embedding", idx, false); err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "vectordb: create milvus index", err)
		}
		if err := m.cli.LoadCollection(ctx, collectionName(prepared), false); err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "vectordb: load milvus collection", err)
		}
		if m.acl != nil {
			_ = meta // namespace metadata has no Milvus-native home; callers track it via NKV if needed
		}
		return nil
	})
}

func (m *Milvus) NamespaceExists(ctx context.Context, candidate identity.AccessCandidate, ns string) (bool, error) {
	prepared := PreparedName(candidate, ns)
	exists, err := m.cli.HasCollection(ctx, collectionName(prepared))
	if err != nil {
		return false, sreerr.Wrap(sreerr.BackendFailure, "vectordb: check milvus collection", err)
	}
	if !exists {
		return false, nil
	}
	return secure.Call(ctx, m, candidate, resID(prepared), identity.LevelRead, func(context.Context) (bool, error) { return true, nil })
}

func (m *Milvus) GetNamespace(ctx context.Context, candidate identity.AccessCandidate, ns string) (*NamespaceDescriptor, error) {
	prepared := PreparedName(candidate, ns)
	exists, err := m.cli.HasCollection(ctx, collectionName(prepared))
	if err != nil {
		return nil, sreerr.Wrap(sreerr.BackendFailure, "vectordb: check milvus collection", err)
	}
	if !exists {
		return nil, sreerr.Wrap(sreerr.NamespaceNotFound, prepared, nil)
	}
	return secure.Call(ctx, m, candidate, resID(prepared), identity.LevelRead, func(context.Context) (*NamespaceDescriptor, error) {
		return &NamespaceDescriptor{DisplayName: ns, CandidateID: candidate.ID, CandidateRole: candidate.Role, StorageType: "milvus"}, nil
	})
}

func (m *Milvus) DeleteNamespace(ctx context.Context, candidate identity.AccessCandidate, ns string) error {
	prepared := PreparedName(candidate, ns)
	return secure.CallVoid(ctx, m, candidate, resID(prepared), identity.LevelOwner, func(ctx context.Context) error {
		if err := m.cli.DropCollection(ctx, collectionName(prepared)); err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "vectordb: drop milvus collection", err)
		}
		if m.acl != nil {
			_ = m.acl.Delete(ctx, candidate, milvusACLStore, resID(prepared))
		}
		return nil
	})
}

func (m *Milvus) Insert(ctx context.Context, candidate identity.AccessCandidate, ns string, sources []Source) error {
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
	return secure.CallVoid(ctx, m, candidate, resID(prepared), identity.LevelWrite, func(ctx context.Context) error {
		return m.insertBatch(ctx, prepared, sources, "")
	})
}

func (m *Milvus) insertBatch(ctx context.Context, prepared string, sources []Source, datasourceID string) error {
	ids := make([]string, len(sources))
	texts := make([]string, len(sources))
	dsIDs := make([]string, len(sources))
	metas := make([][]byte, len(sources))
	vectors := make([][]float32, len(sources))

	for i, s := range sources {
		id := s.ID
		if id == "" {
			id = fmt.Sprintf("%s-%d", prepared, i)
		}
		values := s.Vector
		if !s.isVector() {
			embedded, err := m.embedder.Embed(ctx, s.Text)
			if err != nil {
				return sreerr.Wrap(sreerr.BackendFailure, "vectordb: embed text", err)
			}
			values = embedded
		}
		metaRaw, err := json.Marshal(s.Metadata)
		if err != nil {
			return sreerr.Wrap(sreerr.InvalidArgument, "vectordb: encode vector metadata", err)
		}
		ids[i] = id
		texts[i] = s.Text
		dsIDs[i] = datasourceID
		metas[i] = metaRaw
		vectors[i] = toFloat32(values)
	}

	columns := []entity.Column{
		entity.NewColumnVarChar("id", ids),
		entity.NewColumnVarChar("text", texts),
		entity.NewColumnVarChar("datasource_id", dsIDs),
		entity.NewColumnJSONBytes("metadata", metas),
		entity.NewColumnFloatVector("embedding", 32, vectors),
	}
	if _, err := m.cli.Insert(ctx, collectionName(prepared), "", columns...); err != nil {
		return sreerr.Wrap(sreerr.BackendFailure, "vectordb: milvus insert", err)
	}
	return nil
}

func (m *Milvus) Delete(ctx context.Context, candidate identity.AccessCandidate, ns string, ids []string, datasourceID string) error {
	prepared := PreparedName(candidate, ns)
	return secure.CallVoid(ctx, m, candidate, resID(prepared), identity.LevelWrite, func(ctx context.Context) error {
		expr := datasourceExpr(ids, datasourceID)
		if err := m.cli.Delete(ctx, collectionName(prepared), "", expr); err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "vectordb: milvus delete", err)
		}
		return nil
	})
}

func datasourceExpr(ids []string, datasourceID string) string {
	if datasourceID != "" {
		return fmt.Sprintf("datasource_id == %q", datasourceID)
	}
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = fmt.Sprintf("%q", id)
	}
	return fmt.Sprintf("id in [%s]", joinQuoted(quoted))
}

func joinQuoted(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

func (m *Milvus) Search(ctx context.Context, candidate identity.AccessCandidate, ns string, query string, queryVector []float64, opts SearchOptions) ([]SearchResult, error) {
	prepared := PreparedName(candidate, ns)
	exists, err := m.cli.HasCollection(ctx, collectionName(prepared))
	if err != nil {
		return nil, sreerr.Wrap(sreerr.BackendFailure, "vectordb: check milvus collection", err)
	}
	if !exists {
		return nil, sreerr.Wrap(sreerr.NamespaceNotFound, prepared, nil)
	}

	return secure.Call(ctx, m, candidate, resID(prepared), identity.LevelRead, func(ctx context.Context) ([]SearchResult, error) {
		qv := queryVector
		if qv == nil {
			embedded, err := m.embedder.Embed(ctx, query)
			if err != nil {
				return nil, sreerr.Wrap(sreerr.BackendFailure, "vectordb: embed query", err)
			}
			qv = embedded
		}
		topK := opts.TopK
		if topK <= 0 {
			topK = 10
		}

		sp, err := entity.NewIndexAUTOINDEXSearchParam(1)
		if err != nil {
			return nil, sreerr.Wrap(sreerr.BackendFailure, "vectordb: build milvus search params", err)
		}
		vectors := []entity.Vector{entity.FloatVector(toFloat32(qv))}
		outputFields := []string{"text", "metadata"}
		results, err := m.cli.Search(ctx, collectionName(prepared), nil, "", outputFields, vectors, "embedding", entity.COSINE, topK, sp)
		if err != nil {
			return nil, sreerr.Wrap(sreerr.BackendFailure, "vectordb: milvus search", err)
		}

		var out []SearchResult
		for _, r := range results {
			for i := 0; i < r.ResultCount; i++ {
				id, _ := r.IDs.GetAsString(i)
				score := float64(r.Scores[i])
				if opts.Threshold != nil && score < *opts.Threshold {
					continue
				}
				res := SearchResult{ID: id, Score: score}
				for _, field := range r.Fields {
					if field.Name() == "text" {
						if v, err := field.GetAsString(i); err == nil {
							res.Text = v
						}
					}
					if opts.IncludeMetadata && field.Name() == "metadata" {
						if v, err := field.GetAsString(i); err == nil {
							var meta map[string]any
							_ = json.Unmarshal([]byte(v), &meta)
							res.Metadata = meta
						}
					}
				}
				out = append(out, res)
			}
		}
		return out, nil
	})
}

func (m *Milvus) CreateDatasource(ctx context.Context, candidate identity.AccessCandidate, ns string, in CreateDatasourceInput) (*Datasource, error) {
	prepared := PreparedName(candidate, ns)
	chunks, err := chunkText(in.Text, in.ChunkSize, in.ChunkOverlap)
	if err != nil {
		return nil, err
	}
	dsID := in.ID
	if dsID == "" {
		dsID = fmt.Sprintf("%s-%d", prepared, len(in.Text))
	}

	return secure.Call(ctx, m, candidate, resID(prepared), identity.LevelWrite, func(ctx context.Context) (*Datasource, error) {
		sources := make([]Source, len(chunks))
		vectorIDs := make([]string, len(chunks))
		for i, chunk := range chunks {
			vecID := fmt.Sprintf("%s_%d", dsID, i)
			vectorIDs[i] = vecID
			sources[i] = Source{
				ID:   vecID,
				Text: chunk,
				Metadata: map[string]any{
					"namespaceId": prepared, "datasourceId": dsID,
					"datasourceLabel": in.Label, "userMetadata": in.Metadata,
				},
			}
		}
		if err := m.insertBatch(ctx, prepared, sources, dsID); err != nil {
			return nil, err
		}
		if m.acl != nil {
			_ = m.acl.Set(ctx, candidate, "vectordb-datasources:"+prepared, dsID, in.Label)
		}
		return &Datasource{ID: dsID, Label: in.Label, Text: in.Text, VectorIDs: vectorIDs, Metadata: in.Metadata}, nil
	})
}

func (m *Milvus) GetDatasource(ctx context.Context, candidate identity.AccessCandidate, ns string, id string) (*Datasource, error) {
	prepared := PreparedName(candidate, ns)
	if m.acl == nil {
		return nil, nil
	}
	return secure.Call(ctx, m, candidate, resID(prepared), identity.LevelRead, func(ctx context.Context) (*Datasource, error) {
		label, err := m.acl.Get(ctx, candidate, "vectordb-datasources:"+prepared, id)
		if sreerr.IsNotFound(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &Datasource{ID: id, Label: label}, nil
	})
}

func (m *Milvus) DeleteDatasource(ctx context.Context, candidate identity.AccessCandidate, ns string, id string) error {
	prepared := PreparedName(candidate, ns)
	return secure.CallVoid(ctx, m, candidate, resID(prepared), identity.LevelWrite, func(ctx context.Context) error {
		if m.acl != nil {
			if _, err := m.acl.Get(ctx, candidate, "vectordb-datasources:"+prepared, id); sreerr.IsNotFound(err) {
				return sreerr.Wrap(sreerr.DatasourceNotFound, id, nil)
			}
		}
		expr := fmt.Sprintf("datasource_id == %q", id)
		if err := m.cli.Delete(ctx, collectionName(prepared), "", expr); err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "vectordb: milvus cascade delete", err)
		}
		if m.acl != nil {
			_ = m.acl.Delete(ctx, candidate, "vectordb-datasources:"+prepared, id)
		}
		return nil
	})
}

func (m *Milvus) ListDatasources(ctx context.Context, candidate identity.AccessCandidate, ns string) ([]Datasource, error) {
	prepared := PreparedName(candidate, ns)
	if m.acl == nil {
		return nil, nil
	}
	return secure.Call(ctx, m, candidate, resID(prepared), identity.LevelRead, func(ctx context.Context) ([]Datasource, error) {
		ids, err := m.acl.List(ctx, candidate, "vectordb-datasources:"+prepared)
		if err != nil {
			return nil, err
		}
		out := make([]Datasource, 0, len(ids))
		for _, id := range ids {
			label, err := m.acl.Get(ctx, candidate, "vectordb-datasources:"+prepared, id)
			if err != nil {
				continue
			}
			out = append(out, Datasource{ID: id, Label: label})
		}
		return out, nil
	})
}
