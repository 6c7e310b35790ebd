package vectordb

import (
	"context"
	"fmt"

	"github.com/pinecone-io/go-pinecone/pinecone"

	"github.com/rakunlabs/at/internal/connector"
	"github.com/rakunlabs/at/internal/connector/nkv"
	"github.com/rakunlabs/at/internal/identity"
	"github.com/rakunlabs/at/internal/secure"
	"github.com/rakunlabs/at/internal/sreerr"
)

// Pinecone is a hosted-index VectorDB backend. Pinecone indexes are
// provisioned out of band (unlike Milvus collections or Weaviate classes,
// an index can't cheaply be created per namespace at request time), so one
// Pinecone index hosts every namespace and isolation is enforced purely by
// the "namespace" parameter Pinecone's own API already exposes for this —
// PreparedName becomes that Pinecone namespace string directly.
type Pinecone struct {
	cli   *pinecone.Client
	index *pinecone.IndexConnection

	embedder Embedder
	acl      nkv.NKV
}

type PineconeSettings struct {
	APIKey    string
	IndexHost string
}

func parsePineconeSettings(settings map[string]any) PineconeSettings {
	var out PineconeSettings
	if v, ok := settings["api_key"].(string); ok {
		out.APIKey = v
	}
	if v, ok := settings["index_host"].(string); ok {
		out.IndexHost = v
	}
	return out
}

func NewPinecone(embedder Embedder, aclStore nkv.NKV) connector.Factory {
	return func(ctx context.Context, settings map[string]any) (connector.Connector, error) {
		cfg := parsePineconeSettings(settings)
		if cfg.APIKey == "" || cfg.IndexHost == "" {
			return nil, sreerr.New(sreerr.ConfigurationErr, "vectordb: pinecone api_key and index_host are required")
		}
		cli, err := pinecone.NewClient(pinecone.NewClientParams{ApiKey: cfg.APIKey})
		if err != nil {
			return nil, sreerr.Wrap(sreerr.ConfigurationErr, "vectordb: build pinecone client", err)
		}
		idx, err := cli.Index(pinecone.NewIndexConnParams{Host: cfg.IndexHost})
		if err != nil {
			return nil, sreerr.Wrap(sreerr.BackendFailure, "vectordb: connect pinecone index", err)
		}
		if embedder == nil {
			embedder = NewHashEmbedder()
		}
		return &Pinecone{cli: cli, index: idx, embedder: embedder, acl: aclStore}, nil
	}
}

func (p *Pinecone) Start(context.Context) error { return nil }
func (p *Pinecone) Stop(context.Context) error {
	return p.index.Close()
}

const pineconeACLStore = "vectordb-acl"

func (p *Pinecone) GetResourceACL(ctx context.Context, resourceID string, candidate identity.AccessCandidate) (*identity.ACL, error) {
	if p.acl == nil {
		return identity.OwnerACL(candidate), nil
	}
	_, err := p.acl.Get(ctx, candidate, pineconeACLStore, resourceID)
	if sreerr.IsNotFound(err) {
		return identity.OwnerACL(candidate), nil
	}
	if err != nil {
		return nil, err
	}
	return identity.OwnerACL(candidate), nil
}

func (p *Pinecone) CreateNamespace(ctx context.Context, candidate identity.AccessCandidate, ns string, meta map[string]any) error {
	prepared := PreparedName(candidate, ns)
	return secure.CallVoid(ctx, p, candidate, resID(prepared), identity.LevelWrite, func(ctx context.Context) error {
		if p.acl != nil {
			_ = p.acl.Set(ctx, candidate, pineconeACLStore, resID(prepared), "1")
		}
		// Pinecone namespaces come into existence on first upsert; there is
		// no explicit create call to make here.
		return nil
	})
}

func (p *Pinecone) namespaceHasVectors(ctx context.Context, prepared string) (bool, error) {
	stats, err := p.index.DescribeIndexStats(ctx)
	if err != nil {
		return false, sreerr.Wrap(sreerr.BackendFailure, "vectordb: describe pinecone index stats", err)
	}
	ns, ok := stats.Namespaces[prepared]
	return ok && ns.VectorCount > 0, nil
}

func (p *Pinecone) NamespaceExists(ctx context.Context, candidate identity.AccessCandidate, ns string) (bool, error) {
	prepared := PreparedName(candidate, ns)
	has, err := p.namespaceHasVectors(ctx, prepared)
	if err != nil || !has {
		return false, err
	}
	return secure.Call(ctx, p, candidate, resID(prepared), identity.LevelRead, func(context.Context) (bool, error) { return true, nil })
}

func (p *Pinecone) GetNamespace(ctx context.Context, candidate identity.AccessCandidate, ns string) (*NamespaceDescriptor, error) {
	prepared := PreparedName(candidate, ns)
	has, err := p.namespaceHasVectors(ctx, prepared)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, sreerr.Wrap(sreerr.NamespaceNotFound, prepared, nil)
	}
	return secure.Call(ctx, p, candidate, resID(prepared), identity.LevelRead, func(context.Context) (*NamespaceDescriptor, error) {
		return &NamespaceDescriptor{DisplayName: ns, CandidateID: candidate.ID, CandidateRole: candidate.Role, StorageType: "pinecone"}, nil
	})
}

func (p *Pinecone) DeleteNamespace(ctx context.Context, candidate identity.AccessCandidate, ns string) error {
	prepared := PreparedName(candidate, ns)
	return secure.CallVoid(ctx, p, candidate, resID(prepared), identity.LevelOwner, func(ctx context.Context) error {
		if err := p.index.DeleteAllVectorsInNamespace(ctx, prepared); err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "vectordb: delete pinecone namespace", err)
		}
		if p.acl != nil {
			_ = p.acl.Delete(ctx, candidate, pineconeACLStore, resID(prepared))
		}
		return nil
	})
}

func (p *Pinecone) Insert(ctx context.Context, candidate identity.AccessCandidate, ns string, sources []Source) error {
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
	return secure.CallVoid(ctx, p, candidate, resID(prepared), identity.LevelWrite, func(ctx context.Context) error {
		return p.upsertBatch(ctx, prepared, sources, "")
	})
}

func (p *Pinecone) upsertBatch(ctx context.Context, prepared string, sources []Source, datasourceID string) error {
	vectors := make([]*pinecone.Vector, 0, len(sources))
	for i, s := range sources {
		id := s.ID
		if id == "" {
			id = fmt.Sprintf("%s-%d", prepared, i)
		}
		values := s.Vector
		if !s.isVector() {
			embedded, err := p.embedder.Embed(ctx, s.Text)
			if err != nil {
				return sreerr.Wrap(sreerr.BackendFailure, "vectordb: embed text", err)
			}
			values = embedded
		}
		meta := map[string]any{"text": s.Text, "datasourceId": datasourceID}
		for k, v := range s.Metadata {
			meta[k] = v
		}
		metaStruct, err := pinecone.NewMetadata(meta)
		if err != nil {
			return sreerr.Wrap(sreerr.InvalidArgument, "vectordb: encode pinecone metadata", err)
		}
		vectors = append(vectors, &pinecone.Vector{Id: id, Values: toFloat32(values), Metadata: metaStruct})
	}
	if _, err := p.index.UpsertVectors(ctx, &pinecone.UpsertVectorsRequest{Vectors: vectors, Namespace: prepared}); err != nil {
		return sreerr.Wrap(sreerr.BackendFailure, "vectordb: pinecone upsert", err)
	}
	return nil
}

func (p *Pinecone) Delete(ctx context.Context, candidate identity.AccessCandidate, ns string, ids []string, datasourceID string) error {
	prepared := PreparedName(candidate, ns)
	return secure.CallVoid(ctx, p, candidate, resID(prepared), identity.LevelWrite, func(ctx context.Context) error {
		if datasourceID != "" {
			filter, err := pinecone.NewMetadata(map[string]any{"datasourceId": datasourceID})
			if err != nil {
				return sreerr.Wrap(sreerr.InvalidArgument, "vectordb: encode pinecone delete filter", err)
			}
			if err := p.index.DeleteVectorsByFilter(ctx, filter, prepared); err != nil {
				return sreerr.Wrap(sreerr.BackendFailure, "vectordb: pinecone cascade delete", err)
			}
			return nil
		}
		if err := p.index.DeleteVectorsById(ctx, ids, prepared); err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "vectordb: pinecone delete", err)
		}
		return nil
	})
}

func (p *Pinecone) Search(ctx context.Context, candidate identity.AccessCandidate, ns string, query string, queryVector []float64, opts SearchOptions) ([]SearchResult, error) {
	prepared := PreparedName(candidate, ns)
	has, err := p.namespaceHasVectors(ctx, prepared)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, sreerr.Wrap(sreerr.NamespaceNotFound, prepared, nil)
	}

	return secure.Call(ctx, p, candidate, resID(prepared), identity.LevelRead, func(ctx context.Context) ([]SearchResult, error) {
		qv := queryVector
		if qv == nil {
			embedded, err := p.embedder.Embed(ctx, query)
			if err != nil {
				return nil, sreerr.Wrap(sreerr.BackendFailure, "vectordb: embed query", err)
			}
			qv = embedded
		}
		topK := opts.TopK
		if topK <= 0 {
			topK = 10
		}

		resp, err := p.index.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
			Vector:          toFloat32(qv),
			TopK:            uint32(topK),
			Namespace:       prepared,
			IncludeValues:   false,
			IncludeMetadata: true,
		})
		if err != nil {
			return nil, sreerr.Wrap(sreerr.BackendFailure, "vectordb: pinecone query", err)
		}

		var out []SearchResult
		for _, match := range resp.Matches {
			score := float64(match.Score)
			if opts.Threshold != nil && score < *opts.Threshold {
				continue
			}
			res := SearchResult{ID: match.Vector.Id, Score: score}
			if match.Vector.Metadata != nil {
				fields := match.Vector.Metadata.AsMap()
				if text, ok := fields["text"].(string); ok {
					res.Text = text
				}
				if opts.IncludeMetadata {
					res.Metadata = fields
				}
			}
			out = append(out, res)
		}
		return out, nil
	})
}

func (p *Pinecone) CreateDatasource(ctx context.Context, candidate identity.AccessCandidate, ns string, in CreateDatasourceInput) (*Datasource, error) {
	prepared := PreparedName(candidate, ns)
	chunks, err := chunkText(in.Text, in.ChunkSize, in.ChunkOverlap)
	if err != nil {
		return nil, err
	}
	dsID := in.ID
	if dsID == "" {
		dsID = fmt.Sprintf("%s-%d", prepared, len(in.Text))
	}

	return secure.Call(ctx, p, candidate, resID(prepared), identity.LevelWrite, func(ctx context.Context) (*Datasource, error) {
		sources := make([]Source, len(chunks))
		vectorIDs := make([]string, len(chunks))
		for i, chunk := range chunks {
			vecID := fmt.Sprintf("%s_%d", dsID, i)
			vectorIDs[i] = vecID
			sources[i] = Source{ID: vecID, Text: chunk, Metadata: map[string]any{
				"namespaceId": prepared, "datasourceId": dsID,
				"datasourceLabel": in.Label, "userMetadata": in.Metadata,
			}}
		}
		if err := p.upsertBatch(ctx, prepared, sources, dsID); err != nil {
			return nil, err
		}
		if p.acl != nil {
			_ = p.acl.Set(ctx, candidate, "vectordb-datasources:"+prepared, dsID, in.Label)
		}
		return &Datasource{ID: dsID, Label: in.Label, Text: in.Text, VectorIDs: vectorIDs, Metadata: in.Metadata}, nil
	})
}

func (p *Pinecone) GetDatasource(ctx context.Context, candidate identity.AccessCandidate, ns string, id string) (*Datasource, error) {
	prepared := PreparedName(candidate, ns)
	if p.acl == nil {
		return nil, nil
	}
	return secure.Call(ctx, p, candidate, resID(prepared), identity.LevelRead, func(ctx context.Context) (*Datasource, error) {
		label, err := p.acl.Get(ctx, candidate, "vectordb-datasources:"+prepared, id)
		if sreerr.IsNotFound(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &Datasource{ID: id, Label: label}, nil
	})
}

func (p *Pinecone) DeleteDatasource(ctx context.Context, candidate identity.AccessCandidate, ns string, id string) error {
	prepared := PreparedName(candidate, ns)
	return secure.CallVoid(ctx, p, candidate, resID(prepared), identity.LevelWrite, func(ctx context.Context) error {
		if p.acl != nil {
			if _, err := p.acl.Get(ctx, candidate, "vectordb-datasources:"+prepared, id); sreerr.IsNotFound(err) {
				return sreerr.Wrap(sreerr.DatasourceNotFound, id, nil)
			}
		}
		filter, err := pinecone.NewMetadata(map[string]any{"datasourceId": id})
		if err != nil {
			return sreerr.Wrap(sreerr.InvalidArgument, "vectordb: encode pinecone delete filter", err)
		}
		if err := p.index.DeleteVectorsByFilter(ctx, filter, prepared); err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "vectordb: pinecone cascade delete", err)
		}
		if p.acl != nil {
			_ = p.acl.Delete(ctx, candidate, "vectordb-datasources:"+prepared, id)
		}
		return nil
	})
}

func (p *Pinecone) ListDatasources(ctx context.Context, candidate identity.AccessCandidate, ns string) ([]Datasource, error) {
	prepared := PreparedName(candidate, ns)
	if p.acl == nil {
		return nil, nil
	}
	return secure.Call(ctx, p, candidate, resID(prepared), identity.LevelRead, func(ctx context.Context) ([]Datasource, error) {
		ids, err := p.acl.List(ctx, candidate, "vectordb-datasources:"+prepared)
		if err != nil {
			return nil, err
		}
		out := make([]Datasource, 0, len(ids))
		for _, id := range ids {
			label, err := p.acl.Get(ctx, candidate, "vectordb-datasources:"+prepared, id)
			if err != nil {
				continue
			}
			out = append(out, Datasource{ID: id, Label: label})
		}
		return out, nil
	})
}
