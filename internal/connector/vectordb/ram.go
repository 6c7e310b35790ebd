package vectordb

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/at/internal/connector"
	"github.com/rakunlabs/at/internal/connector/nkv"
	"github.com/rakunlabs/at/internal/identity"
	"github.com/rakunlabs/at/internal/secure"
	"github.com/rakunlabs/at/internal/sreerr"
)

type vector struct {
	id           string
	values       []float64
	text         string
	datasourceID string
	metadata     map[string]any
}

// namespace holds one candidate-isolated vector set plus its datasource
// table, guarded by its own mutex (spec §5: "In-memory VectorDB state
// uses one lock per namespace", mirroring internal/store/memory/memory.go's
// single-mutex-per-table idiom, narrowed to per-namespace granularity).
type namespace struct {
	mu          sync.RWMutex
	descriptor  NamespaceDescriptor
	vectors     map[string]*vector
	datasources map[string]*Datasource
}

// RAM is the default/test VectorDB backend (spec §4.7).
type RAM struct {
	embedder Embedder
	nkv      nkv.NKV // optional sidecar for datasource descriptors; nil means in-memory only

	mu         sync.RWMutex
	namespaces map[string]*namespace
	acls       map[string]*identity.ACL
}

func resourceID(prepared string) string { return "vectordb:" + prepared }

func NewRAM(embedder Embedder, sidecar nkv.NKV) *RAM {
	if embedder == nil {
		embedder = NewHashEmbedder()
	}
	return &RAM{
		embedder:   embedder,
		nkv:        sidecar,
		namespaces: map[string]*namespace{},
		acls:       map[string]*identity.ACL{},
	}
}

func NewRAMFactory(embedder Embedder, sidecar nkv.NKV) connector.Factory {
	return func(context.Context, map[string]any) (connector.Connector, error) {
		return NewRAM(embedder, sidecar), nil
	}
}

func (r *RAM) Start(context.Context) error { return nil }
func (r *RAM) Stop(context.Context) error  { return nil }

func (r *RAM) GetResourceACL(_ context.Context, resID string, candidate identity.AccessCandidate) (*identity.ACL, error) {
	r.mu.RLock()
	acl, ok := r.acls[resID]
	r.mu.RUnlock()
	if ok {
		return acl, nil
	}
	return identity.OwnerACL(candidate), nil
}

func (r *RAM) getNamespace(prepared string) (*namespace, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ns, ok := r.namespaces[prepared]
	return ns, ok
}

func (r *RAM) CreateNamespace(ctx context.Context, candidate identity.AccessCandidate, ns string, meta map[string]any) error {
	prepared := PreparedName(candidate, ns)
	resID := resourceID(prepared)

	r.mu.Lock()
	if _, ok := r.acls[resID]; !ok {
		r.acls[resID] = identity.OwnerACL(candidate)
	}
	r.mu.Unlock()

	return secure.CallVoid(ctx, r, candidate, resID, identity.LevelWrite, func(context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.namespaces[prepared]; ok {
			return nil // createNamespace is idempotent (spec §4.7)
		}
		r.namespaces[prepared] = &namespace{
			descriptor: NamespaceDescriptor{
				DisplayName:   ns,
				CandidateID:   candidate.ID,
				CandidateRole: candidate.Role,
				Metadata:      meta,
				StorageType:   "ram",
			},
			vectors:     map[string]*vector{},
			datasources: map[string]*Datasource{},
		}
		return nil
	})
}

func (r *RAM) NamespaceExists(ctx context.Context, candidate identity.AccessCandidate, ns string) (bool, error) {
	prepared := PreparedName(candidate, ns)
	_, ok := r.getNamespace(prepared)
	if !ok {
		return false, nil
	}
	return secure.Call(ctx, r, candidate, resourceID(prepared), identity.LevelRead, func(context.Context) (bool, error) {
		return true, nil
	})
}

func (r *RAM) GetNamespace(ctx context.Context, candidate identity.AccessCandidate, ns string) (*NamespaceDescriptor, error) {
	prepared := PreparedName(candidate, ns)
	n, ok := r.getNamespace(prepared)
	if !ok {
		return nil, sreerr.Wrap(sreerr.NamespaceNotFound, prepared, nil)
	}
	return secure.Call(ctx, r, candidate, resourceID(prepared), identity.LevelRead, func(context.Context) (*NamespaceDescriptor, error) {
		n.mu.RLock()
		defer n.mu.RUnlock()
		d := n.descriptor
		return &d, nil
	})
}

func (r *RAM) DeleteNamespace(ctx context.Context, candidate identity.AccessCandidate, ns string) error {
	prepared := PreparedName(candidate, ns)
	resID := resourceID(prepared)
	return secure.CallVoid(ctx, r, candidate, resID, identity.LevelOwner, func(context.Context) error {
		r.mu.Lock()
		delete(r.namespaces, prepared)
		delete(r.acls, resID)
		r.mu.Unlock()
		return nil
	})
}

func (r *RAM) Insert(ctx context.Context, candidate identity.AccessCandidate, ns string, sources []Source) error {
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
	n, ok := r.getNamespace(prepared)
	if !ok {
		return sreerr.Wrap(sreerr.NamespaceNotFound, prepared, nil)
	}

	return secure.CallVoid(ctx, r, candidate, resourceID(prepared), identity.LevelWrite, func(ctx context.Context) error {
		for _, s := range sources {
			if err := r.insertOne(ctx, n, s); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *RAM) insertOne(ctx context.Context, n *namespace, s Source) error {
	id := s.ID
	if id == "" {
		id = ulid.Make().String()
	}

	values := s.Vector
	text := s.Text
	if !s.isVector() {
		embedded, err := r.embedder.Embed(ctx, s.Text)
		if err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "vectordb: embed text", err)
		}
		values = embedded
	}

	n.mu.Lock()
	n.vectors[id] = &vector{id: id, values: values, text: text, metadata: s.Metadata}
	n.mu.Unlock()
	return nil
}

func (r *RAM) Delete(ctx context.Context, candidate identity.AccessCandidate, ns string, ids []string, datasourceID string) error {
	prepared := PreparedName(candidate, ns)
	n, ok := r.getNamespace(prepared)
	if !ok {
		return sreerr.Wrap(sreerr.NamespaceNotFound, prepared, nil)
	}

	return secure.CallVoid(ctx, r, candidate, resourceID(prepared), identity.LevelWrite, func(context.Context) error {
		n.mu.Lock()
		defer n.mu.Unlock()
		if datasourceID != "" {
			for id, v := range n.vectors {
				if v.datasourceID == datasourceID {
					delete(n.vectors, id)
				}
			}
			return nil
		}
		for _, id := range ids {
			delete(n.vectors, id)
		}
		return nil
	})
}

func (r *RAM) Search(ctx context.Context, candidate identity.AccessCandidate, ns string, query string, queryVector []float64, opts SearchOptions) ([]SearchResult, error) {
	prepared := PreparedName(candidate, ns)
	n, ok := r.getNamespace(prepared)
	if !ok {
		return nil, sreerr.Wrap(sreerr.NamespaceNotFound, prepared, nil)
	}

	return secure.Call(ctx, r, candidate, resourceID(prepared), identity.LevelRead, func(ctx context.Context) ([]SearchResult, error) {
		qv := queryVector
		if qv == nil {
			embedded, err := r.embedder.Embed(ctx, query)
			if err != nil {
				return nil, sreerr.Wrap(sreerr.BackendFailure, "vectordb: embed query", err)
			}
			qv = embedded
		}

		topK := opts.TopK
		if topK <= 0 {
			topK = 10
		}

		n.mu.RLock()
		type scored struct {
			v     *vector
			score float64
			order int
		}
		candidates := make([]scored, 0, len(n.vectors))
		order := 0
		for _, v := range n.vectors {
			if opts.Filter != nil && !opts.Filter(v.metadata) {
				order++
				continue
			}
			candidates = append(candidates, scored{v: v, score: cosine(qv, v.values), order: order})
			order++
		}
		n.mu.RUnlock()

		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].score != candidates[j].score {
				return candidates[i].score > candidates[j].score
			}
			return candidates[i].order < candidates[j].order
		})

		results := make([]SearchResult, 0, topK)
		for _, c := range candidates {
			if opts.Threshold != nil && c.score < *opts.Threshold {
				continue
			}
			res := SearchResult{ID: c.v.id, Score: c.score, Values: c.v.values, Text: c.v.text}
			if opts.IncludeMetadata {
				res.Metadata = c.v.metadata
			}
			results = append(results, res)
			if len(results) >= topK {
				break
			}
		}
		return results, nil
	})
}

func (r *RAM) CreateDatasource(ctx context.Context, candidate identity.AccessCandidate, ns string, in CreateDatasourceInput) (*Datasource, error) {
	prepared := PreparedName(candidate, ns)
	n, ok := r.getNamespace(prepared)
	if !ok {
		return nil, sreerr.Wrap(sreerr.NamespaceNotFound, prepared, nil)
	}

	chunks, err := chunkText(in.Text, in.ChunkSize, in.ChunkOverlap)
	if err != nil {
		return nil, err
	}

	dsID := in.ID
	if dsID == "" {
		dsID = ulid.Make().String()
	}

	return secure.Call(ctx, r, candidate, resourceID(prepared), identity.LevelWrite, func(ctx context.Context) (*Datasource, error) {
		vectorIDs := make([]string, 0, len(chunks))
		for _, chunk := range chunks {
			vecID := fmt.Sprintf("%s_%s", dsID, uuid.NewString())
			meta := map[string]any{
				"namespaceId":     prepared,
				"datasourceId":    dsID,
				"datasourceLabel": in.Label,
				"userMetadata":    in.Metadata,
			}
			if err := r.insertOne(ctx, n, Source{ID: vecID, Text: chunk, Metadata: meta}); err != nil {
				return nil, err
			}
			n.mu.Lock()
			n.vectors[vecID].datasourceID = dsID
			n.mu.Unlock()
			vectorIDs = append(vectorIDs, vecID)
		}

		ds := &Datasource{ID: dsID, Label: in.Label, Text: in.Text, VectorIDs: vectorIDs, Metadata: in.Metadata}
		n.mu.Lock()
		n.datasources[dsID] = ds
		n.mu.Unlock()

		if r.nkv != nil {
			_ = r.nkv.Set(ctx, candidate, "vectordb:"+prepared, dsID, in.Label)
		}

		out := *ds
		return &out, nil
	})
}

func (r *RAM) GetDatasource(ctx context.Context, candidate identity.AccessCandidate, ns string, id string) (*Datasource, error) {
	prepared := PreparedName(candidate, ns)
	n, ok := r.getNamespace(prepared)
	if !ok {
		// getDatasource must not throw for missing ids (spec §4.7); a
		// missing namespace is the same "nothing there" case.
		return nil, nil
	}

	return secure.Call(ctx, r, candidate, resourceID(prepared), identity.LevelRead, func(context.Context) (*Datasource, error) {
		n.mu.RLock()
		defer n.mu.RUnlock()
		ds, ok := n.datasources[id]
		if !ok {
			return nil, nil
		}
		out := *ds
		return &out, nil
	})
}

func (r *RAM) DeleteDatasource(ctx context.Context, candidate identity.AccessCandidate, ns string, id string) error {
	prepared := PreparedName(candidate, ns)
	n, ok := r.getNamespace(prepared)
	if !ok {
		return sreerr.Wrap(sreerr.DatasourceNotFound, id, nil)
	}

	return secure.CallVoid(ctx, r, candidate, resourceID(prepared), identity.LevelWrite, func(context.Context) error {
		n.mu.Lock()
		defer n.mu.Unlock()
		ds, ok := n.datasources[id]
		if !ok {
			return sreerr.Wrap(sreerr.DatasourceNotFound, id, nil)
		}
		for _, vecID := range ds.VectorIDs {
			delete(n.vectors, vecID)
		}
		delete(n.datasources, id)
		return nil
	})
}

func (r *RAM) ListDatasources(ctx context.Context, candidate identity.AccessCandidate, ns string) ([]Datasource, error) {
	prepared := PreparedName(candidate, ns)
	n, ok := r.getNamespace(prepared)
	if !ok {
		return nil, nil // listDatasources never throws for a missing namespace (spec §4.7)
	}

	return secure.Call(ctx, r, candidate, resourceID(prepared), identity.LevelRead, func(context.Context) ([]Datasource, error) {
		n.mu.RLock()
		defer n.mu.RUnlock()
		out := make([]Datasource, 0, len(n.datasources))
		for _, ds := range n.datasources {
			out = append(out, *ds)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}
