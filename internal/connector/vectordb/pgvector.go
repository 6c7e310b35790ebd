package vectordb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/pgvector/pgvector-go"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/rakunlabs/at/internal/connector"
	"github.com/rakunlabs/at/internal/identity"
	"github.com/rakunlabs/at/internal/secure"
	"github.com/rakunlabs/at/internal/sreerr"
)

// Pgvector is the durable VectorDB backend for deployments that already run
// Postgres with the pgvector extension, grounded on the same pgx/v5 +
// goqu shape as internal/connector/storage's Postgres backend, extended
// with raw pgvector-go marshaling for the vector column (goqu has no
// pgvector dialect support, so vector literals go through goqu.L).
type Pgvector struct {
	db   *sql.DB
	goqu *goqu.Database

	namespaces  string
	vectors     string
	datasources string

	embedder Embedder
}

type PgvectorSettings struct {
	Datasource  string
	TablePrefix string
	Dimensions  int
}

func parsePgvectorSettings(settings map[string]any) PgvectorSettings {
	out := PgvectorSettings{TablePrefix: "sre_vdb_", Dimensions: 32}
	if v, ok := settings["datasource"].(string); ok {
		out.Datasource = v
	}
	if v, ok := settings["table_prefix"].(string); ok && v != "" {
		out.TablePrefix = v
	}
	if v, ok := settings["dimensions"].(int); ok && v > 0 {
		out.Dimensions = v
	}
	return out
}

func NewPgvector(embedder Embedder) connector.Factory {
	return func(ctx context.Context, settings map[string]any) (connector.Connector, error) {
		cfg := parsePgvectorSettings(settings)
		if cfg.Datasource == "" {
			return nil, sreerr.New(sreerr.ConfigurationErr, "vectordb: pgvector datasource is required")
		}
		db, err := sql.Open("pgx", cfg.Datasource)
		if err != nil {
			return nil, sreerr.Wrap(sreerr.ConfigurationErr, "vectordb: open postgres connection", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, sreerr.Wrap(sreerr.BackendFailure, "vectordb: ping postgres", err)
		}
		if embedder == nil {
			embedder = NewHashEmbedder()
		}
		return &Pgvector{
			db:          db,
			goqu:        goqu.New("postgres", db),
			namespaces:  cfg.TablePrefix + "namespaces",
			vectors:     cfg.TablePrefix + "vectors",
			datasources: cfg.TablePrefix + "datasources",
			embedder:    embedder,
		}, nil
	}
}

func (p *Pgvector) Start(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			name TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			candidate_role TEXT NOT NULL,
			candidate_id TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			acl_hash TEXT NOT NULL DEFAULT '',
			acl_grants JSONB NOT NULL DEFAULT '{}'
		)`, p.namespaces),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			namespace TEXT NOT NULL,
			id TEXT NOT NULL,
			embedding vector NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			datasource_id TEXT NOT NULL DEFAULT '',
			metadata JSONB NOT NULL DEFAULT '{}',
			PRIMARY KEY (namespace, id)
		)`, p.vectors),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			namespace TEXT NOT NULL,
			id TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL DEFAULT '',
			metadata JSONB NOT NULL DEFAULT '{}',
			PRIMARY KEY (namespace, id)
		)`, p.datasources),
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "vectordb: migrate pgvector schema", err)
		}
	}
	return nil
}

func (p *Pgvector) Stop(context.Context) error { return p.db.Close() }

func resID(prepared string) string { return "vectordb:" + prepared }

func (p *Pgvector) GetResourceACL(ctx context.Context, resourceID string, candidate identity.AccessCandidate) (*identity.ACL, error) {
	query, _, err := p.goqu.From(p.namespaces).
		Select("acl_hash", "acl_grants").
		Where(goqu.I("name").Eq(resourceID[len("vectordb:"):])).
		ToSQL()
	if err != nil {
		return nil, sreerr.Wrap(sreerr.BackendFailure, "vectordb: build acl query", err)
	}
	var hash string
	var raw []byte
	err = p.db.QueryRowContext(ctx, query).Scan(&hash, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.OwnerACL(candidate), nil
	}
	if err != nil {
		return nil, sreerr.Wrap(sreerr.BackendFailure, "vectordb: load acl", err)
	}
	if hash == "" {
		return identity.OwnerACL(candidate), nil
	}
	var grants map[string]map[string]int
	if err := json.Unmarshal(raw, &grants); err != nil {
		return nil, sreerr.Wrap(sreerr.BackendFailure, "vectordb: decode acl", err)
	}
	return identity.From(identity.HashAlgorithm(hash), grants)
}

func (p *Pgvector) CreateNamespace(ctx context.Context, candidate identity.AccessCandidate, ns string, meta map[string]any) error {
	prepared := PreparedName(candidate, ns)
	return secure.CallVoid(ctx, p, candidate, resID(prepared), identity.LevelWrite, func(ctx context.Context) error {
		metaRaw, err := json.Marshal(meta)
		if err != nil {
			return sreerr.Wrap(sreerr.InvalidArgument, "vectordb: encode namespace metadata", err)
		}
		query, _, err := p.goqu.Insert(p.namespaces).
			Rows(goqu.Record{
				"name": prepared, "display_name": ns,
				"candidate_role": candidate.Role.String(), "candidate_id": candidate.ID,
				"metadata": metaRaw,
			}).
			OnConflict(goqu.DoNothing()).
			ToSQL()
		if err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "vectordb: build create-namespace query", err)
		}
		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "vectordb: create namespace", err)
		}
		return nil
	})
}

func (p *Pgvector) namespaceRow(ctx context.Context, prepared string) (*NamespaceDescriptor, error) {
	query, _, err := p.goqu.From(p.namespaces).
		Select("display_name", "candidate_role", "candidate_id", "metadata").
		Where(goqu.I("name").Eq(prepared)).ToSQL()
	if err != nil {
		return nil, sreerr.Wrap(sreerr.BackendFailure, "vectordb: build namespace query", err)
	}
	var displayName, roleStr, candidateID string
	var metaRaw []byte
	err = p.db.QueryRowContext(ctx, query).Scan(&displayName, &roleStr, &candidateID, &metaRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, sreerr.Wrap(sreerr.BackendFailure, "vectordb: read namespace", err)
	}
	var meta map[string]any
	_ = json.Unmarshal(metaRaw, &meta)
	role := identity.RoleUser
	switch roleStr {
	case "team":
		role = identity.RoleTeam
	case "agent":
		role = identity.RoleAgent
	}
	return &NamespaceDescriptor{DisplayName: displayName, CandidateID: candidateID, CandidateRole: role, Metadata: meta, StorageType: "pgvector"}, nil
}

func (p *Pgvector) NamespaceExists(ctx context.Context, candidate identity.AccessCandidate, ns string) (bool, error) {
	prepared := PreparedName(candidate, ns)
	row, err := p.namespaceRow(ctx, prepared)
	if err != nil || row == nil {
		return false, err
	}
	return secure.Call(ctx, p, candidate, resID(prepared), identity.LevelRead, func(context.Context) (bool, error) { return true, nil })
}

func (p *Pgvector) GetNamespace(ctx context.Context, candidate identity.AccessCandidate, ns string) (*NamespaceDescriptor, error) {
	prepared := PreparedName(candidate, ns)
	return secure.Call(ctx, p, candidate, resID(prepared), identity.LevelRead, func(ctx context.Context) (*NamespaceDescriptor, error) {
		row, err := p.namespaceRow(ctx, prepared)
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, sreerr.Wrap(sreerr.NamespaceNotFound, prepared, nil)
		}
		return row, nil
	})
}

func (p *Pgvector) DeleteNamespace(ctx context.Context, candidate identity.AccessCandidate, ns string) error {
	prepared := PreparedName(candidate, ns)
	return secure.CallVoid(ctx, p, candidate, resID(prepared), identity.LevelOwner, func(ctx context.Context) error {
		for _, stmt := range []struct {
			table string
			col   string
		}{{p.vectors, "namespace"}, {p.datasources, "namespace"}} {
			query, _, err := p.goqu.Delete(stmt.table).Where(goqu.I(stmt.col).Eq(prepared)).ToSQL()
			if err != nil {
				return sreerr.Wrap(sreerr.BackendFailure, "vectordb: build cascade-delete query", err)
			}
			if _, err := p.db.ExecContext(ctx, query); err != nil {
				return sreerr.Wrap(sreerr.BackendFailure, "vectordb: cascade delete", err)
			}
		}
		query, _, err := p.goqu.Delete(p.namespaces).Where(goqu.I("name").Eq(prepared)).ToSQL()
		if err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "vectordb: build delete-namespace query", err)
		}
		_, err = p.db.ExecContext(ctx, query)
		if err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "vectordb: delete namespace", err)
		}
		return nil
	})
}

func (p *Pgvector) Insert(ctx context.Context, candidate identity.AccessCandidate, ns string, sources []Source) error {
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
		for _, s := range sources {
			if err := p.insertOne(ctx, prepared, s, ""); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *Pgvector) insertOne(ctx context.Context, prepared string, s Source, datasourceID string) error {
	id := s.ID
	if id == "" {
		id = ulid.Make().String()
	}
	values := s.Vector
	if !s.isVector() {
		embedded, err := p.embedder.Embed(ctx, s.Text)
		if err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "vectordb: embed text", err)
		}
		values = embedded
	}
	metaRaw, err := json.Marshal(s.Metadata)
	if err != nil {
		return sreerr.Wrap(sreerr.InvalidArgument, "vectordb: encode vector metadata", err)
	}

	query, _, err := p.goqu.Insert(p.vectors).
		Rows(goqu.Record{
			"namespace": prepared, "id": id,
			"embedding": goqu.L("?", pgvector.NewVector(toFloat32(values)).String()),
			"text": s.Text, "datasource_id": datasourceID, "metadata": metaRaw,
		}).
		OnConflict(goqu.DoUpdate("namespace, id", goqu.Record{"embedding": goqu.L("excluded.embedding"), "text": goqu.L("excluded.text"), "metadata": goqu.L("excluded.metadata")})).
		ToSQL()
	if err != nil {
		return sreerr.Wrap(sreerr.BackendFailure, "vectordb: build insert query", err)
	}
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return sreerr.Wrap(sreerr.BackendFailure, "vectordb: insert vector", err)
	}
	return nil
}

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

func (p *Pgvector) Delete(ctx context.Context, candidate identity.AccessCandidate, ns string, ids []string, datasourceID string) error {
	prepared := PreparedName(candidate, ns)
	return secure.CallVoid(ctx, p, candidate, resID(prepared), identity.LevelWrite, func(ctx context.Context) error {
		del := p.goqu.Delete(p.vectors).Where(goqu.I("namespace").Eq(prepared))
		if datasourceID != "" {
			del = del.Where(goqu.I("datasource_id").Eq(datasourceID))
		} else {
			del = del.Where(goqu.I("id").In(ids))
		}
		query, _, err := del.ToSQL()
		if err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "vectordb: build delete query", err)
		}
		_, err = p.db.ExecContext(ctx, query)
		if err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "vectordb: delete vectors", err)
		}
		return nil
	})
}

// Search uses pgvector's cosine-distance operator (<=>); distance is
// converted to a similarity score (1 - distance) to match the RAM
// backend's cosine semantics.
func (p *Pgvector) Search(ctx context.Context, candidate identity.AccessCandidate, ns string, query string, queryVector []float64, opts SearchOptions) ([]SearchResult, error) {
	prepared := PreparedName(candidate, ns)
	row, err := p.namespaceRow(ctx, prepared)
	if err != nil {
		return nil, err
	}
	if row == nil {
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

		literal := pgvector.NewVector(toFloat32(qv)).String()
		sqlQuery, _, err := p.goqu.From(p.vectors).
			Select("id", "text", "metadata", goqu.L("1 - (embedding <=> ?)", literal).As("score")).
			Where(goqu.I("namespace").Eq(prepared)).
			Order(goqu.L("embedding <=> ?", literal).Asc()).
			Limit(uint(topK)).
			ToSQL()
		if err != nil {
			return nil, sreerr.Wrap(sreerr.BackendFailure, "vectordb: build search query", err)
		}

		rows, err := p.db.QueryContext(ctx, sqlQuery)
		if err != nil {
			return nil, sreerr.Wrap(sreerr.BackendFailure, "vectordb: search vectors", err)
		}
		defer rows.Close()

		var results []SearchResult
		for rows.Next() {
			var id, text string
			var metaRaw []byte
			var score float64
			if err := rows.Scan(&id, &text, &metaRaw, &score); err != nil {
				return nil, sreerr.Wrap(sreerr.BackendFailure, "vectordb: scan search row", err)
			}
			if opts.Threshold != nil && score < *opts.Threshold {
				continue
			}
			res := SearchResult{ID: id, Score: score, Text: text}
			if opts.IncludeMetadata {
				var meta map[string]any
				_ = json.Unmarshal(metaRaw, &meta)
				if opts.Filter != nil && !opts.Filter(meta) {
					continue
				}
				res.Metadata = meta
			}
			results = append(results, res)
		}
		return results, rows.Err()
	})
}

func (p *Pgvector) CreateDatasource(ctx context.Context, candidate identity.AccessCandidate, ns string, in CreateDatasourceInput) (*Datasource, error) {
	prepared := PreparedName(candidate, ns)
	chunks, err := chunkText(in.Text, in.ChunkSize, in.ChunkOverlap)
	if err != nil {
		return nil, err
	}
	dsID := in.ID
	if dsID == "" {
		dsID = ulid.Make().String()
	}

	return secure.Call(ctx, p, candidate, resID(prepared), identity.LevelWrite, func(ctx context.Context) (*Datasource, error) {
		vectorIDs := make([]string, 0, len(chunks))
		for _, chunk := range chunks {
			vecID := fmt.Sprintf("%s_%s", dsID, uuid.NewString())
			meta := map[string]any{"namespaceId": prepared, "datasourceId": dsID, "datasourceLabel": in.Label, "userMetadata": in.Metadata}
			if err := p.insertOne(ctx, prepared, Source{ID: vecID, Text: chunk, Metadata: meta}, dsID); err != nil {
				return nil, err
			}
			vectorIDs = append(vectorIDs, vecID)
		}

		metaRaw, err := json.Marshal(in.Metadata)
		if err != nil {
			return nil, sreerr.Wrap(sreerr.InvalidArgument, "vectordb: encode datasource metadata", err)
		}
		q, _, err := p.goqu.Insert(p.datasources).
			Rows(goqu.Record{"namespace": prepared, "id": dsID, "label": in.Label, "text": in.Text, "metadata": metaRaw}).
			OnConflict(goqu.DoUpdate("namespace, id", goqu.Record{"label": goqu.L("excluded.label"), "text": goqu.L("excluded.text"), "metadata": goqu.L("excluded.metadata")})).
			ToSQL()
		if err != nil {
			return nil, sreerr.Wrap(sreerr.BackendFailure, "vectordb: build create-datasource query", err)
		}
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return nil, sreerr.Wrap(sreerr.BackendFailure, "vectordb: create datasource", err)
		}

		return &Datasource{ID: dsID, Label: in.Label, Text: in.Text, VectorIDs: vectorIDs, Metadata: in.Metadata}, nil
	})
}

func (p *Pgvector) datasourceRow(ctx context.Context, prepared, id string) (*Datasource, error) {
	q, _, err := p.goqu.From(p.datasources).
		Select("label", "text", "metadata").
		Where(goqu.I("namespace").Eq(prepared), goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, sreerr.Wrap(sreerr.BackendFailure, "vectordb: build datasource query", err)
	}
	var label, text string
	var metaRaw []byte
	err = p.db.QueryRowContext(ctx, q).Scan(&label, &text, &metaRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, sreerr.Wrap(sreerr.BackendFailure, "vectordb: read datasource", err)
	}
	var meta map[string]any
	_ = json.Unmarshal(metaRaw, &meta)

	idsQuery, _, err := p.goqu.From(p.vectors).Select("id").
		Where(goqu.I("namespace").Eq(prepared), goqu.I("datasource_id").Eq(id)).ToSQL()
	if err != nil {
		return nil, sreerr.Wrap(sreerr.BackendFailure, "vectordb: build vector-ids query", err)
	}
	rows, err := p.db.QueryContext(ctx, idsQuery)
	if err != nil {
		return nil, sreerr.Wrap(sreerr.BackendFailure, "vectordb: read vector ids", err)
	}
	defer rows.Close()
	var vecIDs []string
	for rows.Next() {
		var vecID string
		if err := rows.Scan(&vecID); err != nil {
			return nil, sreerr.Wrap(sreerr.BackendFailure, "vectordb: scan vector id", err)
		}
		vecIDs = append(vecIDs, vecID)
	}

	return &Datasource{ID: id, Label: label, Text: text, VectorIDs: vecIDs, Metadata: meta}, nil
}

func (p *Pgvector) GetDatasource(ctx context.Context, candidate identity.AccessCandidate, ns string, id string) (*Datasource, error) {
	prepared := PreparedName(candidate, ns)
	row, err := p.namespaceRow(ctx, prepared)
	if err != nil || row == nil {
		return nil, err
	}
	return secure.Call(ctx, p, candidate, resID(prepared), identity.LevelRead, func(ctx context.Context) (*Datasource, error) {
		return p.datasourceRow(ctx, prepared, id)
	})
}

func (p *Pgvector) DeleteDatasource(ctx context.Context, candidate identity.AccessCandidate, ns string, id string) error {
	prepared := PreparedName(candidate, ns)
	return secure.CallVoid(ctx, p, candidate, resID(prepared), identity.LevelWrite, func(ctx context.Context) error {
		row, err := p.datasourceRow(ctx, prepared, id)
		if err != nil {
			return err
		}
		if row == nil {
			return sreerr.Wrap(sreerr.DatasourceNotFound, id, nil)
		}
		q, _, err := p.goqu.Delete(p.vectors).Where(goqu.I("namespace").Eq(prepared), goqu.I("datasource_id").Eq(id)).ToSQL()
		if err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "vectordb: build cascade query", err)
		}
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "vectordb: cascade delete vectors", err)
		}
		q, _, err = p.goqu.Delete(p.datasources).Where(goqu.I("namespace").Eq(prepared), goqu.I("id").Eq(id)).ToSQL()
		if err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "vectordb: build delete-datasource query", err)
		}
		_, err = p.db.ExecContext(ctx, q)
		if err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "vectordb: delete datasource", err)
		}
		return nil
	})
}

func (p *Pgvector) ListDatasources(ctx context.Context, candidate identity.AccessCandidate, ns string) ([]Datasource, error) {
	prepared := PreparedName(candidate, ns)
	row, err := p.namespaceRow(ctx, prepared)
	if err != nil || row == nil {
		return nil, err
	}
	return secure.Call(ctx, p, candidate, resID(prepared), identity.LevelRead, func(ctx context.Context) ([]Datasource, error) {
		q, _, err := p.goqu.From(p.datasources).Select("id").Where(goqu.I("namespace").Eq(prepared)).Order(goqu.I("id").Asc()).ToSQL()
		if err != nil {
			return nil, sreerr.Wrap(sreerr.BackendFailure, "vectordb: build list-datasources query", err)
		}
		rows, err := p.db.QueryContext(ctx, q)
		if err != nil {
			return nil, sreerr.Wrap(sreerr.BackendFailure, "vectordb: list datasources", err)
		}
		defer rows.Close()
		var out []Datasource
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return nil, sreerr.Wrap(sreerr.BackendFailure, "vectordb: scan datasource id", err)
			}
			ds, err := p.datasourceRow(ctx, prepared, id)
			if err != nil {
				return nil, err
			}
			if ds != nil {
				out = append(out, *ds)
			}
		}
		return out, rows.Err()
	})
}
