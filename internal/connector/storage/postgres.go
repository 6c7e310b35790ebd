package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/rakunlabs/at/internal/connector"
	"github.com/rakunlabs/at/internal/identity"
	"github.com/rakunlabs/at/internal/secure"
	"github.com/rakunlabs/at/internal/sreerr"
)

// Postgres is the durable Storage backend, grounded on the teacher's
// internal/store/postgres package: a pgx/v5 stdlib *sql.DB driven through
// goqu-built queries, one table per concern.
type Postgres struct {
	db   *sql.DB
	goqu *goqu.Database

	tableName string
	table     exp.IdentifierExpression
}

// PostgresSettings is the connector settings payload for this backend
// (spec §6: settings are an opaque map resolved per connector).
type PostgresSettings struct {
	Datasource  string
	TablePrefix string
}

func parsePostgresSettings(settings map[string]any) PostgresSettings {
	out := PostgresSettings{TablePrefix: "sre_"}
	if v, ok := settings["datasource"].(string); ok {
		out.Datasource = v
	}
	if v, ok := settings["table_prefix"].(string); ok && v != "" {
		out.TablePrefix = v
	}
	return out
}

func NewPostgres(ctx context.Context, settings map[string]any) (connector.Connector, error) {
	cfg := parsePostgresSettings(settings)
	if cfg.Datasource == "" {
		return nil, sreerr.New(sreerr.ConfigurationErr, "storage: postgres datasource is required")
	}

	db, err := sql.Open("pgx", cfg.Datasource)
	if err != nil {
		return nil, sreerr.Wrap(sreerr.ConfigurationErr, "storage: open postgres connection", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, sreerr.Wrap(sreerr.BackendFailure, "storage: ping postgres", err)
	}

	tableName := cfg.TablePrefix + "objects"
	p := &Postgres{
		db:        db,
		goqu:      goqu.New("postgres", db),
		tableName: tableName,
		table:     goqu.T(tableName),
	}
	return p, nil
}

func (p *Postgres) Start(ctx context.Context) error {
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		path TEXT PRIMARY KEY,
		data BYTEA NOT NULL DEFAULT '',
		content_type TEXT NOT NULL DEFAULT '',
		meta JSONB NOT NULL DEFAULT '{}',
		acl_hash TEXT NOT NULL DEFAULT '',
		acl_grants JSONB NOT NULL DEFAULT '{}',
		expires_at TIMESTAMPTZ
	)`, p.tableName)
	_, err := p.db.ExecContext(ctx, schema)
	if err != nil {
		return sreerr.Wrap(sreerr.BackendFailure, "storage: migrate objects table", err)
	}
	return nil
}

func (p *Postgres) Stop(context.Context) error { return p.db.Close() }

func (p *Postgres) loadACL(ctx context.Context, path string, candidate identity.AccessCandidate) (*identity.ACL, bool, error) {
	query, _, err := p.goqu.From(p.table).
		Select("acl_hash", "acl_grants").
		Where(goqu.I("path").Eq(path)).
		ToSQL()
	if err != nil {
		return nil, false, sreerr.Wrap(sreerr.BackendFailure, "storage: build acl query", err)
	}

	var hash string
	var grantsRaw []byte
	err = p.db.QueryRowContext(ctx, query).Scan(&hash, &grantsRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.OwnerACL(candidate), false, nil
	}
	if err != nil {
		return nil, false, sreerr.Wrap(sreerr.BackendFailure, "storage: load acl", err)
	}
	if hash == "" {
		return identity.OwnerACL(candidate), true, nil
	}

	var grants map[string]map[string]int
	if err := json.Unmarshal(grantsRaw, &grants); err != nil {
		return nil, false, sreerr.Wrap(sreerr.BackendFailure, "storage: decode acl", err)
	}
	acl, err := identity.From(identity.HashAlgorithm(hash), grants)
	if err != nil {
		return nil, false, sreerr.Wrap(sreerr.BackendFailure, "storage: rebuild acl", err)
	}
	return acl, true, nil
}

func (p *Postgres) GetResourceACL(ctx context.Context, resID string, candidate identity.AccessCandidate) (*identity.ACL, error) {
	acl, _, err := p.loadACL(ctx, resID, candidate)
	return acl, err
}

func (p *Postgres) ensureRow(ctx context.Context, path string) error {
	query, _, err := p.goqu.Insert(p.table).
		Rows(goqu.Record{"path": path}).
		OnConflict(goqu.DoNothing()).
		ToSQL()
	if err != nil {
		return sreerr.Wrap(sreerr.BackendFailure, "storage: build ensure-row query", err)
	}
	_, err = p.db.ExecContext(ctx, query)
	if err != nil {
		return sreerr.Wrap(sreerr.BackendFailure, "storage: ensure row", err)
	}
	return nil
}

func (p *Postgres) Read(ctx context.Context, candidate identity.AccessCandidate, path string) ([]byte, error) {
	return secure.Call(ctx, p, candidate, path, identity.LevelRead, func(ctx context.Context) ([]byte, error) {
		query, _, err := p.goqu.From(p.table).Select("data").Where(goqu.I("path").Eq(path)).ToSQL()
		if err != nil {
			return nil, sreerr.Wrap(sreerr.BackendFailure, "storage: build read query", err)
		}
		var data []byte
		err = p.db.QueryRowContext(ctx, query).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sreerr.Wrap(sreerr.StorageObjectMissing, path, nil)
		}
		if err != nil {
			return nil, sreerr.Wrap(sreerr.BackendFailure, "storage: read object", err)
		}
		return data, nil
	})
}

func (p *Postgres) Write(ctx context.Context, candidate identity.AccessCandidate, path string, data []byte, opts ...WriteOptions) error {
	if err := p.ensureRow(ctx, path); err != nil {
		return err
	}
	return secure.CallVoid(ctx, p, candidate, path, identity.LevelWrite, func(ctx context.Context) error {
		record := goqu.Record{"data": data}
		for _, opt := range opts {
			if opt.ContentType != "" {
				record["content_type"] = opt.ContentType
			}
			if opt.Metadata != nil {
				raw, err := json.Marshal(opt.Metadata)
				if err != nil {
					return sreerr.Wrap(sreerr.InvalidArgument, "storage: encode metadata", err)
				}
				record["meta"] = raw
			}
			if opt.ACL != nil {
				hash, grants := opt.ACL.Serialize()
				raw, err := json.Marshal(grants)
				if err != nil {
					return sreerr.Wrap(sreerr.InvalidArgument, "storage: encode acl", err)
				}
				record["acl_hash"] = string(hash)
				record["acl_grants"] = raw
			}
		}

		query, _, err := p.goqu.Update(p.table).
			Set(record).
			Where(goqu.I("path").Eq(path)).
			ToSQL()
		if err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "storage: build write query", err)
		}
		_, err = p.db.ExecContext(ctx, query)
		if err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "storage: write object", err)
		}
		return nil
	})
}

func (p *Postgres) ContentType(ctx context.Context, candidate identity.AccessCandidate, path string) (string, error) {
	return secure.Call(ctx, p, candidate, path, identity.LevelRead, func(ctx context.Context) (string, error) {
		query, _, err := p.goqu.From(p.table).Select("content_type").Where(goqu.I("path").Eq(path)).ToSQL()
		if err != nil {
			return "", sreerr.Wrap(sreerr.BackendFailure, "storage: build content-type query", err)
		}
		var contentType string
		err = p.db.QueryRowContext(ctx, query).Scan(&contentType)
		if errors.Is(err, sql.ErrNoRows) {
			return "", sreerr.Wrap(sreerr.StorageObjectMissing, path, nil)
		}
		if err != nil {
			return "", sreerr.Wrap(sreerr.BackendFailure, "storage: read content type", err)
		}
		return contentType, nil
	})
}

func (p *Postgres) Delete(ctx context.Context, candidate identity.AccessCandidate, path string) error {
	return secure.CallVoid(ctx, p, candidate, path, identity.LevelWrite, func(ctx context.Context) error {
		query, _, err := p.goqu.Delete(p.table).Where(goqu.I("path").Eq(path)).ToSQL()
		if err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "storage: build delete query", err)
		}
		_, err = p.db.ExecContext(ctx, query)
		if err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "storage: delete object", err)
		}
		return nil
	})
}

func (p *Postgres) Exists(ctx context.Context, candidate identity.AccessCandidate, path string) (bool, error) {
	return secure.Call(ctx, p, candidate, path, identity.LevelRead, func(ctx context.Context) (bool, error) {
		query, _, err := p.goqu.From(p.table).Select(goqu.L("1")).Where(goqu.I("path").Eq(path)).ToSQL()
		if err != nil {
			return false, sreerr.Wrap(sreerr.BackendFailure, "storage: build exists query", err)
		}
		var one int
		err = p.db.QueryRowContext(ctx, query).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, sreerr.Wrap(sreerr.BackendFailure, "storage: check exists", err)
		}
		return true, nil
	})
}

func (p *Postgres) GetMetadata(ctx context.Context, candidate identity.AccessCandidate, path string) (map[string]string, error) {
	return secure.Call(ctx, p, candidate, path, identity.LevelRead, func(ctx context.Context) (map[string]string, error) {
		query, _, err := p.goqu.From(p.table).Select("meta").Where(goqu.I("path").Eq(path)).ToSQL()
		if err != nil {
			return nil, sreerr.Wrap(sreerr.BackendFailure, "storage: build metadata query", err)
		}
		var raw []byte
		err = p.db.QueryRowContext(ctx, query).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sreerr.Wrap(sreerr.StorageObjectMissing, path, nil)
		}
		if err != nil {
			return nil, sreerr.Wrap(sreerr.BackendFailure, "storage: read metadata", err)
		}
		var meta map[string]string
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, sreerr.Wrap(sreerr.BackendFailure, "storage: decode metadata", err)
		}
		return meta, nil
	})
}

func (p *Postgres) SetMetadata(ctx context.Context, candidate identity.AccessCandidate, path string, meta map[string]string) error {
	if err := p.ensureRow(ctx, path); err != nil {
		return err
	}
	return secure.CallVoid(ctx, p, candidate, path, identity.LevelWrite, func(ctx context.Context) error {
		raw, err := json.Marshal(meta)
		if err != nil {
			return sreerr.Wrap(sreerr.InvalidArgument, "storage: encode metadata", err)
		}
		query, _, err := p.goqu.Update(p.table).
			Set(goqu.Record{"meta": raw}).
			Where(goqu.I("path").Eq(path)).
			ToSQL()
		if err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "storage: build set-metadata query", err)
		}
		_, err = p.db.ExecContext(ctx, query)
		if err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "storage: set metadata", err)
		}
		return nil
	})
}

func (p *Postgres) GetACL(ctx context.Context, candidate identity.AccessCandidate, path string) (*identity.ACL, error) {
	return secure.Call(ctx, p, candidate, path, identity.LevelRead, func(ctx context.Context) (*identity.ACL, error) {
		acl, _, err := p.loadACL(ctx, path, candidate)
		return acl, err
	})
}

func (p *Postgres) SetACL(ctx context.Context, candidate identity.AccessCandidate, path string, acl *identity.ACL) error {
	if err := p.ensureRow(ctx, path); err != nil {
		return err
	}
	return secure.CallVoid(ctx, p, candidate, path, identity.LevelOwner, func(ctx context.Context) error {
		hash, grants := acl.Serialize()
		raw, err := json.Marshal(grants)
		if err != nil {
			return sreerr.Wrap(sreerr.InvalidArgument, "storage: encode acl", err)
		}
		query, _, err := p.goqu.Update(p.table).
			Set(goqu.Record{"acl_hash": string(hash), "acl_grants": raw}).
			Where(goqu.I("path").Eq(path)).
			ToSQL()
		if err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "storage: build set-acl query", err)
		}
		_, err = p.db.ExecContext(ctx, query)
		if err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "storage: set acl", err)
		}
		return nil
	})
}

// Expire sets a native expiry column; a background reaper (outside this
// connector's scope) is expected to delete expired rows.
func (p *Postgres) Expire(ctx context.Context, candidate identity.AccessCandidate, path string, ttl time.Duration) error {
	return secure.CallVoid(ctx, p, candidate, path, identity.LevelWrite, func(ctx context.Context) error {
		query, _, err := p.goqu.Update(p.table).
			Set(goqu.Record{"expires_at": time.Now().UTC().Add(ttl)}).
			Where(goqu.I("path").Eq(path)).
			ToSQL()
		if err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "storage: build expire query", err)
		}
		_, err = p.db.ExecContext(ctx, query)
		if err != nil {
			return sreerr.Wrap(sreerr.BackendFailure, "storage: set expiry", err)
		}
		return nil
	})
}
