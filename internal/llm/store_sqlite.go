package llm

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "modernc.org/sqlite"
)

// SQLiteStore is an ILLMContextStore backend, grounded on the teacher's
// internal/store/sqlite3 package: a modernc.org/sqlite connection driven
// through goqu, one row per conversation id.
type SQLiteStore struct {
	db        *sql.DB
	goqu      *goqu.Database
	tableName string
}

func NewSQLiteStore(ctx context.Context, datasource, tablePrefix string) (*SQLiteStore, error) {
	if tablePrefix == "" {
		tablePrefix = "at_"
	}

	db, err := sql.Open("sqlite", datasource)
	if err != nil {
		return nil, fmt.Errorf("llm: open sqlite connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("llm: ping sqlite: %w", err)
	}

	tableName := tablePrefix + "llm_conversations"
	s := &SQLiteStore{db: db, goqu: goqu.New("sqlite3", db), tableName: tableName}

	if _, err := db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		window TEXT NOT NULL DEFAULT '[]'
	)`, tableName)); err != nil {
		db.Close()
		return nil, fmt.Errorf("llm: migrate conversations table: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) ([]Message, error) {
	query, _, err := s.goqu.From(s.tableName).Select("window").Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("llm: build get query: %w", err)
	}

	var raw string
	if err := s.db.QueryRowContext(ctx, query).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("llm: get conversation window: %w", err)
	}

	var window []Message
	if err := json.Unmarshal([]byte(raw), &window); err != nil {
		return nil, fmt.Errorf("llm: decode conversation window: %w", err)
	}
	return window, nil
}

func (s *SQLiteStore) Set(ctx context.Context, id string, window []Message) error {
	data, err := json.Marshal(window)
	if err != nil {
		return fmt.Errorf("llm: encode conversation window: %w", err)
	}

	query, _, err := s.goqu.Insert(s.tableName).
		Rows(goqu.Record{"id": id, "window": string(data)}).
		OnConflict(goqu.DoUpdate("id", goqu.Record{"window": string(data)})).
		ToSQL()
	if err != nil {
		return fmt.Errorf("llm: build set query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("llm: set conversation window: %w", err)
	}
	return nil
}

var _ ILLMContextStore = (*SQLiteStore)(nil)
