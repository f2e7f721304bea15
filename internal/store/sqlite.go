package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a [Store] backed by a single SQLite database file.
type SQLiteStore struct {
	sqlStore
	path string
}

// NewSQLiteStore creates a store for the database file at path. The store
// is not usable until [SQLiteStore.Init] succeeds.
func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{
		path: path,
		sqlStore: sqlStore{q: sqlQueries{
			getState:   `SELECT runs, last_updated FROM source_states WHERE source = ?`,
			putState:   `INSERT INTO source_states (source, runs, last_updated) VALUES (?, ?, ?) ON CONFLICT(source) DO UPDATE SET runs = excluded.runs, last_updated = excluded.last_updated`,
			listStates: `SELECT source, runs, last_updated FROM source_states ORDER BY source`,
			getCache:   `SELECT validator, checked_at FROM cache_metadata WHERE source = ?`,
			putCache:   `INSERT INTO cache_metadata (source, validator, checked_at) VALUES (?, ?, ?) ON CONFLICT(source) DO UPDATE SET validator = excluded.validator, checked_at = excluded.checked_at`,
		}},
	}
}

// Init opens the database, creating the parent directory and tables when
// they do not exist.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if s.path != ":memory:" {
		if dir := filepath.Dir(s.path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create sqlite directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", s.path)
	if err != nil {
		return fmt.Errorf("open sqlite %s: %w", s.path, err)
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	schema := []string{
		`CREATE TABLE IF NOT EXISTS source_states (
			source TEXT PRIMARY KEY,
			runs TEXT NOT NULL,
			last_updated TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cache_metadata (
			source TEXT PRIMARY KEY,
			validator TEXT NOT NULL,
			checked_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return fmt.Errorf("create sqlite schema: %w", err)
		}
	}

	s.db = db
	return nil
}
