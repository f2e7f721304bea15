package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
)

// PostgresStore is a [Store] backed by PostgreSQL.
//
// The schema is managed with numbered migrations recorded in
// schema_migrations, so upgrades apply only the steps not yet run.
type PostgresStore struct {
	sqlStore
	dsn string
}

// NewPostgresStore creates a store for dsn. The store is not usable until
// [PostgresStore.Init] succeeds.
func NewPostgresStore(dsn string) *PostgresStore {
	return &PostgresStore{
		dsn: strings.TrimSpace(dsn),
		sqlStore: sqlStore{q: sqlQueries{
			getState:   `SELECT runs, last_updated FROM source_states WHERE source = $1`,
			putState:   `INSERT INTO source_states (source, runs, last_updated) VALUES ($1, $2, $3) ON CONFLICT (source) DO UPDATE SET runs = EXCLUDED.runs, last_updated = EXCLUDED.last_updated`,
			listStates: `SELECT source, runs, last_updated FROM source_states ORDER BY source`,
			getCache:   `SELECT validator, checked_at FROM cache_metadata WHERE source = $1`,
			putCache:   `INSERT INTO cache_metadata (source, validator, checked_at) VALUES ($1, $2, $3) ON CONFLICT (source) DO UPDATE SET validator = EXCLUDED.validator, checked_at = EXCLUDED.checked_at`,
		}},
	}
}

// Init connects to the database and applies pending migrations.
func (s *PostgresStore) Init(ctx context.Context) error {
	if s.dsn == "" {
		return errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", s.dsn)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping postgres: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return err
	}
	s.db = db
	return nil
}

type migration struct {
	version int
	stmt    string
}

var postgresMigrations = []migration{
	{1, `CREATE TABLE IF NOT EXISTS source_states (
		source TEXT PRIMARY KEY,
		runs TEXT NOT NULL,
		last_updated TEXT NOT NULL
	)`},
	{2, `CREATE TABLE IF NOT EXISTS cache_metadata (
		source TEXT PRIMARY KEY,
		validator TEXT NOT NULL,
		checked_at TEXT NOT NULL
	)`},
}

func applyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	var cur int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&cur); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range postgresMigrations {
		if cur >= m.version {
			continue
		}
		if _, err := db.ExecContext(ctx, m.stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}
		if _, err := db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		cur = m.version
	}
	return nil
}
