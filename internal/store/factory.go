package store

import (
	"context"
	"fmt"
	"strings"
)

// Supported values for [Config.Driver].
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config selects and configures a backend for [Open].
type Config struct {
	// Driver is one of memory, sqlite, postgres or redis. Empty means memory.
	Driver string

	// DSN is the file path (sqlite), connection string (postgres) or
	// redis:// URL (redis). Ignored for memory.
	DSN string

	// Namespace prefixes Redis keys. Ignored by the other drivers.
	Namespace string
}

// Open creates and initialises the backend described by cfg.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverMemory:
		return NewMemoryStore(), nil

	case DriverSQLite, "sqlite3":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("sqlite store requires a dsn (database path)")
		}
		s := NewSQLiteStore(cfg.DSN)
		if err := s.Init(ctx); err != nil {
			return nil, err
		}
		return s, nil

	case DriverPostgres, "postgresql":
		s := NewPostgresStore(cfg.DSN)
		if err := s.Init(ctx); err != nil {
			return nil, err
		}
		return s, nil

	case DriverRedis:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("redis store requires a dsn (redis:// url)")
		}
		return OpenRedisStore(ctx, cfg.DSN, cfg.Namespace)

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// ValidDriver reports whether driver is accepted by [Open].
func ValidDriver(driver string) bool {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverMemory, DriverSQLite, "sqlite3", DriverPostgres, "postgresql", DriverRedis:
		return true
	}
	return false
}
