package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// sqlQueries holds the dialect-specific statements of a SQL backend.
type sqlQueries struct {
	getState   string
	putState   string
	listStates string
	getCache   string
	putCache   string
}

// sqlStore implements [Store] over database/sql. The SQLite and PostgreSQL
// backends differ only in schema setup and placeholder syntax.
type sqlStore struct {
	db *sql.DB
	q  sqlQueries
}

func (s *sqlStore) GetState(ctx context.Context, source string) (SourceState, bool, error) {
	var (
		runsJSON    string
		lastUpdated string
	)
	err := s.db.QueryRowContext(ctx, s.q.getState, source).Scan(&runsJSON, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return SourceState{}, false, nil
	}
	if err != nil {
		return SourceState{}, false, fmt.Errorf("get state %s: %w", source, err)
	}
	st, err := decodeState(source, runsJSON, lastUpdated)
	if err != nil {
		return SourceState{}, false, err
	}
	return st, true, nil
}

func (s *sqlStore) PutState(ctx context.Context, state SourceState) error {
	runsJSON, err := json.Marshal(copyRuns(state.Runs))
	if err != nil {
		return fmt.Errorf("encode runs %s: %w", state.Source, err)
	}
	_, err = s.db.ExecContext(ctx, s.q.putState,
		state.Source, string(runsJSON), state.LastUpdated.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put state %s: %w", state.Source, err)
	}
	return nil
}

func (s *sqlStore) ListStates(ctx context.Context) ([]SourceState, error) {
	rows, err := s.db.QueryContext(ctx, s.q.listStates)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	states := []SourceState{}
	for rows.Next() {
		var source, runsJSON, lastUpdated string
		if err := rows.Scan(&source, &runsJSON, &lastUpdated); err != nil {
			return nil, fmt.Errorf("list states: %w", err)
		}
		st, err := decodeState(source, runsJSON, lastUpdated)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	return states, nil
}

func (s *sqlStore) GetCache(ctx context.Context, source string) (CacheMetadata, bool, error) {
	var validator, checkedAt string
	err := s.db.QueryRowContext(ctx, s.q.getCache, source).Scan(&validator, &checkedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheMetadata{}, false, nil
	}
	if err != nil {
		return CacheMetadata{}, false, fmt.Errorf("get cache %s: %w", source, err)
	}
	t, err := time.Parse(time.RFC3339Nano, checkedAt)
	if err != nil {
		return CacheMetadata{}, false, fmt.Errorf("get cache %s: bad checked_at %q: %w", source, checkedAt, err)
	}
	return CacheMetadata{Source: source, Validator: validator, CheckedAt: utc(t)}, true, nil
}

func (s *sqlStore) PutCache(ctx context.Context, meta CacheMetadata) error {
	_, err := s.db.ExecContext(ctx, s.q.putCache,
		meta.Source, meta.Validator, meta.CheckedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put cache %s: %w", meta.Source, err)
	}
	return nil
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func decodeState(source, runsJSON, lastUpdated string) (SourceState, error) {
	var runs []RunRecord
	if err := json.Unmarshal([]byte(runsJSON), &runs); err != nil {
		return SourceState{}, fmt.Errorf("decode runs %s: %w", source, err)
	}
	t, err := time.Parse(time.RFC3339Nano, lastUpdated)
	if err != nil {
		return SourceState{}, fmt.Errorf("decode state %s: bad last_updated %q: %w", source, lastUpdated, err)
	}
	return SourceState{Source: source, Runs: copyRuns(runs), LastUpdated: utc(t)}, nil
}
