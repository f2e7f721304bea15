package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory implementation of [Store].
//
// MemoryStore is the default backend. Its contents are lost on restart, so
// the first cycle after a restart always performs unconditional fetches.
// Returned values are copies; callers cannot mutate stored runs.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]SourceState
	caches map[string]CacheMetadata
}

// NewMemoryStore creates a new in-memory [Store].
//
// The store is immediately ready for use. Close is a no-op.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]SourceState),
		caches: make(map[string]CacheMetadata),
	}
}

// GetState implements [StateStore].
func (m *MemoryStore) GetState(_ context.Context, source string) (SourceState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.states[source]
	if !ok {
		return SourceState{}, false, nil
	}
	st.Runs = copyRuns(st.Runs)
	return st, true, nil
}

// PutState implements [StateStore].
func (m *MemoryStore) PutState(_ context.Context, state SourceState) error {
	state.Runs = copyRuns(state.Runs)

	m.mu.Lock()
	m.states[state.Source] = state
	m.mu.Unlock()
	return nil
}

// ListStates implements [StateStore].
func (m *MemoryStore) ListStates(_ context.Context) ([]SourceState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make([]SourceState, 0, len(m.states))
	for _, st := range m.states {
		st.Runs = copyRuns(st.Runs)
		states = append(states, st)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Source < states[j].Source })
	return states, nil
}

// GetCache implements [CacheStore].
func (m *MemoryStore) GetCache(_ context.Context, source string) (CacheMetadata, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	meta, ok := m.caches[source]
	return meta, ok, nil
}

// PutCache implements [CacheStore].
func (m *MemoryStore) PutCache(_ context.Context, meta CacheMetadata) error {
	m.mu.Lock()
	m.caches[meta.Source] = meta
	m.mu.Unlock()
	return nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
