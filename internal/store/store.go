package store

import (
	"context"
	"time"
)

// RunRecord is one upstream workflow run as mirrored locally.
//
// RunRecord is never edited in place; a changed run arrives as part of a
// new run sequence that replaces the previous one wholesale.
type RunRecord struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`

	// Conclusion is empty until the run has completed.
	Conclusion string `json:"conclusion"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	HTMLURL   string    `json:"html_url"`
}

// SourceState is the persisted run history for one tracked source.
//
// Runs are ordered most-recent-first, exactly as upstream returned them,
// and never exceed the configured build limit. LastUpdated changes only
// when the run sequence itself changes.
type SourceState struct {
	Source      string      `json:"repo"`
	Runs        []RunRecord `json:"runs"`
	LastUpdated time.Time   `json:"lastUpdated"`
}

// CacheMetadata holds the upstream cache validator for one source.
type CacheMetadata struct {
	Source    string    `json:"source"`
	Validator string    `json:"validator"`
	CheckedAt time.Time `json:"checkedAt"`
}

// StateStore holds one [SourceState] per tracked source.
type StateStore interface {
	// GetState returns the state for source. The bool is false when nothing
	// has been persisted for the source yet.
	GetState(ctx context.Context, source string) (SourceState, bool, error)

	// PutState replaces the state for state.Source.
	PutState(ctx context.Context, state SourceState) error

	// ListStates returns every persisted state ordered by source.
	ListStates(ctx context.Context) ([]SourceState, error)
}

// CacheStore holds one [CacheMetadata] per tracked source.
type CacheStore interface {
	GetCache(ctx context.Context, source string) (CacheMetadata, bool, error)
	PutCache(ctx context.Context, meta CacheMetadata) error
}

// Store is the full persistence surface used by the sync engine.
//
// Store implementations must be safe for concurrent access.
type Store interface {
	StateStore
	CacheStore

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases any connections held by the store.
	Close() error
}

// Placeholder returns the empty state reported for a source whose fetch
// failed. It is never persisted.
func Placeholder(source string, now time.Time) SourceState {
	return SourceState{Source: source, Runs: []RunRecord{}, LastUpdated: now}
}

func copyRuns(runs []RunRecord) []RunRecord {
	if runs == nil {
		return []RunRecord{}
	}
	return append([]RunRecord(nil), runs...)
}
