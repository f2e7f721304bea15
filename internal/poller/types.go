package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpalmerr/pipewatch/internal/store"
)

var (
	// ErrNoSources is returned when a cycle is requested with no sources.
	ErrNoSources = errors.New("no repositories configured")

	// ErrStoreUnavailable wraps every persistence failure. A cycle that
	// returns it produced no usable results.
	ErrStoreUnavailable = errors.New("state store unavailable")

	// ErrStopped is returned by [Scheduler.TriggerNow] after Stop.
	ErrStopped = errors.New("scheduler stopped")
)

// TransportError describes an upstream request that did not produce a
// usable response. It never aborts a cycle; it is reported in [Result.Err].
type TransportError struct {
	Source string

	// StatusCode is the upstream HTTP status, zero when no response arrived.
	StatusCode int

	Err error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: upstream status %d: %v", e.Source, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.Source, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ListRequest is one conditional request for a source's recent runs.
type ListRequest struct {
	Source string
	Limit  int

	// Validator is sent as If-None-Match when non-empty.
	Validator string
}

// ListResponse is the upstream answer to a [ListRequest].
type ListResponse struct {
	// NotModified is true when upstream confirmed the validator; Runs is
	// then empty.
	NotModified bool

	Runs []store.RunRecord

	// Validator is the new ETag, empty when upstream supplied none.
	Validator string
}

// Upstream lists recent runs of a source.
//
// Implementations return a *TransportError (or any error, which the
// Fetcher wraps in one) for every response that is neither a success nor
// Not Modified.
type Upstream interface {
	ListRuns(ctx context.Context, req ListRequest) (ListResponse, error)
}

// SourceInfo identifies one tracked source and its request settings.
type SourceInfo struct {
	// Name is the "owner/repo" identifier.
	Name string

	// Timeout bounds the upstream request. Zero uses the Fetcher default.
	Timeout time.Duration
}

// Outcome classifies what a fetch did to the stored state.
type Outcome string

const (
	OutcomeChanged     Outcome = "changed"
	OutcomeUnchanged   Outcome = "unchanged"
	OutcomeNotModified Outcome = "not_modified"
	OutcomeFailed      Outcome = "failed"
)

// EventTypeRepoUpdate is the type tag of every [ChangeEvent].
const EventTypeRepoUpdate = "repo-update"

// ChangeEvent announces that a source's stored runs were replaced.
type ChangeEvent struct {
	Type        string            `json:"type"`
	Source      string            `json:"repo"`
	Runs        []store.RunRecord `json:"runs"`
	LastUpdated time.Time         `json:"lastUpdated"`
}

// Result is the outcome of syncing one source.
type Result struct {
	// State is the stored state after the fetch, or the placeholder when
	// Outcome is OutcomeFailed.
	State store.SourceState

	Outcome Outcome

	// Event is set only when Outcome is OutcomeChanged.
	Event *ChangeEvent

	// Err holds the transport fault when Outcome is OutcomeFailed.
	Err error

	Latency time.Duration
}

// States extracts the state of every result, in order.
func States(results []Result) []store.SourceState {
	states := make([]store.SourceState, len(results))
	for i, r := range results {
		states[i] = r.State
	}
	return states
}
