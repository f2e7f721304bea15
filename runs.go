package pipewatch

import (
	"time"

	"github.com/jpalmerr/pipewatch/internal/poller"
	"github.com/jpalmerr/pipewatch/internal/store"
)

// Run is one workflow run as mirrored from upstream.
type Run struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`

	// Conclusion is empty until the run has completed.
	Conclusion string `json:"conclusion"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	HTMLURL   string    `json:"html_url"`
}

// Active reports whether the run is queued or in progress.
func (r Run) Active() bool {
	return r.Status == store.StatusQueued || r.Status == store.StatusInProgress
}

// RepoState is the mirrored run history of one repository, most recent
// run first.
type RepoState struct {
	Repo        string    `json:"repo"`
	Runs        []Run     `json:"runs"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Outcome classifies what a sync did to a repository's stored state.
type Outcome string

const (
	// OutcomeChanged means new runs were stored and announced.
	OutcomeChanged Outcome = Outcome(poller.OutcomeChanged)

	// OutcomeUnchanged means upstream returned the runs already stored.
	OutcomeUnchanged Outcome = Outcome(poller.OutcomeUnchanged)

	// OutcomeNotModified means upstream answered the conditional request
	// with "not modified".
	OutcomeNotModified Outcome = Outcome(poller.OutcomeNotModified)

	// OutcomeFailed means the upstream request failed. The state is an
	// empty placeholder and nothing was stored.
	OutcomeFailed Outcome = Outcome(poller.OutcomeFailed)
)

// SyncResult holds the outcome of syncing a single repository.
type SyncResult struct {
	State   RepoState     `json:"state"`
	Outcome Outcome       `json:"outcome"`
	Err     error         `json:"-"`
	Latency time.Duration `json:"latency"`
}

func toRuns(runs []store.RunRecord) []Run {
	out := make([]Run, len(runs))
	for i, r := range runs {
		out[i] = Run(r)
	}
	return out
}

func toRepoState(s store.SourceState) RepoState {
	return RepoState{Repo: s.Source, Runs: toRuns(s.Runs), LastUpdated: s.LastUpdated}
}

func toSyncResult(r poller.Result) SyncResult {
	return SyncResult{
		State:   toRepoState(r.State),
		Outcome: Outcome(r.Outcome),
		Err:     r.Err,
		Latency: r.Latency,
	}
}

// changeToRepoState converts a change event into the public type. The runs
// are copied so a callback cannot alias the event delivered to subscribers.
func changeToRepoState(ev poller.ChangeEvent) RepoState {
	return RepoState{Repo: ev.Source, Runs: toRuns(ev.Runs), LastUpdated: ev.LastUpdated}
}
