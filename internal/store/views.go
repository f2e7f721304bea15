package store

import "time"

// Run status values that mark a run as still active.
const (
	StatusQueued     = "queued"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// ActiveRun is a run that has not completed, tagged with its source.
type ActiveRun struct {
	RunRecord
	Source string `json:"repo"`
}

// ActiveRuns returns every queued or in-progress run across states.
//
// Runs keep the order of states and, within a state, upstream order.
// The result is never nil.
func ActiveRuns(states []SourceState) []ActiveRun {
	active := []ActiveRun{}
	for _, st := range states {
		for _, run := range st.Runs {
			if run.Status == StatusInProgress || run.Status == StatusQueued {
				active = append(active, ActiveRun{RunRecord: run, Source: st.Source})
			}
		}
	}
	return active
}

// Freshest reports whether candidate should replace current when both
// describe the same source. Ties keep current.
func Freshest(current, candidate SourceState) bool {
	return candidate.LastUpdated.After(current.LastUpdated)
}

// utc normalises timestamps read back from a backend so that equal instants
// compare and encode identically.
func utc(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}
