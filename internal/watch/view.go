package watch

import (
	"sort"
	"sync"

	"github.com/jpalmerr/pipewatch/internal/store"
)

// View is a client-side copy of the mirrored state. Snapshot reads and
// pushed events are merged by freshness: an entry only replaces the one it
// holds when its LastUpdated is strictly later.
type View struct {
	mu     sync.RWMutex
	states map[string]store.SourceState
}

// NewView returns an empty view.
func NewView() *View {
	return &View{states: make(map[string]store.SourceState)}
}

// Apply merges s and reports whether it was taken.
func (v *View) Apply(s store.SourceState) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if cur, ok := v.states[s.Source]; ok && !store.Freshest(cur, s) {
		return false
	}
	if s.Runs == nil {
		s.Runs = []store.RunRecord{}
	}
	v.states[s.Source] = s
	return true
}

// Get returns the state held for repo.
func (v *View) Get(repo string) (store.SourceState, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.states[repo]
	return s, ok
}

// States returns every held state ordered by repository name.
func (v *View) States() []store.SourceState {
	v.mu.RLock()
	out := make([]store.SourceState, 0, len(v.states))
	for _, s := range v.states {
		out = append(out, s)
	}
	v.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Len returns the number of repositories held.
func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.states)
}
