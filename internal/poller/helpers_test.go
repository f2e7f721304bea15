package poller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpalmerr/pipewatch/internal/store"
)

// testLogger returns a logger that discards all output for clean test output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

// fakeClock advances one second per reading so that every fetch gets a
// distinct timestamp.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func run(id int64, status string) store.RunRecord {
	conclusion := ""
	if status == store.StatusCompleted {
		conclusion = "success"
	}
	return store.RunRecord{
		ID:         id,
		Name:       "ci",
		Status:     status,
		Conclusion: conclusion,
		CreatedAt:  t0.Add(time.Duration(id) * time.Minute),
		UpdatedAt:  t0.Add(time.Duration(id) * time.Minute),
		HTMLURL:    fmt.Sprintf("https://github.com/org/app/actions/runs/%d", id),
	}
}

func runs(ids ...int64) []store.RunRecord {
	out := make([]store.RunRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, run(id, store.StatusCompleted))
	}
	return out
}

// simSource is the upstream content of one source.
type simSource struct {
	runs  []store.RunRecord
	etag  string
	err   error
	panic bool
}

// simUpstream behaves like the GitHub runs endpoint: it answers Not
// Modified when the request validator matches the current ETag.
type simUpstream struct {
	mu       sync.Mutex
	sources  map[string]simSource
	requests []ListRequest

	// block, when set, is received from before answering.
	block chan struct{}

	calls       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newSimUpstream() *simUpstream {
	return &simUpstream{sources: make(map[string]simSource)}
}

func (u *simUpstream) set(source string, s simSource) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sources[source] = s
}

func (u *simUpstream) lastRequest(source string) (ListRequest, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i := len(u.requests) - 1; i >= 0; i-- {
		if u.requests[i].Source == source {
			return u.requests[i], true
		}
	}
	return ListRequest{}, false
}

func (u *simUpstream) ListRuns(ctx context.Context, req ListRequest) (ListResponse, error) {
	u.calls.Add(1)
	n := u.inFlight.Add(1)
	defer u.inFlight.Add(-1)
	for {
		cur := u.maxInFlight.Load()
		if n <= cur || u.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	if u.block != nil {
		select {
		case <-u.block:
		case <-ctx.Done():
			return ListResponse{}, ctx.Err()
		}
	}

	u.mu.Lock()
	u.requests = append(u.requests, req)
	src, ok := u.sources[req.Source]
	u.mu.Unlock()

	if !ok {
		return ListResponse{}, &TransportError{Source: req.Source, StatusCode: 404, Err: errors.New("not found")}
	}
	if src.panic {
		panic("upstream exploded")
	}
	if src.err != nil {
		return ListResponse{}, src.err
	}
	if src.etag != "" && req.Validator == src.etag {
		return ListResponse{NotModified: true, Validator: src.etag}, nil
	}
	out := append([]store.RunRecord(nil), src.runs...)
	if len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return ListResponse{Runs: out, Validator: src.etag}, nil
}

// spyStore wraps a MemoryStore, counting writes and injecting failures.
type spyStore struct {
	*store.MemoryStore

	mu          sync.Mutex
	stateWrites map[string]int
	cacheWrites map[string]int
	failPut     map[string]bool
	failGet     error
	pingErr     error
}

func newSpyStore() *spyStore {
	return &spyStore{
		MemoryStore: store.NewMemoryStore(),
		stateWrites: make(map[string]int),
		cacheWrites: make(map[string]int),
		failPut:     make(map[string]bool),
	}
}

func (s *spyStore) PutState(ctx context.Context, st store.SourceState) error {
	s.mu.Lock()
	fail := s.failPut[st.Source]
	s.stateWrites[st.Source]++
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.MemoryStore.PutState(ctx, st)
}

func (s *spyStore) PutCache(ctx context.Context, meta store.CacheMetadata) error {
	s.mu.Lock()
	s.cacheWrites[meta.Source]++
	s.mu.Unlock()
	return s.MemoryStore.PutCache(ctx, meta)
}

func (s *spyStore) GetCache(ctx context.Context, source string) (store.CacheMetadata, bool, error) {
	if s.failGet != nil {
		return store.CacheMetadata{}, false, s.failGet
	}
	return s.MemoryStore.GetCache(ctx, source)
}

func (s *spyStore) Ping(ctx context.Context) error {
	return s.pingErr
}

func (s *spyStore) writes(source string) (state, cache int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateWrites[source], s.cacheWrites[source]
}

// recordingPublisher collects published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []ChangeEvent

	// onPublish, when set, runs before the event is recorded.
	onPublish func()
}

func (p *recordingPublisher) Publish(v any) error {
	if p.onPublish != nil {
		p.onPublish()
	}
	ev, ok := v.(ChangeEvent)
	if !ok {
		return fmt.Errorf("unexpected event type %T", v)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) snapshot() []ChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ChangeEvent(nil), p.events...)
}

func sources(names ...string) []SourceInfo {
	out := make([]SourceInfo, len(names))
	for i, n := range names {
		out[i] = SourceInfo{Name: n}
	}
	return out
}
