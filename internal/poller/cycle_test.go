package poller

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jpalmerr/pipewatch/internal/store"
)

func newTestCycle(up Upstream, st store.Store, pub Publisher, cfg CycleConfig) *Cycle {
	f := NewFetcher(up, st, FetcherConfig{Now: newFakeClock().Now}, testLogger())
	return NewCycle(f, st, pub, cfg, testLogger())
}

func TestCycle_NoSources(t *testing.T) {
	c := newTestCycle(newSimUpstream(), newSpyStore(), nil, CycleConfig{})

	_, err := c.Run(context.Background(), nil)
	if !errors.Is(err, ErrNoSources) {
		t.Errorf("Run() error = %v, want ErrNoSources", err)
	}
}

func TestCycle_StoreUnreachable(t *testing.T) {
	up := newSimUpstream()
	st := newSpyStore()
	st.pingErr = errors.New("dial tcp: connection refused")
	c := newTestCycle(up, st, nil, CycleConfig{})

	results, err := c.Run(context.Background(), sources("org/app"))
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Run() error = %v, want ErrStoreUnavailable", err)
	}
	if results != nil {
		t.Errorf("Run() results = %v, want nil", results)
	}
	if up.calls.Load() != 0 {
		t.Errorf("upstream calls = %d, want 0", up.calls.Load())
	}
}

func TestCycle_FailureIsolation(t *testing.T) {
	ctx := context.Background()
	up := newSimUpstream()
	up.set("org/a", simSource{runs: runs(1)})
	up.set("org/b", simSource{err: errors.New("timeout")})
	up.set("org/c", simSource{panic: true})
	up.set("org/d", simSource{runs: runs(4)})
	st := newSpyStore()
	pub := &recordingPublisher{}
	c := newTestCycle(up, st, pub, CycleConfig{})

	results, err := c.Run(ctx, sources("org/a", "org/b", "org/c", "org/d"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("len(results) = %d, want 4", len(results))
	}

	wantOutcomes := []Outcome{OutcomeChanged, OutcomeFailed, OutcomeFailed, OutcomeChanged}
	for i, want := range wantOutcomes {
		if results[i].Outcome != want {
			t.Errorf("results[%d].Outcome = %v, want %v", i, results[i].Outcome, want)
		}
	}
	if results[1].State.Source != "org/b" || len(results[1].State.Runs) != 0 {
		t.Errorf("failed source state = %+v, want placeholder", results[1].State)
	}
	if !strings.Contains(results[2].Err.Error(), "correlation_id") {
		t.Errorf("panicking source error = %v, want correlation id", results[2].Err)
	}

	if _, ok, _ := st.GetState(ctx, "org/b"); ok {
		t.Error("failed source must not be persisted")
	}
	if got := len(pub.snapshot()); got != 2 {
		t.Errorf("published events = %d, want 2", got)
	}
}

func TestCycle_PublishesAfterAllSourcesSettle(t *testing.T) {
	up := newSimUpstream()
	names := []string{"org/a", "org/b", "org/c"}
	for i, n := range names {
		up.set(n, simSource{runs: runs(int64(i + 1))})
	}

	var earlyPublish atomic.Bool
	pub := &recordingPublisher{}
	pub.onPublish = func() {
		if up.calls.Load() != int32(len(names)) || up.inFlight.Load() != 0 {
			earlyPublish.Store(true)
		}
	}
	c := newTestCycle(up, newSpyStore(), pub, CycleConfig{})

	if _, err := c.Run(context.Background(), sources(names...)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if earlyPublish.Load() {
		t.Error("an event was published before every source settled")
	}
	events := pub.snapshot()
	if len(events) != 3 {
		t.Fatalf("published %d events, want 3", len(events))
	}
	for i, ev := range events {
		if ev.Source != names[i] {
			t.Errorf("events[%d].Source = %q, want %q (input order)", i, ev.Source, names[i])
		}
	}
}

// TestCycle_OrgAppScenario walks one source through a change, a not
// modified answer and a second change, with a build limit of 5.
func TestCycle_OrgAppScenario(t *testing.T) {
	ctx := context.Background()
	up := newSimUpstream()
	st := newSpyStore()
	pub := &recordingPublisher{}
	f := NewFetcher(up, st, FetcherConfig{BuildLimit: 5, Now: newFakeClock().Now}, testLogger())
	c := NewCycle(f, st, pub, CycleConfig{}, testLogger())
	src := sources("org/app")

	wantIDs := func(label string, got []store.RunRecord, want ...int64) {
		t.Helper()
		if len(got) != len(want) {
			t.Fatalf("%s: %d runs, want %d", label, len(got), len(want))
		}
		for i, id := range want {
			if got[i].ID != id {
				t.Errorf("%s: runs[%d].ID = %d, want %d", label, i, got[i].ID, id)
			}
		}
	}

	// cycle 1: two runs under validator A
	up.set("org/app", simSource{runs: runs(2, 1), etag: `"A"`})
	r1, err := c.Run(ctx, src)
	if err != nil {
		t.Fatalf("cycle 1: %v", err)
	}
	if r1[0].Outcome != OutcomeChanged {
		t.Errorf("cycle 1 outcome = %v, want changed", r1[0].Outcome)
	}
	stored, _, _ := st.GetState(ctx, "org/app")
	wantIDs("cycle 1 stored", stored.Runs, 2, 1)
	events := pub.snapshot()
	if len(events) != 1 {
		t.Fatalf("cycle 1 events = %d, want 1", len(events))
	}
	wantIDs("cycle 1 event", events[0].Runs, 2, 1)

	// cycle 2: the same two runs, answered not modified
	r2, err := c.Run(ctx, src)
	if err != nil {
		t.Fatalf("cycle 2: %v", err)
	}
	if r2[0].Outcome != OutcomeNotModified {
		t.Errorf("cycle 2 outcome = %v, want not modified", r2[0].Outcome)
	}
	if !r2[0].State.LastUpdated.Equal(r1[0].State.LastUpdated) {
		t.Error("cycle 2 changed lastUpdated")
	}
	stored, _, _ = st.GetState(ctx, "org/app")
	wantIDs("cycle 2 stored", stored.Runs, 2, 1)
	if len(pub.snapshot()) != 1 {
		t.Errorf("cycle 2 published an event")
	}

	// cycle 3: one new run under validator B
	up.set("org/app", simSource{runs: runs(3, 2, 1), etag: `"B"`})
	r3, err := c.Run(ctx, src)
	if err != nil {
		t.Fatalf("cycle 3: %v", err)
	}
	events = pub.snapshot()
	if len(events) != 2 {
		t.Fatalf("cycle 3 events = %d, want 2", len(events))
	}
	wantIDs("cycle 3 event", events[1].Runs, 3, 2, 1)
	stored, _, _ = st.GetState(ctx, "org/app")
	wantIDs("cycle 3 stored", stored.Runs, 3, 2, 1)
	if !r3[0].State.LastUpdated.After(r1[0].State.LastUpdated) {
		t.Error("cycle 3 did not advance lastUpdated")
	}

	meta, _, _ := st.GetCache(ctx, "org/app")
	if meta.Validator != `"B"` {
		t.Errorf("validator = %q, want \"B\"", meta.Validator)
	}
	if states, _ := st.writes("org/app"); states != 2 {
		t.Errorf("state writes = %d, want 2", states)
	}
}

func TestCycle_PersistenceFailurePublishesPersistedChanges(t *testing.T) {
	up := newSimUpstream()
	up.set("org/ok", simSource{runs: runs(1)})
	up.set("org/broken", simSource{runs: runs(2)})
	st := newSpyStore()
	st.failPut["org/broken"] = true
	pub := &recordingPublisher{}
	c := newTestCycle(up, st, pub, CycleConfig{})

	results, err := c.Run(context.Background(), sources("org/ok", "org/broken"))
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Run() error = %v, want ErrStoreUnavailable", err)
	}
	if results != nil {
		t.Errorf("results = %v, want nil on persistence failure", results)
	}

	events := pub.snapshot()
	if len(events) != 1 || events[0].Source != "org/ok" {
		t.Errorf("events = %+v, want only org/ok", events)
	}
}

func TestCycle_MaxConcurrency(t *testing.T) {
	up := newSimUpstream()
	names := []string{"o/1", "o/2", "o/3", "o/4", "o/5", "o/6"}
	for _, n := range names {
		up.set(n, simSource{runs: runs(1)})
	}
	up.block = make(chan struct{})
	go func() {
		for range names {
			time.Sleep(5 * time.Millisecond)
			up.block <- struct{}{}
		}
	}()

	c := newTestCycle(up, newSpyStore(), nil, CycleConfig{MaxConcurrency: 2})
	if _, err := c.Run(context.Background(), sources(names...)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := up.maxInFlight.Load(); got > 2 {
		t.Errorf("max in-flight requests = %d, want <= 2", got)
	}
}

func TestCycle_OnChangeCallback(t *testing.T) {
	up := newSimUpstream()
	up.set("org/a", simSource{runs: runs(1)})
	up.set("org/b", simSource{runs: runs(2)})

	var calls atomic.Int32
	cfg := CycleConfig{OnChange: func(ev ChangeEvent) {
		calls.Add(1)
		if ev.Source == "org/a" {
			panic("callback bug")
		}
	}}
	c := newTestCycle(up, newSpyStore(), nil, cfg)

	if _, err := c.Run(context.Background(), sources("org/a", "org/b")); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("callback calls = %d, want 2 (panic must not stop later callbacks)", calls.Load())
	}
}
