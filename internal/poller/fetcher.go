package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jpalmerr/pipewatch/internal/store"
	"github.com/jpalmerr/pipewatch/internal/telemetry"
)

const (
	// DefaultBuildLimit is the number of most recent runs kept per source.
	DefaultBuildLimit = 5

	// DefaultRequestTimeout bounds a single upstream request.
	DefaultRequestTimeout = 30 * time.Second
)

// FetcherConfig holds the optional settings of a [Fetcher].
type FetcherConfig struct {
	// BuildLimit caps the stored runs per source. Zero means DefaultBuildLimit.
	BuildLimit int

	// Timeout is the default per-request timeout. Zero means DefaultRequestTimeout.
	Timeout time.Duration

	Metrics *telemetry.Metrics

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Fetcher performs the conditional fetch and diff-and-persist step for one
// source at a time.
//
// Fetches of the same source are serialized; fetches of different sources
// run in parallel.
type Fetcher struct {
	upstream Upstream
	store    store.Store
	limit    int
	timeout  time.Duration
	metrics  *telemetry.Metrics
	now      func() time.Time
	logger   *slog.Logger
	locks    keyedMutex
}

// NewFetcher creates a [Fetcher] reading and writing st.
func NewFetcher(up Upstream, st store.Store, cfg FetcherConfig, logger *slog.Logger) *Fetcher {
	if cfg.BuildLimit <= 0 {
		cfg.BuildLimit = DefaultBuildLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRequestTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		upstream: up,
		store:    st,
		limit:    cfg.BuildLimit,
		timeout:  cfg.Timeout,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		logger:   logger,
	}
}

// SyncOne fetches src and reconciles the stored state with the response.
//
// Transport faults never produce an error: the result carries the
// placeholder state, Outcome is OutcomeFailed and neither store is touched.
// The returned error is reserved for persistence faults and always wraps
// [ErrStoreUnavailable].
func (f *Fetcher) SyncOne(ctx context.Context, src SourceInfo) (Result, error) {
	unlock := f.locks.lock(src.Name)
	defer unlock()

	start := time.Now()
	res, err := f.syncLocked(ctx, src)
	res.Latency = time.Since(start)
	if err != nil {
		return Result{}, err
	}
	f.metrics.RecordSourceSync(ctx, src.Name, string(res.Outcome))
	return res, nil
}

func (f *Fetcher) syncLocked(ctx context.Context, src SourceInfo) (Result, error) {
	meta, _, err := f.store.GetCache(ctx, src.Name)
	if err != nil {
		return Result{}, persistErr(err)
	}

	timeout := src.Timeout
	if timeout <= 0 {
		timeout = f.timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	resp, err := f.upstream.ListRuns(reqCtx, ListRequest{
		Source:    src.Name,
		Limit:     f.limit,
		Validator: meta.Validator,
	})
	cancel()
	if err != nil {
		return f.failed(src.Name, err), nil
	}

	now := f.now()
	if resp.NotModified {
		return f.notModified(ctx, src.Name, meta, resp.Validator, now)
	}

	runs := resp.Runs
	if runs == nil {
		runs = []store.RunRecord{}
	}
	if len(runs) > f.limit {
		runs = runs[:f.limit]
	}
	sig, err := store.Signature(runs)
	if err != nil {
		return f.failed(src.Name, fmt.Errorf("fingerprint runs: %w", err)), nil
	}

	existing, found, err := f.store.GetState(ctx, src.Name)
	if err != nil {
		return Result{}, persistErr(err)
	}
	if found {
		oldSig, err := store.Signature(existing.Runs)
		if err == nil && oldSig == sig {
			if err := f.refreshValidator(ctx, src.Name, meta, resp.Validator, now); err != nil {
				return Result{}, err
			}
			return Result{State: existing, Outcome: OutcomeUnchanged}, nil
		}
	}

	// state before validator: a validator must never describe content that
	// was not persisted
	state := store.SourceState{Source: src.Name, Runs: runs, LastUpdated: now}
	if err := f.store.PutState(ctx, state); err != nil {
		return Result{}, persistErr(err)
	}
	if resp.Validator != "" {
		err := f.store.PutCache(ctx, store.CacheMetadata{Source: src.Name, Validator: resp.Validator, CheckedAt: now})
		if err != nil {
			return Result{}, persistErr(err)
		}
	}

	return Result{
		State:   state,
		Outcome: OutcomeChanged,
		Event: &ChangeEvent{
			Type:        EventTypeRepoUpdate,
			Source:      state.Source,
			Runs:        state.Runs,
			LastUpdated: state.LastUpdated,
		},
	}, nil
}

func (f *Fetcher) notModified(ctx context.Context, source string, meta store.CacheMetadata, validator string, now time.Time) (Result, error) {
	existing, found, err := f.store.GetState(ctx, source)
	if err != nil {
		return Result{}, persistErr(err)
	}
	if !found {
		// a validator without state: forget it so the next request is unconditional
		if err := f.store.PutCache(ctx, store.CacheMetadata{Source: source, CheckedAt: now}); err != nil {
			return Result{}, persistErr(err)
		}
		f.logger.Warn("not modified without stored state, validator cleared", "source", source)
		return Result{State: store.Placeholder(source, now), Outcome: OutcomeNotModified}, nil
	}
	if err := f.refreshValidator(ctx, source, meta, validator, now); err != nil {
		return Result{}, err
	}
	return Result{State: existing, Outcome: OutcomeNotModified}, nil
}

func (f *Fetcher) refreshValidator(ctx context.Context, source string, meta store.CacheMetadata, validator string, now time.Time) error {
	if validator == "" || validator == meta.Validator {
		return nil
	}
	if err := f.store.PutCache(ctx, store.CacheMetadata{Source: source, Validator: validator, CheckedAt: now}); err != nil {
		return persistErr(err)
	}
	return nil
}

func (f *Fetcher) failed(source string, err error) Result {
	var te *TransportError
	if !errors.As(err, &te) {
		te = &TransportError{Source: source, Err: err}
	}
	return Result{
		State:   store.Placeholder(source, f.now()),
		Outcome: OutcomeFailed,
		Err:     te,
	}
}

func persistErr(err error) error {
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// keyedMutex hands out one mutex per key. Entries are never removed; the
// key space is the configured source list.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
