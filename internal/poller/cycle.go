package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jpalmerr/pipewatch/internal/store"
	"github.com/jpalmerr/pipewatch/internal/telemetry"
)

// Publisher receives the change events of a cycle.
type Publisher interface {
	Publish(v any) error
}

// CycleConfig holds the optional settings of a [Cycle].
type CycleConfig struct {
	// MaxConcurrency bounds parallel fetches. Zero fetches every source at once.
	MaxConcurrency int

	Metrics *telemetry.Metrics

	// OnChange is called for every change event after it was published.
	// Panics are recovered and logged.
	OnChange func(ChangeEvent)
}

// Cycle runs one synchronization pass over a set of sources.
//
// A Cycle holds no per-run state and may be reused, but callers must not
// run two cycles over the same sources at once; [Scheduler] guarantees this.
type Cycle struct {
	fetcher   *Fetcher
	store     store.Store
	publisher Publisher
	cfg       CycleConfig
	logger    *slog.Logger
}

// NewCycle creates a [Cycle]. pub may be nil, in which case events are only
// passed to cfg.OnChange.
func NewCycle(f *Fetcher, st store.Store, pub Publisher, cfg CycleConfig, logger *slog.Logger) *Cycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cycle{
		fetcher:   f,
		store:     st,
		publisher: pub,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run syncs every source and returns one result per source, in input order.
//
// A failing source never affects another: it contributes a placeholder
// result. Run waits for every source before publishing any event. It fails
// as a whole only for configuration faults ([ErrNoSources]) and persistence
// faults ([ErrStoreUnavailable]); in the latter case events for changes that
// were already persisted are still published.
func (c *Cycle) Run(ctx context.Context, sources []SourceInfo) ([]Result, error) {
	if len(sources) == 0 {
		return nil, ErrNoSources
	}

	start := time.Now()
	if err := c.store.Ping(ctx); err != nil {
		c.cfg.Metrics.RecordCycle(ctx, time.Since(start), len(sources), false)
		return nil, persistErr(err)
	}

	results := make([]Result, len(sources))
	errs := make([]error, len(sources))

	var g errgroup.Group
	if c.cfg.MaxConcurrency > 0 {
		g.SetLimit(c.cfg.MaxConcurrency)
	}
	for i, src := range sources {
		g.Go(func() error {
			results[i], errs[i] = c.syncSafe(ctx, src)
			return nil
		})
	}
	_ = g.Wait()

	for i, r := range results {
		c.logResult(sources[i].Name, r, errs[i])
		if r.Event != nil {
			c.emit(ctx, *r.Event)
		}
	}

	err := errors.Join(errs...)
	c.cfg.Metrics.RecordCycle(ctx, time.Since(start), len(sources), err == nil)
	if err != nil {
		return nil, err
	}
	return results, nil
}

// syncSafe calls the fetcher with panic recovery. A panic degrades the
// source to the placeholder with an error carrying a correlation ID; the
// stack is logged server-side.
func (c *Cycle) syncSafe(ctx context.Context, src SourceInfo) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			c.logger.Error("source sync panic",
				"correlation_id", correlationID,
				"source", src.Name,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
			res = Result{
				State:   store.Placeholder(src.Name, time.Now()),
				Outcome: OutcomeFailed,
				Err:     fmt.Errorf("sync panic (correlation_id: %s)", correlationID),
			}
			err = nil
		}
	}()
	return c.fetcher.SyncOne(ctx, src)
}

func (c *Cycle) emit(ctx context.Context, ev ChangeEvent) {
	if c.publisher != nil {
		if err := c.publisher.Publish(ev); err != nil {
			c.logger.Error("publish change event failed", "source", ev.Source, "error", err)
		}
	}
	c.cfg.Metrics.RecordChange(ctx, ev.Source)

	if c.cfg.OnChange != nil {
		c.invokeCallbackSafe(ev)
	}
}

// invokeCallbackSafe calls OnChange with panic recovery.
// Panics are logged but do not propagate.
func (c *Cycle) invokeCallbackSafe(ev ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("change callback panicked",
				"panic", r,
				"source", ev.Source,
			)
		}
	}()
	c.cfg.OnChange(ev)
}

func (c *Cycle) logResult(source string, r Result, err error) {
	if err != nil {
		c.logger.Error("source sync failed to persist", "source", source, "error", err)
		return
	}
	attrs := []any{
		"source", source,
		"outcome", string(r.Outcome),
		"runs", len(r.State.Runs),
		"latency_ms", r.Latency.Milliseconds(),
	}
	if r.Err != nil {
		c.logger.Warn("source sync completed with error", append(attrs, "error", r.Err.Error())...)
		return
	}
	c.logger.Debug("source sync completed", attrs...)
}
