package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultInterval is the time between scheduled cycles.
const DefaultInterval = 60 * time.Second

const flightKey = "cycle"

// Scheduler runs sync cycles periodically and on demand.
//
// At most one cycle is in flight at any time. A trigger that arrives while
// a cycle runs joins it and receives the same results instead of starting a
// second, overlapping cycle.
//
// All lifecycle methods (Start, Stop) are safe for concurrent use.
type Scheduler struct {
	cycle    *Cycle
	sources  []SourceInfo
	interval time.Duration
	logger   *slog.Logger

	flight   singleflight.Group
	inFlight atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// halt is cancelled by Stop; manual cycles end with it
	halt       context.Context
	haltCancel context.CancelFunc

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewScheduler creates a new [Scheduler].
//
// Parameters:
//   - cycle: the cycle to run
//   - sources: every tracked source, passed to each cycle
//   - interval: time between scheduled cycles (DefaultInterval if zero)
//   - logger: logger for cycle failures
//
// The scheduler must be started with [Scheduler.Start] and stopped with
// [Scheduler.Stop]. [Scheduler.TriggerNow] works whether or not it is started.
func NewScheduler(cycle *Cycle, sources []SourceInfo, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	halt, haltCancel := context.WithCancel(context.Background())
	return &Scheduler{
		cycle:      cycle,
		sources:    append([]SourceInfo(nil), sources...),
		interval:   interval,
		logger:     logger,
		halt:       halt,
		haltCancel: haltCancel,
	}
}

// Start begins the scheduling loop in a background goroutine.
//
// Start is non-blocking and returns immediately. The scheduler will:
//  1. Run a cycle immediately
//  2. Run a cycle on every tick of the interval
//  3. Continue until [Scheduler.Stop] is called or the context is cancelled
//
// If ctx is nil, context.Background() is used as the parent context.
// Start is idempotent; subsequent calls after the first are no-ops.
// If Stop was called before Start, Start is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true

	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	loopCtx := s.ctx // capture under lock to avoid race
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()

		s.runScheduled(loopCtx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.runScheduled(loopCtx)
			}
		}
	}()
}

// Stop halts the scheduler and waits for the loop and every manual cycle
// to exit.
//
// Stopping aborts the in-flight upstream requests of any cycle; those
// sources report transport faults and nothing is written for them. Once
// Stop returns, no cycle touches the store. Stop is idempotent and safe to
// call before Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		if s.cancel != nil {
			s.cancel()
		}
		s.haltCancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// TriggerNow runs a cycle immediately, or joins the one already running,
// and returns its results.
//
// The cycle is detached from ctx's cancellation: other callers may have
// joined it, so a caller that goes away must not abort it. Stop does abort
// it. After Stop, TriggerNow returns [ErrStopped].
func (s *Scheduler) TriggerNow(ctx context.Context) ([]Result, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	defer context.AfterFunc(s.halt, cancel)()

	return s.run(ctx)
}

// InFlight reports whether a cycle is currently running.
func (s *Scheduler) InFlight() bool {
	return s.inFlight.Load()
}

// Sources returns a copy of the tracked sources.
func (s *Scheduler) Sources() []SourceInfo {
	return append([]SourceInfo(nil), s.sources...)
}

func (s *Scheduler) runScheduled(ctx context.Context) {
	results, err := s.run(ctx)
	if err != nil {
		s.logger.Error("scheduled sync cycle failed", "error", err)
		return
	}

	var changed, failed int
	for _, r := range results {
		switch r.Outcome {
		case OutcomeChanged:
			changed++
		case OutcomeFailed:
			failed++
		}
	}
	s.logger.Info("scheduled sync cycle completed",
		"sources", len(results),
		"changed", changed,
		"failed", failed,
	)
}

func (s *Scheduler) run(ctx context.Context) ([]Result, error) {
	v, err, _ := s.flight.Do(flightKey, func() (any, error) {
		s.inFlight.Store(true)
		defer s.inFlight.Store(false)
		return s.cycle.Run(ctx, s.sources)
	})
	if err != nil {
		return nil, err
	}
	// joined callers share the slice; hand each its own copy
	results, _ := v.([]Result)
	return append([]Result(nil), results...), nil
}
