// Package broadcast fans change notifications out to live subscribers.
//
// A [Broadcaster] keeps a registry of [Subscriber] handles. Each subscriber
// owns a bounded queue of pre-encoded event-stream frames that the HTTP
// layer drains onto the wire. Delivery is best-effort and at-most-once: a
// frame that cannot be queued is dropped for that subscriber only.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jpalmerr/pipewatch/internal/sse"
	"github.com/jpalmerr/pipewatch/internal/telemetry"
)

const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultBufferSize        = 64
)

// Subscriber is one registered live connection.
type Subscriber struct {
	id     string
	frames chan []byte

	mu       sync.Mutex
	closed   bool
	failures int
}

// ID returns the subscriber's unique identifier.
func (s *Subscriber) ID() string {
	return s.id
}

// Frames returns the queue of encoded frames. The channel is closed when the
// subscriber is removed.
func (s *Subscriber) Frames() <-chan []byte {
	return s.frames
}

// send queues frame without blocking. It returns whether the frame was
// queued and the number of consecutive failed sends.
func (s *Subscriber) send(frame []byte) (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.failures++
		return false, s.failures
	}
	select {
	case s.frames <- frame:
		s.failures = 0
		return true, 0
	default:
		s.failures++
		return false, s.failures
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.frames)
	}
}

// Option configures a [Broadcaster].
type Option func(*Broadcaster)

// WithHeartbeatInterval sets how often keep-alive frames are sent while the
// broadcaster is started. Non-positive values keep the 15s default.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.heartbeatInterval = d
		}
	}
}

// WithBufferSize sets the per-subscriber frame queue length.
func WithBufferSize(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithEvictAfter removes a subscriber after n consecutive failed deliveries.
// Zero, the default, never evicts; dead connections are then only removed
// when their handler notices the disconnect.
func WithEvictAfter(n int) Option {
	return func(b *Broadcaster) {
		if n >= 0 {
			b.evictAfter = n
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broadcaster) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics records subscriber and drop counts.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(b *Broadcaster) {
		b.metrics = m
	}
}

// Broadcaster is the registry of live subscribers.
//
// All methods are safe for concurrent use. Publish and Heartbeat iterate a
// snapshot of the registry, so subscribers may come and go mid-publish.
type Broadcaster struct {
	heartbeatInterval time.Duration
	bufferSize        int
	evictAfter        int
	logger            *slog.Logger
	metrics           *telemetry.Metrics

	mu   sync.RWMutex
	subs map[*Subscriber]struct{}

	lifeMu  sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a [Broadcaster]. Heartbeats are not sent until
// [Broadcaster.Start] is called.
func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		heartbeatInterval: defaultHeartbeatInterval,
		bufferSize:        defaultBufferSize,
		logger:            slog.Default(),
		subs:              make(map[*Subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start begins sending heartbeats in a background goroutine.
//
// Start is idempotent. If Stop was called before Start, Start is a no-op.
func (b *Broadcaster) Start(ctx context.Context) {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()
	if b.started || b.stopped {
		return
	}
	b.started = true

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, b.cancel = context.WithCancel(ctx)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.Heartbeat()
			}
		}
	}()
}

// Stop halts heartbeats and removes every subscriber, closing their frame
// queues. Stop is idempotent and safe to call before Start. Subscribe after
// Stop returns an already-closed subscriber.
func (b *Broadcaster) Stop() {
	b.lifeMu.Lock()
	if !b.stopped {
		b.stopped = true
		if b.cancel != nil {
			b.cancel()
		}
	}
	b.lifeMu.Unlock()

	b.wg.Wait()

	for _, s := range b.snapshot() {
		b.Unsubscribe(s)
	}
}

// Subscribe registers a new subscriber. The connected frame is already
// queued when Subscribe returns.
func (b *Broadcaster) Subscribe() *Subscriber {
	s := &Subscriber{
		id:     uuid.NewString(),
		frames: make(chan []byte, b.bufferSize),
	}
	s.frames <- sse.Connected

	// registering under lifeMu means a concurrent Stop either sees s or
	// makes us see stopped
	b.lifeMu.Lock()
	if b.stopped {
		b.lifeMu.Unlock()
		s.close()
		return s
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	b.lifeMu.Unlock()

	b.metrics.SubscriberAdded(context.Background())
	b.logger.Debug("subscriber registered", "subscriber_id", s.id)
	return s
}

// Unsubscribe removes s and closes its frame queue. Unsubscribing an
// unknown or already removed subscriber is a no-op.
func (b *Broadcaster) Unsubscribe(s *Subscriber) {
	if s == nil {
		return
	}

	b.mu.Lock()
	_, ok := b.subs[s]
	delete(b.subs, s)
	b.mu.Unlock()

	if !ok {
		return
	}
	s.close()
	b.metrics.SubscriberRemoved(context.Background())
	b.logger.Debug("subscriber removed", "subscriber_id", s.id)
}

// Publish encodes v as JSON once and queues the resulting data frame for
// every registered subscriber. The only error is an encoding failure.
func (b *Broadcaster) Publish(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	b.deliver(sse.Data(payload))
	return nil
}

// Heartbeat queues a keep-alive frame for every registered subscriber.
func (b *Broadcaster) Heartbeat() {
	b.deliver(sse.KeepAlive)
}

// Count returns the number of registered subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broadcaster) snapshot() []*Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := make([]*Subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	return subs
}

func (b *Broadcaster) deliver(frame []byte) {
	var evict []*Subscriber
	for _, s := range b.snapshot() {
		ok, failures := s.send(frame)
		if ok {
			continue
		}
		b.metrics.RecordDroppedFrame(context.Background())
		b.logger.Debug("frame dropped", "subscriber_id", s.id, "consecutive_failures", failures)
		if b.evictAfter > 0 && failures >= b.evictAfter {
			evict = append(evict, s)
		}
	}
	for _, s := range evict {
		b.logger.Info("evicting unresponsive subscriber", "subscriber_id", s.id)
		b.Unsubscribe(s)
	}
}
