// Package watch consumes a running pipewatch server: it follows the live
// event stream, re-reads the stored snapshot periodically to recover
// dropped events, and reconnects with exponential backoff when the stream
// drops.
package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/jpalmerr/pipewatch/internal/poller"
	"github.com/jpalmerr/pipewatch/internal/sse"
	"github.com/jpalmerr/pipewatch/internal/store"
)

const (
	snapshotPath = "/api/workflow-runs"
	eventsPath   = "/api/events"

	defaultInitialBackOff = 500 * time.Millisecond
	defaultMaxBackOff     = 30 * time.Second
	defaultSnapshotWait   = 30 * time.Second

	// DefaultSnapshotInterval matches the server's default poll interval.
	DefaultSnapshotInterval = 60 * time.Second
)

// Client reads from a pipewatch server.
type Client struct {
	base       *url.URL
	http       *http.Client
	logger     *slog.Logger
	initial    time.Duration
	ceiling    time.Duration
	maxRetries int
	every      time.Duration
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. It must not set an overall
// timeout, since the event stream is long-lived.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger used for reconnect messages.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithBackOff bounds the delay between reconnect attempts.
func WithBackOff(initial, ceiling time.Duration) Option {
	return func(c *Client) {
		if initial > 0 {
			c.initial = initial
		}
		if ceiling >= c.initial {
			c.ceiling = ceiling
		}
	}
}

// WithMaxRetries makes Follow give up after n consecutive failed
// connection attempts. Zero retries forever.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithSnapshotInterval sets how often Follow re-reads the snapshot while
// the event stream is up. Events are delivered at most once, so this read
// is what repairs a missed one.
func WithSnapshotInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.every = d
		}
	}
}

// NewClient returns a client for the server at baseURL, such as
// "http://localhost:8080".
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url must be http or https, got %q", baseURL)
	}

	c := &Client{
		base:    u,
		http:    &http.Client{},
		logger:  slog.Default(),
		initial: defaultInitialBackOff,
		ceiling: defaultMaxBackOff,
		every:   DefaultSnapshotInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) endpoint(path string) string {
	return c.base.String() + path
}

// Snapshot returns every stored repository state.
func (c *Client) Snapshot(ctx context.Context) ([]store.SourceState, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultSnapshotWait)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(snapshotPath), nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("snapshot: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var states []store.SourceState
	if err := json.NewDecoder(resp.Body).Decode(&states); err != nil {
		return nil, fmt.Errorf("snapshot: decode: %w", err)
	}
	return states, nil
}

// Follow delivers repository states to fn until ctx is cancelled.
//
// After every successful (re)connect the full snapshot is delivered first,
// then each pushed change, and the snapshot again on every snapshot
// interval. fn is never called concurrently. States may arrive more than
// once or out of order; merge them through a [View]. Follow returns nil when ctx
// is cancelled, or the last error once WithMaxRetries is exhausted.
func (c *Client) Follow(ctx context.Context, fn func(store.SourceState)) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initial
	b.MaxInterval = c.ceiling
	b.Reset()

	failures := 0
	for {
		connected, err := c.stream(ctx, fn)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			b.Reset()
			failures = 0
		}
		if err == nil {
			err = io.ErrUnexpectedEOF
		}

		failures++
		if c.maxRetries > 0 && failures > c.maxRetries {
			return fmt.Errorf("giving up after %d attempts: %w", failures, err)
		}

		wait := b.NextBackOff()
		c.logger.Warn("event stream lost, reconnecting",
			"error", err,
			"attempt", failures,
			"wait", wait.String(),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// stream runs one connection. connected reports whether the server
// accepted it, which resets the backoff.
func (c *Client) stream(ctx context.Context, fn func(store.SourceState)) (connected bool, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(eventsPath), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("events: unexpected status %d", resp.StatusCode)
	}

	if err := c.deliverSnapshot(ctx, fn); err != nil {
		return false, err
	}

	frames := make(chan sse.Frame)
	readErr := make(chan error, 1)
	go func() {
		r := sse.NewReader(resp.Body)
		for {
			frame, err := r.Next()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(c.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return true, nil
			}
			return true, err
		case <-ticker.C:
			if err := c.deliverSnapshot(ctx, fn); err != nil {
				c.logger.Warn("periodic snapshot failed", "error", err)
			}
		case frame := <-frames:
			c.deliverFrame(frame, fn)
		}
	}
}

func (c *Client) deliverSnapshot(ctx context.Context, fn func(store.SourceState)) error {
	states, err := c.Snapshot(ctx)
	if err != nil {
		return err
	}
	for _, s := range states {
		fn(s)
	}
	return nil
}

func (c *Client) deliverFrame(frame sse.Frame, fn func(store.SourceState)) {
	if !frame.IsData() {
		return
	}

	var ev poller.ChangeEvent
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		c.logger.Warn("skipping malformed event", "error", err)
		return
	}
	if ev.Type != poller.EventTypeRepoUpdate || ev.Source == "" {
		return
	}
	fn(store.SourceState{Source: ev.Source, Runs: ev.Runs, LastUpdated: ev.LastUpdated})
}
