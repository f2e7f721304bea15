package pipewatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jpalmerr/pipewatch/dashboard"
	"github.com/jpalmerr/pipewatch/internal/broadcast"
	"github.com/jpalmerr/pipewatch/internal/github"
	"github.com/jpalmerr/pipewatch/internal/poller"
	"github.com/jpalmerr/pipewatch/internal/server"
	"github.com/jpalmerr/pipewatch/internal/store"
	"github.com/jpalmerr/pipewatch/internal/telemetry"
)

const (
	defaultPollingInterval   = poller.DefaultInterval
	defaultPort              = 8080
	defaultBuildLimit        = poller.DefaultBuildLimit
	defaultRequestTimeout    = poller.DefaultRequestTimeout
	defaultHeartbeatInterval = 15 * time.Second
)

// ErrNoSources is returned by [PipeWatch.Sync] and reported by the refresh
// endpoints when no repository is configured.
var ErrNoSources = poller.ErrNoSources

// ErrStoreUnavailable wraps every persistence failure.
var ErrStoreUnavailable = poller.ErrStoreUnavailable

// PipeWatch mirrors the workflow runs of a set of GitHub repositories and
// serves them on a live dashboard.
//
// PipeWatch polls the GitHub Actions API with conditional requests, stores
// the most recent runs per repository, pushes every change to connected
// browsers and exposes the stored state over HTTP. It is created using
// [New] with functional options and started with [PipeWatch.Start].
//
// The typical lifecycle is:
//
//	pw, err := pipewatch.New(
//	    pipewatch.WithRepositories("acme/api", "acme/web"),
//	    pipewatch.WithGitHubToken(os.Getenv("GITHUB_TOKEN")),
//	)
//	if err != nil {
//	    slog.Error("failed to create pipewatch", "error", err)
//	    os.Exit(1)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	pw.Start(ctx) // blocks until context cancelled
type PipeWatch struct {
	cfg    pwConfig
	logger *slog.Logger
}

// New creates a new [PipeWatch] instance with the given options.
//
// Defaults:
//   - Polling interval: 60 seconds
//   - Port: 8080
//   - Max concurrency: unbounded, every repository is fetched at once
//   - Build limit: 5 runs per repository
//   - Store: memory
//
// New accepts an empty repository list; every sync then fails with
// [ErrNoSources]. Returns an error if any option is invalid or a
// repository is listed twice.
func New(opts ...Option) (*PipeWatch, error) {
	cfg := pwConfig{
		sources:           []Source{},
		pollingInterval:   defaultPollingInterval,
		port:              defaultPort,
		buildLimit:        defaultBuildLimit,
		requestTimeout:    defaultRequestTimeout,
		heartbeatInterval: defaultHeartbeatInterval,
		metrics:           true,
	}

	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	seen := make(map[string]bool, len(cfg.sources))
	for _, s := range cfg.sources {
		if seen[s.name] {
			return nil, fmt.Errorf("duplicate repository: %q", s.name)
		}
		seen[s.name] = true
	}

	if cfg.token != "" && cfg.appID != 0 {
		return nil, errors.New("configure either a github token or a github app, not both")
	}

	// default to slog.Default() if no logger provided
	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	return &PipeWatch{cfg: cfg, logger: logger}, nil
}

// engine is the set of components one Start or Sync call runs on.
type engine struct {
	store     store.Store
	client    *github.Client
	hub       *broadcast.Broadcaster
	scheduler *poller.Scheduler
	cycle     *poller.Cycle
	provider  interface{ Shutdown(context.Context) error }
	metricsH  http.Handler
}

func (e *engine) close(logger *slog.Logger) {
	if e.scheduler != nil {
		e.scheduler.Stop()
	}
	if e.hub != nil {
		e.hub.Stop()
	}
	if e.client != nil {
		e.client.Close()
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			logger.Warn("failed to close store", "error", err)
		}
	}
	if e.provider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.provider.Shutdown(ctx); err != nil {
			logger.Warn("failed to shut down metrics provider", "error", err)
		}
	}
}

// build wires the engine. live adds the broadcaster and scheduler used by
// Start; a one-shot Sync runs without them.
func (pw *PipeWatch) build(ctx context.Context, live bool) (*engine, error) {
	e := &engine{}

	var metrics *telemetry.Metrics
	if pw.cfg.metrics {
		provider, handler, err := telemetry.NewPrometheusProvider()
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics provider: %w", err)
		}
		e.provider = provider
		e.metricsH = handler
		if metrics, err = telemetry.NewMetrics(provider); err != nil {
			e.close(pw.logger)
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
	}

	st, err := store.Open(ctx, pw.cfg.store.internal())
	if err != nil {
		e.close(pw.logger)
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	e.store = st

	client, err := pw.newClient()
	if err != nil {
		e.close(pw.logger)
		return nil, err
	}
	e.client = client

	var pub poller.Publisher
	if live {
		e.hub = broadcast.New(
			broadcast.WithHeartbeatInterval(pw.cfg.heartbeatInterval),
			broadcast.WithEvictAfter(pw.cfg.evictAfter),
			broadcast.WithLogger(pw.logger),
			broadcast.WithMetrics(metrics),
		)
		pub = e.hub
	}

	fetcher := poller.NewFetcher(client, st, poller.FetcherConfig{
		BuildLimit: pw.cfg.buildLimit,
		Timeout:    pw.cfg.requestTimeout,
		Metrics:    metrics,
	}, pw.logger)

	e.cycle = poller.NewCycle(fetcher, st, pub, poller.CycleConfig{
		MaxConcurrency: pw.cfg.maxConcurrency,
		Metrics:        metrics,
		OnChange:       pw.onChange,
	}, pw.logger)

	if live {
		e.scheduler = poller.NewScheduler(e.cycle, pw.sourceInfos(), pw.cfg.pollingInterval, pw.logger)
	}
	return e, nil
}

func (pw *PipeWatch) newClient() (*github.Client, error) {
	opts := []github.Option{github.WithLogger(pw.logger)}
	if pw.cfg.upstreamURL != "" {
		opts = append(opts, github.WithBaseURL(pw.cfg.upstreamURL))
	}

	var (
		client *github.Client
		err    error
	)
	switch {
	case pw.cfg.token != "":
		client, err = github.NewClient(pw.cfg.token, opts...)
	case pw.cfg.appID != 0:
		client, err = github.NewAppClient(pw.cfg.appID, pw.cfg.installationID, pw.cfg.appKey, opts...)
	default:
		pw.logger.Warn("no github credential configured, using unauthenticated requests")
		client, err = github.NewPublicClient(opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create github client: %w", err)
	}
	return client, nil
}

// Start begins syncing repositories and serving the dashboard.
//
// Start is a blocking call that runs until the provided context is cancelled.
// During execution:
//
//   - All repositories are synced immediately, then at the polling interval
//   - The HTTP server starts on the configured port
//   - Changes are pushed to connected dashboards as they are stored
//   - The dashboard is available at http://localhost:<port>
//
// Returns nil on graceful shutdown. Returns an error if the store cannot be
// opened or the HTTP server fails to start.
func (pw *PipeWatch) Start(ctx context.Context) error {
	pw.logger.Info("pipewatch starting", "repository_count", len(pw.cfg.sources))
	pw.logger.Info("polling configured", "interval", pw.cfg.pollingInterval.String())
	pw.logger.Info("dashboard available", "url", fmt.Sprintf("http://localhost:%d", pw.cfg.port))
	if len(pw.cfg.sources) == 0 {
		pw.logger.Warn("no repositories configured; syncs will fail until some are added")
	}

	// check if context already cancelled
	if ctx.Err() != nil {
		return nil
	}

	e, err := pw.build(ctx, true)
	if err != nil {
		return err
	}

	e.hub.Start(ctx)

	httpServer := server.NewServer(server.Deps{
		States:  e.store,
		Trigger: e.scheduler,
		Hub:     e.hub,
	}, server.Config{
		Port:                 pw.cfg.port,
		Assets:               dashboard.Assets,
		Title:                pw.cfg.title,
		CronSecret:           pw.cfg.cronSecret,
		CredentialConfigured: pw.CredentialConfigured(),
		MetricsHandler:       e.metricsH,
	}, pw.logger)

	if err := httpServer.Start(ctx); err != nil {
		e.close(pw.logger)
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	e.scheduler.Start(ctx)

	<-ctx.Done()
	e.close(pw.logger)
	pw.logger.Info("pipewatch stopped")
	return nil
}

// Sync runs a single cycle over every repository and returns one result
// per repository, in configuration order. Change callbacks fire as they
// would under Start.
//
// A failing repository yields a result with [OutcomeFailed] and does not
// fail the call. Sync fails as a whole with [ErrNoSources] or an
// [ErrStoreUnavailable] error.
func (pw *PipeWatch) Sync(ctx context.Context) ([]SyncResult, error) {
	e, err := pw.build(ctx, false)
	if err != nil {
		return nil, err
	}
	defer e.close(pw.logger)

	results, err := e.cycle.Run(ctx, pw.sourceInfos())
	if err != nil {
		return nil, err
	}

	out := make([]SyncResult, len(results))
	for i, r := range results {
		out[i] = toSyncResult(r)
	}
	return out, nil
}

func (pw *PipeWatch) onChange(ev poller.ChangeEvent) {
	for _, cb := range pw.cfg.changeCallbacks {
		invokeCallbackSafe(cb, changeToRepoState(ev), pw.logger)
	}
}

func (pw *PipeWatch) sourceInfos() []poller.SourceInfo {
	infos := make([]poller.SourceInfo, len(pw.cfg.sources))
	for i, s := range pw.cfg.sources {
		infos[i] = poller.SourceInfo{Name: s.name, Timeout: s.timeout}
	}
	return infos
}

// Sources returns a copy of the configured sources.
func (pw *PipeWatch) Sources() []Source {
	cp := make([]Source, len(pw.cfg.sources))
	copy(cp, pw.cfg.sources)
	return cp
}

// Port returns the configured HTTP port for the dashboard server.
func (pw *PipeWatch) Port() int {
	return pw.cfg.port
}

// PollingInterval returns the configured interval between sync cycles.
func (pw *PipeWatch) PollingInterval() time.Duration {
	return pw.cfg.pollingInterval
}

// BuildLimit returns how many runs are kept per repository.
func (pw *PipeWatch) BuildLimit() int {
	return pw.cfg.buildLimit
}

// CredentialConfigured reports whether a token or App credential is set.
func (pw *PipeWatch) CredentialConfigured() bool {
	return pw.cfg.token != "" || pw.cfg.appID != 0
}

// invokeCallbackSafe calls a change callback with panic recovery.
// Panics are logged but do not propagate.
func invokeCallbackSafe(cb func(RepoState), state RepoState, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("change callback panicked",
				"panic", r,
				"repo", state.Repo,
			)
		}
	}()
	cb(state)
}
