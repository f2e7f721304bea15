// Package pipewatch mirrors GitHub Actions workflow runs into a store and
// serves them on a live, embeddable dashboard.
//
// PipeWatch is designed as an SDK-first library. Repositories are polled
// with conditional requests, so an unchanged repository costs one cheap
// "not modified" answer. Only a changed run list is stored and pushed to
// connected browsers over Server-Sent Events.
//
// # Quick Start
//
//	pw, _ := pipewatch.New(
//	    pipewatch.WithRepositories("acme/api", "acme/web"),
//	    pipewatch.WithGitHubToken(os.Getenv("GITHUB_TOKEN")),
//	)
//
//	// Set up graceful shutdown on SIGINT/SIGTERM
//	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer stop()
//
//	pw.Start(ctx) // blocks until context is cancelled
//
// # Configuration
//
// PipeWatch uses the functional options pattern for configuration:
//
//	pw, err := pipewatch.New(
//	    pipewatch.WithSources(sources...),
//	    pipewatch.WithPollingInterval(30 * time.Second),
//	    pipewatch.WithBuildLimit(10),
//	    pipewatch.WithStore(pipewatch.StoreConfig{Driver: "sqlite", DSN: "pipewatch.db"}),
//	    pipewatch.WithCronSecret(os.Getenv("CRON_SECRET")),
//	)
//
// Many repositories sharing an owner can be generated with [NewSourceGrid]:
//
//	sources, err := pipewatch.NewSourceGrid(
//	    pipewatch.WithDimension("owner", "acme"),
//	    pipewatch.WithDimension("repo", "api", "web", "worker"),
//	)
//
// # Architecture
//
// PipeWatch consists of several internal packages (under internal/):
//
//   - internal/poller: conditional fetch, change detection and the sync cycle
//   - internal/github: the GitHub Actions API client
//   - internal/store: memory, SQLite, PostgreSQL and Redis backends
//   - internal/broadcast: fan-out of change events to live subscribers
//   - internal/server: HTTP API, Server-Sent Events and the dashboard
//   - internal/telemetry: OpenTelemetry metrics exported to Prometheus
//   - dashboard: embedded web UI assets
//
// The internal packages are not part of the public API and may change
// without notice.
package pipewatch
