package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpalmerr/pipewatch"
	"github.com/jpalmerr/pipewatch/example/mockgithub"
)

func main() {
	// fake GitHub API whose runs progress every 10-30s (see mockgithub)
	mock := &http.Server{Addr: ":9999", Handler: mockgithub.New(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := mock.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mock server error", "error", err)
		}
	}()
	time.Sleep(100 * time.Millisecond)

	// grid API: 1 owner × 3 repos = 3 sources from one declaration
	sources, err := pipewatch.NewSourceGrid(
		pipewatch.WithDimension("owner", "acme"),
		pipewatch.WithDimension("repo", "api", "web", "worker"),
	)
	if err != nil {
		slog.Error("failed to create source grid", "error", err)
		os.Exit(1)
	}

	// a slow repository with its own timeout
	monorepo, _ := pipewatch.NewSource("acme/monorepo", pipewatch.WithTimeout(45*time.Second))
	sources = append(sources, monorepo)

	pw, err := pipewatch.New(
		pipewatch.WithSources(sources...),
		pipewatch.WithUpstreamURL("http://localhost:9999/"),
		pipewatch.WithGitHubToken("demo-token"),
		pipewatch.WithPollingInterval(5*time.Second),
		pipewatch.WithPort(8080),
		pipewatch.WithTitle("PipeWatch Demo"),
		pipewatch.WithChangeCallback(func(s pipewatch.RepoState) {
			if len(s.Runs) > 0 {
				slog.Info("runs changed", "repo", s.Repo, "latest", s.Runs[0].Status)
			}
		}),
	)
	if err != nil {
		slog.Error("failed to create pipewatch", "error", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════════════════╗")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   PipeWatch Demo                                      ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Open http://localhost:8080 in your browser          ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Repositories:                                       ║")
	fmt.Println("  ║   • 3 mock (1 owner × 3 repos via Grid)               ║")
	fmt.Println("  ║   • 1 mock monorepo (45s request timeout)             ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Press Ctrl+C to stop                                ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ╚═══════════════════════════════════════════════════════╝")
	fmt.Println()

	// set up context with signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := pw.Start(ctx); err != nil {
		slog.Error("pipewatch error", "error", err)
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = mock.Shutdown(shutdownCtx)
}
