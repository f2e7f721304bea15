// Package main is the entry point for the pipewatch CLI.
//
// PipeWatch can be run either as a library (SDK) or as a standalone binary
// with YAML configuration. This CLI provides the standalone binary approach.
//
// Usage:
//
//	pipewatch serve -c config.yaml          # Start the dashboard
//	pipewatch sync -c config.yaml           # Run one sync cycle and print results
//	pipewatch watch -s http://localhost:8080 # Follow a running server
//	pipewatch validate -c config.yaml       # Validate configuration
//	pipewatch version                       # Show version info
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version information - set by GoReleaser at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd is the base command when called without subcommands.
// It just displays help - actual functionality is in subcommands.
var rootCmd = &cobra.Command{
	Use:   "pipewatch",
	Short: "A live mirror of GitHub Actions workflow runs",
	Long: `PipeWatch mirrors the most recent GitHub Actions workflow runs of a set
of repositories and serves them on a live dashboard.

It polls the GitHub API with conditional requests, stores every change and
pushes it to connected browsers with Server-Sent Events.

Quick start:
  1. Create a config file (pipewatch.yaml)
  2. Run: GITHUB_TOKEN=... pipewatch serve -c pipewatch.yaml
  3. Open http://localhost:8080 in your browser

Example config:
  port: 8080
  poll_interval: 60s
  repositories: ${GITHUB_REPOSITORIES}
  github:
    token: ${GITHUB_TOKEN}`,
	SilenceUsage: true,
}

// Execute runs the root command.
// This is the main entry point called from main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already prints the error, just exit with code 1
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// newLogger creates a JSON logger on stderr at the --log-level given to cmd.
func newLogger(cmd *cobra.Command) (*slog.Logger, error) {
	raw, _ := cmd.Flags().GetString("log-level")

	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", raw, err)
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})), nil
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this pipewatch binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "pipewatch %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn or error")

	// Register subcommands with root
	rootCmd.AddCommand(versionCmd)
}
