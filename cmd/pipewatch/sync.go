package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jpalmerr/pipewatch"
	"github.com/jpalmerr/pipewatch/config"
	"github.com/spf13/cobra"
)

// syncCmd runs one sync cycle without serving anything.
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle and print the results",
	Long: `Sync every configured repository once and print one JSON object per
repository to stdout.

With a persistent store (sqlite, postgres or redis) this updates the same
state a running server reads, so it can be driven by an external scheduler.

Exit codes:
  0 - Cycle completed (individual repositories may have failed)
  1 - Config invalid, no repositories, store unavailable, or
      --fail-on-error and at least one repository failed

Example:
  pipewatch sync -c config.yaml
  pipewatch sync -c config.yaml --fail-on-error | jq '.[] | .outcome'`,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	syncCmd.Flags().Bool("fail-on-error", false, "exit non-zero when any repository fails")
	_ = syncCmd.MarkFlagRequired("config")
}

// syncLine is the printed form of one [pipewatch.SyncResult].
type syncLine struct {
	Repo        string            `json:"repo"`
	Outcome     pipewatch.Outcome `json:"outcome"`
	Runs        []pipewatch.Run   `json:"runs"`
	LastUpdated time.Time         `json:"lastUpdated"`
	LatencyMS   int64             `json:"latency_ms"`
	Error       string            `json:"error,omitempty"`
}

func runSync(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	opts, err := config.BuildOptions(cfg)
	if err != nil {
		return fmt.Errorf("failed to build sources: %w", err)
	}
	opts = append(opts, pipewatch.WithLogger(logger), pipewatch.WithoutMetrics())

	pw, err := pipewatch.New(opts...)
	if err != nil {
		return fmt.Errorf("failed to create PipeWatch: %w", err)
	}

	results, err := pw.Sync(cmd.Context())
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	failed, err := writeSyncResults(cmd.OutOrStdout(), results)
	if err != nil {
		return err
	}

	failOnError, _ := cmd.Flags().GetBool("fail-on-error")
	if failOnError && failed > 0 {
		return fmt.Errorf("%d of %d repositories failed", failed, len(results))
	}
	return nil
}

// writeSyncResults prints results as an indented JSON array and returns
// how many of them failed.
func writeSyncResults(w io.Writer, results []pipewatch.SyncResult) (int, error) {
	lines := make([]syncLine, len(results))
	failed := 0
	for i, r := range results {
		lines[i] = syncLine{
			Repo:        r.State.Repo,
			Outcome:     r.Outcome,
			Runs:        r.State.Runs,
			LastUpdated: r.State.LastUpdated,
			LatencyMS:   r.Latency.Milliseconds(),
		}
		if r.Err != nil {
			lines[i].Error = r.Err.Error()
			failed++
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(lines); err != nil {
		return failed, fmt.Errorf("failed to write results: %w", err)
	}
	return failed, nil
}
