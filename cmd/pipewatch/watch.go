package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jpalmerr/pipewatch/internal/store"
	"github.com/jpalmerr/pipewatch/internal/watch"
)

// watchCmd follows a running server from the terminal.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow a running server in the terminal",
	Long: `Connect to a running PipeWatch server and print a line for every
repository whose runs change.

The current state is printed first. The stored state is re-read every
--snapshot-interval so a dropped event is still shown. The command
reconnects automatically when the server restarts and runs until
interrupted (Ctrl+C).

Example:
  pipewatch watch
  pipewatch watch --server http://pipewatch.internal:8080 --no-color`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringP("server", "s", "http://localhost:8080", "base URL of the pipewatch server")
	watchCmd.Flags().Bool("no-color", false, "disable colored output")
	watchCmd.Flags().Int("max-retries", 0, "give up after this many failed reconnects (0 retries forever)")
	watchCmd.Flags().Duration("snapshot-interval", watch.DefaultSnapshotInterval, "how often to re-read the stored state")
}

func runWatch(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}

	if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
		color.NoColor = true
	}

	server, _ := cmd.Flags().GetString("server")
	maxRetries, _ := cmd.Flags().GetInt("max-retries")
	every, _ := cmd.Flags().GetDuration("snapshot-interval")
	client, err := watch.NewClient(server,
		watch.WithLogger(logger),
		watch.WithMaxRetries(maxRetries),
		watch.WithSnapshotInterval(every),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	view := watch.NewView()
	return client.Follow(ctx, func(s store.SourceState) {
		if view.Apply(s) {
			_, _ = fmt.Fprintln(out, formatState(s))
		}
	})
}

var (
	repoColor    = color.New(color.Bold)
	successColor = color.New(color.FgGreen)
	failureColor = color.New(color.FgRed)
	activeColor  = color.New(color.FgYellow)
	mutedColor   = color.New(color.FgHiBlack)
)

// formatState renders one repository as a single terminal line.
func formatState(s store.SourceState) string {
	var b strings.Builder
	b.WriteString(repoColor.Sprint(s.Source))
	b.WriteString(" ")
	b.WriteString(mutedColor.Sprint(s.LastUpdated.Local().Format("15:04:05")))

	if len(s.Runs) == 0 {
		b.WriteString(" ")
		b.WriteString(mutedColor.Sprint("no runs"))
		return b.String()
	}
	for _, r := range s.Runs {
		b.WriteString("  ")
		b.WriteString(formatRun(r))
	}
	return b.String()
}

func formatRun(r store.RunRecord) string {
	label := fmt.Sprintf("%s#%d", r.Name, r.ID)
	switch {
	case r.Status == store.StatusQueued || r.Status == store.StatusInProgress:
		return activeColor.Sprintf("● %s %s", label, r.Status)
	case r.Conclusion == "success":
		return successColor.Sprintf("✓ %s", label)
	case r.Conclusion == "failure" || r.Conclusion == "timed_out" || r.Conclusion == "startup_failure":
		return failureColor.Sprintf("✗ %s %s", label, r.Conclusion)
	case r.Conclusion != "":
		return mutedColor.Sprintf("- %s %s", label, r.Conclusion)
	default:
		return mutedColor.Sprintf("? %s %s", label, r.Status)
	}
}
