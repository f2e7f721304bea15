package main

import (
	"fmt"

	"github.com/jpalmerr/pipewatch/config"
	"github.com/spf13/cobra"
)

// validateCmd validates a config file without starting the server.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a PipeWatch configuration file without starting the server.

This command parses the YAML, expands environment variables, validates all
fields and expands grids. It's useful for CI/CD pipelines or pre-deployment
checks.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  pipewatch validate -c config.yaml
  pipewatch validate --config /etc/pipewatch/config.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	sources, err := config.BuildSources(cfg)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	listed := len(cfg.RepositoryList())
	explicit := len(cfg.Sources)
	fromGrids := 0
	for _, g := range cfg.Grids {
		// cartesian product size
		size := 1
		for _, vals := range g.Dimensions {
			size *= len(vals)
		}
		fromGrids += size
	}

	credential := "none (unauthenticated)"
	switch {
	case cfg.GitHub.Token != "":
		credential = "token"
	case cfg.GitHub.App != nil:
		credential = fmt.Sprintf("app %d", cfg.GitHub.App.AppID)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Config is valid!\n")
	_, _ = fmt.Fprintf(out, "  Port:          %d\n", cfg.Port)
	_, _ = fmt.Fprintf(out, "  Poll interval: %s\n", cfg.PollInterval.Duration())
	_, _ = fmt.Fprintf(out, "  Build limit:   %d\n", cfg.BuildLimit)
	_, _ = fmt.Fprintf(out, "  Store:         %s\n", cfg.Store.Driver)
	_, _ = fmt.Fprintf(out, "  Credential:    %s\n", credential)
	_, _ = fmt.Fprintf(out, "  Repositories:  %d listed + %d sources + %d from grids = %d unique\n",
		listed, explicit, fromGrids, len(sources))

	if len(sources) == 0 {
		_, _ = fmt.Fprintf(out, "Warning: no repositories configured; every sync will fail until some are added\n")
	}
	if cfg.CronSecret == "" {
		_, _ = fmt.Fprintf(out, "Note: cron_secret is empty; the scheduled trigger endpoint rejects all requests\n")
	}

	return nil
}
