package config

import (
	"fmt"

	"github.com/jpalmerr/pipewatch"
)

// BuildSources converts parsed configuration into SDK Source objects.
//
// Repositories from the comma-separated list come first, then explicit
// sources, then grids expanded via cartesian product. A repository named
// more than once is kept at its first position with its first settings.
func BuildSources(cfg *Config) ([]pipewatch.Source, error) {
	var sources []pipewatch.Source
	seen := make(map[string]struct{})
	add := func(s pipewatch.Source) {
		if _, ok := seen[s.Name()]; ok {
			return
		}
		seen[s.Name()] = struct{}{}
		sources = append(sources, s)
	}

	listed, err := pipewatch.Sources(cfg.RepositoryList()...)
	if err != nil {
		return nil, fmt.Errorf("repositories: %w", err)
	}
	for _, s := range listed {
		add(s)
	}

	for i, sc := range cfg.Sources {
		s, err := buildSource(sc)
		if err != nil {
			return nil, fmt.Errorf("sources[%d]: %w", i, err)
		}
		add(s)
	}

	for i, gc := range cfg.Grids {
		gridSources, err := buildGridSources(gc)
		if err != nil {
			return nil, fmt.Errorf("grids[%d]: %w", i, err)
		}
		for _, s := range gridSources {
			add(s)
		}
	}

	return sources, nil
}

// buildSource converts a single SourceConfig to an SDK Source.
func buildSource(sc SourceConfig) (pipewatch.Source, error) {
	var opts []pipewatch.SourceOption
	if sc.Timeout != 0 {
		opts = append(opts, pipewatch.WithTimeout(sc.Timeout.Duration()))
	}
	return pipewatch.NewSource(sc.Name, opts...)
}

// buildGridSources expands a GridConfig via the SDK grid builder.
func buildGridSources(gc GridConfig) ([]pipewatch.Source, error) {
	opts := []pipewatch.GridOption{pipewatch.WithDimensions(gc.Dimensions)}
	if gc.Template != "" {
		opts = append(opts, pipewatch.WithNameTemplate(gc.Template))
	}
	if gc.Timeout != 0 {
		opts = append(opts, pipewatch.WithGridTimeout(gc.Timeout.Duration()))
	}
	return pipewatch.NewSourceGrid(opts...)
}

// BuildOptions converts parsed configuration into SDK options, sources
// included. The caller appends its own logger and callbacks.
func BuildOptions(cfg *Config) ([]pipewatch.Option, error) {
	sources, err := BuildSources(cfg)
	if err != nil {
		return nil, err
	}

	opts := []pipewatch.Option{
		pipewatch.WithSources(sources...),
		pipewatch.WithPort(cfg.Port),
		pipewatch.WithPollingInterval(cfg.PollInterval.Duration()),
		pipewatch.WithBuildLimit(cfg.BuildLimit),
		pipewatch.WithHeartbeatInterval(cfg.HeartbeatInterval.Duration()),
		pipewatch.WithEvictAfter(cfg.EvictAfter),
		pipewatch.WithCronSecret(cfg.CronSecret),
		pipewatch.WithStore(pipewatch.StoreConfig{
			Driver:    cfg.Store.Driver,
			DSN:       cfg.Store.DSN,
			Namespace: cfg.Store.Namespace,
		}),
	}

	if cfg.Title != "" {
		opts = append(opts, pipewatch.WithTitle(cfg.Title))
	}
	if cfg.MaxConcurrency > 0 {
		opts = append(opts, pipewatch.WithMaxConcurrency(cfg.MaxConcurrency))
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, pipewatch.WithRequestTimeout(cfg.RequestTimeout.Duration()))
	}

	gh := cfg.GitHub
	if gh.BaseURL != "" {
		opts = append(opts, pipewatch.WithUpstreamURL(gh.BaseURL))
	}
	switch {
	case gh.Token != "":
		opts = append(opts, pipewatch.WithGitHubToken(gh.Token))
	case gh.App != nil:
		opts = append(opts, pipewatch.WithGitHubAppKeyFile(gh.App.AppID, gh.App.InstallationID, gh.App.PrivateKeyPath))
	}

	return opts, nil
}
