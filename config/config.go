// Package config provides YAML configuration parsing for PipeWatch.
//
// This package enables running PipeWatch as a standalone binary with a
// configuration file, as an alternative to the programmatic SDK approach.
//
// Example configuration:
//
//	port: 8080
//	poll_interval: 60s
//	build_limit: 5
//
//	repositories: ${GITHUB_REPOSITORIES:-}
//
//	sources:
//	  - acme/api
//	  - name: acme/monorepo
//	    timeout: 45s
//
//	grids:
//	  - template: "acme/{{.service}}"
//	    dimensions:
//	      service: [billing, search]
//
//	github:
//	  token: ${GITHUB_TOKEN}
//
//	store:
//	  driver: sqlite
//	  dsn: /var/lib/pipewatch/runs.db
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"
)

// minPollInterval is the minimum allowed polling interval.
const minPollInterval = 1 * time.Second

// Defaults applied by [Parse].
const (
	DefaultPort              = 8080
	DefaultPollInterval      = 60 * time.Second
	DefaultBuildLimit        = 5
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultStoreDriver       = "memory"

	// maxBuildLimit is the upstream page size ceiling.
	maxBuildLimit = 100
)

// Config is the root configuration structure for PipeWatch.
//
// It maps directly to the YAML configuration file structure.
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	// Title is the dashboard title. Defaults to "PipeWatch" if not set.
	Title string `yaml:"title"`

	// Port is the HTTP server port. Defaults to 8080.
	Port int `yaml:"port"`

	// PollInterval is the time between sync cycles.
	// Accepts duration strings like "30s", "5m". Defaults to 60s.
	PollInterval Duration `yaml:"poll_interval"`

	// BuildLimit is how many of the most recent runs are kept per
	// repository. Defaults to 5.
	BuildLimit int `yaml:"build_limit"`

	// MaxConcurrency caps concurrent upstream requests within a cycle.
	// Zero fetches every repository at once.
	MaxConcurrency int `yaml:"max_concurrency"`

	// RequestTimeout is the default upstream request timeout.
	RequestTimeout Duration `yaml:"request_timeout"`

	// HeartbeatInterval is the keep-alive period of live connections.
	// Defaults to 15s.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`

	// EvictAfter drops a live subscriber after this many consecutive
	// frames could not be queued. Zero never evicts.
	EvictAfter int `yaml:"evict_after"`

	// CronSecret is the bearer token the scheduled trigger must present.
	// Supports environment variable substitution.
	CronSecret string `yaml:"cron_secret"`

	// Repositories is a comma-separated "owner/repo" list, typically
	// "${GITHUB_REPOSITORIES}". Entries are trimmed and deduplicated.
	Repositories string `yaml:"repositories"`

	// Sources lists repositories individually.
	Sources []SourceConfig `yaml:"sources"`

	// Grids defines repository grids that expand via cartesian product.
	Grids []GridConfig `yaml:"grids"`

	// GitHub holds upstream credentials.
	GitHub GitHubConfig `yaml:"github"`

	// Store selects the persistence backend.
	Store StoreConfig `yaml:"store"`
}

// SourceConfig defines a single repository.
//
// It supports two formats in YAML:
//
//	sources:
//	  - acme/api
//	  - name: acme/monorepo
//	    timeout: 45s
type SourceConfig struct {
	// Name is the "owner/repo" identifier.
	Name string

	// Timeout overrides the request timeout for this repository.
	Timeout Duration
}

// UnmarshalYAML implements yaml.Unmarshaler for SourceConfig.
func (s *SourceConfig) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&s.Name)

	case yaml.MappingNode:
		// temporary struct to avoid infinite recursion
		var raw struct {
			Name    string   `yaml:"name"`
			Timeout Duration `yaml:"timeout"`
		}
		if err := node.Decode(&raw); err != nil {
			return err
		}
		s.Name = raw.Name
		s.Timeout = raw.Timeout
		return nil
	}

	return fmt.Errorf("source must be a string or object, got %v", node.Kind)
}

// GridConfig defines a repository grid that expands via cartesian product.
//
// For example, with dimensions {owner: [acme], repo: [api, web]} and the
// default template, the grid expands to acme/api and acme/web.
type GridConfig struct {
	// Template is a Go template rendering "owner/repo".
	// Defaults to "{{.owner}}/{{.repo}}".
	Template string `yaml:"template"`

	// Dimensions maps dimension names to their possible values.
	Dimensions map[string][]string `yaml:"dimensions"`

	// Timeout is the request timeout for all generated repositories.
	Timeout Duration `yaml:"timeout"`
}

// GitHubConfig holds upstream access settings. Token and App are
// mutually exclusive; with neither, requests are unauthenticated.
type GitHubConfig struct {
	Token string `yaml:"token"`

	// BaseURL points at a GitHub Enterprise API root.
	BaseURL string `yaml:"base_url"`

	App *AppConfig `yaml:"app"`
}

// AppConfig authenticates as a GitHub App installation.
type AppConfig struct {
	AppID          int64  `yaml:"app_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is memory, sqlite, postgres or redis. Defaults to memory.
	Driver string `yaml:"driver"`

	// DSN is the database path, connection string or redis:// URL.
	DSN string `yaml:"dsn"`

	// Namespace prefixes Redis keys.
	Namespace string `yaml:"namespace"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// repoPattern is the accepted "owner/repo" shape.
var repoPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		hasDefault := len(submatches) > 2 && submatches[2] != ""
		defaultVal := ""
		if hasDefault && len(submatches) > 3 {
			defaultVal = submatches[3]
		}

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return defaultVal
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file.
//
// Environment variables in the file are expanded before parsing.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data.
//
// Environment variables are expanded in repositories, source names, grid
// templates, cron_secret, the github block and the store block. Defaults
// are applied for Port, PollInterval, BuildLimit, HeartbeatInterval and
// the store driver.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = Duration(DefaultPollInterval)
	}
	if cfg.BuildLimit == 0 {
		cfg.BuildLimit = DefaultBuildLimit
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = Duration(DefaultHeartbeatInterval)
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DefaultStoreDriver
	}

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// RepositoryList splits Repositories into trimmed, non-empty, unique names
// in first-seen order.
func (c *Config) RepositoryList() []string {
	var out []string
	seen := make(map[string]struct{})
	for _, part := range strings.Split(c.Repositories, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// expandAndValidate expands environment variables and validates the config.
func (c *Config) expandAndValidate() error {
	if c.PollInterval.Duration() < minPollInterval {
		return fmt.Errorf("poll_interval must be at least %s, got %s", minPollInterval, c.PollInterval.Duration())
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.BuildLimit < 1 || c.BuildLimit > maxBuildLimit {
		return fmt.Errorf("build_limit must be between 1 and %d, got %d", maxBuildLimit, c.BuildLimit)
	}
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("max_concurrency cannot be negative, got %d", c.MaxConcurrency)
	}
	if c.RequestTimeout.Duration() < 0 {
		return fmt.Errorf("request_timeout cannot be negative, got %s", c.RequestTimeout.Duration())
	}
	if c.HeartbeatInterval.Duration() < time.Second {
		return fmt.Errorf("heartbeat_interval must be at least 1s, got %s", c.HeartbeatInterval.Duration())
	}
	if c.EvictAfter < 0 {
		return fmt.Errorf("evict_after cannot be negative, got %d", c.EvictAfter)
	}

	var err error
	if c.CronSecret, err = expandEnvVars(c.CronSecret); err != nil {
		return fmt.Errorf("cron_secret: %w", err)
	}

	if c.Repositories, err = expandEnvVars(c.Repositories); err != nil {
		return fmt.Errorf("repositories: %w", err)
	}
	for _, name := range c.RepositoryList() {
		if !repoPattern.MatchString(name) {
			return fmt.Errorf("repositories: %q is not in owner/repo form", name)
		}
	}

	for i := range c.Sources {
		src := &c.Sources[i]

		if src.Name == "" {
			return fmt.Errorf("sources[%d]: name is required", i)
		}
		expanded, err := expandEnvVars(src.Name)
		if err != nil {
			return fmt.Errorf("sources[%d]: name: %w", i, err)
		}
		src.Name = strings.TrimSpace(expanded)

		if !repoPattern.MatchString(src.Name) {
			return fmt.Errorf("sources[%d]: %q is not in owner/repo form", i, src.Name)
		}
		if err := validateTimeout(src.Timeout, fmt.Sprintf("sources[%d] (%s)", i, src.Name)); err != nil {
			return err
		}
	}

	for i := range c.Grids {
		g := &c.Grids[i]

		if g.Template != "" {
			expanded, err := expandEnvVars(g.Template)
			if err != nil {
				return fmt.Errorf("grids[%d]: template: %w", i, err)
			}
			g.Template = expanded

			// fail fast before the SDK tries to use an invalid template
			if _, err := template.New("").Parse(g.Template); err != nil {
				return fmt.Errorf("grids[%d]: invalid template: %w", i, err)
			}
		}

		if len(g.Dimensions) == 0 {
			return fmt.Errorf("grids[%d]: at least one dimension is required", i)
		}
		for dimName, dimValues := range g.Dimensions {
			if len(dimValues) == 0 {
				return fmt.Errorf("grids[%d]: dimension %q has no values", i, dimName)
			}
			seen := make(map[string]struct{}, len(dimValues))
			for _, v := range dimValues {
				if _, exists := seen[v]; exists {
					return fmt.Errorf("grids[%d]: dimension %q has duplicate value %q", i, dimName, v)
				}
				seen[v] = struct{}{}
			}
		}

		if err := validateTimeout(g.Timeout, fmt.Sprintf("grids[%d]", i)); err != nil {
			return err
		}
	}

	if err := c.GitHub.expandAndValidate(); err != nil {
		return err
	}
	return c.Store.expandAndValidate()
}

func (g *GitHubConfig) expandAndValidate() error {
	var err error
	if g.Token, err = expandEnvVars(g.Token); err != nil {
		return fmt.Errorf("github.token: %w", err)
	}

	if g.BaseURL, err = expandEnvVars(g.BaseURL); err != nil {
		return fmt.Errorf("github.base_url: %w", err)
	}
	if g.BaseURL != "" {
		u, err := url.Parse(g.BaseURL)
		if err != nil {
			return fmt.Errorf("github.base_url: invalid url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("github.base_url: scheme must be http or https, got %q", u.Scheme)
		}
	}

	if g.App == nil {
		return nil
	}
	if g.Token != "" {
		return errors.New("github: token and app are mutually exclusive")
	}
	if g.App.AppID <= 0 {
		return errors.New("github.app.app_id is required")
	}
	if g.App.InstallationID <= 0 {
		return errors.New("github.app.installation_id is required")
	}
	if g.App.PrivateKeyPath, err = expandEnvVars(g.App.PrivateKeyPath); err != nil {
		return fmt.Errorf("github.app.private_key_path: %w", err)
	}
	if g.App.PrivateKeyPath == "" {
		return errors.New("github.app.private_key_path is required")
	}
	return nil
}

func (s *StoreConfig) expandAndValidate() error {
	var err error
	if s.DSN, err = expandEnvVars(s.DSN); err != nil {
		return fmt.Errorf("store.dsn: %w", err)
	}
	if s.Namespace, err = expandEnvVars(s.Namespace); err != nil {
		return fmt.Errorf("store.namespace: %w", err)
	}

	switch strings.ToLower(s.Driver) {
	case "memory":
	case "sqlite", "sqlite3", "redis":
		if s.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %q", s.Driver)
		}
	case "postgres", "postgresql":
		// lib/pq falls back to PG* environment variables when dsn is empty
	default:
		return fmt.Errorf("store.driver must be memory, sqlite, postgres or redis, got %q", s.Driver)
	}
	return nil
}

// validateTimeout checks an optional per-source timeout.
func validateTimeout(d Duration, context string) error {
	if d == 0 {
		return nil
	}
	if d.Duration() < 0 {
		return fmt.Errorf("%s: timeout cannot be negative, got %s", context, d.Duration())
	}
	if d.Duration() < time.Second {
		return fmt.Errorf("%s: timeout must be at least 1s if specified, got %s", context, d.Duration())
	}
	return nil
}
