package pipewatch

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jpalmerr/pipewatch/internal/store"
)

// pwConfig holds mutable state during PipeWatch construction.
type pwConfig struct {
	title             string
	sources           []Source
	pollingInterval   time.Duration
	port              int
	maxConcurrency    int
	buildLimit        int
	requestTimeout    time.Duration
	heartbeatInterval time.Duration
	evictAfter        int
	logger            *slog.Logger
	changeCallbacks   []func(RepoState)

	token          string
	appID          int64
	installationID int64
	appKey         []byte
	upstreamURL    string

	cronSecret string
	store      StoreConfig
	metrics    bool
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is one of "memory", "sqlite", "postgres" or "redis".
	// Empty means "memory".
	Driver string

	// DSN is the database file (sqlite), connection string (postgres) or
	// redis:// URL (redis). Ignored for memory.
	DSN string

	// Namespace prefixes Redis keys. Defaults to "pipewatch".
	Namespace string
}

func (c StoreConfig) internal() store.Config {
	return store.Config{Driver: c.Driver, DSN: c.DSN, Namespace: c.Namespace}
}

// Option is a function that configures a [PipeWatch] instance during construction.
//
// Options return an error if validation fails.
type Option func(*pwConfig) error

// WithSource adds a single [Source] to the tracked list.
func WithSource(s Source) Option {
	return func(cfg *pwConfig) error {
		if s.name == "" {
			return errors.New("source must be created with NewSource")
		}
		cfg.sources = append(cfg.sources, s)
		return nil
	}
}

// WithSources adds several [Source] values, for example the output of
// [NewSourceGrid].
func WithSources(sources ...Source) Option {
	return func(cfg *pwConfig) error {
		for _, s := range sources {
			if err := WithSource(s)(cfg); err != nil {
				return err
			}
		}
		return nil
	}
}

// WithRepositories adds sources by "owner/repo" name. Blank names are
// skipped and repeated names are added once.
//
// Example:
//
//	pw, err := pipewatch.New(
//	    pipewatch.WithRepositories(strings.Split(os.Getenv("GITHUB_REPOSITORIES"), ",")...),
//	)
func WithRepositories(names ...string) Option {
	return func(cfg *pwConfig) error {
		sources, err := Sources(names...)
		if err != nil {
			return err
		}
		cfg.sources = append(cfg.sources, sources...)
		return nil
	}
}

// WithPollingInterval sets how often every source is synced.
// Defaults to 60 seconds if not specified.
//
// Returns an error if the duration is zero or negative.
func WithPollingInterval(d time.Duration) Option {
	return func(cfg *pwConfig) error {
		if d <= 0 {
			return errors.New("polling interval must be positive")
		}
		cfg.pollingInterval = d
		return nil
	}
}

// WithPort sets the HTTP port for the dashboard server.
// Defaults to 8080 if not specified.
//
// Returns an error if the port is outside the valid range (1-65535).
func WithPort(port int) Option {
	return func(cfg *pwConfig) error {
		if port < 1 || port > 65535 {
			return errors.New("port must be between 1 and 65535")
		}
		cfg.port = port
		return nil
	}
}

// WithMaxConcurrency limits how many sources are fetched at once during a
// cycle. Zero, the default, fetches every source at once.
//
// Returns an error if the value is negative.
func WithMaxConcurrency(n int) Option {
	return func(cfg *pwConfig) error {
		if n < 0 {
			return errors.New("max concurrency cannot be negative")
		}
		cfg.maxConcurrency = n
		return nil
	}
}

// WithBuildLimit sets how many of the most recent runs are kept per
// source. Defaults to 5.
func WithBuildLimit(n int) Option {
	return func(cfg *pwConfig) error {
		if n <= 0 || n > 100 {
			return errors.New("build limit must be between 1 and 100")
		}
		cfg.buildLimit = n
		return nil
	}
}

// WithRequestTimeout sets the default upstream request timeout. A source's
// own [WithTimeout] takes precedence. Defaults to 30 seconds.
func WithRequestTimeout(d time.Duration) Option {
	return func(cfg *pwConfig) error {
		if d <= 0 {
			return errors.New("request timeout must be positive")
		}
		cfg.requestTimeout = d
		return nil
	}
}

// WithHeartbeatInterval sets how often idle live connections receive a
// keep-alive frame. Defaults to 15 seconds.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(cfg *pwConfig) error {
		if d <= 0 {
			return errors.New("heartbeat interval must be positive")
		}
		cfg.heartbeatInterval = d
		return nil
	}
}

// WithEvictAfter removes a live subscriber after n consecutive frames
// could not be queued for it. Zero, the default, never evicts.
func WithEvictAfter(n int) Option {
	return func(cfg *pwConfig) error {
		if n < 0 {
			return errors.New("evict after cannot be negative")
		}
		cfg.evictAfter = n
		return nil
	}
}

// WithLogger sets a custom [slog.Logger] for the PipeWatch instance.
// If not specified, [slog.Default] is used.
//
// Returns an error if the logger is nil.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *pwConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithChangeCallback registers a function called whenever a repository's
// stored runs change.
//
// Callbacks run after the change was stored and announced to live
// subscribers, in registration order. They must be non-blocking; panics are
// recovered and logged.
//
// Example:
//
//	pw, err := pipewatch.New(
//	    pipewatch.WithRepositories("acme/api"),
//	    pipewatch.WithChangeCallback(func(s pipewatch.RepoState) {
//	        if len(s.Runs) > 0 && s.Runs[0].Conclusion == "failure" {
//	            log.Printf("ALERT: %s latest run failed", s.Repo)
//	        }
//	    }),
//	)
//
// Nil callbacks are silently ignored.
func WithChangeCallback(cb func(RepoState)) Option {
	return func(cfg *pwConfig) error {
		if cb == nil {
			return nil
		}
		cfg.changeCallbacks = append(cfg.changeCallbacks, cb)
		return nil
	}
}

// WithTitle sets the dashboard title displayed in the browser tab and header.
// If not specified, defaults to "PipeWatch".
func WithTitle(title string) Option {
	return func(cfg *pwConfig) error {
		cfg.title = title
		return nil
	}
}

// WithGitHubToken authenticates upstream requests with a personal access
// or fine-grained token.
func WithGitHubToken(token string) Option {
	return func(cfg *pwConfig) error {
		if token == "" {
			return errors.New("github token cannot be empty")
		}
		cfg.token = token
		return nil
	}
}

// WithGitHubApp authenticates upstream requests as a GitHub App
// installation. privateKey is the PEM-encoded App key.
func WithGitHubApp(appID, installationID int64, privateKey []byte) Option {
	return func(cfg *pwConfig) error {
		if appID <= 0 || installationID <= 0 {
			return errors.New("github app id and installation id must be positive")
		}
		if len(privateKey) == 0 {
			return errors.New("github app private key cannot be empty")
		}
		cfg.appID = appID
		cfg.installationID = installationID
		cfg.appKey = append([]byte(nil), privateKey...)
		return nil
	}
}

// WithGitHubAppKeyFile is [WithGitHubApp] with the key read from a file.
func WithGitHubAppKeyFile(appID, installationID int64, path string) Option {
	return func(cfg *pwConfig) error {
		key, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read github app key: %w", err)
		}
		return WithGitHubApp(appID, installationID, key)(cfg)
	}
}

// WithUpstreamURL points upstream requests at a GitHub Enterprise API root
// such as "https://ghe.example.com/api/v3".
func WithUpstreamURL(u string) Option {
	return func(cfg *pwConfig) error {
		if u == "" {
			return errors.New("upstream url cannot be empty")
		}
		cfg.upstreamURL = u
		return nil
	}
}

// WithCronSecret enables the scheduled-trigger endpoint. Requests must
// carry "Authorization: Bearer <secret>".
func WithCronSecret(secret string) Option {
	return func(cfg *pwConfig) error {
		cfg.cronSecret = secret
		return nil
	}
}

// WithStore selects the persistence backend. Defaults to memory.
func WithStore(sc StoreConfig) Option {
	return func(cfg *pwConfig) error {
		if !store.ValidDriver(sc.Driver) {
			return fmt.Errorf("unknown store driver %q", sc.Driver)
		}
		cfg.store = sc
		return nil
	}
}

// WithoutMetrics disables the /metrics endpoint and metric collection.
func WithoutMetrics() Option {
	return func(cfg *pwConfig) error {
		cfg.metrics = false
		return nil
	}
}
