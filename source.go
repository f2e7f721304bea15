package pipewatch

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jpalmerr/pipewatch/internal/github"
)

// Source is an immutable tracked repository, identified by "owner/repo".
//
// Source values are created using [NewSource] with optional [SourceOption]
// functions. Once created, a Source cannot be modified.
type Source struct {
	name    string
	timeout time.Duration
}

// Name returns the "owner/repo" identifier.
func (s Source) Name() string {
	return s.name
}

// Owner returns the owner part of the identifier.
func (s Source) Owner() string {
	owner, _, _ := github.ParseSource(s.name)
	return owner
}

// Repo returns the repository part of the identifier.
func (s Source) Repo() string {
	_, repo, _ := github.ParseSource(s.name)
	return repo
}

// Timeout returns the per-request timeout, or zero when the PipeWatch
// default applies.
func (s Source) Timeout() time.Duration {
	return s.timeout
}

// SourceOption configures a [Source] during construction.
type SourceOption func(*Source) error

// WithTimeout overrides the upstream request timeout for this source.
//
// Returns an error if the duration is zero or negative.
func WithTimeout(d time.Duration) SourceOption {
	return func(s *Source) error {
		if d <= 0 {
			return errors.New("timeout must be positive")
		}
		s.timeout = d
		return nil
	}
}

// NewSource creates a [Source] for the repository name "owner/repo".
// Surrounding whitespace is trimmed.
//
// Example:
//
//	src, err := pipewatch.NewSource("acme/api", pipewatch.WithTimeout(10*time.Second))
func NewSource(name string, opts ...SourceOption) (Source, error) {
	owner, repo, err := github.ParseSource(name)
	if err != nil {
		return Source{}, err
	}

	s := Source{name: owner + "/" + repo}
	for _, opt := range opts {
		if err := opt(&s); err != nil {
			return Source{}, fmt.Errorf("source %s: %w", s.name, err)
		}
	}
	return s, nil
}

// Sources creates one [Source] per name, dropping duplicates. Blank names
// are skipped, so the result of splitting "a/b, ,c/d," is accepted.
func Sources(names ...string) ([]Source, error) {
	seen := make(map[string]bool, len(names))
	out := make([]Source, 0, len(names))
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			continue
		}
		s, err := NewSource(n)
		if err != nil {
			return nil, err
		}
		if seen[s.name] {
			continue
		}
		seen[s.name] = true
		out = append(out, s)
	}
	return out, nil
}
