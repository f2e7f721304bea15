package pipewatch

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"
)

// DefaultGridTemplate names sources from "owner" and "repo" dimensions.
const DefaultGridTemplate = "{{.owner}}/{{.repo}}"

type gridConfig struct {
	nameTemplate string
	dimensions   map[string][]string
	timeout      time.Duration
}

// GridOption configures a source grid created by [NewSourceGrid].
type GridOption func(*gridConfig) error

// WithNameTemplate sets the text/template used to build each source name.
// Dimension values are available as {{.key}}. Defaults to
// [DefaultGridTemplate].
func WithNameTemplate(tmpl string) GridOption {
	return func(cfg *gridConfig) error {
		if strings.TrimSpace(tmpl) == "" {
			return errors.New("name template cannot be empty")
		}
		cfg.nameTemplate = tmpl
		return nil
	}
}

// WithDimension adds one dimension to the grid. Calling it again with the
// same key replaces the earlier values.
func WithDimension(key string, values ...string) GridOption {
	return func(cfg *gridConfig) error {
		if key == "" {
			return errors.New("dimension key cannot be empty")
		}
		if len(values) == 0 {
			return fmt.Errorf("dimension '%s' has no values", key)
		}
		for i, v := range values {
			if strings.TrimSpace(v) == "" {
				return fmt.Errorf("dimension '%s' contains empty value at index %d", key, i)
			}
		}
		if cfg.dimensions == nil {
			cfg.dimensions = make(map[string][]string)
		}
		cfg.dimensions[key] = append([]string(nil), values...)
		return nil
	}
}

// WithDimensions adds several dimensions at once.
func WithDimensions(dims map[string][]string) GridOption {
	return func(cfg *gridConfig) error {
		if len(dims) == 0 {
			return errors.New("at least one dimension required")
		}
		keys := make([]string, 0, len(dims))
		for k := range dims {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := WithDimension(k, dims[k]...)(cfg); err != nil {
				return err
			}
		}
		return nil
	}
}

// WithGridTimeout applies [WithTimeout] to every generated source. Zero
// keeps the PipeWatch default.
func WithGridTimeout(d time.Duration) GridOption {
	return func(cfg *gridConfig) error {
		if d < 0 {
			return errors.New("timeout cannot be negative")
		}
		cfg.timeout = d
		return nil
	}
}

// NewSourceGrid generates sources from the cartesian product of its
// dimensions. Every rendered name must be a valid "owner/repo".
//
// Example:
//
//	sources, err := pipewatch.NewSourceGrid(
//	    pipewatch.WithDimension("owner", "acme"),
//	    pipewatch.WithDimension("repo", "api", "web", "worker"),
//	)
//
// Results are ordered by dimension key, then by value order within each
// dimension. Duplicate names are dropped.
func NewSourceGrid(opts ...GridOption) ([]Source, error) {
	cfg := &gridConfig{nameTemplate: DefaultGridTemplate}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if len(cfg.dimensions) == 0 {
		return nil, errors.New("at least one dimension required")
	}

	tmpl, err := template.New("source").Option("missingkey=error").Parse(cfg.nameTemplate)
	if err != nil {
		return nil, fmt.Errorf("invalid name template: %w", err)
	}

	var srcOpts []SourceOption
	if cfg.timeout > 0 {
		srcOpts = append(srcOpts, WithTimeout(cfg.timeout))
	}

	combinations := cartesianProduct(cfg.dimensions)
	seen := make(map[string]bool, len(combinations))
	sources := make([]Source, 0, len(combinations))
	for _, combo := range combinations {
		var buf strings.Builder
		if err := tmpl.Execute(&buf, combo); err != nil {
			return nil, fmt.Errorf("template execution failed: %w", err)
		}

		src, err := NewSource(buf.String(), srcOpts...)
		if err != nil {
			return nil, fmt.Errorf("grid entry %v: %w", combo, err)
		}
		if seen[src.name] {
			continue
		}
		seen[src.name] = true
		sources = append(sources, src)
	}
	return sources, nil
}

// cartesianProduct generates all combinations of dimension values.
// Keys are sorted so the output order is deterministic.
func cartesianProduct(dims map[string][]string) []map[string]string {
	if len(dims) == 0 {
		return nil
	}

	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	total := 1
	for _, k := range keys {
		if len(dims[k]) == 0 {
			return nil
		}
		total *= len(dims[k])
	}

	result := make([]map[string]string, 0, total)

	// odometer over the sorted keys, rightmost key varies fastest
	indices := make([]int, len(keys))
	for {
		combo := make(map[string]string, len(keys))
		for i, k := range keys {
			combo[k] = dims[k][indices[i]]
		}
		result = append(result, combo)

		for i := len(keys) - 1; i >= 0; i-- {
			indices[i]++
			if indices[i] < len(dims[keys[i]]) {
				break
			}
			indices[i] = 0
			if i == 0 {
				return result
			}
		}
	}
}
