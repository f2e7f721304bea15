// Package github lists workflow runs from the GitHub Actions REST API.
//
// [Client] implements the engine's upstream interface with conditional
// requests: a stored ETag is sent as If-None-Match and a 304 answer is
// reported as not modified rather than as an error.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v75/github"

	"github.com/jpalmerr/pipewatch/internal/poller"
	"github.com/jpalmerr/pipewatch/internal/store"
)

// ErrMissingCredential is returned when neither a token nor App
// credentials are configured.
var ErrMissingCredential = errors.New("github credential not configured")

type options struct {
	baseURL   string
	transport http.RoundTripper
	logger    *slog.Logger
}

// Option configures a [Client].
type Option func(*options)

// WithBaseURL points the client at a GitHub Enterprise or test API root,
// for example "https://ghe.example.com/api/v3".
func WithBaseURL(u string) Option {
	return func(o *options) {
		o.baseURL = u
	}
}

// WithTransport replaces the pooled default transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) {
		o.transport = rt
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Client lists workflow runs for "owner/repo" sources.
type Client struct {
	gh     *github.Client
	pooled *http.Transport
	logger *slog.Logger
}

func buildOptions(opts []Option) *options {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// NewClient creates a client authenticating with a personal access token.
func NewClient(token string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrMissingCredential
	}
	o := buildOptions(opts)

	c := &Client{logger: o.logger}
	rt := o.transport
	if rt == nil {
		c.pooled = newPooledTransport()
		rt = c.pooled
	}

	c.gh = github.NewClient(&http.Client{Transport: rt}).WithAuthToken(token)
	if err := c.setBaseURL(o.baseURL); err != nil {
		return nil, err
	}
	return c, nil
}

// NewPublicClient creates an unauthenticated client. Only public
// repositories are visible and the upstream rate limit is much lower.
func NewPublicClient(opts ...Option) (*Client, error) {
	o := buildOptions(opts)

	c := &Client{logger: o.logger}
	rt := o.transport
	if rt == nil {
		c.pooled = newPooledTransport()
		rt = c.pooled
	}

	c.gh = github.NewClient(&http.Client{Transport: rt})
	if err := c.setBaseURL(o.baseURL); err != nil {
		return nil, err
	}
	return c, nil
}

// NewAppClient creates a client authenticating as a GitHub App installation.
func NewAppClient(appID, installationID int64, privateKey []byte, opts ...Option) (*Client, error) {
	if appID == 0 || installationID == 0 || len(privateKey) == 0 {
		return nil, ErrMissingCredential
	}
	o := buildOptions(opts)

	c := &Client{logger: o.logger}
	base := o.transport
	if base == nil {
		c.pooled = newPooledTransport()
		base = c.pooled
	}

	itr, err := ghinstallation.New(base, appID, installationID, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create GitHub App transport: %w", err)
	}
	if o.baseURL != "" {
		itr.BaseURL = strings.TrimSuffix(o.baseURL, "/")
	}

	c.gh = github.NewClient(&http.Client{Transport: itr})
	if err := c.setBaseURL(o.baseURL); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) setBaseURL(raw string) error {
	if raw == "" {
		return nil
	}
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid github base url %q: %w", raw, err)
	}
	c.gh.BaseURL = u
	return nil
}

// ListRuns requests the most recent runs of req.Source.
//
// A 304 answer yields NotModified with the validator echoed back. Every
// other non-2xx answer, and every transport failure, is returned as a
// *poller.TransportError.
func (c *Client) ListRuns(ctx context.Context, req poller.ListRequest) (poller.ListResponse, error) {
	owner, repo, err := ParseSource(req.Source)
	if err != nil {
		return poller.ListResponse{}, &poller.TransportError{Source: req.Source, Err: err}
	}

	u := fmt.Sprintf("repos/%s/%s/actions/runs?per_page=%d", url.PathEscape(owner), url.PathEscape(repo), req.Limit)
	httpReq, err := c.gh.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return poller.ListResponse{}, &poller.TransportError{Source: req.Source, Err: err}
	}
	if req.Validator != "" {
		httpReq.Header.Set("If-None-Match", req.Validator)
	}

	var page github.WorkflowRuns
	resp, err := c.gh.Do(ctx, httpReq, &page)

	// go-github reports 304 as an error response; it is a success here
	if resp != nil && resp.StatusCode == http.StatusNotModified {
		validator := resp.Header.Get("ETag")
		if validator == "" {
			validator = req.Validator
		}
		return poller.ListResponse{NotModified: true, Validator: validator}, nil
	}
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return poller.ListResponse{}, &poller.TransportError{Source: req.Source, StatusCode: status, Err: err}
	}

	runs := make([]store.RunRecord, 0, len(page.WorkflowRuns))
	for _, r := range page.WorkflowRuns {
		if r == nil {
			continue
		}
		runs = append(runs, toRunRecord(r))
	}

	c.logger.Debug("listed workflow runs",
		"source", req.Source,
		"runs", len(runs),
		"rate_remaining", resp.Rate.Remaining,
	)

	return poller.ListResponse{Runs: runs, Validator: resp.Header.Get("ETag")}, nil
}

// Close releases idle pooled connections. The client stays usable.
func (c *Client) Close() {
	if c == nil || c.pooled == nil {
		return
	}
	c.pooled.CloseIdleConnections()
}

func toRunRecord(r *github.WorkflowRun) store.RunRecord {
	return store.RunRecord{
		ID:         r.GetID(),
		Name:       r.GetName(),
		Status:     r.GetStatus(),
		Conclusion: r.GetConclusion(),
		CreatedAt:  r.GetCreatedAt().Time.UTC(),
		UpdatedAt:  r.GetUpdatedAt().Time.UTC(),
		HTMLURL:    r.GetHTMLURL(),
	}
}

// ParseSource splits an "owner/repo" identifier. Surrounding whitespace is
// ignored; anything other than exactly two non-empty segments is rejected.
func ParseSource(source string) (owner, repo string, err error) {
	parts := strings.Split(strings.TrimSpace(source), "/")
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		return "", "", fmt.Errorf("invalid repository %q: want owner/repo", source)
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), nil
}
