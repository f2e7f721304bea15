package mockgithub

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-github/v75/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestServer(t *testing.T) (*httptest.Server, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	srv := httptest.NewServer(New(
		WithClock(clock.now),
		WithSeed(1),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	))
	t.Cleanup(srv.Close)
	return srv, clock
}

func get(t *testing.T, url, etag string) (*http.Response, github.WorkflowRuns) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var page github.WorkflowRuns
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	}
	return resp, page
}

func TestSeededRepository(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, page := get(t, srv.URL+"/repos/acme/api/actions/runs", "")

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("ETag"))
	require.Len(t, page.WorkflowRuns, seedRuns)
	assert.Equal(t, seedRuns, page.GetTotalCount())
	for i, run := range page.WorkflowRuns {
		assert.Equal(t, "completed", run.GetStatus())
		assert.NotEmpty(t, run.GetConclusion())
		if i > 0 {
			assert.Greater(t, page.WorkflowRuns[i-1].GetID(), run.GetID(), "most recent first")
		}
	}
}

func TestNotModifiedUntilStep(t *testing.T) {
	srv, clock := newTestServer(t)
	url := srv.URL + "/repos/acme/api/actions/runs"

	first, _ := get(t, url, "")
	etag := first.Header.Get("ETag")

	again, _ := get(t, url, etag)
	assert.Equal(t, http.StatusNotModified, again.StatusCode)

	clock.t = clock.t.Add(minStep + stepJitter*time.Second)
	changed, page := get(t, url, etag)
	require.Equal(t, http.StatusOK, changed.StatusCode)
	assert.NotEqual(t, etag, changed.Header.Get("ETag"))
	assert.Equal(t, "queued", page.WorkflowRuns[0].GetStatus(), "a new run is queued after a completed one")
}

func TestRunProgresses(t *testing.T) {
	srv, clock := newTestServer(t)
	url := srv.URL + "/repos/acme/web/actions/runs"
	_, page := get(t, url, "")

	// the longest step is minStep+stepJitter, so each jump applies at least one
	key := func(p github.WorkflowRuns) string {
		return fmt.Sprintf("%d/%s", p.WorkflowRuns[0].GetID(), p.WorkflowRuns[0].GetStatus())
	}
	prev := key(page)
	for i := 0; i < 4; i++ {
		clock.t = clock.t.Add(minStep + stepJitter*time.Second)
		_, page = get(t, url, "")
		cur := key(page)
		assert.NotEqual(t, prev, cur, "step %d left the newest run unchanged", i)
		prev = cur
	}
}

func TestPerPage(t *testing.T) {
	srv, _ := newTestServer(t)

	_, page := get(t, srv.URL+"/repos/acme/api/actions/runs?per_page=2", "")
	assert.Len(t, page.WorkflowRuns, 2)
	assert.Equal(t, seedRuns, page.GetTotalCount())
}

func TestUnknownPath(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := get(t, srv.URL+"/repos/acme/api/pulls", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
