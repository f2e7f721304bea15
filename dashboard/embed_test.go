package dashboard

import (
	"io/fs"
	"strings"
	"testing"
)

func TestAssets_IndexPage(t *testing.T) {
	content, err := fs.ReadFile(Assets, "assets/index.html")
	if err != nil {
		t.Fatalf("index.html not embedded: %v", err)
	}

	page := string(content)
	for _, want := range []string{
		"{{.Title}}",
		"/api/workflow-runs",
		"/api/events",
		"/api/refresh",
		"repo-update",
	} {
		if !strings.Contains(page, want) {
			t.Errorf("index.html missing %q", want)
		}
	}
}

// A refresh response holds placeholders for repositories whose fetch
// failed; rendering it would hide their stored runs. The page must re-read
// the store after a refresh instead.
func TestAssets_RefreshReloadsStoredState(t *testing.T) {
	content, err := fs.ReadFile(Assets, "assets/index.html")
	if err != nil {
		t.Fatalf("index.html not embedded: %v", err)
	}

	page := string(content)
	start := strings.Index(page, `fetch("/api/refresh"`)
	if start < 0 {
		t.Fatal("refresh handler not found")
	}
	handler := page[start:]
	if end := strings.Index(handler, "});\n\n"); end >= 0 {
		handler = handler[:end]
	}

	if strings.Contains(handler, "body.data") {
		t.Error("refresh handler renders the refresh payload")
	}
	if !strings.Contains(handler, "load()") {
		t.Error("refresh handler does not reload the stored state")
	}
}
