package pipewatch

import (
	"strings"
	"testing"
	"time"
)

func TestNewSource_Valid(t *testing.T) {
	src, err := NewSource("  acme/api ")
	if err != nil {
		t.Fatalf("NewSource() error = %v", err)
	}
	if src.Name() != "acme/api" {
		t.Errorf("Name() = %q, want %q", src.Name(), "acme/api")
	}
	if src.Owner() != "acme" || src.Repo() != "api" {
		t.Errorf("Owner()/Repo() = %q/%q", src.Owner(), src.Repo())
	}
	if src.Timeout() != 0 {
		t.Errorf("Timeout() = %v, want 0 (PipeWatch default)", src.Timeout())
	}
}

func TestNewSource_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"no slash", "acme"},
		{"missing repo", "acme/"},
		{"missing owner", "/api"},
		{"too many segments", "acme/api/extra"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSource(tt.input); err == nil {
				t.Errorf("NewSource(%q) expected error, got nil", tt.input)
			}
		})
	}
}

func TestNewSource_WithTimeout(t *testing.T) {
	src, err := NewSource("acme/api", WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("NewSource() error = %v", err)
	}
	if src.Timeout() != 5*time.Second {
		t.Errorf("Timeout() = %v, want 5s", src.Timeout())
	}
}

func TestNewSource_WithTimeout_Invalid(t *testing.T) {
	for _, d := range []time.Duration{0, -time.Second} {
		_, err := NewSource("acme/api", WithTimeout(d))
		if err == nil {
			t.Errorf("WithTimeout(%v) expected error, got nil", d)
			continue
		}
		if !strings.Contains(err.Error(), "acme/api") {
			t.Errorf("error should name the source, got %v", err)
		}
	}
}

func TestSources_TrimsSkipsBlanksAndDedupes(t *testing.T) {
	got, err := Sources(strings.Split("acme/api, ,acme/web,acme/api ,", ",")...)
	if err != nil {
		t.Fatalf("Sources() error = %v", err)
	}

	want := []string{"acme/api", "acme/web"}
	if len(got) != len(want) {
		t.Fatalf("len(Sources()) = %d, want %d", len(got), len(want))
	}
	for i, s := range got {
		if s.Name() != want[i] {
			t.Errorf("Sources()[%d] = %q, want %q", i, s.Name(), want[i])
		}
	}
}

func TestSources_InvalidEntry(t *testing.T) {
	if _, err := Sources("acme/api", "nonsense"); err == nil {
		t.Error("Sources() expected error for invalid entry, got nil")
	}
}
