package orchestrator

import (
	"strings"
	"testing"

	"github.com/Iron-Ham/patchflow/internal/errors"
)

func TestSlug(t *testing.T) {
	tests := []struct {
		name        string
		description string
		maxLen      int
		want        string
	}{
		{"punctuation becomes dashes", "Fix: login bug!!", 50, "fix--login-bug--"},
		{"simple", "add feature", 50, "add-feature"},
		{"runs of spaces are kept", "fix  multiple   spaces", 50, "fix--multiple---spaces"},
		{"uppercase", "UPPERCASE Task", 50, "uppercase-task"},
		{"digits kept", "Bump v2.3 to v2.4", 50, "bump-v2-3-to-v2-4"},
		{"slashes replaced", "deps/update go.mod", 50, "deps-update-go-mod"},
		{"non-ascii replaced per rune", "café ☕", 50, "caf---"},
		{"truncated", "this is a very long description that should be truncated", 20, "this-is-a-very-long-"},
		{"zero length uses default", strings.Repeat("a", 80), 0, strings.Repeat("a", DefaultMaxSlugLength)},
		{"empty", "", 50, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Slug(tt.description, tt.maxLen)
			if got != tt.want {
				t.Errorf("Slug(%q, %d) = %q, want %q", tt.description, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestSlug_Idempotent(t *testing.T) {
	inputs := []string{
		"Fix: login bug!!",
		"  leading and trailing  ",
		"MiXeD CaSe / with ~ symbols & stuff",
		"日本語の説明",
		strings.Repeat("long description ", 10),
	}
	for _, in := range inputs {
		once := Slug(in, 30)
		twice := Slug(once, 30)
		if once != twice {
			t.Errorf("Slug not idempotent for %q: %q then %q", in, once, twice)
		}
		if again := Slug(in, 30); again != once {
			t.Errorf("Slug not deterministic for %q: %q vs %q", in, once, again)
		}
		for _, r := range once {
			if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '-' {
				t.Errorf("Slug(%q) contains %q", in, r)
			}
		}
	}
}

func TestBranchName(t *testing.T) {
	tests := []struct {
		name        string
		prefix      string
		description string
		want        string
		wantErr     bool
	}{
		{"with prefix", "patch", "Fix: login bug!!", "patch/fix--login-bug--", false},
		{"prefix slashes trimmed", "/patch/", "tidy", "patch/tidy", false},
		{"no prefix", "", "tidy", "tidy", false},
		{"only punctuation", "patch", "!!! ???", "", true},
		{"empty", "patch", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BranchName(tt.prefix, tt.description, 50)
			if tt.wantErr {
				if !errors.Is(err, errors.ErrInvalidInput) {
					t.Fatalf("BranchName() error = %v, want ErrInvalidInput", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("BranchName() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("BranchName() = %q, want %q", got, tt.want)
			}
		})
	}
}
