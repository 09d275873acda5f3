package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg == nil {
		t.Fatal("Default() returned nil")
	}

	if cfg.Branch.Prefix != "patch" {
		t.Errorf("Branch.Prefix = %q, want %q", cfg.Branch.Prefix, "patch")
	}
	if cfg.Branch.MaxSlugLength != 50 {
		t.Errorf("Branch.MaxSlugLength = %d, want 50", cfg.Branch.MaxSlugLength)
	}
	if cfg.Git.Remote != "origin" {
		t.Errorf("Git.Remote = %q, want %q", cfg.Git.Remote, "origin")
	}
	if len(cfg.Git.IgnoredPaths) != 1 || cfg.Git.IgnoredPaths[0] != ".patchflow" {
		t.Errorf("Git.IgnoredPaths = %v, want [.patchflow]", cfg.Git.IgnoredPaths)
	}
	if cfg.Patch.CreateChangeRequest {
		t.Error("Patch.CreateChangeRequest should be false by default")
	}
	if cfg.Patch.AutoCommitUncommittedOnEntry {
		t.Error("Patch.AutoCommitUncommittedOnEntry should be false by default")
	}
	if cfg.Forge.MaxRetries != 3 {
		t.Errorf("Forge.MaxRetries = %d, want 3", cfg.Forge.MaxRetries)
	}
	if !cfg.Review.Enabled || !cfg.Review.AutoCommit || !cfg.Review.ValidateAfterFix {
		t.Errorf("Review defaults = %+v, want enabled with auto commit and validation", cfg.Review)
	}
	if !cfg.Tracking.Enabled {
		t.Error("Tracking.Enabled should be true by default")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "info")
	}
}

func TestDurations(t *testing.T) {
	cfg := Default()

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"validation timeout", cfg.Patch.ValidationTimeout(), 10 * time.Minute},
		{"review interval", cfg.Review.Interval(), time.Minute},
		{"review max duration", cfg.Review.MaxDuration(), 2 * time.Hour},
		{"tracking interval", cfg.Tracking.Interval(), 2 * time.Minute},
		{"tracking max duration", cfg.Tracking.MaxDuration(), 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestPathsConfig_ResolveDataDir(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	tests := []struct {
		name    string
		dataDir string
		want    string
	}{
		{"default relative", ".patchflow", "/repo/.patchflow"},
		{"empty falls back", "", "/repo/.patchflow"},
		{"absolute", "/var/lib/patchflow", "/var/lib/patchflow"},
		{"home", "~/patchflow", filepath.Join(home, "patchflow")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := PathsConfig{DataDir: tt.dataDir}
			if got := p.ResolveDataDir("/repo"); got != tt.want {
				t.Errorf("ResolveDataDir() = %q, want %q", got, tt.want)
			}
		})
	}

	p := PathsConfig{DataDir: ".patchflow"}
	if got := p.LogDir("/repo"); got != "/repo/.patchflow/logs" {
		t.Errorf("LogDir() = %q", got)
	}
	if got := p.LedgerPath("/repo"); got != "/repo/.patchflow/sessions.db" {
		t.Errorf("LedgerPath() = %q", got)
	}
}

func TestConfigDir(t *testing.T) {
	t.Run("with XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "/custom/config")
		if got := ConfigDir(); got != "/custom/config/patchflow" {
			t.Errorf("ConfigDir() = %q, want %q", got, "/custom/config/patchflow")
		}
	})

	t.Run("without XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "")
		home, _ := os.UserHomeDir()
		want := filepath.Join(home, ".config", "patchflow")
		if got := ConfigDir(); got != want {
			t.Errorf("ConfigDir() = %q, want %q", got, want)
		}
	})
}

func TestConfigFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	if got := ConfigFile(); got != "/custom/config/patchflow/config.yaml" {
		t.Errorf("ConfigFile() = %q", got)
	}
}

func TestLoad_FromYAML(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
branch:
  prefix: fix
git:
  remote: upstream
patch:
  validation_commands:
    - go test ./...
review:
  interval_seconds: 30
  authors: [copilot]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Branch.Prefix != "fix" {
		t.Errorf("Branch.Prefix = %q, want fix", cfg.Branch.Prefix)
	}
	if cfg.Git.Remote != "upstream" {
		t.Errorf("Git.Remote = %q, want upstream", cfg.Git.Remote)
	}
	if len(cfg.Patch.ValidationCommands) != 1 || cfg.Patch.ValidationCommands[0] != "go test ./..." {
		t.Errorf("Patch.ValidationCommands = %v", cfg.Patch.ValidationCommands)
	}
	if cfg.Review.IntervalSeconds != 30 {
		t.Errorf("Review.IntervalSeconds = %d, want 30", cfg.Review.IntervalSeconds)
	}
	if cfg.Review.MaxDurationMinutes != 120 {
		t.Errorf("Review.MaxDurationMinutes = %d, want default 120", cfg.Review.MaxDurationMinutes)
	}
	if len(cfg.Review.Authors) != 1 || cfg.Review.Authors[0] != "copilot" {
		t.Errorf("Review.Authors = %v", cfg.Review.Authors)
	}
}

func TestLoad_InvalidFallsBackInGet(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()
	viper.Set("review.max_duration_minutes", 0)

	if _, err := Load(); err == nil {
		t.Fatal("Load() should reject a monitor without an upper bound")
	}

	cfg := Get()
	if cfg.Review.MaxDurationMinutes != 120 {
		t.Errorf("Get() should fall back to defaults, got max_duration_minutes=%d", cfg.Review.MaxDurationMinutes)
	}
}
