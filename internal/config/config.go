package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete patchflow configuration
type Config struct {
	Branch   BranchConfig   `mapstructure:"branch" yaml:"branch"`
	Git      GitConfig      `mapstructure:"git" yaml:"git"`
	Patch    PatchConfig    `mapstructure:"patch" yaml:"patch"`
	Forge    ForgeConfig    `mapstructure:"forge" yaml:"forge"`
	Review   ReviewConfig   `mapstructure:"review" yaml:"review"`
	Tracking TrackingConfig `mapstructure:"tracking" yaml:"tracking"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Paths    PathsConfig    `mapstructure:"paths" yaml:"paths"`
}

// BranchConfig controls how session branch names are derived
type BranchConfig struct {
	// Prefix is prepended to every derived branch name: <prefix>/<slug> (default: "patch")
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
	// MaxSlugLength truncates the sanitized description (default: 50)
	MaxSlugLength int `mapstructure:"max_slug_length" yaml:"max_slug_length"`
}

// GitConfig controls version control behavior
type GitConfig struct {
	// Remote is the remote pushed to and fetched from (default: "origin")
	Remote string `mapstructure:"remote" yaml:"remote"`
	// BaselineBranch is the branch new session branches start from.
	// Empty means "whatever branch is checked out when the session starts".
	BaselineBranch string `mapstructure:"baseline_branch" yaml:"baseline_branch"`
	// IgnoredPaths are excluded from staging (default: [".patchflow"])
	IgnoredPaths []string `mapstructure:"ignored_paths" yaml:"ignored_paths"`
}

// PatchConfig holds the defaults for RunPatch options
type PatchConfig struct {
	// CreateChangeRequest opens a change request after a successful push
	CreateChangeRequest bool `mapstructure:"create_change_request" yaml:"create_change_request"`
	// AutoCommitUncommittedOnEntry preserves a dirty tree by committing it on the
	// session branch instead of refusing to start
	AutoCommitUncommittedOnEntry bool `mapstructure:"auto_commit_uncommitted_on_entry" yaml:"auto_commit_uncommitted_on_entry"`
	// ValidationCommands run in order after the operation; first failure rolls back
	ValidationCommands []string `mapstructure:"validation_commands" yaml:"validation_commands"`
	// ValidationTimeoutSeconds bounds each validation command (default: 600)
	ValidationTimeoutSeconds int `mapstructure:"validation_timeout_seconds" yaml:"validation_timeout_seconds"`
}

// ForgeConfig controls change request and issue creation
type ForgeConfig struct {
	// Repo is the owner/name slug passed to gh; empty uses gh's default for the cwd
	Repo string `mapstructure:"repo" yaml:"repo"`
	// Draft opens change requests as drafts
	Draft bool `mapstructure:"draft" yaml:"draft"`
	// Labels are added to every change request
	Labels []string `mapstructure:"labels" yaml:"labels"`
	// MaxRetries bounds retries of transient gh failures (default: 3)
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
	// CreateIssue opens a tracking issue when no issue number is supplied
	CreateIssue bool `mapstructure:"create_issue" yaml:"create_issue"`
}

// ReviewConfig controls the review comment monitor
type ReviewConfig struct {
	// Enabled starts the monitor after a change request is opened (default: true)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// IntervalSeconds is the poll interval (default: 60)
	IntervalSeconds int `mapstructure:"interval_seconds" yaml:"interval_seconds"`
	// MaxDurationMinutes is the hard lifetime bound (default: 120)
	MaxDurationMinutes int `mapstructure:"max_duration_minutes" yaml:"max_duration_minutes"`
	// AutoCommit commits and pushes each applied suggestion (default: true)
	AutoCommit bool `mapstructure:"auto_commit" yaml:"auto_commit"`
	// ValidateAfterFix re-runs validation commands after each suggestion (default: true)
	ValidateAfterFix bool `mapstructure:"validate_after_fix" yaml:"validate_after_fix"`
	// Authors restricts suggestions to these comment authors; empty accepts all
	Authors []string `mapstructure:"authors" yaml:"authors"`
}

// TrackingConfig controls the tracking issue resolver
type TrackingConfig struct {
	// Enabled starts the resolver when a tracking issue is linked (default: true)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// IntervalSeconds is the poll interval (default: 120)
	IntervalSeconds int `mapstructure:"interval_seconds" yaml:"interval_seconds"`
	// MaxDurationMinutes is the hard lifetime bound (default: 1440)
	MaxDurationMinutes int `mapstructure:"max_duration_minutes" yaml:"max_duration_minutes"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level" yaml:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	// MaxBackups is the number of backup log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`
}

// PathsConfig controls where patchflow stores data
type PathsConfig struct {
	// DataDir holds logs and the session ledger. Relative paths are resolved
	// against the repository root; ~ expands to the home directory.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

// ResolveDataDir returns the absolute data directory for a repository root.
func (p *PathsConfig) ResolveDataDir(repoRoot string) string {
	path := p.DataDir
	if path == "" {
		path = ".patchflow"
	}

	if strings.HasPrefix(path, "~/") || path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(repoRoot, path)
	}
	return path
}

// LogDir returns the log directory under the data directory.
func (p *PathsConfig) LogDir(repoRoot string) string {
	return filepath.Join(p.ResolveDataDir(repoRoot), "logs")
}

// LedgerPath returns the sqlite ledger path under the data directory.
func (p *PathsConfig) LedgerPath(repoRoot string) string {
	return filepath.Join(p.ResolveDataDir(repoRoot), "sessions.db")
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Branch: BranchConfig{
			Prefix:        "patch",
			MaxSlugLength: 50,
		},
		Git: GitConfig{
			Remote:         "origin",
			BaselineBranch: "",
			IgnoredPaths:   []string{".patchflow"},
		},
		Patch: PatchConfig{
			CreateChangeRequest:          false,
			AutoCommitUncommittedOnEntry: false,
			ValidationCommands:           []string{},
			ValidationTimeoutSeconds:     600,
		},
		Forge: ForgeConfig{
			Repo:        "",
			Draft:       false,
			Labels:      []string{},
			MaxRetries:  3,
			CreateIssue: false,
		},
		Review: ReviewConfig{
			Enabled:            true,
			IntervalSeconds:    60,
			MaxDurationMinutes: 120,
			AutoCommit:         true,
			ValidateAfterFix:   true,
			Authors:            []string{},
		},
		Tracking: TrackingConfig{
			Enabled:            true,
			IntervalSeconds:    120,
			MaxDurationMinutes: 1440,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Paths: PathsConfig{
			DataDir: ".patchflow",
		},
	}
}

// ValidationTimeout returns the per-command validation timeout.
func (c *PatchConfig) ValidationTimeout() time.Duration {
	return time.Duration(c.ValidationTimeoutSeconds) * time.Second
}

// Interval returns the review poll interval.
func (c *ReviewConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// MaxDuration returns the review monitor lifetime bound.
func (c *ReviewConfig) MaxDuration() time.Duration {
	return time.Duration(c.MaxDurationMinutes) * time.Minute
}

// Interval returns the tracking poll interval.
func (c *TrackingConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// MaxDuration returns the tracking resolver lifetime bound.
func (c *TrackingConfig) MaxDuration() time.Duration {
	return time.Duration(c.MaxDurationMinutes) * time.Minute
}

// SetDefaults registers default values with viper
func SetDefaults() {
	d := Default()

	viper.SetDefault("branch.prefix", d.Branch.Prefix)
	viper.SetDefault("branch.max_slug_length", d.Branch.MaxSlugLength)

	viper.SetDefault("git.remote", d.Git.Remote)
	viper.SetDefault("git.baseline_branch", d.Git.BaselineBranch)
	viper.SetDefault("git.ignored_paths", d.Git.IgnoredPaths)

	viper.SetDefault("patch.create_change_request", d.Patch.CreateChangeRequest)
	viper.SetDefault("patch.auto_commit_uncommitted_on_entry", d.Patch.AutoCommitUncommittedOnEntry)
	viper.SetDefault("patch.validation_commands", d.Patch.ValidationCommands)
	viper.SetDefault("patch.validation_timeout_seconds", d.Patch.ValidationTimeoutSeconds)

	viper.SetDefault("forge.repo", d.Forge.Repo)
	viper.SetDefault("forge.draft", d.Forge.Draft)
	viper.SetDefault("forge.labels", d.Forge.Labels)
	viper.SetDefault("forge.max_retries", d.Forge.MaxRetries)
	viper.SetDefault("forge.create_issue", d.Forge.CreateIssue)

	viper.SetDefault("review.enabled", d.Review.Enabled)
	viper.SetDefault("review.interval_seconds", d.Review.IntervalSeconds)
	viper.SetDefault("review.max_duration_minutes", d.Review.MaxDurationMinutes)
	viper.SetDefault("review.auto_commit", d.Review.AutoCommit)
	viper.SetDefault("review.validate_after_fix", d.Review.ValidateAfterFix)
	viper.SetDefault("review.authors", d.Review.Authors)

	viper.SetDefault("tracking.enabled", d.Tracking.Enabled)
	viper.SetDefault("tracking.interval_seconds", d.Tracking.IntervalSeconds)
	viper.SetDefault("tracking.max_duration_minutes", d.Tracking.MaxDurationMinutes)

	viper.SetDefault("logging.level", d.Logging.Level)
	viper.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", d.Logging.MaxBackups)

	viper.SetDefault("paths.data_dir", d.Paths.DataDir)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration, falling back to defaults when the
// loaded configuration cannot be decoded or is invalid.
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "patchflow")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".patchflow"
	}
	return filepath.Join(home, ".config", "patchflow")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
