package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "review.interval_seconds")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// branchPrefixRegex validates branch prefix characters
var branchPrefixRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// repoSlugRegex validates owner/name repository slugs
var repoSlugRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateBranch()...)
	errors = append(errors, c.validateGit()...)
	errors = append(errors, c.validatePatch()...)
	errors = append(errors, c.validateForge()...)
	errors = append(errors, c.validateMonitors()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validateBranch() []ValidationError {
	var errors []ValidationError

	if c.Branch.Prefix == "" {
		errors = append(errors, ValidationError{
			Field:   "branch.prefix",
			Value:   c.Branch.Prefix,
			Message: "cannot be empty",
		})
	} else if !branchPrefixRegex.MatchString(c.Branch.Prefix) {
		errors = append(errors, ValidationError{
			Field:   "branch.prefix",
			Value:   c.Branch.Prefix,
			Message: "must start with a letter and contain only letters, digits, '-' or '_'",
		})
	}

	const minSlug, maxSlug = 8, 200
	if c.Branch.MaxSlugLength < minSlug || c.Branch.MaxSlugLength > maxSlug {
		errors = append(errors, ValidationError{
			Field:   "branch.max_slug_length",
			Value:   c.Branch.MaxSlugLength,
			Message: fmt.Sprintf("must be between %d and %d", minSlug, maxSlug),
		})
	}

	return errors
}

func (c *Config) validateGit() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Git.Remote) == "" {
		errors = append(errors, ValidationError{
			Field:   "git.remote",
			Value:   c.Git.Remote,
			Message: "cannot be empty",
		})
	}

	for _, p := range c.Git.IgnoredPaths {
		if strings.HasPrefix(p, "/") || strings.Contains(p, "..") {
			errors = append(errors, ValidationError{
				Field:   "git.ignored_paths",
				Value:   p,
				Message: "must be a path relative to the repository root",
			})
		}
	}

	return errors
}

func (c *Config) validatePatch() []ValidationError {
	var errors []ValidationError

	for i, cmd := range c.Patch.ValidationCommands {
		if strings.TrimSpace(cmd) == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("patch.validation_commands[%d]", i),
				Value:   cmd,
				Message: "cannot be blank",
			})
		}
	}

	if c.Patch.ValidationTimeoutSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "patch.validation_timeout_seconds",
			Value:   c.Patch.ValidationTimeoutSeconds,
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validateForge() []ValidationError {
	var errors []ValidationError

	if c.Forge.Repo != "" && !repoSlugRegex.MatchString(c.Forge.Repo) {
		errors = append(errors, ValidationError{
			Field:   "forge.repo",
			Value:   c.Forge.Repo,
			Message: "must be in owner/name form",
		})
	}

	if c.Forge.MaxRetries < 0 || c.Forge.MaxRetries > 10 {
		errors = append(errors, ValidationError{
			Field:   "forge.max_retries",
			Value:   c.Forge.MaxRetries,
			Message: "must be between 0 and 10",
		})
	}

	return errors
}

// validateMonitors enforces the bounded-lifetime rule: every background
// monitor needs a positive interval and a positive max duration longer than it.
func (c *Config) validateMonitors() []ValidationError {
	var errors []ValidationError

	check := func(section string, intervalSec, maxMinutes int) {
		if intervalSec <= 0 {
			errors = append(errors, ValidationError{
				Field:   section + ".interval_seconds",
				Value:   intervalSec,
				Message: "must be positive",
			})
		}
		if maxMinutes <= 0 {
			errors = append(errors, ValidationError{
				Field:   section + ".max_duration_minutes",
				Value:   maxMinutes,
				Message: "must be positive; monitors always need an upper bound",
			})
		} else if intervalSec > 0 && intervalSec > maxMinutes*60 {
			errors = append(errors, ValidationError{
				Field:   section + ".interval_seconds",
				Value:   intervalSec,
				Message: "must not exceed max_duration_minutes",
			})
		}
	}

	check("review", c.Review.IntervalSeconds, c.Review.MaxDurationMinutes)
	check("tracking", c.Tracking.IntervalSeconds, c.Tracking.MaxDurationMinutes)

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	if c.Logging.MaxSizeMB < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be non-negative (0 disables rotation)",
		})
	}
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}
