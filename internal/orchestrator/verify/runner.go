// Package verify runs a repository's validation commands.
//
// Each command is run with "sh -c" in the repository root, in order. Exit
// status zero passes; the first failure stops the run. An empty command list
// passes.
package verify

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/Iron-Ham/patchflow/internal/errors"
	"github.com/Iron-Ham/patchflow/internal/logging"
)

// maxOutputBytes bounds the output kept per command; the tail is kept.
const maxOutputBytes = 64 * 1024

// CommandResult is the outcome of one validation command.
type CommandResult struct {
	Command  string
	ExitCode int
	Output   string
	Duration time.Duration
	TimedOut bool
}

// Passed reports whether the command exited zero.
func (r CommandResult) Passed() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// Report is the outcome of a validation run.
type Report struct {
	Results []CommandResult
}

// Passed reports whether every command that ran passed.
func (r *Report) Passed() bool {
	for _, res := range r.Results {
		if !res.Passed() {
			return false
		}
	}
	return true
}

// Output concatenates the output of every command that ran, each preceded by
// a "$ <command>" line.
func (r *Report) Output() string {
	var buf bytes.Buffer
	for _, res := range r.Results {
		fmt.Fprintf(&buf, "$ %s\n%s", res.Command, res.Output)
		if n := len(res.Output); n > 0 && res.Output[n-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// Runner runs a fixed list of validation commands.
type Runner struct {
	dir      string
	commands []string
	timeout  time.Duration
	shell    string
	logger   *logging.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithTimeout bounds each command. Zero means no limit beyond the context.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) {
		r.timeout = d
	}
}

// WithShell replaces "sh" as the command interpreter.
func WithShell(shell string) Option {
	return func(r *Runner) {
		r.shell = shell
	}
}

// NewRunner creates a Runner for commands executed in dir.
func NewRunner(dir string, commands []string, opts ...Option) *Runner {
	r := &Runner{
		dir:      dir,
		commands: append([]string(nil), commands...),
		shell:    "sh",
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrNop(r.logger).WithComponent("verify")
	return r
}

// Commands returns the configured commands.
func (r *Runner) Commands() []string {
	return append([]string(nil), r.commands...)
}

// Run executes the commands in order and stops at the first failure. The
// returned report covers every command that ran. The error wraps
// ErrValidationFailed, and also ErrTimeout when the command ran out of time.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	report := &Report{}
	for _, command := range r.commands {
		res := r.runOne(ctx, command)
		report.Results = append(report.Results, res)

		if res.Passed() {
			r.logger.Debug("validation command passed", "command", command, "duration", res.Duration.String())
			continue
		}

		r.logger.Warn("validation command failed",
			"command", command,
			"exit_code", res.ExitCode,
			"timed_out", res.TimedOut,
		)
		cause := errors.ErrValidationFailed
		if res.TimedOut {
			cause = errors.Join(errors.ErrValidationFailed, errors.ErrTimeout)
		}
		return report, errors.NewPatchError(fmt.Sprintf("validation command %q failed (exit %d)", command, res.ExitCode), cause).
			WithStep("validate")
	}
	return report, nil
}

// Validate runs the commands and returns only the error.
func (r *Runner) Validate(ctx context.Context) error {
	_, err := r.Run(ctx)
	return err
}

func (r *Runner) runOne(ctx context.Context, command string) CommandResult {
	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, r.shell, "-c", command)
	cmd.Dir = r.dir
	// Children that inherit the pipes must not keep Wait blocked after a kill.
	cmd.WaitDelay = time.Second

	start := time.Now()
	out, err := cmd.CombinedOutput()
	res := CommandResult{
		Command:  command,
		Output:   tail(out, maxOutputBytes),
		Duration: time.Since(start),
	}
	if err == nil {
		return res
	}

	res.ExitCode = -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
	}
	if res.ExitCode == 0 {
		res.ExitCode = -1
	}
	return res
}

func tail(out []byte, limit int) string {
	if len(out) <= limit {
		return string(out)
	}
	return "...(truncated)\n" + string(out[len(out)-limit:])
}
