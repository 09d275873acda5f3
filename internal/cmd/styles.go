package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/Iron-Ham/patchflow/internal/orchestrator"
)

var (
	successColor = lipgloss.Color("#10B981") // Green
	warningColor = lipgloss.Color("#F59E0B") // Amber
	errorColor   = lipgloss.Color("#F87171") // Red
	mutedColor   = lipgloss.Color("#9CA3AF") // Gray
	accentColor  = lipgloss.Color("#A78BFA") // Purple

	successStyle = lipgloss.NewStyle().Bold(true).Foreground(successColor)
	warningStyle = lipgloss.NewStyle().Bold(true).Foreground(warningColor)
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(errorColor)
	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	accentStyle  = lipgloss.NewStyle().Foreground(accentColor)
)

const defaultRuleWidth = 70

// styled reports whether stdout is a terminal. Piped output stays plain.
func styled() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func paint(style lipgloss.Style, s string, enabled bool) string {
	if !enabled {
		return s
	}
	return style.Render(s)
}

// rule returns a horizontal separator sized to the terminal.
func rule() string {
	width := defaultRuleWidth
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 && w < width {
		width = w
	}
	return strings.Repeat("─", width)
}

// stateStyle colors a session state for history output.
func stateStyle(state string) lipgloss.Style {
	switch orchestrator.State(state) {
	case orchestrator.StateRequestOpened, orchestrator.StatePushed, orchestrator.StateCommitted:
		return successStyle
	case orchestrator.StateRolledBack:
		return warningStyle
	case orchestrator.StateFailed:
		return errorStyle
	default:
		return mutedStyle
	}
}

// printResult writes a result summary, coloring the headline by outcome.
func printResult(w io.Writer, res *orchestrator.Result, color bool) {
	lines := strings.Split(res.Summary(), "\n")
	if len(lines) == 0 {
		return
	}

	headline := lines[0]
	switch {
	case res.RollbackFailed:
		headline = paint(errorStyle, headline, color)
	case !res.Success && res.RolledBack:
		headline = paint(warningStyle, headline, color)
	case !res.Success:
		headline = paint(errorStyle, headline, color)
	default:
		headline = paint(successStyle, headline, color)
	}

	fmt.Fprintln(w, headline)
	for _, line := range lines[1:] {
		fmt.Fprintln(w, line)
	}
	if res.ValidationOutput != "" && !res.Success {
		fmt.Fprintln(w)
		fmt.Fprintln(w, paint(mutedStyle, "Validation output:", color))
		fmt.Fprintln(w, res.ValidationOutput)
	}
}
