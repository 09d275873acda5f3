package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/patchflow/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View patchflow logs",
	Long: `View and filter the patchflow log for this repository.

Examples:
  # Show the last 50 lines
  patchflow logs

  # Show everything logged by one session
  patchflow logs -s 20260301T090405Z-1a2b3c4d -n 0

  # Follow logs in real-time
  patchflow logs -f

  # Only warnings and errors from the last hour
  patchflow logs --level warn --since 1h

  # Search for specific patterns
  patchflow logs --grep "rollback|conflict"`,
	RunE: runLogs,
}

var (
	logsSessionID string
	logsTail      int
	logsFollow    bool
	logsLevel     string
	logsSince     string
	logsGrep      string
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().StringVarP(&logsSessionID, "session", "s", "", "Only entries for this session ID")
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of lines to show (0 for all)")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Show logs since duration ago (e.g., 1h, 30m)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Filter logs matching pattern (regex)")
}

// logEntry represents a parsed JSON log line
type logEntry struct {
	Time          time.Time      `json:"time"`
	Level         string         `json:"level"`
	Msg           string         `json:"msg"`
	Component     string         `json:"component,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	ChangeRequest int            `json:"change_request,omitempty"`
	Extra         map[string]any `json:"-"`
}

// UnmarshalJSON captures fields beyond the known ones in Extra.
func (e *logEntry) UnmarshalJSON(data []byte) error {
	type alias logEntry
	if err := json.Unmarshal(data, (*alias)(e)); err != nil {
		return err
	}

	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, known := range []string{"time", "level", "msg", "component", "session_id", "change_request"} {
		delete(all, known)
	}
	if len(all) > 0 {
		e.Extra = all
	}
	return nil
}

// logFilter selects entries for display.
type logFilter struct {
	sessionID string
	minLevel  int
	since     time.Time
	pattern   *regexp.Regexp
}

func levelStyle(level string) lipgloss.Style {
	switch strings.ToUpper(level) {
	case logging.LevelDebug:
		return mutedStyle
	case logging.LevelInfo:
		return accentStyle
	case logging.LevelWarn:
		return warningStyle
	case logging.LevelError:
		return errorStyle
	default:
		return lipgloss.NewStyle()
	}
}

// levelPriority returns the priority of a log level for filtering
func levelPriority(level string) int {
	switch strings.ToUpper(level) {
	case logging.LevelDebug:
		return 0
	case logging.LevelInfo:
		return 1
	case logging.LevelWarn:
		return 2
	case logging.LevelError:
		return 3
	default:
		return -1
	}
}

// formatLogEntry formats a log entry for terminal output. Extra fields are
// printed in key order so repeated runs line up.
func formatLogEntry(entry *logEntry, color bool) string {
	var sb strings.Builder

	sb.WriteString(paint(mutedStyle, "["+entry.Time.Local().Format("15:04:05.000")+"]", color))
	sb.WriteString(" ")
	sb.WriteString(paint(levelStyle(entry.Level), "["+strings.ToUpper(entry.Level)+"]", color))
	if entry.Component != "" {
		sb.WriteString(" ")
		sb.WriteString(paint(accentStyle, entry.Component+":", color))
	}
	sb.WriteString(" ")
	sb.WriteString(entry.Msg)

	if entry.SessionID != "" {
		sb.WriteString(" " + paint(mutedStyle, "session_id=", color) + entry.SessionID)
	}
	if entry.ChangeRequest > 0 {
		sb.WriteString(fmt.Sprintf(" %s%d", paint(mutedStyle, "change_request=", color), entry.ChangeRequest))
	}

	keys := make([]string, 0, len(entry.Extra))
	for k := range entry.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf(" %s%v", paint(mutedStyle, k+"=", color), entry.Extra[k]))
	}

	return sb.String()
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, root, err := locateRepo(cmd)
	if err != nil {
		return err
	}
	logPath := filepath.Join(cfg.Paths.LogDir(root), logging.LogFileName)
	out := cmd.OutOrStdout()

	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		fmt.Fprintln(out, "No logs found.")
		fmt.Fprintln(out, "Logs are stored at:", logPath)
		return nil
	}

	filter := logFilter{sessionID: logsSessionID, minLevel: -1}
	if logsLevel != "" {
		filter.minLevel = levelPriority(logsLevel)
		if filter.minLevel < 0 {
			return fmt.Errorf("invalid level %q (valid: %s)", logsLevel, strings.Join(logging.ValidLevels(), ", "))
		}
	}
	if logsSince != "" {
		duration, err := time.ParseDuration(logsSince)
		if err != nil {
			return fmt.Errorf("invalid duration format: %w", err)
		}
		filter.since = time.Now().Add(-duration)
	}
	if logsGrep != "" {
		if filter.pattern, err = regexp.Compile(logsGrep); err != nil {
			return fmt.Errorf("invalid grep pattern: %w", err)
		}
	}

	if logsFollow {
		ctx, stop := signalContext(cmd.Context())
		defer stop()
		return followLogs(ctx, out, logPath, filter)
	}

	f, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()
	return displayLogs(out, f, logsTail, filter, styled())
}

// displayLogs writes the last tail matching entries from r.
func displayLogs(w io.Writer, r io.Reader, tail int, filter logFilter, color bool) error {
	var entries []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if line, ok := renderLine(scanner.Text(), filter, color); ok {
			entries = append(entries, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading log file: %w", err)
	}

	if tail > 0 && len(entries) > tail {
		entries = entries[len(entries)-tail:]
	}
	for _, entry := range entries {
		fmt.Fprintln(w, entry)
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "No matching log entries found.")
	}
	return nil
}

// followLogs implements tail -f behavior for the log file until ctx ends.
// The log directory is watched so a rotation reopens the new file.
func followLogs(ctx context.Context, w io.Writer, logPath string, filter logFilter) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to watch log file: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(logPath)); err != nil {
		return fmt.Errorf("failed to watch log directory: %w", err)
	}

	file, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek to end: %w", err)
	}

	fmt.Fprintf(w, "Following logs... (Ctrl+C to stop)\n\n")

	color := styled()
	reader := bufio.NewReader(file)
	// pending holds a partial line until its newline arrives.
	var pending string
	drain := func() error {
		for {
			line, err := reader.ReadString('\n')
			if err == io.EOF {
				pending += line
				return nil
			}
			if err != nil {
				return fmt.Errorf("error reading log file: %w", err)
			}
			line, pending = pending+line, ""
			if rendered, ok := renderLine(line, filter, color); ok {
				fmt.Fprintln(w, rendered)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(logPath) {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				// Rotated: finish the old file, then start the new one.
				if err := drain(); err != nil {
					return err
				}
				next, err := os.Open(logPath)
				if err != nil {
					return fmt.Errorf("failed to reopen log file: %w", err)
				}
				_ = file.Close()
				file = next
				reader = bufio.NewReader(file)
				pending = ""
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := drain(); err != nil {
					return err
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("log watcher failed: %w", err)
		}
	}
}

// renderLine parses and filters one log line. Lines that are not JSON are
// passed through unfiltered.
func renderLine(line string, filter logFilter, color bool) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}
	var entry logEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return line, true
	}
	if !filter.passes(&entry) {
		return "", false
	}
	return formatLogEntry(&entry, color), true
}

// passes checks if a log entry passes all filter criteria
func (f logFilter) passes(entry *logEntry) bool {
	if f.sessionID != "" && entry.SessionID != f.sessionID {
		return false
	}
	if f.minLevel >= 0 && levelPriority(entry.Level) < f.minLevel {
		return false
	}
	if !f.since.IsZero() && entry.Time.Before(f.since) {
		return false
	}

	// Grep searches the message and extra fields
	if f.pattern != nil {
		searchText := entry.Msg
		for _, v := range entry.Extra {
			searchText += " " + fmt.Sprintf("%v", v)
		}
		if !f.pattern.MatchString(searchText) {
			return false
		}
	}
	return true
}
