// Package logging provides structured logging for patchflow.
//
// It wraps log/slog with a JSON handler. Each component receives a *Logger at
// construction and derives child loggers carrying persistent attributes:
//
//	logger, err := logging.NewLogger(".patchflow/logs", "INFO", logging.DefaultRotationConfig())
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	sessionLog := logger.WithComponent("orchestrator").WithSession(session.ID)
//	sessionLog.Info("branch ready", "branch", session.WorkingBranch)
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"branch ready","component":"orchestrator","session_id":"20261015T101500-1a2b3c4d","branch":"patch/fix-login"}
//
// Background monitors tag their entries with WithChangeRequest so one change
// request can be followed across the review and tracking loops:
//
//	jq 'select(.change_request == 42)' .patchflow/logs/patchflow.log
//
// # Rotation
//
// The log file is rotated by RotatingWriter once it exceeds MaxSizeMB. Backups
// are kept as patchflow.log.1 (newest) through patchflow.log.N.
//
// # Thread Safety
//
// Logger and RotatingWriter are safe for concurrent use. The review monitor
// and issue resolver goroutines log through the same writer as the foreground
// session.
package logging
