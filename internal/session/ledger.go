// Package session keeps the durable record of patch sessions and the lock
// that serializes sessions on one working tree.
//
// The ledger is a SQLite database (gorm) in the data directory. Every
// RunPatch call upserts one row as it progresses, so `patchflow history`
// shows failed and rolled-back sessions as well as successful ones.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mattn/go-sqlite3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/Iron-Ham/patchflow/internal/errors"
	"github.com/Iron-Ham/patchflow/internal/logging"
)

// Record is one patch session as stored in the ledger.
type Record struct {
	ID                  string
	Description         string
	BaselineBranch      string
	Branch              string
	State               string
	SnapshotRef         string
	ChangedPaths        []string
	ChangeRequestNumber int
	ChangeRequestURL    string
	IssueNumber         int
	Success             bool
	RolledBack          bool
	NoChanges           bool
	DryRun              bool
	Error               string
	StartedAt           time.Time
	FinishedAt          *time.Time
}

// ListOptions filter List.
type ListOptions struct {
	// Limit caps the number of records; zero means no limit.
	Limit int
	// Branch restricts results to one working branch.
	Branch string
	// State restricts results to one session state.
	State string
}

// Ledger stores session records.
type Ledger struct {
	db     *gorm.DB
	logger *logging.Logger
}

// gormLogger routes GORM's logging through the patchflow logger.
type gormLogger struct {
	level  logger.LogLevel
	logger *logging.Logger
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	return &gormLogger{level: level, logger: l.logger}
}

func (l *gormLogger) Info(_ context.Context, msg string, data ...any) {
	if l.level >= logger.Info {
		l.logger.Info(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Warn(_ context.Context, msg string, data ...any) {
	if l.level >= logger.Warn {
		l.logger.Warn(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Error(_ context.Context, msg string, data ...any) {
	if l.level >= logger.Error {
		l.logger.Error(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level < logger.Warn {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		l.logger.Error("ledger query error", "error", err, "duration", elapsed.String(), "sql", sql, "rows", rows)
	case elapsed > 200*time.Millisecond:
		sql, rows := fc()
		l.logger.Warn("slow ledger query", "duration", elapsed.String(), "sql", sql, "rows", rows)
	case l.level >= logger.Info:
		sql, rows := fc()
		l.logger.Debug("ledger query", "duration", elapsed.String(), "sql", sql, "rows", rows)
	}
}

// OpenLedger opens (creating if needed) the ledger database at path.
// ":memory:" opens a private in-memory database.
func OpenLedger(path string, log *logging.Logger) (*Ledger, error) {
	log = logging.OrNop(log).WithComponent("ledger")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  (&gormLogger{logger: log}).LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	if path == ":memory:" {
		// Each pooled connection would otherwise see its own empty database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to open ledger: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	} else {
		db.Exec("PRAGMA journal_mode=WAL")
	}
	db.Exec("PRAGMA busy_timeout=5000")
	db.Exec("PRAGMA synchronous=NORMAL")

	if err := db.AutoMigrate(&SessionModel{}); err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return nil, fmt.Errorf("failed to migrate ledger schema: %w", err)
		}
	}

	return &Ledger{db: db, logger: log}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record inserts or updates a session record.
func (l *Ledger) Record(ctx context.Context, r Record) error {
	if r.ID == "" {
		return errors.NewValidationError("session id is required").WithField("id")
	}
	model := toModel(r)
	return withRetry(ctx, func() error {
		return l.db.WithContext(ctx).
			Clauses(clause.OnConflict{UpdateAll: true}).
			Create(&model).Error
	})
}

// Get returns a session record by ID.
func (l *Ledger) Get(ctx context.Context, id string) (*Record, error) {
	var model SessionModel
	err := l.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.NewNotFoundError("session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	r := fromModel(model)
	return &r, nil
}

// List returns session records, newest first.
func (l *Ledger) List(ctx context.Context, opts ListOptions) ([]Record, error) {
	q := l.db.WithContext(ctx).Order("started_at DESC").Order("id DESC")
	if opts.Branch != "" {
		q = q.Where("branch = ?", opts.Branch)
	}
	if opts.State != "" {
		q = q.Where("state = ?", opts.State)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}

	var models []SessionModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	out := make([]Record, len(models))
	for i, m := range models {
		out[i] = fromModel(m)
	}
	return out, nil
}

// Prune deletes records that started before cutoff and returns how many
// were removed.
func (l *Ledger) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := withRetry(ctx, func() error {
		res := l.db.WithContext(ctx).Where("started_at < ?", cutoff.UTC()).Delete(&SessionModel{})
		deleted = res.RowsAffected
		return res.Error
	})
	return deleted, err
}

func toModel(r Record) SessionModel {
	startedAt := r.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	var finishedAt *time.Time
	if r.FinishedAt != nil {
		t := r.FinishedAt.UTC()
		finishedAt = &t
	}
	return SessionModel{
		ID:                  r.ID,
		Description:         r.Description,
		BaselineBranch:      r.BaselineBranch,
		Branch:              r.Branch,
		State:               r.State,
		SnapshotRef:         r.SnapshotRef,
		ChangedPaths:        strings.Join(r.ChangedPaths, "\n"),
		ChangeRequestNumber: r.ChangeRequestNumber,
		ChangeRequestURL:    r.ChangeRequestURL,
		IssueNumber:         r.IssueNumber,
		Success:             r.Success,
		RolledBack:          r.RolledBack,
		NoChanges:           r.NoChanges,
		DryRun:              r.DryRun,
		Error:               r.Error,
		StartedAt:           startedAt.UTC(),
		FinishedAt:          finishedAt,
	}
}

func fromModel(m SessionModel) Record {
	var paths []string
	if m.ChangedPaths != "" {
		paths = strings.Split(m.ChangedPaths, "\n")
	}
	return Record{
		ID:                  m.ID,
		Description:         m.Description,
		BaselineBranch:      m.BaselineBranch,
		Branch:              m.Branch,
		State:               m.State,
		SnapshotRef:         m.SnapshotRef,
		ChangedPaths:        paths,
		ChangeRequestNumber: m.ChangeRequestNumber,
		ChangeRequestURL:    m.ChangeRequestURL,
		IssueNumber:         m.IssueNumber,
		Success:             m.Success,
		RolledBack:          m.RolledBack,
		NoChanges:           m.NoChanges,
		DryRun:              m.DryRun,
		Error:               m.Error,
		StartedAt:           m.StartedAt,
		FinishedAt:          m.FinishedAt,
	}
}

// withRetry retries fn while SQLite reports the database busy or locked.
func withRetry(ctx context.Context, fn func() error) error {
	op := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
			return err
		}
		return backoff.Permanent(err)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(50*time.Millisecond), 3), ctx)
	return backoff.Retry(op, b)
}
