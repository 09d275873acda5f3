package session

import "time"

// SessionModel is the GORM model for the patch_sessions table.
//
// Mutable columns carry no default tag: GORM omits zero values of defaulted
// fields from inserts, which would stop an upsert from clearing them.
type SessionModel struct {
	ID                  string    `gorm:"primaryKey"`
	Description         string    `gorm:"not null"`
	BaselineBranch      string    `gorm:"not null"`
	Branch              string    `gorm:"not null;index:idx_branch"`
	State               string    `gorm:"not null;index:idx_state"`
	SnapshotRef         string    `gorm:"not null"`
	ChangedPaths        string    `gorm:"type:text;not null"`
	ChangeRequestNumber int       `gorm:"not null"`
	ChangeRequestURL    string    `gorm:"not null"`
	IssueNumber         int       `gorm:"not null"`
	Success             bool      `gorm:"not null"`
	RolledBack          bool      `gorm:"not null"`
	NoChanges           bool      `gorm:"not null"`
	DryRun              bool      `gorm:"not null"`
	Error               string    `gorm:"type:text;not null"`
	StartedAt           time.Time `gorm:"not null;index:idx_started_at"`
	FinishedAt          *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// TableName specifies the table name for GORM
func (SessionModel) TableName() string { return "patch_sessions" }
