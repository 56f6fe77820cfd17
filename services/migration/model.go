package migration

import "time"

// Phase is the aggregate state of a MasterMigration. Phases only move
// forward, one step at a time.
type Phase string

const (
	PhaseCreated        Phase = "created"
	PhaseStarted        Phase = "started"
	PhaseAwaitingReview Phase = "awaiting_review"
	PhaseReadyToPost    Phase = "ready_to_post"
	PhasePosting        Phase = "posting"
	PhaseLoaded         Phase = "loaded"
	PhaseCompleted      Phase = "completed"
)

// RawStatus tracks one child migration's score-ingestion progress.
type RawStatus string

const (
	RawEmpty    RawStatus = "empty"
	RawPending  RawStatus = "pending"
	RawPartial  RawStatus = "partial"
	RawComplete RawStatus = "complete"
	RawFailed   RawStatus = "failed"
)

// Finished reports whether the evaluator round is over for this child,
// successfully or not.
func (s RawStatus) Finished() bool {
	return s == RawComplete || s == RawFailed
}

// MasterMigration is one course-scoped grading run.
type MasterMigration struct {
	ID         string      `gorm:"column:id;primaryKey;type:char(26)"`
	CourseID   string      `gorm:"column:course_id;index;not null"`
	CreatedBy  string      `gorm:"column:created_by;not null"`
	Phase      Phase       `gorm:"column:phase;type:varchar(20);default:'created'"`
	StartedAt  *time.Time  `gorm:"column:started_at"`
	CreatedAt  time.Time   `gorm:"autoCreateTime"`
	UpdatedAt  time.Time   `gorm:"autoUpdateTime"`
	Migrations []Migration `gorm:"foreignKey:MasterMigrationID"`
}

// Migration is one assignment's run within a MasterMigration. It cannot
// exist without an assignment reference.
type Migration struct {
	ID                string    `gorm:"column:id;primaryKey;type:char(26)"`
	MasterMigrationID string    `gorm:"column:master_migration_id;index;not null"`
	AssignmentID      string    `gorm:"column:assignment_id;not null"`
	PolicyURI         string    `gorm:"column:policy_uri;type:varchar(255)"`
	RawStatus         RawStatus `gorm:"column:raw_status;type:varchar(20);default:'empty'"`
	RawMessage        string    `gorm:"column:raw_message;type:text"`
	ExpectedScores    int       `gorm:"column:expected_scores"`
	CreatedAt         time.Time `gorm:"autoCreateTime"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime"`
}
