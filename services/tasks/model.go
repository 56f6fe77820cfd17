package tasks

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusCreated   Status = "created"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition can occur.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

type Kind string

const (
	KindSyncRoster      Kind = "course:sync:roster"
	KindSyncAssignments Kind = "course:sync:assignments"
	KindSyncScores      Kind = "assignment:sync:scores"
	KindPostScores      Kind = "gradebook:post:scores"
)

// Task is the durable record of one unit of background work. Tasks are
// never deleted; the table is the audit trail. CompletedAt is set if and
// only if Status is terminal.
type Task struct {
	ID          string         `gorm:"column:id;primaryKey;type:char(26)"`
	OwnerID     string         `gorm:"column:owner_id;index;not null"`
	Kind        Kind           `gorm:"column:kind;type:varchar(50);not null"`
	Payload     datatypes.JSON `gorm:"column:payload"`
	DependsOn   datatypes.JSON `gorm:"column:depends_on"`
	Status      Status         `gorm:"column:status;type:varchar(20);default:'created'"`
	StatusText  string         `gorm:"column:status_text;type:text"`
	SubmittedAt time.Time      `gorm:"column:submitted_at;autoCreateTime"`
	CompletedAt *time.Time     `gorm:"column:completed_at"`
}
