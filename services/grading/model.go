package grading

import "time"

// Submission statuses carried on raw and scored messages.
const (
	SubmissionMissing  = "missing"
	SubmissionExcused  = "excused"
	SubmissionLate     = "late"
	SubmissionExtended = "extended"
	SubmissionOnTime   = "on_time"
)

// RawScore is one student's record for one migration. It is the upsert
// target for score ingestion: the raw side is captured from the source of
// record, the final side is filled in as the evaluator responds. Keyed by
// (student, migration), never append-only.
type RawScore struct {
	StudentCWID            string     `gorm:"column:student_cwid;primaryKey;type:varchar(20)"`
	MigrationID            string     `gorm:"column:migration_id;primaryKey;type:char(26);index"`
	Score                  *float64   `gorm:"column:score"`
	FinalScore             *float64   `gorm:"column:final_score"`
	SubmissionTime         *time.Time `gorm:"column:submission_time"`
	AdjustedSubmissionTime *time.Time `gorm:"column:adjusted_submission_time"`
	HoursLate              float64    `gorm:"column:hours_late"`
	SubmissionStatus       string     `gorm:"column:submission_status;type:varchar(20)"`
	ExtensionStatus        string     `gorm:"column:extension_status;type:varchar(20)"`
	ExtensionMessage       string     `gorm:"column:extension_message;type:text"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime"`
}

// RawGradeMessage is one outbound raw grade published to the evaluator.
type RawGradeMessage struct {
	StudentCWID      string     `json:"student_cwid"`
	Score            *float64   `json:"score"`
	SubmissionTime   *time.Time `json:"submission_time"`
	HoursLate        float64    `json:"hours_late"`
	SubmissionStatus string     `json:"submission_status"`
}

// ScoredMessage is one inbound computed score from the evaluator.
type ScoredMessage struct {
	StudentCWID            string     `json:"student_cwid"`
	RawScore               *float64   `json:"raw_score"`
	FinalScore             *float64   `json:"final_score"`
	AdjustedSubmissionTime *time.Time `json:"adjusted_submission_time"`
	HoursLate              float64    `json:"hours_late"`
	SubmissionStatus       string     `json:"submission_status"`
	ExtensionStatus        string     `json:"extension_status"`
	ExtensionMessage       string     `json:"extension_message"`
}

// StartMessage is the metadata message for one migration run. The due date
// lets the evaluator compute lateness independent of any extension logic
// applied after raw capture.
type StartMessage struct {
	MigrationID      string    `json:"migration_id"`
	PolicyURI        string    `json:"policy_uri"`
	RawRoutingKey    string    `json:"raw_routing_key"`
	ScoredRoutingKey string    `json:"scored_routing_key"`
	MinScore         float64   `json:"min_score"`
	MaxScore         float64   `json:"max_score"`
	ExternalMaxScore float64   `json:"external_max_score"`
	DueDate          time.Time `json:"due_date"`
}

// AssignmentBounds carries the score bounds the evaluator needs.
type AssignmentBounds struct {
	MinScore         float64
	MaxScore         float64
	ExternalMaxScore float64
	DueDate          time.Time
}
