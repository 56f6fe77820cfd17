package asynq

const (
	QueueSync    = "sync"
	QueueDefault = "default"

	CourseSyncTask = "lms:course:sync"
)

// CourseSyncPayload asks the worker to refresh one course from the LMS.
// The worker fans the refresh out as ordered graph tasks.
type CourseSyncPayload struct {
	CourseID        string `json:"course_id"`
	RequestedBy     string `json:"requested_by"`
	SyncRoster      bool   `json:"sync_roster"`
	SyncAssignments bool   `json:"sync_assignments"`
}
