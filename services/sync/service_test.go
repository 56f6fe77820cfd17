package sync

import (
	"context"
	gosync "sync"
	"testing"
	"time"

	asynqmod "github.com/CSCI128/packtrain-sub001/pkg/asynq"
	"github.com/CSCI128/packtrain-sub001/services/course"
	"github.com/CSCI128/packtrain-sub001/services/tasks"
	"github.com/CSCI128/packtrain-sub001/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu          gosync.Mutex
	calls       []string
	roster      []*course.CourseMember
	assignments []*course.Assignment
}

func (f *fakeSource) Roster(context.Context, string) ([]*course.CourseMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "roster")
	return f.roster, nil
}

func (f *fakeSource) Assignments(context.Context, string) ([]*course.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "assignments")
	return f.assignments, nil
}

func (f *fakeSource) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newSyncFixture(t *testing.T, source *fakeSource) (*Service, *course.Service, tasks.Store) {
	t.Helper()

	db := testutil.NewTestDB(t,
		&course.Course{}, &course.Assignment{}, &course.CourseMember{}, &tasks.Task{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	store := tasks.NewStore(tasks.StoreParams{DB: db})
	sched := tasks.NewScheduler(store, node, 4)
	t.Cleanup(sched.Stop)

	courses := course.NewService(course.ServiceParams{DB: db, Node: node})

	svc, err := NewService(Params{
		DB:        db,
		Node:      node,
		Scheduler: sched,
		Registry:  tasks.NewRegistry(),
		Courses:   courses,
		Source:    source,
	})
	require.NoError(t, err)

	return svc, courses, store
}

func waitForTasks(t *testing.T, store tasks.Store, owner string, want int) []*tasks.Task {
	t.Helper()
	var out []*tasks.Task
	require.Eventually(t, func() bool {
		list, err := store.GetTasksForUser(context.Background(), owner)
		if err != nil || len(list) != want {
			return false
		}
		for _, task := range list {
			if !task.Status.Terminal() {
				return false
			}
		}
		out = list
		return true
	}, 3*time.Second, 10*time.Millisecond)
	return out
}

func TestCourseSyncRunsRosterBeforeAssignments(t *testing.T) {
	due := time.Date(2024, 1, 10, 23, 59, 0, 0, time.UTC)
	source := &fakeSource{
		roster: []*course.CourseMember{
			{UserID: "u-1", Role: "student", CWID: "12345678"},
			{UserID: "u-2", Role: "student", CWID: "87654321"},
		},
		assignments: []*course.Assignment{
			{Name: "Lab 1", ExternalID: "ext-1", Points: 10, DueDate: due, Enabled: true},
		},
	}
	svc, courses, store := newSyncFixture(t, source)
	ctx := context.Background()

	c, err := courses.CreateCourse(ctx, &course.Course{Name: "CSCI 128", ExternalID: "lms-128", Enabled: true})
	require.NoError(t, err)

	require.NoError(t, svc.SubmitCourseSync(ctx, asynqmod.CourseSyncPayload{
		CourseID:        c.ID,
		RequestedBy:     "instructor-1",
		SyncRoster:      true,
		SyncAssignments: true,
	}))

	list := waitForTasks(t, store, "instructor-1", 2)
	for _, task := range list {
		require.Equal(t, tasks.StatusSucceeded, task.Status)
	}

	require.Equal(t, []string{"roster", "assignments"}, source.callOrder())

	members, err := courses.ListMembers(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)

	assignments, err := courses.ListAssignments(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	require.Equal(t, "Lab 1", assignments[0].Name)
}

func TestCourseSyncReplacesRoster(t *testing.T) {
	source := &fakeSource{
		roster: []*course.CourseMember{{UserID: "u-2", Role: "student", CWID: "87654321"}},
	}
	svc, courses, store := newSyncFixture(t, source)
	ctx := context.Background()

	c, err := courses.CreateCourse(ctx, &course.Course{Name: "CSCI 128", ExternalID: "lms-128", Enabled: true})
	require.NoError(t, err)
	_, err = courses.AddMember(ctx, &course.CourseMember{CourseID: c.ID, UserID: "u-dropped", CWID: "11111111"})
	require.NoError(t, err)

	require.NoError(t, svc.SubmitCourseSync(ctx, asynqmod.CourseSyncPayload{
		CourseID:   c.ID,
		SyncRoster: true,
	}))
	waitForTasks(t, store, "system", 1)

	members, err := courses.ListMembers(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, "u-2", members[0].UserID)
}

func TestAssignmentSyncUpsertsByExternalID(t *testing.T) {
	source := &fakeSource{
		assignments: []*course.Assignment{{Name: "Lab 1 v2", ExternalID: "ext-1", Points: 15, Enabled: true}},
	}
	svc, courses, store := newSyncFixture(t, source)
	ctx := context.Background()

	c, err := courses.CreateCourse(ctx, &course.Course{Name: "CSCI 128", ExternalID: "lms-128", Enabled: true})
	require.NoError(t, err)
	_, err = courses.CreateAssignment(ctx, &course.Assignment{
		CourseID: c.ID, Name: "Lab 1", ExternalID: "ext-1", Points: 10, Enabled: true,
	})
	require.NoError(t, err)

	require.NoError(t, svc.SubmitCourseSync(ctx, asynqmod.CourseSyncPayload{
		CourseID:        c.ID,
		SyncAssignments: true,
	}))
	waitForTasks(t, store, "system", 1)

	assignments, err := courses.ListAssignments(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	require.Equal(t, "Lab 1 v2", assignments[0].Name)
	require.Equal(t, 15.0, assignments[0].Points)
}

func TestHandleCourseSyncRejectsMalformedPayload(t *testing.T) {
	svc, _, _ := newSyncFixture(t, &fakeSource{})

	task := asynq.NewTask(asynqmod.CourseSyncTask, []byte("{not json"))
	require.Error(t, svc.HandleCourseSync(context.Background(), task))
}

func TestSubmitCourseSyncRequiresCourse(t *testing.T) {
	svc, _, _ := newSyncFixture(t, &fakeSource{})

	err := svc.SubmitCourseSync(context.Background(), asynqmod.CourseSyncPayload{SyncRoster: true})
	require.Error(t, err)
}

func TestNextRunTime(t *testing.T) {
	base := time.Date(2024, 3, 5, 10, 30, 0, 0, time.UTC)

	next := nextRunTime(base, 11, 0)
	require.Equal(t, time.Date(2024, 3, 5, 11, 0, 0, 0, time.UTC), next)

	next = nextRunTime(base, 2, 0)
	require.Equal(t, time.Date(2024, 3, 6, 2, 0, 0, 0, time.UTC), next)
}
