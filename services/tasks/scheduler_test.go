package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/CSCI128/packtrain-sub001/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestScheduler(t *testing.T, workers int) (*Scheduler, Store) {
	t.Helper()

	db := testutil.NewTestDB(t, &Task{})
	store := NewStore(StoreParams{DB: db})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	s := NewScheduler(store, node, workers)
	t.Cleanup(s.Stop)

	return s, store
}

// completionRecorder collects OnComplete callbacks so tests can wait for
// terminal states without polling the store.
type completionRecorder struct {
	mu       sync.Mutex
	statuses map[string]Status
	counts   map[string]int
	ch       chan string
}

func newCompletionRecorder() *completionRecorder {
	return &completionRecorder{
		statuses: make(map[string]Status),
		counts:   make(map[string]int),
		ch:       make(chan string, 64),
	}
}

func (r *completionRecorder) callback(task *Task, status Status) {
	r.mu.Lock()
	r.statuses[task.ID] = status
	r.counts[task.ID]++
	r.mu.Unlock()
	r.ch <- task.ID
}

func (r *completionRecorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.ch:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %d completions", n)
		}
	}
}

func (r *completionRecorder) status(id string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[id]
}

func (r *completionRecorder) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[id]
}

func TestSubmitRunsIndependentTask(t *testing.T) {
	s, store := newTestScheduler(t, 2)
	rec := newCompletionRecorder()

	ran := false
	id, err := s.Submit(context.Background(), &Task{OwnerID: "u1", Kind: KindSyncRoster}, nil,
		func(ctx context.Context, task *Task) error {
			ran = true
			return nil
		},
		OnComplete(rec.callback),
	)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec.wait(t, 1)
	require.True(t, ran)
	require.Equal(t, StatusSucceeded, rec.status(id))

	stored, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, stored.Status)
	require.NotNil(t, stored.CompletedAt)
}

func TestDependentRunsAfterDependencySucceeds(t *testing.T) {
	s, _ := newTestScheduler(t, 4)
	rec := newCompletionRecorder()

	var mu sync.Mutex
	var order []string

	release := make(chan struct{})
	depID, err := s.Submit(context.Background(), &Task{OwnerID: "u1", Kind: KindSyncRoster}, nil,
		func(ctx context.Context, task *Task) error {
			<-release
			mu.Lock()
			order = append(order, "dep")
			mu.Unlock()
			return nil
		},
		OnComplete(rec.callback),
	)
	require.NoError(t, err)

	childID, err := s.Submit(context.Background(), &Task{OwnerID: "u1", Kind: KindSyncAssignments}, []string{depID},
		func(ctx context.Context, task *Task) error {
			mu.Lock()
			order = append(order, "child")
			mu.Unlock()
			return nil
		},
		OnComplete(rec.callback),
	)
	require.NoError(t, err)

	close(release)
	rec.wait(t, 2)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"dep", "child"}, order)
	require.Equal(t, StatusSucceeded, rec.status(childID))
}

func TestFailurePropagatesAsCancellation(t *testing.T) {
	s, store := newTestScheduler(t, 4)
	rec := newCompletionRecorder()

	depID, err := s.Submit(context.Background(), &Task{OwnerID: "u1", Kind: KindSyncRoster}, nil,
		func(ctx context.Context, task *Task) error {
			return errors.New("lms unreachable")
		},
		OnComplete(rec.callback),
	)
	require.NoError(t, err)

	childRan := false
	childID, err := s.Submit(context.Background(), &Task{OwnerID: "u1", Kind: KindSyncAssignments}, []string{depID},
		func(ctx context.Context, task *Task) error {
			childRan = true
			return nil
		},
		OnComplete(rec.callback),
	)
	require.NoError(t, err)

	grandRan := false
	grandID, err := s.Submit(context.Background(), &Task{OwnerID: "u1", Kind: KindSyncScores}, []string{childID},
		func(ctx context.Context, task *Task) error {
			grandRan = true
			return nil
		},
		OnComplete(rec.callback),
	)
	require.NoError(t, err)

	rec.wait(t, 3)

	require.Equal(t, StatusFailed, rec.status(depID))
	require.Equal(t, StatusCancelled, rec.status(childID))
	require.Equal(t, StatusCancelled, rec.status(grandID))
	require.False(t, childRan)
	require.False(t, grandRan)

	stored, err := store.Get(context.Background(), depID)
	require.NoError(t, err)
	require.Equal(t, "lms unreachable", stored.StatusText)
	require.NotNil(t, stored.CompletedAt)

	cancelled, err := store.Get(context.Background(), grandID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CompletedAt)
}

func TestSubmitAgainstAlreadyFailedDependencyNeverRuns(t *testing.T) {
	s, _ := newTestScheduler(t, 2)
	rec := newCompletionRecorder()

	depID, err := s.Submit(context.Background(), &Task{OwnerID: "u1", Kind: KindSyncRoster}, nil,
		func(ctx context.Context, task *Task) error {
			return errors.New("boom")
		},
		OnComplete(rec.callback),
	)
	require.NoError(t, err)
	rec.wait(t, 1)

	ran := false
	childID, err := s.Submit(context.Background(), &Task{OwnerID: "u1", Kind: KindSyncAssignments}, []string{depID},
		func(ctx context.Context, task *Task) error {
			ran = true
			return nil
		},
		OnComplete(rec.callback),
	)
	require.NoError(t, err)
	rec.wait(t, 1)

	require.False(t, ran)
	require.Equal(t, StatusCancelled, rec.status(childID))
}

func TestIndependentTasksRunConcurrently(t *testing.T) {
	s, _ := newTestScheduler(t, 2)
	rec := newCompletionRecorder()

	barrier := make(chan struct{})
	meet := func(ctx context.Context, task *Task) error {
		// Both tasks must be in flight at once for either to finish.
		select {
		case barrier <- struct{}{}:
		case <-barrier:
		}
		return nil
	}

	_, err := s.Submit(context.Background(), &Task{OwnerID: "u1", Kind: KindSyncRoster}, nil, meet, OnComplete(rec.callback))
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), &Task{OwnerID: "u1", Kind: KindSyncAssignments}, nil, meet, OnComplete(rec.callback))
	require.NoError(t, err)

	rec.wait(t, 2)
}

func TestOnStartAndOnCompleteFireOnce(t *testing.T) {
	s, _ := newTestScheduler(t, 2)
	rec := newCompletionRecorder()

	var started int
	var mu sync.Mutex

	id, err := s.Submit(context.Background(), &Task{OwnerID: "u1", Kind: KindSyncRoster}, nil,
		func(ctx context.Context, task *Task) error { return nil },
		OnStart(func(task *Task) {
			mu.Lock()
			started++
			mu.Unlock()
		}),
		OnComplete(rec.callback),
	)
	require.NoError(t, err)

	rec.wait(t, 1)

	mu.Lock()
	require.Equal(t, 1, started)
	mu.Unlock()
	require.Equal(t, 1, rec.count(id))
}

func TestWorkPanicRecordedAsFailure(t *testing.T) {
	s, store := newTestScheduler(t, 2)
	rec := newCompletionRecorder()

	id, err := s.Submit(context.Background(), &Task{OwnerID: "u1", Kind: KindPostScores}, nil,
		func(ctx context.Context, task *Task) error {
			panic("bad gradebook row")
		},
		OnComplete(rec.callback),
	)
	require.NoError(t, err)

	rec.wait(t, 1)
	require.Equal(t, StatusFailed, rec.status(id))

	stored, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Contains(t, stored.StatusText, "bad gradebook row")
}

func TestCancelPendingTaskPropagates(t *testing.T) {
	s, _ := newTestScheduler(t, 2)
	rec := newCompletionRecorder()

	release := make(chan struct{})
	depID, err := s.Submit(context.Background(), &Task{OwnerID: "u1", Kind: KindSyncRoster}, nil,
		func(ctx context.Context, task *Task) error {
			<-release
			return nil
		},
		OnComplete(rec.callback),
	)
	require.NoError(t, err)

	childRan := false
	childID, err := s.Submit(context.Background(), &Task{OwnerID: "u1", Kind: KindSyncAssignments}, []string{depID},
		func(ctx context.Context, task *Task) error {
			childRan = true
			return nil
		},
		OnComplete(rec.callback),
	)
	require.NoError(t, err)

	grandID, err := s.Submit(context.Background(), &Task{OwnerID: "u1", Kind: KindSyncScores}, []string{childID},
		func(ctx context.Context, task *Task) error { return nil },
		OnComplete(rec.callback),
	)
	require.NoError(t, err)

	require.NoError(t, s.Cancel(context.Background(), childID))
	rec.wait(t, 2)

	require.Equal(t, StatusCancelled, rec.status(childID))
	require.Equal(t, StatusCancelled, rec.status(grandID))
	require.False(t, childRan)

	close(release)
	rec.wait(t, 1)
	require.Equal(t, StatusSucceeded, rec.status(depID))
}

func TestCancelQueuedInflightTaskNeverRuns(t *testing.T) {
	s, store := newTestScheduler(t, 1)
	rec := newCompletionRecorder()

	release := make(chan struct{})
	blockID, err := s.Submit(context.Background(), &Task{OwnerID: "u1", Kind: KindSyncRoster}, nil,
		func(ctx context.Context, task *Task) error {
			<-release
			return nil
		},
		OnComplete(rec.callback),
	)
	require.NoError(t, err)

	// With the only worker occupied, the second task is inflight but
	// cannot have started.
	ran := false
	queuedID, err := s.Submit(context.Background(), &Task{OwnerID: "u1", Kind: KindSyncAssignments}, nil,
		func(ctx context.Context, task *Task) error {
			ran = true
			return nil
		},
		OnComplete(rec.callback),
	)
	require.NoError(t, err)

	require.NoError(t, s.Cancel(context.Background(), queuedID))

	close(release)
	rec.wait(t, 2)

	require.False(t, ran)
	require.Equal(t, StatusSucceeded, rec.status(blockID))
	require.Equal(t, StatusCancelled, rec.status(queuedID))

	stored, err := store.Get(context.Background(), queuedID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, stored.Status)
	require.Equal(t, "cancelled before start", stored.StatusText)
	require.NotNil(t, stored.CompletedAt)
}

func TestStoreResolvedDependencyLeavesNoRegistration(t *testing.T) {
	s, store := newTestScheduler(t, 2)
	rec := newCompletionRecorder()

	// A task finished by another process exists only in the store.
	external := &Task{ID: "ext-1", OwnerID: "u1", Kind: KindSyncRoster}
	_, err := store.Save(context.Background(), external)
	require.NoError(t, err)
	require.NoError(t, store.SetStatus(context.Background(), external.ID, StatusSucceeded, ""))

	release := make(chan struct{})
	blockID, err := s.Submit(context.Background(), &Task{OwnerID: "u1", Kind: KindSyncAssignments}, nil,
		func(ctx context.Context, task *Task) error {
			<-release
			return nil
		},
		OnComplete(rec.callback),
	)
	require.NoError(t, err)

	childID, err := s.Submit(context.Background(), &Task{OwnerID: "u1", Kind: KindSyncScores},
		[]string{external.ID, blockID},
		func(ctx context.Context, task *Task) error { return nil },
		OnComplete(rec.callback),
	)
	require.NoError(t, err)

	s.mu.Lock()
	_, registered := s.dependents[external.ID]
	s.mu.Unlock()
	require.False(t, registered)

	close(release)
	rec.wait(t, 2)
	require.Equal(t, StatusSucceeded, rec.status(childID))
}

func TestUnknownDependencyRejected(t *testing.T) {
	s, store := newTestScheduler(t, 2)

	id, err := s.Submit(context.Background(), &Task{OwnerID: "u1", Kind: KindSyncAssignments}, []string{"does-not-exist"},
		func(ctx context.Context, task *Task) error { return nil },
	)
	require.Error(t, err)

	stored, getErr := store.Get(context.Background(), id)
	require.NoError(t, getErr)
	require.Equal(t, StatusCancelled, stored.Status)
}

func TestGetTasksForUserOrdered(t *testing.T) {
	s, store := newTestScheduler(t, 2)
	rec := newCompletionRecorder()

	for i := 0; i < 3; i++ {
		_, err := s.Submit(context.Background(), &Task{OwnerID: "owner", Kind: KindSyncRoster}, nil,
			func(ctx context.Context, task *Task) error { return nil },
			OnComplete(rec.callback),
		)
		require.NoError(t, err)
	}
	rec.wait(t, 3)

	listed, err := store.GetTasksForUser(context.Background(), "owner")
	require.NoError(t, err)
	require.Len(t, listed, 3)
	for i := 1; i < len(listed); i++ {
		require.Less(t, listed[i-1].ID, listed[i].ID)
	}
}
