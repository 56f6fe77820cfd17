package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/CSCI128/packtrain-sub001/pkg/errutil"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
)

// WorkFunc executes a task's unit of work. A nil return means success.
// Work functions may block on I/O; they run on the scheduler's worker pool
// and must serialize their own side effects.
type WorkFunc func(ctx context.Context, task *Task) error

type StartCallback func(task *Task)

// CompleteCallback fires exactly once per task, after the terminal status
// has been durably recorded, regardless of outcome.
type CompleteCallback func(task *Task, status Status)

type SubmitOption func(*submission)

func OnStart(fn StartCallback) SubmitOption {
	return func(s *submission) { s.onStart = fn }
}

func OnComplete(fn CompleteCallback) SubmitOption {
	return func(s *submission) { s.onComplete = fn }
}

type submission struct {
	task       *Task
	work       WorkFunc
	onStart    StartCallback
	onComplete CompleteCallback
	waiting    int
}

// Scheduler runs tasks on a worker pool once every prerequisite has
// succeeded. A prerequisite that fails or is cancelled cancels all
// transitive dependents without invoking their work. All dependency
// bookkeeping lives behind one mutex; store writes and callbacks happen
// outside it.
type Scheduler struct {
	store Store
	node  *snowflake.Node

	mu         sync.Mutex
	pending    map[string]*submission // waiting on dependencies
	inflight   map[string]*submission // handed to the pool
	done       map[string]Status      // terminal results observed this process
	dependents map[string][]string    // prerequisite ID -> dependent task IDs
	poisoned   map[string]bool        // cancel requested; suppress dispatch/downstream

	jobs   chan *submission
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(store Store, node *snowflake.Node, workers int) *Scheduler {
	if workers <= 0 {
		workers = 8
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:      store,
		node:       node,
		pending:    make(map[string]*submission),
		inflight:   make(map[string]*submission),
		done:       make(map[string]Status),
		dependents: make(map[string][]string),
		poisoned:   make(map[string]bool),
		jobs:       make(chan *submission),
		ctx:        ctx,
		cancel:     cancel,
	}

	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	return s
}

// Stop shuts the pool down. Running work is allowed to finish; queued work
// that has not started is abandoned.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Submit persists the task as Created and returns its ID without waiting
// for execution. dependsOn lists prerequisite task IDs, which must already
// exist; the caller is responsible for not constructing cycles.
func (s *Scheduler) Submit(ctx context.Context, task *Task, dependsOn []string, work WorkFunc, opts ...SubmitOption) (string, error) {
	if task == nil {
		return "", errutil.BadRequest("task is required")
	}
	if work == nil {
		return "", errutil.BadRequest("work function is required")
	}

	if task.ID == "" {
		task.ID = s.node.Generate().String()
	}
	task.Status = StatusCreated
	if len(dependsOn) > 0 {
		deps, _ := json.Marshal(dependsOn)
		task.DependsOn = deps
	}

	if _, err := s.store.Save(ctx, task); err != nil {
		return "", err
	}

	sub := &submission{task: task, work: work}
	for _, opt := range opts {
		opt(sub)
	}

	s.mu.Lock()

	poisonedBy := ""
	var waitingOn []string
	for _, dep := range dependsOn {
		if st, ok := s.done[dep]; ok {
			if st != StatusSucceeded {
				poisonedBy = dep
				break
			}
			continue
		}
		if _, ok := s.pending[dep]; ok {
			sub.waiting++
			waitingOn = append(waitingOn, dep)
			continue
		}
		if _, ok := s.inflight[dep]; ok {
			sub.waiting++
			waitingOn = append(waitingOn, dep)
			continue
		}

		st, err := s.store.GetStatus(ctx, dep)
		if err != nil {
			s.done[task.ID] = StatusCancelled
			s.mu.Unlock()
			s.finishCancelled(sub, fmt.Sprintf("unknown dependency %s", dep))
			return task.ID, errutil.BadRequest(fmt.Sprintf("unknown dependency %s", dep))
		}
		switch {
		case st == StatusSucceeded:
		case st.Terminal():
			poisonedBy = dep
		default:
			// Known to the store but not to this process; register and
			// wait for whoever owns it to resolve it.
			sub.waiting++
			waitingOn = append(waitingOn, dep)
		}
		if poisonedBy != "" {
			break
		}
	}

	if poisonedBy != "" {
		s.done[task.ID] = StatusCancelled
		s.mu.Unlock()
		s.finishCancelled(sub, fmt.Sprintf("dependency %s did not succeed", poisonedBy))
		return task.ID, nil
	}

	if sub.waiting == 0 {
		s.inflight[task.ID] = sub
		s.mu.Unlock()
		s.dispatch(sub)
		return task.ID, nil
	}

	s.pending[task.ID] = sub
	// Only deps the task is actually waiting on get a registration; a dep
	// already resolved through the store has nothing left to release.
	for _, dep := range waitingOn {
		s.dependents[dep] = append(s.dependents[dep], task.ID)
	}
	s.mu.Unlock()

	return task.ID, nil
}

// Cancel cancels the task and all of its not-yet-started transitive
// dependents. Work that is already running is not preempted; only its
// downstream effects are suppressed.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()

	if sub, ok := s.pending[id]; ok {
		toCancel := []*submission{sub}
		delete(s.pending, id)
		s.done[id] = StatusCancelled
		toCancel = append(toCancel, s.collectCancelLocked(s.dependents[id])...)
		delete(s.dependents, id)
		s.mu.Unlock()

		for _, c := range toCancel {
			s.finishCancelled(c, "cancelled")
		}
		return nil
	}

	if _, ok := s.inflight[id]; ok {
		s.poisoned[id] = true
		toCancel := s.collectCancelLocked(s.dependents[id])
		delete(s.dependents, id)
		s.mu.Unlock()

		for _, c := range toCancel {
			s.finishCancelled(c, fmt.Sprintf("dependency %s was cancelled", id))
		}
		return nil
	}

	s.mu.Unlock()
	return errutil.NotFound("task is not pending or running")
}

func (s *Scheduler) dispatch(sub *submission) {
	go func() {
		select {
		case s.jobs <- sub:
		case <-s.ctx.Done():
		}
	}()
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case sub := <-s.jobs:
			s.execute(sub)
		}
	}
}

func (s *Scheduler) execute(sub *submission) {
	id := sub.task.ID
	ctx := s.ctx

	s.mu.Lock()
	if s.poisoned[id] {
		delete(s.inflight, id)
		delete(s.poisoned, id)
		s.done[id] = StatusCancelled
		toCancel := s.collectCancelLocked(s.dependents[id])
		delete(s.dependents, id)
		s.mu.Unlock()

		s.finishCancelled(sub, "cancelled before start")
		for _, c := range toCancel {
			s.finishCancelled(c, fmt.Sprintf("dependency %s was cancelled", id))
		}
		return
	}
	s.mu.Unlock()

	s.setStatus(ctx, sub.task, StatusQueued, "")
	if sub.onStart != nil {
		sub.onStart(sub.task)
	}
	s.setStatus(ctx, sub.task, StatusRunning, "")

	err := s.runWork(ctx, sub)

	status := StatusSucceeded
	text := ""
	if err != nil {
		status = StatusFailed
		text = err.Error()
		zap.L().Error("task work failed",
			zap.String("task_id", id),
			zap.String("kind", string(sub.task.Kind)),
			zap.Error(err),
		)
	}

	s.finish(ctx, sub.task, status, text)
	s.resolve(sub, status)

	if sub.onComplete != nil {
		sub.onComplete(sub.task, status)
	}
}

func (s *Scheduler) runWork(ctx context.Context, sub *submission) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return sub.work(ctx, sub.task)
}

// resolve records the terminal status and either releases or cancels
// dependents.
func (s *Scheduler) resolve(sub *submission, status Status) {
	id := sub.task.ID

	s.mu.Lock()
	delete(s.inflight, id)
	suppressed := s.poisoned[id]
	delete(s.poisoned, id)
	s.done[id] = status

	deps := s.dependents[id]
	delete(s.dependents, id)

	var toDispatch []*submission
	var toCancel []*submission

	if status == StatusSucceeded && !suppressed {
		for _, depID := range deps {
			next, ok := s.pending[depID]
			if !ok {
				continue
			}
			next.waiting--
			if next.waiting == 0 {
				delete(s.pending, depID)
				s.inflight[depID] = next
				toDispatch = append(toDispatch, next)
			}
		}
	} else {
		toCancel = s.collectCancelLocked(deps)
	}
	s.mu.Unlock()

	for _, next := range toDispatch {
		s.dispatch(next)
	}
	for _, c := range toCancel {
		s.finishCancelled(c, fmt.Sprintf("dependency %s did not succeed", id))
	}
}

// collectCancelLocked removes the given pending tasks and all their
// transitive pending dependents, marking each as done(Cancelled) so later
// submissions observe the poisoned result. Caller holds s.mu.
func (s *Scheduler) collectCancelLocked(ids []string) []*submission {
	var out []*submission
	queue := append([]string(nil), ids...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		sub, ok := s.pending[id]
		if !ok {
			continue
		}
		delete(s.pending, id)
		s.done[id] = StatusCancelled
		out = append(out, sub)

		queue = append(queue, s.dependents[id]...)
		delete(s.dependents, id)
	}
	return out
}

func (s *Scheduler) finishCancelled(sub *submission, reason string) {
	s.finish(context.Background(), sub.task, StatusCancelled, reason)
	if sub.onComplete != nil {
		sub.onComplete(sub.task, StatusCancelled)
	}
}

func (s *Scheduler) setStatus(ctx context.Context, task *Task, status Status, text string) {
	task.Status = status
	if text != "" {
		task.StatusText = text
	}
	if err := s.store.SetStatus(ctx, task.ID, status, text); err != nil {
		zap.L().Error("failed to persist task status",
			zap.String("task_id", task.ID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

// finish records the terminal status and the completion timestamp. The
// completed timestamp is set exactly when a status becomes terminal.
func (s *Scheduler) finish(ctx context.Context, task *Task, status Status, text string) {
	now := time.Now()
	s.setStatus(ctx, task, status, text)
	if err := s.store.SetCompletedTime(ctx, task.ID, now); err != nil {
		zap.L().Error("failed to persist task completion time",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
	}
	task.CompletedAt = &now
}
