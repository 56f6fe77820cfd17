package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/CSCI128/packtrain-sub001/pkg/db/option"
	"github.com/CSCI128/packtrain-sub001/pkg/errutil"
	"github.com/CSCI128/packtrain-sub001/pkg/repository"
	"github.com/CSCI128/packtrain-sub001/services/course"
	"github.com/CSCI128/packtrain-sub001/services/evaluator"
	"github.com/CSCI128/packtrain-sub001/services/grading"
	"github.com/CSCI128/packtrain-sub001/services/tasks"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Poster writes one child migration's final scores back to the external
// gradebook. The production implementation lives with the host wiring;
// this package only drives the boundary.
type Poster interface {
	PostScores(ctx context.Context, m *Migration) error
}

// Service owns the migration lifecycle. Every exported operation
// validates the current phase before touching any state, and operations
// on the same master migration are serialized behind a per-master lock so
// concurrent callers cannot interleave a transition.
type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	masters   repository.Repository[MasterMigration]
	children  repository.Repository[Migration]
	factory   *grading.ChannelFactory
	ingester  *grading.ScoreIngester
	scheduler *tasks.Scheduler
	evaluator evaluator.Client
	courses   *course.Service
	poster    Poster

	locks keyedMutex

	mu       sync.Mutex
	channels map[string]*grading.ChannelSet // child migration ID -> live channel set
	posting  map[string]*postingRun         // master migration ID -> in-progress post run
}

type postingRun struct {
	remaining int
	failed    []string
}

type ServiceParams struct {
	fx.In

	DB        *gorm.DB
	Node      *snowflake.Node
	Factory   *grading.ChannelFactory
	Ingester  *grading.ScoreIngester
	Scheduler *tasks.Scheduler
	Evaluator evaluator.Client
	Courses   *course.Service
	Poster    Poster `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	poster := p.Poster
	if poster == nil {
		poster = &logPoster{}
	}
	return &Service{
		db:        p.DB,
		node:      p.Node,
		masters:   repository.ProvideStore[MasterMigration](p.DB),
		children:  repository.ProvideStore[Migration](p.DB),
		factory:   p.Factory,
		ingester:  p.Ingester,
		scheduler: p.Scheduler,
		evaluator: p.Evaluator,
		courses:   p.Courses,
		poster:    poster,
		channels:  make(map[string]*grading.ChannelSet),
		posting:   make(map[string]*postingRun),
	}
}

// CreateMigration opens a new master migration for a course.
func (s *Service) CreateMigration(ctx context.Context, courseID, createdBy string) (*MasterMigration, error) {
	if _, err := s.courses.GetCourse(ctx, courseID); err != nil {
		return nil, err
	}

	master := &MasterMigration{
		ID:        s.node.Generate().String(),
		CourseID:  courseID,
		CreatedBy: createdBy,
		Phase:     PhaseCreated,
	}
	if err := s.masters.Create(ctx, master); err != nil {
		return nil, err
	}
	return master, nil
}

// GetMigration loads one master migration with its children.
func (s *Service) GetMigration(ctx context.Context, masterID string) (*MasterMigration, error) {
	return s.getMaster(ctx, masterID)
}

// ListMigrations returns a course's master migrations.
func (s *Service) ListMigrations(ctx context.Context, courseID string) ([]*MasterMigration, error) {
	return s.masters.Find(ctx, &MasterMigration{CourseID: courseID},
		option.WithPreload("Migrations"), option.WithOrderBy("id asc"))
}

// AddChildMigration attaches an assignment to the master. The set of
// children is only mutable while the master is still in Created.
func (s *Service) AddChildMigration(ctx context.Context, masterID, assignmentID string) (*Migration, error) {
	unlock := s.locks.Lock(masterID)
	defer unlock()

	master, err := s.getMaster(ctx, masterID)
	if err != nil {
		return nil, err
	}
	if master.Phase != PhaseCreated {
		return nil, errutil.ValidationFailed(
			fmt.Sprintf("cannot add migrations once the run is %s", master.Phase))
	}
	if _, err := s.courses.GetAssignment(ctx, assignmentID); err != nil {
		return nil, err
	}

	existing, err := s.children.FindOne(ctx, &Migration{
		MasterMigrationID: masterID,
		AssignmentID:      assignmentID,
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errutil.Conflict("assignment is already part of this migration")
	}

	child := &Migration{
		ID:                s.node.Generate().String(),
		MasterMigrationID: masterID,
		AssignmentID:      assignmentID,
		RawStatus:         RawEmpty,
	}
	if err := s.children.Create(ctx, child); err != nil {
		return nil, err
	}
	return child, nil
}

// SetPolicy attaches a grading policy to one child migration. Policies
// are frozen once the run starts.
func (s *Service) SetPolicy(ctx context.Context, migrationID, policyURI string) error {
	if policyURI == "" {
		return errutil.BadRequest("policy uri is required")
	}

	child, err := s.getChild(ctx, migrationID)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(child.MasterMigrationID)
	defer unlock()

	master, err := s.getMaster(ctx, child.MasterMigrationID)
	if err != nil {
		return err
	}
	if master.Phase != PhaseCreated {
		return errutil.ValidationFailed(
			fmt.Sprintf("cannot change policy once the run is %s", master.Phase))
	}

	return s.db.WithContext(ctx).Model(&Migration{}).
		Where("id = ?", migrationID).
		Update("policy_uri", policyURI).Error
}

// ValidateStartMigration checks the start preconditions without side
// effects, so callers can surface problems before committing.
func (s *Service) ValidateStartMigration(ctx context.Context, masterID string) error {
	unlock := s.locks.Lock(masterID)
	defer unlock()

	master, err := s.getMaster(ctx, masterID)
	if err != nil {
		return err
	}
	return s.validateStart(master)
}

func (s *Service) validateStart(master *MasterMigration) error {
	if master.Phase != PhaseCreated {
		return errutil.ValidationFailed(
			fmt.Sprintf("cannot start a run in phase %s", master.Phase))
	}
	if len(master.Migrations) == 0 {
		return errutil.ValidationFailed("run has no migrations")
	}
	for _, child := range master.Migrations {
		if child.PolicyURI == "" {
			return errutil.ValidationFailed(
				fmt.Sprintf("migration %s has no grading policy", child.ID))
		}
	}
	return nil
}

// StartMigration moves Created -> Started. It establishes the channel
// pair for every child atomically: if any build fails, every channel
// already opened is torn down and the run stays in Created. On success
// each child's raw grades are published, the expected-score count is
// pinned, and the evaluator is told to begin.
func (s *Service) StartMigration(ctx context.Context, masterID string) (*MasterMigration, error) {
	span := trace.SpanFromContext(ctx).SpanContext()
	zapLog := zap.L().With(
		zap.String("trace_id", span.TraceID().String()),
		zap.String("master_migration_id", masterID),
	)

	unlock := s.locks.Lock(masterID)
	defer unlock()

	master, err := s.getMaster(ctx, masterID)
	if err != nil {
		return nil, err
	}
	if err := s.validateStart(master); err != nil {
		return nil, err
	}

	if !s.evaluator.IsReady(ctx) {
		return nil, errutil.ResourceFailure("evaluator is not ready")
	}

	var bmu sync.Mutex
	built := make(map[string]*grading.ChannelSet, len(master.Migrations))

	wg, wgCtx := errgroup.WithContext(ctx)
	for i := range master.Migrations {
		child := master.Migrations[i]
		wg.Go(func() error {
			assignment, err := s.courses.GetAssignment(wgCtx, child.AssignmentID)
			if err != nil {
				return err
			}

			set, err := s.factory.Builder(child.ID).
				ForAssignment(grading.AssignmentBounds{
					MinScore:         0,
					MaxScore:         assignment.Points,
					ExternalMaxScore: assignment.ExternalMaxScore,
					DueDate:          assignment.DueDate,
				}).
				WithPolicy(child.PolicyURI).
				WithOnScoreReceived(s.ingester.HandlerFor(child.ID)).
				Build(wgCtx)
			if err != nil {
				return err
			}

			bmu.Lock()
			built[child.ID] = set
			bmu.Unlock()
			return nil
		})
	}
	if err := wg.Wait(); err != nil {
		closeAll(built)
		return nil, err
	}

	for i := range master.Migrations {
		child := &master.Migrations[i]
		set := built[child.ID]

		raws, err := s.ingester.RawGrades(ctx, child.ID)
		if err != nil {
			closeAll(built)
			return nil, err
		}
		for _, r := range raws {
			msg := grading.RawGradeMessage{
				StudentCWID:      r.StudentCWID,
				Score:            r.Score,
				SubmissionTime:   r.SubmissionTime,
				HoursLate:        r.HoursLate,
				SubmissionStatus: r.SubmissionStatus,
			}
			if err := set.PublishRaw(ctx, msg); err != nil {
				closeAll(built)
				return nil, errutil.ResourceFailure("failed to publish raw grades", errutil.WithErr(err))
			}
		}

		updates := map[string]interface{}{
			"raw_status":      RawPending,
			"expected_scores": len(raws),
			"raw_message":     fmt.Sprintf("received 0 of %d scores", len(raws)),
		}
		if err := s.db.WithContext(ctx).Model(&Migration{}).
			Where("id = ?", child.ID).Updates(updates).Error; err != nil {
			closeAll(built)
			return nil, err
		}
		child.RawStatus = RawPending
		child.ExpectedScores = len(raws)

		// The run is already live at this point; a failed start call is
		// recoverable by the evaluator polling, so it does not abort.
		if err := s.evaluator.StartGrading(ctx, set.Metadata); err != nil {
			zapLog.Error("failed to signal evaluator start",
				zap.String("migration_id", child.ID),
				zap.Error(err),
			)
		}
	}

	s.mu.Lock()
	for id, set := range built {
		s.channels[id] = set
	}
	s.mu.Unlock()

	now := time.Now()
	if err := s.advancePhase(ctx, master, PhaseCreated, PhaseStarted,
		map[string]interface{}{"started_at": now}); err != nil {
		return nil, err
	}
	master.StartedAt = &now

	zapLog.Info("migration run started",
		zap.String("course_id", master.CourseID),
		zap.Int("migrations", len(master.Migrations)),
	)
	return master, nil
}

// UpdateIngestionProgress recomputes each child's raw status from the
// stored score counts. A child whose count reaches its pinned expected
// count becomes Complete and its channel set is closed. Once every child
// has finished, the run advances Started -> AwaitingReview.
func (s *Service) UpdateIngestionProgress(ctx context.Context, masterID string) (*MasterMigration, error) {
	unlock := s.locks.Lock(masterID)
	defer unlock()

	master, err := s.getMaster(ctx, masterID)
	if err != nil {
		return nil, err
	}
	if master.Phase != PhaseStarted {
		return master, nil
	}

	allFinished := true
	for i := range master.Migrations {
		child := &master.Migrations[i]
		if child.RawStatus.Finished() {
			continue
		}

		count, err := s.ingester.CountScored(ctx, child.ID)
		if err != nil {
			return nil, err
		}

		status := RawPending
		switch {
		case int(count) >= child.ExpectedScores:
			status = RawComplete
		case count > 0:
			status = RawPartial
		}

		msg := fmt.Sprintf("received %d of %d scores", count, child.ExpectedScores)
		if status != child.RawStatus || msg != child.RawMessage {
			updates := map[string]interface{}{"raw_status": status, "raw_message": msg}
			if err := s.db.WithContext(ctx).Model(&Migration{}).
				Where("id = ?", child.ID).Updates(updates).Error; err != nil {
				return nil, err
			}
			child.RawStatus = status
			child.RawMessage = msg
		}

		if status == RawComplete {
			s.closeChannel(child.ID)
		} else {
			allFinished = false
		}
	}

	if allFinished {
		if err := s.advancePhase(ctx, master, PhaseStarted, PhaseAwaitingReview, nil); err != nil {
			return nil, err
		}
	}
	return master, nil
}

// FailIngestion marks one child's evaluator round as failed, typically
// after a caller-side timeout, and closes its channel set. The run can
// still reach review once the remaining children finish.
func (s *Service) FailIngestion(ctx context.Context, migrationID, reason string) error {
	child, err := s.getChild(ctx, migrationID)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(child.MasterMigrationID)
	defer unlock()

	master, err := s.getMaster(ctx, child.MasterMigrationID)
	if err != nil {
		return err
	}
	if master.Phase != PhaseStarted {
		return errutil.ValidationFailed(
			fmt.Sprintf("cannot fail ingestion while the run is %s", master.Phase))
	}

	updates := map[string]interface{}{"raw_status": RawFailed, "raw_message": reason}
	if err := s.db.WithContext(ctx).Model(&Migration{}).
		Where("id = ?", migrationID).Updates(updates).Error; err != nil {
		return err
	}
	s.closeChannel(migrationID)
	return nil
}

// ReviewMigration is the explicit human gate: AwaitingReview -> ReadyToPost.
func (s *Service) ReviewMigration(ctx context.Context, masterID string) error {
	unlock := s.locks.Lock(masterID)
	defer unlock()

	master, err := s.getMaster(ctx, masterID)
	if err != nil {
		return err
	}
	return s.advancePhase(ctx, master, PhaseAwaitingReview, PhaseReadyToPost, nil)
}

// ValidateLoadMigration checks the posting preconditions without side
// effects.
func (s *Service) ValidateLoadMigration(ctx context.Context, masterID string) error {
	unlock := s.locks.Lock(masterID)
	defer unlock()

	master, err := s.getMaster(ctx, masterID)
	if err != nil {
		return err
	}
	if master.Phase != PhaseReadyToPost {
		return errutil.ValidationFailed(
			fmt.Sprintf("cannot post a run in phase %s", master.Phase))
	}
	return nil
}

// LoadMigration moves ReadyToPost -> Posting and submits one independent
// post task per child. When every task succeeds the run advances to
// Loaded on its own; if any fails the run stays in Posting and
// RetryPostMigration resubmits.
func (s *Service) LoadMigration(ctx context.Context, masterID string) (*MasterMigration, error) {
	unlock := s.locks.Lock(masterID)
	defer unlock()

	master, err := s.getMaster(ctx, masterID)
	if err != nil {
		return nil, err
	}
	if master.Phase != PhaseReadyToPost {
		return nil, errutil.ValidationFailed(
			fmt.Sprintf("cannot post a run in phase %s", master.Phase))
	}

	if err := s.advancePhase(ctx, master, PhaseReadyToPost, PhasePosting, nil); err != nil {
		return nil, err
	}
	if err := s.enqueuePostTasks(ctx, master); err != nil {
		return nil, err
	}
	return master, nil
}

// RetryPostMigration resubmits the post tasks for a run stuck in
// Posting. Posting is an overwrite at the gradebook, so resubmitting
// children that already posted is harmless.
func (s *Service) RetryPostMigration(ctx context.Context, masterID string) error {
	unlock := s.locks.Lock(masterID)
	defer unlock()

	master, err := s.getMaster(ctx, masterID)
	if err != nil {
		return err
	}
	if master.Phase != PhasePosting {
		return errutil.ValidationFailed(
			fmt.Sprintf("cannot retry posting for a run in phase %s", master.Phase))
	}

	s.mu.Lock()
	_, active := s.posting[masterID]
	s.mu.Unlock()
	if active {
		return errutil.Conflict("a posting run is already in progress")
	}

	return s.enqueuePostTasks(ctx, master)
}

func (s *Service) enqueuePostTasks(ctx context.Context, master *MasterMigration) error {
	s.mu.Lock()
	s.posting[master.ID] = &postingRun{remaining: len(master.Migrations)}
	s.mu.Unlock()

	for i := range master.Migrations {
		child := master.Migrations[i]
		payload, _ := json.Marshal(map[string]string{
			"master_migration_id": master.ID,
			"migration_id":        child.ID,
			"assignment_id":       child.AssignmentID,
		})
		task := &tasks.Task{
			OwnerID: master.CreatedBy,
			Kind:    tasks.KindPostScores,
			Payload: payload,
		}
		work := func(ctx context.Context, _ *tasks.Task) error {
			return s.poster.PostScores(ctx, &child)
		}
		if _, err := s.scheduler.Submit(ctx, task, nil, work,
			tasks.OnComplete(s.postCompleted(master.ID, child.ID))); err != nil {
			// Children never handed to the scheduler will not fire
			// postCompleted. Settle their share of the run here so it can
			// still drain and the retry path stays open.
			s.mu.Lock()
			run := s.posting[master.ID]
			for _, skipped := range master.Migrations[i:] {
				run.remaining--
				run.failed = append(run.failed, skipped.ID)
			}
			if run.remaining == 0 {
				delete(s.posting, master.ID)
			}
			s.mu.Unlock()
			return err
		}
	}
	return nil
}

// postCompleted fires on the scheduler's worker once per post task. The
// last completion either advances the run to Loaded or leaves it in
// Posting with the failures logged for retry.
func (s *Service) postCompleted(masterID, childID string) tasks.CompleteCallback {
	return func(_ *tasks.Task, status tasks.Status) {
		s.mu.Lock()
		run := s.posting[masterID]
		if run == nil {
			s.mu.Unlock()
			return
		}
		run.remaining--
		if status != tasks.StatusSucceeded {
			run.failed = append(run.failed, childID)
		}
		finished := run.remaining == 0
		failed := run.failed
		if finished {
			delete(s.posting, masterID)
		}
		s.mu.Unlock()

		if !finished {
			return
		}
		if len(failed) > 0 {
			zap.L().Warn("posting run finished with failures",
				zap.String("master_migration_id", masterID),
				zap.Strings("failed_migrations", failed),
			)
			return
		}

		ctx := context.Background()
		unlock := s.locks.Lock(masterID)
		defer unlock()

		master, err := s.getMaster(ctx, masterID)
		if err != nil {
			zap.L().Error("failed to load run after posting",
				zap.String("master_migration_id", masterID), zap.Error(err))
			return
		}
		if err := s.advancePhase(ctx, master, PhasePosting, PhaseLoaded, nil); err != nil {
			zap.L().Error("failed to advance run after posting",
				zap.String("master_migration_id", masterID), zap.Error(err))
		}
	}
}

// FinalizePost closes out the run: Loaded -> Completed. Any channel set
// still open for a child is torn down.
func (s *Service) FinalizePost(ctx context.Context, masterID string) error {
	unlock := s.locks.Lock(masterID)
	defer unlock()

	master, err := s.getMaster(ctx, masterID)
	if err != nil {
		return err
	}
	if err := s.advancePhase(ctx, master, PhaseLoaded, PhaseCompleted, nil); err != nil {
		return err
	}

	for _, child := range master.Migrations {
		s.closeChannel(child.ID)
	}
	return nil
}

// advancePhase commits a single forward step. The phase predicate is
// repeated in the WHERE clause so a stale in-memory copy can never skip
// or repeat a step.
func (s *Service) advancePhase(ctx context.Context, master *MasterMigration, from, to Phase, extra map[string]interface{}) error {
	if master.Phase != from {
		return errutil.ValidationFailed(
			fmt.Sprintf("cannot move from %s to %s", master.Phase, to))
	}

	updates := map[string]interface{}{"phase": to}
	for k, v := range extra {
		updates[k] = v
	}

	res := s.db.WithContext(ctx).Model(&MasterMigration{}).
		Where("id = ? AND phase = ?", master.ID, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.Conflict("run phase changed underneath this operation")
	}

	master.Phase = to
	zap.L().Info("migration run advanced",
		zap.String("master_migration_id", master.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return nil
}

func (s *Service) getMaster(ctx context.Context, masterID string) (*MasterMigration, error) {
	master, err := s.masters.FindOne(ctx, &MasterMigration{ID: masterID},
		option.WithPreload("Migrations"))
	if err != nil {
		return nil, err
	}
	if master == nil {
		return nil, errutil.NotFound("migration run not found")
	}
	return master, nil
}

func (s *Service) getChild(ctx context.Context, migrationID string) (*Migration, error) {
	child, err := s.children.FindOne(ctx, &Migration{ID: migrationID})
	if err != nil {
		return nil, err
	}
	if child == nil {
		return nil, errutil.NotFound("migration not found")
	}
	return child, nil
}

func (s *Service) closeChannel(childID string) {
	s.mu.Lock()
	set := s.channels[childID]
	delete(s.channels, childID)
	s.mu.Unlock()

	if set != nil {
		set.Close()
	}
}

func closeAll(sets map[string]*grading.ChannelSet) {
	for _, set := range sets {
		set.Close()
	}
}

// keyedMutex hands out one mutex per key so operations on different
// masters never contend.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// logPoster is the default Poster when the host wires no gradebook
// client. It records the post without writing anywhere external.
type logPoster struct{}

func (*logPoster) PostScores(_ context.Context, m *Migration) error {
	zap.L().Info("posted migration scores",
		zap.String("migration_id", m.ID),
		zap.String("assignment_id", m.AssignmentID),
	)
	return nil
}
