package sync

import (
	"context"
	"encoding/json"

	asynqmod "github.com/CSCI128/packtrain-sub001/pkg/asynq"
	"github.com/CSCI128/packtrain-sub001/pkg/errutil"
	"github.com/CSCI128/packtrain-sub001/services/course"
	"github.com/CSCI128/packtrain-sub001/services/tasks"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Source is the read side of the external source of record. The concrete
// LMS client lives with the host wiring.
type Source interface {
	Roster(ctx context.Context, externalCourseID string) ([]*course.CourseMember, error)
	Assignments(ctx context.Context, externalCourseID string) ([]*course.Assignment, error)
}

// Service fans one course-sync request out as ordered background tasks:
// the roster lands first, then the assignments that reference it.
type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	asynq     *asynq.Client
	scheduler *tasks.Scheduler
	registry  *tasks.Registry
	courses   *course.Service
	source    Source
}

type Params struct {
	fx.In

	DB        *gorm.DB
	Node      *snowflake.Node
	Asynq     *asynq.Client `optional:"true"`
	Scheduler *tasks.Scheduler
	Registry  *tasks.Registry
	Courses   *course.Service
	Source    Source `optional:"true"`
}

func NewService(p Params) (*Service, error) {
	s := &Service{
		db:        p.DB,
		node:      p.Node,
		asynq:     p.Asynq,
		scheduler: p.Scheduler,
		registry:  p.Registry,
		courses:   p.Courses,
		source:    p.Source,
	}

	if err := s.registry.Register(tasks.KindSyncRoster, s.syncRoster); err != nil {
		return nil, err
	}
	if err := s.registry.Register(tasks.KindSyncAssignments, s.syncAssignments); err != nil {
		return nil, err
	}
	return s, nil
}

// EnqueueCourseSync queues one course refresh on the sync queue.
func (s *Service) EnqueueCourseSync(ctx context.Context, p asynqmod.CourseSyncPayload) error {
	if s.asynq == nil {
		return errutil.Internal("task queue is not configured")
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}

	task := asynq.NewTask(asynqmod.CourseSyncTask, payload)
	if _, err := s.asynq.EnqueueContext(ctx, task, asynq.Queue(asynqmod.QueueSync)); err != nil {
		return err
	}

	zap.L().Info("enqueued course sync",
		zap.String("course_id", p.CourseID),
		zap.String("requested_by", p.RequestedBy),
	)
	return nil
}

// EnqueueAllCourseSyncs queues a full refresh for every enabled course.
func (s *Service) EnqueueAllCourseSyncs(ctx context.Context) error {
	courses, err := s.courses.ListCourses(ctx)
	if err != nil {
		return err
	}

	for _, c := range courses {
		if err := s.EnqueueCourseSync(ctx, asynqmod.CourseSyncPayload{
			CourseID:        c.ID,
			RequestedBy:     "system",
			SyncRoster:      true,
			SyncAssignments: true,
		}); err != nil {
			return err
		}
	}

	zap.L().Info("enqueued nightly course syncs", zap.Int("courses", len(courses)))
	return nil
}

// HandleCourseSync is the asynq worker entrypoint. It decodes the payload
// and hands the refresh to the task graph.
func (s *Service) HandleCourseSync(ctx context.Context, t *asynq.Task) error {
	var p asynqmod.CourseSyncPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		zap.L().Error("invalid course sync payload", zap.Error(err))
		return err
	}
	return s.SubmitCourseSync(ctx, p)
}

// SubmitCourseSync submits the refresh as graph tasks. The assignment
// sync depends on the roster sync so grades never reference students the
// roster has not seen.
func (s *Service) SubmitCourseSync(ctx context.Context, p asynqmod.CourseSyncPayload) error {
	if p.CourseID == "" {
		return errutil.BadRequest("course_id is required")
	}
	owner := p.RequestedBy
	if owner == "" {
		owner = "system"
	}

	payload, err := json.Marshal(map[string]string{"course_id": p.CourseID})
	if err != nil {
		return err
	}

	var deps []string
	if p.SyncRoster {
		handler, ok := s.registry.Handler(tasks.KindSyncRoster)
		if !ok {
			return errutil.Internal("no handler registered for roster sync")
		}
		id, err := s.scheduler.Submit(ctx, &tasks.Task{
			OwnerID: owner,
			Kind:    tasks.KindSyncRoster,
			Payload: payload,
		}, nil, handler)
		if err != nil {
			return err
		}
		deps = append(deps, id)
	}

	if p.SyncAssignments {
		handler, ok := s.registry.Handler(tasks.KindSyncAssignments)
		if !ok {
			return errutil.Internal("no handler registered for assignment sync")
		}
		if _, err := s.scheduler.Submit(ctx, &tasks.Task{
			OwnerID: owner,
			Kind:    tasks.KindSyncAssignments,
			Payload: payload,
		}, deps, handler); err != nil {
			return err
		}
	}
	return nil
}

type syncTaskPayload struct {
	CourseID string `json:"course_id"`
}

func (s *Service) syncRoster(ctx context.Context, task *tasks.Task) error {
	c, err := s.courseFor(ctx, task)
	if err != nil {
		return err
	}

	members, err := s.source.Roster(ctx, c.ExternalID)
	if err != nil {
		return err
	}
	if err := s.courses.ReplaceMembers(ctx, c.ID, members); err != nil {
		return err
	}

	zap.L().Info("roster synced",
		zap.String("course_id", c.ID),
		zap.Int("members", len(members)),
	)
	return nil
}

func (s *Service) syncAssignments(ctx context.Context, task *tasks.Task) error {
	c, err := s.courseFor(ctx, task)
	if err != nil {
		return err
	}

	assignments, err := s.source.Assignments(ctx, c.ExternalID)
	if err != nil {
		return err
	}
	if err := s.courses.UpsertAssignments(ctx, c.ID, assignments); err != nil {
		return err
	}

	zap.L().Info("assignments synced",
		zap.String("course_id", c.ID),
		zap.Int("assignments", len(assignments)),
	)
	return nil
}

func (s *Service) courseFor(ctx context.Context, task *tasks.Task) (*course.Course, error) {
	if s.source == nil {
		return nil, errutil.Internal("no source of record configured")
	}

	var p syncTaskPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return nil, errutil.BadRequest("invalid sync task payload", errutil.WithErr(err))
	}
	return s.courses.GetCourse(ctx, p.CourseID)
}
