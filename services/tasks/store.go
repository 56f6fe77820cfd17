package tasks

import (
	"context"
	"time"

	"github.com/CSCI128/packtrain-sub001/pkg/db/option"
	"github.com/CSCI128/packtrain-sub001/pkg/errutil"
	"github.com/CSCI128/packtrain-sub001/pkg/repository"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

// Store is the durable side of the scheduler. Status writes are atomic
// single-row updates; the scheduler is the only mutator.
type Store interface {
	Save(ctx context.Context, task *Task) (*Task, error)
	Get(ctx context.Context, id string) (*Task, error)
	GetStatus(ctx context.Context, id string) (Status, error)
	SetStatus(ctx context.Context, id string, status Status, text string) error
	SetCompletedTime(ctx context.Context, id string, at time.Time) error
	GetTasksForUser(ctx context.Context, ownerID string) ([]*Task, error)
}

type gormStore struct {
	db   *gorm.DB
	repo repository.Repository[Task]
}

type StoreParams struct {
	fx.In
	DB *gorm.DB
}

func NewStore(p StoreParams) Store {
	return &gormStore{
		db:   p.DB,
		repo: repository.ProvideStore[Task](p.DB),
	}
}

func (s *gormStore) Save(ctx context.Context, task *Task) (*Task, error) {
	if err := s.repo.Create(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *gormStore) Get(ctx context.Context, id string) (*Task, error) {
	task, err := s.repo.FindOne(ctx, &Task{ID: id})
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, errutil.NotFound("task not found")
	}
	return task, nil
}

func (s *gormStore) GetStatus(ctx context.Context, id string) (Status, error) {
	task, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return task.Status, nil
}

func (s *gormStore) SetStatus(ctx context.Context, id string, status Status, text string) error {
	values := map[string]any{"status": status}
	if text != "" {
		values["status_text"] = text
	}
	return s.repo.Update(ctx, id, values)
}

func (s *gormStore) SetCompletedTime(ctx context.Context, id string, at time.Time) error {
	return s.repo.Update(ctx, id, map[string]any{"completed_at": at})
}

func (s *gormStore) GetTasksForUser(ctx context.Context, ownerID string) ([]*Task, error) {
	return s.repo.Find(ctx, &Task{OwnerID: ownerID}, option.WithOrderBy("id asc"))
}
