package course

import (
	"context"

	"github.com/CSCI128/packtrain-sub001/pkg/errutil"
	"github.com/CSCI128/packtrain-sub001/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type Service struct {
	db          *gorm.DB
	node        *snowflake.Node
	courses     repository.Repository[Course]
	assignments repository.Repository[Assignment]
	members     repository.Repository[CourseMember]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:          p.DB,
		node:        p.Node,
		courses:     repository.ProvideStore[Course](p.DB),
		assignments: repository.ProvideStore[Assignment](p.DB),
		members:     repository.ProvideStore[CourseMember](p.DB),
	}
}

func (s *Service) CreateCourse(ctx context.Context, c *Course) (*Course, error) {
	if c.Name == "" {
		return nil, errutil.BadRequest("course name is required")
	}
	if c.ID == "" {
		c.ID = s.node.Generate().String()
	}
	if err := s.courses.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) GetCourse(ctx context.Context, id string) (*Course, error) {
	c, err := s.courses.FindOne(ctx, &Course{ID: id})
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, errutil.NotFound("course not found")
	}
	return c, nil
}

func (s *Service) ListCourses(ctx context.Context) ([]*Course, error) {
	return s.courses.Find(ctx, &Course{Enabled: true})
}

func (s *Service) CreateAssignment(ctx context.Context, a *Assignment) (*Assignment, error) {
	if a.CourseID == "" {
		return nil, errutil.BadRequest("course_id is required")
	}
	if a.ID == "" {
		a.ID = s.node.Generate().String()
	}
	if err := s.assignments.Create(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Service) GetAssignment(ctx context.Context, id string) (*Assignment, error) {
	a, err := s.assignments.FindOne(ctx, &Assignment{ID: id})
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, errutil.NotFound("assignment not found")
	}
	return a, nil
}

func (s *Service) ListAssignments(ctx context.Context, courseID string) ([]*Assignment, error) {
	return s.assignments.Find(ctx, &Assignment{CourseID: courseID})
}

// UpsertAssignments reconciles the course's assignments against the
// source of record, keyed by external ID. Assignments the source no
// longer reports are left in place; migrations may still reference them.
func (s *Service) UpsertAssignments(ctx context.Context, courseID string, assignments []*Assignment) error {
	for _, a := range assignments {
		a.CourseID = courseID

		if a.ExternalID == "" {
			if a.ID == "" {
				a.ID = s.node.Generate().String()
			}
			if err := s.assignments.Create(ctx, a); err != nil {
				return err
			}
			continue
		}

		existing, err := s.assignments.FindOne(ctx, &Assignment{CourseID: courseID, ExternalID: a.ExternalID})
		if err != nil {
			return err
		}
		if existing == nil {
			if a.ID == "" {
				a.ID = s.node.Generate().String()
			}
			if err := s.assignments.Create(ctx, a); err != nil {
				return err
			}
			continue
		}

		if err := s.assignments.Update(ctx, existing.ID, map[string]any{
			"name":               a.Name,
			"points":             a.Points,
			"external_max_score": a.ExternalMaxScore,
			"due_date":           a.DueDate,
			"unlock_date":        a.UnlockDate,
			"enabled":            a.Enabled,
		}); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceMembers swaps the course roster for the one just fetched from
// the source of record.
func (s *Service) ReplaceMembers(ctx context.Context, courseID string, members []*CourseMember) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("course_id = ?", courseID).Delete(&CourseMember{}).Error; err != nil {
			return err
		}
		if len(members) == 0 {
			return nil
		}
		for _, m := range members {
			m.CourseID = courseID
			if m.ID == "" {
				m.ID = s.node.Generate().String()
			}
		}
		return tx.Create(&members).Error
	})
}

func (s *Service) ListMembers(ctx context.Context, courseID string) ([]*CourseMember, error) {
	return s.members.Find(ctx, &CourseMember{CourseID: courseID})
}

func (s *Service) AddMember(ctx context.Context, m *CourseMember) (*CourseMember, error) {
	if m.CourseID == "" || m.UserID == "" {
		return nil, errutil.BadRequest("course_id and user_id are required")
	}
	if m.ID == "" {
		m.ID = s.node.Generate().String()
	}
	if err := s.members.Create(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}
