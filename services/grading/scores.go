package grading

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/CSCI128/packtrain-sub001/pkg/broker"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ScoreIngester consumes the inbound computed-score feed for a migration
// and upserts one result per student. A repeated message for the same
// student overwrites; a malformed message is logged and dropped so one bad
// frame never halts ingestion for the rest of the run.
type ScoreIngester struct {
	db *gorm.DB
}

type IngesterParams struct {
	fx.In
	DB *gorm.DB
}

func NewScoreIngester(p IngesterParams) *ScoreIngester {
	return &ScoreIngester{db: p.DB}
}

// HandlerFor returns the message handler to subscribe on the migration's
// scored channel.
func (i *ScoreIngester) HandlerFor(migrationID string) broker.MessageHandler {
	return func(payload []byte) {
		var msg ScoredMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			zap.L().Warn("dropping malformed score message",
				zap.String("migration_id", migrationID),
				zap.Error(err),
			)
			return
		}
		if msg.StudentCWID == "" {
			zap.L().Warn("dropping score message with no student identifier",
				zap.String("migration_id", migrationID),
			)
			return
		}

		if err := i.Upsert(context.Background(), migrationID, msg); err != nil {
			zap.L().Error("failed to store score result",
				zap.String("migration_id", migrationID),
				zap.String("student_cwid", msg.StudentCWID),
				zap.Error(err),
			)
		}
	}
}

// Upsert writes the student's result, overwriting any prior message for
// the same (student, migration) key.
func (i *ScoreIngester) Upsert(ctx context.Context, migrationID string, msg ScoredMessage) error {
	record := RawScore{
		StudentCWID:            msg.StudentCWID,
		MigrationID:            migrationID,
		Score:                  msg.RawScore,
		FinalScore:             msg.FinalScore,
		AdjustedSubmissionTime: msg.AdjustedSubmissionTime,
		HoursLate:              msg.HoursLate,
		SubmissionStatus:       msg.SubmissionStatus,
		ExtensionStatus:        msg.ExtensionStatus,
		ExtensionMessage:       msg.ExtensionMessage,
	}

	return i.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "student_cwid"}, {Name: "migration_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"score", "final_score", "adjusted_submission_time",
			"hours_late", "submission_status", "extension_status", "extension_message",
		}),
	}).Create(&record).Error
}

// SeedRaw stores the raw side captured from the source of record, before
// any evaluator round.
func (i *ScoreIngester) SeedRaw(ctx context.Context, migrationID string, msg RawGradeMessage) error {
	record := RawScore{
		StudentCWID:      msg.StudentCWID,
		MigrationID:      migrationID,
		Score:            msg.Score,
		SubmissionTime:   msg.SubmissionTime,
		HoursLate:        msg.HoursLate,
		SubmissionStatus: msg.SubmissionStatus,
	}

	return i.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "student_cwid"}, {Name: "migration_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"score", "submission_time", "hours_late", "submission_status",
		}),
	}).Create(&record).Error
}

// CountScored reports how many results for the migration carry a final
// score, which is how ingestion progress is measured.
func (i *ScoreIngester) CountScored(ctx context.Context, migrationID string) (int64, error) {
	var count int64
	err := i.db.WithContext(ctx).Model(&RawScore{}).
		Where("migration_id = ? AND final_score IS NOT NULL", migrationID).
		Count(&count).Error
	return count, err
}

// RawGrades returns the migration's raw records for publishing to the
// evaluator.
func (i *ScoreIngester) RawGrades(ctx context.Context, migrationID string) ([]*RawScore, error) {
	var records []*RawScore
	err := i.db.WithContext(ctx).
		Where("migration_id = ?", migrationID).
		Order("student_cwid asc").
		Find(&records).Error
	return records, err
}

// Result returns one student's stored record, or nil.
func (i *ScoreIngester) Result(ctx context.Context, migrationID, studentCWID string) (*RawScore, error) {
	var record RawScore
	err := i.db.WithContext(ctx).
		Where("migration_id = ? AND student_cwid = ?", migrationID, studentCWID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}
