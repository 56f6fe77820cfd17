package grading

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/CSCI128/packtrain-sub001/services/testutil"
)

func float(v float64) *float64 { return &v }

func TestUpsertIsIdempotentPerStudent(t *testing.T) {
	db := testutil.NewTestDB(t, &RawScore{})
	ingester := NewScoreIngester(IngesterParams{DB: db})

	msg := ScoredMessage{
		StudentCWID:      "12345678",
		FinalScore:       float(8.5),
		SubmissionStatus: SubmissionOnTime,
	}
	require.NoError(t, ingester.Upsert(context.Background(), "mig_1", msg))

	msg.FinalScore = float(9.0)
	require.NoError(t, ingester.Upsert(context.Background(), "mig_1", msg))

	var count int64
	require.NoError(t, db.Model(&RawScore{}).Count(&count).Error)
	require.EqualValues(t, 1, count)

	result, err := ingester.Result(context.Background(), "mig_1", "12345678")
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, 9.0, *result.FinalScore)
}

func TestResultForUnknownStudentIsNil(t *testing.T) {
	db := testutil.NewTestDB(t, &RawScore{})
	ingester := NewScoreIngester(IngesterParams{DB: db})

	result, err := ingester.Result(context.Background(), "mig_1", "99999999")
	require.NoError(t, err)
	require.Nil(t, result)
}

func TestUpsertKeyedPerMigration(t *testing.T) {
	db := testutil.NewTestDB(t, &RawScore{})
	ingester := NewScoreIngester(IngesterParams{DB: db})

	msg := ScoredMessage{StudentCWID: "12345678", FinalScore: float(5)}
	require.NoError(t, ingester.Upsert(context.Background(), "mig_1", msg))
	require.NoError(t, ingester.Upsert(context.Background(), "mig_2", msg))

	var count int64
	require.NoError(t, db.Model(&RawScore{}).Count(&count).Error)
	require.EqualValues(t, 2, count)
}

func TestHandlerDropsMalformedMessages(t *testing.T) {
	db := testutil.NewTestDB(t, &RawScore{})
	ingester := NewScoreIngester(IngesterParams{DB: db})

	handler := ingester.HandlerFor("mig_1")
	handler([]byte("{not json"))
	handler([]byte(`{"final_score": 3}`)) // no student identifier
	handler([]byte(`{"student_cwid":"12345678","final_score":8.5,"submission_status":"on_time"}`))

	count, err := ingester.CountScored(context.Background(), "mig_1")
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestSeedRawPreservesFinalScoreColumnSemantics(t *testing.T) {
	db := testutil.NewTestDB(t, &RawScore{})
	ingester := NewScoreIngester(IngesterParams{DB: db})

	require.NoError(t, ingester.SeedRaw(context.Background(), "mig_1", RawGradeMessage{
		StudentCWID:      "12345678",
		Score:            float(7),
		SubmissionStatus: SubmissionLate,
		HoursLate:        12,
	}))

	// A seeded row has no final score yet, so it does not count as scored.
	count, err := ingester.CountScored(context.Background(), "mig_1")
	require.NoError(t, err)
	require.Zero(t, count)

	grades, err := ingester.RawGrades(context.Background(), "mig_1")
	require.NoError(t, err)
	require.Len(t, grades, 1)
	require.Equal(t, 7.0, *grades[0].Score)
}
