package postgres

import (
	"context"

	"github.com/uptrace/bun"

	"skillvault-service/internal/domain"
)

// SeedAssessments upserts assessments and replaces their questions.
func SeedAssessments(ctx context.Context, db *bun.DB, assessments []domain.Assessment) error {
	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, a := range assessments {
			row := &assessmentRow{
				ID:              a.ID,
				CollegeID:       a.CollegeID,
				CollegeName:     a.CollegeName,
				CreatorID:       a.CreatorID,
				Title:           a.Title,
				SkillTag:        a.SkillTag,
				Difficulty:      string(a.Difficulty),
				DurationMinutes: a.DurationMinutes,
				TotalMarks:      a.TotalMarks,
				PassingMarks:    a.PassingMarks,
				IsDailyQuiz:     a.IsDailyQuiz,
				Active:          a.Active,
			}
			if row.Difficulty == "" {
				row.Difficulty = string(domain.DifficultyMedium)
			}
			_, err := tx.NewInsert().
				Model(row).
				On("CONFLICT (id) DO UPDATE").
				Set("college_id = EXCLUDED.college_id").
				Set("college_name = EXCLUDED.college_name").
				Set("title = EXCLUDED.title").
				Set("skill_tag = EXCLUDED.skill_tag").
				Set("difficulty = EXCLUDED.difficulty").
				Set("duration_minutes = EXCLUDED.duration_minutes").
				Set("total_marks = EXCLUDED.total_marks").
				Set("passing_marks = EXCLUDED.passing_marks").
				Set("is_daily_quiz = EXCLUDED.is_daily_quiz").
				Set("active = EXCLUDED.active").
				Exec(ctx)
			if err != nil {
				return err
			}

			if _, err := tx.NewDelete().Model((*questionRow)(nil)).Where("assessment_id = ?", a.ID).Exec(ctx); err != nil {
				return err
			}
			if len(a.Questions) == 0 {
				continue
			}
			questions := make([]questionRow, len(a.Questions))
			for i, q := range a.Questions {
				questions[i] = questionRow{
					ID:           q.ID,
					AssessmentID: a.ID,
					Position:     i,
					Prompt:       q.Prompt,
					Options:      q.Options,
					CorrectKey:   q.CorrectKey,
					Marks:        q.Marks,
					Explanation:  q.Explanation,
				}
			}
			if _, err := tx.NewInsert().Model(&questions).Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}
