package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"skillvault-service/internal/domain"
)

// CatalogLoader reads assessments and their ordered questions from Postgres.
type CatalogLoader struct {
	pool *pgxpool.Pool
}

func NewCatalogLoader(pool *pgxpool.Pool) *CatalogLoader {
	return &CatalogLoader{pool: pool}
}

func (l *CatalogLoader) LoadAssessment(ctx context.Context, assessmentID string) (domain.Assessment, error) {
	var a domain.Assessment
	var difficulty string
	err := l.pool.QueryRow(ctx, `
		SELECT id, college_id, college_name, creator_id, title, skill_tag, difficulty,
		       duration_minutes, total_marks, passing_marks, is_daily_quiz, active
		FROM assessments WHERE id=$1`, assessmentID).Scan(
		&a.ID, &a.CollegeID, &a.CollegeName, &a.CreatorID, &a.Title, &a.SkillTag, &difficulty,
		&a.DurationMinutes, &a.TotalMarks, &a.PassingMarks, &a.IsDailyQuiz, &a.Active,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Assessment{}, fmt.Errorf("assessment %s: %w", assessmentID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Assessment{}, fmt.Errorf("load assessment: %w", err)
	}
	a.Difficulty = domain.Difficulty(difficulty)

	rows, err := l.pool.Query(ctx, `
		SELECT id, prompt, options, correct_key, marks, explanation
		FROM questions WHERE assessment_id=$1 ORDER BY position, id`, assessmentID)
	if err != nil {
		return domain.Assessment{}, fmt.Errorf("load questions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		q := domain.Question{AssessmentID: assessmentID}
		var rawOptions []byte
		if err := rows.Scan(&q.ID, &q.Prompt, &rawOptions, &q.CorrectKey, &q.Marks, &q.Explanation); err != nil {
			return domain.Assessment{}, fmt.Errorf("scan question: %w", err)
		}
		if err := json.Unmarshal(rawOptions, &q.Options); err != nil {
			return domain.Assessment{}, fmt.Errorf("unmarshal options of %s: %w", q.ID, err)
		}
		a.Questions = append(a.Questions, q)
	}
	if err := rows.Err(); err != nil {
		return domain.Assessment{}, fmt.Errorf("load questions: %w", err)
	}
	return a, nil
}
