package app

import (
	"context"
	"time"

	"skillvault-service/internal/domain"
)

// SkillInput is what one evaluated attempt contributes to a skill.
type SkillInput struct {
	StudentID     string
	SkillTag      string
	QuestionCount int
	CorrectCount  int
	Percentage    float64
}

// SkillAccumulator folds evaluation results into the per-student, per-skill record.
type SkillAccumulator struct{}

// Apply folds the attempt into the skill record once; a repeated attempt id is a no-op.
func (SkillAccumulator) Apply(ctx context.Context, tx Tx, attemptID string, in SkillInput, at time.Time) (domain.UserSkill, bool, error) {
	first, err := tx.MarkApplied(ctx, attemptID, domain.AggregateSkill)
	if err != nil || !first {
		return domain.UserSkill{}, false, err
	}
	current, err := tx.LockSkill(ctx, in.StudentID, in.SkillTag)
	if err != nil {
		return domain.UserSkill{}, false, err
	}
	next := Accumulate(current, in, at)
	next.LastAttemptID = attemptID
	if err := tx.SaveSkill(ctx, next); err != nil {
		return domain.UserSkill{}, false, err
	}
	return next, true, nil
}

// Accumulate adds one attempt's counts to the cumulative totals. Accuracy is always recomputed
// from the totals, never averaged across attempts.
func Accumulate(existing domain.UserSkill, in SkillInput, at time.Time) domain.UserSkill {
	out := existing
	out.StudentID = in.StudentID
	out.SkillTag = in.SkillTag
	out.QuestionCount += in.QuestionCount
	out.CorrectCount += in.CorrectCount
	out.Accuracy = percentOf(out.CorrectCount, out.QuestionCount)
	if in.Percentage > out.BestScore {
		out.BestScore = in.Percentage
	}
	out.Level = LevelFor(out.Accuracy)
	out.LastAssessedAt = at
	return out
}

// LevelFor derives the proficiency tier from accuracy in percent.
func LevelFor(accuracy float64) domain.SkillLevel {
	switch {
	case accuracy >= 85:
		return domain.LevelExpert
	case accuracy >= 70:
		return domain.LevelAdvanced
	case accuracy >= 50:
		return domain.LevelIntermediate
	default:
		return domain.LevelBeginner
	}
}
