package app

import (
	"strings"
	"time"

	"skillvault-service/internal/domain"
)

// EvaluationResult is the scored outcome of one submission.
type EvaluationResult struct {
	ObtainedMarks    int
	TotalMarks       int
	Percentage       float64
	Passed           bool
	QuestionCount    int
	CorrectCount     int
	TimeTakenSeconds int64
	Answers          []domain.AttemptAnswer
}

// Evaluate scores submitted answers (question id -> option key) against the assessment key.
// It is deterministic and performs no I/O. Missing answers count as unanswered.
func Evaluate(attempt domain.Attempt, assessment domain.Assessment, submitted map[string]string, submittedAt time.Time) EvaluationResult {
	res := EvaluationResult{
		TotalMarks:    attempt.TotalMarks,
		QuestionCount: len(assessment.Questions),
		Answers:       make([]domain.AttemptAnswer, 0, len(assessment.Questions)),
	}

	for _, q := range assessment.Questions {
		answer := domain.AttemptAnswer{AttemptID: attempt.ID, QuestionID: q.ID}
		if raw, ok := submitted[q.ID]; ok {
			if selected := strings.TrimSpace(raw); selected != "" {
				answer.SelectedOption = &selected
				answer.Correct = equalKey(selected, q.CorrectKey)
			}
		}
		if answer.Correct {
			answer.MarksAwarded = q.Marks
			res.ObtainedMarks += q.Marks
			res.CorrectCount++
		}
		res.Answers = append(res.Answers, answer)
	}

	res.Percentage = percentOf(res.ObtainedMarks, res.TotalMarks)
	res.Passed = res.ObtainedMarks >= assessment.PassingMarks

	if elapsed := submittedAt.Sub(attempt.StartedAt); elapsed > 0 {
		res.TimeTakenSeconds = int64(elapsed / time.Second)
	}
	return res
}

// percentOf returns part/whole*100, defined as 0 when whole is 0.
func percentOf(part, whole int) float64 {
	if whole <= 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}

func equalKey(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
