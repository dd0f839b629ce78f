package postgres

import (
	"time"

	"github.com/uptrace/bun"

	"skillvault-service/internal/domain"
)

type assessmentRow struct {
	bun.BaseModel `bun:"table:assessments"`

	ID              string `bun:"id,pk"`
	CollegeID       string `bun:"college_id"`
	CollegeName     string `bun:"college_name"`
	CreatorID       string `bun:"creator_id"`
	Title           string `bun:"title"`
	SkillTag        string `bun:"skill_tag"`
	Difficulty      string `bun:"difficulty"`
	DurationMinutes int    `bun:"duration_minutes"`
	TotalMarks      int    `bun:"total_marks"`
	PassingMarks    int    `bun:"passing_marks"`
	IsDailyQuiz     bool   `bun:"is_daily_quiz"`
	Active          bool   `bun:"active"`
}

type questionRow struct {
	bun.BaseModel `bun:"table:questions"`

	ID           string          `bun:"id,pk"`
	AssessmentID string          `bun:"assessment_id"`
	Position     int             `bun:"position"`
	Prompt       string          `bun:"prompt"`
	Options      []domain.Option `bun:"options,type:jsonb"`
	CorrectKey   string          `bun:"correct_key"`
	Marks        int             `bun:"marks"`
	Explanation  string          `bun:"explanation"`
}

type attemptRow struct {
	bun.BaseModel `bun:"table:attempts"`

	ID               string               `bun:"id,pk"`
	AssessmentID     string               `bun:"assessment_id"`
	StudentID        string               `bun:"student_id"`
	State            string               `bun:"state"`
	StartedAt        time.Time            `bun:"started_at"`
	SubmittedAt      *time.Time           `bun:"submitted_at"`
	TotalMarks       int                  `bun:"total_marks"`
	ObtainedMarks    int                  `bun:"obtained_marks"`
	Percentage       float64              `bun:"percentage"`
	Passed           bool                 `bun:"passed"`
	TabSwitches      int                  `bun:"tab_switches"`
	Flags            []domain.ProctorFlag `bun:"flags,type:jsonb"`
	TimeTakenSeconds int64                `bun:"time_taken_seconds"`
}

type answerRow struct {
	bun.BaseModel `bun:"table:attempt_answers"`

	AttemptID      string  `bun:"attempt_id,pk"`
	QuestionID     string  `bun:"question_id,pk"`
	SelectedOption *string `bun:"selected_option"`
	Correct        bool    `bun:"correct"`
	MarksAwarded   int     `bun:"marks_awarded"`
}

type applicationRow struct {
	bun.BaseModel `bun:"table:aggregate_applications"`

	AttemptID string    `bun:"attempt_id,pk"`
	Aggregate string    `bun:"aggregate,pk"`
	AppliedAt time.Time `bun:"applied_at"`
}

type skillRow struct {
	bun.BaseModel `bun:"table:user_skills"`

	StudentID      string    `bun:"student_id,pk"`
	SkillTag       string    `bun:"skill_tag,pk"`
	QuestionCount  int       `bun:"question_count"`
	CorrectCount   int       `bun:"correct_count"`
	Accuracy       float64   `bun:"accuracy"`
	BestScore      float64   `bun:"best_score"`
	Level          string    `bun:"level"`
	LastAssessedAt time.Time `bun:"last_assessed_at,nullzero"`
	LastAttemptID  string    `bun:"last_attempt_id"`
}

type streakRow struct {
	bun.BaseModel `bun:"table:streaks"`

	StudentID        string `bun:"student_id,pk"`
	CurrentStreak    int    `bun:"current_streak"`
	LongestStreak    int    `bun:"longest_streak"`
	TotalQuizzes     int    `bun:"total_quizzes"`
	LastActivityDate string `bun:"last_activity_date"`
	LastAttemptID    string `bun:"last_attempt_id"`
}

type certificateRow struct {
	bun.BaseModel `bun:"table:certificates"`

	ID              string     `bun:"id,pk"`
	AttemptID       string     `bun:"attempt_id"`
	StudentID       string     `bun:"student_id"`
	StudentName     string     `bun:"student_name"`
	StudentEmail    string     `bun:"student_email"`
	AssessmentID    string     `bun:"assessment_id"`
	AssessmentTitle string     `bun:"assessment_title"`
	CollegeID       string     `bun:"college_id"`
	CollegeName     string     `bun:"college_name"`
	SkillTag        string     `bun:"skill_tag"`
	Score           int        `bun:"score"`
	TotalMarks      int        `bun:"total_marks"`
	Percentage      float64    `bun:"percentage"`
	Code            string     `bun:"code"`
	VerificationURL string     `bun:"verification_url"`
	IssuedAt        time.Time  `bun:"issued_at"`
	ExpiresAt       *time.Time `bun:"expires_at"`
	Revoked         bool       `bun:"revoked"`
	RevokedAt       *time.Time `bun:"revoked_at"`
}

func toAttemptRow(a domain.Attempt) *attemptRow {
	flags := a.Flags
	if flags == nil {
		flags = []domain.ProctorFlag{}
	}
	return &attemptRow{
		ID:               a.ID,
		AssessmentID:     a.AssessmentID,
		StudentID:        a.StudentID,
		State:            string(a.State),
		StartedAt:        a.StartedAt,
		SubmittedAt:      a.SubmittedAt,
		TotalMarks:       a.TotalMarks,
		ObtainedMarks:    a.ObtainedMarks,
		Percentage:       a.Percentage,
		Passed:           a.Passed,
		TabSwitches:      a.TabSwitches,
		Flags:            flags,
		TimeTakenSeconds: a.TimeTakenSeconds,
	}
}

func (r attemptRow) toDomain() domain.Attempt {
	flags := r.Flags
	if flags == nil {
		flags = []domain.ProctorFlag{}
	}
	return domain.Attempt{
		ID:               r.ID,
		AssessmentID:     r.AssessmentID,
		StudentID:        r.StudentID,
		State:            domain.AttemptState(r.State),
		StartedAt:        r.StartedAt.UTC(),
		SubmittedAt:      r.SubmittedAt,
		TotalMarks:       r.TotalMarks,
		ObtainedMarks:    r.ObtainedMarks,
		Percentage:       r.Percentage,
		Passed:           r.Passed,
		TabSwitches:      r.TabSwitches,
		Flags:            flags,
		TimeTakenSeconds: r.TimeTakenSeconds,
	}
}

func toAnswerRows(answers []domain.AttemptAnswer) []answerRow {
	rows := make([]answerRow, len(answers))
	for i, a := range answers {
		rows[i] = answerRow{
			AttemptID:      a.AttemptID,
			QuestionID:     a.QuestionID,
			SelectedOption: a.SelectedOption,
			Correct:        a.Correct,
			MarksAwarded:   a.MarksAwarded,
		}
	}
	return rows
}

func (r answerRow) toDomain() domain.AttemptAnswer {
	return domain.AttemptAnswer{
		AttemptID:      r.AttemptID,
		QuestionID:     r.QuestionID,
		SelectedOption: r.SelectedOption,
		Correct:        r.Correct,
		MarksAwarded:   r.MarksAwarded,
	}
}

func toSkillRow(s domain.UserSkill) *skillRow {
	return &skillRow{
		StudentID:      s.StudentID,
		SkillTag:       s.SkillTag,
		QuestionCount:  s.QuestionCount,
		CorrectCount:   s.CorrectCount,
		Accuracy:       s.Accuracy,
		BestScore:      s.BestScore,
		Level:          string(s.Level),
		LastAssessedAt: s.LastAssessedAt,
		LastAttemptID:  s.LastAttemptID,
	}
}

func (r skillRow) toDomain() domain.UserSkill {
	return domain.UserSkill{
		StudentID:      r.StudentID,
		SkillTag:       r.SkillTag,
		QuestionCount:  r.QuestionCount,
		CorrectCount:   r.CorrectCount,
		Accuracy:       r.Accuracy,
		BestScore:      r.BestScore,
		Level:          domain.SkillLevel(r.Level),
		LastAssessedAt: r.LastAssessedAt,
		LastAttemptID:  r.LastAttemptID,
	}
}

func toStreakRow(s domain.Streak) *streakRow {
	return &streakRow{
		StudentID:        s.StudentID,
		CurrentStreak:    s.CurrentStreak,
		LongestStreak:    s.LongestStreak,
		TotalQuizzes:     s.TotalQuizzes,
		LastActivityDate: s.LastActivityDate,
		LastAttemptID:    s.LastAttemptID,
	}
}

func (r streakRow) toDomain() domain.Streak {
	return domain.Streak{
		StudentID:        r.StudentID,
		CurrentStreak:    r.CurrentStreak,
		LongestStreak:    r.LongestStreak,
		TotalQuizzes:     r.TotalQuizzes,
		LastActivityDate: r.LastActivityDate,
		LastAttemptID:    r.LastAttemptID,
	}
}

func toCertificateRow(c domain.Certificate) *certificateRow {
	return &certificateRow{
		ID:              c.ID,
		AttemptID:       c.AttemptID,
		StudentID:       c.StudentID,
		StudentName:     c.StudentName,
		StudentEmail:    c.StudentEmail,
		AssessmentID:    c.AssessmentID,
		AssessmentTitle: c.AssessmentTitle,
		CollegeID:       c.CollegeID,
		CollegeName:     c.CollegeName,
		SkillTag:        c.SkillTag,
		Score:           c.Score,
		TotalMarks:      c.TotalMarks,
		Percentage:      c.Percentage,
		Code:            c.Code,
		VerificationURL: c.VerificationURL,
		IssuedAt:        c.IssuedAt,
		ExpiresAt:       c.ExpiresAt,
		Revoked:         c.Revoked,
		RevokedAt:       c.RevokedAt,
	}
}

func (r certificateRow) toDomain() domain.Certificate {
	return domain.Certificate{
		ID:              r.ID,
		AttemptID:       r.AttemptID,
		StudentID:       r.StudentID,
		StudentName:     r.StudentName,
		StudentEmail:    r.StudentEmail,
		AssessmentID:    r.AssessmentID,
		AssessmentTitle: r.AssessmentTitle,
		CollegeID:       r.CollegeID,
		CollegeName:     r.CollegeName,
		SkillTag:        r.SkillTag,
		Score:           r.Score,
		TotalMarks:      r.TotalMarks,
		Percentage:      r.Percentage,
		Code:            r.Code,
		VerificationURL: r.VerificationURL,
		IssuedAt:        r.IssuedAt.UTC(),
		ExpiresAt:       r.ExpiresAt,
		Revoked:         r.Revoked,
		RevokedAt:       r.RevokedAt,
	}
}
