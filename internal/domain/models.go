package domain

import (
	"strings"
	"time"
)

// Difficulty of an assessment as authored by faculty.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Option is one answer slot of a multiple-choice question.
type Option struct {
	Key  string `json:"key"`
	Text string `json:"text"`
}

// Question models an MCQ question with a single correct option key.
type Question struct {
	ID           string   `json:"id"`
	AssessmentID string   `json:"assessmentId"`
	Prompt       string   `json:"prompt"`
	Options      []Option `json:"options"`
	CorrectKey   string   `json:"correctKey,omitempty"`
	Marks        int      `json:"marks"`
	Explanation  string   `json:"explanation,omitempty"`
}

// Assessment is the immutable definition a student attempts.
type Assessment struct {
	ID              string     `json:"id"`
	CollegeID       string     `json:"collegeId"`
	CollegeName     string     `json:"collegeName"`
	CreatorID       string     `json:"creatorId"`
	Title           string     `json:"title"`
	SkillTag        string     `json:"skillTag"`
	Difficulty      Difficulty `json:"difficulty"`
	DurationMinutes int        `json:"durationMinutes"`
	TotalMarks      int        `json:"totalMarks"`
	PassingMarks    int        `json:"passingMarks"`
	IsDailyQuiz     bool       `json:"isDailyQuiz"`
	Active          bool       `json:"active"`
	Questions       []Question `json:"questions"`
}

// VisibleTo reports whether the caller's college may see the assessment.
// Assessments without a college are platform-wide.
func (a Assessment) VisibleTo(caller Caller) bool {
	return a.CollegeID == "" || a.CollegeID == caller.CollegeID
}

// QuestionMarks sums the marks weight of every question.
func (a Assessment) QuestionMarks() int {
	sum := 0
	for _, q := range a.Questions {
		sum += q.Marks
	}
	return sum
}

// StudentView strips answer keys and explanations so questions can be served during an attempt.
func (a Assessment) StudentView() Assessment {
	out := a
	out.Questions = make([]Question, len(a.Questions))
	for i, q := range a.Questions {
		q.CorrectKey = ""
		q.Explanation = ""
		out.Questions[i] = q
	}
	return out
}

// AttemptState is the lifecycle state of an attempt.
type AttemptState string

const (
	StateInProgress    AttemptState = "in_progress"
	StateEvaluated     AttemptState = "evaluated"
	StateAutoSubmitted AttemptState = "auto_submitted"
)

// Terminal reports whether no further submission is allowed.
func (s AttemptState) Terminal() bool {
	return s == StateEvaluated || s == StateAutoSubmitted
}

// FlagType names a client-reported integrity signal.
type FlagType string

const (
	FlagTabSwitch        FlagType = "tab_switch"
	FlagRightClick       FlagType = "right_click"
	FlagCopyPaste        FlagType = "copy_paste"
	FlagKeyboardShortcut FlagType = "keyboard_shortcut"
	FlagFullscreenExit   FlagType = "fullscreen_exit"
	FlagLateSubmission   FlagType = "late_submission"
)

// ProctorFlag is one integrity event with the time the client (or server) observed it.
type ProctorFlag struct {
	Type    FlagType  `json:"type"`
	Details string    `json:"details,omitempty"`
	At      time.Time `json:"at"`
}

// Attempt is one student's timed instance of an assessment.
type Attempt struct {
	ID               string        `json:"id"`
	AssessmentID     string        `json:"assessmentId"`
	StudentID        string        `json:"studentId"`
	State            AttemptState  `json:"state"`
	StartedAt        time.Time     `json:"startedAt"`
	SubmittedAt      *time.Time    `json:"submittedAt,omitempty"`
	TotalMarks       int           `json:"totalMarks"`
	ObtainedMarks    int           `json:"obtainedMarks"`
	Percentage       float64       `json:"percentage"`
	Passed           bool          `json:"passed"`
	TabSwitches      int           `json:"tabSwitches"`
	Flags            []ProctorFlag `json:"flags"`
	TimeTakenSeconds int64         `json:"timeTakenSeconds"`
}

// AttemptAnswer is the scored record of one question within a submitted attempt.
type AttemptAnswer struct {
	AttemptID      string  `json:"attemptId"`
	QuestionID     string  `json:"questionId"`
	SelectedOption *string `json:"selectedOption"`
	Correct        bool    `json:"correct"`
	MarksAwarded   int     `json:"marksAwarded"`
}

// SkillLevel is the proficiency tier derived from cumulative accuracy.
type SkillLevel string

const (
	LevelBeginner     SkillLevel = "beginner"
	LevelIntermediate SkillLevel = "intermediate"
	LevelAdvanced     SkillLevel = "advanced"
	LevelExpert       SkillLevel = "expert"
)

// UserSkill is the running proficiency record of a student on one skill tag.
type UserSkill struct {
	StudentID      string     `json:"studentId"`
	SkillTag       string     `json:"skillTag"`
	QuestionCount  int        `json:"questionCount"`
	CorrectCount   int        `json:"correctCount"`
	Accuracy       float64    `json:"accuracy"`
	BestScore      float64    `json:"bestScore"`
	Level          SkillLevel `json:"level"`
	LastAssessedAt time.Time  `json:"lastAssessedAt"`
	LastAttemptID  string     `json:"lastAttemptId,omitempty"`
}

// Streak tracks consecutive calendar days with a completed daily quiz.
type Streak struct {
	StudentID        string `json:"studentId"`
	CurrentStreak    int    `json:"currentStreak"`
	LongestStreak    int    `json:"longestStreak"`
	TotalQuizzes     int    `json:"totalQuizzesCompleted"`
	LastActivityDate string `json:"lastActivityDate,omitempty"` // YYYY-MM-DD
	LastAttemptID    string `json:"lastAttemptId,omitempty"`
}

// Certificate is bound one-to-one to a passing attempt.
type Certificate struct {
	ID              string     `json:"id"`
	AttemptID       string     `json:"attemptId"`
	StudentID       string     `json:"studentId"`
	StudentName     string     `json:"studentName"`
	StudentEmail    string     `json:"studentEmail"`
	AssessmentID    string     `json:"assessmentId"`
	AssessmentTitle string     `json:"assessmentTitle"`
	CollegeID       string     `json:"collegeId"`
	CollegeName     string     `json:"collegeName"`
	SkillTag        string     `json:"skillTag"`
	Score           int        `json:"score"`
	TotalMarks      int        `json:"totalMarks"`
	Percentage      float64    `json:"percentage"`
	Code            string     `json:"code"`
	VerificationURL string     `json:"verificationUrl"`
	IssuedAt        time.Time  `json:"issuedAt"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	Revoked         bool       `json:"revoked"`
	RevokedAt       *time.Time `json:"revokedAt,omitempty"`
}

// NormalizeCode canonicalizes a verification code for lookup.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Role of an authenticated caller.
type Role string

const (
	RoleStudent      Role = "student"
	RoleFaculty      Role = "faculty"
	RoleCollegeAdmin Role = "college_admin"
	RoleAdmin        Role = "admin"
	RoleRecruiter    Role = "recruiter"
)

// Caller is the explicit identity and authorization scope passed to every core operation.
type Caller struct {
	StudentID string `json:"sub"`
	CollegeID string `json:"collegeId"`
	Role      Role   `json:"role"`
	Name      string `json:"name"`
	Email     string `json:"email"`
}

// Aggregate names a long-lived record folded from evaluated attempts.
type Aggregate string

const (
	AggregateSkill  Aggregate = "skill"
	AggregateStreak Aggregate = "streak"
)

// CountFlags returns how many flags are of the given type.
func CountFlags(flags []ProctorFlag, typ FlagType) int {
	n := 0
	for _, f := range flags {
		if f.Type == typ {
			n++
		}
	}
	return n
}
