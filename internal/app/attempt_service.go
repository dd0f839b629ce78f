package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"skillvault-service/internal/domain"
)

// Settings tunes the attempt lifecycle.
type Settings struct {
	Proctor        ProctorPolicy
	Certificates   CertificatePolicy
	StreakLocation *time.Location
}

// Submission is the terminal request sent by the client.
type Submission struct {
	// Answers maps question id to the selected option key.
	Answers     map[string]string
	TabSwitches int
	Flags       []domain.ProctorFlag
}

// StartResult is returned by StartOrResume.
type StartResult struct {
	Attempt    domain.Attempt    `json:"attempt"`
	Assessment domain.Assessment `json:"assessment"`
	Resumed    bool              `json:"resumed"`
}

// SubmissionResult is the stored scoring outcome of an attempt.
type SubmissionResult struct {
	Attempt     domain.Attempt         `json:"attempt"`
	Answers     []domain.AttemptAnswer `json:"answers"`
	Certificate *domain.Certificate    `json:"certificate,omitempty"`
	// Replayed is true when the attempt was already terminal and nothing was re-applied.
	Replayed bool `json:"replayed"`
}

// AttemptService owns the attempt state machine and runs the terminal transition.
type AttemptService struct {
	store   Store
	catalog CatalogRepository
	proctor *ProctorMonitor
	skills  SkillAccumulator
	streaks StreakTracker
	issuer  *CertificateIssuer
	rec     Recorder
	log     logrus.FieldLogger
	now     func() time.Time
}

// Services bundles the core use cases sharing one store.
type Services struct {
	Attempts     *AttemptService
	Proctor      *ProctorMonitor
	Certificates *CertificateIssuer
	Verification *VerificationService
}

func NewServices(store Store, catalog CatalogRepository, settings Settings, log logrus.FieldLogger, rec Recorder) *Services {
	return NewServicesWithClock(store, catalog, settings, log, rec, time.Now)
}

// NewServicesWithClock is test-only for deterministic timestamps.
func NewServicesWithClock(store Store, catalog CatalogRepository, settings Settings, log logrus.FieldLogger, rec Recorder, now func() time.Time) *Services {
	if rec == nil {
		rec = nopRecorder{}
	}
	if log == nil {
		discard := logrus.New()
		discard.SetLevel(logrus.PanicLevel)
		log = discard
	}
	proctor := NewProctorMonitorWithClock(settings.Proctor, store, now)
	issuer := NewCertificateIssuer(store, catalog, settings.Certificates, now, rec)
	return &Services{
		Attempts: &AttemptService{
			store:   store,
			catalog: catalog,
			proctor: proctor,
			streaks: NewStreakTracker(settings.StreakLocation),
			issuer:  issuer,
			rec:     rec,
			log:     log,
			now:     now,
		},
		Proctor:      proctor,
		Certificates: issuer,
		Verification: NewVerificationService(store, now, rec),
	}
}

// StartOrResume returns the caller's in-progress attempt for the assessment, creating one if needed.
func (s *AttemptService) StartOrResume(ctx context.Context, caller domain.Caller, assessmentID string) (StartResult, error) {
	assessment, err := s.catalog.GetAssessment(ctx, assessmentID)
	if err != nil {
		return StartResult{}, err
	}
	if !assessment.Active || !assessment.VisibleTo(caller) {
		return StartResult{}, fmt.Errorf("assessment %s: %w", assessmentID, domain.ErrNotFound)
	}
	total, err := authoritativeTotal(assessment)
	if err != nil {
		return StartResult{}, err
	}

	attempt := domain.Attempt{
		ID:           uuid.NewString(),
		AssessmentID: assessment.ID,
		StudentID:    caller.StudentID,
		State:        domain.StateInProgress,
		StartedAt:    s.now().UTC(),
		TotalMarks:   total,
		Flags:        []domain.ProctorFlag{},
	}
	stored, created, err := s.store.CreateAttempt(ctx, attempt)
	if err != nil {
		return StartResult{}, fmt.Errorf("create attempt: %w", err)
	}

	s.rec.AttemptStarted(!created)
	s.log.WithFields(logrus.Fields{
		"attempt_id":    stored.ID,
		"assessment_id": assessment.ID,
		"student_id":    caller.StudentID,
		"resumed":       !created,
	}).Info("attempt started")

	return StartResult{Attempt: stored, Assessment: assessment.StudentView(), Resumed: !created}, nil
}

// Submit applies the terminal transition exactly once. Submitting a terminal attempt again
// returns the stored result with Replayed set and re-applies nothing.
func (s *AttemptService) Submit(ctx context.Context, caller domain.Caller, attemptID string, sub Submission) (SubmissionResult, error) {
	attempt, err := loadOwnedAttempt(ctx, s.store, caller, attemptID)
	if err != nil {
		return SubmissionResult{}, err
	}
	if attempt.State.Terminal() {
		return s.replay(ctx, attempt)
	}

	assessment, err := s.catalog.GetAssessment(ctx, attempt.AssessmentID)
	if err != nil {
		return SubmissionResult{}, err
	}

	now := s.now().UTC()
	eval := Evaluate(attempt, assessment, sub.Answers, now)
	submitted := stampFlags(sub.Flags, now)

	var (
		final  domain.Attempt
		cert   *domain.Certificate
		minted bool
	)
	scope := TxScope{AttemptID: attempt.ID, StudentID: attempt.StudentID, SkillTag: assessment.SkillTag}
	err = s.store.InTx(ctx, scope, func(ctx context.Context, tx Tx) error {
		cert, minted = nil, false
		claimed, err := tx.ClaimAttempt(ctx, attempt.ID, func(current domain.Attempt) (domain.Attempt, error) {
			return s.finish(current, assessment, sub.TabSwitches, submitted, eval, now), nil
		})
		if err != nil {
			return err
		}
		final = claimed
		if err := tx.SaveAnswers(ctx, eval.Answers); err != nil {
			return err
		}
		in := SkillInput{
			StudentID:     final.StudentID,
			SkillTag:      assessment.SkillTag,
			QuestionCount: eval.QuestionCount,
			CorrectCount:  eval.CorrectCount,
			Percentage:    eval.Percentage,
		}
		if _, _, err := s.skills.Apply(ctx, tx, final.ID, in, now); err != nil {
			return fmt.Errorf("skill aggregate: %w", err)
		}
		if assessment.IsDailyQuiz {
			if _, _, err := s.streaks.Apply(ctx, tx, final.ID, final.StudentID, now); err != nil {
				return fmt.Errorf("streak aggregate: %w", err)
			}
		}
		if final.Passed {
			res, err := s.issuer.issueTx(ctx, tx, final, assessment, caller)
			if err != nil {
				return fmt.Errorf("certificate: %w", err)
			}
			cert, minted = &res.Certificate, !res.AlreadyExisted
		}
		return nil
	})
	if errors.Is(err, domain.ErrInvalidState) {
		// another request claimed the attempt first; answer with its stored result
		s.log.WithField("attempt_id", attempt.ID).Warn("attempt claimed concurrently")
		stored, loadErr := s.store.GetAttempt(ctx, attempt.ID)
		if loadErr != nil {
			return SubmissionResult{}, loadErr
		}
		return s.replay(ctx, stored)
	}
	if err != nil {
		return SubmissionResult{}, fmt.Errorf("submit attempt %s: %w", attempt.ID, err)
	}

	s.rec.AttemptSubmitted(final.State, false)
	if minted {
		s.rec.CertificateIssued()
	}
	entry := s.log.WithFields(logrus.Fields{
		"attempt_id":     final.ID,
		"student_id":     final.StudentID,
		"state":          final.State,
		"obtained_marks": final.ObtainedMarks,
		"total_marks":    final.TotalMarks,
		"passed":         final.Passed,
		"tab_switches":   final.TabSwitches,
	})
	if cert != nil {
		entry = entry.WithField("certificate_code", cert.Code)
	}
	entry.Info("attempt submitted")

	return SubmissionResult{Attempt: final, Answers: eval.Answers, Certificate: cert}, nil
}

// finish applies the submission to the attempt as it is stored at claim time, so tab switches
// recorded by the live channel up to that point count toward the classification.
func (s *AttemptService) finish(current domain.Attempt, assessment domain.Assessment, reported int, flags []domain.ProctorFlag, eval EvaluationResult, now time.Time) domain.Attempt {
	policy := s.proctor.Policy()
	tabSwitches := policy.EffectiveTabSwitches(reported, current)

	final := current
	final.State = policy.Classify(tabSwitches)
	final.SubmittedAt = &now
	final.ObtainedMarks = eval.ObtainedMarks
	final.Percentage = eval.Percentage
	final.Passed = eval.Passed
	final.TabSwitches = tabSwitches
	final.TimeTakenSeconds = eval.TimeTakenSeconds
	final.Flags = append(append([]domain.ProctorFlag{}, current.Flags...), flags...)
	if policy.IsLate(current, assessment, now) {
		final.Flags = append(final.Flags, domain.ProctorFlag{Type: domain.FlagLateSubmission, At: now})
	}
	return final
}

// Result returns the stored state of one of the caller's attempts.
func (s *AttemptService) Result(ctx context.Context, caller domain.Caller, attemptID string) (SubmissionResult, error) {
	attempt, err := loadOwnedAttempt(ctx, s.store, caller, attemptID)
	if err != nil {
		return SubmissionResult{}, err
	}
	return s.storedResult(ctx, attempt)
}

// Skills lists the caller's proficiency records.
func (s *AttemptService) Skills(ctx context.Context, caller domain.Caller) ([]domain.UserSkill, error) {
	return s.store.ListSkills(ctx, caller.StudentID)
}

// Streak returns the caller's daily-quiz streak.
func (s *AttemptService) Streak(ctx context.Context, caller domain.Caller) (domain.Streak, error) {
	return s.store.GetStreak(ctx, caller.StudentID)
}

func (s *AttemptService) replay(ctx context.Context, attempt domain.Attempt) (SubmissionResult, error) {
	res, err := s.storedResult(ctx, attempt)
	if err != nil {
		return SubmissionResult{}, err
	}
	res.Replayed = true
	s.rec.AttemptSubmitted(attempt.State, true)
	s.log.WithField("attempt_id", attempt.ID).Debug("submission replayed")
	return res, nil
}

func (s *AttemptService) storedResult(ctx context.Context, attempt domain.Attempt) (SubmissionResult, error) {
	res := SubmissionResult{Attempt: attempt, Answers: []domain.AttemptAnswer{}}
	if !attempt.State.Terminal() {
		return res, nil
	}
	answers, err := s.store.ListAnswers(ctx, attempt.ID)
	if err != nil {
		return SubmissionResult{}, err
	}
	res.Answers = answers
	cert, err := s.store.CertificateForAttempt(ctx, attempt.ID)
	switch {
	case err == nil:
		res.Certificate = &cert
	case !errors.Is(err, domain.ErrNotFound):
		return SubmissionResult{}, err
	}
	return res, nil
}

// authoritativeTotal reconciles the assessment's stored total with its question weights.
func authoritativeTotal(a domain.Assessment) (int, error) {
	for _, q := range a.Questions {
		if err := checkQuestion(q); err != nil {
			return 0, err
		}
	}
	sum := a.QuestionMarks()
	switch {
	case sum == 0:
		return a.TotalMarks, nil
	case a.TotalMarks > 0 && a.TotalMarks != sum:
		return 0, fmt.Errorf("assessment %s total %d != question marks %d: %w", a.ID, a.TotalMarks, sum, domain.ErrIntegrityViolation)
	default:
		return sum, nil
	}
}

func checkQuestion(q domain.Question) error {
	if n := len(q.Options); n < 2 || n > 4 {
		return fmt.Errorf("question %s has %d options: %w", q.ID, n, domain.ErrIntegrityViolation)
	}
	if q.Marks < 0 {
		return fmt.Errorf("question %s has negative marks: %w", q.ID, domain.ErrIntegrityViolation)
	}
	for _, o := range q.Options {
		if o.Key != "" && equalKey(o.Key, q.CorrectKey) {
			return nil
		}
	}
	return fmt.Errorf("question %s correct key %q not among options: %w", q.ID, q.CorrectKey, domain.ErrIntegrityViolation)
}
