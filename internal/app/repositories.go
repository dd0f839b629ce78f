package app

import (
	"context"
	"time"

	"skillvault-service/internal/domain"
)

// CatalogRepository loads assessments together with their ordered questions.
// It stands in for both the assessment source and the question source.
type CatalogRepository interface {
	GetAssessment(ctx context.Context, assessmentID string) (domain.Assessment, error)
}

// AttemptRepository persists attempts outside of the terminal transition.
type AttemptRepository interface {
	// CreateAttempt stores a new in-progress attempt unless one already exists for the
	// same (student, assessment) pair, in which case the existing one is returned with created=false.
	CreateAttempt(ctx context.Context, attempt domain.Attempt) (stored domain.Attempt, created bool, err error)
	GetAttempt(ctx context.Context, attemptID string) (domain.Attempt, error)
	ListAnswers(ctx context.Context, attemptID string) ([]domain.AttemptAnswer, error)
	// AppendFlags records integrity events on an in-progress attempt and bumps its
	// tab switch counter. Terminal attempts yield domain.ErrInvalidState.
	AppendFlags(ctx context.Context, attemptID string, flags []domain.ProctorFlag) (domain.Attempt, error)
}

// CertificateRepository is the read and revoke side of issued certificates.
type CertificateRepository interface {
	GetCertificate(ctx context.Context, certificateID string) (domain.Certificate, error)
	CertificateByCode(ctx context.Context, code string) (domain.Certificate, error)
	CertificateForAttempt(ctx context.Context, attemptID string) (domain.Certificate, error)
	ListCertificates(ctx context.Context, studentID string) ([]domain.Certificate, error)
	RevokeCertificate(ctx context.Context, certificateID string, at time.Time) (domain.Certificate, error)
}

// AggregateRepository reads the long-lived per-student aggregates.
type AggregateRepository interface {
	ListSkills(ctx context.Context, studentID string) ([]domain.UserSkill, error)
	// GetStreak returns a zero streak (with StudentID set) when the student has none yet.
	GetStreak(ctx context.Context, studentID string) (domain.Streak, error)
}

// TxScope names the records a unit of work may touch. Document backends watch these keys.
type TxScope struct {
	AttemptID string
	StudentID string
	SkillTag  string
}

// FinishFunc derives the terminal attempt from the stored in-progress one.
type FinishFunc func(current domain.Attempt) (domain.Attempt, error)

// Tx is the unit of work that applies a terminal transition. Everything written through a
// Tx commits together or not at all.
type Tx interface {
	// ClaimAttempt reads the stored attempt inside the unit, hands it to finish and writes the
	// terminal attempt finish returns. The stored attempt must still be in progress, otherwise
	// it returns domain.ErrInvalidState. Flags recorded concurrently are part of what finish sees.
	ClaimAttempt(ctx context.Context, attemptID string, finish FinishFunc) (domain.Attempt, error)
	SaveAnswers(ctx context.Context, answers []domain.AttemptAnswer) error
	// MarkApplied records that an aggregate consumed the attempt; false means it already had.
	MarkApplied(ctx context.Context, attemptID string, aggregate domain.Aggregate) (bool, error)
	// LockSkill returns the current skill row (zero counts when absent) for update.
	LockSkill(ctx context.Context, studentID, skillTag string) (domain.UserSkill, error)
	SaveSkill(ctx context.Context, skill domain.UserSkill) error
	// LockStreak returns the current streak (zero when absent) for update.
	LockStreak(ctx context.Context, studentID string) (domain.Streak, error)
	SaveStreak(ctx context.Context, streak domain.Streak) error
	CertificateByAttempt(ctx context.Context, attemptID string) (domain.Certificate, bool, error)
	CodeTaken(ctx context.Context, code string) (bool, error)
	// InsertCertificate returns domain.ErrAlreadyExists if the attempt already has one.
	InsertCertificate(ctx context.Context, cert domain.Certificate) error
}

// Store abstracts the backing store (in-memory, relational, document).
type Store interface {
	AttemptRepository
	CertificateRepository
	AggregateRepository
	InTx(ctx context.Context, scope TxScope, fn func(ctx context.Context, tx Tx) error) error
}

// Recorder receives lifecycle counters.
type Recorder interface {
	AttemptStarted(resumed bool)
	AttemptSubmitted(state domain.AttemptState, replayed bool)
	CertificateIssued()
	Verification(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) AttemptStarted(bool)                        {}
func (nopRecorder) AttemptSubmitted(domain.AttemptState, bool) {}
func (nopRecorder) CertificateIssued()                         {}
func (nopRecorder) Verification(string)                        {}
