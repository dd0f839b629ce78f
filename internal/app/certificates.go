package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"skillvault-service/internal/domain"
)

const maxCodeAttempts = 5

// CertificatePolicy controls how certificates are minted.
type CertificatePolicy struct {
	CodePrefix string
	// Validity of zero issues certificates that never expire.
	Validity time.Duration
	// VerifyURLTemplate contains "{code}", e.g. "https://skillvault.app/verify/{code}".
	VerifyURLTemplate string
}

// IssueResult carries the certificate and whether it already existed for the attempt.
type IssueResult struct {
	Certificate    domain.Certificate
	AlreadyExisted bool
}

// CertificateIssuer mints at most one certificate per passing attempt.
type CertificateIssuer struct {
	store   Store
	catalog CatalogRepository
	policy  CertificatePolicy
	now     func() time.Time
	rec     Recorder
}

func NewCertificateIssuer(store Store, catalog CatalogRepository, policy CertificatePolicy, now func() time.Time, rec Recorder) *CertificateIssuer {
	if now == nil {
		now = time.Now
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	if policy.CodePrefix == "" {
		policy.CodePrefix = "SV"
	}
	return &CertificateIssuer{store: store, catalog: catalog, policy: policy, now: now, rec: rec}
}

// Issue mints (or returns the existing) certificate for a terminal, passing attempt of the caller.
func (i *CertificateIssuer) Issue(ctx context.Context, caller domain.Caller, attemptID string) (IssueResult, error) {
	attempt, err := loadOwnedAttempt(ctx, i.store, caller, attemptID)
	if err != nil {
		return IssueResult{}, err
	}
	if !attempt.State.Terminal() {
		return IssueResult{}, fmt.Errorf("issue certificate for %s attempt: %w", attempt.State, domain.ErrInvalidState)
	}
	assessment, err := i.catalog.GetAssessment(ctx, attempt.AssessmentID)
	if err != nil {
		return IssueResult{}, err
	}

	var res IssueResult
	err = i.store.InTx(ctx, TxScope{AttemptID: attempt.ID, StudentID: attempt.StudentID}, func(ctx context.Context, tx Tx) error {
		var err error
		res, err = i.issueTx(ctx, tx, attempt, assessment, caller)
		return err
	})
	if err != nil {
		return IssueResult{}, err
	}
	if !res.AlreadyExisted {
		i.rec.CertificateIssued()
	}
	return res, nil
}

// issueTx is the check-then-create sequence run inside the caller's unit of work.
func (i *CertificateIssuer) issueTx(ctx context.Context, tx Tx, attempt domain.Attempt, assessment domain.Assessment, student domain.Caller) (IssueResult, error) {
	if err := checkEligible(attempt, assessment); err != nil {
		return IssueResult{}, err
	}

	existing, ok, err := tx.CertificateByAttempt(ctx, attempt.ID)
	if err != nil {
		return IssueResult{}, err
	}
	if ok {
		return IssueResult{Certificate: existing, AlreadyExisted: true}, nil
	}

	code, err := i.uniqueCode(ctx, tx)
	if err != nil {
		return IssueResult{}, err
	}

	now := i.now().UTC()
	cert := domain.Certificate{
		ID:              uuid.NewString(),
		AttemptID:       attempt.ID,
		StudentID:       attempt.StudentID,
		StudentName:     student.Name,
		StudentEmail:    student.Email,
		AssessmentID:    assessment.ID,
		AssessmentTitle: assessment.Title,
		CollegeID:       assessment.CollegeID,
		CollegeName:     assessment.CollegeName,
		SkillTag:        assessment.SkillTag,
		Score:           attempt.ObtainedMarks,
		TotalMarks:      attempt.TotalMarks,
		Percentage:      attempt.Percentage,
		Code:            code,
		VerificationURL: i.verificationURL(code),
		IssuedAt:        now,
	}
	if i.policy.Validity > 0 {
		expires := now.Add(i.policy.Validity)
		cert.ExpiresAt = &expires
	}

	if err := tx.InsertCertificate(ctx, cert); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			existing, ok, lookupErr := tx.CertificateByAttempt(ctx, attempt.ID)
			if lookupErr == nil && ok {
				return IssueResult{Certificate: existing, AlreadyExisted: true}, nil
			}
		}
		return IssueResult{}, err
	}
	return IssueResult{Certificate: cert}, nil
}

// Revoke marks a certificate revoked. Revoking twice is a successful no-op.
func (i *CertificateIssuer) Revoke(ctx context.Context, caller domain.Caller, certificateID string) (domain.Certificate, error) {
	cert, err := i.store.GetCertificate(ctx, certificateID)
	if err != nil {
		return domain.Certificate{}, err
	}
	if !canRevoke(caller, cert) {
		return domain.Certificate{}, fmt.Errorf("certificate %s: %w", certificateID, domain.ErrNotFound)
	}
	if cert.Revoked {
		return cert, nil
	}
	return i.store.RevokeCertificate(ctx, certificateID, i.now().UTC())
}

// ForStudent lists the caller's certificates.
func (i *CertificateIssuer) ForStudent(ctx context.Context, caller domain.Caller) ([]domain.Certificate, error) {
	return i.store.ListCertificates(ctx, caller.StudentID)
}

func checkEligible(attempt domain.Attempt, assessment domain.Assessment) error {
	if !attempt.Passed {
		return fmt.Errorf("attempt %s did not pass: %w", attempt.ID, domain.ErrNotEligible)
	}
	passingGrade := percentOf(assessment.PassingMarks, attempt.TotalMarks)
	if attempt.Percentage < passingGrade {
		return fmt.Errorf("attempt %s scored %.2f%% below %.2f%%: %w", attempt.ID, attempt.Percentage, passingGrade, domain.ErrNotEligible)
	}
	return nil
}

func canRevoke(caller domain.Caller, cert domain.Certificate) bool {
	switch caller.Role {
	case domain.RoleAdmin:
		return true
	case domain.RoleCollegeAdmin:
		return caller.CollegeID != "" && caller.CollegeID == cert.CollegeID
	default:
		return false
	}
}

func (i *CertificateIssuer) uniqueCode(ctx context.Context, tx Tx) (string, error) {
	for n := 0; n < maxCodeAttempts; n++ {
		code, err := newCode(i.policy.CodePrefix, i.now())
		if err != nil {
			return "", err
		}
		taken, err := tx.CodeTaken(ctx, code)
		if err != nil {
			return "", err
		}
		if !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("no free certificate code after %d tries", maxCodeAttempts)
}

// newCode combines a base36 millisecond timestamp with 32 random bits: PREFIX-TIME-RANDOM.
func newCode(prefix string, at time.Time) (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("certificate code: %w", err)
	}
	stamp := strconv.FormatInt(at.UnixMilli(), 36)
	return domain.NormalizeCode(prefix + "-" + stamp + "-" + hex.EncodeToString(buf)), nil
}

func (i *CertificateIssuer) verificationURL(code string) string {
	if i.policy.VerifyURLTemplate == "" {
		return ""
	}
	return strings.ReplaceAll(i.policy.VerifyURLTemplate, "{code}", code)
}
