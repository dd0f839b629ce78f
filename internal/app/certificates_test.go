package app_test

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"skillvault-service/internal/app"
	"skillvault-service/internal/domain"
)

var codePattern = regexp.MustCompile(`^SV-[0-9A-Z]+-[0-9A-F]{8}$`)

func passAttempt(t *testing.T, f *fixture, assessmentID string) app.SubmissionResult {
	t.Helper()
	ctx := context.Background()
	started, err := f.services.Attempts.StartOrResume(ctx, student, assessmentID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	res, err := f.services.Attempts.Submit(ctx, student, started.Attempt.ID, app.Submission{
		Answers: map[string]string{"q1": "A", "q2": "B", "q3": "C", "q4": "A"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return res
}

func TestPassingSubmissionIssuesCertificate(t *testing.T) {
	f := newFixture(fourQuestionAssessment("go-101", 20))
	res := passAttempt(t, f, "go-101")

	if res.Certificate == nil {
		t.Fatalf("expected a certificate for a passing attempt")
	}
	cert := *res.Certificate
	if !codePattern.MatchString(cert.Code) {
		t.Fatalf("unexpected code format %q", cert.Code)
	}
	if cert.Score != 30 || cert.TotalMarks != 40 || cert.Percentage != 75 {
		t.Fatalf("unexpected score snapshot %+v", cert)
	}
	if cert.StudentName != student.Name || cert.AssessmentTitle != "Go Fundamentals" || cert.CollegeName != "North Campus" {
		t.Fatalf("unexpected denormalized fields %+v", cert)
	}
	if !strings.HasSuffix(cert.VerificationURL, "/verify/"+cert.Code) {
		t.Fatalf("unexpected verification url %q", cert.VerificationURL)
	}
	if cert.ExpiresAt == nil || !cert.ExpiresAt.Equal(f.clock.now.Add(2*365*24*time.Hour)) {
		t.Fatalf("unexpected expiry %v", cert.ExpiresAt)
	}
}

func TestIssueIsIdempotentPerAttempt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(fourQuestionAssessment("go-101", 20))
	res := passAttempt(t, f, "go-101")

	for i := 0; i < 3; i++ {
		again, err := f.services.Certificates.Issue(ctx, student, res.Attempt.ID)
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		if !again.AlreadyExisted || again.Certificate.ID != res.Certificate.ID {
			t.Fatalf("expected the existing certificate, got %+v", again)
		}
	}

	certs, err := f.services.Certificates.ForStudent(ctx, student)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(certs) != 1 {
		t.Fatalf("expected exactly one certificate, got %d", len(certs))
	}
}

func TestIssueRejectsFailedAndInProgressAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(fourQuestionAssessment("go-101", 20))
	started, err := f.services.Attempts.StartOrResume(ctx, student, "go-101")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := f.services.Certificates.Issue(ctx, student, started.Attempt.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected invalid state for in-progress attempt, got %v", err)
	}

	res, err := f.services.Attempts.Submit(ctx, student, started.Attempt.ID, app.Submission{
		Answers: map[string]string{"q1": "A"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Attempt.Passed || res.Certificate != nil {
		t.Fatalf("10/40 must not pass: %+v", res.Attempt)
	}
	if _, err := f.services.Certificates.Issue(ctx, student, started.Attempt.ID); !errors.Is(err, domain.ErrNotEligible) {
		t.Fatalf("expected not eligible, got %v", err)
	}
}

func TestRevokeRequiresAdminOfSameCollege(t *testing.T) {
	ctx := context.Background()
	f := newFixture(fourQuestionAssessment("go-101", 20))
	cert := passAttempt(t, f, "go-101").Certificate

	outsider := domain.Caller{StudentID: "admin-2", CollegeID: "college-2", Role: domain.RoleCollegeAdmin}
	if _, err := f.services.Certificates.Revoke(ctx, outsider, cert.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for other college, got %v", err)
	}
	if _, err := f.services.Certificates.Revoke(ctx, student, cert.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for a student, got %v", err)
	}

	admin := domain.Caller{StudentID: "admin-1", CollegeID: "college-1", Role: domain.RoleCollegeAdmin}
	revoked, err := f.services.Certificates.Revoke(ctx, admin, cert.ID)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if !revoked.Revoked || revoked.RevokedAt == nil {
		t.Fatalf("expected revoked certificate, got %+v", revoked)
	}
	again, err := f.services.Certificates.Revoke(ctx, admin, cert.ID)
	if err != nil || !again.RevokedAt.Equal(*revoked.RevokedAt) {
		t.Fatalf("second revoke should be a no-op: %+v %v", again, err)
	}
}
