package app

import (
	"context"
	"errors"
	"time"

	"skillvault-service/internal/domain"
)

// VerificationReason explains why a code does not verify.
type VerificationReason string

const (
	ReasonNotFound VerificationReason = "not_found"
	ReasonRevoked  VerificationReason = "revoked"
	ReasonExpired  VerificationReason = "expired"
)

// PublicCertificate is what an anonymous verifier may see. Internal ids and the student's
// email stay out of it.
type PublicCertificate struct {
	Code            string     `json:"code"`
	StudentName     string     `json:"studentName"`
	AssessmentTitle string     `json:"assessmentTitle"`
	CollegeName     string     `json:"collegeName"`
	SkillTag        string     `json:"skillTag"`
	Score           int        `json:"score"`
	TotalMarks      int        `json:"totalMarks"`
	Percentage      float64    `json:"percentage"`
	IssuedAt        time.Time  `json:"issuedAt"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	Revoked         bool       `json:"revoked"`
	VerificationURL string     `json:"verificationUrl,omitempty"`
}

// Verification is the answer to a public lookup.
type Verification struct {
	Valid       bool               `json:"valid"`
	Reason      VerificationReason `json:"reason,omitempty"`
	Certificate *PublicCertificate `json:"certificate,omitempty"`
}

// VerificationService resolves codes to certificates without authentication.
type VerificationService struct {
	certs CertificateRepository
	now   func() time.Time
	rec   Recorder
}

func NewVerificationService(certs CertificateRepository, now func() time.Time, rec Recorder) *VerificationService {
	if now == nil {
		now = time.Now
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &VerificationService{certs: certs, now: now, rec: rec}
}

// Verify looks a code up case-insensitively. Revoked and expired certificates are
// reported invalid but their details are still returned.
func (v *VerificationService) Verify(ctx context.Context, code string) (Verification, error) {
	code = domain.NormalizeCode(code)
	if code == "" {
		v.rec.Verification(string(ReasonNotFound))
		return Verification{Reason: ReasonNotFound}, nil
	}

	cert, err := v.certs.CertificateByCode(ctx, code)
	if errors.Is(err, domain.ErrNotFound) {
		v.rec.Verification(string(ReasonNotFound))
		return Verification{Reason: ReasonNotFound}, nil
	}
	if err != nil {
		return Verification{}, err
	}

	out := Verification{Valid: true, Certificate: publicView(cert)}
	switch {
	case cert.Revoked:
		out.Valid, out.Reason = false, ReasonRevoked
	case cert.ExpiresAt != nil && v.now().After(*cert.ExpiresAt):
		out.Valid, out.Reason = false, ReasonExpired
	}

	outcome := "valid"
	if !out.Valid {
		outcome = string(out.Reason)
	}
	v.rec.Verification(outcome)
	return out, nil
}

func publicView(c domain.Certificate) *PublicCertificate {
	return &PublicCertificate{
		Code:            c.Code,
		StudentName:     c.StudentName,
		AssessmentTitle: c.AssessmentTitle,
		CollegeName:     c.CollegeName,
		SkillTag:        c.SkillTag,
		Score:           c.Score,
		TotalMarks:      c.TotalMarks,
		Percentage:      c.Percentage,
		IssuedAt:        c.IssuedAt,
		ExpiresAt:       c.ExpiresAt,
		Revoked:         c.Revoked,
		VerificationURL: c.VerificationURL,
	}
}
