package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"skillvault-service/internal/domain"
)

// Claims carries the caller identity issued by the platform's auth service.
type Claims struct {
	CollegeID string      `json:"collegeId"`
	Role      domain.Role `json:"role"`
	Name      string      `json:"name"`
	Email     string      `json:"email"`
	jwt.RegisteredClaims
}

// Service signs and verifies HS256 bearer tokens.
type Service struct {
	hmac   []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewService(secret, issuer string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{hmac: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

// Issue mints a token for caller. It backs the dev token command and tests.
func (s *Service) Issue(caller domain.Caller) (string, error) {
	now := s.now()
	claims := &Claims{
		CollegeID: caller.CollegeID,
		Role:      caller.Role,
		Name:      caller.Name,
		Email:     caller.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   caller.StudentID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(s.hmac)
}

// Parse validates a raw token and returns the identity it carries.
func (s *Service) Parse(raw string) (domain.Caller, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.hmac, nil
	}, opts...)
	if err != nil {
		return domain.Caller{}, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	c, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || c.Subject == "" {
		return domain.Caller{}, domain.ErrUnauthenticated
	}
	role := c.Role
	if role == "" {
		role = domain.RoleStudent
	}
	return domain.Caller{
		StudentID: c.Subject,
		CollegeID: c.CollegeID,
		Role:      role,
		Name:      c.Name,
		Email:     c.Email,
	}, nil
}

// FromHeader extracts the identity from an "Authorization: Bearer" header value.
func (s *Service) FromHeader(header string) (domain.Caller, error) {
	if !strings.HasPrefix(header, "Bearer ") {
		return domain.Caller{}, errors.New("missing bearer")
	}
	return s.Parse(strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")))
}
