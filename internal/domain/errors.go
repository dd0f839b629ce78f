package domain

import "errors"

var (
	// ErrNotFound covers assessments, attempts, and certificates that are absent or not visible to the caller.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState is returned when an attempt is not in the state an operation requires.
	ErrInvalidState = errors.New("invalid attempt state")
	// ErrNotEligible is returned when a certificate is requested for a failing attempt.
	ErrNotEligible = errors.New("attempt not eligible for certificate")
	// ErrAlreadyExists signals a duplicate certificate; callers treat it as success with the existing record.
	ErrAlreadyExists = errors.New("already exists")
	// ErrIntegrityViolation indicates stored catalog data disagrees with itself.
	ErrIntegrityViolation = errors.New("data integrity violation")
	// ErrUnauthenticated is returned when no valid identity accompanies a request.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrInvalidInput indicates a malformed request.
	ErrInvalidInput = errors.New("invalid input")
)
