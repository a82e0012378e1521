package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// VerificationErrorKind classifies why a token failed verification.
type VerificationErrorKind int

const (
	Malformed VerificationErrorKind = iota
	BadSignature
	Expired
)

func (k VerificationErrorKind) String() string {
	switch k {
	case Expired:
		return "expired"
	case BadSignature:
		return "bad signature"
	default:
		return "malformed"
	}
}

// VerificationError is returned by Verify when a token is not acceptable.
type VerificationError struct {
	Kind VerificationErrorKind
	Err  error
}

func (e *VerificationError) Error() string {
	if e.Err == nil {
		return "token verification failed: " + e.Kind.String()
	}
	return "token verification failed: " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *VerificationError) Unwrap() error { return e.Err }

func newVerificationError(err error) *VerificationError {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return &VerificationError{Kind: Expired, Err: err}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return &VerificationError{Kind: BadSignature, Err: err}
	default:
		return &VerificationError{Kind: Malformed, Err: err}
	}
}
