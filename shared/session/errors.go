package session

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnauthenticated covers missing, unknown, expired, revoked and malformed tokens alike.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrUnauthorized is returned when a valid session lacks the required grant.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound is returned when a referenced session record does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrStoreUnavailable matches every *StoreError.
	ErrStoreUnavailable = errors.New("session store unavailable")

	// ErrPartialFailure matches every *PartialFailureError.
	ErrPartialFailure = errors.New("grant propagation partially failed")
)

// StoreError wraps a transport or timeout error from an underlying store.
type StoreError struct {
	Op  string
	Err error
}

// NewStoreError wraps err for operation op.
func NewStoreError(op string, err error) *StoreError {
	return &StoreError{Op: op, Err: err}
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStoreUnavailable.Error(), e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

// TokenFailure records a failed per-token step of a grant propagation.
type TokenFailure struct {
	Token string
	Err   error
}

// PartialFailureError reports the tokens that could not be updated during a propagation.
// The remaining tokens were processed.
type PartialFailureError struct {
	UserID   int64
	Failures []TokenFailure
}

func (e *PartialFailureError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, MaskToken(f.Token)+": "+f.Err.Error())
	}
	return fmt.Sprintf("%s for user %d (%d failed): %s",
		ErrPartialFailure.Error(), e.UserID, len(e.Failures), strings.Join(msgs, "; "))
}

func (e *PartialFailureError) Is(target error) bool { return target == ErrPartialFailure }

func (e *PartialFailureError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}
