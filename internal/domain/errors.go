package domain

import (
	"errors"
	"fmt"
)

// Failure taxonomy shared by the coordinator, query service and transports.
var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrForbidden       = errors.New("forbidden")
	ErrInvalidState    = errors.New("invalid state")
	ErrUnavailable     = errors.New("unavailable")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Unavailable wraps a backing-store failure so it matches both
// ErrUnavailable and the original error.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// InvariantError reports a session record that breaks a data invariant.
type InvariantError struct {
	Session string
	Status  Status
	Rule    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("session %q (%s) violates invariant: %s", e.Session, e.Status, e.Rule)
}
