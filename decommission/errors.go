package decommission

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the job or identity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState indicates the job is not in a state that allows the operation.
	ErrInvalidState = errors.New("invalid job state")
	// ErrAlreadyActive indicates the identity already has a pending, running or completed job.
	ErrAlreadyActive = errors.New("identity already has an active decommission job")
	// ErrInvalidArgument indicates a malformed request.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrStoreFailure matches any error wrapped in a StoreError.
	ErrStoreFailure = errors.New("store failure")
)

// StoreError wraps a persistence failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return target == ErrStoreFailure
}

// storeErr wraps err unless it is one of the domain sentinels.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidState) || errors.Is(err, ErrAlreadyActive) ||
		errors.Is(err, ErrInvalidArgument) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

func invalidState(id string, s Status, want string) error {
	return fmt.Errorf("job %s is %s, must be %s: %w", id, s, want, ErrInvalidState)
}
