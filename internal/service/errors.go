package service

import (
	"errors"
	"fmt"
	"strings"

	"taskflow/internal/repository"
)

var (
	ErrNotFound     = fmt.Errorf("not found: %w", repository.ErrNotFound)
	ErrValidation   = errors.New("validation failed")
	ErrConflict     = errors.New("task was modified concurrently, reload and retry")
	ErrUnauthorized = errors.New("invalid credentials")
	ErrEmailTaken   = errors.New("email already exists")
)

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotificationError reports that a committed mutation could not enqueue its
// status notifications. The mutation itself is durable.
type NotificationError struct {
	Op      string
	TaskIDs []string
	Err     error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("%s committed but status notification failed for [%s]: %v",
		e.Op, strings.Join(e.TaskIDs, ", "), e.Err)
}

func (e *NotificationError) Unwrap() error {
	return e.Err
}

// storeError maps repository sentinels onto service errors and returns
// anything else unchanged.
func storeError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, repository.ErrVersionConflict):
		return ErrConflict
	}
	return err
}
