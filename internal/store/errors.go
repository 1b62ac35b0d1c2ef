package store

import "errors"

// Common store errors used across all store implementations.
var (
	// ErrNotFound is returned when a requested record does not exist in
	// the store.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when an operation would create a duplicate
	// of a unique record (e.g. a second active task with the same dedup
	// key).
	ErrDuplicate = errors.New("record already exists")

	// ErrInvalidEntity is returned when a record fails a database
	// constraint before being stored. Check the wrapped error for the
	// violated constraint.
	ErrInvalidEntity = errors.New("invalid record")
)

// IsNotFoundError checks if the error is a "not found" error.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicateError checks if the error is a "duplicate" error.
func IsDuplicateError(err error) bool {
	return errors.Is(err, ErrDuplicate)
}
