// Package domain defines the core scheduler entities and errors.
package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a message or payload fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrTransientIO is returned for I/O failures that are expected to
	// succeed on retry. The memory-ops facade retries these at its own
	// layer before surfacing failure upward.
	ErrTransientIO = errors.New("transient I/O failure")

	// ErrHandlerTimeout is returned when a handler exceeds its per-label
	// execution budget. The task is retried through normal redelivery.
	ErrHandlerTimeout = errors.New("handler exceeded execution timeout")

	// ErrUnknownLabel is returned when no handler is registered for a
	// task label. Such tasks dead-letter immediately and are never
	// retried, since retrying cannot make the label resolvable.
	ErrUnknownLabel = errors.New("unknown task label")

	// ErrBackendUnavailable is returned when the queue backend cannot be
	// reached. The adapter backs off and the scheduler keeps running in a
	// degraded state.
	ErrBackendUnavailable = errors.New("queue backend unavailable")

	// ErrConfiguration is returned for configuration mistakes detected at
	// registration or startup. It is fatal and prevents the scheduler
	// from entering the Running state.
	ErrConfiguration = errors.New("configuration error")

	// ErrDuplicateTask is returned when a submitted dedup key is already
	// held by a non-terminal task.
	ErrDuplicateTask = errors.New("duplicate task")

	// ErrStaleTransition is returned when a compare-and-set state
	// transition finds the task in an unexpected state, typically because
	// a stale redelivery raced a newer transition.
	ErrStaleTransition = errors.New("stale state transition")

	// ErrNotFound is returned when a requested task does not exist.
	ErrNotFound = errors.New("task not found")
)
