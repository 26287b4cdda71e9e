package calsync

import (
	"errors"
	"fmt"
)

// Errors returned by Coordinator operations.
//
// Check them with errors.Is:
//
//	if errors.Is(err, calsync.ErrRemoteUnavailable) {
//	    // the failure was recorded as SYNC_FAILED; a later retry may succeed
//	}
var (
	// ErrNotFound is returned when the task, its link, or the remote event
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadySynced is returned by EnableSync for a task that already
	// has a calendar link. No remote call is made.
	ErrAlreadySynced = errors.New("task is already synced")

	// ErrInvalidOperation is returned when the task is not in a state that
	// allows the operation, for example pushing a task that is not synced.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrNoConflict is returned when resolving a link that has no conflict
	// flagged. It is an ErrInvalidOperation.
	ErrNoConflict = fmt.Errorf("%w: no conflict to resolve", ErrInvalidOperation)

	// ErrConcurrentUpdate is returned when another writer changed the link
	// between read and write. It is an ErrInvalidOperation.
	ErrConcurrentUpdate = fmt.Errorf("%w: link was modified concurrently", ErrInvalidOperation)

	// ErrInvalidInput is returned for malformed arguments: an unknown
	// strategy, an empty manual resolution, an unparseable due date.
	ErrInvalidInput = errors.New("invalid input")

	// ErrRemoteUnavailable is returned when the remote calendar failed or
	// timed out.
	ErrRemoteUnavailable = errors.New("remote calendar unavailable")
)

// IsRetryable returns true if the error is likely to succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrRemoteUnavailable) || errors.Is(err, ErrConcurrentUpdate)
}

// IsUserActionRequired returns true if the caller must change its request
// (or the task) before trying again.
func IsUserActionRequired(err error) bool {
	if err == nil || errors.Is(err, ErrConcurrentUpdate) {
		return false
	}
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrAlreadySynced) ||
		errors.Is(err, ErrInvalidOperation)
}

// Kind returns a stable upper-case name for the error's category, used in
// API responses and CLI output. Unknown errors are "INTERNAL".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrAlreadySynced):
		return "ALREADY_SYNCED"
	case errors.Is(err, ErrNoConflict):
		return "NO_CONFLICT"
	case errors.Is(err, ErrConcurrentUpdate):
		return "CONCURRENT_UPDATE"
	case errors.Is(err, ErrInvalidOperation):
		return "INVALID_OPERATION"
	case errors.Is(err, ErrInvalidInput):
		return "INVALID_INPUT"
	case errors.Is(err, ErrRemoteUnavailable):
		return "REMOTE_UNAVAILABLE"
	}
	return "INTERNAL"
}
