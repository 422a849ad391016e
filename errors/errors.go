// Package errors provides the structured error type used across possync.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the engine must react to it.
type Kind string

const (
	// KindTransient covers network failures and timeouts. Retry with backoff.
	KindTransient Kind = "TRANSIENT"

	// KindValidation covers payloads the remote store rejects. Never retried;
	// the optimistic change is rolled back and the error surfaced.
	KindValidation Kind = "VALIDATION"

	// KindConflict covers stale-precondition rejections. Never retried; the
	// canonical record is re-fetched after rollback.
	KindConflict Kind = "CONFLICT"

	// KindAuth covers expired or invalid sessions. Draining pauses until the
	// session is refreshed.
	KindAuth Kind = "AUTH"

	// KindPersistence covers local storage failures. The affected operation
	// is considered lost and must be logged, never silently dropped.
	KindPersistence Kind = "PERSISTENCE"
)

// Operation identifies the engine operation during which an error occurred.
type Operation string

const (
	OpEnqueue   Operation = "enqueue"
	OpDrain     Operation = "drain"
	OpRemote    Operation = "remote"
	OpFeed      Operation = "feed"
	OpResolve   Operation = "resolve"
	OpRollback  Operation = "rollback"
	OpSnapshot  Operation = "snapshot"
	OpHydrate   Operation = "hydrate"
	OpProbe     Operation = "probe"
	OpClose     Operation = "close"
)

// SyncError is the error type produced by every possync component.
type SyncError struct {
	// Op is the operation during which the error occurred.
	Op Operation

	// Component that generated the error (e.g. "queue", "transport/http").
	Component string

	// Kind classifies the failure for retry and rollback decisions.
	Kind Kind

	// Retryable reports whether the operation may be attempted again.
	Retryable bool

	// Err is the underlying cause.
	Err error
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s failed in %s", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s failed", e.Op)
	}
	if e.Kind != "" {
		msg += fmt.Sprintf(" [%s]", e.Kind)
	}
	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// NewTransient creates a retryable network/timeout error.
func NewTransient(op Operation, component string, cause error) *SyncError {
	return &SyncError{Op: op, Component: component, Kind: KindTransient, Retryable: true, Err: cause}
}

// NewValidation creates a terminal validation error.
func NewValidation(op Operation, component string, cause error) *SyncError {
	return &SyncError{Op: op, Component: component, Kind: KindValidation, Err: cause}
}

// NewConflict creates a terminal stale-precondition error.
func NewConflict(op Operation, component string, cause error) *SyncError {
	return &SyncError{Op: op, Component: component, Kind: KindConflict, Err: cause}
}

// NewAuth creates a terminal authentication/session error.
func NewAuth(op Operation, component string, cause error) *SyncError {
	return &SyncError{Op: op, Component: component, Kind: KindAuth, Err: cause}
}

// NewPersistence creates a local-storage error.
func NewPersistence(op Operation, component string, cause error) *SyncError {
	return &SyncError{Op: op, Component: component, Kind: KindPersistence, Err: cause}
}

// New creates an unclassified SyncError.
func New(op Operation, cause error) *SyncError {
	return &SyncError{Op: op, Err: cause}
}

// IsRetryable reports whether err is a SyncError marked retryable.
func IsRetryable(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// KindOf returns the Kind of err, or "" if err is not a SyncError.
func KindOf(err error) Kind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
