// Package errors provides the error taxonomy shared by the docsync packages
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents the type of error that occurred
type ErrorCode string

const (
	// ErrCodeTransientRemote marks a retryable remote or network failure.
	ErrCodeTransientRemote ErrorCode = "TRANSIENT_REMOTE"
	// ErrCodeConflictDetected marks a field-level conflict between client and server data.
	ErrCodeConflictDetected ErrorCode = "CONFLICT_DETECTED"
	// ErrCodeQueueCapacity marks an eviction from a full offline queue.
	ErrCodeQueueCapacity ErrorCode = "QUEUE_CAPACITY"
	// ErrCodeQueueCorruption marks a malformed persisted queue blob.
	ErrCodeQueueCorruption ErrorCode = "QUEUE_CORRUPTION"
	// ErrCodeTerminalDrop marks an operation discarded after its retry budget ran out.
	ErrCodeTerminalDrop ErrorCode = "TERMINAL_DROP"

	ErrCodeStorageFailure    ErrorCode = "STORAGE_FAILURE"
	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
	ErrCodeRemoteRejected    ErrorCode = "REMOTE_REJECTED"
)

// Operation represents the docsync operation during which an error occurred
type Operation string

const (
	OpGet             Operation = "get"
	OpSet             Operation = "set"
	OpUpdate          Operation = "update"
	OpDelete          Operation = "delete"
	OpEnqueue         Operation = "enqueue"
	OpLoad            Operation = "load"
	OpPersist         Operation = "persist"
	OpDrain           Operation = "drain"
	OpReplay          Operation = "replay"
	OpConflictResolve Operation = "conflict_resolve"
	OpNetwork         Operation = "network"
	OpInit            Operation = "init"
	OpClose           Operation = "close"
)

// SyncError represents an error that occurred during synchronization
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "queue", "remote")
	Component string

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Error code for the error type
	Code ErrorCode

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// WithMetadata attaches a key/value pair and returns the same error for chaining.
func (e *SyncError) WithMetadata(key string, value interface{}) *SyncError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// NewTransientRemoteError creates a retryable remote-store SyncError
func NewTransientRemoteError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeTransientRemote,
		Op:        op,
		Component: "remote",
		Err:       cause,
		Retryable: true,
	}
}

// NewRemoteRejectedError creates a non-retryable remote-store SyncError,
// used when the server answered but refused the request.
func NewRemoteRejectedError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeRemoteRejected,
		Op:        op,
		Component: "remote",
		Err:       cause,
		Retryable: false,
	}
}

// NewConflictError creates a conflict-related SyncError
func NewConflictError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeConflictDetected,
		Op:        op,
		Component: "conflict",
		Err:       cause,
		Retryable: false,
	}
}

// NewCapacityWarning creates the non-fatal error logged when the queue evicts entries
func NewCapacityWarning(cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeQueueCapacity,
		Op:        OpEnqueue,
		Component: "queue",
		Err:       cause,
	}
}

// NewCorruptionError creates the error logged when a persisted queue blob is malformed
func NewCorruptionError(cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeQueueCorruption,
		Op:        OpLoad,
		Component: "queue",
		Err:       cause,
	}
}

// NewTerminalDrop creates the error logged when an operation exhausts its retry budget
func NewTerminalDrop(cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeTerminalDrop,
		Op:        OpReplay,
		Component: "queue",
		Err:       cause,
	}
}

// NewStorageError creates a new storage-related SyncError
func NewStorageError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeStorageFailure,
		Op:        op,
		Component: "storage",
		Err:       cause,
		Retryable: true,
	}
}

// NewValidationError creates a new validation-related SyncError
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeValidationFailure,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// New creates a new SyncError
func New(op Operation, err error) *SyncError {
	return &SyncError{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new SyncError with component information
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// NewRetryable creates a new retryable SyncError
func NewRetryable(op Operation, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Err:       err,
		Retryable: true,
	}
}

// IsRetryable checks if an error is a retryable SyncError
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// HasCode reports whether any SyncError in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var syncErr *SyncError
		if !errors.As(err, &syncErr) {
			return false
		}
		if syncErr.Code == code {
			return true
		}
		err = syncErr.Err
	}
	return false
}
