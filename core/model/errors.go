// Package model defines the core data types of the ontology store: commits,
// type names, schema versions, activation records, entity/relation history
// rows, durable events, claims, dead letters, sessions and the write lock.
// It mirrors the role core/schema/definition.go plays in the teacher repo,
// generalized from a single-collection document store to a versioned,
// graph-shaped ontology.
package model

import (
	"errors"
	"fmt"
)

// Kind distinguishes the two governed shapes a TypeName can take.
type Kind string

const (
	KindEntity   Kind = "entity"
	KindRelation Kind = "relation"
)

// ErrorCode discriminates the tagged error kinds from spec §7.
type ErrorCode string

const (
	ErrUninitializedStorage ErrorCode = "uninitialized_storage"
	ErrLockContention       ErrorCode = "lock_contention"
	ErrLeaseExpired         ErrorCode = "lease_expired"
	ErrHeadMismatch         ErrorCode = "head_mismatch"
	ErrBatchSizeExceeded    ErrorCode = "batch_size_exceeded"
	ErrSchemaOutdated       ErrorCode = "schema_outdated"
	ErrMigrationToken       ErrorCode = "migration_token_error"
	ErrMissingUpgrader      ErrorCode = "missing_upgrader_error"
	ErrMigrationFailed      ErrorCode = "migration_error"
	ErrCommitChainDepth     ErrorCode = "commit_chain_depth"
	ErrEventLoopLimit       ErrorCode = "event_loop_limit"
	ErrHandler              ErrorCode = "handler_error"
	ErrStorageBackend       ErrorCode = "storage_backend_error"
	ErrConcurrentWrite      ErrorCode = "concurrent_write_error"
	ErrInvalidInstanceKey   ErrorCode = "invalid_instance_key"
)

// retryable is the set of ErrorCodes a caller is expected to retry with
// bounded exponential backoff, per spec §7 "User-visible behavior".
var retryable = map[ErrorCode]bool{
	ErrLockContention: true,
	ErrLeaseExpired:   true,
	ErrHeadMismatch:   true,
}

// Error is the tagged result type every ontology operation surfaces on
// failure. It carries a stable Code for programmatic dispatch (errors.As)
// plus a human message and optional structured Detail.
type Error struct {
	Code    ErrorCode
	Message string
	Detail  map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether this error belongs to the ConcurrentWriteError
// umbrella a caller should retry with backoff (spec §7).
func (e *Error) Retryable() bool { return retryable[e.Code] }

// NewError constructs a tagged Error, optionally wrapping a cause.
func NewError(code ErrorCode, message string, cause error, detail map[string]any) *Error {
	return &Error{Code: code, Message: message, Cause: cause, Detail: detail}
}

// IsCode reports whether err is, or wraps, a *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if err == nil {
		return false
	}
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// StorageBackendError wraps a backend-reported failure that doesn't fit a
// more specific kind, naming the failing operation as spec §4.1 requires.
func StorageBackendError(op string, cause error) *Error {
	return NewError(ErrStorageBackend, fmt.Sprintf("operation %q failed", op), cause, map[string]any{"op": op})
}
