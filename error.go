package vaultkv

import "fmt"

// ErrorCode enumerates the error kinds a caller of this package can observe,
// per the error handling design in SPEC_FULL.md section 7.
type ErrorCode int

const (
	// Unknown is an unspecified error condition.
	Unknown ErrorCode = iota
	// ErrStoreClosed is returned once Store.Close has been called.
	ErrStoreClosed
	// ErrKeyNotLoaded is returned by per-key Store operations when no session is loaded for the key.
	ErrKeyNotLoaded
	// ErrLoadInProgress is returned when Load is called again for a key while a prior Load is in flight.
	ErrLoadInProgress
	// ErrLoadCancelled is returned to an in-flight Load cancelled by a concurrent Unload or Store.Close.
	ErrLoadCancelled
	// ErrLockUnavailable is returned when a lease could not be acquired before its deadline.
	ErrLockUnavailable
	// ErrLockLost is returned by every operation on a session once its lease has been lost.
	ErrLockLost
	// ErrSchemaInvalid is returned when a value fails the configured schema check.
	ErrSchemaInvalid
	// ErrBadTransform is returned when an update function returns something other than a bool.
	ErrBadTransform
	// ErrTxKeysModified is returned when a transaction function changes the set of keys in its state map.
	ErrTxKeysModified
	// ErrTxRecoveryFailed is returned when a load can't recover a record stuck mid-transaction.
	ErrTxRecoveryFailed
	// ErrMigrationMismatch is returned when a record's applied migrations aren't a prefix of the configured chain.
	ErrMigrationMismatch
	// ErrBackendTransient is returned after a retry wrapper exhausts its attempts.
	ErrBackendTransient
	// ErrBackendFatal is returned for backend errors classified as non-retryable.
	ErrBackendFatal
	// ErrIncompleteShards is returned when decode can't find all shards a file reference names.
	ErrIncompleteShards
	// ErrSessionClosed is returned by any operation on a session that is no longer Active.
	ErrSessionClosed
)

func (c ErrorCode) String() string {
	switch c {
	case ErrStoreClosed:
		return "store-closed"
	case ErrKeyNotLoaded:
		return "key-not-loaded"
	case ErrLoadInProgress:
		return "load-in-progress"
	case ErrLoadCancelled:
		return "load-cancelled"
	case ErrLockUnavailable:
		return "lock-unavailable"
	case ErrLockLost:
		return "lock-lost"
	case ErrSchemaInvalid:
		return "schema-invalid"
	case ErrBadTransform:
		return "bad-transform"
	case ErrTxKeysModified:
		return "tx-keys-modified"
	case ErrTxRecoveryFailed:
		return "tx-recovery-failed"
	case ErrMigrationMismatch:
		return "migration-mismatch"
	case ErrBackendTransient:
		return "backend-transient"
	case ErrBackendFatal:
		return "backend-fatal"
	case ErrIncompleteShards:
		return "incomplete-shards"
	case ErrSessionClosed:
		return "session-closed"
	default:
		return "unknown"
	}
}

// Error is the error type returned across this package's public API. It
// carries the error kind, an optional operating context (key, op name) and
// the wrapped cause, following the teacher's Error{Code, Err, UserData} shape.
type Error struct {
	Code     ErrorCode
	Op       string
	UserData any
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a *Error with the same Code, so callers can
// use errors.Is(err, vaultkv.NewError(code, "", nil)) or errors.Is(err, SomeSentinelErr).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError constructs an *Error for the given code, operation name, and cause.
func NewError(code ErrorCode, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf returns the ErrorCode carried by err, or Unknown if err is not a *Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
		return e.Code
	}
	return Unknown
}
