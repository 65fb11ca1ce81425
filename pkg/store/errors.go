package store

import "errors"

// Sentinel errors for Store write operations, per spec.md §4.1. Callers
// treat ErrTransient as retryable with bounded backoff; the others are
// terminal for the attempted operation.
var (
	// ErrNotFound indicates the referenced entity does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrPreconditionFailed indicates a CAS failed because the entity was
	// not in the expected state (concurrent mutation or invariant guard).
	ErrPreconditionFailed = errors.New("store: precondition failed")

	// ErrConflict indicates the operation cannot proceed because of a
	// semantic conflict (e.g. cancelling an already-terminal execution).
	ErrConflict = errors.New("store: conflict")

	// ErrTransient indicates a recoverable infrastructure error (e.g. a
	// dropped connection); callers should retry with backoff.
	ErrTransient = errors.New("store: transient error")

	// ErrOutOfRange indicates a shard index outside [1, total_shards].
	ErrOutOfRange = errors.New("store: shard index out of range")
)
