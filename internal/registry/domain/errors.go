package domain

import "errors"

var (
	// ErrAlreadyRegistered means a live entity already uses the (type, name) pair.
	ErrAlreadyRegistered = errors.New("entity already registered")
	// ErrNotFound means the entity (or edge) does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict means the caller's expected version is stale. Re-read and retry.
	ErrVersionConflict = errors.New("version conflict")
	// ErrCyclicDependency means the edge would close a cycle in the dependency graph.
	ErrCyclicDependency = errors.New("cyclic dependency")
	// ErrTimeout means a store or network deadline was exceeded.
	ErrTimeout = errors.New("timeout")
	// ErrStoreUnavailable means the durable store could not be reached.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidArgument marks caller input that failed validation.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrDeregistered means the entity is deregistered and accepts no writes.
	ErrDeregistered = errors.New("entity deregistered")
	// ErrIdempotencyMismatch means an idempotency token was reused for a different request.
	ErrIdempotencyMismatch = errors.New("idempotency token reused with different request")
	// ErrForbidden means the authorizer rejected the write.
	ErrForbidden = errors.New("forbidden")
)

// IsTransient reports whether err is worth one automatic retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrStoreUnavailable)
}
