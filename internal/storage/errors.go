package storage

import "errors"

// Sentinel errors returned by every Store implementation. Callers use
// errors.Is against these, never string-matching driver errors.
var (
	// ErrNotFound means no row matched the requested key.
	ErrNotFound = errors.New("storage: not found")

	// ErrConflict means a conditional write's WHERE clause matched zero
	// rows: either the expected version is stale, or a claim primitive
	// (pending -> executing) lost the race to another poller.
	ErrConflict = errors.New("storage: version conflict")

	// ErrAlreadyExists means an insert collided with an existing primary key.
	ErrAlreadyExists = errors.New("storage: already exists")
)
