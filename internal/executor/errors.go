package executor

import "errors"

// The error taxonomy from spec.md §7, modeled as sentinel values rather
// than an error-code enum — callers compare with errors.Is, and
// wrapped context travels alongside via fmt.Errorf("...: %w", ...).
var (
	// ErrStageNotStarted is returned by any lookup against a stage id
	// the executor has never registered. Fatal to the calling request;
	// recoverable at the service level by registering first.
	ErrStageNotStarted = errors.New("executor: shuffle stage not started")

	// ErrStageCorrupted is returned once a stage has been marked
	// corrupted, by registration mismatch or by any failure during
	// write/flush/commit. Absorbing: never cleared.
	ErrStageCorrupted = errors.New("executor: shuffle stage is corrupted")

	// ErrQuotaExceeded is returned when an application's cumulative
	// write-byte count exceeds its configured maximum. The offending
	// stage is marked corrupted as a side effect.
	ErrQuotaExceeded = errors.New("executor: application write quota exceeded")

	// ErrInvalidState signals an invariant violation — a scheduling
	// bug, not a caller error. Never caught internally; it is meant to
	// surface loudly.
	ErrInvalidState = errors.New("executor: invalid internal state")
)
