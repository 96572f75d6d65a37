// Package errdefs defines the error kinds surfaced by the engine. Callers
// classify failures with errors.Is; packages wrap these sentinels with
// context using fmt.Errorf and %w.
package errdefs

import "errors"

var (
	// ErrNotFound indicates an unknown workflow, alert or rule id.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState indicates an operation not valid from the current status.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidConfiguration indicates failed strategy validation or missing
	// required configuration keys.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrPermissionDenied indicates the identity port rejected the operation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrLeaseUnavailable indicates the workflow lease could not be acquired.
	// The caller may retry.
	ErrLeaseUnavailable = errors.New("lease unavailable")

	// ErrTimeout indicates a workflow, phase, step or rollback deadline expired.
	ErrTimeout = errors.New("timeout")

	// ErrDependencyUnavailable indicates the bus, cache or persistence is
	// unreachable.
	ErrDependencyUnavailable = errors.New("dependency unavailable")

	// ErrInternal indicates an unhandled failure.
	ErrInternal = errors.New("internal error")
)
