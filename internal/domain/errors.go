// Package domain contains the placement engine's data model and business
// logic errors.
package domain

import "errors"

// Common domain errors
var (
	// ErrInfeasible is returned when no machine satisfies the feasibility
	// predicate for a task. This is a normal outcome, not a defect; the
	// task is reported as unallocated.
	ErrInfeasible = errors.New("no feasible host")

	// ErrProvisioning is returned when the cluster host rejects VM creation
	// or attachment. Callers treat it the same as ErrInfeasible and never
	// retry within the same event.
	ErrProvisioning = errors.New("vm provisioning rejected")

	// ErrStaleEvent is returned when a completion or migration-done event
	// references an identity the engine has no record of. Such events are
	// ignored, never fatal.
	ErrStaleEvent = errors.New("event references unknown identity")

	// ErrNotFound is returned when a requested resource is not found.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned when trying to create a resource that already exists.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidState is returned when an operation conflicts with the
	// current lifecycle state, e.g. attaching a VM to a powered-off machine.
	ErrInvalidState = errors.New("conflict with current state")
)
