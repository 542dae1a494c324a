// Package cluster defines the interface the placement engine uses to talk
// to the simulation host that owns physical machine and VM state.
package cluster

import (
	"context"

	"github.com/virtfleet/virtfleet/internal/domain"
)

// Provider is the synchronous host interface the engine consumes. Snapshot
// methods return current state and are re-read on every decision; mutators
// take effect before they return or fail with an immediate error.
type Provider interface {
	// MachineIDs returns every machine the host exposes, in the host's
	// enumeration order. This order fixes the engine's pool order.
	MachineIDs(ctx context.Context) ([]string, error)

	// MachineSnapshot returns the current state of a machine.
	MachineSnapshot(ctx context.Context, machineID string) (domain.Machine, error)

	// VMSnapshot returns the host's view of a VM.
	VMSnapshot(ctx context.Context, vmID string) (domain.VirtualMachine, error)

	// TaskRequirements returns the placement requirements of a task.
	TaskRequirements(ctx context.Context, taskID string) (domain.Task, error)

	// SetPowerState requests a machine power-state transition.
	SetPowerState(ctx context.Context, machineID string, state domain.PowerState) error

	// CreateVM creates a VM of the given type and architecture and returns
	// its identity.
	CreateVM(ctx context.Context, t domain.VMType, arch domain.CPUArchitecture) (string, error)

	// AttachVM attaches a created VM to a machine. Fails if the machine is
	// not running or the architectures do not match.
	AttachVM(ctx context.Context, vmID, machineID string) error

	// AssignTask commits a task to a VM with the given priority.
	AssignTask(ctx context.Context, vmID, taskID string, prio domain.Priority) error

	// SetTaskPriority changes a task's scheduling priority.
	SetTaskPriority(ctx context.Context, taskID string, prio domain.Priority) error

	// ShutdownVM shuts down a VM, detaching it from its machine.
	ShutdownVM(ctx context.Context, vmID string) error
}
