package domain

// VMType is the declared OS/runtime type of a virtual machine.
type VMType string

const (
	VMTypeLinux   VMType = "LINUX"
	VMTypeLinuxRT VMType = "LINUX_RT"
	VMTypeWin     VMType = "WIN"
	VMTypeAIX     VMType = "AIX"
)

// VirtualMachine is the engine's bookkeeping record for a VM it created.
// Type and Architecture are fixed at creation; MachineID is set on attach
// and never changes afterwards. A VM stays on its machine until shutdown.
type VirtualMachine struct {
	ID           string          `json:"id"`
	Type         VMType          `json:"type"`
	Architecture CPUArchitecture `json:"architecture"`
	MachineID    string          `json:"machine_id"`

	// TaskIDs is bookkeeping only. Capacity accounting always comes from
	// machine-level snapshot counters, never re-derived from this set.
	TaskIDs []string `json:"task_ids,omitempty"`

	// Migrating marks a VM whose migration was requested and has not yet
	// been reported complete; such a VM receives no new tasks.
	Migrating bool `json:"migrating"`
}

// Matches reports whether the VM satisfies a request for the given declared
// type and CPU architecture.
func (v VirtualMachine) Matches(t VMType, arch CPUArchitecture) bool {
	return v.Type == t && v.Architecture == arch
}

// DefaultVMTypeFor returns the VM type provisioned on a machine of the given
// architecture when no explicit type is requested: AIX on POWER, LINUX
// everywhere else.
func DefaultVMTypeFor(arch CPUArchitecture) VMType {
	if arch == ArchPOWER {
		return VMTypeAIX
	}
	return VMTypeLinux
}
