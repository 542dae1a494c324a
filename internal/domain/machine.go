package domain

// CPUArchitecture identifies the instruction set of a machine or VM.
type CPUArchitecture string

const (
	ArchX86   CPUArchitecture = "X86"
	ArchARM   CPUArchitecture = "ARM"
	ArchPOWER CPUArchitecture = "POWER"
	ArchRISCV CPUArchitecture = "RISCV"
)

// PowerState represents the power state of a physical machine.
type PowerState string

const (
	PowerRunning PowerState = "RUNNING"
	PowerStandby PowerState = "STANDBY"
	PowerOff     PowerState = "OFF"
)

// Machine is a point-in-time snapshot of a physical machine as reported by
// the cluster host. The engine never caches these; every placement decision
// re-reads the current snapshot.
type Machine struct {
	ID            string          `json:"id"`
	Architecture  CPUArchitecture `json:"architecture"`
	Cores         int             `json:"cores"`
	MemoryMiB     int64           `json:"memory_mib"`
	MemoryUsedMiB int64           `json:"memory_used_mib"`
	GPU           bool            `json:"gpu"`
	PowerState    PowerState      `json:"power_state"`
	ActiveTasks   int             `json:"active_tasks"`
}

// MemoryFreeMiB returns the remaining memory on the machine.
func (m Machine) MemoryFreeMiB() int64 {
	return m.MemoryMiB - m.MemoryUsedMiB
}

// Fits reports whether the machine can take an additional memory demand
// without exceeding its capacity.
func (m Machine) Fits(demandMiB int64) bool {
	return m.MemoryUsedMiB+demandMiB <= m.MemoryMiB
}

// CPUUtilization returns active tasks over core count, or 0 for a machine
// reporting zero cores.
func (m Machine) CPUUtilization() float64 {
	if m.Cores == 0 {
		return 0
	}
	return float64(m.ActiveTasks) / float64(m.Cores)
}

// MemoryUtilizationAfter returns the projected memory utilization once an
// additional demand is committed, or 0 for a machine reporting zero
// capacity.
func (m Machine) MemoryUtilizationAfter(demandMiB int64) float64 {
	if m.MemoryMiB == 0 {
		return 0
	}
	return float64(m.MemoryUsedMiB+demandMiB) / float64(m.MemoryMiB)
}
