package domain

// SLAClass is a task's contracted service-level tier.
type SLAClass string

const (
	SLA0 SLAClass = "SLA0"
	SLA1 SLAClass = "SLA1"
	SLA2 SLAClass = "SLA2"
	SLA3 SLAClass = "SLA3"
)

// Priority is the scheduling priority derived from a task's SLA class.
type Priority string

const (
	PriorityHigh Priority = "HIGH"
	PriorityMid  Priority = "MID"
	PriorityLow  Priority = "LOW"
)

// Task holds the placement-relevant requirements of a task, read once from
// the cluster host when the task arrives. Requirements are immutable after
// admission; the engine does not track task progress.
type Task struct {
	ID           string          `json:"id"`
	Architecture CPUArchitecture `json:"architecture"`
	VMType       VMType          `json:"vm_type"`
	GPU          bool            `json:"gpu"`
	MemoryMiB    int64           `json:"memory_mib"`
	SLA          SLAClass        `json:"sla"`
}

// Priority returns the scheduling priority for the task's SLA class.
func (t Task) Priority() Priority {
	return PriorityForSLA(t.SLA)
}

// PriorityForSLA maps an SLA class to a scheduling priority. The mapping is
// total: the top class gets high priority, the second mid, everything else
// low.
func PriorityForSLA(s SLAClass) Priority {
	switch s {
	case SLA0:
		return PriorityHigh
	case SLA1:
		return PriorityMid
	default:
		return PriorityLow
	}
}
