// Package scheduler implements the workload placement engine: the VM pool,
// the placement policies, and the event-driven core that reacts to the
// simulation host's lifecycle events.
package scheduler

// Placement strategy names accepted in configuration.
const (
	StrategyBestSlack     = "best-slack"
	StrategySLAPartition  = "sla-partition"
	StrategyLeastLoaded   = "least-loaded"
	StrategyConsolidation = "consolidation"
)

// Config holds the placement engine configuration.
type Config struct {
	// Strategy selects the placement policy:
	// - "best-slack": prefer the machine with the most normalized spare capacity
	// - "sla-partition": first-fit over SLA-partitioned pool halves
	// - "least-loaded": prefer the machine with the fewest active tasks
	// - "consolidation": prefer efficient packing and VM reuse
	Strategy string `mapstructure:"strategy"`

	// RelaxedArchitecture disables the CPU-architecture feasibility check.
	// This is a degraded best-effort mode; strict matching is the default.
	RelaxedArchitecture bool `mapstructure:"relaxed_architecture"`

	// EagerProvisioning creates one default VM per machine at startup
	// instead of deferring VM creation to first demand.
	EagerProvisioning bool `mapstructure:"eager_provisioning"`

	// Oversubscription caps active tasks per machine at cores * factor.
	// 0 disables the cap.
	Oversubscription float64 `mapstructure:"oversubscription"`

	// GPUBonus is added to a machine's score when the task wants a GPU and
	// the machine has one.
	GPUBonus float64 `mapstructure:"gpu_bonus"`

	// ReuseBonus is added by the consolidation strategy when a VM matching
	// the task's type and architecture already exists on the machine.
	ReuseBonus float64 `mapstructure:"reuse_bonus"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Strategy:         StrategyBestSlack,
		Oversubscription: 1.0,
		GPUBonus:         0.05,
		ReuseBonus:       0.10,
	}
}
