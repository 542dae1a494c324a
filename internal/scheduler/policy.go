package scheduler

import (
	"fmt"

	"github.com/virtfleet/virtfleet/internal/domain"
)

// FleetEntry couples a machine's pool index with a fresh snapshot and
// whether the VM pool already holds a VM on it matching the task's
// requirements.
type FleetEntry struct {
	Index      int
	Machine    domain.Machine
	ReusableVM bool
}

// Fleet is one placement decision's view of the machine pool: fresh
// snapshot entries in pool order, plus the total pool size. Size stays
// fixed even when individual snapshots fail to read, so partitioning
// strategies keep their boundaries anchored to pool order.
type Fleet struct {
	Size    int
	Entries []FleetEntry
}

// Policy decides where a task runs. Place returns the chosen pool index, or
// false when no machine is feasible. Every policy is deterministic: for the
// same task and fleet snapshot it always returns the same result, with ties
// broken by the lowest pool index.
type Policy interface {
	Name() string
	Place(task domain.Task, fleet Fleet) (int, bool)
}

// PolicyFor builds the configured placement policy.
func PolicyFor(cfg Config) (Policy, error) {
	pred := predicate{
		relaxedArch:      cfg.RelaxedArchitecture,
		oversubscription: cfg.Oversubscription,
	}

	switch cfg.Strategy {
	case StrategyBestSlack:
		return &bestSlackPolicy{pred: pred, gpuBonus: cfg.GPUBonus}, nil
	case StrategySLAPartition:
		return &slaPartitionPolicy{pred: pred}, nil
	case StrategyLeastLoaded:
		return &leastLoadedPolicy{pred: pred}, nil
	case StrategyConsolidation:
		return &consolidationPolicy{pred: pred, gpuBonus: cfg.GPUBonus, reuseBonus: cfg.ReuseBonus}, nil
	default:
		return nil, fmt.Errorf("unknown placement strategy %q", cfg.Strategy)
	}
}

// predicate holds the hard feasibility constraints shared by all policies.
type predicate struct {
	relaxedArch      bool
	oversubscription float64
}

// feasible reports whether the machine can host the task. All checks must
// pass; the order does not matter.
func (p predicate) feasible(task domain.Task, m domain.Machine) bool {
	if m.PowerState != domain.PowerRunning {
		return false
	}
	if !p.relaxedArch && m.Architecture != task.Architecture {
		return false
	}
	if task.GPU && !m.GPU {
		return false
	}
	if !m.Fits(task.MemoryMiB) {
		return false
	}
	if p.oversubscription > 0 &&
		float64(m.ActiveTasks+1) > float64(m.Cores)*p.oversubscription {
		return false
	}
	return true
}

// bestSlackPolicy picks the feasible machine with the most normalized spare
// capacity after the assignment, with a bonus for GPU machines when the
// task wants one.
type bestSlackPolicy struct {
	pred     predicate
	gpuBonus float64
}

func (p *bestSlackPolicy) Name() string { return StrategyBestSlack }

func (p *bestSlackPolicy) Place(task domain.Task, fleet Fleet) (int, bool) {
	best := -1
	bestScore := 0.0

	for _, e := range fleet.Entries {
		if !p.pred.feasible(task, e.Machine) {
			continue
		}
		score := 1 - (e.Machine.CPUUtilization() + e.Machine.MemoryUtilizationAfter(task.MemoryMiB))
		if task.GPU && e.Machine.GPU {
			score += p.gpuBonus
		}
		if best < 0 || score > bestScore {
			best = e.Index
			bestScore = score
		}
	}

	if best < 0 {
		return 0, false
	}
	return best, true
}

// slaPartitionPolicy splits the fleet into a high-priority half and a
// best-effort half in pool order. Tasks with a contracted tier (high or mid
// priority) scan the first half first-fit, everything else the second half;
// both fall back to a first-fit scan over the whole fleet. This is the only
// strategy that stops at the first feasible machine.
type slaPartitionPolicy struct {
	pred predicate
}

func (p *slaPartitionPolicy) Name() string { return StrategySLAPartition }

func (p *slaPartitionPolicy) Place(task domain.Task, fleet Fleet) (int, bool) {
	// Halves are defined over pool order, not over whichever snapshots
	// happened to read; a mid-fleet read failure must not shift the
	// boundary.
	boundary := fleet.Size / 2

	inPrimary := func(e FleetEntry) bool { return e.Index < boundary }
	if task.Priority() == domain.PriorityLow {
		inPrimary = func(e FleetEntry) bool { return e.Index >= boundary }
	}

	for _, e := range fleet.Entries {
		if inPrimary(e) && p.pred.feasible(task, e.Machine) {
			return e.Index, true
		}
	}
	return p.firstFit(task, fleet.Entries)
}

func (p *slaPartitionPolicy) firstFit(task domain.Task, entries []FleetEntry) (int, bool) {
	for _, e := range entries {
		if p.pred.feasible(task, e.Machine) {
			return e.Index, true
		}
	}
	return 0, false
}

// leastLoadedPolicy picks the feasible machine with the fewest active tasks.
type leastLoadedPolicy struct {
	pred predicate
}

func (p *leastLoadedPolicy) Name() string { return StrategyLeastLoaded }

func (p *leastLoadedPolicy) Place(task domain.Task, fleet Fleet) (int, bool) {
	best := -1
	bestLoad := 0

	for _, e := range fleet.Entries {
		if !p.pred.feasible(task, e.Machine) {
			continue
		}
		if best < 0 || e.Machine.ActiveTasks < bestLoad {
			best = e.Index
			bestLoad = e.Machine.ActiveTasks
		}
	}

	if best < 0 {
		return 0, false
	}
	return best, true
}

// consolidationPolicy scores packing efficiency and rewards machines that
// already hold a matching VM, preferring reuse over creation.
type consolidationPolicy struct {
	pred       predicate
	gpuBonus   float64
	reuseBonus float64
}

func (p *consolidationPolicy) Name() string { return StrategyConsolidation }

func (p *consolidationPolicy) Place(task domain.Task, fleet Fleet) (int, bool) {
	best := -1
	bestScore := 0.0

	for _, e := range fleet.Entries {
		if !p.pred.feasible(task, e.Machine) {
			continue
		}
		score := 1 - (0.5*e.Machine.CPUUtilization() + 0.5*e.Machine.MemoryUtilizationAfter(task.MemoryMiB))
		if e.ReusableVM {
			score += p.reuseBonus
		}
		if task.GPU && e.Machine.GPU {
			score += p.gpuBonus
		}
		if best < 0 || score > bestScore {
			best = e.Index
			bestScore = score
		}
	}

	if best < 0 {
		return 0, false
	}
	return best, true
}
