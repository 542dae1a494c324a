package scheduler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/virtfleet/virtfleet/internal/cluster"
	"github.com/virtfleet/virtfleet/internal/domain"
)

// Decision describes the outcome of one task-arrival event.
type Decision struct {
	Time        uint64 `json:"time"`
	TaskID      string `json:"task_id"`
	MachineID   string `json:"machine_id,omitempty"`
	VMID        string `json:"vm_id,omitempty"`
	Strategy    string `json:"strategy"`
	Reused      bool   `json:"reused"`
	Unallocated bool   `json:"unallocated"`
}

// Scheduler is the event-driven placement core. It owns the VM pool and the
// fleet view, invokes the configured policy on every task arrival, and
// issues host mutations through the cluster provider.
//
// The core is single-threaded by contract: the host delivers one event at a
// time and every handler runs to completion before the next. Handlers never
// propagate errors back to the host; internal failures are absorbed and
// logged.
type Scheduler struct {
	provider cluster.Provider
	pool     *Pool
	policy   Policy
	cfg      Config
	logger   *zap.Logger

	// fleet holds machine IDs in host enumeration order; indexes into it
	// are the pool order used for deterministic tie-breaks.
	fleet       []string
	initialized bool

	placed      int
	unallocated int

	onDecision []func(Decision)
}

// New creates a Scheduler for the given cluster host and configuration.
func New(provider cluster.Provider, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	policy, err := PolicyFor(cfg)
	if err != nil {
		return nil, err
	}

	log := logger.With(zap.String("component", "scheduler"))
	return &Scheduler{
		provider: provider,
		pool:     NewPool(provider, log),
		policy:   policy,
		cfg:      cfg,
		logger:   log,
	}, nil
}

// Pool exposes the VM pool, mainly for tests and diagnostics.
func (s *Scheduler) Pool() *Pool {
	return s.pool
}

// OnDecision registers a callback invoked after every task-arrival event.
func (s *Scheduler) OnDecision(fn func(Decision)) {
	s.onDecision = append(s.onDecision, fn)
}

// Init enumerates the fleet, powers on any machine that is not running, and
// records pool order. With eager provisioning enabled it also creates one
// default-typed VM per machine. Must run exactly once, at process start.
func (s *Scheduler) Init(ctx context.Context) error {
	if s.initialized {
		return fmt.Errorf("scheduler already initialized")
	}

	ids, err := s.provider.MachineIDs(ctx)
	if err != nil {
		return fmt.Errorf("enumerate machines: %w", err)
	}
	s.fleet = ids
	s.initialized = true

	s.logger.Info("Initializing scheduler",
		zap.Int("machines", len(ids)),
		zap.String("strategy", s.policy.Name()),
		zap.Bool("eager_provisioning", s.cfg.EagerProvisioning),
	)

	for _, id := range ids {
		m, err := s.provider.MachineSnapshot(ctx, id)
		if err != nil {
			s.logger.Error("Failed to read machine at init", zap.String("machine_id", id), zap.Error(err))
			continue
		}

		if m.PowerState != domain.PowerRunning {
			if err := s.provider.SetPowerState(ctx, id, domain.PowerRunning); err != nil {
				s.logger.Error("Failed to power on machine", zap.String("machine_id", id), zap.Error(err))
				continue
			}
		}

		if s.cfg.EagerProvisioning {
			if _, err := s.pool.Provision(ctx, id, domain.DefaultVMTypeFor(m.Architecture), m.Architecture); err != nil {
				s.logger.Error("Eager provisioning failed", zap.String("machine_id", id), zap.Error(err))
			}
		}
	}

	return nil
}

// TaskArrived places a newly arrived task: run the policy over a fresh
// fleet snapshot, reuse or provision a VM on the chosen machine, and commit
// the task with its SLA-derived priority. A task with no feasible host is
// reported unallocated and never re-queued.
func (s *Scheduler) TaskArrived(ctx context.Context, now uint64, taskID string) {
	logger := s.logger.With(zap.Uint64("sim_time", now), zap.String("task_id", taskID))

	task, err := s.provider.TaskRequirements(ctx, taskID)
	if err != nil {
		logger.Error("Failed to read task requirements", zap.Error(err))
		s.recordUnallocated(now, taskID)
		return
	}

	pl, err := s.place(ctx, task)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInfeasible):
			logger.Warn("No feasible host, leaving task unallocated",
				zap.String("architecture", string(task.Architecture)),
				zap.Int64("memory_mib", task.MemoryMiB),
				zap.Bool("gpu", task.GPU),
			)
		case errors.Is(err, domain.ErrProvisioning):
			logger.Warn("Provisioning failed, leaving task unallocated", zap.Error(err))
		default:
			logger.Error("Placement failed", zap.Error(err))
		}
		s.recordUnallocated(now, taskID)
		return
	}

	if err := s.provider.AssignTask(ctx, pl.vm.ID, taskID, task.Priority()); err != nil {
		logger.Error("Failed to commit task to VM",
			zap.String("vm_id", pl.vm.ID),
			zap.String("machine_id", pl.machineID),
			zap.Error(err),
		)
		s.recordUnallocated(now, taskID)
		return
	}
	s.pool.RecordAssignment(pl.vm.ID, taskID)
	s.placed++

	logger.Info("Task placed",
		zap.String("machine_id", pl.machineID),
		zap.String("vm_id", pl.vm.ID),
		zap.Bool("reused_vm", pl.reused),
		zap.String("priority", string(task.Priority())),
	)
	s.emit(Decision{
		Time:      now,
		TaskID:    taskID,
		MachineID: pl.machineID,
		VMID:      pl.vm.ID,
		Strategy:  s.policy.Name(),
		Reused:    pl.reused,
	})
}

// placement is a resolved host choice: the machine plus the VM (reused or
// freshly provisioned) the task will be committed to.
type placement struct {
	machineID string
	vm        *domain.VirtualMachine
	reused    bool
}

// place runs the policy over a fresh fleet snapshot and resolves a VM on
// the chosen machine. It returns domain.ErrInfeasible when no machine
// passes the predicate and an error wrapping domain.ErrProvisioning when
// the host rejects VM creation or attachment; both are terminal for this
// event, never retried.
func (s *Scheduler) place(ctx context.Context, task domain.Task) (placement, error) {
	fleet := s.snapshotFleet(ctx, task)

	idx, ok := s.policy.Place(task, fleet)
	if !ok {
		return placement{}, domain.ErrInfeasible
	}

	machineID := s.fleet[idx]
	vm, reused := s.pool.FindReusable(machineID, task.VMType, task.Architecture)
	if !reused {
		var err error
		vm, err = s.pool.Provision(ctx, machineID, task.VMType, task.Architecture)
		if err != nil {
			return placement{}, err
		}
	}
	return placement{machineID: machineID, vm: vm, reused: reused}, nil
}

// TaskCompleted updates bookkeeping for a finished task. Completions for
// tasks the engine never placed are stale events and ignored.
func (s *Scheduler) TaskCompleted(ctx context.Context, now uint64, taskID string) {
	if err := s.pool.RecordCompletion(taskID); err != nil {
		s.logger.Debug("Ignoring stale task completion",
			zap.Uint64("sim_time", now),
			zap.String("task_id", taskID),
		)
		return
	}
	s.logger.Debug("Task complete", zap.Uint64("sim_time", now), zap.String("task_id", taskID))
}

// MigrationComplete clears the VM's migrating flag so it can take new
// tasks again. Duplicate or unknown notifications are ignored.
func (s *Scheduler) MigrationComplete(ctx context.Context, now uint64, vmID string) {
	if err := s.pool.CompleteMigration(vmID); err != nil {
		s.logger.Debug("Ignoring stale migration completion",
			zap.Uint64("sim_time", now),
			zap.String("vm_id", vmID),
		)
		return
	}
	s.logger.Info("Migration complete", zap.Uint64("sim_time", now), zap.String("vm_id", vmID))
}

// PeriodicCheck is the host's fixed-cadence monitoring hook. The default
// engine takes no action here.
func (s *Scheduler) PeriodicCheck(ctx context.Context, now uint64) {
	s.logger.Debug("Periodic check", zap.Uint64("sim_time", now))
}

// MemoryWarning reports a host-detected memory overflow on a machine. The
// feasibility predicate is the real defense; this is diagnostic only.
func (s *Scheduler) MemoryWarning(ctx context.Context, now uint64, machineID string) {
	s.logger.Warn("Machine memory overcommitted",
		zap.Uint64("sim_time", now),
		zap.String("machine_id", machineID),
	)
}

// SLAWarning escalates a late task to the highest priority tier for all
// subsequent scheduling-relevant decisions. It never moves a placed task.
func (s *Scheduler) SLAWarning(ctx context.Context, now uint64, taskID string) {
	if err := s.provider.SetTaskPriority(ctx, taskID, domain.PriorityHigh); err != nil {
		s.logger.Warn("Failed to boost late task priority",
			zap.Uint64("sim_time", now),
			zap.String("task_id", taskID),
			zap.Error(err),
		)
		return
	}
	s.logger.Info("Boosted late task to high priority",
		zap.Uint64("sim_time", now),
		zap.String("task_id", taskID),
	)
}

// Shutdown shuts down every pooled VM and logs the run summary. Called once
// when the simulation ends.
func (s *Scheduler) Shutdown(ctx context.Context, now uint64) {
	if err := s.pool.ShutdownAll(ctx); err != nil {
		s.logger.Error("VM shutdown reported errors", zap.Error(err))
	}
	s.logger.Info("Simulation finished",
		zap.Uint64("sim_time", now),
		zap.Int("tasks_placed", s.placed),
		zap.Int("tasks_unallocated", s.unallocated),
	)
}

// snapshotFleet re-reads every machine for one placement decision. Machines
// that fail to read are skipped from the entries but still count toward the
// pool size; nothing is cached between calls.
func (s *Scheduler) snapshotFleet(ctx context.Context, task domain.Task) Fleet {
	entries := make([]FleetEntry, 0, len(s.fleet))
	for i, id := range s.fleet {
		m, err := s.provider.MachineSnapshot(ctx, id)
		if err != nil {
			s.logger.Error("Failed to read machine snapshot", zap.String("machine_id", id), zap.Error(err))
			continue
		}
		entries = append(entries, FleetEntry{
			Index:      i,
			Machine:    m,
			ReusableVM: s.pool.HasReusable(id, task.VMType, task.Architecture),
		})
	}
	return Fleet{Size: len(s.fleet), Entries: entries}
}

func (s *Scheduler) recordUnallocated(now uint64, taskID string) {
	s.unallocated++
	s.emit(Decision{
		Time:        now,
		TaskID:      taskID,
		Strategy:    s.policy.Name(),
		Unallocated: true,
	})
}

func (s *Scheduler) emit(d Decision) {
	for _, fn := range s.onDecision {
		fn(d)
	}
}
