package scheduler

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/virtfleet/virtfleet/internal/cluster/memory"
	"github.com/virtfleet/virtfleet/internal/domain"
)

func newTestScheduler(t *testing.T, cl *memory.Cluster, cfg Config) *Scheduler {
	t.Helper()
	s, err := New(cl, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func x86Machine(id string) domain.Machine {
	return domain.Machine{
		ID:           id,
		Architecture: domain.ArchX86,
		Cores:        8,
		MemoryMiB:    32768,
		PowerState:   domain.PowerRunning,
	}
}

func linuxTask(id string) domain.Task {
	return domain.Task{
		ID:           id,
		Architecture: domain.ArchX86,
		VMType:       domain.VMTypeLinux,
		MemoryMiB:    8,
		SLA:          domain.SLA3,
	}
}

func TestScheduler_PlaceAndReuse(t *testing.T) {
	ctx := context.Background()
	cl := memory.NewCluster()
	cl.AddMachine(x86Machine("m1"))
	cl.AddTask(linuxTask("t1"))
	cl.AddTask(linuxTask("t2"))

	s := newTestScheduler(t, cl, DefaultConfig())
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	s.TaskArrived(ctx, 100, "t1")

	vmID, err := cl.TaskAssignment("t1")
	if err != nil || vmID == "" {
		t.Fatalf("t1 not assigned: vm=%q err=%v", vmID, err)
	}
	if cl.VMCount() != 1 {
		t.Fatalf("expected 1 VM after first placement, got %d", cl.VMCount())
	}

	// The second identical task must reuse the existing VM, not create one.
	s.TaskArrived(ctx, 200, "t2")

	vmID2, err := cl.TaskAssignment("t2")
	if err != nil || vmID2 != vmID {
		t.Fatalf("t2 should reuse VM %s, got %q (err=%v)", vmID, vmID2, err)
	}
	if cl.VMCount() != 1 {
		t.Errorf("expected VM reuse, got %d VMs", cl.VMCount())
	}

	m, _ := cl.MachineSnapshot(ctx, "m1")
	if m.ActiveTasks != 2 || m.MemoryUsedMiB != 16 {
		t.Errorf("unexpected machine accounting: active=%d mem_used=%d", m.ActiveTasks, m.MemoryUsedMiB)
	}
}

func TestScheduler_ArchitectureMismatchUnallocated(t *testing.T) {
	ctx := context.Background()
	cl := memory.NewCluster()
	cl.AddMachine(domain.Machine{
		ID:           "arm-1",
		Architecture: domain.ArchARM,
		Cores:        8,
		MemoryMiB:    16384,
		PowerState:   domain.PowerRunning,
	})
	cl.AddTask(domain.Task{
		ID:           "t1",
		Architecture: domain.ArchPOWER,
		VMType:       domain.VMTypeAIX,
		MemoryMiB:    8,
		SLA:          domain.SLA0,
	})

	s := newTestScheduler(t, cl, DefaultConfig())
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	var decisions []Decision
	s.OnDecision(func(d Decision) { decisions = append(decisions, d) })

	s.TaskArrived(ctx, 100, "t1")

	if len(decisions) != 1 || !decisions[0].Unallocated {
		t.Fatalf("expected one unallocated decision, got %+v", decisions)
	}
	if cl.VMCount() != 0 {
		t.Errorf("no VM should be created for an infeasible task, got %d", cl.VMCount())
	}
}

func TestScheduler_ProvisioningFailureUnallocated(t *testing.T) {
	ctx := context.Background()
	cl := memory.NewCluster()
	cl.AddMachine(x86Machine("m1"))
	cl.AddTask(linuxTask("t1"))

	// The policy accepts the machine, but the host rejects VM attachment.
	// The failure must surface as an unallocated decision with nothing
	// left behind on the host or in the pool.
	s, err := New(&rejectingProvider{Provider: cl, rejectAttach: true}, DefaultConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	var decisions []Decision
	s.OnDecision(func(d Decision) { decisions = append(decisions, d) })

	s.TaskArrived(ctx, 100, "t1")

	if len(decisions) != 1 || !decisions[0].Unallocated {
		t.Fatalf("expected one unallocated decision, got %+v", decisions)
	}
	if s.Pool().Size() != 0 {
		t.Errorf("expected empty pool after failed provisioning, got %d", s.Pool().Size())
	}
	if cl.VMCount() != 0 {
		t.Errorf("expected no VM left on the host, got %d", cl.VMCount())
	}
}

func TestScheduler_InitPowersOnMachines(t *testing.T) {
	ctx := context.Background()
	cl := memory.NewCluster()
	m := x86Machine("m1")
	m.PowerState = domain.PowerStandby
	cl.AddMachine(m)

	s := newTestScheduler(t, cl, DefaultConfig())
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	got, _ := cl.MachineSnapshot(ctx, "m1")
	if got.PowerState != domain.PowerRunning {
		t.Errorf("expected machine powered on at init, got %s", got.PowerState)
	}

	if err := s.Init(ctx); err == nil {
		t.Error("expected error on second Init")
	}
}

func TestScheduler_EagerProvisioning(t *testing.T) {
	ctx := context.Background()
	cl := memory.NewCluster()
	cl.AddMachine(x86Machine("m1"))
	cl.AddMachine(domain.Machine{
		ID:           "p1",
		Architecture: domain.ArchPOWER,
		Cores:        16,
		MemoryMiB:    65536,
		PowerState:   domain.PowerRunning,
	})

	cfg := DefaultConfig()
	cfg.EagerProvisioning = true

	s := newTestScheduler(t, cl, cfg)
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	if cl.VMCount() != 2 {
		t.Fatalf("expected one VM per machine, got %d", cl.VMCount())
	}
	if !s.Pool().HasReusable("m1", domain.VMTypeLinux, domain.ArchX86) {
		t.Error("expected a LINUX VM on the X86 machine")
	}
	if !s.Pool().HasReusable("p1", domain.VMTypeAIX, domain.ArchPOWER) {
		t.Error("expected an AIX VM on the POWER machine")
	}
}

func TestScheduler_ShutdownIdempotent(t *testing.T) {
	ctx := context.Background()
	cl := memory.NewCluster()
	cl.AddMachine(x86Machine("m1"))
	cl.AddTask(linuxTask("t1"))

	s := newTestScheduler(t, cl, DefaultConfig())
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	s.TaskArrived(ctx, 100, "t1")

	s.Shutdown(ctx, 1000)
	if cl.VMCount() != 0 {
		t.Fatalf("expected all VMs shut down, %d remain", cl.VMCount())
	}
	if s.Pool().Size() != 0 {
		t.Fatalf("expected empty pool after shutdown, got %d", s.Pool().Size())
	}

	// A second shutdown on the now-empty pool must be harmless.
	s.Shutdown(ctx, 1001)
}

func TestScheduler_StaleEventsIgnored(t *testing.T) {
	ctx := context.Background()
	cl := memory.NewCluster()
	cl.AddMachine(x86Machine("m1"))

	s := newTestScheduler(t, cl, DefaultConfig())
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	// Neither of these identities exists; both events must be absorbed.
	s.MigrationComplete(ctx, 100, "vm-unknown")
	s.TaskCompleted(ctx, 100, "task-unknown")
}

func TestScheduler_MigratingVMNotReused(t *testing.T) {
	ctx := context.Background()
	cl := memory.NewCluster()
	cl.AddMachine(x86Machine("m1"))
	cl.AddTask(linuxTask("t1"))
	cl.AddTask(linuxTask("t2"))
	cl.AddTask(linuxTask("t3"))

	s := newTestScheduler(t, cl, DefaultConfig())
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	s.TaskArrived(ctx, 100, "t1")
	vmID, _ := cl.TaskAssignment("t1")

	if err := s.Pool().MarkMigrating(vmID); err != nil {
		t.Fatalf("MarkMigrating failed: %v", err)
	}

	// With the only VM migrating, a new task provisions a second VM.
	s.TaskArrived(ctx, 200, "t2")
	if cl.VMCount() != 2 {
		t.Fatalf("expected a second VM while the first migrates, got %d", cl.VMCount())
	}

	// After completion the original VM is eligible again; duplicate
	// completions must not corrupt anything.
	s.MigrationComplete(ctx, 300, vmID)
	s.MigrationComplete(ctx, 301, vmID)

	s.TaskArrived(ctx, 400, "t3")
	if cl.VMCount() != 2 {
		t.Errorf("expected reuse after migration completion, got %d VMs", cl.VMCount())
	}
}

func TestScheduler_TaskCompletionFreesCapacity(t *testing.T) {
	ctx := context.Background()
	cl := memory.NewCluster()
	m := x86Machine("m1")
	m.MemoryMiB = 1024
	cl.AddMachine(m)

	big := linuxTask("t1")
	big.MemoryMiB = 1024
	cl.AddTask(big)
	big2 := linuxTask("t2")
	big2.MemoryMiB = 1024
	cl.AddTask(big2)

	s := newTestScheduler(t, cl, DefaultConfig())
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	var decisions []Decision
	s.OnDecision(func(d Decision) { decisions = append(decisions, d) })

	s.TaskArrived(ctx, 100, "t1")
	s.TaskArrived(ctx, 200, "t2") // machine full, must be unallocated

	if len(decisions) != 2 || decisions[0].Unallocated || !decisions[1].Unallocated {
		t.Fatalf("unexpected decisions: %+v", decisions)
	}

	// Host reports t1 complete and releases its resources; t2's demand now
	// fits, but arrival-time failures are never retried automatically.
	if err := cl.CompleteTask("t1"); err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}
	s.TaskCompleted(ctx, 300, "t1")

	got, _ := cl.MachineSnapshot(ctx, "m1")
	if got.MemoryUsedMiB != 0 || got.ActiveTasks != 0 {
		t.Errorf("expected freed capacity, got active=%d mem_used=%d", got.ActiveTasks, got.MemoryUsedMiB)
	}
}

func TestScheduler_SLAWarningBoostsPriority(t *testing.T) {
	ctx := context.Background()
	cl := memory.NewCluster()
	cl.AddMachine(x86Machine("m1"))
	task := linuxTask("t1") // SLA3, low priority
	cl.AddTask(task)

	s := newTestScheduler(t, cl, DefaultConfig())
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	s.TaskArrived(ctx, 100, "t1")
	if prio, _ := cl.TaskPriority("t1"); prio != domain.PriorityLow {
		t.Fatalf("expected LOW priority at placement, got %s", prio)
	}

	vmBefore, _ := cl.TaskAssignment("t1")

	s.SLAWarning(ctx, 200, "t1")
	if prio, _ := cl.TaskPriority("t1"); prio != domain.PriorityHigh {
		t.Errorf("expected HIGH priority after SLA warning, got %s", prio)
	}

	// The warning never moves a placed task.
	if vmAfter, _ := cl.TaskAssignment("t1"); vmAfter != vmBefore {
		t.Errorf("SLA warning moved the task from %s to %s", vmBefore, vmAfter)
	}
}

func TestScheduler_BestSlackPrefersGPUMachine(t *testing.T) {
	ctx := context.Background()
	cl := memory.NewCluster()
	cl.AddMachine(x86Machine("m1"))
	gpu := x86Machine("m2")
	gpu.GPU = true
	cl.AddMachine(gpu)

	task := linuxTask("t1")
	task.GPU = true
	cl.AddTask(task)

	s := newTestScheduler(t, cl, DefaultConfig())
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	var got Decision
	s.OnDecision(func(d Decision) { got = d })

	s.TaskArrived(ctx, 100, "t1")
	if got.MachineID != "m2" {
		t.Errorf("expected GPU machine m2, got %q", got.MachineID)
	}
}

func TestScheduler_PeriodicCheckAndWarningsAreSafe(t *testing.T) {
	ctx := context.Background()
	cl := memory.NewCluster()
	cl.AddMachine(x86Machine("m1"))

	s := newTestScheduler(t, cl, DefaultConfig())
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	// All of these are unconditional host calls and must never panic,
	// including for unknown identities.
	s.PeriodicCheck(ctx, 100)
	s.MemoryWarning(ctx, 100, "m1")
	s.MemoryWarning(ctx, 100, "m-unknown")
	s.SLAWarning(ctx, 100, "task-unknown")
}
