package scheduler

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/virtfleet/virtfleet/internal/cluster"
	"github.com/virtfleet/virtfleet/internal/cluster/memory"
	"github.com/virtfleet/virtfleet/internal/domain"
)

// rejectingProvider wraps a provider and fails VM creation or attachment on
// demand, standing in for a host that rejects provisioning.
type rejectingProvider struct {
	cluster.Provider
	rejectCreate bool
	rejectAttach bool
}

func (p *rejectingProvider) CreateVM(ctx context.Context, t domain.VMType, arch domain.CPUArchitecture) (string, error) {
	if p.rejectCreate {
		return "", domain.ErrInvalidState
	}
	return p.Provider.CreateVM(ctx, t, arch)
}

func (p *rejectingProvider) AttachVM(ctx context.Context, vmID, machineID string) error {
	if p.rejectAttach {
		return domain.ErrInvalidState
	}
	return p.Provider.AttachVM(ctx, vmID, machineID)
}

func newTestPool(t *testing.T) (*Pool, *memory.Cluster) {
	t.Helper()
	cl := memory.NewCluster()
	if err := cl.AddMachine(domain.Machine{
		ID:           "m1",
		Architecture: domain.ArchX86,
		Cores:        8,
		MemoryMiB:    32768,
		PowerState:   domain.PowerRunning,
	}); err != nil {
		t.Fatalf("AddMachine failed: %v", err)
	}
	return NewPool(cl, zap.NewNop()), cl
}

func TestPool_FindReusable_CreationOrder(t *testing.T) {
	ctx := context.Background()
	pool, _ := newTestPool(t)

	first, err := pool.Provision(ctx, "m1", domain.VMTypeLinux, domain.ArchX86)
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	if _, err := pool.Provision(ctx, "m1", domain.VMTypeLinux, domain.ArchX86); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	vm, ok := pool.FindReusable("m1", domain.VMTypeLinux, domain.ArchX86)
	if !ok || vm.ID != first.ID {
		t.Errorf("expected first-created VM %s, got %+v (ok=%v)", first.ID, vm, ok)
	}
}

func TestPool_FindReusable_ExactMatchOnly(t *testing.T) {
	ctx := context.Background()
	pool, _ := newTestPool(t)

	if _, err := pool.Provision(ctx, "m1", domain.VMTypeWin, domain.ArchX86); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	if _, ok := pool.FindReusable("m1", domain.VMTypeLinux, domain.ArchX86); ok {
		t.Error("type mismatch should not be reusable")
	}
	if _, ok := pool.FindReusable("m2", domain.VMTypeWin, domain.ArchX86); ok {
		t.Error("different machine should not be reusable")
	}
}

func TestPool_ProvisionRejection(t *testing.T) {
	ctx := context.Background()
	cl := memory.NewCluster()
	cl.AddMachine(domain.Machine{
		ID:           "m1",
		Architecture: domain.ArchX86,
		Cores:        8,
		MemoryMiB:    32768,
		PowerState:   domain.PowerRunning,
	})

	for _, tc := range []struct {
		name     string
		provider *rejectingProvider
	}{
		{"create rejected", &rejectingProvider{Provider: cl, rejectCreate: true}},
		{"attach rejected", &rejectingProvider{Provider: cl, rejectAttach: true}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			pool := NewPool(tc.provider, zap.NewNop())
			_, err := pool.Provision(ctx, "m1", domain.VMTypeLinux, domain.ArchX86)
			if !errors.Is(err, domain.ErrProvisioning) {
				t.Fatalf("expected ErrProvisioning, got %v", err)
			}
			if pool.Size() != 0 {
				t.Errorf("failed provisioning must not register a VM, pool size %d", pool.Size())
			}
			if cl.VMCount() != 0 {
				t.Errorf("failed provisioning must not leave a VM on the host, got %d", cl.VMCount())
			}
		})
	}
}

func TestPool_AttachRejectedOnPoweredOffMachine(t *testing.T) {
	ctx := context.Background()
	pool, cl := newTestPool(t)

	if err := cl.SetPowerState(ctx, "m1", domain.PowerOff); err != nil {
		t.Fatalf("SetPowerState failed: %v", err)
	}

	if _, err := pool.Provision(ctx, "m1", domain.VMTypeLinux, domain.ArchX86); !errors.Is(err, domain.ErrProvisioning) {
		t.Fatalf("expected ErrProvisioning on powered-off machine, got %v", err)
	}
}

func TestPool_MigrationFlags(t *testing.T) {
	ctx := context.Background()
	pool, _ := newTestPool(t)

	vm, err := pool.Provision(ctx, "m1", domain.VMTypeLinux, domain.ArchX86)
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	if err := pool.MarkMigrating(vm.ID); err != nil {
		t.Fatalf("MarkMigrating failed: %v", err)
	}
	if _, ok := pool.FindReusable("m1", domain.VMTypeLinux, domain.ArchX86); ok {
		t.Error("migrating VM must not be reusable")
	}

	if err := pool.CompleteMigration(vm.ID); err != nil {
		t.Fatalf("CompleteMigration failed: %v", err)
	}
	if _, ok := pool.FindReusable("m1", domain.VMTypeLinux, domain.ArchX86); !ok {
		t.Error("VM should be reusable after migration completes")
	}

	if err := pool.CompleteMigration("vm-unknown"); !errors.Is(err, domain.ErrStaleEvent) {
		t.Errorf("expected ErrStaleEvent for unknown VM, got %v", err)
	}
}

func TestPool_RecordCompletion(t *testing.T) {
	ctx := context.Background()
	pool, _ := newTestPool(t)

	vm, err := pool.Provision(ctx, "m1", domain.VMTypeLinux, domain.ArchX86)
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	pool.RecordAssignment(vm.ID, "t1")
	if len(vm.TaskIDs) != 1 {
		t.Fatalf("expected 1 recorded task, got %d", len(vm.TaskIDs))
	}

	if err := pool.RecordCompletion("t1"); err != nil {
		t.Fatalf("RecordCompletion failed: %v", err)
	}
	if len(vm.TaskIDs) != 0 {
		t.Errorf("expected task removed from VM bookkeeping, got %v", vm.TaskIDs)
	}

	if err := pool.RecordCompletion("t1"); !errors.Is(err, domain.ErrStaleEvent) {
		t.Errorf("expected ErrStaleEvent for duplicate completion, got %v", err)
	}
}

func TestPool_ShutdownAll(t *testing.T) {
	ctx := context.Background()
	pool, cl := newTestPool(t)

	// Shutting down an empty pool is a no-op.
	if err := pool.ShutdownAll(ctx); err != nil {
		t.Fatalf("empty shutdown failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := pool.Provision(ctx, "m1", domain.VMTypeLinux, domain.ArchX86); err != nil {
			t.Fatalf("Provision failed: %v", err)
		}
	}

	if err := pool.ShutdownAll(ctx); err != nil {
		t.Fatalf("ShutdownAll failed: %v", err)
	}
	if pool.Size() != 0 {
		t.Errorf("expected empty pool, got %d", pool.Size())
	}
	if cl.VMCount() != 0 {
		t.Errorf("expected no VMs on host, got %d", cl.VMCount())
	}
}
