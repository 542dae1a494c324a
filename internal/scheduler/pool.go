package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/virtfleet/virtfleet/internal/cluster"
	"github.com/virtfleet/virtfleet/internal/domain"
)

// Pool tracks the VMs the engine has created, in creation order. Every
// pooled VM is attached to exactly one machine for its entire lifetime; the
// pool never moves a VM between machines.
type Pool struct {
	provider cluster.Provider
	logger   *zap.Logger

	vms       []*domain.VirtualMachine
	byID      map[string]*domain.VirtualMachine
	byMachine map[string][]*domain.VirtualMachine
	taskVM    map[string]string
}

// NewPool creates an empty VM pool backed by the given cluster host.
func NewPool(provider cluster.Provider, logger *zap.Logger) *Pool {
	return &Pool{
		provider:  provider,
		logger:    logger.Named("pool"),
		byID:      make(map[string]*domain.VirtualMachine),
		byMachine: make(map[string][]*domain.VirtualMachine),
		taskVM:    make(map[string]string),
	}
}

// FindReusable returns the first VM, in creation order, attached to the
// machine whose declared type and architecture match the request. VMs with
// a migration in flight are not eligible.
func (p *Pool) FindReusable(machineID string, t domain.VMType, arch domain.CPUArchitecture) (*domain.VirtualMachine, bool) {
	for _, vm := range p.byMachine[machineID] {
		if vm.Migrating {
			continue
		}
		if vm.Matches(t, arch) {
			return vm, true
		}
	}
	return nil, false
}

// HasReusable reports whether FindReusable would succeed.
func (p *Pool) HasReusable(machineID string, t domain.VMType, arch domain.CPUArchitecture) bool {
	_, ok := p.FindReusable(machineID, t, arch)
	return ok
}

// Provision creates a VM of the given type and architecture on the machine
// and registers it in the pool. A host rejection of either creation or
// attachment surfaces as domain.ErrProvisioning; the caller treats it as
// "no feasible host" and does not retry.
func (p *Pool) Provision(ctx context.Context, machineID string, t domain.VMType, arch domain.CPUArchitecture) (*domain.VirtualMachine, error) {
	vmID, err := p.provider.CreateVM(ctx, t, arch)
	if err != nil {
		return nil, fmt.Errorf("%w: create on machine %s: %v", domain.ErrProvisioning, machineID, err)
	}

	if err := p.provider.AttachVM(ctx, vmID, machineID); err != nil {
		// Best effort: don't leave the created VM orphaned on the host.
		if serr := p.provider.ShutdownVM(ctx, vmID); serr != nil {
			p.logger.Warn("Failed to reap unattached VM",
				zap.String("vm_id", vmID),
				zap.Error(serr),
			)
		}
		return nil, fmt.Errorf("%w: attach %s to machine %s: %v", domain.ErrProvisioning, vmID, machineID, err)
	}

	vm := &domain.VirtualMachine{
		ID:           vmID,
		Type:         t,
		Architecture: arch,
		MachineID:    machineID,
	}
	p.vms = append(p.vms, vm)
	p.byID[vmID] = vm
	p.byMachine[machineID] = append(p.byMachine[machineID], vm)

	p.logger.Debug("Provisioned VM",
		zap.String("vm_id", vmID),
		zap.String("machine_id", machineID),
		zap.String("vm_type", string(t)),
		zap.String("architecture", string(arch)),
	)
	return vm, nil
}

// Get returns a pooled VM by ID.
func (p *Pool) Get(vmID string) (*domain.VirtualMachine, bool) {
	vm, ok := p.byID[vmID]
	return vm, ok
}

// Size returns the number of pooled VMs.
func (p *Pool) Size() int {
	return len(p.vms)
}

// RecordAssignment notes that a task was committed to a VM. Bookkeeping
// only; capacity accounting stays with the host's machine counters.
func (p *Pool) RecordAssignment(vmID, taskID string) {
	vm, ok := p.byID[vmID]
	if !ok {
		return
	}
	vm.TaskIDs = append(vm.TaskIDs, taskID)
	p.taskVM[taskID] = vmID
}

// RecordCompletion drops a completed task from its VM's bookkeeping set.
// Returns domain.ErrStaleEvent for a task the pool has no record of.
func (p *Pool) RecordCompletion(taskID string) error {
	vmID, ok := p.taskVM[taskID]
	if !ok {
		return domain.ErrStaleEvent
	}
	delete(p.taskVM, taskID)

	if vm, ok := p.byID[vmID]; ok {
		for i, id := range vm.TaskIDs {
			if id == taskID {
				vm.TaskIDs = append(vm.TaskIDs[:i], vm.TaskIDs[i+1:]...)
				break
			}
		}
	}
	return nil
}

// MarkMigrating flags a VM as migrating; it receives no new tasks until the
// host reports the migration complete.
func (p *Pool) MarkMigrating(vmID string) error {
	vm, ok := p.byID[vmID]
	if !ok {
		return domain.ErrStaleEvent
	}
	vm.Migrating = true
	return nil
}

// CompleteMigration clears a VM's migrating flag. Idempotent: duplicate or
// spurious completions return domain.ErrStaleEvent for unknown VMs and are
// otherwise harmless.
func (p *Pool) CompleteMigration(vmID string) error {
	vm, ok := p.byID[vmID]
	if !ok {
		return domain.ErrStaleEvent
	}
	vm.Migrating = false
	return nil
}

// ShutdownAll shuts down every pooled VM and empties the pool. Individual
// host errors are aggregated, not short-circuited, so every VM gets its
// shutdown request. Calling it on an empty pool is a no-op.
func (p *Pool) ShutdownAll(ctx context.Context) error {
	var errs error
	for _, vm := range p.vms {
		if err := p.provider.ShutdownVM(ctx, vm.ID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("shutdown vm %s: %w", vm.ID, err))
		}
	}

	n := len(p.vms)
	p.vms = nil
	p.byID = make(map[string]*domain.VirtualMachine)
	p.byMachine = make(map[string][]*domain.VirtualMachine)
	p.taskVM = make(map[string]string)

	if n > 0 {
		p.logger.Info("Shut down pooled VMs", zap.Int("count", n))
	}
	return errs
}
