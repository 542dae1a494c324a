// Package memory provides an in-memory cluster host implementation for
// development, testing, and embedding simulators.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/virtfleet/virtfleet/internal/cluster"
	"github.com/virtfleet/virtfleet/internal/domain"
)

// Ensure Cluster implements cluster.Provider
var _ cluster.Provider = (*Cluster)(nil)

// taskRecord tracks a task's requirements plus its host-side assignment.
type taskRecord struct {
	task     domain.Task
	priority domain.Priority
	vmID     string
}

// Cluster is an in-memory implementation of the cluster host. A driving
// simulator (or test) registers machines and tasks, the engine mutates
// VM and assignment state through the Provider interface.
type Cluster struct {
	mu       sync.RWMutex
	order    []string
	machines map[string]*domain.Machine
	vms      map[string]*domain.VirtualMachine
	tasks    map[string]*taskRecord
}

// NewCluster creates an empty in-memory cluster.
func NewCluster() *Cluster {
	return &Cluster{
		machines: make(map[string]*domain.Machine),
		vms:      make(map[string]*domain.VirtualMachine),
		tasks:    make(map[string]*taskRecord),
	}
}

// AddMachine registers a machine. Enumeration order follows registration
// order.
func (c *Cluster) AddMachine(m domain.Machine) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.machines[m.ID]; ok {
		return domain.ErrAlreadyExists
	}

	stored := m
	c.machines[m.ID] = &stored
	c.order = append(c.order, m.ID)
	return nil
}

// AddTask registers a task's requirements so the engine can read them on
// arrival.
func (c *Cluster) AddTask(t domain.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.tasks[t.ID]; ok {
		return domain.ErrAlreadyExists
	}

	c.tasks[t.ID] = &taskRecord{task: t}
	return nil
}

// CompleteTask releases a task's resources from its machine, mirroring what
// the simulator does when a task finishes.
func (c *Cluster) CompleteTask(taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.tasks[taskID]
	if !ok {
		return domain.ErrNotFound
	}

	if rec.vmID != "" {
		if vm, ok := c.vms[rec.vmID]; ok {
			vm.TaskIDs = removeString(vm.TaskIDs, taskID)
			if m, ok := c.machines[vm.MachineID]; ok {
				m.MemoryUsedMiB -= rec.task.MemoryMiB
				m.ActiveTasks--
			}
		}
		rec.vmID = ""
	}
	return nil
}

// TaskAssignment returns the VM a task was committed to, or ErrNotFound.
func (c *Cluster) TaskAssignment(taskID string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.tasks[taskID]
	if !ok {
		return "", domain.ErrNotFound
	}
	return rec.vmID, nil
}

// TaskPriority returns the host-side priority of a task.
func (c *Cluster) TaskPriority(taskID string) (domain.Priority, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.tasks[taskID]
	if !ok {
		return "", domain.ErrNotFound
	}
	return rec.priority, nil
}

// VMCount returns the number of VMs currently attached or created.
func (c *Cluster) VMCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.vms)
}

// MachineIDs returns machine identities in registration order.
func (c *Cluster) MachineIDs(ctx context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, len(c.order))
	copy(ids, c.order)
	return ids, nil
}

// MachineSnapshot returns a copy of the machine's current state.
func (c *Cluster) MachineSnapshot(ctx context.Context, machineID string) (domain.Machine, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.machines[machineID]
	if !ok {
		return domain.Machine{}, domain.ErrNotFound
	}
	return *m, nil
}

// VMSnapshot returns a copy of the VM's current state.
func (c *Cluster) VMSnapshot(ctx context.Context, vmID string) (domain.VirtualMachine, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	vm, ok := c.vms[vmID]
	if !ok {
		return domain.VirtualMachine{}, domain.ErrNotFound
	}
	return cloneVM(vm), nil
}

// TaskRequirements returns the task's placement requirements.
func (c *Cluster) TaskRequirements(ctx context.Context, taskID string) (domain.Task, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.tasks[taskID]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return rec.task, nil
}

// SetPowerState transitions a machine's power state.
func (c *Cluster) SetPowerState(ctx context.Context, machineID string, state domain.PowerState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.machines[machineID]
	if !ok {
		return domain.ErrNotFound
	}
	m.PowerState = state
	return nil
}

// CreateVM creates an unattached VM and returns its identity.
func (c *Cluster) CreateVM(ctx context.Context, t domain.VMType, arch domain.CPUArchitecture) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	vm := &domain.VirtualMachine{
		ID:           uuid.New().String(),
		Type:         t,
		Architecture: arch,
	}
	c.vms[vm.ID] = vm
	return vm.ID, nil
}

// AttachVM attaches a VM to a machine. The machine must be running and its
// architecture must match the VM's.
func (c *Cluster) AttachVM(ctx context.Context, vmID, machineID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	vm, ok := c.vms[vmID]
	if !ok {
		return domain.ErrNotFound
	}
	m, ok := c.machines[machineID]
	if !ok {
		return domain.ErrNotFound
	}
	if m.PowerState != domain.PowerRunning {
		return domain.ErrInvalidState
	}
	if m.Architecture != vm.Architecture {
		return domain.ErrInvalidState
	}
	if vm.MachineID != "" {
		return domain.ErrInvalidState
	}

	vm.MachineID = machineID
	return nil
}

// AssignTask commits a task to a VM and charges its demand against the
// host machine's counters. The host does not reject overcommit here; the
// engine's feasibility predicate is the defense, and an overflow surfaces
// as a memory warning event.
func (c *Cluster) AssignTask(ctx context.Context, vmID, taskID string, prio domain.Priority) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	vm, ok := c.vms[vmID]
	if !ok {
		return domain.ErrNotFound
	}
	if vm.MachineID == "" {
		return domain.ErrInvalidState
	}
	rec, ok := c.tasks[taskID]
	if !ok {
		return domain.ErrNotFound
	}
	if rec.vmID != "" {
		return domain.ErrAlreadyExists
	}

	m, ok := c.machines[vm.MachineID]
	if !ok {
		return domain.ErrNotFound
	}

	vm.TaskIDs = append(vm.TaskIDs, taskID)
	rec.vmID = vmID
	rec.priority = prio
	m.MemoryUsedMiB += rec.task.MemoryMiB
	m.ActiveTasks++
	return nil
}

// SetTaskPriority changes a task's host-side priority.
func (c *Cluster) SetTaskPriority(ctx context.Context, taskID string, prio domain.Priority) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.tasks[taskID]
	if !ok {
		return domain.ErrNotFound
	}
	rec.priority = prio
	return nil
}

// ShutdownVM detaches and removes a VM, releasing the resources of any
// tasks still assigned to it.
func (c *Cluster) ShutdownVM(ctx context.Context, vmID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	vm, ok := c.vms[vmID]
	if !ok {
		return domain.ErrNotFound
	}

	if m, ok := c.machines[vm.MachineID]; ok {
		for _, taskID := range vm.TaskIDs {
			if rec, ok := c.tasks[taskID]; ok && rec.vmID == vmID {
				m.MemoryUsedMiB -= rec.task.MemoryMiB
				m.ActiveTasks--
				rec.vmID = ""
			}
		}
	}

	delete(c.vms, vmID)
	return nil
}

func cloneVM(vm *domain.VirtualMachine) domain.VirtualMachine {
	out := *vm
	out.TaskIDs = append([]string(nil), vm.TaskIDs...)
	return out
}

func removeString(s []string, v string) []string {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}
