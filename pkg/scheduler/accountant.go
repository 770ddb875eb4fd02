package scheduler

import "github.com/riverd/river/pkg/types"

// usage is the resources already committed to a node by tasks that are
// ASSIGNING, RUNNING or PAUSED there.
type usage struct {
	cores       int
	memoryBytes int64
	gpus        map[int]bool
}

// accountant computes available_cores/available_memory/free_gpus for
// every node from the node's declared NodeCapacity minus the resources
// held by its non-terminal tasks.
type accountant struct {
	usage map[string]*usage // by hostname
}

func newAccountant(tasks []*types.Task) *accountant {
	a := &accountant{usage: make(map[string]*usage)}
	for _, t := range tasks {
		if t.AssignedNode == "" {
			continue
		}
		switch t.Status {
		case types.StatusAssigning, types.StatusRunning, types.StatusPaused:
		default:
			continue
		}
		a.reserve(t.AssignedNode, t)
	}
	return a
}

// Reserve commits task's resource request against hostname so later
// calls in the same scheduling pass see it as already consumed, even
// though the task's own record hasn't been persisted as ASSIGNING yet.
func (a *accountant) Reserve(hostname string, task *types.Task) {
	a.reserve(hostname, task)
}

func (a *accountant) reserve(hostname string, t *types.Task) {
	u, ok := a.usage[hostname]
	if !ok {
		u = &usage{gpus: make(map[int]bool)}
		a.usage[hostname] = u
	}
	u.cores += t.Resources.Cores
	if t.Resources.MemoryBytes != nil {
		u.memoryBytes += *t.Resources.MemoryBytes
	}
	for _, g := range t.Resources.RequiredGPUs {
		u.gpus[g] = true
	}
}

// AvailableCores returns node's free core count.
func (a *accountant) AvailableCores(node *types.Node) int {
	free := node.Capacity.Cores
	if u, ok := a.usage[node.Hostname]; ok {
		free -= u.cores
	}
	if free < 0 {
		return 0
	}
	return free
}

// AvailableMemory returns node's free memory in bytes.
func (a *accountant) AvailableMemory(node *types.Node) int64 {
	free := node.Capacity.MemoryBytes
	if u, ok := a.usage[node.Hostname]; ok {
		free -= u.memoryBytes
	}
	if free < 0 {
		return 0
	}
	return free
}

// FreeGPUs returns the GPU indices on node not already claimed by a
// non-terminal task.
func (a *accountant) FreeGPUs(node *types.Node) []int {
	taken := map[int]bool{}
	if u, ok := a.usage[node.Hostname]; ok {
		taken = u.gpus
	}
	var free []int
	for _, g := range node.Capacity.GPUs {
		if !taken[g.Index] {
			free = append(free, g.Index)
		}
	}
	return free
}
