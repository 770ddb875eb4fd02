package scheduler

import (
	"testing"

	"github.com/riverd/river/pkg/types"
	"github.com/stretchr/testify/require"
)

func memPtr(b int64) *int64 { return &b }

func nodeWithCapacity(hostname string, cores int, mem int64, gpus ...types.GPUDescriptor) *types.Node {
	return &types.Node{
		Hostname: hostname,
		Liveness: types.NodeOnline,
		Capacity: types.NodeCapacity{Cores: cores, MemoryBytes: mem, GPUs: gpus},
	}
}

// S1: most-free-cores selection among equally-fitting nodes.
func TestSelectNodeMostFreeCores(t *testing.T) {
	s := &Scheduler{}
	task := &types.Task{ID: 1, Resources: types.ResourceRequest{Cores: 2}}
	nodes := []*types.Node{
		nodeWithCapacity("node-b", 4, 1<<30),
		nodeWithCapacity("node-a", 8, 1<<30),
	}
	acct := newAccountant(nil)

	selected, err := s.selectNode(task, nodes, acct)
	require.NoError(t, err)
	require.Equal(t, "node-a", selected.Hostname)
}

// S1 tie-break: equal free cores fall back to hostname ordering.
func TestSelectNodeHostnameTieBreak(t *testing.T) {
	s := &Scheduler{}
	task := &types.Task{ID: 1, Resources: types.ResourceRequest{Cores: 2}}
	nodes := []*types.Node{
		nodeWithCapacity("node-z", 8, 1<<30),
		nodeWithCapacity("node-a", 8, 1<<30),
	}
	acct := newAccountant(nil)

	selected, err := s.selectNode(task, nodes, acct)
	require.NoError(t, err)
	require.Equal(t, "node-a", selected.Hostname)
}

// S2: a node already holding running tasks has reduced availability.
func TestSelectNodeAccountsForExistingTasks(t *testing.T) {
	s := &Scheduler{}
	task := &types.Task{ID: 3, Resources: types.ResourceRequest{Cores: 4}}
	nodes := []*types.Node{
		nodeWithCapacity("node-a", 8, 1<<30),
		nodeWithCapacity("node-b", 8, 1<<30),
	}
	existing := []*types.Task{
		{ID: 1, AssignedNode: "node-a", Status: types.StatusRunning, Resources: types.ResourceRequest{Cores: 6}},
	}
	acct := newAccountant(existing)

	selected, err := s.selectNode(task, nodes, acct)
	require.NoError(t, err)
	require.Equal(t, "node-b", selected.Hostname)
}

// S3: no candidate fits -> error, not a nil-without-error silent skip.
func TestSelectNodeNoCandidateFits(t *testing.T) {
	s := &Scheduler{}
	mem := memPtr(2 << 30)
	task := &types.Task{ID: 4, Resources: types.ResourceRequest{Cores: 2, MemoryBytes: mem}}
	nodes := []*types.Node{
		nodeWithCapacity("node-a", 8, 1<<30),
	}
	acct := newAccountant(nil)

	_, err := s.selectNode(task, nodes, acct)
	require.Error(t, err)
}

// S4: explicit node pin restricts candidates to that node only.
func TestSelectNodeRespectsTargetPin(t *testing.T) {
	s := &Scheduler{}
	task := &types.Task{ID: 5, TargetNode: "node-b", Resources: types.ResourceRequest{Cores: 1}}
	nodes := []*types.Node{
		nodeWithCapacity("node-a", 16, 1<<30),
		nodeWithCapacity("node-b", 1, 1<<30),
	}
	acct := newAccountant(nil)

	selected, err := s.selectNode(task, nodes, acct)
	require.NoError(t, err)
	require.Equal(t, "node-b", selected.Hostname)
}

// S5: explicit GPU index set must be free on the candidate.
func TestSelectNodeGPUPinning(t *testing.T) {
	s := &Scheduler{}
	task := &types.Task{ID: 6, Resources: types.ResourceRequest{RequiredGPUs: types.GPUSet{1}}}
	nodes := []*types.Node{
		nodeWithCapacity("node-a", 4, 1<<30, types.GPUDescriptor{Index: 0}, types.GPUDescriptor{Index: 1}),
	}
	existing := []*types.Task{
		{ID: 1, AssignedNode: "node-a", Status: types.StatusRunning, Resources: types.ResourceRequest{RequiredGPUs: types.GPUSet{1}}},
	}
	acct := newAccountant(existing)

	_, err := s.selectNode(task, nodes, acct)
	require.Error(t, err, "gpu 1 is already claimed by the running task")
}

// GPUCount-only requests must resolve to concrete free indices written
// back onto the task, not just pass the fits() check: the accountant
// and every downstream consumer key off RequiredGPUs, never GPUCount.
func TestSelectNodeResolvesGPUCountToConcreteIndices(t *testing.T) {
	s := &Scheduler{}
	task := &types.Task{ID: 8, Resources: types.ResourceRequest{GPUCount: 2}}
	nodes := []*types.Node{
		nodeWithCapacity("node-a", 4, 1<<30,
			types.GPUDescriptor{Index: 0}, types.GPUDescriptor{Index: 1}, types.GPUDescriptor{Index: 2},
			types.GPUDescriptor{Index: 3}),
	}
	existing := []*types.Task{
		{ID: 1, AssignedNode: "node-a", Status: types.StatusRunning, Resources: types.ResourceRequest{RequiredGPUs: types.GPUSet{0}}},
	}
	acct := newAccountant(existing)

	selected, err := s.selectNode(task, nodes, acct)
	require.NoError(t, err)
	require.Equal(t, "node-a", selected.Hostname)
	require.Len(t, task.Resources.RequiredGPUs, 2, "GPUCount must be resolved into concrete indices")
	require.NotContains(t, task.Resources.RequiredGPUs, 0, "gpu 0 is already claimed by the running task")

	// A second selection pass must see those resolved indices as taken
	// once Reserve commits them, so the same physical GPUs are never
	// handed to two tasks.
	acct.Reserve(selected.Hostname, task)
	other := &types.Task{ID: 9, Resources: types.ResourceRequest{GPUCount: 1}}
	selectedAgain, err := s.selectNode(other, nodes, acct)
	require.NoError(t, err)
	require.Equal(t, "node-a", selectedAgain.Hostname)
	require.Len(t, other.Resources.RequiredGPUs, 1)
	for _, g := range task.Resources.RequiredGPUs {
		require.NotContains(t, other.Resources.RequiredGPUs, g)
	}
}

// S7: Reserve commits a task's resources into an existing accountant
// immediately, so a second selectNode call in the same pass sees the
// reduced availability without needing a fresh newAccountant build.
func TestAccountantReserveAffectsSubsequentSelection(t *testing.T) {
	s := &Scheduler{}
	nodes := []*types.Node{
		nodeWithCapacity("node-a", 8, 1<<30),
	}
	acct := newAccountant(nil)

	first := &types.Task{ID: 1, Resources: types.ResourceRequest{Cores: 5}}
	selected, err := s.selectNode(first, nodes, acct)
	require.NoError(t, err)
	require.Equal(t, "node-a", selected.Hostname)
	acct.Reserve(selected.Hostname, first)

	second := &types.Task{ID: 2, Resources: types.ResourceRequest{Cores: 5}}
	_, err = s.selectNode(second, nodes, acct)
	require.Error(t, err, "node-a only has 3 cores left after reserving 5 of 8 for the first task")
}

// S6: VPS/VM backend tasks are only schedulable onto VM-capable nodes.
func TestSelectNodeVMBackendRequiresVMCapable(t *testing.T) {
	s := &Scheduler{}
	task := &types.Task{ID: 7, Kind: types.TaskKindVPS, Backend: types.VPSBackendVM}
	plain := nodeWithCapacity("node-a", 4, 1<<30)
	vmCapable := nodeWithCapacity("node-b", 4, 1<<30)
	vmCapable.VMCapable = true
	acct := newAccountant(nil)

	selected, err := s.selectNode(task, []*types.Node{plain, vmCapable}, acct)
	require.NoError(t, err)
	require.Equal(t, "node-b", selected.Hostname)
}
