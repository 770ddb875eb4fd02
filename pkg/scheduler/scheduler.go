// Package scheduler is the Scheduler and Resource Accountant (§4.3/§4.4):
// it picks, for each PENDING task, the node that can host it and is
// least loaded, respecting any node/NUMA/GPU pin the task was submitted
// with.
package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/riverd/river/pkg/log"
	"github.com/riverd/river/pkg/metrics"
	"github.com/riverd/river/pkg/statemachine"
	"github.com/riverd/river/pkg/store"
	"github.com/riverd/river/pkg/types"
	"github.com/rs/zerolog"
)

// Scheduler assigns PENDING tasks to nodes on a fixed interval.
type Scheduler struct {
	store     *store.RaftStore
	authority *statemachine.Authority
	logger    zerolog.Logger
	interval  time.Duration

	mu     sync.Mutex
	stopCh chan struct{}
}

// New creates a Scheduler over st, assigning tasks through authority.
func New(st *store.RaftStore, authority *statemachine.Authority, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Scheduler{
		store:     st,
		authority: authority,
		logger:    log.WithComponent("scheduler"),
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the scheduling loop in a goroutine.
func (s *Scheduler) Start() { go s.run() }

// Stop terminates the scheduling loop.
func (s *Scheduler) Stop() { close(s.stopCh) }

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.RunOnce(); err != nil {
				s.logger.Error().Err(err).Msg("scheduling cycle failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// RunOnce performs one scheduling pass over every PENDING task.
func (s *Scheduler) RunOnce() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.store.ListTasksByStatus(types.StatusPending)
	if err != nil {
		return fmt.Errorf("list pending tasks: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	nodes, err := s.store.ListNodes()
	if err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}
	online := filterOnline(nodes)

	allTasks, err := s.store.ListTasks()
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	// Built once from the non-terminal tasks already on record, then
	// updated in place as this pass assigns more: ListTasks returns a
	// fresh decode per call, so a task assigned earlier in this loop
	// won't show up in a freshly re-fetched allTasks until the next
	// scheduling tick. Reserve() keeps the accountant's view current
	// within a single pass without refetching.
	acct := newAccountant(allTasks)

	for _, task := range pending {
		timer := metrics.NewTimer()

		node, err := s.selectNode(task, online, acct)
		if err != nil || node == nil {
			metrics.TasksUnschedulable.Inc()
			s.logger.Warn().Int64("task_id", task.ID).Err(err).Msg("no candidate node for task")
			continue
		}

		if _, err := s.authority.Assign(task.ID, node.Hostname); err != nil {
			s.logger.Error().Int64("task_id", task.ID).Err(err).Msg("failed to assign task")
			continue
		}
		timer.ObserveDuration(metrics.SchedulingLatency)
		metrics.TasksScheduled.Inc()
		task.AssignedNode = node.Hostname
		task.Status = types.StatusAssigning
		acct.Reserve(node.Hostname, task)
	}

	return nil
}

func filterOnline(nodes []*types.Node) []*types.Node {
	var out []*types.Node
	for _, n := range nodes {
		if n.Liveness == types.NodeOnline {
			out = append(out, n)
		}
	}
	return out
}

// selectNode returns the best candidate for task among nodes, or nil
// if none qualifies. Candidates are filtered by online status, target
// pin (if any), core/memory/GPU/NUMA fit, then ranked by most free
// cores with hostname as the tie-break.
func (s *Scheduler) selectNode(task *types.Task, nodes []*types.Node, acct *accountant) (*types.Node, error) {
	var target Target
	if task.TargetNode != "" {
		t, err := ParseTarget(task.TargetNode)
		if err != nil {
			return nil, err
		}
		target = t
	}

	var candidates []*types.Node
	for _, node := range nodes {
		if target.Node != "" && node.Hostname != target.Node {
			continue
		}
		if !fits(task, node, acct, target) {
			continue
		}
		candidates = append(candidates, node)
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("no online node satisfies task %d's resource request", task.ID)
	}

	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := acct.AvailableCores(candidates[i]), acct.AvailableCores(candidates[j])
		if ci != cj {
			return ci > cj
		}
		return candidates[i].Hostname < candidates[j].Hostname
	})

	winner := candidates[0]
	// A count-only GPU request (GPUCount, no explicit indices) must be
	// turned into concrete indices on the winning node before Assign:
	// the accountant and every downstream consumer (dispatch, the
	// runner's container/VM backends) key exclusively off
	// RequiredGPUs, so an unresolved GPUCount would leave the task's
	// GPUs looking unclaimed forever.
	if len(task.Resources.RequiredGPUs) == 0 && task.Resources.GPUCount > 0 {
		task.Resources.RequiredGPUs = acct.FreeGPUs(winner)[:task.Resources.GPUCount]
	}

	return winner, nil
}

func fits(task *types.Task, node *types.Node, acct *accountant, target Target) bool {
	req := task.Resources

	if req.Cores > 0 && acct.AvailableCores(node) < req.Cores {
		return false
	}
	if req.MemoryBytes != nil && acct.AvailableMemory(node) < *req.MemoryBytes {
		return false
	}

	required := req.RequiredGPUs
	if len(required) == 0 && len(target.GPUs) > 0 {
		required = target.GPUs
	}
	if len(required) > 0 {
		free := map[int]bool{}
		for _, g := range acct.FreeGPUs(node) {
			free[g] = true
		}
		for _, g := range required {
			if !free[g] {
				return false
			}
		}
	} else if req.GPUCount > 0 && len(acct.FreeGPUs(node)) < req.GPUCount {
		return false
	}

	numaID := req.NumaNodeID
	if numaID == nil {
		numaID = target.NumaID
	}
	if numaID != nil {
		found := false
		for _, n := range node.Capacity.NumaNodes {
			if n.ID == *numaID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if task.Backend == types.VPSBackendVM && !node.VMCapable {
		return false
	}

	return true
}
