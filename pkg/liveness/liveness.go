// Package liveness is the Liveness Monitor (§4.5): it sweeps registered
// nodes on a fixed interval, flips a node ONLINE/OFFLINE based on how
// stale its last heartbeat is, and marks every non-terminal task it
// holds (RUNNING, ASSIGNING, or PAUSED) LOST the moment it goes
// offline.
package liveness

import (
	"fmt"
	"sync"
	"time"

	"github.com/riverd/river/pkg/log"
	"github.com/riverd/river/pkg/metrics"
	"github.com/riverd/river/pkg/statemachine"
	"github.com/riverd/river/pkg/store"
	"github.com/riverd/river/pkg/types"
	"github.com/rs/zerolog"
)

// Monitor performs periodic liveness sweeps.
type Monitor struct {
	store     *store.RaftStore
	authority *statemachine.Authority
	logger    zerolog.Logger

	interval time.Duration
	timeout  time.Duration

	mu     sync.Mutex
	stopCh chan struct{}
}

// New builds a Monitor. interval is the sweep period; timeout is how
// long a node may go without a heartbeat before it is marked OFFLINE.
func New(st *store.RaftStore, authority *statemachine.Authority, interval, timeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Monitor{
		store:     st,
		authority: authority,
		logger:    log.WithComponent("liveness"),
		interval:  interval,
		timeout:   timeout,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the sweep loop in a goroutine.
func (m *Monitor) Start() { go m.run() }

// Stop terminates the sweep loop.
func (m *Monitor) Stop() { close(m.stopCh) }

func (m *Monitor) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.Sweep(); err != nil {
				m.logger.Error().Err(err).Msg("liveness sweep failed")
			}
		case <-m.stopCh:
			return
		}
	}
}

// Sweep examines every node's LastHeartbeat once. A node whose
// heartbeat is older than the timeout moves ONLINE -> OFFLINE and has
// its non-terminal tasks (RUNNING, ASSIGNING, PAUSED) marked LOST; a
// node whose heartbeat is fresh and was previously OFFLINE moves back
// to ONLINE (the tasks it holds recover separately, via Heartbeat's
// reported in-flight set).
func (m *Monitor) Sweep() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.LivenessSweepDuration)

	nodes, err := m.store.ListNodes()
	if err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}

	now := time.Now()
	for _, node := range nodes {
		stale := now.Sub(node.LastHeartbeat) > m.timeout

		switch {
		case stale && node.Liveness == types.NodeOnline:
			if err := m.markOffline(node); err != nil {
				m.logger.Error().Str("node", node.Hostname).Err(err).Msg("failed to mark node offline")
			}
		case !stale && node.Liveness == types.NodeOffline:
			if err := m.markOnline(node); err != nil {
				m.logger.Error().Str("node", node.Hostname).Err(err).Msg("failed to mark node online")
			}
		}
	}

	return nil
}

func (m *Monitor) markOffline(node *types.Node) error {
	node.Liveness = types.NodeOffline
	if err := m.store.UpdateNode(node); err != nil {
		return err
	}
	metrics.NodesMarkedOffline.Inc()
	m.logger.Warn().Str("node", node.Hostname).Msg("node marked offline")

	tasks, err := m.store.ListTasksByNode(node.Hostname)
	if err != nil {
		return fmt.Errorf("list tasks for %s: %w", node.Hostname, err)
	}
	for _, task := range tasks {
		if task.Status.Terminal() || task.Status == types.StatusLost {
			continue
		}
		if _, err := m.authority.MarkLost(task.ID); err != nil {
			m.logger.Error().Int64("task_id", task.ID).Err(err).Msg("failed to mark task lost")
			continue
		}
		metrics.TasksMarkedLost.Inc()
	}
	return nil
}

func (m *Monitor) markOnline(node *types.Node) error {
	node.Liveness = types.NodeOnline
	if err := m.store.UpdateNode(node); err != nil {
		return err
	}
	m.logger.Info().Str("node", node.Hostname).Msg("node marked online")
	return nil
}

// Heartbeat records a fresh heartbeat from hostname and reconciles the
// runner's reported in-flight VPS task ids against the store: a LOST
// VPS task that the runner still reports running recovers to RUNNING
// (§4.2); any task the Host believes RUNNING on this node that is
// absent from the report is left to the next sweep rather than
// guessed at here.
func (m *Monitor) Heartbeat(hostname string, capacity types.NodeCapacity, inFlightVPS []int64) error {
	node, err := m.store.GetNode(hostname)
	if err != nil {
		node = &types.Node{Hostname: hostname}
	}
	node.LastHeartbeat = time.Now()
	node.Liveness = types.NodeOnline
	node.Capacity = capacity

	if err := m.store.UpdateNode(node); err != nil {
		return fmt.Errorf("update node %s: %w", hostname, err)
	}

	for _, id := range inFlightVPS {
		task, err := m.store.GetTask(id)
		if err != nil || task.Status != types.StatusLost {
			continue
		}
		if task.Kind != types.TaskKindVPS {
			continue
		}
		if _, err := m.authority.Reconnect(id); err != nil {
			m.logger.Error().Int64("task_id", id).Err(err).Msg("failed to reconnect recovered vps task")
		}
	}

	return nil
}
