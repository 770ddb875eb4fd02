package liveness

import (
	"os"
	"testing"
	"time"

	"github.com/riverd/river/pkg/events"
	"github.com/riverd/river/pkg/statemachine"
	"github.com/riverd/river/pkg/store"
	"github.com/riverd/river/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(t *testing.T, timeout time.Duration) (*Monitor, *store.RaftStore) {
	t.Helper()
	dir, err := os.MkdirTemp("", "river-liveness-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	st, err := store.Open(store.RaftConfig{NodeID: "test", BindAddr: "127.0.0.1:0", DataDir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.Eventually(t, st.IsLeader, 5*time.Second, 10*time.Millisecond)

	authority := statemachine.New(st, events.NewBroker())
	return New(st, authority, time.Hour, timeout), st
}

// S3: a node whose heartbeat has gone stale is marked offline and its
// running task is marked lost.
func TestSweepMarksStaleNodeOfflineAndTaskLost(t *testing.T) {
	m, st := newTestMonitor(t, 10*time.Millisecond)

	require.NoError(t, st.CreateNode(&types.Node{
		Hostname:      "node-a",
		Liveness:      types.NodeOnline,
		LastHeartbeat: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, st.CreateTask(&types.Task{
		ID: 1, Kind: types.TaskKindVPS, Status: types.StatusRunning, AssignedNode: "node-a",
	}))

	require.NoError(t, m.Sweep())

	node, err := st.GetNode("node-a")
	require.NoError(t, err)
	require.Equal(t, types.NodeOffline, node.Liveness)

	task, err := st.GetTask(1)
	require.NoError(t, err)
	require.Equal(t, types.StatusLost, task.Status)
}

// T2: a node going offline with ASSIGNING or PAUSED tasks (not just
// RUNNING ones) marks both LOST rather than leaving them wedged
// forever with a dead assigned node.
func TestSweepMarksAssigningAndPausedTasksLost(t *testing.T) {
	m, st := newTestMonitor(t, 10*time.Millisecond)

	require.NoError(t, st.CreateNode(&types.Node{
		Hostname:      "node-a",
		Liveness:      types.NodeOnline,
		LastHeartbeat: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, st.CreateTask(&types.Task{
		ID: 10, Status: types.StatusAssigning, AssignedNode: "node-a",
	}))
	require.NoError(t, st.CreateTask(&types.Task{
		ID: 11, Kind: types.TaskKindVPS, Status: types.StatusPaused, AssignedNode: "node-a",
	}))

	require.NoError(t, m.Sweep())

	assigning, err := st.GetTask(10)
	require.NoError(t, err)
	require.Equal(t, types.StatusLost, assigning.Status)

	paused, err := st.GetTask(11)
	require.NoError(t, err)
	require.Equal(t, types.StatusLost, paused.Status)
}

// S3: a VPS task that reappears in a runner's heartbeat in-flight
// report recovers from LOST to RUNNING.
func TestHeartbeatRecoversLostVPSTask(t *testing.T) {
	m, st := newTestMonitor(t, time.Hour)

	require.NoError(t, st.CreateNode(&types.Node{Hostname: "node-a", Liveness: types.NodeOffline}))
	require.NoError(t, st.CreateTask(&types.Task{ID: 2, Kind: types.TaskKindVPS, Status: types.StatusLost, AssignedNode: "node-a"}))

	require.NoError(t, m.Heartbeat("node-a", types.NodeCapacity{Cores: 4}, []int64{2}))

	task, err := st.GetTask(2)
	require.NoError(t, err)
	require.Equal(t, types.StatusRunning, task.Status)

	node, err := st.GetNode("node-a")
	require.NoError(t, err)
	require.Equal(t, types.NodeOnline, node.Liveness)
}

func TestHeartbeatDoesNotRecoverCommandTask(t *testing.T) {
	m, st := newTestMonitor(t, time.Hour)

	require.NoError(t, st.CreateNode(&types.Node{Hostname: "node-a"}))
	require.NoError(t, st.CreateTask(&types.Task{ID: 3, Kind: types.TaskKindCommand, Status: types.StatusLost, AssignedNode: "node-a"}))

	require.NoError(t, m.Heartbeat("node-a", types.NodeCapacity{}, []int64{3}))

	task, err := st.GetTask(3)
	require.NoError(t, err)
	require.Equal(t, types.StatusLost, task.Status, "command tasks have no defined recovery path once lost")
}
