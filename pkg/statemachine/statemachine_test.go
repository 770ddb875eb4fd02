package statemachine

import (
	"os"
	"testing"
	"time"

	"github.com/riverd/river/pkg/store"
	"github.com/riverd/river/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestAuthority(t *testing.T) (*Authority, *store.RaftStore) {
	t.Helper()
	dir, err := os.MkdirTemp("", "river-sm-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	st, err := store.Open(store.RaftConfig{NodeID: "test", BindAddr: "127.0.0.1:0", DataDir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.Eventually(t, st.IsLeader, 5*time.Second, 10*time.Millisecond)

	return New(st, nil), st
}

func seedTask(t *testing.T, st *store.RaftStore, id int64, status types.TaskStatus) {
	t.Helper()
	require.NoError(t, st.CreateTask(&types.Task{ID: id, Kind: types.TaskKindCommand, Status: status, SubmittedAt: time.Now()}))
}

func TestApproveThenAssignThenRun(t *testing.T) {
	a, st := newTestAuthority(t)
	seedTask(t, st, 1, types.StatusPendingApproval)

	task, err := a.Approve(1, "alice")
	require.NoError(t, err)
	require.Equal(t, types.StatusPending, task.Status)

	task, err = a.Assign(1, "node-a")
	require.NoError(t, err)
	require.Equal(t, types.StatusAssigning, task.Status)
	require.Equal(t, "node-a", task.AssignedNode)

	task, err = a.Start(1)
	require.NoError(t, err)
	require.Equal(t, types.StatusRunning, task.Status)
	require.NotNil(t, task.StartedAt)
}

func TestRejectFromPendingApproval(t *testing.T) {
	a, st := newTestAuthority(t)
	seedTask(t, st, 2, types.StatusPendingApproval)

	task, err := a.Reject(2, "bob", "over budget")
	require.NoError(t, err)
	require.Equal(t, types.StatusRejected, task.Status)
	require.Equal(t, "over budget", task.RejectionReason)
}

func TestExitCodeRouting(t *testing.T) {
	a, st := newTestAuthority(t)

	seedTask(t, st, 3, types.StatusRunning)
	task, err := a.Exit(3, 0, "")
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, task.Status)

	seedTask(t, st, 4, types.StatusRunning)
	task, err = a.Exit(4, 137, "oom")
	require.NoError(t, err)
	require.Equal(t, types.StatusKilledOOM, task.Status)

	seedTask(t, st, 5, types.StatusRunning)
	task, err = a.Exit(5, 1, "boom")
	require.NoError(t, err)
	require.Equal(t, types.StatusFailed, task.Status)
}

func TestIllegalTransitionRejected(t *testing.T) {
	a, st := newTestAuthority(t)
	seedTask(t, st, 6, types.StatusCompleted)

	_, err := a.Assign(6, "node-a")
	require.Error(t, err)
}

// T2: ASSIGNING and PAUSED tasks can also be marked LOST, not just
// RUNNING ones, since both carry a non-null assigned node that can go
// offline out from under them.
func TestMarkLostAllowedFromAssigningAndPaused(t *testing.T) {
	a, st := newTestAuthority(t)
	seedTask(t, st, 8, types.StatusAssigning)
	seedTask(t, st, 9, types.StatusPaused)

	task, err := a.MarkLost(8)
	require.NoError(t, err)
	require.Equal(t, types.StatusLost, task.Status)

	task, err = a.MarkLost(9)
	require.NoError(t, err)
	require.Equal(t, types.StatusLost, task.Status)
}

func TestLostRecoversToRunningOnReconnect(t *testing.T) {
	a, st := newTestAuthority(t)
	seedTask(t, st, 7, types.StatusRunning)

	task, err := a.MarkLost(7)
	require.NoError(t, err)
	require.Equal(t, types.StatusLost, task.Status)

	task, err = a.Reconnect(7)
	require.NoError(t, err)
	require.Equal(t, types.StatusRunning, task.Status)
}
