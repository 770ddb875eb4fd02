package dispatch

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/riverd/river/pkg/events"
	"github.com/riverd/river/pkg/statemachine"
	"github.com/riverd/river/pkg/store"
	"github.com/riverd/river/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	executeErr error
	calls      int
}

func (f *fakeClient) Execute(ctx context.Context, addr string, task *types.Task) error {
	f.calls++
	return f.executeErr
}
func (f *fakeClient) Kill(ctx context.Context, addr string, taskID int64) error       { return nil }
func (f *fakeClient) Pause(ctx context.Context, addr string, taskID int64) error      { return nil }
func (f *fakeClient) Resume(ctx context.Context, addr string, taskID int64) error     { return nil }
func (f *fakeClient) VPSStop(ctx context.Context, addr string, taskID int64) error    { return nil }
func (f *fakeClient) VPSRestart(ctx context.Context, addr string, taskID int64) error { return nil }

func newTestDispatcher(t *testing.T, client RunnerClient, threshold int) (*Dispatcher, *store.RaftStore) {
	t.Helper()
	dir, err := os.MkdirTemp("", "river-dispatch-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	st, err := store.Open(store.RaftConfig{NodeID: "test", BindAddr: "127.0.0.1:0", DataDir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.Eventually(t, st.IsLeader, 5*time.Second, 10*time.Millisecond)

	authority := statemachine.New(st, events.NewBroker())
	return New(st, authority, client, threshold), st
}

func TestDispatchSuccessLeavesTaskAssigning(t *testing.T) {
	client := &fakeClient{}
	d, st := newTestDispatcher(t, client, 3)

	task := &types.Task{ID: 1, Status: types.StatusAssigning, AssignedNode: "node-a"}
	require.NoError(t, st.CreateTask(task))

	require.NoError(t, d.Dispatch(task, "node-a:7070"))
	require.Equal(t, 1, client.calls)

	got, err := st.GetTask(1)
	require.NoError(t, err)
	require.Equal(t, types.StatusAssigning, got.Status)
}

func TestDispatchFailureIncrementsSuspicionBelowThreshold(t *testing.T) {
	client := &fakeClient{executeErr: errors.New("connection refused")}
	d, st := newTestDispatcher(t, client, 3)

	task := &types.Task{ID: 2, Status: types.StatusAssigning, AssignedNode: "node-a"}
	require.NoError(t, st.CreateTask(task))

	err := d.Dispatch(task, "node-a:7070")
	require.Error(t, err)

	got, err := st.GetTask(2)
	require.NoError(t, err)
	require.Equal(t, 1, got.AssignmentSuspicion)
	require.Equal(t, types.StatusAssigning, got.Status, "task stays assigned until threshold is reached")
}

func TestDispatchRequeuesAfterThresholdReached(t *testing.T) {
	client := &fakeClient{executeErr: errors.New("connection refused")}
	d, st := newTestDispatcher(t, client, 2)

	task := &types.Task{ID: 3, Status: types.StatusAssigning, AssignedNode: "node-a"}
	require.NoError(t, st.CreateTask(task))

	require.Error(t, d.Dispatch(task, "node-a:7070"))
	task, err := st.GetTask(3)
	require.NoError(t, err)
	require.Equal(t, types.StatusAssigning, task.Status)

	require.Error(t, d.Dispatch(task, "node-a:7070"))

	got, err := st.GetTask(3)
	require.NoError(t, err)
	require.Equal(t, types.StatusPending, got.Status)
	require.Equal(t, "", got.AssignedNode)
}

// S5: repeated sweeps against a runner that keeps refusing the RPC
// must let the suspicion counter climb past 1 and requeue the task —
// exercising the same CheckAssignment call a dispatch loop would make
// on every tick, not Dispatch called directly once.
func TestCheckAssignmentRequeuesAfterRepeatedSweepFailures(t *testing.T) {
	client := &fakeClient{executeErr: errors.New("connection refused")}
	d, st := newTestDispatcher(t, client, 3)

	task := &types.Task{ID: 10, Status: types.StatusAssigning, AssignedNode: "node-a"}
	require.NoError(t, st.CreateTask(task))

	for i := 0; i < 2; i++ {
		require.Error(t, d.CheckAssignment(task, "node-a:7070"))
		got, err := st.GetTask(task.ID)
		require.NoError(t, err)
		require.Equal(t, types.StatusAssigning, got.Status)
		task = got
	}

	require.Error(t, d.CheckAssignment(task, "node-a:7070"))
	got, err := st.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusPending, got.Status, "third consecutive sweep failure crosses threshold=3")
	require.Equal(t, "", got.AssignedNode)
	require.Equal(t, 0, got.AssignmentSuspicion)
}

// A successful dispatch RPC that never gets a RUNNING ack must start
// accruing suspicion once the health-check period elapses, not stay
// silent forever.
func TestCheckAssignmentSuspectsStalledAckAfterHealthCheckPeriod(t *testing.T) {
	client := &fakeClient{}
	d, st := newTestDispatcher(t, client, 3)

	task := &types.Task{ID: 11, Status: types.StatusAssigning, AssignedNode: "node-a"}
	require.NoError(t, st.CreateTask(task))

	require.NoError(t, d.CheckAssignment(task, "node-a:7070"))
	require.Equal(t, 1, client.calls)
	got, err := st.GetTask(task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.DispatchedAt)

	// Still within the health-check period: no suspicion, no re-dispatch.
	require.NoError(t, d.CheckAssignment(got, "node-a:7070"))
	require.Equal(t, 1, client.calls, "re-dispatch must not fire while the ack is merely pending")

	stale := *got.DispatchedAt
	stale = stale.Add(-2 * healthCheckPeriod)
	got.DispatchedAt = &stale

	err = d.CheckAssignment(got, "node-a:7070")
	require.Error(t, err)
	require.Equal(t, 1, client.calls, "a stalled ack is suspected directly, not re-dispatched")

	final, err := st.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, 1, final.AssignmentSuspicion)
}

func TestDispatchUsesVPSTimeoutForVPSTasks(t *testing.T) {
	client := &fakeClient{}
	d, _ := newTestDispatcher(t, client, 3)

	task := &types.Task{ID: 4, Kind: types.TaskKindVPS}
	require.Equal(t, vpsDispatchTimeout, timeoutFor(task))

	cmdTask := &types.Task{ID: 5, Kind: types.TaskKindCommand}
	require.Equal(t, commandDispatchTimeout, timeoutFor(cmdTask))
	_ = d
}
