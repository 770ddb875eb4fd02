// Package dispatch is the Dispatcher and suspicion-counter protocol
// (§4.3 continued / §4.9): it turns an ASSIGNING task into a runner RPC
// call, and gives up on a runner that won't answer after enough
// consecutive suspicious failures, returning the task to PENDING for
// rescheduling.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/riverd/river/pkg/log"
	"github.com/riverd/river/pkg/metrics"
	"github.com/riverd/river/pkg/statemachine"
	"github.com/riverd/river/pkg/store"
	"github.com/riverd/river/pkg/types"
	"github.com/rs/zerolog"
)

// RunnerClient is the subset of the Host->Runner RPC surface (§6.1)
// the dispatcher drives. Implementations live in pkg/transport.
type RunnerClient interface {
	Execute(ctx context.Context, addr string, task *types.Task) error
	Kill(ctx context.Context, addr string, taskID int64) error
	Pause(ctx context.Context, addr string, taskID int64) error
	Resume(ctx context.Context, addr string, taskID int64) error
	VPSStop(ctx context.Context, addr string, taskID int64) error
	VPSRestart(ctx context.Context, addr string, taskID int64) error
}

// Default suspicion threshold: the number of consecutive dispatch
// failures tolerated before a task is requeued to PENDING (§13, Open
// Question resolved: 3).
const DefaultSuspicionThreshold = 3

const (
	commandDispatchTimeout = 30 * time.Second
	vpsDispatchTimeout     = 60 * time.Second

	// healthCheckPeriod is how long a task may sit ASSIGNING with a
	// successfully-dispatched RPC but no RUNNING ack before it starts
	// accruing suspicion for that reason too.
	healthCheckPeriod = 30 * time.Second
)

// Dispatcher issues RPCs to runners for ASSIGNING and in-flight tasks.
type Dispatcher struct {
	store     *store.RaftStore
	authority *statemachine.Authority
	client    RunnerClient
	logger    zerolog.Logger

	threshold int
}

// New builds a Dispatcher. threshold <= 0 uses DefaultSuspicionThreshold.
func New(st *store.RaftStore, authority *statemachine.Authority, client RunnerClient, threshold int) *Dispatcher {
	if threshold <= 0 {
		threshold = DefaultSuspicionThreshold
	}
	return &Dispatcher{
		store:     st,
		authority: authority,
		client:    client,
		logger:    log.WithComponent("dispatch"),
		threshold: threshold,
	}
}

func timeoutFor(task *types.Task) time.Duration {
	if task.Kind == types.TaskKindVPS {
		return vpsDispatchTimeout
	}
	return commandDispatchTimeout
}

// Dispatch sends an ASSIGNING task's execute RPC to its assigned
// node's runner. On success the task stays ASSIGNING until the
// runner's ack moves it to RUNNING via the statemachine, and
// DispatchedAt is stamped so CheckAssignment can detect a stalled ack.
// On failure the task's suspicion counter is incremented; once it
// reaches the threshold the task is requeued to PENDING with a cleared
// assignment so the next scheduling pass can try a different node.
func (d *Dispatcher) Dispatch(task *types.Task, runnerAddr string) error {
	timer := metrics.NewTimer()
	ctx, cancel := context.WithTimeout(context.Background(), timeoutFor(task))
	defer cancel()

	err := d.client.Execute(ctx, runnerAddr, task)
	timer.ObserveDurationVec(metrics.DispatchRPCDuration, "execute")

	if err != nil {
		return d.suspect(task, err)
	}

	now := time.Now()
	task.DispatchedAt = &now
	if err := d.store.UpdateTask(task); err != nil {
		return fmt.Errorf("persist dispatch timestamp for task %d: %w", task.ID, err)
	}
	return nil
}

// CheckAssignment drives one suspicion-protocol tick for an ASSIGNING
// task: it issues the dispatch RPC if this is the first attempt, or
// if it already succeeded, checks whether the health-check period has
// elapsed without a RUNNING ack and, if so, suspects the task for that
// reason too (§4.4: "fails or succeeds but no RUNNING callback arrives
// within the health-check period"). It is meant to be called once per
// sweep for every ASSIGNING task so the suspicion counter can actually
// climb across sweeps instead of being issued once and forgotten.
func (d *Dispatcher) CheckAssignment(task *types.Task, runnerAddr string) error {
	if task.DispatchedAt == nil {
		return d.Dispatch(task, runnerAddr)
	}
	if time.Since(*task.DispatchedAt) < healthCheckPeriod {
		return nil
	}
	return d.suspect(task, fmt.Errorf("no RUNNING ack within health-check period"))
}

// suspect increments a task's suspicion counter after a failed RPC or a
// missing RUNNING ack and requeues it once the counter reaches the
// threshold.
func (d *Dispatcher) suspect(task *types.Task, cause error) error {
	metrics.DispatchSuspicionTotal.WithLabelValues(string(task.Kind)).Inc()
	task.AssignmentSuspicion++

	d.logger.Warn().Int64("task_id", task.ID).Int("suspicion", task.AssignmentSuspicion).
		Err(cause).Msg("dispatch RPC failed")

	if task.AssignmentSuspicion < d.threshold {
		if err := d.store.UpdateTask(task); err != nil {
			return fmt.Errorf("persist suspicion counter for task %d: %w", task.ID, err)
		}
		return fmt.Errorf("dispatch to task %d: %w (suspicion %d/%d)", task.ID, cause, task.AssignmentSuspicion, d.threshold)
	}

	metrics.DispatchRequeuedTotal.Inc()
	d.logger.Warn().Int64("task_id", task.ID).Msg("suspicion threshold reached, requeuing task")
	if _, err := d.authority.AssignFailed(task.ID); err != nil {
		return fmt.Errorf("requeue task %d: %w", task.ID, err)
	}
	return fmt.Errorf("dispatch to task %d: %w (requeued after %d failures)", task.ID, cause, d.threshold)
}

// Kill, Pause, Resume, VPSStop and VPSRestart issue their respective
// control RPCs against a running task's assigned node. They do not
// participate in the suspicion protocol: a control RPC failure is
// surfaced to the caller directly rather than triggering a requeue,
// since the task is already RUNNING and a reschedule would orphan it.
func (d *Dispatcher) Kill(ctx context.Context, task *types.Task, runnerAddr string) error {
	return d.client.Kill(ctx, runnerAddr, task.ID)
}

func (d *Dispatcher) Pause(ctx context.Context, task *types.Task, runnerAddr string) error {
	return d.client.Pause(ctx, runnerAddr, task.ID)
}

func (d *Dispatcher) Resume(ctx context.Context, task *types.Task, runnerAddr string) error {
	return d.client.Resume(ctx, runnerAddr, task.ID)
}

func (d *Dispatcher) VPSStop(ctx context.Context, task *types.Task, runnerAddr string) error {
	return d.client.VPSStop(ctx, runnerAddr, task.ID)
}

func (d *Dispatcher) VPSRestart(ctx context.Context, task *types.Task, runnerAddr string) error {
	return d.client.VPSRestart(ctx, runnerAddr, task.ID)
}
