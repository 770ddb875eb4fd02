// Package statemachine is the Status Authority: the only code path
// allowed to change a Task's Status, enforcing the transition table in
// §4.2 and committing every change through the store under a per-task
// lock so two callers racing on the same task never interleave.
package statemachine

import (
	"fmt"
	"time"

	"github.com/riverd/river/pkg/events"
	"github.com/riverd/river/pkg/log"
	"github.com/riverd/river/pkg/rerrors"
	"github.com/riverd/river/pkg/store"
	"github.com/riverd/river/pkg/types"
)

// transitions maps a from-status to the set of statuses it may move to.
// LOST is reachable from any non-terminal status whose node can go
// offline out from under it — RUNNING, ASSIGNING (already has
// AssignedNode set, per Assign), and PAUSED (invariant T2 requires a
// non-null, online assigned node) — and only leaves back to RUNNING
// (VPS reconnect); a COMMAND task that goes LOST has no defined
// recovery path and stays there (§13, Open Question resolved: no
// auto-requeue for LOST COMMAND tasks).
var transitions = map[types.TaskStatus][]types.TaskStatus{
	types.StatusPendingApproval: {types.StatusPending, types.StatusRejected},
	types.StatusPending:         {types.StatusAssigning},
	types.StatusAssigning:       {types.StatusRunning, types.StatusPending, types.StatusLost},
	types.StatusRunning: {
		types.StatusCompleted, types.StatusFailed, types.StatusKilledOOM,
		types.StatusKilled, types.StatusStopped, types.StatusPaused, types.StatusLost,
	},
	types.StatusPaused: {types.StatusRunning, types.StatusLost},
	types.StatusLost:   {types.StatusRunning},
}

func allowed(from, to types.TaskStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Authority is the Status Authority. It serializes transitions per
// task id and never lets an illegal transition reach the store.
type Authority struct {
	store  *store.RaftStore
	locks  *store.KeyedMutex
	broker *events.Broker
}

// New builds an Authority over st, publishing transition events to broker.
func New(st *store.RaftStore, broker *events.Broker) *Authority {
	return &Authority{store: st, locks: store.NewKeyedMutex(), broker: broker}
}

// Transition moves task id from its current status to `to`, applying
// mutate (which may set exit code, error, assigned node, etc.) before
// the write. mutate runs under the task's lock with the pre-transition
// task loaded, and must not change Status itself; Transition sets it
// after mutate returns, so callers can't accidentally bypass the legality
// check.
func (a *Authority) Transition(id int64, to types.TaskStatus, mutate func(*types.Task) error) (*types.Task, error) {
	a.locks.Lock(id)
	defer a.locks.Unlock(id)

	task, err := a.store.GetTask(id)
	if err != nil {
		return nil, rerrors.New(rerrors.ClientInput, "task_not_found", err)
	}

	from := task.Status
	if !allowed(from, to) {
		return nil, rerrors.New(rerrors.Invariant, "illegal_transition",
			fmt.Errorf("task %d: %s -> %s not allowed", id, from, to))
	}

	if mutate != nil {
		if err := mutate(task); err != nil {
			return nil, err
		}
	}
	task.Status = to
	stampTimestamp(task, to)

	if err := a.store.UpdateTask(task); err != nil {
		return nil, rerrors.New(rerrors.Transient, "task_update_failed", err)
	}

	logger := log.WithTaskID(id)
	logger.Info().Msg(fmt.Sprintf("task %s -> %s", from, to))
	if a.broker != nil {
		a.broker.Publish(&events.Event{Type: eventFor(to), Message: fmt.Sprintf("task %d: %s -> %s", id, from, to),
			Metadata: map[string]string{"task_id": fmt.Sprintf("%d", id), "from": string(from), "to": string(to)}})
	}

	return task, nil
}

func stampTimestamp(task *types.Task, to types.TaskStatus) {
	now := time.Now()
	switch to {
	case types.StatusRunning:
		if task.StartedAt == nil {
			task.StartedAt = &now
		}
	case types.StatusCompleted, types.StatusFailed, types.StatusKilled,
		types.StatusKilledOOM, types.StatusStopped, types.StatusRejected:
		task.CompletedAt = &now
	}
}

func eventFor(to types.TaskStatus) events.EventType {
	switch to {
	case types.StatusPending:
		return events.EventTaskApproved
	case types.StatusRejected:
		return events.EventTaskRejected
	case types.StatusAssigning:
		return events.EventTaskAssigned
	case types.StatusRunning:
		return events.EventTaskStarted
	case types.StatusCompleted:
		return events.EventTaskCompleted
	case types.StatusFailed, types.StatusKilledOOM:
		return events.EventTaskFailed
	case types.StatusKilled:
		return events.EventTaskKilled
	case types.StatusLost:
		return events.EventTaskLost
	default:
		return events.EventTaskSubmitted
	}
}

// Approve moves a PENDING_APPROVAL task to PENDING.
func (a *Authority) Approve(id int64, approverID string) (*types.Task, error) {
	return a.Transition(id, types.StatusPending, func(t *types.Task) error {
		t.ApprovalState = types.ApprovalApproved
		t.ApproverID = approverID
		now := time.Now()
		t.ApprovalAt = &now
		return nil
	})
}

// Reject moves a PENDING_APPROVAL task to REJECTED.
func (a *Authority) Reject(id int64, approverID, reason string) (*types.Task, error) {
	return a.Transition(id, types.StatusRejected, func(t *types.Task) error {
		t.ApprovalState = types.ApprovalRejected
		t.ApproverID = approverID
		t.RejectionReason = reason
		now := time.Now()
		t.ApprovalAt = &now
		return nil
	})
}

// Assign moves a PENDING task to ASSIGNING on the given node.
func (a *Authority) Assign(id int64, node string) (*types.Task, error) {
	return a.Transition(id, types.StatusAssigning, func(t *types.Task) error {
		t.AssignedNode = node
		t.AssignmentSuspicion = 0
		t.DispatchedAt = nil
		return nil
	})
}

// AssignFailed returns an ASSIGNING task to PENDING after its suspicion
// counter reaches the dispatcher's threshold, clearing its node and
// counter so the next scheduling pass picks fresh.
func (a *Authority) AssignFailed(id int64) (*types.Task, error) {
	return a.Transition(id, types.StatusPending, func(t *types.Task) error {
		t.AssignedNode = ""
		t.AssignmentSuspicion = 0
		t.DispatchedAt = nil
		return nil
	})
}

// Start moves an ASSIGNING task to RUNNING on runner acknowledgement,
// resetting the suspicion counter since the assignment is now confirmed.
func (a *Authority) Start(id int64) (*types.Task, error) {
	return a.Transition(id, types.StatusRunning, func(t *types.Task) error {
		t.AssignmentSuspicion = 0
		t.DispatchedAt = nil
		return nil
	})
}

// Exit moves a RUNNING task to COMPLETED, FAILED, or KILLED_OOM based
// on the process exit code (137 = SIGKILL delivered by the OOM killer).
func (a *Authority) Exit(id int64, exitCode int, errMsg string) (*types.Task, error) {
	to := types.StatusFailed
	switch {
	case exitCode == 0:
		to = types.StatusCompleted
	case exitCode == 137:
		to = types.StatusKilledOOM
	}
	return a.Transition(id, to, func(t *types.Task) error {
		t.ExitCode = &exitCode
		t.Error = errMsg
		return nil
	})
}

// Kill moves a RUNNING task to KILLED on an operator-issued kill.
func (a *Authority) Kill(id int64) (*types.Task, error) {
	return a.Transition(id, types.StatusKilled, nil)
}

// Stop moves a RUNNING VPS task to STOPPED.
func (a *Authority) Stop(id int64) (*types.Task, error) {
	return a.Transition(id, types.StatusStopped, nil)
}

// Pause moves a RUNNING task to PAUSED.
func (a *Authority) Pause(id int64) (*types.Task, error) {
	return a.Transition(id, types.StatusPaused, nil)
}

// Resume moves a PAUSED task back to RUNNING.
func (a *Authority) Resume(id int64) (*types.Task, error) {
	return a.Transition(id, types.StatusRunning, nil)
}

// MarkLost moves a non-terminal task (RUNNING, ASSIGNING, or PAUSED) to
// LOST when its node goes offline.
func (a *Authority) MarkLost(id int64) (*types.Task, error) {
	return a.Transition(id, types.StatusLost, nil)
}

// Reconnect moves a LOST VPS task back to RUNNING when its node comes
// back online and the task is confirmed still alive there.
func (a *Authority) Reconnect(id int64) (*types.Task, error) {
	return a.Transition(id, types.StatusRunning, nil)
}
