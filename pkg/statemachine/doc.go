/*
Package statemachine is the Status Authority described in §4.2: the
only place a Task's Status field changes. Every other component
(scheduler, dispatcher, liveness monitor, approval gate, runner
callbacks) asks Authority for a transition instead of writing Status
directly.

Transition takes a task id, a target status, and an optional mutate
callback for the side-fields that go along with the move (exit code,
assigned node, approver). It loads the task under that id's
KeyedMutex, checks the transition table, applies mutate, stamps
StartedAt/CompletedAt where relevant, and commits through the store in
one critical section — so two callers racing to transition the same
task (a suspicious dispatcher and a returning heartbeat, say) can't
land both writes.

	┌──────────────────── TASK STATUS ────────────────────┐
	│  PENDING_APPROVAL ──approve──▶ PENDING               │
	│        │reject                   │                   │
	│        ▼                         ▼                   │
	│    REJECTED                  ASSIGNING ──fail──▶ PENDING
	│                                   │ ack               │
	│                                   ▼                   │
	│                               RUNNING ─┬─exit0──▶ COMPLETED
	│                                 │ │     ├─exit≠0,137─▶ FAILED
	│                          pause  │ │     ├─exit137───▶ KILLED_OOM
	│                                 ▼ │     ├─kill──────▶ KILLED
	│                              PAUSED    └─stop(VPS)─▶ STOPPED
	│                                 │
	│                     node offline│
	│                                 ▼
	│                               LOST ──VPS reconnects──▶ RUNNING
	└───────────────────────────────────────────────────────┘
*/
package statemachine
