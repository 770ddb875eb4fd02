/*
Package types defines river's shared data model: Task, Node, Overlay
Allocation and IP Reservation records, plus the tolerant-parse accessors
for their JSON-ish columns.

# Task lifecycle

	┌──────────────────── TASK STATUS ────────────────────┐
	│                                                       │
	│  PENDING_APPROVAL ──approve──▶ PENDING                │
	│        │reject                   │                    │
	│        ▼                         ▼                    │
	│    REJECTED                  ASSIGNING ──fail──▶ PENDING
	│                                   │ ack                │
	│                                   ▼                    │
	│                               RUNNING ─┬─exit0─▶ COMPLETED
	│                                 │ │     ├─exit≠0,137─▶ FAILED
	│                          pause  │ │     ├─exit137─▶ KILLED_OOM
	│                                 ▼ │     ├─kill──▶ KILLED
	│                              PAUSED    └─stop(VPS)─▶ STOPPED
	│                                 │
	│                     node offline│
	│                                 ▼
	│                               LOST ──VPS reconnects──▶ RUNNING
	└───────────────────────────────────────────────────────┘

# Column tolerance

The Parse* accessors decode a serialized list- or map-valued field and
return the type's zero value on malformed input instead of propagating a
decode error; MarshalColumn is their inverse. pkg/store does not use
them: it keeps each record as one JSON document, so a malformed record
fails to decode as a whole.
*/
package types
