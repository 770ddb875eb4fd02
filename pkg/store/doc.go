/*
Package store is the Host's single source of truth: Task, Node, Overlay
Allocation and IP Reservation Audit records plus the serialized root CA,
held in five bbolt buckets and written exclusively through a Raft log.

# Why Raft for one node

river has exactly one authoritative Host; spec §2 rules out a
multi-Host HA story entirely. RaftStore still bootstraps a Raft cluster
of one, never joined by a second voter, to keep the commit discipline
that matters here: every write is appended to a local log, fsynced, and
only then applied to the FSM and visible to readers. That is the same
crash-safety property a two-phase commit or a bare bbolt transaction
would need to be built by hand; Raft already does it, and it costs
nothing extra to run with a single-server configuration since no
network round trip to a peer is ever on the write path.

# Write path

	caller -> RaftStore.CreateTask/UpdateTask/...
	       -> raft.Apply(Command) (fsynced to the Raft log)
	       -> FSM.Apply (under fsm.mu)
	       -> BoltStore.*(bbolt transaction)

Reads bypass Raft and hit BoltStore directly: with one node there is no
follower to diverge from, so there is nothing a linearizable read
through Raft would buy over a bbolt View transaction.

KeyedMutex gives callers (principally the statemachine) a per-task-id
lock for read-modify-write sequences, so two concurrent transition
attempts on the same task serialize without blocking unrelated tasks.
*/
package store
