package store

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/riverd/river/pkg/types"
	"github.com/hashicorp/raft"
)

// FSM applies committed Raft log entries to a Store. It is the only
// writer the store should ever see outside of Restore.
type FSM struct {
	mu    sync.RWMutex
	store Store
}

// NewFSM wraps store in a Raft FSM.
func NewFSM(store Store) *FSM {
	return &FSM{store: store}
}

// Command is the payload carried by every Raft log entry.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	OpCreateTask   = "create_task"
	OpUpdateTask   = "update_task"
	OpDeleteTask   = "delete_task"
	OpCreateNode   = "create_node"
	OpUpdateNode   = "update_node"
	OpDeleteNode   = "delete_node"
	OpPutOverlay   = "put_overlay"
	OpDeleteOverlay = "delete_overlay"
	OpAppendIPAudit = "append_ip_audit"
	OpSaveCA        = "save_ca"
)

func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case OpCreateTask, OpUpdateTask:
		var task types.Task
		if err := json.Unmarshal(cmd.Data, &task); err != nil {
			return err
		}
		return f.store.UpdateTask(&task)

	case OpDeleteTask:
		var id int64
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteTask(id)

	case OpCreateNode, OpUpdateNode:
		var node types.Node
		if err := json.Unmarshal(cmd.Data, &node); err != nil {
			return err
		}
		return f.store.UpdateNode(&node)

	case OpDeleteNode:
		var hostname string
		if err := json.Unmarshal(cmd.Data, &hostname); err != nil {
			return err
		}
		return f.store.DeleteNode(hostname)

	case OpPutOverlay:
		var alloc types.OverlayAllocation
		if err := json.Unmarshal(cmd.Data, &alloc); err != nil {
			return err
		}
		return f.store.PutOverlayAllocation(&alloc)

	case OpDeleteOverlay:
		var runnerID int
		if err := json.Unmarshal(cmd.Data, &runnerID); err != nil {
			return err
		}
		return f.store.DeleteOverlayAllocation(runnerID)

	case OpAppendIPAudit:
		var rec types.IPReservationAudit
		if err := json.Unmarshal(cmd.Data, &rec); err != nil {
			return err
		}
		return f.store.AppendIPReservationAudit(&rec)

	case OpSaveCA:
		var data []byte
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return err
		}
		return f.store.SaveCA(data)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot captures the full state for Raft's log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	tasks, err := f.store.ListTasks()
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	nodes, err := f.store.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	overlays, err := f.store.ListOverlayAllocations()
	if err != nil {
		return nil, fmt.Errorf("list overlay allocations: %w", err)
	}
	audit, err := f.store.ListIPReservationAudit()
	if err != nil {
		return nil, fmt.Errorf("list ip reservation audit: %w", err)
	}
	ca, err := f.store.GetCA()
	if err != nil {
		ca = nil // CA not yet initialized; nothing to carry into the snapshot
	}

	return &Snapshot{Tasks: tasks, Nodes: nodes, Overlays: overlays, IPAudit: audit, CA: ca}, nil
}

// Restore writes every record in a snapshot into the store. Records
// already in the store that the snapshot lacks are left in place.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, task := range snap.Tasks {
		if err := f.store.CreateTask(task); err != nil {
			return fmt.Errorf("restore task %d: %w", task.ID, err)
		}
	}
	for _, node := range snap.Nodes {
		if err := f.store.CreateNode(node); err != nil {
			return fmt.Errorf("restore node %s: %w", node.Hostname, err)
		}
	}
	for _, alloc := range snap.Overlays {
		if err := f.store.PutOverlayAllocation(alloc); err != nil {
			return fmt.Errorf("restore overlay allocation %d: %w", alloc.RunnerID, err)
		}
	}
	for _, rec := range snap.IPAudit {
		if err := f.store.AppendIPReservationAudit(rec); err != nil {
			return fmt.Errorf("restore ip audit %s: %w", rec.ID, err)
		}
	}
	if len(snap.CA) > 0 {
		if err := f.store.SaveCA(snap.CA); err != nil {
			return fmt.Errorf("restore ca: %w", err)
		}
	}

	return nil
}

// Snapshot is the point-in-time state persisted by Raft's snapshot store.
type Snapshot struct {
	Tasks    []*types.Task
	Nodes    []*types.Node
	Overlays []*types.OverlayAllocation
	IPAudit  []*types.IPReservationAudit
	CA       []byte
}

func (s *Snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *Snapshot) Release() {}
