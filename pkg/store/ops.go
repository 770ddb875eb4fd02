package store

import "github.com/riverd/river/pkg/types"

// The methods below are the public write/read surface every other river
// package uses. Writes go through Raft (apply); reads hit the bbolt
// store directly since there is only ever one Host and no followers to
// diverge from it.

func (s *RaftStore) CreateTask(task *types.Task) error { return s.apply(OpCreateTask, task) }
func (s *RaftStore) UpdateTask(task *types.Task) error { return s.apply(OpUpdateTask, task) }
func (s *RaftStore) DeleteTask(id int64) error          { return s.apply(OpDeleteTask, id) }
func (s *RaftStore) GetTask(id int64) (*types.Task, error) { return s.db.GetTask(id) }
func (s *RaftStore) ListTasks() ([]*types.Task, error)     { return s.db.ListTasks() }

func (s *RaftStore) CreateNode(node *types.Node) error { return s.apply(OpCreateNode, node) }
func (s *RaftStore) UpdateNode(node *types.Node) error { return s.apply(OpUpdateNode, node) }
func (s *RaftStore) DeleteNode(hostname string) error   { return s.apply(OpDeleteNode, hostname) }
func (s *RaftStore) GetNode(hostname string) (*types.Node, error) { return s.db.GetNode(hostname) }
func (s *RaftStore) ListNodes() ([]*types.Node, error)            { return s.db.ListNodes() }

func (s *RaftStore) PutOverlayAllocation(alloc *types.OverlayAllocation) error {
	return s.apply(OpPutOverlay, alloc)
}
func (s *RaftStore) DeleteOverlayAllocation(runnerID int) error {
	return s.apply(OpDeleteOverlay, runnerID)
}
func (s *RaftStore) GetOverlayAllocation(runnerID int) (*types.OverlayAllocation, error) {
	return s.db.GetOverlayAllocation(runnerID)
}
func (s *RaftStore) ListOverlayAllocations() ([]*types.OverlayAllocation, error) {
	return s.db.ListOverlayAllocations()
}

func (s *RaftStore) AppendIPReservationAudit(rec *types.IPReservationAudit) error {
	return s.apply(OpAppendIPAudit, rec)
}
func (s *RaftStore) ListIPReservationAudit() ([]*types.IPReservationAudit, error) {
	return s.db.ListIPReservationAudit()
}

func (s *RaftStore) SaveCA(data []byte) error { return s.apply(OpSaveCA, data) }
func (s *RaftStore) GetCA() ([]byte, error)   { return s.db.GetCA() }

// ListTasksByStatus filters ListTasks in memory; the task count per
// Host is small enough that a bucket scan beats maintaining a status
// index.
func (s *RaftStore) ListTasksByStatus(status types.TaskStatus) ([]*types.Task, error) {
	all, err := s.ListTasks()
	if err != nil {
		return nil, err
	}
	var out []*types.Task
	for _, t := range all {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

// ListTasksByNode returns tasks currently assigned to hostname.
func (s *RaftStore) ListTasksByNode(hostname string) ([]*types.Task, error) {
	all, err := s.ListTasks()
	if err != nil {
		return nil, err
	}
	var out []*types.Task
	for _, t := range all {
		if t.AssignedNode == hostname {
			out = append(out, t)
		}
	}
	return out, nil
}
