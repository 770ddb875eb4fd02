package store

import (
	"testing"

	"github.com/riverd/river/pkg/types"
)

func openTestBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("open bolt store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBoltStoreTaskRoundTrip(t *testing.T) {
	s := openTestBoltStore(t)

	task := &types.Task{ID: 1, Command: "echo hi", Status: types.StatusPending}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	got, err := s.GetTask(1)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Command != "echo hi" {
		t.Errorf("command = %q, want %q", got.Command, "echo hi")
	}

	task.Status = types.StatusRunning
	if err := s.UpdateTask(task); err != nil {
		t.Fatalf("update task: %v", err)
	}
	got, _ = s.GetTask(1)
	if got.Status != types.StatusRunning {
		t.Errorf("status = %v, want %v", got.Status, types.StatusRunning)
	}

	if err := s.DeleteTask(1); err != nil {
		t.Fatalf("delete task: %v", err)
	}
	if _, err := s.GetTask(1); err == nil {
		t.Error("expected error getting deleted task")
	}
}

func TestBoltStoreListTasks(t *testing.T) {
	s := openTestBoltStore(t)

	for i := int64(1); i <= 3; i++ {
		if err := s.CreateTask(&types.Task{ID: i}); err != nil {
			t.Fatalf("create task %d: %v", i, err)
		}
	}

	tasks, err := s.ListTasks()
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 3 {
		t.Errorf("got %d tasks, want 3", len(tasks))
	}
}

func TestBoltStoreNodeRoundTrip(t *testing.T) {
	s := openTestBoltStore(t)

	node := &types.Node{Hostname: "runner-1"}
	if err := s.CreateNode(node); err != nil {
		t.Fatalf("create node: %v", err)
	}
	got, err := s.GetNode("runner-1")
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if got.Hostname != "runner-1" {
		t.Errorf("hostname = %q, want runner-1", got.Hostname)
	}

	if err := s.DeleteNode("runner-1"); err != nil {
		t.Fatalf("delete node: %v", err)
	}
	if _, err := s.GetNode("runner-1"); err == nil {
		t.Error("expected error getting deleted node")
	}
}

func TestBoltStoreCARoundTrip(t *testing.T) {
	s := openTestBoltStore(t)

	if _, err := s.GetCA(); err == nil {
		t.Error("expected error reading CA before it is saved")
	}

	blob := []byte("serialized-ca-data")
	if err := s.SaveCA(blob); err != nil {
		t.Fatalf("save ca: %v", err)
	}

	got, err := s.GetCA()
	if err != nil {
		t.Fatalf("get ca: %v", err)
	}
	if string(got) != string(blob) {
		t.Errorf("ca data = %q, want %q", got, blob)
	}
}

func TestBoltStoreOverlayAllocationRoundTrip(t *testing.T) {
	s := openTestBoltStore(t)

	alloc := &types.OverlayAllocation{RunnerID: 7, Subnet: "10.200.7.0/24"}
	if err := s.PutOverlayAllocation(alloc); err != nil {
		t.Fatalf("put overlay allocation: %v", err)
	}

	got, err := s.GetOverlayAllocation(7)
	if err != nil {
		t.Fatalf("get overlay allocation: %v", err)
	}
	if got.Subnet != "10.200.7.0/24" {
		t.Errorf("subnet = %q, want 10.200.7.0/24", got.Subnet)
	}

	all, err := s.ListOverlayAllocations()
	if err != nil {
		t.Fatalf("list overlay allocations: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("got %d allocations, want 1", len(all))
	}

	if err := s.DeleteOverlayAllocation(7); err != nil {
		t.Fatalf("delete overlay allocation: %v", err)
	}
	if _, err := s.GetOverlayAllocation(7); err == nil {
		t.Error("expected error getting deleted overlay allocation")
	}
}
