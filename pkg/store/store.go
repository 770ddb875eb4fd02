// Package store is the Host's durable state: tasks, nodes, overlay
// allocations and IP reservation audit records, committed through a
// single-node Raft log onto a bbolt-backed FSM. See doc.go for why a
// never-joined Raft cluster sits in front of what is, in practice, a
// local database.
package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/riverd/river/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTasks           = []byte("tasks")
	bucketNodes           = []byte("nodes")
	bucketOverlay         = []byte("overlay_allocations")
	bucketIPReservations  = []byte("ip_reservation_audit")
	bucketCA              = []byte("ca")
)

// caKey is the single key under bucketCA holding the serialized root CA
// (pkg/security.CertAuthority's CAData, JSON-encoded).
var caKey = []byte("root")

// Store is the persistence interface the rest of river's Host
// components depend on. BoltStore implements it directly and the FSM
// applies committed Raft commands against a BoltStore; RaftStore also
// implements it, routing writes through Raft.
type Store interface {
	CreateTask(task *types.Task) error
	GetTask(id int64) (*types.Task, error)
	ListTasks() ([]*types.Task, error)
	UpdateTask(task *types.Task) error
	DeleteTask(id int64) error

	CreateNode(node *types.Node) error
	GetNode(hostname string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	UpdateNode(node *types.Node) error
	DeleteNode(hostname string) error

	PutOverlayAllocation(alloc *types.OverlayAllocation) error
	GetOverlayAllocation(runnerID int) (*types.OverlayAllocation, error)
	ListOverlayAllocations() ([]*types.OverlayAllocation, error)
	DeleteOverlayAllocation(runnerID int) error

	AppendIPReservationAudit(rec *types.IPReservationAudit) error
	ListIPReservationAudit() ([]*types.IPReservationAudit, error)

	// SaveCA and GetCA persist the cluster's root certificate authority
	// (pkg/security.CertAuthority), opaque to store itself.
	SaveCA(data []byte) error
	GetCA() ([]byte, error)

	Close() error
}

// BoltStore implements Store on top of a bbolt database file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the bbolt database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "river.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTasks, bucketNodes, bucketOverlay, bucketIPReservations, bucketCA} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func taskKey(id int64) []byte {
	return []byte(fmt.Sprintf("%020d", id))
}

// Task operations

func (s *BoltStore) CreateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTasks).Put(taskKey(task.ID), data)
	})
}

func (s *BoltStore) GetTask(id int64) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get(taskKey(id))
		if data == nil {
			return fmt.Errorf("task not found: %d", id)
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	return tasks, err
}

func (s *BoltStore) UpdateTask(task *types.Task) error { return s.CreateTask(task) }

func (s *BoltStore) DeleteTask(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).Delete(taskKey(id))
	})
}

// Node operations

func (s *BoltStore) CreateNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNodes).Put([]byte(node.Hostname), data)
	})
}

func (s *BoltStore) GetNode(hostname string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get([]byte(hostname))
		if data == nil {
			return fmt.Errorf("node not found: %s", hostname)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(_, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) UpdateNode(node *types.Node) error { return s.CreateNode(node) }

func (s *BoltStore) DeleteNode(hostname string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete([]byte(hostname))
	})
}

// Overlay allocation operations

func overlayKey(runnerID int) []byte {
	return []byte(fmt.Sprintf("%010d", runnerID))
}

func (s *BoltStore) PutOverlayAllocation(alloc *types.OverlayAllocation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(alloc)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketOverlay).Put(overlayKey(alloc.RunnerID), data)
	})
}

func (s *BoltStore) GetOverlayAllocation(runnerID int) (*types.OverlayAllocation, error) {
	var alloc types.OverlayAllocation
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketOverlay).Get(overlayKey(runnerID))
		if data == nil {
			return fmt.Errorf("overlay allocation not found: %d", runnerID)
		}
		return json.Unmarshal(data, &alloc)
	})
	if err != nil {
		return nil, err
	}
	return &alloc, nil
}

func (s *BoltStore) ListOverlayAllocations() ([]*types.OverlayAllocation, error) {
	var allocs []*types.OverlayAllocation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOverlay).ForEach(func(_, v []byte) error {
			var alloc types.OverlayAllocation
			if err := json.Unmarshal(v, &alloc); err != nil {
				return err
			}
			allocs = append(allocs, &alloc)
			return nil
		})
	})
	return allocs, err
}

func (s *BoltStore) DeleteOverlayAllocation(runnerID int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOverlay).Delete(overlayKey(runnerID))
	})
}

// IP reservation audit trail (append-only, keyed by reservation ID)

func (s *BoltStore) AppendIPReservationAudit(rec *types.IPReservationAudit) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketIPReservations).Put([]byte(rec.ID), data)
	})
}

func (s *BoltStore) ListIPReservationAudit() ([]*types.IPReservationAudit, error) {
	var recs []*types.IPReservationAudit
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIPReservations).ForEach(func(_, v []byte) error {
			var rec types.IPReservationAudit
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

// SaveCA and GetCA hold the single serialized root CA blob under
// bucketCA. Opaque bytes in, opaque bytes out: store has no notion of
// what a CA looks like, only that pkg/security needs one slot of
// durable storage for it.

func (s *BoltStore) SaveCA(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCA).Put(caKey, data)
	})
}

func (s *BoltStore) GetCA() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCA).Get(caKey)
		if v == nil {
			return fmt.Errorf("ca not found")
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}
