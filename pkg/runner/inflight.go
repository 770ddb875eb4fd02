package runner

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"

	bolt "go.etcd.io/bbolt"
)

// bucketInFlight holds one entry per task id the runner currently
// believes it owns, one bbolt bucket per id type. The value is the
// task's containerName, used to re-derive container ownership by
// naming after a restart.
var bucketInFlight = []byte("inflight")

// inFlightStore persists the runner's locally-owned task set so an agent
// restart can rediscover which workloads it owns instead of trusting
// volatile in-memory state alone.
type inFlightStore struct {
	db *bolt.DB
}

func openInFlightStore(dataDir string) (*inFlightStore, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "runner.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open runner state db: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketInFlight)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create inflight bucket: %w", err)
	}

	return &inFlightStore{db: db}, nil
}

func (s *inFlightStore) Close() error { return s.db.Close() }

type inFlightEntry struct {
	TaskID        int64  `json:"task_id"`
	ContainerName string `json:"container_name"`
}

func (s *inFlightStore) Put(entry inFlightEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInFlight).Put(taskKey(entry.TaskID), data)
	})
}

func (s *inFlightStore) Delete(taskID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInFlight).Delete(taskKey(taskID))
	})
}

func (s *inFlightStore) List() ([]inFlightEntry, error) {
	var entries []inFlightEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInFlight).ForEach(func(_, v []byte) error {
			var e inFlightEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}

func (s *inFlightStore) Has(taskID int64) (bool, error) {
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketInFlight).Get(taskKey(taskID)) != nil
		return nil
	})
	return found, err
}

func taskKey(taskID int64) []byte {
	return []byte(strconv.FormatInt(taskID, 10))
}
