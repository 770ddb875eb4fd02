package store

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// RaftStore is the durable, Raft-fronted Task/Node/Overlay/IPReservation
// store used by the Host. Raft here is bootstrapped as a single,
// never-joined cluster of one: river has exactly one authoritative Host
// and no HA story, so there is no second voter to add. What we keep from
// Raft is its Apply(Command) -> FSM -> durable-commit discipline, which
// gives every write a single serialization point and a crash-safe log
// before it lands in bbolt.
type RaftStore struct {
	NodeID string

	raft *raft.Raft
	fsm  *FSM
	db   Store
}

// RaftConfig configures a single-node RaftStore.
type RaftConfig struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Open creates (or reopens) the bbolt-backed store and bootstraps the
// single-node Raft cluster around it.
func Open(cfg RaftConfig) (*RaftStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}

	fsm := NewFSM(db)

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("resolve raft bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create raft log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create raft stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create raft: %w", err)
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raftCfg.LocalID, Address: transport.LocalAddr()},
		},
	}
	if f := r.BootstrapCluster(configuration); f.Error() != nil && f.Error() != raft.ErrCantBootstrap {
		db.Close()
		return nil, fmt.Errorf("bootstrap raft cluster: %w", f.Error())
	}

	return &RaftStore{NodeID: cfg.NodeID, raft: r, fsm: fsm, db: db}, nil
}

// Close releases the underlying bbolt database.
func (s *RaftStore) Close() error { return s.db.Close() }

// apply serializes cmd, submits it to the Raft log, and blocks for the
// commit. Every mutation to task/node/overlay/reservation state funnels
// through here so it is crash-safe before any caller sees it as
// complete.
func (s *RaftStore) apply(op string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal command payload: %w", err)
	}
	cmd := Command{Op: op, Data: payload}
	b, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	future := s.raft.Apply(b, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("raft apply %s: %w", op, err)
	}
	if respErr, ok := future.Response().(error); ok && respErr != nil {
		return fmt.Errorf("fsm apply %s: %w", op, respErr)
	}
	return nil
}

// IsLeader reports whether this Host is the Raft leader. For a
// single-node cluster this becomes true shortly after Open returns, once
// the node has elected itself, and is false while that election is
// settling or the node is shutting down.
func (s *RaftStore) IsLeader() bool {
	return s.raft.State() == raft.Leader
}
