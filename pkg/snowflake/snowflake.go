// Package snowflake generates 64-bit, time-ordered, cluster-unique task
// ids without a round trip to the store: epoch-ms (41 bits) | node id (10
// bits) | sequence (12 bits), the same layout Twitter's original snowflake
// used. The Host owns a single generator; its node id is fixed at 0 since
// river never runs more than one authoritative Host.
package snowflake

import (
	"fmt"
	"sync"
	"time"
)

const (
	nodeBits     = 10
	sequenceBits = 12

	maxNode     = -1 ^ (-1 << nodeBits)
	maxSequence = -1 ^ (-1 << sequenceBits)

	nodeShift  = sequenceBits
	epochShift = sequenceBits + nodeBits
)

// Epoch is the custom epoch (2024-01-01T00:00:00Z) subtracted from wall
// clock time so the 41-bit timestamp field doesn't run out until 2093.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

// Generator produces monotonically increasing ids for one node.
type Generator struct {
	mu       sync.Mutex
	nodeID   int64
	lastMS   int64
	sequence int64
}

// NewGenerator creates a generator for the given node id (0..1023).
func NewGenerator(nodeID int64) (*Generator, error) {
	if nodeID < 0 || nodeID > maxNode {
		return nil, fmt.Errorf("snowflake: node id %d out of range [0,%d]", nodeID, maxNode)
	}
	return &Generator{nodeID: nodeID}, nil
}

// Next returns the next id, blocking (via spin) across a millisecond
// boundary if the 4096-per-ms sequence space is exhausted.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli() - Epoch
	if now == g.lastMS {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			for now <= g.lastMS {
				now = time.Now().UnixMilli() - Epoch
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastMS = now

	return (now << epochShift) | (g.nodeID << nodeShift) | g.sequence
}

// Time returns the wall-clock time encoded in id.
func Time(id int64) time.Time {
	ms := (id >> epochShift) + Epoch
	return time.UnixMilli(ms).UTC()
}
