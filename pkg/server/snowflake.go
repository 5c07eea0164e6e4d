package server

import (
	"sync/atomic"
	"time"
)

// Connection IDs are 63-bit snowflakes: milliseconds since idEpoch, a node
// number, and a per-millisecond sequence. They stay unique across restarts,
// which keeps log lines from different runs apart.
const (
	nodeBits     = 10
	sequenceBits = 12
	nodeShift    = sequenceBits
	timeShift    = sequenceBits + nodeBits
	sequenceMask = 1<<sequenceBits - 1
	maxNode      = 1<<nodeBits - 1
)

// idEpoch is 2025-01-01T00:00:00Z in milliseconds
const idEpoch int64 = 1735689600000

// Snowflake hands out connection IDs without locking
type Snowflake struct {
	node  int64
	state atomic.Int64 // last timestamp << sequenceBits | sequence
	now   func() int64
}

// NewSnowflake creates a generator for the given node (0-1023)
func NewSnowflake(node int64) *Snowflake {
	if node < 0 || node > maxNode {
		node = 0
	}
	return &Snowflake{
		node: node,
		now:  func() int64 { return time.Now().UnixMilli() },
	}
}

// NextID returns the next connection ID
func (s *Snowflake) NextID() uint64 {
	for {
		old := s.state.Load()
		last := old >> sequenceBits
		seq := old & sequenceMask

		ts := s.now()
		if ts < last {
			// Clock went backwards, keep counting from the last timestamp
			ts = last
		}

		if ts == last {
			seq = (seq + 1) & sequenceMask
			if seq == 0 {
				// Sequence exhausted for this millisecond
				for ts <= last {
					ts = s.now()
				}
			}
		} else {
			seq = 0
		}

		if s.state.CompareAndSwap(old, ts<<sequenceBits|seq) {
			return uint64((ts-idEpoch)<<timeShift | s.node<<nodeShift | seq)
		}
	}
}
