package testutil

import (
	"fmt"
	"sync"
)

// NodeSequence hands out node ids 0000000000000001, 0000000000000002, ...
//
// Replicas built from one NodeSequence get the same ids on every run, so
// their timestamps, and everything derived from them, are reproducible.
//
// Thread-safety: NodeSequence is safe for concurrent use.
type NodeSequence struct {
	mu   sync.Mutex
	next uint64
}

// NewNodeSequence creates a sequence starting at 1.
func NewNodeSequence() *NodeSequence {
	return &NodeSequence{next: 1}
}

// Next returns the next node id.
func (s *NodeSequence) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("%016x", s.next)
	s.next++
	return id
}
