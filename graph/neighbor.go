package graph

import (
	"fmt"
	"sync"

	"github.com/hupe1980/tapeann/core"
)

// NeighborWithDistance pairs a neighbor pointer with its cached distance to
// the owning node. The cache lets pruning run without re-fetching vectors.
type NeighborWithDistance struct {
	Pointer  core.ItemPointer
	Distance float32
}

// NeighborStore abstracts where a node's adjacency lives. The traversal and
// build logic are agnostic to which variant backs a given call: persisted
// adjacency read from node pages, or the in-memory staging area used while
// the graph is still under construction.
type NeighborStore interface {
	// Neighbors returns the node's ordered adjacency list.
	Neighbors(ptr core.ItemPointer) ([]core.ItemPointer, error)

	// SetNeighbors replaces the node's adjacency list.
	SetNeighbors(ptr core.ItemPointer, neighbors []NeighborWithDistance) error

	// MaxNeighbors returns the per-node adjacency capacity.
	MaxNeighbors() int
}

// StagingNeighborStore accumulates adjacency in memory during bulk
// construction, before edges are flushed to node pages. Distances stay
// cached alongside pointers so pruning can re-rank without I/O.
type StagingNeighborStore struct {
	mu           sync.RWMutex
	maxNeighbors int
	adjacency    map[uint64][]NeighborWithDistance
}

var _ NeighborStore = (*StagingNeighborStore)(nil)

// NewStagingNeighborStore creates an empty staging area.
func NewStagingNeighborStore(maxNeighbors int) *StagingNeighborStore {
	return &StagingNeighborStore{
		maxNeighbors: maxNeighbors,
		adjacency:    make(map[uint64][]NeighborWithDistance),
	}
}

func (s *StagingNeighborStore) Neighbors(ptr core.ItemPointer) ([]core.ItemPointer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.adjacency[ptr.Key()]
	out := make([]core.ItemPointer, len(entries))
	for i, n := range entries {
		out[i] = n.Pointer
	}
	return out, nil
}

// NeighborsWithDistances returns a copy of the node's adjacency with cached
// distances.
func (s *StagingNeighborStore) NeighborsWithDistances(ptr core.ItemPointer) []NeighborWithDistance {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.adjacency[ptr.Key()]
	out := make([]NeighborWithDistance, len(entries))
	copy(out, entries)
	return out
}

func (s *StagingNeighborStore) SetNeighbors(ptr core.ItemPointer, neighbors []NeighborWithDistance) error {
	if len(neighbors) > s.maxNeighbors {
		return fmt.Errorf("graph: %d neighbors exceeds capacity %d", len(neighbors), s.maxNeighbors)
	}

	entries := make([]NeighborWithDistance, len(neighbors))
	copy(entries, neighbors)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.adjacency[ptr.Key()] = entries
	return nil
}

// AddNeighbor appends one edge if capacity allows, reporting whether the
// node's list is now at capacity and due for pruning.
func (s *StagingNeighborStore) AddNeighbor(ptr core.ItemPointer, n NeighborWithDistance) (full bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ptr.Key()
	entries := s.adjacency[key]
	for _, e := range entries {
		if e.Pointer == n.Pointer {
			return len(entries) >= s.maxNeighbors
		}
	}
	entries = append(entries, n)
	s.adjacency[key] = entries
	return len(entries) >= s.maxNeighbors
}

func (s *StagingNeighborStore) MaxNeighbors() int { return s.maxNeighbors }

// Nodes returns the pointers of all nodes with staged adjacency.
func (s *StagingNeighborStore) Nodes() []core.ItemPointer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]core.ItemPointer, 0, len(s.adjacency))
	for key := range s.adjacency {
		out = append(out, core.ItemPointerFromKey(key))
	}
	return out
}
