package storage

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/tapeann/core"
	"github.com/hupe1980/tapeann/graph"
	"github.com/hupe1980/tapeann/pagestore"
)

// scoreFunc computes the query-bound distance for a node that has already
// been read. The closure captures the per-query state: the raw query vector
// for exact scoring, or the precomputed code lookup table for approximate
// scoring.
type scoreFunc func(n *Node) (float32, error)

// adjacencyFunc resolves a node's neighbor list. The disk variant reads it
// from the decoded node; the staged variant consults the build-time staging
// area instead.
type adjacencyFunc func(ptr core.ItemPointer, n *Node) ([]core.ItemPointer, error)

// searchSession is the ephemeral query-bound state implementing the
// traversal hooks for one search call. It is single-goroutine and discarded
// after the search.
type searchSession struct {
	store  pagestore.Store
	layout NodeLayout
	score  scoreFunc
	adj    adjacencyFunc
}

var _ graph.Storage = (*searchSession)(nil)

func diskAdjacency(_ core.ItemPointer, n *Node) ([]core.ItemPointer, error) {
	return n.Neighbors, nil
}

func stagedAdjacency(staging *graph.StagingNeighborStore) adjacencyFunc {
	return func(ptr core.ItemPointer, _ *Node) ([]core.ItemPointer, error) {
		return staging.Neighbors(ptr)
	}
}

func (s *searchSession) readNode(ptr core.ItemPointer, stats *graph.Stats) (*Node, error) {
	buf, err := s.store.Read(ptr)
	if err != nil {
		return nil, err
	}
	stats.NodeReads++
	return DecodeNode(s.layout, buf)
}

// Init seeds the list with the entry point. A tombstoned entry point is a
// fatal precondition: the search cannot trust its payload and has no
// fallback entry set.
func (s *searchSession) Init(lsr *graph.ListSearchResult, entry core.ItemPointer) error {
	n, err := s.readNode(entry, lsr.Stats())
	if err != nil {
		return fmt.Errorf("storage: read entry node %s: %w", entry, err)
	}
	if n.Deleted {
		return fmt.Errorf("%w: %s", ErrEntryPointDeleted, entry)
	}

	dist, err := s.score(n)
	if err != nil {
		return err
	}
	lsr.Stats().DistanceComparisons++

	lsr.PrepareInsert(entry)
	lsr.Insert(entry, n.HeapPointer, dist)
	return nil
}

// Visit expands one candidate. Tombstoned neighbors are never scored or
// admitted: their adjacency is expanded in their place through an explicit
// work queue, so arbitrarily long deletion chains cannot overflow the stack.
// Neighbor pointers that no longer resolve are skipped as broken edges.
func (s *searchSession) Visit(lsr *graph.ListSearchResult, c graph.Candidate) error {
	stats := lsr.Stats()

	queue := []core.ItemPointer{c.IndexPointer}
	for len(queue) > 0 {
		ptr := queue[0]
		queue = queue[1:]

		n, err := s.readNode(ptr, stats)
		if err != nil {
			if errors.Is(err, pagestore.ErrNotFound) && ptr != c.IndexPointer {
				stats.BrokenEdges++
				continue
			}
			return fmt.Errorf("storage: read node %s: %w", ptr, err)
		}

		neighbors, err := s.adj(ptr, n)
		if err != nil {
			return fmt.Errorf("storage: adjacency of %s: %w", ptr, err)
		}

		for _, nb := range neighbors {
			if !nb.Valid() {
				continue
			}
			if !lsr.PrepareInsert(nb) {
				continue
			}

			nn, err := s.readNode(nb, stats)
			if err != nil {
				if errors.Is(err, pagestore.ErrNotFound) || errors.Is(err, ErrNodeCorrupt) {
					stats.BrokenEdges++
					continue
				}
				return fmt.Errorf("storage: read neighbor %s: %w", nb, err)
			}

			if nn.Deleted {
				stats.TombstonePassThroughs++
				queue = append(queue, nb)
				continue
			}

			dist, err := s.score(nn)
			if err != nil {
				return err
			}
			stats.DistanceComparisons++
			lsr.Insert(nb, nn.HeapPointer, dist)
		}
	}
	return nil
}

// base carries the state both backends share; the backends differ only in
// payload encoding and scoring.
type base struct {
	store  pagestore.Store
	heap   pagestore.VectorSource
	layout NodeLayout

	mu   sync.Mutex // serializes tape appends
	tape *pagestore.Tape
}

func (b *base) appendNode(buf []byte) (core.ItemPointer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store.Append(b.tape, buf)
}

func (b *base) readNode(ptr core.ItemPointer) (*Node, error) {
	buf, err := b.store.Read(ptr)
	if err != nil {
		return nil, err
	}
	return DecodeNode(b.layout, buf)
}

func (b *base) setNeighbors(ptr core.ItemPointer, neighbors []graph.NeighborWithDistance) error {
	ptrs := make([]core.ItemPointer, len(neighbors))
	for i, n := range neighbors {
		ptrs[i] = n.Pointer
	}

	ref, err := b.store.Modify(ptr)
	if err != nil {
		return fmt.Errorf("storage: modify node %s: %w", ptr, err)
	}
	if err := encodeNeighborsInPlace(b.layout, ref.Bytes(), ptrs); err != nil {
		return err
	}
	return ref.Commit()
}

func (b *base) markDeleted(ptr core.ItemPointer) error {
	ref, err := b.store.Modify(ptr)
	if err != nil {
		return fmt.Errorf("storage: modify node %s: %w", ptr, err)
	}
	setDeleted(ref.Bytes())
	return ref.Commit()
}

// rankNeighbors scores each resolvable neighbor of a node against fullVec
// and returns them in ascending distance order. Unresolvable neighbors are
// dropped, matching the broken-edge policy of search.
func (b *base) rankNeighbors(n *Node, fullVec []float32, neighborVec func(*Node) ([]float32, error), distFn func(a, b []float32) float32) ([]graph.NeighborWithDistance, error) {
	ranked := make([]graph.NeighborWithDistance, 0, len(n.Neighbors))
	for _, nb := range n.Neighbors {
		if !nb.Valid() {
			continue
		}
		nn, err := b.readNode(nb)
		if err != nil {
			if errors.Is(err, pagestore.ErrNotFound) || errors.Is(err, ErrNodeCorrupt) {
				continue
			}
			return nil, err
		}
		vec, err := neighborVec(nn)
		if err != nil {
			return nil, err
		}
		ranked = append(ranked, graph.NeighborWithDistance{
			Pointer:  nb,
			Distance: distFn(fullVec, vec),
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Distance < ranked[j].Distance
	})
	return ranked, nil
}
