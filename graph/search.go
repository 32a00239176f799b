package graph

import (
	"fmt"

	"github.com/hupe1980/tapeann/core"
)

// Storage is the per-search hook surface a storage backend exposes to the
// traversal. Implementations carry the query-bound distance state (raw query
// vector or precomputed code table) and all page access; the driver only
// sequences selection and expansion.
type Storage interface {
	// Init seeds lsr with the entry point: scores it and inserts it as an
	// unvisited candidate. A tombstoned entry point is a fatal condition,
	// not a skippable edge.
	Init(lsr *ListSearchResult, entry core.ItemPointer) error

	// Visit expands candidate c: reads its node, scores every neighbor
	// not yet claimed by lsr and inserts the live ones. Deleted neighbors
	// are traversed through, unresolvable ones skipped.
	Visit(lsr *ListSearchResult, c Candidate) error
}

// Search runs greedy best-first traversal from entry until the candidate
// window converges or the list's visit budget runs out. Results are read
// from lsr afterwards.
func Search(s Storage, lsr *ListSearchResult, entry core.ItemPointer) error {
	if !entry.Valid() {
		return fmt.Errorf("graph: invalid entry point")
	}
	if err := s.Init(lsr, entry); err != nil {
		return fmt.Errorf("graph: seed entry %s: %w", entry, err)
	}

	for {
		c, ok := lsr.VisitClosest()
		if !ok {
			return nil
		}
		if err := s.Visit(lsr, c); err != nil {
			return fmt.Errorf("graph: expand %s: %w", c.IndexPointer, err)
		}
	}
}
