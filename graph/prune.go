package graph

import (
	"sort"

	"github.com/hupe1980/tapeann/core"
)

// DistanceBetween resolves the distance between two stored nodes, used by
// pruning to test whether one candidate edge is shadowed by another.
type DistanceBetween func(a, b core.ItemPointer) (float32, error)

// RobustPrune trims a candidate edge set to at most maxNeighbors using the
// relative-neighborhood rule: walking candidates in ascending distance, a
// candidate is dropped when an already-kept neighbor is more than alpha
// times closer to it than the node itself is. alpha > 1 keeps longer-range
// edges and preserves graph navigability.
func RobustPrune(candidates []NeighborWithDistance, maxNeighbors int, alpha float32, dist DistanceBetween) ([]NeighborWithDistance, error) {
	if alpha < 1 {
		alpha = 1
	}

	sorted := make([]NeighborWithDistance, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Distance < sorted[j].Distance
	})

	// Dedup by pointer, keeping the closest occurrence.
	seen := make(map[uint64]struct{}, len(sorted))
	unique := sorted[:0]
	for _, c := range sorted {
		if _, ok := seen[c.Pointer.Key()]; ok {
			continue
		}
		seen[c.Pointer.Key()] = struct{}{}
		unique = append(unique, c)
	}

	kept := make([]NeighborWithDistance, 0, maxNeighbors)
	for _, c := range unique {
		if len(kept) >= maxNeighbors {
			break
		}

		shadowed := false
		for _, k := range kept {
			d, err := dist(k.Pointer, c.Pointer)
			if err != nil {
				return nil, err
			}
			if alpha*d <= c.Distance {
				shadowed = true
				break
			}
		}
		if !shadowed {
			kept = append(kept, c)
		}
	}
	return kept, nil
}
