package graph

import (
	"sort"

	"github.com/hupe1980/tapeann/core"
)

// Stats aggregates traversal counters for one search call.
type Stats struct {
	// Visits counts candidates expanded by the driver.
	Visits int
	// NodeReads counts node fetches from storage, including tombstoned
	// nodes read only for pass-through.
	NodeReads int
	// DistanceComparisons counts distance evaluations of either kind.
	DistanceComparisons int
	// TombstonePassThroughs counts deleted nodes traversed but never
	// admitted as candidates.
	TombstonePassThroughs int
	// BrokenEdges counts neighbor pointers that failed to resolve and were
	// skipped.
	BrokenEdges int
}

// Candidate is one entry in the bounded search list: a discovered node, its
// distance to the query, and the back-reference needed to project it into a
// final result.
type Candidate struct {
	// Index is the candidate's stable position in the list's arena; Visit
	// implementations use it to attach data discovered during expansion.
	Index int

	IndexPointer core.ItemPointer
	HeapPointer  core.HeapPointer
	Distance     float32

	visited bool
	seq     uint32
}

// Result is one projected search hit.
type Result struct {
	HeapPointer  core.HeapPointer
	IndexPointer core.ItemPointer
	Distance     float32
}

// ListSearchResult is the working set of one greedy search: a size-bounded
// candidate window ordered by ascending distance with insertion-order tie
// breaking, plus a seen-set guaranteeing each node enters at most once.
//
// It is single-goroutine state, created per search and discarded after.
type ListSearchResult struct {
	arena []Candidate
	// best holds arena indices ordered by (distance, seq) and is trimmed
	// to the search window.
	best     []int
	inserted map[uint64]struct{}

	searchSize  int
	visitBudget int

	stats Stats
}

// NewListSearchResult creates a candidate list with the given window size.
// visitBudget bounds the number of expansions; zero means unbounded.
func NewListSearchResult(searchSize, visitBudget int) *ListSearchResult {
	if searchSize < 1 {
		searchSize = 1
	}
	return &ListSearchResult{
		arena:       make([]Candidate, 0, searchSize*2),
		best:        make([]int, 0, searchSize+1),
		inserted:    make(map[uint64]struct{}, searchSize*2),
		searchSize:  searchSize,
		visitBudget: visitBudget,
	}
}

// PrepareInsert marks ptr as seen and reports whether it was new. A false
// return means the node is already in the list (or was already considered)
// and the caller must not score it again.
func (l *ListSearchResult) PrepareInsert(ptr core.ItemPointer) bool {
	key := ptr.Key()
	if _, ok := l.inserted[key]; ok {
		return false
	}
	l.inserted[key] = struct{}{}
	return true
}

// Insert adds a scored candidate. The caller must have claimed the pointer
// through PrepareInsert; Insert itself does not deduplicate. A candidate no
// better than the window's current worst is dropped once the window is full.
func (l *ListSearchResult) Insert(ptr core.ItemPointer, heap core.HeapPointer, dist float32) {
	if len(l.best) >= l.searchSize {
		worst := l.arena[l.best[l.searchSize-1]]
		if dist >= worst.Distance {
			return
		}
	}

	idx := len(l.arena)
	l.arena = append(l.arena, Candidate{
		Index:        idx,
		IndexPointer: ptr,
		HeapPointer:  heap,
		Distance:     dist,
		seq:          uint32(idx),
	})

	pos := sort.Search(len(l.best), func(i int) bool {
		c := l.arena[l.best[i]]
		if c.Distance != dist {
			return c.Distance > dist
		}
		return c.seq > uint32(idx)
	})
	l.best = append(l.best, 0)
	copy(l.best[pos+1:], l.best[pos:])
	l.best[pos] = idx

	if len(l.best) > l.searchSize {
		l.best = l.best[:l.searchSize]
	}
}

// VisitClosest selects the nearest unvisited candidate in the window, marks
// it visited and returns a copy. ok=false signals termination: every
// windowed candidate is visited, or the visit budget is exhausted.
func (l *ListSearchResult) VisitClosest() (Candidate, bool) {
	if l.visitBudget > 0 && l.stats.Visits >= l.visitBudget {
		return Candidate{}, false
	}
	for _, idx := range l.best {
		if l.arena[idx].visited {
			continue
		}
		l.arena[idx].visited = true
		l.stats.Visits++
		return l.arena[idx], true
	}
	return Candidate{}, false
}

// SetHeapPointer attaches the heap back-reference to the candidate at the
// given arena index, for backends that only learn it during expansion.
func (l *ListSearchResult) SetHeapPointer(index int, heap core.HeapPointer) {
	l.arena[index].HeapPointer = heap
}

// Results projects the k best candidates in ascending distance order.
func (l *ListSearchResult) Results(k int) []Result {
	if k > len(l.best) {
		k = len(l.best)
	}
	out := make([]Result, 0, k)
	for _, idx := range l.best[:k] {
		c := l.arena[idx]
		out = append(out, Result{
			HeapPointer:  c.HeapPointer,
			IndexPointer: c.IndexPointer,
			Distance:     c.Distance,
		})
	}
	return out
}

// Len returns the number of candidates currently in the window.
func (l *ListSearchResult) Len() int { return len(l.best) }

// Contains reports whether ptr was ever claimed through PrepareInsert.
func (l *ListSearchResult) Contains(ptr core.ItemPointer) bool {
	_, ok := l.inserted[ptr.Key()]
	return ok
}

// Visited reports whether the candidate holding ptr has been expanded.
func (l *ListSearchResult) Visited(ptr core.ItemPointer) bool {
	for i := range l.arena {
		if l.arena[i].IndexPointer == ptr {
			return l.arena[i].visited
		}
	}
	return false
}

// Stats returns the mutable traversal counters for this search.
func (l *ListSearchResult) Stats() *Stats { return &l.stats }
