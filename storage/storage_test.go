package storage

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/hupe1980/tapeann/core"
	"github.com/hupe1980/tapeann/graph"
	"github.com/hupe1980/tapeann/pagestore"
	"github.com/hupe1980/tapeann/quantization"
)

func newPlain(t *testing.T, dim int) (*PlainStorage, *pagestore.MemoryHeap) {
	t.Helper()
	heap := pagestore.NewMemoryHeap()
	s, err := NewPlainStorage(pagestore.NewMemoryStore(), heap, PlainConfig{
		Dimension:    dim,
		MaxNeighbors: 8,
	})
	if err != nil {
		t.Fatalf("NewPlainStorage: %v", err)
	}
	return s, heap
}

func newPQ(t *testing.T, dim int) (*PQStorage, *pagestore.MemoryHeap) {
	t.Helper()
	pq, err := quantization.New(dim, 2, 8)
	if err != nil {
		t.Fatalf("quantization.New: %v", err)
	}
	heap := pagestore.NewMemoryHeap()
	s, err := NewPQStorage(pagestore.NewMemoryStore(), heap, pq, PQConfig{MaxNeighbors: 8})
	if err != nil {
		t.Fatalf("NewPQStorage: %v", err)
	}
	return s, heap
}

func trainPQ(t *testing.T, s *PQStorage, dim, samples int) {
	t.Helper()
	rng := rand.New(rand.NewSource(17))
	s.StartTraining()
	for i := 0; i < samples; i++ {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()*2 - 1
		}
		if err := s.AddSample(v); err != nil {
			t.Fatalf("AddSample: %v", err)
		}
	}
	if err := s.FinishTraining(); err != nil {
		t.Fatalf("FinishTraining: %v", err)
	}
}

// insert stores the vector in the heap and creates its node.
func insert(t *testing.T, eng Engine, heap *pagestore.MemoryHeap, vec []float32) core.ItemPointer {
	t.Helper()
	hp := heap.Insert(vec)
	ptr, err := eng.CreateNode(vec, hp)
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	return ptr
}

func link(t *testing.T, eng Engine, from core.ItemPointer, to ...core.ItemPointer) {
	t.Helper()
	neighbors := make([]graph.NeighborWithDistance, len(to))
	for i, p := range to {
		neighbors[i] = graph.NeighborWithDistance{Pointer: p}
	}
	if err := eng.SetNeighbors(from, neighbors); err != nil {
		t.Fatalf("SetNeighbors: %v", err)
	}
}

func runSearch(t *testing.T, eng Engine, query []float32, useQuantized bool, entry core.ItemPointer, width int) *graph.ListSearchResult {
	t.Helper()
	session, err := eng.BeginSearch(query, useQuantized)
	if err != nil {
		t.Fatalf("BeginSearch: %v", err)
	}
	lsr := graph.NewListSearchResult(width, 0)
	if err := graph.Search(session, lsr, entry); err != nil {
		t.Fatalf("Search: %v", err)
	}
	return lsr
}

func TestPlainCreateReadModify(t *testing.T) {
	s, heap := newPlain(t, 3)

	vec := []float32{1, 2, 3}
	ptr := insert(t, s, heap, vec)

	n, err := s.ReadNode(ptr)
	if err != nil {
		t.Fatalf("ReadNode: %v", err)
	}
	for i := range vec {
		if n.Vector[i] != vec[i] {
			t.Errorf("vector[%d] = %f, want %f", i, n.Vector[i], vec[i])
		}
	}
	if n.Deleted || len(n.Neighbors) != 0 {
		t.Errorf("fresh node: deleted=%v neighbors=%v", n.Deleted, n.Neighbors)
	}

	other := insert(t, s, heap, []float32{4, 5, 6})
	link(t, s, ptr, other)

	n, _ = s.ReadNode(ptr)
	if len(n.Neighbors) != 1 || n.Neighbors[0] != other {
		t.Errorf("neighbors = %v, want [%s]", n.Neighbors, other)
	}

	if err := s.MarkDeleted(ptr); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}
	n, _ = s.ReadNode(ptr)
	if !n.Deleted {
		t.Error("tombstone bit not set")
	}
	// Adjacency survives deletion for connectivity.
	if len(n.Neighbors) != 1 {
		t.Error("adjacency lost on delete")
	}
}

func TestPQCreateBeforeTrainingFails(t *testing.T) {
	s, heap := newPQ(t, 8)

	vec := make([]float32, 8)
	if _, err := s.CreateNode(vec, heap.Insert(vec)); !errors.Is(err, quantization.ErrNotTrained) {
		t.Errorf("got %v, want ErrNotTrained", err)
	}
	if _, err := s.BeginSearch(vec, true); !errors.Is(err, quantization.ErrNotTrained) {
		t.Errorf("BeginSearch: got %v, want ErrNotTrained", err)
	}
}

func TestPlainQuantizedSearchUnsupported(t *testing.T) {
	s, _ := newPlain(t, 3)
	if _, err := s.BeginSearch([]float32{0, 0, 0}, true); !errors.Is(err, ErrQuantizedUnsupported) {
		t.Errorf("got %v, want ErrQuantizedUnsupported", err)
	}
}

func TestEntryPointDeletedIsFatal(t *testing.T) {
	s, heap := newPlain(t, 2)

	entry := insert(t, s, heap, []float32{0, 0})
	if err := s.MarkDeleted(entry); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}

	session, err := s.BeginSearch([]float32{0, 0}, false)
	if err != nil {
		t.Fatalf("BeginSearch: %v", err)
	}
	lsr := graph.NewListSearchResult(4, 0)
	if err := graph.Search(session, lsr, entry); !errors.Is(err, ErrEntryPointDeleted) {
		t.Errorf("got %v, want ErrEntryPointDeleted", err)
	}
}

func TestTombstonePassThrough(t *testing.T) {
	// A -> B -> C with B deleted and C nearest to the query. The search
	// must reach C through B without admitting B or trusting its payload.
	s, heap := newPlain(t, 1)

	a := insert(t, s, heap, []float32{4})
	b := insert(t, s, heap, []float32{2})
	c := insert(t, s, heap, []float32{0})
	link(t, s, a, b)
	link(t, s, b, c)

	if err := s.MarkDeleted(b); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}
	// Poison B's stored vector: if search ever scores B, the result order
	// breaks loudly.
	ref, err := s.store.Modify(b)
	if err != nil {
		t.Fatalf("Modify: %v", err)
	}
	poisoned, err := EncodeNode(s.layout, &Node{
		HeapPointer: core.InvalidHeapPointer,
		Vector:      []float32{-1000},
		Neighbors:   []core.ItemPointer{c},
		Deleted:     true,
	})
	if err != nil {
		t.Fatalf("EncodeNode: %v", err)
	}
	copy(ref.Bytes(), poisoned)
	if err := ref.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	lsr := runSearch(t, s, []float32{0}, false, a, 10)

	results := lsr.Results(10)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 (A and C)", len(results))
	}
	if results[0].IndexPointer != c || results[0].Distance != 0 {
		t.Errorf("nearest = %s (d=%f), want %s", results[0].IndexPointer, results[0].Distance, c)
	}
	for _, r := range results {
		if r.IndexPointer == b {
			t.Fatal("tombstoned node surfaced as a result")
		}
	}
	if got := lsr.Stats().TombstonePassThroughs; got != 1 {
		t.Errorf("TombstonePassThroughs = %d, want 1", got)
	}
}

func TestTombstoneChainPassThrough(t *testing.T) {
	// A long chain of deleted nodes between the entry and the only live
	// target exercises the iterative expansion queue.
	s, heap := newPlain(t, 1)

	entry := insert(t, s, heap, []float32{100})
	target := insert(t, s, heap, []float32{0})

	const chain = 50
	prev := target
	var first core.ItemPointer
	for i := 0; i < chain; i++ {
		p := insert(t, s, heap, []float32{float32(i + 1)})
		link(t, s, p, prev)
		if err := s.MarkDeleted(p); err != nil {
			t.Fatalf("MarkDeleted: %v", err)
		}
		prev = p
		if i == chain-1 {
			first = p
		}
	}
	link(t, s, entry, first)

	lsr := runSearch(t, s, []float32{0}, false, entry, 4)

	results := lsr.Results(1)
	if len(results) != 1 || results[0].IndexPointer != target {
		t.Fatalf("search did not reach the live target through the chain")
	}
	if got := lsr.Stats().TombstonePassThroughs; got != chain {
		t.Errorf("TombstonePassThroughs = %d, want %d", got, chain)
	}
}

func TestBrokenEdgeSkipped(t *testing.T) {
	s, heap := newPlain(t, 1)

	a := insert(t, s, heap, []float32{1})
	b := insert(t, s, heap, []float32{0.5})
	// One dangling pointer among live edges.
	link(t, s, a, core.ItemPointer{PageID: 500, Slot: 3}, b)

	lsr := runSearch(t, s, []float32{0}, false, a, 10)

	if got := lsr.Stats().BrokenEdges; got != 1 {
		t.Errorf("BrokenEdges = %d, want 1", got)
	}
	results := lsr.Results(10)
	if len(results) != 2 || results[0].IndexPointer != b {
		t.Errorf("results = %v", results)
	}
}

func TestPQSearchQuantizedAndExact(t *testing.T) {
	const dim = 8
	s, heap := newPQ(t, dim)
	trainPQ(t, s, dim, 200)

	rng := rand.New(rand.NewSource(23))
	vecs := make([][]float32, 6)
	ptrs := make([]core.ItemPointer, 6)
	for i := range vecs {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()*2 - 1
		}
		vecs[i] = v
		ptrs[i] = insert(t, s, heap, v)
	}
	// Fully connect a ring so everything is reachable.
	for i := range ptrs {
		link(t, s, ptrs[i], ptrs[(i+1)%len(ptrs)], ptrs[(i+2)%len(ptrs)])
	}

	query := vecs[3] // exact match exists

	exact := runSearch(t, s, query, false, ptrs[0], 10).Results(1)
	if exact[0].IndexPointer != ptrs[3] || exact[0].Distance != 0 {
		t.Errorf("exact search: got %s (d=%f), want %s", exact[0].IndexPointer, exact[0].Distance, ptrs[3])
	}

	approx := runSearch(t, s, query, true, ptrs[0], 10)
	// Approximate distances come from the code table; the window must
	// still contain the true match.
	found := false
	for _, r := range approx.Results(10) {
		if r.IndexPointer == ptrs[3] {
			found = true
		}
	}
	if !found {
		t.Error("quantized search window missed the exact match")
	}
	if approx.Stats().DistanceComparisons == 0 {
		t.Error("no distance comparisons recorded")
	}
}

func TestFinalizeNodeRecomputesCode(t *testing.T) {
	const dim = 8
	s, heap := newPQ(t, dim)
	trainPQ(t, s, dim, 200)

	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = float32(i) / dim
	}
	ptr := insert(t, s, heap, vec)
	nb := insert(t, s, heap, make([]float32, dim))

	// Scramble the stored code, then finalize: the code must be restored
	// from the heap vector and the adjacency committed.
	ref, err := s.store.Modify(ptr)
	if err != nil {
		t.Fatalf("Modify: %v", err)
	}
	if err := encodeCodeInPlace(s.layout, ref.Bytes(), []byte{9, 9}); err != nil {
		t.Fatalf("encodeCodeInPlace: %v", err)
	}
	if err := ref.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	err = s.FinalizeNodeAtEndOfBuild(ptr, []graph.NeighborWithDistance{{Pointer: nb}})
	if err != nil {
		t.Fatalf("FinalizeNodeAtEndOfBuild: %v", err)
	}

	n, err := s.ReadNode(ptr)
	if err != nil {
		t.Fatalf("ReadNode: %v", err)
	}
	want, err := s.Quantizer().Quantize(vec)
	if err != nil {
		t.Fatalf("Quantize: %v", err)
	}
	for i := range want {
		if n.Code[i] != want[i] {
			t.Errorf("code[%d] = %d, want %d", i, n.Code[i], want[i])
		}
	}
	if len(n.Neighbors) != 1 || n.Neighbors[0] != nb {
		t.Errorf("neighbors = %v, want [%s]", n.Neighbors, nb)
	}
}

func TestFinalizeWithoutHeapBinding(t *testing.T) {
	const dim = 8
	s, _ := newPQ(t, dim)
	trainPQ(t, s, dim, 200)

	ptr, err := s.CreateNode(make([]float32, dim), core.InvalidHeapPointer)
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	if err := s.FinalizeNodeAtEndOfBuild(ptr, nil); !errors.Is(err, ErrHeapBindingMissing) {
		t.Errorf("got %v, want ErrHeapBindingMissing", err)
	}
}

func TestNeighborsWithFullDistances(t *testing.T) {
	s, heap := newPlain(t, 1)

	a := insert(t, s, heap, []float32{0})
	far := insert(t, s, heap, []float32{10})
	near := insert(t, s, heap, []float32{1})
	link(t, s, a, far, near, core.ItemPointer{PageID: 77, Slot: 0})

	ranked, err := s.NeighborsWithFullDistances(a)
	if err != nil {
		t.Fatalf("NeighborsWithFullDistances: %v", err)
	}
	// Broken edge dropped, remainder in ascending exact distance.
	if len(ranked) != 2 {
		t.Fatalf("got %d ranked neighbors, want 2", len(ranked))
	}
	if ranked[0].Pointer != near || ranked[1].Pointer != far {
		t.Errorf("order = [%s %s], want [%s %s]", ranked[0].Pointer, ranked[1].Pointer, near, far)
	}
	if ranked[0].Distance != 1 || ranked[1].Distance != 100 {
		t.Errorf("distances = [%f %f]", ranked[0].Distance, ranked[1].Distance)
	}
}

func TestStagedSearchUsesStagingAdjacency(t *testing.T) {
	s, heap := newPlain(t, 1)

	a := insert(t, s, heap, []float32{2})
	b := insert(t, s, heap, []float32{0})
	// No persisted edges; adjacency exists only in the staging area.
	staging := graph.NewStagingNeighborStore(4)
	staging.AddNeighbor(a, graph.NeighborWithDistance{Pointer: b, Distance: 4})

	session, err := s.BeginStagedSearch([]float32{0}, staging)
	if err != nil {
		t.Fatalf("BeginStagedSearch: %v", err)
	}
	lsr := graph.NewListSearchResult(4, 0)
	if err := graph.Search(session, lsr, a); err != nil {
		t.Fatalf("Search: %v", err)
	}

	results := lsr.Results(1)
	if len(results) != 1 || results[0].IndexPointer != b {
		t.Fatal("staged adjacency not consulted")
	}
}

func TestFourNodeScenario(t *testing.T) {
	// Graph A->B->C, A->D, D->C; entry A; query nearest to C. Search with
	// a wide window returns C first, then the nearer of {B, D}, with no
	// duplicate candidate for C despite two incoming paths.
	s, heap := newPlain(t, 1)

	a := insert(t, s, heap, []float32{10})
	b := insert(t, s, heap, []float32{4})
	c := insert(t, s, heap, []float32{0})
	d := insert(t, s, heap, []float32{6})
	link(t, s, a, b, d)
	link(t, s, b, c)
	link(t, s, d, c)

	lsr := runSearch(t, s, []float32{0}, false, a, 10)

	results := lsr.Results(10)
	if len(results) != 4 {
		t.Fatalf("got %d results, want 4", len(results))
	}
	if results[0].IndexPointer != c {
		t.Errorf("first result %s, want %s", results[0].IndexPointer, c)
	}
	if results[1].IndexPointer != b {
		t.Errorf("second result %s, want %s (nearer of B, D)", results[1].IndexPointer, b)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Distance < results[i-1].Distance {
			t.Error("results not in ascending distance order")
		}
	}

	// All of A, B, D expanded; C scored exactly once.
	for _, p := range []core.ItemPointer{a, b, d} {
		if !lsr.Visited(p) {
			t.Errorf("%s not visited", p)
		}
	}
	if got := lsr.Stats().DistanceComparisons; got != 4 {
		t.Errorf("DistanceComparisons = %d, want 4 (each node scored once)", got)
	}

	// Results project heap pointers for the orchestration layer.
	vec, err := heap.FetchVector(results[0].HeapPointer)
	if err != nil {
		t.Fatalf("FetchVector: %v", err)
	}
	if vec[0] != 0 {
		t.Errorf("heap row of nearest = %v, want [0]", vec)
	}
}
