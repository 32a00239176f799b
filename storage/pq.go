package storage

import (
	"fmt"

	"github.com/hupe1980/tapeann/core"
	"github.com/hupe1980/tapeann/distance"
	"github.com/hupe1980/tapeann/graph"
	"github.com/hupe1980/tapeann/pagestore"
	"github.com/hupe1980/tapeann/quantization"
)

// PQStorage keeps a compact quantized code on each node page; full-precision
// vectors live only in the external heap. Approximate search scores codes
// against a per-query lookup table, exact scoring fetches the heap row.
//
// The quantizer is shared read-only across concurrent searches once trained.
type PQStorage struct {
	base
	quantizer *quantization.ProductQuantizer
	distFn    distance.Func
}

var _ Engine = (*PQStorage)(nil)

// PQConfig configures a quantized backend.
type PQConfig struct {
	MaxNeighbors int
	DistanceFn   distance.Func
}

// NewPQStorage creates a quantized backend. The quantizer may be untrained;
// training must then complete before any node creation or quantized search.
func NewPQStorage(store pagestore.Store, heap pagestore.VectorSource, pq *quantization.ProductQuantizer, cfg PQConfig) (*PQStorage, error) {
	if pq == nil {
		return nil, fmt.Errorf("storage: quantizer is required")
	}
	if cfg.MaxNeighbors <= 0 {
		return nil, fmt.Errorf("storage: invalid neighbor capacity %d", cfg.MaxNeighbors)
	}
	if cfg.DistanceFn == nil {
		cfg.DistanceFn = distance.SquaredL2
	}

	layout := NodeLayout{
		Dimension:    pq.Dimension(),
		MaxNeighbors: cfg.MaxNeighbors,
		CodeSize:     pq.NumSubvectors(),
	}
	if layout.Size() > pagestore.MaxItemSize {
		return nil, fmt.Errorf("storage: node size %d exceeds page capacity", layout.Size())
	}

	return &PQStorage{
		base: base{
			store:  store,
			heap:   heap,
			layout: layout,
			tape:   pagestore.NewTape(pagestore.PageTypeNode),
		},
		quantizer: pq,
		distFn:    cfg.DistanceFn,
	}, nil
}

func (s *PQStorage) PageType() pagestore.PageType { return pagestore.PageTypeNode }

func (s *PQStorage) Layout() NodeLayout { return s.layout }

// Quantizer exposes the shared quantizer for metadata persistence.
func (s *PQStorage) Quantizer() *quantization.ProductQuantizer { return s.quantizer }

func (s *PQStorage) CreateNode(vec []float32, heap core.HeapPointer) (core.ItemPointer, error) {
	code, err := s.quantizer.Quantize(vec)
	if err != nil {
		return core.InvalidItemPointer, fmt.Errorf("storage: quantize new node: %w", err)
	}
	buf, err := EncodeNode(s.layout, &Node{HeapPointer: heap, Code: code})
	if err != nil {
		return core.InvalidItemPointer, err
	}
	return s.appendNode(buf)
}

func (s *PQStorage) StartTraining() { s.quantizer.StartTraining() }

func (s *PQStorage) AddSample(vec []float32) error { return s.quantizer.AddSample(vec) }

func (s *PQStorage) FinishTraining() error { return s.quantizer.FinishTraining() }

// FinalizeNodeAtEndOfBuild recomputes the node's code from its heap row and
// commits the settled adjacency. The re-quantization matters when the node
// was created before the final codebook existed or from a stale vector.
func (s *PQStorage) FinalizeNodeAtEndOfBuild(ptr core.ItemPointer, neighbors []graph.NeighborWithDistance) error {
	n, err := s.readNode(ptr)
	if err != nil {
		return fmt.Errorf("storage: read node %s: %w", ptr, err)
	}
	vec, err := s.fullVector(n)
	if err != nil {
		return fmt.Errorf("storage: finalize %s: %w", ptr, err)
	}
	code, err := s.quantizer.Quantize(vec)
	if err != nil {
		return fmt.Errorf("storage: finalize %s: %w", ptr, err)
	}

	ptrs := make([]core.ItemPointer, len(neighbors))
	for i, nb := range neighbors {
		ptrs[i] = nb.Pointer
	}

	ref, err := s.store.Modify(ptr)
	if err != nil {
		return fmt.Errorf("storage: modify node %s: %w", ptr, err)
	}
	if err := encodeCodeInPlace(s.layout, ref.Bytes(), code); err != nil {
		return err
	}
	if err := encodeNeighborsInPlace(s.layout, ref.Bytes(), ptrs); err != nil {
		return err
	}
	return ref.Commit()
}

func (s *PQStorage) BeginSearch(query []float32, useQuantized bool) (graph.Storage, error) {
	if useQuantized {
		table, err := s.quantizer.DistanceTable(query, s.distFn)
		if err != nil {
			return nil, fmt.Errorf("storage: build distance table: %w", err)
		}
		return s.session(func(n *Node) (float32, error) {
			return table.Distance(n.Code), nil
		}, diskAdjacency), nil
	}

	return s.session(s.exactScorer(query), diskAdjacency), nil
}

func (s *PQStorage) BeginStagedSearch(query []float32, staging *graph.StagingNeighborStore) (graph.Storage, error) {
	return s.session(s.exactScorer(query), stagedAdjacency(staging)), nil
}

func (s *PQStorage) session(score scoreFunc, adj adjacencyFunc) *searchSession {
	return &searchSession{
		store:  s.store,
		layout: s.layout,
		score:  score,
		adj:    adj,
	}
}

// exactScorer scores a node by fetching its full vector from the heap.
func (s *PQStorage) exactScorer(query []float32) scoreFunc {
	return func(n *Node) (float32, error) {
		vec, err := s.fullVector(n)
		if err != nil {
			return 0, err
		}
		return s.distFn(query, vec), nil
	}
}

func (s *PQStorage) fullVector(n *Node) ([]float32, error) {
	if !n.HeapPointer.Valid() {
		return nil, ErrHeapBindingMissing
	}
	vec, err := s.heap.FetchVector(n.HeapPointer)
	if err != nil {
		return nil, fmt.Errorf("storage: fetch heap row %s: %w", n.HeapPointer, err)
	}
	return vec, nil
}

// NeighborsWithFullDistances re-ranks the node's persisted adjacency with
// exact heap-fetched distances, bypassing codes entirely.
func (s *PQStorage) NeighborsWithFullDistances(ptr core.ItemPointer) ([]graph.NeighborWithDistance, error) {
	n, err := s.readNode(ptr)
	if err != nil {
		return nil, fmt.Errorf("storage: read node %s: %w", ptr, err)
	}
	vec, err := s.fullVector(n)
	if err != nil {
		return nil, err
	}
	return s.rankNeighbors(n, vec, s.fullVector, s.distFn)
}

func (s *PQStorage) SetNeighbors(ptr core.ItemPointer, neighbors []graph.NeighborWithDistance) error {
	return s.setNeighbors(ptr, neighbors)
}

func (s *PQStorage) ReadNode(ptr core.ItemPointer) (*Node, error) {
	return s.readNode(ptr)
}

func (s *PQStorage) MarkDeleted(ptr core.ItemPointer) error {
	return s.markDeleted(ptr)
}
