package storage

import (
	"fmt"

	"github.com/hupe1980/tapeann/core"
	"github.com/hupe1980/tapeann/distance"
	"github.com/hupe1980/tapeann/graph"
	"github.com/hupe1980/tapeann/pagestore"
)

// PlainStorage keeps the full-precision vector on the node page itself.
// Every distance it computes is exact, so search needs no heap access and
// no re-ranking pass.
type PlainStorage struct {
	base
	distFn distance.Func
}

var _ Engine = (*PlainStorage)(nil)

// PlainConfig configures a full-precision backend.
type PlainConfig struct {
	Dimension    int
	MaxNeighbors int
	DistanceFn   distance.Func
	// HalfPrecision stores vectors as float16 on pages.
	HalfPrecision bool
}

// NewPlainStorage creates a full-precision backend over store. heap is kept
// for the Engine contract but only consulted when a node's page payload is
// unusable.
func NewPlainStorage(store pagestore.Store, heap pagestore.VectorSource, cfg PlainConfig) (*PlainStorage, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("storage: invalid dimension %d", cfg.Dimension)
	}
	if cfg.MaxNeighbors <= 0 {
		return nil, fmt.Errorf("storage: invalid neighbor capacity %d", cfg.MaxNeighbors)
	}
	if cfg.DistanceFn == nil {
		cfg.DistanceFn = distance.SquaredL2
	}

	layout := NodeLayout{
		Dimension:     cfg.Dimension,
		MaxNeighbors:  cfg.MaxNeighbors,
		HalfPrecision: cfg.HalfPrecision,
	}
	if layout.Size() > pagestore.MaxItemSize {
		return nil, fmt.Errorf("storage: node size %d exceeds page capacity", layout.Size())
	}

	return &PlainStorage{
		base: base{
			store:  store,
			heap:   heap,
			layout: layout,
			tape:   pagestore.NewTape(pagestore.PageTypeNode),
		},
		distFn: cfg.DistanceFn,
	}, nil
}

func (s *PlainStorage) PageType() pagestore.PageType { return pagestore.PageTypeNode }

func (s *PlainStorage) Layout() NodeLayout { return s.layout }

func (s *PlainStorage) CreateNode(vec []float32, heap core.HeapPointer) (core.ItemPointer, error) {
	buf, err := EncodeNode(s.layout, &Node{HeapPointer: heap, Vector: vec})
	if err != nil {
		return core.InvalidItemPointer, err
	}
	return s.appendNode(buf)
}

// Training is a quantized-backend concern; the full-precision backend
// accepts the calls and does nothing.
func (s *PlainStorage) StartTraining()               {}
func (s *PlainStorage) AddSample(vec []float32) error { return nil }
func (s *PlainStorage) FinishTraining() error         { return nil }

func (s *PlainStorage) FinalizeNodeAtEndOfBuild(ptr core.ItemPointer, neighbors []graph.NeighborWithDistance) error {
	return s.setNeighbors(ptr, neighbors)
}

func (s *PlainStorage) BeginSearch(query []float32, useQuantized bool) (graph.Storage, error) {
	if useQuantized {
		return nil, ErrQuantizedUnsupported
	}
	return s.session(query, diskAdjacency), nil
}

func (s *PlainStorage) BeginStagedSearch(query []float32, staging *graph.StagingNeighborStore) (graph.Storage, error) {
	return s.session(query, stagedAdjacency(staging)), nil
}

func (s *PlainStorage) session(query []float32, adj adjacencyFunc) *searchSession {
	return &searchSession{
		store:  s.store,
		layout: s.layout,
		adj:    adj,
		score: func(n *Node) (float32, error) {
			return s.distFn(query, n.Vector), nil
		},
	}
}

func (s *PlainStorage) NeighborsWithFullDistances(ptr core.ItemPointer) ([]graph.NeighborWithDistance, error) {
	n, err := s.readNode(ptr)
	if err != nil {
		return nil, fmt.Errorf("storage: read node %s: %w", ptr, err)
	}
	return s.rankNeighbors(n, n.Vector, func(nn *Node) ([]float32, error) {
		return nn.Vector, nil
	}, s.distFn)
}

func (s *PlainStorage) SetNeighbors(ptr core.ItemPointer, neighbors []graph.NeighborWithDistance) error {
	return s.setNeighbors(ptr, neighbors)
}

func (s *PlainStorage) ReadNode(ptr core.ItemPointer) (*Node, error) {
	return s.readNode(ptr)
}

func (s *PlainStorage) MarkDeleted(ptr core.ItemPointer) error {
	return s.markDeleted(ptr)
}
