package tapeann

import (
	"context"
	"fmt"
	"time"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/tapeann/core"
	"github.com/hupe1980/tapeann/graph"
	"github.com/hupe1980/tapeann/metrics"
	"github.com/hupe1980/tapeann/quantization"
)

// quantizerSource is satisfied by backends carrying a product quantizer.
type quantizerSource interface {
	Quantizer() *quantization.ProductQuantizer
}

// BuildItem is one vector entering a bulk build, paired with the caller's
// durable heap reference for it.
type BuildItem struct {
	Vector []float32
	Heap   core.HeapPointer
}

// BulkBuild constructs the graph for a batch of vectors in one pass. It is
// substantially faster and yields better graphs than repeated Insert calls:
// adjacency is staged in memory with exact distances, reverse edges are
// pruned lazily, and the settled lists are flushed to pages in parallel.
//
// The index must be empty. For a quantized index with no trained codebook,
// a training pass over a sample of the batch runs first.
func (idx *Index) BulkBuild(ctx context.Context, items []BuildItem) ([]core.ItemPointer, error) {
	start := time.Now()

	idx.mu.Lock()
	defer idx.mu.Unlock()

	ptrs, err := idx.bulkBuildLocked(ctx, items)
	idx.logger.LogBuild(ctx, len(items), time.Since(start), err)
	if err != nil {
		return nil, err
	}

	if idx.opts.metrics {
		metrics.NodesTotal.Add(float64(len(items)))
	}
	return ptrs, nil
}

func (idx *Index) bulkBuildLocked(ctx context.Context, items []BuildItem) ([]core.ItemPointer, error) {
	if idx.closed {
		return nil, ErrClosed
	}
	if idx.entry.Valid() {
		return nil, fmt.Errorf("tapeann: bulk build requires an empty index")
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("tapeann: bulk build with no items")
	}
	for i, item := range items {
		if len(item.Vector) != idx.dimension {
			return nil, fmt.Errorf("tapeann: item %d: %w", i,
				&ErrDimensionMismatch{Expected: idx.dimension, Actual: len(item.Vector)})
		}
	}

	if err := idx.trainFromBatchLocked(items); err != nil {
		return nil, err
	}

	ptrs := make([]core.ItemPointer, len(items))
	ordinals := make(map[uint64]int, len(items))
	for i, item := range items {
		ptr, err := idx.engine.CreateNode(item.Vector, item.Heap)
		if err != nil {
			return nil, fmt.Errorf("tapeann: create node %d: %w", i, err)
		}
		ptrs[i] = ptr
		ordinals[ptr.Key()] = i
	}

	entry := ptrs[medoid(items)]

	// Exact distances between batch members come from the in-memory vectors,
	// so pruning never touches pages or the heap.
	distBetween := func(a, b core.ItemPointer) (float32, error) {
		ia, ok := ordinals[a.Key()]
		if !ok {
			return 0, fmt.Errorf("tapeann: pointer %s not part of this build", a)
		}
		ib, ok := ordinals[b.Key()]
		if !ok {
			return 0, fmt.Errorf("tapeann: pointer %s not part of this build", b)
		}
		return idx.distFn(items[ia].Vector, items[ib].Vector), nil
	}

	// Staged adjacency is the build's dominant memory cost; account for it
	// against the controller's limit before committing to the pass.
	stagingBytes := int64(len(items)) * int64(idx.opts.maxNeighbors) * 12
	if err := idx.opts.controller.AcquireMemory(ctx, stagingBytes); err != nil {
		return nil, err
	}
	defer idx.opts.controller.ReleaseMemory(stagingBytes)

	staging := graph.NewStagingNeighborStore(idx.opts.maxNeighbors)
	needsPrune := bitset.New(uint(len(items)))

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		session, err := idx.engine.BeginStagedSearch(item.Vector, staging)
		if err != nil {
			return nil, err
		}
		lsr := graph.NewListSearchResult(idx.opts.searchListSize, idx.opts.visitBudget)
		if err := graph.Search(session, lsr, entry); err != nil {
			return nil, fmt.Errorf("tapeann: build search for node %d: %w", i, err)
		}

		candidates := make([]graph.NeighborWithDistance, 0, lsr.Len())
		seen := make(map[uint64]struct{}, lsr.Len())
		for _, r := range lsr.Results(lsr.Len()) {
			if r.IndexPointer == ptrs[i] {
				continue
			}
			seen[r.IndexPointer.Key()] = struct{}{}
			candidates = append(candidates, graph.NeighborWithDistance{
				Pointer:  r.IndexPointer,
				Distance: r.Distance,
			})
		}

		// Reverse edges received before this node's own pass stay in the
		// running for its final adjacency instead of being overwritten.
		for _, nb := range staging.NeighborsWithDistances(ptrs[i]) {
			if _, ok := seen[nb.Pointer.Key()]; ok {
				continue
			}
			candidates = append(candidates, nb)
		}

		pruned, err := graph.RobustPrune(candidates, idx.opts.maxNeighbors, idx.opts.alpha, distBetween)
		if err != nil {
			return nil, err
		}
		if err := staging.SetNeighbors(ptrs[i], pruned); err != nil {
			return nil, err
		}

		for _, nb := range pruned {
			if staging.AddNeighbor(nb.Pointer, graph.NeighborWithDistance{
				Pointer:  ptrs[i],
				Distance: nb.Distance,
			}) {
				needsPrune.Set(uint(ordinals[nb.Pointer.Key()]))
			}
		}
	}

	// Settle nodes whose reverse edges pushed them to capacity.
	for i, ok := needsPrune.NextSet(0); ok; i, ok = needsPrune.NextSet(i + 1) {
		ptr := ptrs[i]
		pruned, err := graph.RobustPrune(staging.NeighborsWithDistances(ptr), idx.opts.maxNeighbors, idx.opts.alpha, distBetween)
		if err != nil {
			return nil, err
		}
		if err := staging.SetNeighbors(ptr, pruned); err != nil {
			return nil, err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range ptrs {
		ptr := ptrs[i]
		if err := idx.opts.controller.AcquireWorker(gctx); err != nil {
			return nil, err
		}
		g.Go(func() error {
			defer idx.opts.controller.ReleaseWorker()
			return idx.engine.FinalizeNodeAtEndOfBuild(ptr, staging.NeighborsWithDistances(ptr))
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("tapeann: finalize nodes: %w", err)
	}

	idx.entry = entry
	idx.liveCount = uint64(len(items))

	if err := idx.writeMetaLocked(); err != nil {
		return nil, err
	}
	return ptrs, nil
}

// trainFromBatchLocked fits the quantizer from a sample of the batch when
// the index quantizes and no codebook exists yet.
func (idx *Index) trainFromBatchLocked(items []BuildItem) error {
	if !idx.opts.quantize {
		return nil
	}
	qs, ok := idx.engine.(quantizerSource)
	if !ok || qs.Quantizer().Trained() {
		return nil
	}

	idx.engine.StartTraining()

	stride := 1
	if len(items) > idx.opts.trainingSize {
		stride = len(items) / idx.opts.trainingSize
	}
	for i := 0; i < len(items); i += stride {
		if err := idx.engine.AddSample(items[i].Vector); err != nil {
			return err
		}
	}
	if err := idx.engine.FinishTraining(); err != nil {
		return err
	}

	ptr, err := persistQuantizer(idx.store, idx.quantTape, qs.Quantizer())
	if err != nil {
		return err
	}
	idx.quantizerPtr = ptr
	return nil
}

// medoid returns the ordinal of the item closest to the batch centroid. A
// central entry point keeps traversal path lengths short from every region
// of the dataset.
func medoid(items []BuildItem) int {
	dim := len(items[0].Vector)
	mean := make([]float32, dim)
	for _, item := range items {
		for d, v := range item.Vector {
			mean[d] += v
		}
	}
	inv := 1 / float32(len(items))
	for d := range mean {
		mean[d] *= inv
	}

	best, bestDist := 0, float32(0)
	for i, item := range items {
		var dist float32
		for d, v := range item.Vector {
			diff := v - mean[d]
			dist += diff * diff
		}
		if i == 0 || dist < bestDist {
			best, bestDist = i, dist
		}
	}
	return best
}
