package tapeann

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/tapeann/core"
	"github.com/hupe1980/tapeann/distance"
	"github.com/hupe1980/tapeann/graph"
	"github.com/hupe1980/tapeann/metrics"
	"github.com/hupe1980/tapeann/pagestore"
	"github.com/hupe1980/tapeann/quantization"
	"github.com/hupe1980/tapeann/storage"
)

// SearchResult is one search hit: the heap row it identifies, its node
// locator and the distance under the index metric.
type SearchResult = graph.Result

// Index is a disk-resident approximate nearest-neighbor index. Vectors are
// stored as graph nodes on slotted pages; queries run greedy traversal from
// a persistent entry point.
//
// Reads (Search) may run concurrently. Mutations (Insert, Delete, training,
// Flush) are serialized internally.
type Index struct {
	opts      options
	dimension int
	distFn    distance.Func

	store  pagestore.Store
	heap   pagestore.VectorSource
	engine storage.Engine

	metaTape  *pagestore.Tape
	quantTape *pagestore.Tape

	mu           sync.RWMutex
	entry        core.ItemPointer
	quantizerPtr core.ItemPointer
	deleted      *roaring64.Bitmap
	liveCount    uint64
	closed       bool

	logger *Logger
}

// New creates an empty index of the given dimensionality on store, with heap
// as the source of full-precision vectors.
func New(store pagestore.Store, heap pagestore.VectorSource, dimension int, optFns ...Option) (*Index, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("tapeann: invalid dimension %d", dimension)
	}

	o := applyOptions(optFns)

	distFn, err := distance.Provider(o.metric)
	if err != nil {
		return nil, err
	}

	engine, err := newEngine(store, heap, dimension, distFn, o, nil)
	if err != nil {
		return nil, err
	}

	return &Index{
		opts:         o,
		dimension:    dimension,
		distFn:       distFn,
		store:        store,
		heap:         heap,
		engine:       engine,
		metaTape:     pagestore.NewTape(pagestore.PageTypeMeta),
		quantTape:    pagestore.NewTape(pagestore.PageTypeQuantizer),
		entry:        core.InvalidItemPointer,
		quantizerPtr: core.InvalidItemPointer,
		deleted:      roaring64.New(),
		logger:       o.logger.WithDimension(dimension),
	}, nil
}

// Open restores an index from a store that already carries metadata records.
// Geometry (dimension, metric, neighbor capacity, quantization) comes from
// the newest valid metadata record; options only tune runtime behavior such
// as search width, logging and resource limits.
func Open(store pagestore.Store, heap pagestore.VectorSource, optFns ...Option) (*Index, error) {
	o := applyOptions(optFns)

	meta, err := latestMeta(store)
	if err != nil {
		return nil, err
	}

	o.metric = distance.Metric(meta.Metric)
	o.maxNeighbors = meta.MaxNeighbors
	o.quantize = meta.Quantized
	o.halfPrecision = meta.HalfPrecision
	o.pqSubvectors = meta.PQSubvectors
	o.pqCentroids = meta.PQCentroids

	distFn, err := distance.Provider(o.metric)
	if err != nil {
		return nil, err
	}

	var pq *quantization.ProductQuantizer
	if meta.Quantized && meta.QuantizerPtr.Valid() {
		pq, err = loadQuantizer(store, meta.QuantizerPtr)
		if err != nil {
			return nil, err
		}
	}

	engine, err := newEngine(store, heap, meta.Dimension, distFn, o, pq)
	if err != nil {
		return nil, err
	}

	return &Index{
		opts:         o,
		dimension:    meta.Dimension,
		distFn:       distFn,
		store:        store,
		heap:         heap,
		engine:       engine,
		metaTape:     pagestore.NewTape(pagestore.PageTypeMeta),
		quantTape:    pagestore.NewTape(pagestore.PageTypeQuantizer),
		entry:        meta.Entry,
		quantizerPtr: meta.QuantizerPtr,
		deleted:      meta.Deleted,
		liveCount:    meta.LiveCount,
		logger:       o.logger.WithDimension(meta.Dimension),
	}, nil
}

func newEngine(store pagestore.Store, heap pagestore.VectorSource, dimension int, distFn distance.Func, o options, pq *quantization.ProductQuantizer) (storage.Engine, error) {
	if !o.quantize {
		return storage.NewPlainStorage(store, heap, storage.PlainConfig{
			Dimension:     dimension,
			MaxNeighbors:  o.maxNeighbors,
			DistanceFn:    distFn,
			HalfPrecision: o.halfPrecision,
		})
	}

	if pq == nil {
		var err error
		pq, err = quantization.New(dimension, o.pqSubvectors, o.pqCentroids)
		if err != nil {
			return nil, err
		}
	}
	return storage.NewPQStorage(store, heap, pq, storage.PQConfig{
		MaxNeighbors: o.maxNeighbors,
		DistanceFn:   distFn,
	})
}

// Dimension returns the index vector dimensionality.
func (idx *Index) Dimension() int { return idx.dimension }

// Quantized reports whether the index stores quantized codes.
func (idx *Index) Quantized() bool { return idx.opts.quantize }

// Len returns the number of live (non-tombstoned) nodes.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return int(idx.liveCount)
}

// DeletedCount returns the number of tombstoned nodes awaiting vacuum.
func (idx *Index) DeletedCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return int(idx.deleted.GetCardinality())
}

// StartTraining begins collecting samples for the quantizer codebook. A
// no-op for full-precision indexes.
func (idx *Index) StartTraining() {
	idx.engine.StartTraining()
}

// AddTrainingSample feeds one vector into quantizer training.
func (idx *Index) AddTrainingSample(vec []float32) error {
	if len(vec) != idx.dimension {
		return &ErrDimensionMismatch{Expected: idx.dimension, Actual: len(vec)}
	}
	return idx.engine.AddSample(vec)
}

// FinishTraining fits the quantizer codebook from the collected samples and
// persists it, so the index can be reopened without retraining.
func (idx *Index) FinishTraining() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return ErrClosed
	}
	if err := idx.engine.FinishTraining(); err != nil {
		return err
	}
	if pqs, ok := idx.engine.(*storage.PQStorage); ok {
		ptr, err := persistQuantizer(idx.store, idx.quantTape, pqs.Quantizer())
		if err != nil {
			return err
		}
		idx.quantizerPtr = ptr
	}
	return idx.writeMetaLocked()
}

// Insert adds vec as a new node and wires it into the graph. heapPtr is the
// caller's durable reference to the vector's source row; searches return it
// in results and the quantized backend uses it for exact re-scoring.
func (idx *Index) Insert(ctx context.Context, vec []float32, heapPtr core.HeapPointer) (core.ItemPointer, error) {
	if len(vec) != idx.dimension {
		return core.InvalidItemPointer, &ErrDimensionMismatch{Expected: idx.dimension, Actual: len(vec)}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return core.InvalidItemPointer, ErrClosed
	}

	ptr, err := idx.insertLocked(vec, heapPtr)
	idx.logger.LogInsert(ctx, ptr, err)
	if err != nil {
		return core.InvalidItemPointer, err
	}

	if idx.opts.metrics {
		metrics.InsertsTotal.Inc()
		metrics.NodesTotal.Inc()
	}
	return ptr, nil
}

func (idx *Index) insertLocked(vec []float32, heapPtr core.HeapPointer) (core.ItemPointer, error) {
	ptr, err := idx.engine.CreateNode(vec, heapPtr)
	if err != nil {
		return core.InvalidItemPointer, err
	}
	idx.liveCount++

	// First node becomes the entry point; there is no graph to wire yet.
	if !idx.entry.Valid() {
		idx.entry = ptr
		return ptr, nil
	}

	session, err := idx.engine.BeginSearch(vec, false)
	if err != nil {
		return core.InvalidItemPointer, err
	}
	lsr := graph.NewListSearchResult(idx.opts.searchListSize, idx.opts.visitBudget)
	if err := graph.Search(session, lsr, idx.entry); err != nil {
		return core.InvalidItemPointer, fmt.Errorf("tapeann: locate neighbors: %w", err)
	}

	candidates := make([]graph.NeighborWithDistance, 0, lsr.Len())
	for _, r := range lsr.Results(lsr.Len()) {
		if r.IndexPointer == ptr {
			continue
		}
		candidates = append(candidates, graph.NeighborWithDistance{
			Pointer:  r.IndexPointer,
			Distance: r.Distance,
		})
	}

	pruned, err := graph.RobustPrune(candidates, idx.opts.maxNeighbors, idx.opts.alpha, idx.distanceBetween)
	if err != nil {
		return core.InvalidItemPointer, err
	}
	if err := idx.engine.SetNeighbors(ptr, pruned); err != nil {
		return core.InvalidItemPointer, err
	}

	for _, nb := range pruned {
		if err := idx.addReverseEdge(nb.Pointer, ptr, nb.Distance); err != nil {
			return core.InvalidItemPointer, err
		}
	}
	return ptr, nil
}

// addReverseEdge links from into the adjacency of node, pruning when the
// edge pushes the node over capacity.
func (idx *Index) addReverseEdge(node, from core.ItemPointer, dist float32) error {
	current, err := idx.engine.NeighborsWithFullDistances(node)
	if err != nil {
		return fmt.Errorf("tapeann: reverse edge at %s: %w", node, err)
	}
	for _, nb := range current {
		if nb.Pointer == from {
			return nil
		}
	}

	current = append(current, graph.NeighborWithDistance{Pointer: from, Distance: dist})
	if len(current) > idx.opts.maxNeighbors {
		current, err = graph.RobustPrune(current, idx.opts.maxNeighbors, idx.opts.alpha, idx.distanceBetween)
		if err != nil {
			return err
		}
	}
	return idx.engine.SetNeighbors(node, current)
}

// Delete tombstones the node at ptr. The node stays on its page so searches
// can traverse through it until Vacuum rewires the graph around it. When the
// entry point itself is deleted, a live node takes over as entry so searches
// keep a valid seed.
func (idx *Index) Delete(ctx context.Context, ptr core.ItemPointer) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return ErrClosed
	}

	err := idx.deleteLocked(ptr)
	idx.logger.LogDelete(ctx, ptr, err)
	if err != nil {
		return err
	}

	if idx.opts.metrics {
		metrics.DeletesTotal.Inc()
		metrics.NodesTotal.Dec()
	}
	return nil
}

func (idx *Index) deleteLocked(ptr core.ItemPointer) error {
	n, err := idx.engine.ReadNode(ptr)
	if err != nil {
		return translateError(err)
	}
	if n.Deleted {
		return nil
	}

	if err := idx.engine.MarkDeleted(ptr); err != nil {
		return err
	}
	idx.deleted.Add(ptr.Key())
	idx.liveCount--

	if ptr == idx.entry {
		idx.entry = idx.findLiveEntryLocked()
	}
	return nil
}

// findLiveEntryLocked scans node pages for any non-tombstoned node to serve
// as the new entry point. Returns the invalid pointer when none is left.
func (idx *Index) findLiveEntryLocked() core.ItemPointer {
	entry := core.InvalidItemPointer
	_ = idx.store.Scan(pagestore.PageTypeNode, func(p core.ItemPointer, _ []byte) bool {
		if idx.deleted.Contains(p.Key()) {
			return true
		}
		entry = p
		return false
	})
	return entry
}

// Search returns the k nearest live nodes to query under the index metric.
func (idx *Index) Search(ctx context.Context, query []float32, k int, optFns ...SearchOption) ([]SearchResult, error) {
	start := time.Now()

	results, stats, quantized, err := idx.search(query, k, optFns)
	idx.logger.LogSearch(ctx, k, quantized, stats, time.Since(start), err)
	if err != nil {
		return nil, err
	}

	if idx.opts.metrics {
		kind := "full"
		if quantized {
			kind = "quantized"
		}
		metrics.ObserveSearch(kind, time.Since(start).Seconds(), stats)
	}
	return results, nil
}

func (idx *Index) search(query []float32, k int, optFns []SearchOption) ([]SearchResult, *graph.Stats, bool, error) {
	sOpts := searchOptions{
		width:  idx.opts.searchListSize,
		budget: idx.opts.visitBudget,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&sOpts)
		}
	}

	if k <= 0 {
		return nil, nil, false, ErrInvalidK
	}
	if len(query) != idx.dimension {
		return nil, nil, false, &ErrDimensionMismatch{Expected: idx.dimension, Actual: len(query)}
	}

	useQuantized := idx.opts.quantize
	if sOpts.quantized != nil {
		useQuantized = *sOpts.quantized
	}

	idx.mu.RLock()
	closed := idx.closed
	entry := idx.entry
	idx.mu.RUnlock()

	if closed {
		return nil, nil, useQuantized, ErrClosed
	}
	if !entry.Valid() {
		return nil, nil, useQuantized, ErrEmptyIndex
	}

	session, err := idx.engine.BeginSearch(query, useQuantized)
	if err != nil {
		return nil, nil, useQuantized, err
	}

	width := sOpts.width
	if width < k {
		width = k
	}
	lsr := graph.NewListSearchResult(width, sOpts.budget)
	if err := graph.Search(session, lsr, entry); err != nil {
		return nil, nil, useQuantized, translateError(err)
	}

	if sOpts.rerank && useQuantized {
		results, err := idx.rerank(query, lsr.Results(lsr.Len()), k)
		return results, lsr.Stats(), useQuantized, err
	}
	return lsr.Results(k), lsr.Stats(), useQuantized, nil
}

// rerank re-scores candidates against their full-precision heap rows and
// returns the k best. Candidates with no heap binding keep their approximate
// distance.
func (idx *Index) rerank(query []float32, candidates []SearchResult, k int) ([]SearchResult, error) {
	for i := range candidates {
		if !candidates[i].HeapPointer.Valid() {
			continue
		}
		vec, err := idx.heap.FetchVector(candidates[i].HeapPointer)
		if err != nil {
			return nil, fmt.Errorf("tapeann: rerank fetch %s: %w", candidates[i].HeapPointer, translateError(err))
		}
		candidates[i].Distance = idx.distFn(query, vec)
	}

	sortResultsByDistance(candidates)
	if k > len(candidates) {
		k = len(candidates)
	}
	return candidates[:k], nil
}

// Vacuum rewires graph edges around tombstoned nodes: each live node that
// points at a tombstone inherits the tombstone's live neighbors instead,
// re-pruned to capacity. Returns the number of nodes whose adjacency was
// rewritten. Tombstones stay on their pages afterward but are unreachable.
func (idx *Index) Vacuum(ctx context.Context) (int, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return 0, ErrClosed
	}

	var live []core.ItemPointer
	if err := idx.store.Scan(pagestore.PageTypeNode, func(p core.ItemPointer, _ []byte) bool {
		if !idx.deleted.Contains(p.Key()) {
			live = append(live, p)
		}
		return true
	}); err != nil {
		return 0, err
	}

	repaired := 0
	for _, ptr := range live {
		if err := ctx.Err(); err != nil {
			return repaired, err
		}
		changed, err := idx.rewireLocked(ptr)
		if err != nil {
			return repaired, err
		}
		if changed {
			repaired++
		}
	}
	return repaired, nil
}

func (idx *Index) rewireLocked(ptr core.ItemPointer) (bool, error) {
	ranked, err := idx.engine.NeighborsWithFullDistances(ptr)
	if err != nil {
		return false, fmt.Errorf("tapeann: vacuum read %s: %w", ptr, err)
	}

	keep := make([]graph.NeighborWithDistance, 0, len(ranked))
	var dead []core.ItemPointer
	for _, nb := range ranked {
		if idx.deleted.Contains(nb.Pointer.Key()) {
			dead = append(dead, nb.Pointer)
		} else {
			keep = append(keep, nb)
		}
	}
	if len(dead) == 0 {
		return false, nil
	}

	seen := make(map[uint64]struct{}, len(keep))
	for _, nb := range keep {
		seen[nb.Pointer.Key()] = struct{}{}
	}

	// Inherit each tombstone's live neighbors as replacement candidates.
	for _, d := range dead {
		n, err := idx.engine.ReadNode(d)
		if err != nil {
			continue
		}
		for _, nn := range n.Neighbors {
			if nn == ptr || idx.deleted.Contains(nn.Key()) {
				continue
			}
			if _, ok := seen[nn.Key()]; ok {
				continue
			}
			seen[nn.Key()] = struct{}{}
			dist, err := idx.distanceBetween(ptr, nn)
			if err != nil {
				continue
			}
			keep = append(keep, graph.NeighborWithDistance{Pointer: nn, Distance: dist})
		}
	}

	if len(keep) > idx.opts.maxNeighbors {
		keep, err = graph.RobustPrune(keep, idx.opts.maxNeighbors, idx.opts.alpha, idx.distanceBetween)
		if err != nil {
			return false, err
		}
	}
	if err := idx.engine.SetNeighbors(ptr, keep); err != nil {
		return false, err
	}
	return true, nil
}

// Flush appends a metadata record capturing the current entry point, counts
// and tombstone set, making the current state recoverable by Open.
func (idx *Index) Flush() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return ErrClosed
	}
	return idx.writeMetaLocked()
}

// Close flushes metadata and closes the underlying store. Further operations
// return ErrClosed.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return nil
	}
	if err := idx.writeMetaLocked(); err != nil {
		return err
	}
	idx.closed = true
	return idx.store.Close()
}

func (idx *Index) writeMetaLocked() error {
	meta := &indexMeta{
		Dimension:     idx.dimension,
		Metric:        uint8(idx.opts.metric),
		Quantized:     idx.opts.quantize,
		HalfPrecision: idx.opts.halfPrecision,
		MaxNeighbors:  idx.opts.maxNeighbors,
		PQSubvectors:  idx.opts.pqSubvectors,
		PQCentroids:   idx.opts.pqCentroids,
		Entry:         idx.entry,
		QuantizerPtr:  idx.quantizerPtr,
		LiveCount:     idx.liveCount,
		Deleted:       idx.deleted,
	}
	buf, err := meta.encode()
	if err != nil {
		return err
	}
	if _, err := idx.store.Append(idx.metaTape, buf); err != nil {
		return fmt.Errorf("tapeann: write metadata: %w", err)
	}
	return nil
}

// latestMeta scans the meta pages and returns the newest decodable record.
// Older or corrupt records are skipped; appends are ordered, so the last
// valid one reflects the most recent flush.
func latestMeta(store pagestore.Store) (*indexMeta, error) {
	var meta *indexMeta
	err := store.Scan(pagestore.PageTypeMeta, func(_ core.ItemPointer, item []byte) bool {
		if m, err := decodeMeta(item); err == nil {
			meta = m
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("%w: no metadata record", ErrBadMeta)
	}
	return meta, nil
}

// distanceBetween computes the exact distance between two stored nodes,
// reading full vectors from pages or the heap as the backend requires.
func (idx *Index) distanceBetween(a, b core.ItemPointer) (float32, error) {
	va, err := idx.fullVectorOf(a)
	if err != nil {
		return 0, err
	}
	vb, err := idx.fullVectorOf(b)
	if err != nil {
		return 0, err
	}
	return idx.distFn(va, vb), nil
}

func (idx *Index) fullVectorOf(ptr core.ItemPointer) ([]float32, error) {
	n, err := idx.engine.ReadNode(ptr)
	if err != nil {
		return nil, err
	}
	if n.Vector != nil {
		return n.Vector, nil
	}
	if !n.HeapPointer.Valid() {
		return nil, storage.ErrHeapBindingMissing
	}
	return idx.heap.FetchVector(n.HeapPointer)
}

func sortResultsByDistance(results []SearchResult) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Distance < results[j-1].Distance; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// Quantizer codebooks exceed a single page item, so the serialized blob is
// chunked across quantizer pages behind a small header item.
const (
	quantChunkMagic uint32 = 0x545A4348 // "TZCH"
	quantHeaderLen         = 12
)

func persistQuantizer(store pagestore.Store, tape *pagestore.Tape, pq *quantization.ProductQuantizer) (core.ItemPointer, error) {
	blob, err := quantization.EncodeMetadata(pq)
	if err != nil {
		return core.InvalidItemPointer, err
	}

	chunks := 0
	for off := 0; off < len(blob); off += pagestore.MaxItemSize {
		chunks++
	}

	header := make([]byte, quantHeaderLen)
	binary.LittleEndian.PutUint32(header[0:], quantChunkMagic)
	binary.LittleEndian.PutUint32(header[4:], uint32(chunks))
	binary.LittleEndian.PutUint32(header[8:], uint32(len(blob)))

	ptr, err := store.Append(tape, header)
	if err != nil {
		return core.InvalidItemPointer, fmt.Errorf("tapeann: persist quantizer: %w", err)
	}
	for off := 0; off < len(blob); off += pagestore.MaxItemSize {
		end := off + pagestore.MaxItemSize
		if end > len(blob) {
			end = len(blob)
		}
		if _, err := store.Append(tape, blob[off:end]); err != nil {
			return core.InvalidItemPointer, fmt.Errorf("tapeann: persist quantizer: %w", err)
		}
	}
	return ptr, nil
}

// loadQuantizer reassembles the chunked quantizer blob starting at the
// header item. Chunks follow the header in page scan order because they were
// appended through one tape.
func loadQuantizer(store pagestore.Store, ptr core.ItemPointer) (*quantization.ProductQuantizer, error) {
	header, err := store.Read(ptr)
	if err != nil {
		return nil, fmt.Errorf("tapeann: read quantizer header: %w", err)
	}
	if len(header) != quantHeaderLen || binary.LittleEndian.Uint32(header[0:]) != quantChunkMagic {
		return nil, fmt.Errorf("%w: bad quantizer header", ErrBadMeta)
	}
	chunks := int(binary.LittleEndian.Uint32(header[4:]))
	total := int(binary.LittleEndian.Uint32(header[8:]))

	blob := make([]byte, 0, total)
	collecting := false
	remaining := chunks
	if err := store.Scan(pagestore.PageTypeQuantizer, func(p core.ItemPointer, item []byte) bool {
		if collecting {
			blob = append(blob, item...)
			remaining--
			return remaining > 0
		}
		if p == ptr {
			collecting = true
		}
		return true
	}); err != nil {
		return nil, err
	}
	if remaining != 0 || len(blob) != total {
		return nil, fmt.Errorf("%w: quantizer blob truncated", ErrBadMeta)
	}

	pq, err := quantization.DecodeMetadata(blob)
	if err != nil {
		return nil, err
	}
	return pq, nil
}
