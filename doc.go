// Package tapeann is a disk-resident approximate nearest-neighbor index on
// a navigable small-world graph. Vectors live as fixed-size nodes on 8KiB
// slotted pages, optionally compressed with product quantization; queries
// run greedy best-first traversal over the persisted graph with a bounded
// candidate list.
//
// The package is the orchestration surface: open or build an index, insert
// and delete vectors, and search. The layers underneath are reusable on
// their own: pagestore for page persistence, storage for the node backends,
// graph for the traversal, quantization for codebooks, and blobstore for
// snapshot transport.
//
//	store := pagestore.NewMemoryStore()
//	heap := pagestore.NewMemoryHeap()
//	idx, err := tapeann.New(store, heap, 128,
//		tapeann.WithProductQuantization(16, 256))
//	...
//	results, err := idx.Search(ctx, query, 10)
package tapeann
